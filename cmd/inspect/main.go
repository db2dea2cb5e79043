package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/pebble"
)

// inspect dumps a chatrelay pebble directory (server store or client
// outbox) without going through the running process. The DB is opened
// read-only so it is safe against a live server only when that server
// is stopped; pebble holds an exclusive lock otherwise.
func main() {
	var (
		dbPath  string
		prefix  string
		limit   int
		pretty  bool
		values  bool
		summary bool
	)
	flag.StringVar(&dbPath, "db", "", "path to the pebble directory (required)")
	flag.StringVar(&prefix, "prefix", "", "only keys with this prefix")
	flag.IntVar(&limit, "limit", 0, "stop printing after this many keys (0 = all)")
	flag.BoolVar(&pretty, "pretty", false, "indent JSON values")
	flag.BoolVar(&values, "values", false, "print values alongside keys")
	flag.BoolVar(&summary, "summary", true, "print per-category counts")
	flag.Parse()

	if dbPath == "" {
		fmt.Fprintln(os.Stderr, "--db required")
		os.Exit(2)
	}

	db, err := pebble.Open(dbPath, &pebble.Options{ReadOnly: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", dbPath, err)
		os.Exit(1)
	}
	defer db.Close()

	iter, err := db.NewIter(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "iterator: %v\n", err)
		os.Exit(1)
	}
	defer iter.Close()

	counts := map[string]int{}
	tombstones := 0
	printed := 0

	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}

		cat := category(key)
		counts[cat]++
		if cat == "timeline" && isTombstone(iter.Value()) {
			tombstones++
		}

		if limit > 0 && printed >= limit {
			continue
		}
		printed++
		if values {
			fmt.Printf("%s\t%s\n", key, render(iter.Value(), pretty))
		} else {
			fmt.Println(key)
		}
	}
	if err := iter.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "iterate: %v\n", err)
		os.Exit(1)
	}

	if summary {
		fmt.Println("-- summary --")
		order := []string{"timeline", "pointer", "correlation", "revision", "outbox", "system", "other"}
		for _, c := range order {
			if counts[c] > 0 {
				fmt.Printf("%-12s %d\n", c, counts[c])
			}
		}
		if tombstones > 0 {
			fmt.Printf("%-12s %d\n", "tombstones", tombstones)
		}
	}
}

// category buckets a key by its prefix. Order matters: id:msg: and
// corr:msg: would otherwise never match after the msg: check.
func category(key string) string {
	switch {
	case strings.HasPrefix(key, "id:msg:"):
		return "pointer"
	case strings.HasPrefix(key, "corr:msg:"):
		return "correlation"
	case strings.HasPrefix(key, "version:msg:"):
		return "revision"
	case strings.HasPrefix(key, "msg:"):
		return "timeline"
	case strings.HasPrefix(key, "outbox:"), strings.HasPrefix(key, "outidx:"):
		return "outbox"
	case strings.HasPrefix(key, "system:"):
		return "system"
	}
	return "other"
}

func isTombstone(v []byte) bool {
	var m struct {
		Deleted bool `json:"deleted"`
	}
	if err := json.Unmarshal(v, &m); err != nil {
		return false
	}
	return m.Deleted
}

func render(v []byte, pretty bool) string {
	if pretty && json.Valid(v) {
		var buf bytes.Buffer
		if json.Indent(&buf, v, "", "  ") == nil {
			return buf.String()
		}
	}
	return string(v)
}
