package store

import (
	"io/fs"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strconv"
)

// PebbleMetrics is a compact view of storage metrics consumed by the
// telemetry watcher and the stats endpoint.
type PebbleMetrics struct {
	DiskBytes         uint64
	WALBytes          uint64
	WALFsyncP99Ms     float64
	L0Files           int
	L0Bytes           uint64
	CompactionBacklog uint64
}

// GetPebbleMetrics returns best-effort metrics about the pebble DB. It
// computes the on-disk size of the DB directory and enriches the result
// from pebble's own metrics where field names can be matched. Fields
// with no match read as zero.
func GetPebbleMetrics() PebbleMetrics {
	var m PebbleMetrics
	if db == nil || dbPath == "" {
		return m
	}
	var total uint64
	_ = filepath.WalkDir(dbPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		total += uint64(fi.Size())
		return nil
	})
	m.DiskBytes = total
	if metrics := db.Metrics(); metrics != nil {
		flat := make(map[string]float64)
		flattenMetrics("", reflect.ValueOf(metrics), flat)
		if v := findMetric(flat, `(?i)^wal\.size$`); v > 0 {
			m.WALBytes = uint64(v)
		}
		if v := findMetric(flat, `(?i)^levels\.0\.(num)?files$`); v > 0 {
			m.L0Files = int(v)
		}
		if v := findMetric(flat, `(?i)^levels\.0\.size$`); v > 0 {
			m.L0Bytes = uint64(v)
		}
		if v := findMetric(flat, `(?i)fsync.*p99`); v > 0 {
			m.WALFsyncP99Ms = v
		}
		if v := findMetric(flat, `(?i)compact\..*(estimateddebt|backlog|pendingbytes)`); v > 0 {
			m.CompactionBacklog = uint64(v)
		}
	}
	return m
}

// findMetric returns the value under the first key matching pattern.
// Keys are visited in sorted order so the pick is stable across runs.
func findMetric(flat map[string]float64, pattern string) float64 {
	re := regexp.MustCompile(pattern)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if re.MatchString(k) {
			return flat[k]
		}
	}
	return 0
}

// maxMetricDepth bounds the walk; the pebble metrics tree is shallow and
// anything deeper is an embedded foreign structure we do not care about.
const maxMetricDepth = 12

// flattenMetrics walks structs, arrays and slices reachable from v and
// records numeric leaves keyed by dotted path. Array elements are keyed
// by index, e.g. Levels.0.NumFiles. Visited pointers are tracked because
// pebble embeds prometheus collectors that reference themselves.
func flattenMetrics(prefix string, v reflect.Value, out map[string]float64) {
	seen := make(map[uintptr]struct{})
	var walk func(prefix string, v reflect.Value, depth int)
	walk = func(prefix string, v reflect.Value, depth int) {
		if !v.IsValid() || depth > maxMetricDepth {
			return
		}
		for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
			if v.IsNil() {
				return
			}
			if v.Kind() == reflect.Ptr {
				p := v.Pointer()
				if _, ok := seen[p]; ok {
					return
				}
				seen[p] = struct{}{}
			}
			v = v.Elem()
		}
		switch v.Kind() {
		case reflect.Struct:
			t := v.Type()
			for i := 0; i < v.NumField(); i++ {
				walk(joinKey(prefix, t.Field(i).Name), v.Field(i), depth+1)
			}
		case reflect.Array, reflect.Slice:
			for i := 0; i < v.Len(); i++ {
				walk(joinKey(prefix, strconv.Itoa(i)), v.Index(i), depth+1)
			}
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			out[prefix] = float64(v.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			out[prefix] = float64(v.Uint())
		case reflect.Float32, reflect.Float64:
			out[prefix] = v.Float()
		default:
			// ignore other kinds
		}
	}
	walk(prefix, v, 0)
}

func joinKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
