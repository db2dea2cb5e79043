package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"

	"github.com/cockroachdb/pebble"
)

var db *pebble.DB

// dbPath remembers where the DB was opened, for on-disk size metrics.
var dbPath string

// seq provides a small counter to keep timeline keys unique when
// multiple messages share the same millisecond timestamp.
var seq uint64

// ErrNotFound is returned when a message or key is absent.
var ErrNotFound = errors.New("store: not found")

// Open opens (or creates) a Pebble database at the given path and keeps
// a global handle for simple usage in this package.
func Open(path string) error {
	var err error
	logger.Info("opening_pebble_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return err
	}
	dbPath = path
	logger.Info("pebble_opened", "path", path)
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool {
	return db != nil
}

// timelineKey builds the sortable key for a message created at ts
// (unix milliseconds). Keys order the timeline by creation time.
func timelineKey(ts int64, s uint64) string {
	return fmt.Sprintf("msg:%020d-%06d", ts, s)
}

func indexKey(id string) string { return "id:msg:" + id }

func corrKey(corr string) string { return "corr:msg:" + corr }

func versionKey(id string, ts int64, s uint64) string {
	return fmt.Sprintf("version:msg:%s:%020d-%06d", id, ts, s)
}

// SaveMessage inserts a new message into the timeline and indexes it by
// ID so later mutations can find it. The message must carry an ID; a
// zero CreatedAt is stamped with the current time.
func SaveMessage(msg models.Message) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	if msg.ID == "" {
		return fmt.Errorf("message has no id")
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UTC().UnixMilli()
	}
	s := atomic.AddUint64(&seq, 1)
	key := timelineKey(msg.CreatedAt, s)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := db.Set([]byte(key), data, pebble.Sync); err != nil {
		logger.Error("save_message_failed", "key", key, "error", err)
		return err
	}
	// index by message ID pointing at the timeline slot
	if err := db.Set([]byte(indexKey(msg.ID)), []byte(key), pebble.Sync); err != nil {
		logger.Error("save_message_index_failed", "id", msg.ID, "error", err)
		return err
	}
	// index by correlation ID so outbox replays can be deduplicated
	if msg.CorrelationID != "" {
		if err := db.Set([]byte(corrKey(msg.CorrelationID)), []byte(msg.ID), pebble.Sync); err != nil {
			logger.Error("save_message_corr_index_failed", "msg_id", msg.ID, "error", err)
			return err
		}
	}
	// keep a version trail for inspection and audits
	if err := db.Set([]byte(versionKey(msg.ID, msg.CreatedAt, s)), data, pebble.Sync); err != nil {
		logger.Error("save_message_version_failed", "id", msg.ID, "error", err)
		return err
	}
	logger.Info("message_saved", "key", key, "msg_id", msg.ID)
	return nil
}

// GetMessage returns the current state of a message by ID.
func GetMessage(id string) (models.Message, error) {
	var m models.Message
	if db == nil {
		return m, fmt.Errorf("pebble not opened; call store.Open first")
	}
	key, err := lookupTimelineKey(id)
	if err != nil {
		return m, err
	}
	v, closer, err := db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return m, ErrNotFound
		}
		return m, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &m); err != nil {
		return m, fmt.Errorf("invalid message JSON: %w", err)
	}
	return m, nil
}

// GetMessageByCorrelation resolves a client correlation ID to the
// message it produced, if any. A retried create whose first attempt
// already landed resolves here instead of inserting a duplicate.
func GetMessageByCorrelation(corr string) (models.Message, error) {
	var m models.Message
	if db == nil {
		return m, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get([]byte(corrKey(corr)))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return m, ErrNotFound
		}
		return m, err
	}
	id := string(v)
	closer.Close()
	return GetMessage(id)
}

// UpdateMessage overwrites the stored state of an existing message in
// place. The timeline slot is unchanged so ordering stays by creation
// time; a new version entry records the revision.
func UpdateMessage(msg models.Message) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	key, err := lookupTimelineKey(msg.ID)
	if err != nil {
		return err
	}
	data, merr := json.Marshal(msg)
	if merr != nil {
		return fmt.Errorf("failed to marshal message: %w", merr)
	}
	if err := db.Set([]byte(key), data, pebble.Sync); err != nil {
		logger.Error("update_message_failed", "key", key, "error", err)
		return err
	}
	s := atomic.AddUint64(&seq, 1)
	if err := db.Set([]byte(versionKey(msg.ID, time.Now().UTC().UnixMilli(), s)), data, pebble.Sync); err != nil {
		logger.Error("update_message_version_failed", "id", msg.ID, "error", err)
		return err
	}
	logger.Info("message_updated", "key", key, "msg_id", msg.ID)
	return nil
}

// PurgeMessage removes a message entirely: timeline slot, ID index and
// all version entries. Used by the retention runner on expired
// tombstones.
func PurgeMessage(id string) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	key, err := lookupTimelineKey(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if m, gerr := GetMessage(id); gerr == nil && m.CorrelationID != "" {
		if err := db.Delete([]byte(corrKey(m.CorrelationID)), pebble.Sync); err != nil {
			return err
		}
	}
	if err := db.Delete([]byte(key), pebble.Sync); err != nil {
		return err
	}
	if err := db.Delete([]byte(indexKey(id)), pebble.Sync); err != nil {
		return err
	}
	prefix := []byte("version:msg:" + id + ":")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		k := append([]byte(nil), iter.Key()...)
		if err := db.Delete(k, pebble.Sync); err != nil {
			return err
		}
	}
	logger.Info("message_purged", "msg_id", id)
	return iter.Error()
}

func lookupTimelineKey(id string) (string, error) {
	v, closer, err := db.Get([]byte(indexKey(id)))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	defer closer.Close()
	return string(v), nil
}

// ListMessages returns up to limit non-deleted messages in chronological
// order. When beforeID is set only messages older than it are returned,
// which pages history backwards from a known point. limit <= 0 means no
// cap.
func ListMessages(limit int, beforeID string) ([]models.Message, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	upper := []byte("msg;") // ':' + 1, exclusive end of the timeline range
	if beforeID != "" {
		key, err := lookupTimelineKey(beforeID)
		if err != nil {
			return nil, err
		}
		upper = []byte(key)
	}
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	prefix := []byte("msg:")
	var out []models.Message
	// walk backwards from the newest entry so limit keeps the most
	// recent messages, then reverse into chronological order
	for valid := iter.SeekLT(upper); valid; valid = iter.Prev() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Error("list_invalid_message_json", "key", string(iter.Key()), "error", err)
			return nil, fmt.Errorf("invalid message JSON: %w", err)
		}
		if m.Deleted {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, iter.Error()
}

// ListMessageVersions returns all stored revisions for a message ID in
// chronological order, as raw JSON.
func ListMessageVersions(id string) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := []byte("version:msg:" + id + ":")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		v := append([]byte(nil), iter.Value()...)
		out = append(out, string(v))
	}
	return out, iter.Error()
}

// CountMessages reports the total number of timeline entries and how
// many of them are tombstones.
func CountMessages() (total int, deleted int, err error) {
	if db == nil {
		return 0, 0, fmt.Errorf("pebble not opened; call store.Open first")
	}
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, 0, err
	}
	defer iter.Close()
	prefix := []byte("msg:")
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		total++
		var m struct {
			Deleted bool `json:"deleted"`
		}
		if json.Unmarshal(iter.Value(), &m) == nil && m.Deleted {
			deleted++
		}
	}
	return total, deleted, iter.Error()
}

// ListKeys returns all keys (as strings) that start with the given prefix.
// If prefix is empty it returns all keys in the DB.
func ListKeys(prefix string) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	if prefix == "" {
		for iter.First(); iter.Valid(); iter.Next() {
			k := append([]byte(nil), iter.Key()...)
			out = append(out, string(k))
		}
		return out, iter.Error()
	}
	pfx := []byte(prefix)
	for iter.SeekGE(pfx); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), pfx) {
			break
		}
		k := append([]byte(nil), iter.Key()...)
		out = append(out, string(k))
	}
	return out, iter.Error()
}

// GetKey returns the raw value for the given key.
func GetKey(key string) (string, error) {
	if db == nil {
		return "", fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	defer closer.Close()
	return string(v), nil
}

// SaveKey stores an arbitrary key/value pair. Use with caution; callers
// should choose a safe namespace (e.g. "system:").
func SaveKey(key string, value []byte) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	if err := db.Set([]byte(key), value, pebble.Sync); err != nil {
		logger.Error("save_key_failed", "key", key, "error", err)
		return err
	}
	logger.Debug("save_key_ok", "key", key, "len", len(value))
	return nil
}

// DeleteKey removes a raw key from the DB.
func DeleteKey(key string) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	return db.Delete([]byte(key), pebble.Sync)
}

// DBIter returns a raw Pebble iterator for low-level operations. Caller
// must close the iterator when done.
func DBIter() (*pebble.Iterator, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	return db.NewIter(&pebble.IterOptions{})
}
