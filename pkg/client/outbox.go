package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/state"

	"github.com/cockroachdb/pebble"
)

// OutboxEntry is one operation journaled while the session was offline.
// CorrelationID doubles as the journal handle: creates reuse their wire
// correlation id so the broadcast echo can acknowledge the entry.
type OutboxEntry struct {
	CorrelationID string          `json:"correlationId"`
	Event         string          `json:"event"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	EnqueuedAt    int64           `json:"enqueuedAt"`
}

// Outbox durably queues operations until the relay confirms them. Keys
// order the journal by enqueue time so a drain replays in the order the
// user acted.
type Outbox struct {
	mu       sync.Mutex
	db       *pebble.DB
	seq      uint64
	draining bool
}

// OpenOutbox opens (or creates) the journal under dataDir/outbox.
func OpenOutbox(dataDir string) (*Outbox, error) {
	if err := state.EnsureClientDirs(dataDir); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Join(dataDir, "outbox"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	return &Outbox{db: db}, nil
}

// Close closes the journal.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.db == nil {
		return nil
	}
	err := o.db.Close()
	o.db = nil
	return err
}

func journalKey(ts int64, seq uint64) string {
	return fmt.Sprintf("outbox:%020d-%06d", ts, seq)
}

func outIdxKey(corr string) string { return "outidx:" + corr }

// Enqueue journals an entry. It never fails: a journal that cannot be
// written degrades to in-memory-only behavior and the error is logged.
func (o *Outbox) Enqueue(e OutboxEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.db == nil {
		logger.Error("outbox_enqueue_after_close", "event", e.Event)
		return
	}
	if e.EnqueuedAt == 0 {
		e.EnqueuedAt = time.Now().UTC().UnixMilli()
	}
	o.seq++
	key := journalKey(e.EnqueuedAt, o.seq)
	data, err := json.Marshal(e)
	if err != nil {
		logger.Error("outbox_marshal_failed", "event", e.Event, "error", err)
		return
	}
	if err := o.db.Set([]byte(key), data, pebble.Sync); err != nil {
		logger.Error("outbox_enqueue_failed", "key", key, "error", err)
		return
	}
	if err := o.db.Set([]byte(outIdxKey(e.CorrelationID)), []byte(key), pebble.Sync); err != nil {
		logger.Error("outbox_index_failed", "correlation_id", e.CorrelationID, "error", err)
		return
	}
	logger.Debug("outbox_enqueued", "event", e.Event, "correlation_id", e.CorrelationID)
}

// Ack removes the entry for a confirmed correlation id. Acking an id
// that is not queued is a no-op, so echo handlers can ack blindly.
func (o *Outbox) Ack(correlationID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.db == nil {
		return nil
	}
	idx := []byte(outIdxKey(correlationID))
	v, closer, err := o.db.Get(idx)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil
		}
		return err
	}
	key := append([]byte(nil), v...)
	closer.Close()
	if err := o.db.Delete(key, pebble.Sync); err != nil {
		return err
	}
	if err := o.db.Delete(idx, pebble.Sync); err != nil {
		return err
	}
	logger.Debug("outbox_acked", "correlation_id", correlationID)
	return nil
}

// Amend rewrites the payload of a queued entry in place, reporting
// whether the entry was found. Used when a pending message is edited
// before it was ever sent.
func (o *Outbox) Amend(correlationID string, payload json.RawMessage) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	row, ok := o.lookupLocked(correlationID)
	if !ok {
		return false
	}
	row.entry.Payload = payload
	if err := o.putLocked(row.key, row.entry); err != nil {
		logger.Error("outbox_amend_failed", "correlation_id", correlationID, "error", err)
		return false
	}
	return true
}

// Has reports whether a correlation id is still queued.
func (o *Outbox) Has(correlationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.lookupLocked(correlationID)
	return ok
}

// Pending reports how many entries await delivery.
func (o *Outbox) Pending() int {
	rows, err := o.rows()
	if err != nil {
		logger.Error("outbox_scan_failed", "error", err)
		return 0
	}
	return len(rows)
}

// Entries returns the queued operations in enqueue order.
func (o *Outbox) Entries() ([]OutboxEntry, error) {
	rows, err := o.rows()
	if err != nil {
		return nil, err
	}
	out := make([]OutboxEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry)
	}
	return out, nil
}

// Drain replays queued entries in order through send. Entries are not
// removed here: creates leave the journal when their echo is acked and
// mutations when their broadcast names the target, so a crash between
// send and confirmation loses nothing. A concurrent
// drain is a no-op; the first failure stops the replay with the rest of
// the queue intact.
func (o *Outbox) Drain(ctx context.Context, send func(OutboxEntry) error) error {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return nil
	}
	o.draining = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.draining = false
		o.mu.Unlock()
	}()

	rows, err := o.rows()
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := send(r.entry); err != nil {
			return fmt.Errorf("outbox drain %s: %w", r.entry.CorrelationID, err)
		}
		// the echo may already have acked the entry; only bump a
		// still-queued row or the ack would be resurrected
		o.mu.Lock()
		if cur, ok := o.lookupLocked(r.entry.CorrelationID); ok {
			cur.entry.Attempts++
			if err := o.putLocked(cur.key, cur.entry); err != nil {
				logger.Error("outbox_attempt_update_failed", "correlation_id", cur.entry.CorrelationID, "error", err)
			}
		}
		o.mu.Unlock()
	}
	if len(rows) > 0 {
		logger.Info("outbox_drained", "entries", len(rows))
	}
	return nil
}

type journalRow struct {
	key   string
	entry OutboxEntry
}

func (o *Outbox) rows() ([]journalRow, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.db == nil {
		return nil, nil
	}
	iter, err := o.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	prefix := []byte("outbox:")
	var out []journalRow
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var e OutboxEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			logger.Error("outbox_invalid_entry", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, journalRow{key: string(iter.Key()), entry: e})
	}
	return out, iter.Error()
}

func (o *Outbox) lookupLocked(correlationID string) (journalRow, bool) {
	if o.db == nil {
		return journalRow{}, false
	}
	v, closer, err := o.db.Get([]byte(outIdxKey(correlationID)))
	if err != nil {
		return journalRow{}, false
	}
	key := append([]byte(nil), v...)
	closer.Close()
	raw, closer, err := o.db.Get(key)
	if err != nil {
		return journalRow{}, false
	}
	var e OutboxEntry
	uerr := json.Unmarshal(raw, &e)
	closer.Close()
	if uerr != nil {
		return journalRow{}, false
	}
	return journalRow{key: string(key), entry: e}, true
}

func (o *Outbox) putLocked(key string, e OutboxEntry) error {
	if o.db == nil {
		return errors.New("outbox closed")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return o.db.Set([]byte(key), data, pebble.Sync)
}
