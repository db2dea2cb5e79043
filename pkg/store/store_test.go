package store

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"chatrelay/pkg/models"
)

func openTestStore(t *testing.T) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "db")
	if err := Open(dir); err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = Close() })
}

func TestSaveAndGetMessage(t *testing.T) {
	openTestStore(t)
	m := models.Message{ID: "m1", Author: "u1", Username: "ann", Text: "hello", CreatedAt: 1000}
	if err := SaveMessage(m); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := GetMessage("m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Text != "hello" || got.Author != "u1" {
		t.Fatalf("unexpected message: %+v", got)
	}
	if _, err := GetMessage("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetMessageByCorrelation(t *testing.T) {
	openTestStore(t)
	m := models.Message{ID: "m1", CorrelationID: "c-42", Author: "u1", Text: "hi", CreatedAt: 1000}
	if err := SaveMessage(m); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := GetMessageByCorrelation("c-42")
	if err != nil {
		t.Fatalf("get by correlation: %v", err)
	}
	if got.ID != "m1" {
		t.Fatalf("expected m1, got %+v", got)
	}
	if _, err := GetMessageByCorrelation("c-none"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// purge clears the correlation pointer too
	if err := PurgeMessage("m1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := GetMessageByCorrelation("c-42"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after purge, got %v", err)
	}
}

func TestUpdateKeepsTimelinePosition(t *testing.T) {
	openTestStore(t)
	for i, id := range []string{"a", "b", "c"} {
		m := models.Message{ID: id, Author: "u", Text: id, CreatedAt: int64(1000 * (i + 1))}
		if err := SaveMessage(m); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	mid, err := GetMessage("b")
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	mid.Text = "edited"
	mid.IsEdited = true
	mid.EditedAt = 9999
	if err := UpdateMessage(mid); err != nil {
		t.Fatalf("update: %v", err)
	}
	list, err := ListMessages(0, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(list))
	}
	if list[1].ID != "b" || list[1].Text != "edited" || !list[1].IsEdited {
		t.Fatalf("expected b edited in place, got %+v", list[1])
	}
}

func TestListMessagesSkipsTombstones(t *testing.T) {
	openTestStore(t)
	for i, id := range []string{"a", "b", "c"} {
		if err := SaveMessage(models.Message{ID: id, Author: "u", Text: id, CreatedAt: int64(1000 * (i + 1))}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	b, _ := GetMessage("b")
	b.Deleted = true
	b.DeletedAt = 5000
	if err := UpdateMessage(b); err != nil {
		t.Fatalf("tombstone: %v", err)
	}
	list, err := ListMessages(0, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "c" {
		t.Fatalf("expected a,c got %+v", list)
	}
	total, deleted, err := CountMessages()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 3 || deleted != 1 {
		t.Fatalf("counts: total=%d deleted=%d", total, deleted)
	}
}

func TestListMessagesPagination(t *testing.T) {
	openTestStore(t)
	ids := []string{"m1", "m2", "m3", "m4", "m5"}
	for i, id := range ids {
		if err := SaveMessage(models.Message{ID: id, Author: "u", Text: id, CreatedAt: int64(1000 * (i + 1))}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	// newest two
	page, err := ListMessages(2, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].ID != "m4" || page[1].ID != "m5" {
		t.Fatalf("latest page wrong: %+v", page)
	}
	// page older than m4
	older, err := ListMessages(2, "m4")
	if err != nil {
		t.Fatalf("list before: %v", err)
	}
	if len(older) != 2 || older[0].ID != "m2" || older[1].ID != "m3" {
		t.Fatalf("older page wrong: %+v", older)
	}
	// paging before the oldest yields nothing
	empty, err := ListMessages(2, "m1")
	if err != nil {
		t.Fatalf("list before oldest: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty page, got %+v", empty)
	}
}

func TestMessageVersions(t *testing.T) {
	openTestStore(t)
	m := models.Message{ID: "v1", Author: "u", Text: "one", CreatedAt: 1000}
	if err := SaveMessage(m); err != nil {
		t.Fatalf("save: %v", err)
	}
	m.Text = "two"
	m.IsEdited = true
	if err := UpdateMessage(m); err != nil {
		t.Fatalf("update: %v", err)
	}
	vers, err := ListMessageVersions("v1")
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(vers) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(vers))
	}
}

func TestPurgeMessage(t *testing.T) {
	openTestStore(t)
	if err := SaveMessage(models.Message{ID: "p1", Author: "u", Text: "x", CreatedAt: 1000}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := PurgeMessage("p1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := GetMessage("p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after purge, got %v", err)
	}
	vers, err := ListMessageVersions("p1")
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(vers) != 0 {
		t.Fatalf("expected no versions after purge, got %d", len(vers))
	}
	// purging a missing id is a no-op
	if err := PurgeMessage("p1"); err != nil {
		t.Fatalf("re-purge: %v", err)
	}
}

func TestFlattenMetricsReachesArrayLeaves(t *testing.T) {
	type level struct {
		NumFiles int64
		Size     int64
	}
	type fake struct {
		WAL struct {
			Size     uint64
			BytesIn  uint64
			Obsolete uint64
		}
		Levels [3]level
	}
	var f fake
	f.WAL.Size = 77
	f.WAL.BytesIn = 9000
	f.Levels[0] = level{NumFiles: 4, Size: 512}

	flat := make(map[string]float64)
	flattenMetrics("", reflect.ValueOf(&f), flat)

	if v := findMetric(flat, `(?i)^wal\.size$`); v != 77 {
		t.Fatalf("wal size = %v, want 77", v)
	}
	if v := findMetric(flat, `(?i)^levels\.0\.(num)?files$`); v != 4 {
		t.Fatalf("l0 files = %v, want 4", v)
	}
	if v := findMetric(flat, `(?i)^levels\.0\.size$`); v != 512 {
		t.Fatalf("l0 size = %v, want 512", v)
	}
	if v := findMetric(flat, `(?i)^nothing\.like\.this$`); v != 0 {
		t.Fatalf("unmatched pattern = %v, want 0", v)
	}
}

func TestFlattenMetricsStopsOnSelfReference(t *testing.T) {
	// pebble's LogWriter embeds a prometheus histogram whose collector
	// interface points back at itself; the walk must terminate anyway.
	type collector struct {
		Count uint64
		Self  interface{}
	}
	type fake struct {
		WALSize      uint64
		FsyncLatency *collector
	}
	c := &collector{Count: 3}
	c.Self = c
	f := fake{WALSize: 77, FsyncLatency: c}

	done := make(chan map[string]float64, 1)
	go func() {
		flat := make(map[string]float64)
		flattenMetrics("", reflect.ValueOf(&f), flat)
		done <- flat
	}()
	select {
	case flat := <-done:
		if v := findMetric(flat, `(?i)^walsize$`); v != 77 {
			t.Fatalf("walsize = %v, want 77", v)
		}
		if v := findMetric(flat, `(?i)^fsynclatency\.count$`); v != 3 {
			t.Fatalf("count = %v, want 3", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("flattenMetrics did not terminate on a self-referencing value")
	}
}

func TestGetPebbleMetricsOnOpenStore(t *testing.T) {
	openTestStore(t)
	if err := SaveMessage(models.Message{ID: "m1", Author: "u", Text: "x", CreatedAt: 1000}); err != nil {
		t.Fatalf("save: %v", err)
	}
	pm := GetPebbleMetrics()
	if pm.DiskBytes == 0 {
		t.Fatalf("expected nonzero disk usage for an open store")
	}
}

func TestRawKeyHelpers(t *testing.T) {
	openTestStore(t)
	if err := SaveKey("system:schema", []byte("1")); err != nil {
		t.Fatalf("save key: %v", err)
	}
	v, err := GetKey("system:schema")
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if v != "1" {
		t.Fatalf("expected 1, got %q", v)
	}
	keys, err := ListKeys("system:")
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "system:schema" {
		t.Fatalf("keys: %v", keys)
	}
	if err := DeleteKey("system:schema"); err != nil {
		t.Fatalf("delete key: %v", err)
	}
	if _, err := GetKey("system:schema"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
