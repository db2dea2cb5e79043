package retention

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"chatrelay/pkg/config"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
)

func openTestStore(t *testing.T) {
	t.Helper()
	if err := store.Open(filepath.Join(t.TempDir(), "store")); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
}

func saveMsg(t *testing.T, id string, deletedAt int64) {
	t.Helper()
	m := models.Message{
		ID:        id,
		Author:    "u1",
		Username:  "ann",
		Text:      "text " + id,
		CreatedAt: time.Now().UTC().Add(-72 * time.Hour).UnixMilli(),
	}
	if deletedAt != 0 {
		m.Deleted = true
		m.DeletedAt = deletedAt
	}
	if err := store.SaveMessage(m); err != nil {
		t.Fatalf("save %s: %v", id, err)
	}
}

func TestParseRetention(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"", 30 * 24 * time.Hour, true},
		{"30d", 30 * 24 * time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"24h", 24 * time.Hour, true},
		{"90m", 90 * time.Minute, true},
		{"xd", 0, false},
		{"soon", 0, false},
	}
	for _, c := range cases {
		got, err := parseRetention(c.in)
		if c.ok && err != nil {
			t.Fatalf("parseRetention(%q) error: %v", c.in, err)
		}
		if !c.ok && err == nil {
			t.Fatalf("parseRetention(%q) = %v, want error", c.in, got)
		}
		if c.ok && got != c.want {
			t.Fatalf("parseRetention(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestRunOncePurgesExpiredTombstones(t *testing.T) {
	openTestStore(t)
	now := time.Now().UTC()
	saveMsg(t, "expired", now.Add(-48*time.Hour).UnixMilli())
	saveMsg(t, "fresh-tombstone", now.Add(-time.Hour).UnixMilli())
	saveMsg(t, "alive", 0)

	ret := config.RetentionConfig{
		Enabled: true,
		Period:  "24h",
		LockTTL: config.Duration(time.Minute),
	}
	if err := runOnce(context.Background(), ret, t.TempDir()); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	if _, err := store.GetMessage("expired"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expired tombstone still present, err = %v", err)
	}
	m, err := store.GetMessage("fresh-tombstone")
	if err != nil {
		t.Fatalf("fresh tombstone gone: %v", err)
	}
	if !m.Deleted {
		t.Fatalf("fresh tombstone lost its deleted flag")
	}
	if _, err := store.GetMessage("alive"); err != nil {
		t.Fatalf("live message gone: %v", err)
	}
}

func TestRunOnceDryRunPurgesNothing(t *testing.T) {
	openTestStore(t)
	saveMsg(t, "expired", time.Now().UTC().Add(-48*time.Hour).UnixMilli())

	ret := config.RetentionConfig{
		Enabled: true,
		Period:  "24h",
		DryRun:  true,
		LockTTL: config.Duration(time.Minute),
	}
	if err := runOnce(context.Background(), ret, t.TempDir()); err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if _, err := store.GetMessage("expired"); err != nil {
		t.Fatalf("dry run purged the message: %v", err)
	}
}

func TestRunOncePausedIsNoOp(t *testing.T) {
	openTestStore(t)
	saveMsg(t, "expired", time.Now().UTC().Add(-48*time.Hour).UnixMilli())

	ret := config.RetentionConfig{
		Enabled: true,
		Period:  "24h",
		Paused:  true,
		LockTTL: config.Duration(time.Minute),
	}
	if err := runOnce(context.Background(), ret, t.TempDir()); err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if _, err := store.GetMessage("expired"); err != nil {
		t.Fatalf("paused run purged the message: %v", err)
	}
}

func TestRunOnceRejectsPeriodBelowMinimum(t *testing.T) {
	openTestStore(t)
	saveMsg(t, "expired", time.Now().UTC().Add(-48*time.Hour).UnixMilli())

	ret := config.RetentionConfig{
		Enabled:   true,
		Period:    "1h",
		MinPeriod: "24h",
		LockTTL:   config.Duration(time.Minute),
	}
	if err := runOnce(context.Background(), ret, t.TempDir()); err == nil {
		t.Fatalf("runOnce accepted a period below the minimum")
	}
	if _, err := store.GetMessage("expired"); err != nil {
		t.Fatalf("rejected run still purged: %v", err)
	}
}

func TestFileLeaseExcludesSecondOwner(t *testing.T) {
	dir := t.TempDir()
	lease := newFileLease(dir)

	ok, err := lease.Acquire("owner-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	ok, err = lease.Acquire("owner-b", time.Minute)
	if err != nil {
		t.Fatalf("second acquire error: %v", err)
	}
	if ok {
		t.Fatalf("second owner acquired a held lease")
	}
	if err := lease.Renew("owner-b", time.Minute); err == nil {
		t.Fatalf("non-owner renewed the lease")
	}
	if err := lease.Release("owner-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = lease.Acquire("owner-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after release = %v, %v", ok, err)
	}
}

func TestFileLeaseExpiredTakeover(t *testing.T) {
	dir := t.TempDir()
	lease := newFileLease(dir)

	if ok, err := lease.Acquire("owner-a", time.Millisecond); err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	time.Sleep(5 * time.Millisecond)
	ok, err := lease.Acquire("owner-b", time.Minute)
	if err != nil {
		t.Fatalf("takeover error: %v", err)
	}
	if !ok {
		t.Fatalf("expired lease not taken over")
	}
}

func TestStartDisabledAndInvalidCron(t *testing.T) {
	cancel, err := Start(context.Background(), config.RetentionConfig{Enabled: false})
	if err != nil {
		t.Fatalf("disabled start: %v", err)
	}
	cancel()

	if _, err := Start(context.Background(), config.RetentionConfig{Enabled: true, Cron: "not a cron"}); err == nil {
		t.Fatalf("invalid cron accepted")
	}
}

func TestRunImmediateRequiresConfig(t *testing.T) {
	storedCfg = nil
	if err := RunImmediate(); err == nil {
		t.Fatalf("RunImmediate without config succeeded")
	}
}
