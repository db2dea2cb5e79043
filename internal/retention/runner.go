package retention

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chatrelay/pkg/config"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
	"chatrelay/pkg/utils"
)

const (
	defaultBatchSize  = 500
	defaultBatchSleep = 50 * time.Millisecond
)

// runOnce executes a single retention run: acquire the lease, scan the
// timeline for expired tombstones, purge them in batches, release.
func runOnce(ctx context.Context, ret config.RetentionConfig, retentionPath string) error {
	if ret.Paused {
		logger.Info("retention_paused")
		return nil
	}

	period, err := parseRetention(ret.Period)
	if err != nil {
		logger.Error("retention_invalid_period", "period", ret.Period, "error", err)
		return fmt.Errorf("invalid retention period: %w", err)
	}
	if ret.MinPeriod != "" {
		min, merr := parseRetention(ret.MinPeriod)
		if merr != nil {
			logger.Error("retention_invalid_min_period", "min_period", ret.MinPeriod, "error", merr)
			return fmt.Errorf("invalid retention min period: %w", merr)
		}
		if period < min {
			logger.Warn("retention_period_below_minimum", "period", ret.Period, "min_period", ret.MinPeriod)
			return fmt.Errorf("retention period %s below minimum %s", ret.Period, ret.MinPeriod)
		}
	}

	lockTTL := ret.LockTTL.Duration()
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	owner := utils.GenID()
	lease := newFileLease(retentionPath)
	acquired, err := lease.Acquire(owner, lockTTL)
	if err != nil {
		logger.Error("retention_lease_acquire_error", "error", err)
		return fmt.Errorf("lease acquire failed: %w", err)
	}
	if !acquired {
		logger.Info("retention_lease_not_acquired")
		return nil
	}
	defer func() {
		if rerr := lease.Release(owner); rerr != nil {
			logger.Error("retention_lease_release_error", "error", rerr)
		}
	}()

	// renew the lease while the run is in flight; abort if renewal keeps
	// failing so two sweepers never overlap
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		t := time.NewTicker(lockTTL / 3)
		defer t.Stop()
		var fails int
		for {
			select {
			case <-runCtx.Done():
				return
			case <-t.C:
				if rerr := lease.Renew(owner, lockTTL); rerr != nil {
					fails++
					logger.Error("retention_lease_renew_failed", "error", rerr, "count", fails)
					if fails >= 3 {
						cancel()
						return
					}
				} else {
					fails = 0
				}
			}
		}
	}()

	runID := utils.GenID()
	cutoff := time.Now().UTC().Add(-period).UnixMilli()
	logger.Info("retention_run_start", "run_id", runID, "cutoff", cutoff, "dry_run", ret.DryRun)
	audit("retention_audit_header", "run_id", runID, "started_at", time.Now().UTC().Format(time.RFC3339), "period", ret.Period, "dry_run", ret.DryRun)

	eligible, scanned, err := collectExpired(cutoff)
	if err != nil {
		return fmt.Errorf("scan tombstones: %w", err)
	}

	batchSize := ret.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	sleep := defaultBatchSleep
	if ret.BatchSleepMs > 0 {
		sleep = time.Duration(ret.BatchSleepMs) * time.Millisecond
	}

	var purged int
	for i, id := range eligible {
		select {
		case <-runCtx.Done():
			audit("retention_audit_footer", "run_id", runID, "scanned", scanned, "purged", purged, "aborted", true)
			return fmt.Errorf("retention run aborted")
		default:
		}
		if ret.DryRun {
			audit("retention_audit_item", "run_id", runID, "msg_id", id, "status", "dry_run")
			continue
		}
		if err := store.PurgeMessage(id); err != nil {
			audit("retention_audit_item", "run_id", runID, "msg_id", id, "status", "failed", "error", err.Error())
			logger.Error("retention_purge_failed", "msg_id", id, "error", err)
			continue
		}
		purged++
		audit("retention_audit_item", "run_id", runID, "msg_id", id, "status", "purged")
		if (i+1)%batchSize == 0 {
			select {
			case <-time.After(sleep):
			case <-runCtx.Done():
				audit("retention_audit_footer", "run_id", runID, "scanned", scanned, "purged", purged, "aborted", true)
				return fmt.Errorf("retention run aborted")
			}
		}
	}

	audit("retention_audit_footer", "run_id", runID, "scanned", scanned, "purged", purged)
	logger.Info("retention_run_complete", "run_id", runID, "scanned", scanned, "eligible", len(eligible), "purged", purged, "dry_run", ret.DryRun)
	return nil
}

// collectExpired walks the timeline and returns the ids of tombstones
// whose DeletedAt is older than the cutoff (unix ms). Collecting first
// keeps the iterator free of concurrent deletes.
func collectExpired(cutoff int64) (ids []string, scanned int, err error) {
	iter, err := store.DBIter()
	if err != nil {
		return nil, 0, err
	}
	defer iter.Close()

	prefix := []byte("msg:")
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		scanned++
		var m models.Message
		if jerr := json.Unmarshal(iter.Value(), &m); jerr != nil {
			logger.Warn("retention_invalid_message_json", "key", string(iter.Key()), "error", jerr)
			continue
		}
		if !m.Deleted {
			continue
		}
		deletedAt := m.DeletedAt
		if deletedAt == 0 {
			// legacy tombstones carry no DeletedAt; age by creation
			deletedAt = m.CreatedAt
		}
		if deletedAt < cutoff {
			ids = append(ids, m.ID)
		}
	}
	return ids, scanned, iter.Error()
}

// audit emits to the dedicated audit logger when attached, otherwise to
// the main logger.
func audit(msg string, args ...any) {
	if logger.Audit != nil {
		logger.Audit.Info(msg, args...)
		return
	}
	logger.Info(msg, args...)
}

// parseRetention parses a retention period. Supports day suffixes like
// "30d" on top of time.ParseDuration syntax; empty defaults to 30 days.
func parseRetention(s string) (time.Duration, error) {
	if s == "" {
		return 30 * 24 * time.Hour, nil
	}
	if s[len(s)-1] == 'd' {
		var n int
		if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
			return 0, fmt.Errorf("invalid days retention: %w", err)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
