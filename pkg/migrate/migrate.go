package migrate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
)

const (
	schemaKey     = "system:schema"
	inProgressKey = "system:migration_in_progress"
)

// CurrentSchema is the schema version this binary writes. Bump it when
// Sync gains a new upgrade step.
const CurrentSchema = "2"

// Run checks the stored schema version against the running one and
// invokes Sync when they differ. Returns (invoked, error); invoked is
// true when Sync ran.
func Run(ctx context.Context, newVersion string) (bool, error) {
	stored, err := store.GetKey(schemaKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Error("migrate_read_schema_failed", "error", err)
		return false, err
	}
	logger.Info("migrate_schema_check", "stored", stored, "running", newVersion)
	if stored == newVersion {
		logger.Info("migrate_noop", "schema", newVersion)
		return false, nil
	}

	marker := map[string]string{
		"from":       stored,
		"to":         newVersion,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}
	mb, _ := json.Marshal(marker)
	if err := store.SaveKey(inProgressKey, mb); err != nil {
		logger.Error("migrate_write_inprogress_failed", "error", err)
		return true, fmt.Errorf("failed to write in-progress marker: %w", err)
	}

	logger.Info("migrate_sync_start", "from", stored, "to", newVersion)
	if err := Sync(ctx, stored, newVersion); err != nil {
		logger.Error("migrate_sync_failed", "from", stored, "to", newVersion, "error", err)
		return true, err
	}

	if err := store.SaveKey(schemaKey, []byte(newVersion)); err != nil {
		logger.Error("migrate_persist_schema_failed", "schema", newVersion, "error", err)
		return true, fmt.Errorf("failed to persist schema version: %w", err)
	}
	if err := store.DeleteKey(inProgressKey); err != nil {
		logger.Error("migrate_delete_inprogress_failed", "error", err)
	}
	logger.Info("migrate_schema_persisted", "schema", newVersion)
	return true, nil
}

// Sync performs the upgrade work between schema versions. All steps are
// idempotent so an interrupted run can simply be repeated.
func Sync(ctx context.Context, from, to string) error {
	iter, err := store.DBIter()
	if err != nil {
		return err
	}
	defer iter.Close()

	type fix struct {
		msg      models.Message
		needSave bool
		needCorr bool
	}
	var fixes []fix
	var scanned int

	prefix := []byte("msg:")
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		scanned++
		var m models.Message
		if jerr := json.Unmarshal(iter.Value(), &m); jerr != nil {
			logger.Warn("migrate_invalid_message_json", "key", string(iter.Key()), "error", jerr)
			continue
		}
		f := fix{msg: m}
		// tombstones written before DeletedAt existed age by creation
		// time unless stamped here
		if m.Deleted && m.DeletedAt == 0 {
			f.msg.DeletedAt = m.CreatedAt
			f.needSave = true
		}
		// correlation pointers were introduced after the first release;
		// backfill them so duplicate suppression covers old rows
		if m.CorrelationID != "" {
			if _, gerr := store.GetKey("corr:msg:" + m.CorrelationID); errors.Is(gerr, store.ErrNotFound) {
				f.needCorr = true
			}
		}
		if f.needSave || f.needCorr {
			fixes = append(fixes, f)
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}

	var stamped, backfilled int
	for _, f := range fixes {
		if f.needSave {
			if err := store.UpdateMessage(f.msg); err != nil {
				logger.Error("migrate_stamp_deleted_at_failed", "msg_id", f.msg.ID, "error", err)
				return err
			}
			stamped++
		}
		if f.needCorr {
			if err := store.SaveKey("corr:msg:"+f.msg.CorrelationID, []byte(f.msg.ID)); err != nil {
				logger.Error("migrate_corr_backfill_failed", "msg_id", f.msg.ID, "error", err)
				return err
			}
			backfilled++
		}
	}

	logger.Info("migrate_sync_done", "from", from, "to", to,
		"scanned", scanned, "deleted_at_stamped", stamped, "corr_backfilled", backfilled)
	return nil
}

// SchemaVersion returns the stored schema version, empty when the store
// predates schema tracking.
func SchemaVersion() string {
	v, err := store.GetKey(schemaKey)
	if err != nil {
		return ""
	}
	return v
}
