package telemetry

import (
	"context"
	"time"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/store"
)

// WatchConfig controls thresholds and cadence for the store watcher.
type WatchConfig struct {
	PollInterval time.Duration

	WALHighBytes uint64
	WALLowBytes  uint64

	DiskHighBytes uint64
	DiskLowBytes  uint64

	// hysteresis window before a recovery is believed
	RecoveryWindow time.Duration

	// Metrics overrides the sampling source; nil means the live store.
	Metrics func() store.PebbleMetrics
}

// DefaultWatchConfig returns thresholds suited to a single-node relay.
func DefaultWatchConfig() WatchConfig {
	return WatchConfig{
		PollInterval:   5 * time.Second,
		WALHighBytes:   512 << 20,
		WALLowBytes:    256 << 20,
		DiskHighBytes:  4 << 30,
		DiskLowBytes:   3 << 30,
		RecoveryWindow: 30 * time.Second,
	}
}

// StartStoreWatcher polls storage metrics in the background, publishes
// them as gauges and logs transitions when the WAL or the on-disk size
// crosses the configured watermarks. Leaving the pressured state
// requires the metrics to stay under the low watermarks for
// RecoveryWindow. The returned cancel stops the watcher.
func StartStoreWatcher(ctx context.Context, cfg WatchConfig) context.CancelFunc {
	if cfg.PollInterval <= 0 {
		sample := cfg.Metrics
		cfg = DefaultWatchConfig()
		cfg.Metrics = sample
	}
	sample := cfg.Metrics
	if sample == nil {
		sample = store.GetPebbleMetrics
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(cfg.PollInterval)
		defer ticker.Stop()
		pressured := false
		var lastHigh time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := sample()
				storeWALBytes.Set(float64(m.WALBytes))

				if m.WALBytes >= cfg.WALHighBytes || m.DiskBytes >= cfg.DiskHighBytes {
					lastHigh = time.Now()
					if !pressured {
						pressured = true
						storePressure.Set(1)
						logger.Warn("store_pressure_high", "wal_bytes", m.WALBytes, "disk_bytes", m.DiskBytes)
					}
					continue
				}

				if pressured &&
					time.Since(lastHigh) >= cfg.RecoveryWindow &&
					m.WALBytes <= cfg.WALLowBytes && m.DiskBytes <= cfg.DiskLowBytes {
					pressured = false
					storePressure.Set(0)
					logger.Info("store_pressure_recovered", "wal_bytes", m.WALBytes, "disk_bytes", m.DiskBytes)
				}
			}
		}
	}()
	return cancel
}
