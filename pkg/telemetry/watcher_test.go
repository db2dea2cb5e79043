package telemetry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"chatrelay/pkg/store"

	"github.com/prometheus/client_golang/prometheus"
)

func gaugeValue(t *testing.T, name string) float64 {
	t.Helper()
	fams, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range fams {
		if f.GetName() == name {
			for _, m := range f.GetMetric() {
				return m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("gauge %s not found", name)
	return 0
}

func TestStoreWatcherTracksPressure(t *testing.T) {
	var wal atomic.Uint64
	wal.Store(1 << 30)

	cancel := StartStoreWatcher(context.Background(), WatchConfig{
		PollInterval:   2 * time.Millisecond,
		WALHighBytes:   512 << 20,
		WALLowBytes:    256 << 20,
		DiskHighBytes:  4 << 30,
		DiskLowBytes:   3 << 30,
		RecoveryWindow: 5 * time.Millisecond,
		Metrics: func() store.PebbleMetrics {
			return store.PebbleMetrics{WALBytes: wal.Load()}
		},
	})
	defer cancel()

	waitFor := func(want float64) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if gaugeValue(t, "chatrelay_store_pressure") == want {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("chatrelay_store_pressure never reached %v", want)
	}

	// WAL above the high watermark trips the pressure gauge
	waitFor(1)

	// dropping below the low watermark recovers after the window
	wal.Store(1000)
	waitFor(0)

	if got := gaugeValue(t, "chatrelay_store_wal_bytes"); got != 1000 {
		t.Fatalf("chatrelay_store_wal_bytes = %v, want 1000", got)
	}
}

func TestDefaultWatchConfigWatermarks(t *testing.T) {
	cfg := DefaultWatchConfig()
	if cfg.WALLowBytes >= cfg.WALHighBytes {
		t.Fatalf("wal low watermark %d not below high %d", cfg.WALLowBytes, cfg.WALHighBytes)
	}
	if cfg.DiskLowBytes >= cfg.DiskHighBytes {
		t.Fatalf("disk low watermark %d not below high %d", cfg.DiskLowBytes, cfg.DiskHighBytes)
	}
	if cfg.PollInterval <= 0 || cfg.RecoveryWindow <= 0 {
		t.Fatalf("non-positive cadence: poll=%v recovery=%v", cfg.PollInterval, cfg.RecoveryWindow)
	}
}
