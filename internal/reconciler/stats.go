package reconciler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parcelworks/mailroom/internal/pipeline"
)

// AggregatedStats is the monitoring snapshot served to dashboards.
type AggregatedStats struct {
	EnvelopesApplied  int64            `json:"envelopes_applied"`
	StaleSkipped      int64            `json:"stale_skipped"`
	Misses            int64            `json:"misses"`
	AttachmentsStored int64            `json:"attachments_stored"`
	ByKind            map[string]int64 `json:"by_kind"`
	EnvelopesPerMin   float64          `json:"envelopes_per_minute"`
	UptimeSeconds     int64            `json:"uptime_seconds"`
}

// Stats keeps in-memory reconciliation tallies. Counters reset on
// restart; durable numbers live in Prometheus.
type Stats struct {
	applied     atomic.Int64
	stale       atomic.Int64
	misses      atomic.Int64
	attachments atomic.Int64

	mu     sync.Mutex
	byKind map[pipeline.Kind]int64

	startTime time.Time
}

func NewStats() *Stats {
	return &Stats{
		byKind:    make(map[pipeline.Kind]int64),
		startTime: time.Now(),
	}
}

func (s *Stats) RecordApplied(kind pipeline.Kind, attachments int) {
	s.applied.Add(1)
	s.attachments.Add(int64(attachments))
	s.mu.Lock()
	s.byKind[kind]++
	s.mu.Unlock()
}

func (s *Stats) RecordStale(kind pipeline.Kind) {
	s.stale.Add(1)
}

func (s *Stats) RecordMiss(kind pipeline.Kind) {
	s.misses.Add(1)
}

func (s *Stats) Snapshot() AggregatedStats {
	stats := AggregatedStats{
		EnvelopesApplied:  s.applied.Load(),
		StaleSkipped:      s.stale.Load(),
		Misses:            s.misses.Load(),
		AttachmentsStored: s.attachments.Load(),
		ByKind:            make(map[string]int64),
	}

	s.mu.Lock()
	for kind, count := range s.byKind {
		stats.ByKind[string(kind)] = count
	}
	s.mu.Unlock()

	elapsed := time.Since(s.startTime)
	stats.UptimeSeconds = int64(elapsed.Seconds())
	if minutes := elapsed.Minutes(); minutes > 0 {
		stats.EnvelopesPerMin = float64(stats.EnvelopesApplied) / minutes
	}
	return stats
}

// StatsHandler serves the tallies as JSON for monitoring.
type StatsHandler struct {
	stats  *Stats
	logger *slog.Logger
}

func NewStatsHandler(stats *Stats) *StatsHandler {
	return &StatsHandler{
		stats:  stats,
		logger: slog.Default().With("component", "reconciler-stats"),
	}
}

func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.stats.Snapshot()); err != nil {
		h.logger.Error("failed to write stats response", "error", err)
	}
}
