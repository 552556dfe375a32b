package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/rt809f-bridge/internal/job"
	"github.com/nerrad567/rt809f-bridge/internal/telemetry"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string              `json:"timestamp"`
	Version       string              `json:"version"`
	Replica       string              `json:"replica"`
	UptimeSeconds int64               `json:"uptimeSeconds"`
	Runtime       RuntimeMetrics      `json:"runtime"`
	Sessions      SessionMetrics      `json:"sessions"`
	Jobs          job.Stats           `json:"jobs"`
	Coordination  CoordinationMetrics `json:"coordination"`
	Telemetry     *telemetry.Counters `json:"telemetry,omitempty"`
	Database      *DatabaseMetrics    `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memoryAllocMB"`
	MemoryTotalMB float64 `json:"memoryTotalMB"`
	NumGC         uint32  `json:"numGC"`
}

// SessionMetrics contains device session statistics for this replica.
type SessionMetrics struct {
	Local int `json:"local"`
	Known int `json:"known"`
}

// CoordinationMetrics reports the cross-replica coordination state.
type CoordinationMetrics struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}

// DatabaseMetrics contains database connection pool statistics and the
// schema version.
type DatabaseMetrics struct {
	OpenConnections   int    `json:"openConnections"`
	InUse             int    `json:"inUse"`
	Idle              int    `json:"idle"`
	WaitCount         int64  `json:"waitCount"`
	SchemaVersion     string `json:"schemaVersion,omitempty"`
	PendingMigrations int    `json:"pendingMigrations"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		Replica:       s.registry.ReplicaID(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Sessions: SessionMetrics{
			Local: s.registry.Count(),
			Known: len(s.registry.List()),
		},
		Jobs: s.correlator.Stats(),
		Coordination: CoordinationMetrics{
			Enabled:   s.relay != nil,
			Connected: s.relay != nil && s.registry.PresenceConnected(),
		},
	}

	if s.telemetry != nil {
		c := s.telemetry.Counters()
		metrics.Telemetry = &c
	}

	if s.db != nil {
		stats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: stats.OpenConnections,
			InUse:           stats.InUse,
			Idle:            stats.Idle,
			WaitCount:       stats.WaitCount,
		}
		applied, pending, err := s.db.GetMigrationStatus(r.Context())
		if err != nil {
			s.logger.Warn("reading migration status", "error", err)
		} else {
			if len(applied) > 0 {
				metrics.Database.SchemaVersion = applied[len(applied)-1].Version
			}
			metrics.Database.PendingMigrations = len(pending)
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
