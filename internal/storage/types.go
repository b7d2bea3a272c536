package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (JSON Lines)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DispatchRecord is one terminal dispatch outcome. This is diagnostics data
// only; the scheduler never reads it back to recover state.
type DispatchRecord struct {
	At        time.Time `json:"at"`
	RequestID string    `json:"request_id"`
	Carrier   string    `json:"carrier"`
	Attempts  int       `json:"attempts"`
	LatencyMS int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
}

// SnapshotRecord is a periodic metrics snapshot for offline inspection.
type SnapshotRecord struct {
	At        time.Time `json:"at"`
	Depth     int       `json:"depth"`
	InFlight  int       `json:"in_flight"`
	Processed uint64    `json:"processed"`
	Failed    uint64    `json:"failed"`
	Retried   uint64    `json:"retried"`
	Health    string    `json:"health"`
}
