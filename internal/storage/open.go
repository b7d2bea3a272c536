package storage

import (
	"context"
	"fmt"
	"strings"

	logx "trackgate/pkg/logx"
)

// Store is the append-only persistence API for dispatch outcomes and
// periodic scheduler snapshots. Records are never updated or deleted; the
// store is an audit trail, not a database the scheduler reads back.
type Store interface {
	AppendDispatch(ctx context.Context, rec DispatchRecord) error
	AppendSnapshot(ctx context.Context, rec SnapshotRecord) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q (want file, sqlite, or none)", cfg.Driver)
	}
}
