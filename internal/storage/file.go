package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "trackgate/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.dispatch.jsonl (append-only JSON Lines)
//   - <prefix>.snapshot.jsonl (append-only JSON Lines)
//
// Both files grow without bound; rotation is left to logrotate or whatever
// the host already runs for the daemon's own log file.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	dispatchFile *os.File
	snapshotFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	df, err := os.OpenFile(prefix+".dispatch.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	sf, err := os.OpenFile(prefix+".snapshot.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = df.Close()
		return nil, err
	}

	return &fileStore{log: log, dispatchFile: df, snapshotFile: sf}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.dispatchFile != nil {
		err1 = s.dispatchFile.Close()
		s.dispatchFile = nil
	}
	if s.snapshotFile != nil {
		err2 = s.snapshotFile.Close()
		s.snapshotFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendDispatch(ctx context.Context, rec DispatchRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatchFile == nil {
		return errors.New("dispatch file closed")
	}
	return json.NewEncoder(s.dispatchFile).Encode(rec)
}

func (s *fileStore) AppendSnapshot(ctx context.Context, rec SnapshotRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshotFile == nil {
		return errors.New("snapshot file closed")
	}
	return json.NewEncoder(s.snapshotFile).Encode(rec)
}
