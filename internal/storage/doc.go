// Package storage persists dispatch outcomes and metrics snapshots for
// offline diagnostics. The scheduler itself is stateless across restarts;
// nothing here is ever read back to recover queue state.
package storage
