package sched

import (
	"context"
	"time"
)

// housekeeper periodically prunes stale rate-limit history and decays quiet
// auth-failure counters on every profile. Profiles lock themselves, so the
// sweep runs outside the loop goroutine.
func (s *Scheduler) housekeeper(ctx context.Context, stopCh <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case now := <-ticker.C:
			for _, p := range s.reg.All() {
				p.Prune(now)
			}
		}
	}
}
