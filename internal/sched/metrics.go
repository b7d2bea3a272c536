package sched

import (
	"time"

	"trackgate/internal/carrier"
)

// Health classifies overall scheduler state from queue depth, error rate,
// and carrier auth circuits.
type Health string

const (
	HealthOK        Health = "ok"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

const (
	degradedDepth    = 50
	unhealthyDepth   = 100
	degradedErrRate  = 0.10
	unhealthyErrRate = 0.25
)

// Snapshot is the observability surface: queue depths, counters, per-carrier
// state, and the derived health classification.
type Snapshot struct {
	Paused bool `json:"paused"`

	Depth     int `json:"depth"`
	DepthPeak int `json:"depth_peak"`
	InFlight  int `json:"in_flight"`
	Delayed   int `json:"delayed"`

	DepthByPriority map[string]int `json:"depth_by_priority"`

	Processed     uint64 `json:"processed"`
	Failed        uint64 `json:"failed"`
	Retried       uint64 `json:"retried"`
	RateLimitHits uint64 `json:"rate_limit_hits"`

	Carriers []carrier.Status `json:"carriers"`
	Health   Health           `json:"health"`

	History []HistoryItem `json:"-"`
}

// ErrorRate is failures over total terminal outcomes.
func (sn Snapshot) ErrorRate() float64 {
	total := sn.Processed + sn.Failed
	if total == 0 {
		return 0
	}
	return float64(sn.Failed) / float64(total)
}

// GetMetrics captures a point-in-time snapshot via the loop. When the
// scheduler is not running it still reports carrier state so the ops surface
// stays useful during startup/shutdown.
func (s *Scheduler) GetMetrics() Snapshot {
	ch := make(chan Snapshot, 1)
	done, ok := s.post(func() { ch <- s.snapshotLocked() })
	if ok {
		select {
		case sn := <-ch:
			return sn
		case <-done:
			// The command was accepted just as the loop exited; fall through
			// to the not-running snapshot below.
			select {
			case sn := <-ch:
				return sn
			default:
			}
		}
	}

	now := time.Now()
	sn := Snapshot{DepthByPriority: map[string]int{}}
	for _, p := range s.reg.All() {
		sn.Carriers = append(sn.Carriers, p.Status(now))
	}
	sn.Health = classifyHealth(sn)
	return sn
}

// snapshotLocked runs in the loop goroutine.
func (s *Scheduler) snapshotLocked() Snapshot {
	now := time.Now()
	sn := Snapshot{
		Paused:        s.paused,
		Depth:         s.q.depth(),
		DepthPeak:     s.q.depthPeak,
		InFlight:      len(s.q.inflight),
		Delayed:       len(s.q.parked),
		Processed:     s.processed,
		Failed:        s.failed,
		Retried:       s.retried,
		RateLimitHits: s.rateLimitHits,
		DepthByPriority: map[string]int{
			High.String():   len(s.q.buckets[High]),
			Normal.String(): len(s.q.buckets[Normal]),
			Low.String():    len(s.q.buckets[Low]),
		},
	}
	for _, p := range s.reg.All() {
		sn.Carriers = append(sn.Carriers, p.Status(now))
	}
	sn.History = append([]HistoryItem(nil), s.history...)
	sn.Health = classifyHealth(sn)
	return sn
}

func classifyHealth(sn Snapshot) Health {
	authExhausted := false
	for _, c := range sn.Carriers {
		if c.AuthHealth == carrier.AuthUnhealthy {
			authExhausted = true
			break
		}
	}
	rate := sn.ErrorRate()
	switch {
	case sn.Depth > unhealthyDepth || rate > unhealthyErrRate || authExhausted:
		return HealthUnhealthy
	case sn.Depth > degradedDepth || rate > degradedErrRate:
		return HealthDegraded
	default:
		return HealthOK
	}
}
