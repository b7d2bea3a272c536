package sched

import (
	"trackgate/internal/carrier"
	"trackgate/internal/eventbus"
	logx "trackgate/pkg/logx"
)

// Pause stops dispatching. Submissions are still accepted and queue up.
func (s *Scheduler) Pause() {
	s.post(func() {
		if !s.paused {
			s.paused = true
			s.log.Info("scheduler paused")
			s.publish(eventbus.TopicSchedulerPaused, nil)
		}
	})
}

// Resume restarts dispatching.
func (s *Scheduler) Resume() {
	s.post(func() {
		if s.paused {
			s.paused = false
			s.log.Info("scheduler resumed")
			s.publish(eventbus.TopicSchedulerResumed, nil)
		}
	})
}

// Clear rejects every queued request with a cancellation error and returns
// how many were dropped. In-flight and timer-parked requests are untouched.
func (s *Scheduler) Clear() int {
	ch := make(chan int, 1)
	done, ok := s.post(func() {
		dropped := s.q.removeAll()
		for _, r := range dropped {
			s.failed++
			r.settle(nil, ErrCleared)
		}
		if len(dropped) > 0 {
			s.log.Info("queue cleared", logx.Int("dropped", len(dropped)))
		}
		ch <- len(dropped)
	})
	if !ok {
		return 0
	}
	return awaitCount(ch, done)
}

// ClearCarrier rejects queued requests for one carrier only; used when that
// carrier's credentials are known bad. Optionally resets the carrier's auth
// latch afterwards via carrier.Profile.ResetAuth (the app layer decides).
func (s *Scheduler) ClearCarrier(id carrier.ID) int {
	ch := make(chan int, 1)
	done, ok := s.post(func() {
		dropped := s.q.removeCarrier(id)
		for _, r := range dropped {
			s.failed++
			r.settle(nil, ErrCleared)
		}
		if len(dropped) > 0 {
			s.log.Info("carrier queue cleared",
				logx.String("carrier", id.String()),
				logx.Int("dropped", len(dropped)))
		}
		ch <- len(dropped)
	})
	if !ok {
		return 0
	}
	return awaitCount(ch, done)
}

// awaitCount waits for a posted command's reply without wedging when the
// loop exits before running the command.
func awaitCount(ch <-chan int, done <-chan struct{}) int {
	select {
	case n := <-ch:
		return n
	case <-done:
		select {
		case n := <-ch:
			return n
		default:
			return 0
		}
	}
}
