package sched

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"trackgate/internal/carrier"
	"trackgate/internal/errclass"
	"trackgate/internal/eventbus"
	logx "trackgate/pkg/logx"
)

// dispatch races one admitted request against its timeout in a fresh
// goroutine and posts the result back to the loop.
//
// The operation is not cancelled when the timer wins; per the abandonment
// contract its late result is simply discarded and the in-flight slot freed.
func (s *Scheduler) dispatch(ctx context.Context, r *request, prof *carrier.Profile) {
	s.log.Debug("request dispatched",
		logx.String("id", r.id),
		logx.String("carrier", r.carrier.String()),
		logx.Int("attempt", r.attempt),
		logx.Duration("queue_delay", r.dispatchedAt.Sub(r.enqueuedAt)))
	s.publish(eventbus.TopicRequestDispatched, RequestEvent{ID: r.id, Carrier: r.carrier.String(), Priority: r.priority.String(), Attempt: r.attempt})

	go func() {
		start := time.Now()
		resCh := make(chan outcome, 1)

		go func() {
			// Panic guard: one bad operation must not take the process down.
			defer func() {
				if rec := recover(); rec != nil {
					s.log.Error("operation panic",
						logx.String("id", r.id),
						logx.Any("panic", rec),
						logx.String("stack", string(debug.Stack())))
					resCh <- outcome{err: fmt.Errorf("panic: %v", rec)}
				}
			}()
			v, err := r.op(ctx)
			resCh <- outcome{value: v, err: err}
		}()

		timer := time.NewTimer(r.timeout)
		var out outcome
		select {
		case out = <-resCh:
			timer.Stop()
		case <-timer.C:
			out = outcome{err: errclass.Wrap(errclass.Timeout,
				fmt.Errorf("%s: no response within %s", r.carrier, r.timeout))}
		}
		latency := time.Since(start)

		if _, ok := s.post(func() { s.onDone(r, prof, out, latency) }); !ok {
			// Loop already gone; the shutdown path settled the future.
			return
		}
	}()
}

// onDone runs in the loop: feed the outcome back to the profile and either
// resolve, retry, or reject.
func (s *Scheduler) onDone(r *request, prof *carrier.Profile, out outcome, latency time.Duration) {
	s.q.unmarkInflight(r)
	prof.RecordOutcome(latency, out.err)

	if out.err == nil {
		s.processed++
		s.appendHistory(HistoryItem{ID: r.id, Carrier: r.carrier.String(), Started: r.dispatchedAt, Latency: latency, Attempts: r.attempt})
		r.settle(out.value, nil)
		s.log.Debug("request completed",
			logx.String("id", r.id),
			logx.String("carrier", r.carrier.String()),
			logx.Duration("latency", latency),
			logx.Int("attempts", r.attempt))
		s.publish(eventbus.TopicRequestCompleted, RequestEvent{ID: r.id, Carrier: r.carrier.String(), Priority: r.priority.String(), Attempt: r.attempt, Latency: latency})
		return
	}

	if prof.ShouldRetry(out.err, r.attempt, r.maxAttempts) {
		s.retried++
		delay := prof.RetryDelay(r.attempt, out.err)
		s.q.park(r)
		s.log.Debug("retry scheduled",
			logx.String("id", r.id),
			logx.String("carrier", r.carrier.String()),
			logx.Int("attempt", r.attempt+1),
			logx.Duration("delay", delay),
			logx.Err(out.err))
		s.publish(eventbus.TopicRequestRetry, RequestEvent{ID: r.id, Carrier: r.carrier.String(), Priority: r.priority.String(), Attempt: r.attempt, Error: out.err.Error()})

		// Timer-driven requeue: the item returns to the FRONT of its
		// original bucket once the delay elapses, then the loop resumes.
		time.AfterFunc(delay, func() {
			_, ok := s.post(func() {
				if s.q.unpark(r) {
					s.q.pushFront(r)
				}
			})
			if !ok {
				// Loop gone; shutdown settled everything parked.
				r.settle(nil, ErrStopped)
			}
		})
		return
	}

	err := classified(out.err)
	s.failed++
	s.appendHistory(HistoryItem{ID: r.id, Carrier: r.carrier.String(), Started: r.dispatchedAt, Latency: latency, Attempts: r.attempt, Error: err.Error()})
	r.settle(nil, err)
	s.log.Warn("request failed",
		logx.String("id", r.id),
		logx.String("carrier", r.carrier.String()),
		logx.String("kind", errclass.KindOf(err).String()),
		logx.Int("attempts", r.attempt),
		logx.Err(err))
	s.publish(eventbus.TopicRequestRejected, RequestEvent{ID: r.id, Carrier: r.carrier.String(), Priority: r.priority.String(), Attempt: r.attempt, Error: err.Error()})
}

// classified guarantees the caller-visible rejection carries its kind.
func classified(err error) error {
	var ce *errclass.Error
	if errors.As(err, &ce) {
		return err
	}
	return errclass.Wrap(errclass.Classify(err), err)
}
