package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"trackgate/internal/carrier"
	"trackgate/internal/errclass"
	"trackgate/internal/eventbus"
	rtsup "trackgate/internal/runtime/supervisor"
	logx "trackgate/pkg/logx"
)

// Scheduler owns the multi-priority request queue and drives dispatch.
//
// All queue, in-flight, and counter state is owned by one loop goroutine;
// submissions, dispatch completions, retry timers, and admin operations all
// arrive as commands on the mailbox channel. That single ownership is what
// makes the cap and ordering invariants hold without fine-grained locking.
type Scheduler struct {
	cfg Config
	reg *carrier.Registry
	log logx.Logger
	bus eventbus.Bus

	mu       sync.Mutex
	mail     chan func()
	stopCh   chan struct{}
	stopDone chan struct{}
	loopDone chan struct{}
	runCtx   context.Context
	sup      *rtsup.Supervisor

	// Everything below is loop-owned. No locks; only the loop touches it.
	q           *queueState
	paused      bool
	wasIdle     bool
	idleWaiters []chan struct{}

	processed     uint64
	failed        uint64
	retried       uint64
	rateLimitHits uint64

	history []HistoryItem

	lastAuthWarn map[carrier.ID]time.Time
}

// warnThrottleEvery caps how often a repeating per-carrier warning is logged.
const warnThrottleEvery = 10 * time.Second

func New(cfg Config, reg *carrier.Registry, log logx.Logger, bus eventbus.Bus) *Scheduler {
	return &Scheduler{
		cfg:          cfg.withDefaults(),
		reg:          reg,
		log:          log,
		bus:          bus,
		q:            newQueueState(),
		lastAuthWarn: make(map[carrier.ID]time.Time),
	}
}

// Start launches the loop and the housekeeper. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.mail = make(chan func(), s.cfg.MailboxSize)
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.stopDone = nil
	s.wasIdle = true

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "sched"))),
	)
	sup := s.sup
	stopCh := s.stopCh
	s.runCtx = sup.Context()
	s.mu.Unlock()

	sup.Go("loop", func(c context.Context) error {
		s.run(c, stopCh)
		return nil
	})
	sup.GoRestart("housekeeper", func(c context.Context) error {
		s.housekeeper(c, stopCh)
		return nil
	})

	s.log.Info("scheduler started",
		logx.Int("max_concurrent", s.cfg.MaxConcurrent),
		logx.Int("carriers", len(s.reg.All())))
}

// Stop rejects queued work, lets in-flight requests drain briefly, and shuts
// the loop down. Safe to call more than once.
func (s *Scheduler) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	loopDone := s.loopDone
	s.mu.Unlock()

	go func() {
		<-loopDone
		if sup != nil {
			sup.Cancel()
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.mail = nil
		s.stopCh = nil
		s.stopDone = nil
		s.loopDone = nil
		s.sup = nil
		s.runCtx = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

// Submit queues one operation. It blocks only while handing the request to
// the loop (bounded by ctx); the returned Pending settles asynchronously.
func (s *Scheduler) Submit(ctx context.Context, op Operation, opts Options) (*Pending, error) {
	if op == nil {
		return nil, errors.New("operation is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	prof, ok := s.reg.Get(opts.Carrier)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCarrier, opts.Carrier)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	timeout, maxAttempts := prof.ClampOptions(timeout, opts.MaxAttempts)

	r := &request{
		id:          uuid.NewString(),
		op:          op,
		carrier:     opts.Carrier,
		priority:    opts.Priority,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		metadata:    opts.Metadata,
		enqueuedAt:  time.Now(),
		ch:          make(chan outcome, 1),
	}
	s.mu.Lock()
	mail := s.mail
	stopCh := s.stopCh
	loopDone := s.loopDone
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if mail == nil || stopCh == nil || loopDone == nil {
		return nil, ErrStopped
	}
	if stopping {
		return nil, ErrStopping
	}
	p := &Pending{id: r.id, ch: r.ch, done: loopDone}

	select {
	case mail <- func() { s.accept(r, prof) }:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-stopCh:
		return nil, ErrStopping
	}
}

// post hands a command to the loop; ok is false once the loop has exited.
// done closes when the loop exits. The loop drains its mailbox on shutdown,
// but a command can still slip in between that drain and the loop's exit, so
// callers waiting for a reply must select on done as well as their channel.
func (s *Scheduler) post(fn func()) (done <-chan struct{}, ok bool) {
	s.mu.Lock()
	mail := s.mail
	loopDone := s.loopDone
	s.mu.Unlock()
	if mail == nil || loopDone == nil {
		return nil, false
	}
	select {
	case mail <- fn:
		return loopDone, true
	case <-loopDone:
		return nil, false
	}
}

func (s *Scheduler) run(ctx context.Context, stopCh <-chan struct{}) {
	s.mu.Lock()
	mail := s.mail
	loopDone := s.loopDone
	s.mu.Unlock()
	defer close(loopDone)

	for {
		select {
		case <-ctx.Done():
			s.shutdown(mail, ErrStopped)
			return
		case <-stopCh:
			s.shutdown(mail, ErrStopped)
			return
		case fn := <-mail:
			fn()
			s.pump(ctx)
		}
	}
}

// shutdown rejects queued work, gives in-flight dispatches a short grace to
// post their results, then runs every command already accepted into the
// mailbox so a caller that raced the stop gets its reply instead of hanging.
func (s *Scheduler) shutdown(mail chan func(), cause error) {
	rejectQueued := func() {
		for _, r := range s.q.removeAll() {
			r.settle(nil, cause)
		}
		for id, r := range s.q.parked {
			r.settle(nil, cause)
			delete(s.q.parked, id)
		}
	}
	rejectQueued()

	grace := time.NewTimer(5 * time.Second)
	defer grace.Stop()
	for len(s.q.inflight) > 0 {
		select {
		case fn := <-mail:
			fn()
			rejectQueued()
		case <-grace.C:
			for _, r := range s.q.inflight {
				r.settle(nil, cause)
			}
			s.q.inflight = map[string]*request{}
		}
	}

	// A late accept re-enqueues a request here; it is rejected right after.
	for {
		select {
		case fn := <-mail:
			fn()
			rejectQueued()
		default:
			return
		}
	}
}

// accept runs in the loop: final admission of a submitted request.
func (s *Scheduler) accept(r *request, prof *carrier.Profile) {
	// Known-bad credentials reject immediately, before any queueing.
	if prof.RequiresAuth(r.metadata) && prof.AuthExhausted() {
		s.failed++
		r.settle(nil, errclass.Wrap(errclass.Auth, ErrAuthExhausted))
		s.publish(eventbus.TopicRequestRejected, RequestEvent{ID: r.id, Carrier: r.carrier.String(), Priority: r.priority.String(), Error: ErrAuthExhausted.Error()})
		return
	}
	s.q.pushBack(r)
	s.wasIdle = false
	s.publish(eventbus.TopicRequestQueued, RequestEvent{ID: r.id, Carrier: r.carrier.String(), Priority: r.priority.String()})
}

// pump is the processing loop body: pop the highest-priority eligible item
// and dispatch it, until the head is blocked or the queues are empty.
//
// A head blocked on caps or rate limits stays at the front of its bucket
// (peek, not pop) and the whole loop re-wakes after the reported delay; FIFO
// position is preserved and the loop never busy-spins.
func (s *Scheduler) pump(ctx context.Context) {
	if s.paused {
		return
	}
	for {
		r := s.q.peek()
		if r == nil {
			s.maybeIdle()
			return
		}
		prof, ok := s.reg.Get(r.carrier)
		if !ok {
			// Registry is fixed at startup, so this is unreachable unless a
			// request was forged; fail it rather than wedging the queue.
			s.q.pop()
			s.failed++
			r.settle(nil, ErrUnknownCarrier)
			continue
		}

		if s.q.global >= s.cfg.MaxConcurrent || s.q.perCarrier[r.carrier] >= prof.MaxConcurrent() {
			s.wakeAfter(s.cfg.CapRetryDelay)
			return
		}

		now := time.Now()
		adm := prof.CheckRateLimit(now)
		if !adm.Allowed {
			s.rateLimitHits++
			s.log.Debug("rate limit deferral",
				logx.String("carrier", r.carrier.String()),
				logx.Duration("wait", adm.Wait))
			s.wakeAfter(adm.Wait)
			return
		}

		if prof.RequiresAuth(r.metadata) {
			if !s.checkAuth(ctx, r, prof, now) {
				// Either the item was rejected (pop already done) or the loop
				// is pausing for the carrier's auth-retry delay.
				if s.q.peek() == r {
					return
				}
				continue
			}
		}

		s.q.pop()
		s.q.markInflight(r)
		r.attempt++
		r.dispatchedAt = now
		s.dispatch(ctx, r, prof)
	}
}

// checkAuth validates credentials for a dequeued item. Returns true when
// dispatch may proceed. On failure under the ceiling the item stays at the
// front and the loop pauses; at the ceiling the item is rejected and the
// carrier's queued work is drained.
func (s *Scheduler) checkAuth(ctx context.Context, r *request, prof *carrier.Profile, now time.Time) bool {
	if prof.AuthExhausted() {
		s.q.pop()
		s.rejectAuthExhausted(r, prof)
		return false
	}

	actx, cancel := context.WithTimeout(ctx, s.cfg.AuthCheckTimeout)
	err := prof.ValidateAuth(actx, now)
	cancel()
	if err == nil {
		return true
	}

	if prof.AuthExhausted() {
		s.q.pop()
		s.rejectAuthExhausted(r, prof)
		return false
	}

	// Under the ceiling: keep the item at the front, pause processing so
	// auth checks don't stampede.
	delay := prof.AuthRetryDelay()
	if s.shouldWarn(r.carrier, now) {
		s.log.Warn("auth check failed; pausing carrier dispatch",
			logx.String("carrier", r.carrier.String()),
			logx.Duration("pause", delay),
			logx.Err(err))
	}
	s.publish(eventbus.TopicAuthRetry, RequestEvent{ID: r.id, Carrier: r.carrier.String(), Error: err.Error()})
	s.wakeAfter(delay)
	return false
}

// rejectAuthExhausted terminates one item with a persistent auth failure and
// drains everything else queued for the same carrier.
func (s *Scheduler) rejectAuthExhausted(r *request, prof *carrier.Profile) {
	authErr := errclass.Wrap(errclass.Auth, ErrAuthExhausted)

	s.failed++
	r.settle(nil, authErr)
	s.publish(eventbus.TopicRequestRejected, RequestEvent{ID: r.id, Carrier: r.carrier.String(), Priority: r.priority.String(), Attempt: r.attempt, Error: ErrAuthExhausted.Error()})

	drained := s.q.removeCarrier(r.carrier)
	for _, rr := range drained {
		s.failed++
		rr.settle(nil, authErr)
	}
	s.log.Error("carrier auth circuit open; queued work drained",
		logx.String("carrier", r.carrier.String()),
		logx.Int("drained", len(drained)))
	s.publish(eventbus.TopicAuthCircuitOpen, RequestEvent{Carrier: r.carrier.String(), Error: ErrAuthExhausted.Error()})
}

// shouldWarn throttles repeating per-carrier warnings. Loop-owned state.
func (s *Scheduler) shouldWarn(id carrier.ID, now time.Time) bool {
	if last, ok := s.lastAuthWarn[id]; ok && now.Sub(last) < warnThrottleEvery {
		return false
	}
	s.lastAuthWarn[id] = now
	return true
}

// wakeAfter schedules a pump after d. Duplicate wakes are harmless; the pump
// re-evaluates caps and limits from scratch every time.
func (s *Scheduler) wakeAfter(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	time.AfterFunc(d, func() {
		s.post(func() {})
	})
}

func (s *Scheduler) maybeIdle() {
	if s.q.outstanding() != 0 {
		return
	}
	for _, ch := range s.idleWaiters {
		close(ch)
	}
	s.idleWaiters = nil
	if !s.wasIdle {
		s.wasIdle = true
		s.publish(eventbus.TopicSchedulerIdle, nil)
		s.log.Debug("scheduler idle")
	}
}

// WaitIdle blocks until no work is queued, in flight, or parked on a retry
// timer. Mostly useful in tests and during drain on shutdown.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ch := make(chan struct{})
	done, ok := s.post(func() {
		if s.q.outstanding() == 0 {
			close(ch)
			return
		}
		s.idleWaiters = append(s.idleWaiters, ch)
	})
	if !ok {
		return ErrStopped
	}
	select {
	case <-ch:
		return nil
	case <-done:
		select {
		case <-ch:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func (s *Scheduler) appendHistory(item HistoryItem) {
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}
