// Package supervisor manages named goroutines tied to a shared context:
// panic recovery, optional restart with backoff, and graceful waiting.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "trackgate/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log logx.Logger

	started uint64
	active  int64
	panics  uint64

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Counters reports best-effort goroutine counts for diagnostics.
func (s *Supervisor) Counters() (active int64, started, panics uint64) {
	return atomic.LoadInt64(&s.active), atomic.LoadUint64(&s.started), atomic.LoadUint64(&s.panics)
}

// Go runs fn once. A panic is recovered, logged, and converted to an error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)
		if err := s.runOne(name, fn); err != nil && !errors.Is(err, context.Canceled) {
			if !s.log.IsZero() {
				s.log.Warn("goroutine exited with error", logx.String("name", name), logx.Err(err))
			}
		}
	}()
}

// GoRestart runs fn and restarts it with exponential backoff whenever it
// exits with a non-cancel error or panics, until the supervisor context ends.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error) {
	const (
		backoffBase = 250 * time.Millisecond
		backoffMax  = 10 * time.Second
	)
	s.wg.Add(1)
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)

		backoff := backoffBase
		for {
			start := time.Now()
			err := s.runOne(name, fn)
			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				// Clean exit outside shutdown is unexpected for a
				// restartable goroutine; treat it like a failure.
				err = errors.New("exited unexpectedly")
			}
			if !s.log.IsZero() {
				s.log.Warn("goroutine restarting",
					logx.String("name", name),
					logx.Duration("backoff", backoff),
					logx.Err(err))
			}
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			// Reset backoff after a reasonably long healthy run.
			if time.Since(start) > time.Minute {
				backoff = backoffBase
			} else if backoff < backoffMax {
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
			}
		}
	}()
}

func (s *Supervisor) runOne(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			atomic.AddUint64(&s.panics, 1)
			err = fmt.Errorf("panic: %v", rec)
			if !s.log.IsZero() {
				s.log.Error("goroutine panic",
					logx.String("name", name),
					logx.Any("panic", rec),
					logx.String("stack", string(debug.Stack())))
			}
		}
	}()
	return fn(s.ctx)
}

// Cancel asks all goroutines to stop.
func (s *Supervisor) Cancel() { s.cancel() }

// Wait blocks until all goroutines have exited or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
