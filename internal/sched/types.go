package sched

import (
	"context"
	"errors"
	"time"

	"trackgate/internal/carrier"
)

var (
	ErrStopped        = errors.New("scheduler stopped")
	ErrStopping       = errors.New("scheduler stopping")
	ErrCleared        = errors.New("request cleared from queue")
	ErrUnknownCarrier = errors.New("carrier not registered")
	ErrAuthExhausted  = errors.New("carrier authentication failure ceiling reached")
)

// Operation is the opaque "perform the call" unit handed to Submit. The
// scheduler never inspects the payload; it only times, classifies, and routes
// the outcome.
type Operation func(ctx context.Context) (any, error)

// Priority selects one of the three dispatch buckets.
type Priority int

const (
	High Priority = iota
	Normal
	Low

	numPriorities = 3
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Low:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps a config string onto a Priority; anything unrecognized
// is Normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return High
	case "low":
		return Low
	default:
		return Normal
	}
}

// Options tune one submission. Timeout and MaxAttempts are requests, not
// guarantees: the target carrier may clamp them (longer minimum timeout,
// tighter attempt ceiling).
type Options struct {
	Carrier     carrier.ID
	Priority    Priority
	Timeout     time.Duration
	MaxAttempts int
	Metadata    map[string]string
}

// Config controls the scheduler.
type Config struct {
	// MaxConcurrent is the global in-flight cap across all carriers.
	MaxConcurrent int

	// CapRetryDelay is the fixed pause before re-checking a concurrency-cap
	// denial. Keeps the loop from busy-spinning while slots are full.
	CapRetryDelay time.Duration

	// DefaultTimeout applies when Options.Timeout is 0 (before clamping).
	DefaultTimeout time.Duration

	// AuthCheckTimeout bounds one token-source validation call.
	AuthCheckTimeout time.Duration

	// HistorySize bounds the dispatch history ring.
	HistorySize int

	// SweepInterval is the housekeeper period.
	SweepInterval time.Duration

	// MailboxSize is the command channel buffer.
	MailboxSize int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 6
	}
	if c.CapRetryDelay <= 0 {
		c.CapRetryDelay = 100 * time.Millisecond
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 15 * time.Second
	}
	if c.AuthCheckTimeout <= 0 {
		c.AuthCheckTimeout = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 256
	}
	return c
}

// outcome settles a Pending future exactly once.
type outcome struct {
	value any
	err   error
}

// Pending is the caller's handle on a submitted request.
type Pending struct {
	id   string
	ch   chan outcome
	done <-chan struct{}
}

// ID returns the request's identity (also used in events and history).
func (p *Pending) ID() string { return p.id }

// Wait blocks until the request settles or ctx is done. The returned error is
// either nil, a classified errclass.Error, or one of the scheduler sentinels.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case out := <-p.ch:
		return out.value, out.err
	case <-p.done:
		// The loop settles everything it accepted before exiting, so an
		// empty result channel here means the submission raced the stop and
		// was never accepted.
		select {
		case out := <-p.ch:
			return out.value, out.err
		default:
			return nil, ErrStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// request is the scheduler-internal item. Owned by the loop goroutine while
// queued; handed to exactly one dispatch goroutine while in flight; settled
// at most once.
type request struct {
	id          string
	op          Operation
	carrier     carrier.ID
	priority    Priority
	timeout     time.Duration
	maxAttempts int
	attempt     int
	metadata    map[string]string

	enqueuedAt   time.Time
	dispatchedAt time.Time

	ch chan outcome
}

// settle resolves the caller's future. The result channel is buffered, so
// settling never blocks the loop.
func (r *request) settle(v any, err error) {
	select {
	case r.ch <- outcome{value: v, err: err}:
	default:
	}
}

// Event payloads published on the bus.
type RequestEvent struct {
	ID       string        `json:"id"`
	Carrier  string        `json:"carrier"`
	Priority string        `json:"priority"`
	Attempt  int           `json:"attempt"`
	Latency  time.Duration `json:"latency,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// HistoryItem records one terminal dispatch for diagnostics.
type HistoryItem struct {
	ID       string
	Carrier  string
	Started  time.Time
	Latency  time.Duration
	Attempts int
	Error    string
}
