package carrier

import (
	"math/rand"
	"sync"
	"time"

	"trackgate/internal/errclass"
)

// Config tunes one carrier profile.
//
// All zero fields get defaults from withDefaults(); carriers only override
// what actually differs between backends.
type Config struct {
	// Sliding-window rate limit.
	Window         time.Duration
	MaxRequests    int
	BufferFraction float64 // fraction of nominal budget to actually use
	MinWait        time.Duration

	// Concurrency and clamping.
	MaxConcurrent int
	MinTimeout    time.Duration // slow carriers force at least this timeout
	MaxRetries    int           // per-item attempt ceiling for this carrier

	// Retry/backoff.
	RetryBase        time.Duration
	RetryMaxDelay    time.Duration
	RetryJitter      float64 // 0.2 = 20%
	AuthRetryCeiling int     // retries allowed for auth-shaped failures

	// Auth is nil for carriers with no credential concept.
	Auth *AuthConfig
}

// AuthConfig tunes the authentication circuit breaker for one carrier.
type AuthConfig struct {
	CheckInterval  time.Duration
	FailureCeiling int
	RetryDelay     time.Duration // pause after a failed check under the ceiling
	DecayAfter     time.Duration // housekeeper resets the counter after this quiet period
	SearchExempt   bool          // search operations skip auth on this carrier
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = 30
	}
	if c.BufferFraction <= 0 || c.BufferFraction > 1 {
		c.BufferFraction = 0.8
	}
	if c.MinWait <= 0 {
		c.MinWait = time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.AuthRetryCeiling <= 0 {
		c.AuthRetryCeiling = 1
	}
	if c.Auth != nil {
		a := *c.Auth
		if a.CheckInterval <= 0 {
			a.CheckInterval = 5 * time.Minute
		}
		if a.FailureCeiling <= 0 {
			a.FailureCeiling = 3
		}
		if a.RetryDelay <= 0 {
			a.RetryDelay = 2 * time.Second
		}
		if a.DecayAfter <= 0 {
			a.DecayAfter = 10 * time.Minute
		}
		c.Auth = &a
	}
	return c
}

// Profile is the runtime state for one carrier.
//
// One mutex guards everything: limiter history, auth counters, backoff mode,
// and metrics. Check-and-reserve on the limiter happens as a single step under
// that lock, so concurrent dispatch goroutines can't over-admit.
type Profile struct {
	id     ID
	tokens TokenSource

	mu           sync.Mutex
	cfg          Config
	limiter      *slidingWindow
	rng          *rand.Rand
	backoffUntil time.Time
	auth         authState
	metrics      Metrics
}

func NewProfile(id ID, cfg Config, tokens TokenSource) *Profile {
	cfg = cfg.withDefaults()
	return &Profile{
		id:      id,
		tokens:  tokens,
		cfg:     cfg,
		limiter: newSlidingWindow(cfg.Window, cfg.MaxRequests, cfg.BufferFraction, cfg.MinWait),
		rng:     newRNG(time.Now().UnixNano() ^ int64(id)<<32),
	}
}

func (p *Profile) ID() ID       { return p.id }
func (p *Profile) Name() string { return p.id.String() }

// Apply swaps tuning at runtime. Limiter history is preserved so a config
// touch doesn't grant a free burst. A config commit counts as the external
// reset for the auth circuit: the failure latch is cleared.
func (p *Profile) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	p.limiter.window = cfg.Window
	p.limiter.maxRequests = cfg.MaxRequests
	p.limiter.bufferFraction = cfg.BufferFraction
	p.limiter.minWait = cfg.MinWait
	p.auth.reset()
}

func (p *Profile) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.MaxConcurrent
}

// AuthRetryDelay is the pause the scheduler takes after a failed auth check
// that is still under the ceiling.
func (p *Profile) AuthRetryDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.Auth == nil {
		return 0
	}
	return p.cfg.Auth.RetryDelay
}

// ClampOptions tightens caller-requested timeout/retries to the carrier's
// requirements: the timeout can only grow (slow carriers need room), the
// retry ceiling can only shrink.
func (p *Profile) ClampOptions(timeout time.Duration, maxAttempts int) (time.Duration, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if timeout < p.cfg.MinTimeout {
		timeout = p.cfg.MinTimeout
	}
	if maxAttempts <= 0 || maxAttempts > p.cfg.MaxRetries {
		maxAttempts = p.cfg.MaxRetries
	}
	return timeout, maxAttempts
}

// CheckRateLimit runs the check-and-reserve admission step.
// A denial is counted as a deferral in the carrier metrics.
func (p *Profile) CheckRateLimit(now time.Time) Admission {
	p.mu.Lock()
	defer p.mu.Unlock()
	adm := p.limiter.checkAndReserve(now)
	if !adm.Allowed {
		p.metrics.RateLimitDeferrals++
	}
	return adm
}

// ShouldRetry decides whether a failed attempt is worth repeating.
func (p *Profile) ShouldRetry(err error, attempt, maxAttempts int) bool {
	kind := errclass.Classify(err)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shouldRetryLocked(kind, attempt, maxAttempts)
}

// RetryDelay computes the backoff before attempt+1.
func (p *Profile) RetryDelay(attempt int, err error) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retryDelayLocked(time.Now(), attempt, err)
}

// RecordOutcome feeds one dispatch result back into the profile.
//
// Latency goes into the (avg+sample)/2 moving average on success only.
// Auth-shaped failures bump the consecutive-failure counter; auth and
// rate-limit failures both arm backoff mode.
func (p *Profile) RecordOutcome(latency time.Duration, err error) {
	now := time.Now()
	kind := errclass.Classify(err)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.Requests++
	if err == nil {
		p.metrics.recordLatency(latency)
		p.auth.noteSuccess()
		return
	}

	p.metrics.Errors++
	switch kind {
	case errclass.Auth:
		p.metrics.AuthErrors++
		p.auth.noteFailure(now)
		p.enterBackoffModeLocked(now)
	case errclass.RateLimited:
		p.enterBackoffModeLocked(now)
	}
}

// Prune is the housekeeper hook: drops expired limiter history and decays a
// quiet auth-failure counter (the at-ceiling latch is not decayed; that needs
// an external reset).
func (p *Profile) Prune(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limiter.prune(now)
	if p.cfg.Auth != nil {
		p.auth.decay(now, p.cfg.Auth.DecayAfter, p.cfg.Auth.FailureCeiling)
	}
}

// Status reports the profile's observable state for GetMetrics.
func (p *Profile) Status(now time.Time) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Carrier:     p.id.String(),
		Utilization: p.limiter.utilization(now),
		BackoffMode: now.Before(p.backoffUntil),
		Metrics:     p.metrics,
	}
	if p.cfg.Auth != nil {
		st.AuthHealth = p.auth.health(p.cfg.Auth.FailureCeiling)
		st.AuthFailures = p.auth.consecutiveFails
	} else {
		st.AuthHealth = AuthHealthy
	}
	return st
}

// Status is a point-in-time view of one profile.
type Status struct {
	Carrier      string     `json:"carrier"`
	Utilization  float64    `json:"utilization"`
	BackoffMode  bool       `json:"backoff_mode"`
	AuthHealth   AuthHealth `json:"auth_health"`
	AuthFailures int        `json:"auth_failures,omitempty"`
	Metrics      Metrics    `json:"metrics"`
}
