package carrier

import (
	"context"
	"errors"
	"testing"
	"time"

	"trackgate/internal/errclass"
)

type fakeTokens struct {
	ok     bool
	err    error
	calls  int
	expiry time.Time
}

func (f *fakeTokens) EnsureValidToken(ctx context.Context) (bool, error) {
	f.calls++
	return f.ok, f.err
}

func (f *fakeTokens) TokenExpiry() time.Time { return f.expiry }

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	c := Config{Auth: &AuthConfig{}}.withDefaults()

	if c.Window != time.Minute || c.MaxRequests != 30 || c.BufferFraction != 0.8 {
		t.Fatalf("limiter defaults wrong: %+v", c)
	}
	if c.MaxConcurrent != 2 || c.MaxRetries != 3 {
		t.Fatalf("concurrency defaults wrong: %+v", c)
	}
	if c.RetryBase != 500*time.Millisecond || c.RetryMaxDelay != 15*time.Second || c.RetryJitter != 0.2 {
		t.Fatalf("retry defaults wrong: %+v", c)
	}
	if c.Auth.CheckInterval != 5*time.Minute || c.Auth.FailureCeiling != 3 {
		t.Fatalf("auth defaults wrong: %+v", c.Auth)
	}
}

func TestClampOptions(t *testing.T) {
	t.Parallel()
	p := testProfile(t, Config{MinTimeout: 10 * time.Second, MaxRetries: 3})

	tests := []struct {
		name        string
		timeout     time.Duration
		attempts    int
		wantTimeout time.Duration
		wantAtt     int
	}{
		{name: "timeout grows to minimum", timeout: 2 * time.Second, attempts: 2, wantTimeout: 10 * time.Second, wantAtt: 2},
		{name: "generous timeout kept", timeout: 30 * time.Second, attempts: 2, wantTimeout: 30 * time.Second, wantAtt: 2},
		{name: "attempts shrink to ceiling", timeout: 15 * time.Second, attempts: 10, wantTimeout: 15 * time.Second, wantAtt: 3},
		{name: "zero attempts use ceiling", timeout: 15 * time.Second, attempts: 0, wantTimeout: 15 * time.Second, wantAtt: 3},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			gotT, gotA := p.ClampOptions(tt.timeout, tt.attempts)
			if gotT != tt.wantTimeout || gotA != tt.wantAtt {
				t.Fatalf("ClampOptions(%v, %d) = (%v, %d), want (%v, %d)",
					tt.timeout, tt.attempts, gotT, gotA, tt.wantTimeout, tt.wantAtt)
			}
		})
	}
}

func TestCheckRateLimitCountsDeferrals(t *testing.T) {
	t.Parallel()
	p := testProfile(t, Config{Window: time.Minute, MaxRequests: 1, BufferFraction: 1.0})

	now := time.Now()
	if adm := p.CheckRateLimit(now); !adm.Allowed {
		t.Fatal("first admission denied")
	}
	if adm := p.CheckRateLimit(now); adm.Allowed {
		t.Fatal("second admission allowed over budget")
	}
	if got := p.Status(now).Metrics.RateLimitDeferrals; got != 1 {
		t.Fatalf("RateLimitDeferrals = %d, want 1", got)
	}
}

func TestRecordOutcomeLatencyAverage(t *testing.T) {
	t.Parallel()
	p := testProfile(t, Config{})

	p.RecordOutcome(100*time.Millisecond, nil)
	p.RecordOutcome(300*time.Millisecond, nil)

	// (0+100)/2 = 50, then (50+300)/2 = 175.
	if got := p.Status(time.Now()).Metrics.AvgLatency; got != 175*time.Millisecond {
		t.Fatalf("AvgLatency = %v, want 175ms", got)
	}
}

func TestRecordOutcomeErrorCounters(t *testing.T) {
	t.Parallel()
	p := testProfile(t, Config{Auth: &AuthConfig{FailureCeiling: 3}})

	p.RecordOutcome(0, errclass.New(errclass.Server, "boom"))
	p.RecordOutcome(0, errclass.New(errclass.Auth, "unauthorized"))
	p.RecordOutcome(time.Millisecond, nil)

	m := p.Status(time.Now()).Metrics
	if m.Requests != 3 || m.Errors != 2 || m.AuthErrors != 1 {
		t.Fatalf("metrics = %+v, want 3 requests / 2 errors / 1 auth error", m)
	}
}

func TestAuthLatch(t *testing.T) {
	t.Parallel()
	p := testProfile(t, Config{Auth: &AuthConfig{FailureCeiling: 2, DecayAfter: time.Minute}})

	p.RecordOutcome(0, errclass.New(errclass.Auth, "unauthorized"))
	if p.AuthExhausted() {
		t.Fatal("exhausted below ceiling")
	}
	p.RecordOutcome(0, errclass.New(errclass.Auth, "unauthorized"))
	if !p.AuthExhausted() {
		t.Fatal("not exhausted at ceiling")
	}

	// The at-ceiling latch survives housekeeping decay.
	p.Prune(time.Now().Add(time.Hour))
	if !p.AuthExhausted() {
		t.Fatal("latch cleared by decay, want external reset only")
	}

	p.ResetAuth()
	if p.AuthExhausted() {
		t.Fatal("latch survived explicit reset")
	}
}

func TestAuthDecayBelowCeiling(t *testing.T) {
	t.Parallel()
	p := testProfile(t, Config{Auth: &AuthConfig{FailureCeiling: 3, DecayAfter: time.Minute}})

	p.RecordOutcome(0, errclass.New(errclass.Auth, "unauthorized"))
	if st := p.Status(time.Now()); st.AuthHealth != AuthDegraded {
		t.Fatalf("AuthHealth = %s, want degraded", st.AuthHealth)
	}

	p.Prune(time.Now().Add(2 * time.Minute))
	if st := p.Status(time.Now()); st.AuthHealth != AuthHealthy {
		t.Fatalf("AuthHealth = %s after quiet period, want healthy", st.AuthHealth)
	}
}

func TestApplyClearsAuthLatch(t *testing.T) {
	t.Parallel()
	cfg := Config{Auth: &AuthConfig{FailureCeiling: 1}}
	p := testProfile(t, cfg)

	p.RecordOutcome(0, errclass.New(errclass.Auth, "unauthorized"))
	if !p.AuthExhausted() {
		t.Fatal("not exhausted at ceiling")
	}

	p.Apply(cfg)
	if p.AuthExhausted() {
		t.Fatal("config commit did not clear the latch")
	}
}

func TestApplyPreservesLimiterHistory(t *testing.T) {
	t.Parallel()
	p := testProfile(t, Config{Window: time.Minute, MaxRequests: 2, BufferFraction: 1.0})

	now := time.Now()
	p.CheckRateLimit(now)
	p.CheckRateLimit(now)

	// Re-applying config must not grant a free burst.
	p.Apply(Config{Window: time.Minute, MaxRequests: 2, BufferFraction: 1.0})
	if adm := p.CheckRateLimit(now); adm.Allowed {
		t.Fatal("admission allowed after config commit, history lost")
	}
}

func TestRequiresAuth(t *testing.T) {
	t.Parallel()
	tokens := &fakeTokens{ok: true}

	tests := []struct {
		name     string
		cfg      Config
		tokens   TokenSource
		metadata map[string]string
		want     bool
	}{
		{name: "no auth config", cfg: Config{}, tokens: tokens, want: false},
		{name: "no token source", cfg: Config{Auth: &AuthConfig{}}, tokens: nil, want: false},
		{name: "auth required", cfg: Config{Auth: &AuthConfig{}}, tokens: tokens, want: true},
		{name: "search exempt", cfg: Config{Auth: &AuthConfig{SearchExempt: true}}, tokens: tokens,
			metadata: map[string]string{"kind": "search"}, want: false},
		{name: "exempt carrier, non-search op", cfg: Config{Auth: &AuthConfig{SearchExempt: true}}, tokens: tokens,
			metadata: map[string]string{"kind": "details"}, want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p := NewProfile(FedEx, tt.cfg, tt.tokens)
			if got := p.RequiresAuth(tt.metadata); got != tt.want {
				t.Fatalf("RequiresAuth = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateAuthFreshnessSkip(t *testing.T) {
	t.Parallel()
	tokens := &fakeTokens{ok: true}
	p := NewProfile(USPS, Config{Auth: &AuthConfig{CheckInterval: time.Hour}}, tokens)

	now := time.Now()
	if err := p.ValidateAuth(context.Background(), now); err != nil {
		t.Fatalf("ValidateAuth: %v", err)
	}
	if err := p.ValidateAuth(context.Background(), now.Add(time.Minute)); err != nil {
		t.Fatalf("ValidateAuth: %v", err)
	}
	if tokens.calls != 1 {
		t.Fatalf("token source called %d times, want 1 (second check inside interval)", tokens.calls)
	}
}

func TestValidateAuthExpiryForcesRecheck(t *testing.T) {
	t.Parallel()
	tokens := &fakeTokens{ok: true, expiry: time.Now().Add(time.Minute)}
	p := NewProfile(USPS, Config{Auth: &AuthConfig{CheckInterval: time.Hour}}, tokens)

	now := time.Now()
	if err := p.ValidateAuth(context.Background(), now); err != nil {
		t.Fatalf("ValidateAuth: %v", err)
	}
	// Within the interval but past the token's own expiry.
	if err := p.ValidateAuth(context.Background(), now.Add(2*time.Minute)); err != nil {
		t.Fatalf("ValidateAuth: %v", err)
	}
	if tokens.calls != 2 {
		t.Fatalf("token source called %d times, want 2 (expiry overrides interval)", tokens.calls)
	}
}

func TestValidateAuthFailureClassified(t *testing.T) {
	t.Parallel()
	tokens := &fakeTokens{err: errors.New("invalid api key")}
	p := NewProfile(DHL, Config{Auth: &AuthConfig{FailureCeiling: 3}}, tokens)

	err := p.ValidateAuth(context.Background(), time.Now())
	if err == nil {
		t.Fatal("expected error from failing token source")
	}
	if errclass.KindOf(err) != errclass.Auth {
		t.Fatalf("error kind = %s, want auth", errclass.KindOf(err))
	}
	if st := p.Status(time.Now()); st.AuthFailures != 1 || !st.BackoffMode {
		t.Fatalf("status = %+v, want one failure and backoff mode armed", st)
	}
}
