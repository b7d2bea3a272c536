package carrier

import (
	"errors"
	"testing"
	"time"

	"trackgate/internal/errclass"
)

func testProfile(t *testing.T, cfg Config) *Profile {
	t.Helper()
	return NewProfile(UPS, cfg, nil)
}

func TestRetryMatrix(t *testing.T) {
	t.Parallel()
	p := testProfile(t, Config{MaxRetries: 5, AuthRetryCeiling: 1})

	tests := []struct {
		name    string
		kind    errclass.Kind
		attempt int
		want    bool
	}{
		{name: "timeout retries", kind: errclass.Timeout, attempt: 1, want: true},
		{name: "network retries", kind: errclass.Network, attempt: 3, want: true},
		{name: "server retries", kind: errclass.Server, attempt: 2, want: true},
		{name: "unknown retries by default", kind: errclass.Unknown, attempt: 1, want: true},
		{name: "client never retries", kind: errclass.Client, attempt: 1, want: false},
		{name: "private never retries", kind: errclass.PrivateResource, attempt: 1, want: false},
		{name: "rate limited once", kind: errclass.RateLimited, attempt: 1, want: true},
		{name: "rate limited not twice", kind: errclass.RateLimited, attempt: 2, want: false},
		{name: "auth under ceiling", kind: errclass.Auth, attempt: 1, want: true},
		{name: "auth at ceiling", kind: errclass.Auth, attempt: 2, want: false},
		{name: "ceiling reached", kind: errclass.Timeout, attempt: 5, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := errclass.New(tt.kind, "boom")
			if got := p.ShouldRetry(err, tt.attempt, 5); got != tt.want {
				t.Fatalf("ShouldRetry(%s, attempt=%d) = %v, want %v", tt.kind, tt.attempt, got, tt.want)
			}
		})
	}
}

func TestRetryDelayExponentialBounds(t *testing.T) {
	t.Parallel()
	base := 100 * time.Millisecond
	maxD := 2 * time.Second
	jit := 0.2
	p := testProfile(t, Config{RetryBase: base, RetryMaxDelay: maxD, RetryJitter: jit})

	for attempt := 1; attempt <= 8; attempt++ {
		nominal := base << (attempt - 1)
		if nominal > maxD {
			nominal = maxD
		}
		lo := time.Duration(float64(nominal) * (1 - jit))
		for i := 0; i < 50; i++ {
			d := p.RetryDelay(attempt, errclass.New(errclass.Server, "boom"))
			if d < lo || d > maxD {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, maxD)
			}
		}
	}
}

func TestRetryDelayBackoffModeDoubles(t *testing.T) {
	t.Parallel()
	base := 100 * time.Millisecond
	p := testProfile(t, Config{RetryBase: base, RetryMaxDelay: time.Minute, RetryJitter: 0.01})

	// A rate-limit outcome arms backoff mode for a while.
	p.RecordOutcome(0, errclass.New(errclass.RateLimited, "too many requests"))

	d := p.RetryDelay(1, errclass.New(errclass.Server, "boom"))
	if d < 150*time.Millisecond {
		t.Fatalf("delay %v, want roughly doubled base while in backoff mode", d)
	}
}

func TestRetryDelayHonorsRetryAfterHint(t *testing.T) {
	t.Parallel()
	p := testProfile(t, Config{RetryBase: 10 * time.Millisecond, RetryMaxDelay: time.Minute, RetryJitter: 0.1})

	hint := 5 * time.Second
	err := errclass.RetryAfter(errors.New("429: slow down"), hint)
	for i := 0; i < 20; i++ {
		d := p.RetryDelay(1, err)
		lo := time.Duration(float64(hint) * 0.9)
		hi := time.Duration(float64(hint) * 1.1)
		if d < lo || d > hi {
			t.Fatalf("delay %v, want hint %v with jitter", d, hint)
		}
	}
}

func TestRetryDelayClampsHint(t *testing.T) {
	t.Parallel()
	maxD := time.Second
	p := testProfile(t, Config{RetryBase: 10 * time.Millisecond, RetryMaxDelay: maxD, RetryJitter: 0.1})

	err := errclass.RetryAfter(errors.New("429"), time.Hour)
	if d := p.RetryDelay(1, err); d > maxD {
		t.Fatalf("delay %v exceeds carrier maximum %v", d, maxD)
	}
}
