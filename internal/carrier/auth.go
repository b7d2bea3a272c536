package carrier

import (
	"context"
	"fmt"
	"time"

	"trackgate/internal/errclass"
)

// TokenSource is the external authentication collaborator for one carrier.
// Any returned error, or ok=false, is interpreted as an authentication
// failure.
type TokenSource interface {
	EnsureValidToken(ctx context.Context) (bool, error)
}

// TokenExpirer is an optional extension: token sources that know when their
// credential expires can force a re-check before the normal interval.
type TokenExpirer interface {
	TokenExpiry() time.Time
}

// AuthHealth classifies a carrier's credential state.
type AuthHealth string

const (
	AuthHealthy   AuthHealth = "healthy"
	AuthDegraded  AuthHealth = "degraded"
	AuthUnhealthy AuthHealth = "unhealthy"
)

// authState tracks credential freshness and consecutive validation failures.
// Guarded by the owning profile's mutex.
type authState struct {
	lastCheck        time.Time
	lastFailure      time.Time
	consecutiveFails int
}

func (a *authState) reset() {
	a.lastCheck = time.Time{}
	a.lastFailure = time.Time{}
	a.consecutiveFails = 0
}

func (a *authState) noteSuccess() {
	a.consecutiveFails = 0
}

func (a *authState) noteFailure(now time.Time) {
	a.consecutiveFails++
	a.lastFailure = now
}

// decay clears a below-ceiling failure counter after a quiet period.
// An at-ceiling latch survives decay: that requires an external reset.
func (a *authState) decay(now time.Time, after time.Duration, ceiling int) {
	if a.consecutiveFails == 0 || a.consecutiveFails >= ceiling {
		return
	}
	if !a.lastFailure.IsZero() && now.Sub(a.lastFailure) > after {
		a.consecutiveFails = 0
	}
}

func (a *authState) health(ceiling int) AuthHealth {
	switch {
	case a.consecutiveFails >= ceiling:
		return AuthUnhealthy
	case a.consecutiveFails > 0:
		return AuthDegraded
	default:
		return AuthHealthy
	}
}

// RequiresAuth reports whether an operation with the given metadata must pass
// an auth check on this carrier. Search lookups are exempt on carriers that
// serve them anonymously.
func (p *Profile) RequiresAuth(metadata map[string]string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.Auth == nil || p.tokens == nil {
		return false
	}
	if p.cfg.Auth.SearchExempt && metadata["kind"] == "search" {
		return false
	}
	return true
}

// AuthExhausted reports whether the consecutive-failure counter has reached
// the carrier's ceiling. Once true it stays true until an external reset
// (config commit or ResetAuth).
func (p *Profile) AuthExhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.Auth == nil {
		return false
	}
	return p.auth.consecutiveFails >= p.cfg.Auth.FailureCeiling
}

// ResetAuth clears the failure latch, e.g. after credentials were rotated.
func (p *Profile) ResetAuth() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.auth.reset()
}

// ValidateAuth checks credential freshness.
//
// Within CheckInterval of the last successful check it is a no-op success
// (unless the token source reports an earlier expiry). Otherwise it delegates
// to the token source; a failure bumps the consecutive counter and arms
// backoff mode.
//
// The external call is made without holding the profile lock, so token
// sources must tolerate concurrent EnsureValidToken calls.
func (p *Profile) ValidateAuth(ctx context.Context, now time.Time) error {
	if p.tokens == nil {
		return nil
	}

	p.mu.Lock()
	if p.cfg.Auth == nil {
		p.mu.Unlock()
		return nil
	}
	interval := p.cfg.Auth.CheckInterval
	fresh := !p.auth.lastCheck.IsZero() && now.Sub(p.auth.lastCheck) < interval
	p.mu.Unlock()

	if fresh && !p.tokenExpired(now) {
		return nil
	}

	ok, err := p.tokens.EnsureValidToken(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil && ok {
		p.auth.lastCheck = now
		p.auth.noteSuccess()
		return nil
	}

	p.auth.noteFailure(now)
	p.enterBackoffModeLocked(now)
	p.metrics.AuthErrors++
	if err == nil {
		err = fmt.Errorf("%s: token validation refused", p.id)
	}
	return errclass.Wrap(errclass.Auth, err)
}

func (p *Profile) tokenExpired(now time.Time) bool {
	exp, ok := p.tokens.(TokenExpirer)
	if !ok {
		return false
	}
	t := exp.TokenExpiry()
	return !t.IsZero() && now.After(t)
}
