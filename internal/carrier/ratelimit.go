package carrier

import (
	"math"
	"time"
)

// Admission is the outcome of a rate-limit check.
//
// When Allowed is false, Wait is the limiter's recommendation for how long to
// hold the item before asking again. It is never below the carrier's
// configured minimum wait, so a denied item can't hot-loop on a near-expired
// window.
type Admission struct {
	Allowed bool
	Wait    time.Duration
}

// slidingWindow is a counting sliding-window limiter.
//
// It is reserve-on-allow: an allowed check immediately appends its timestamp,
// so check and reserve are one step (callers hold the profile lock). This is
// intentionally simpler than a token bucket; per-carrier tunability matters
// more here than perfectly smooth admission.
type slidingWindow struct {
	window         time.Duration
	maxRequests    int
	bufferFraction float64
	minWait        time.Duration

	// history holds admission timestamps in ascending order.
	history []time.Time
}

func newSlidingWindow(window time.Duration, maxRequests int, bufferFraction float64, minWait time.Duration) *slidingWindow {
	if window <= 0 {
		window = time.Minute
	}
	if maxRequests <= 0 {
		maxRequests = 30
	}
	if bufferFraction <= 0 || bufferFraction > 1 {
		bufferFraction = 0.8
	}
	if minWait <= 0 {
		minWait = time.Second
	}
	return &slidingWindow{
		window:         window,
		maxRequests:    maxRequests,
		bufferFraction: bufferFraction,
		minWait:        minWait,
	}
}

func (w *slidingWindow) maxAllowed() int {
	n := int(math.Floor(float64(w.maxRequests) * w.bufferFraction))
	if n < 1 {
		n = 1
	}
	return n
}

// checkAndReserve prunes expired history, then either reserves a slot for now
// or reports how long to wait.
func (w *slidingWindow) checkAndReserve(now time.Time) Admission {
	w.prune(now)

	if len(w.history) >= w.maxAllowed() {
		wait := w.window - now.Sub(w.history[0])
		if wait < w.minWait {
			wait = w.minWait
		}
		return Admission{Allowed: false, Wait: wait}
	}

	w.history = append(w.history, now)
	return Admission{Allowed: true}
}

// prune drops timestamps older than the window.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.history) && !w.history[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.history = append(w.history[:0], w.history[i:]...)
	}
}

// utilization reports the used fraction of the effective budget, for metrics.
func (w *slidingWindow) utilization(now time.Time) float64 {
	w.prune(now)
	return float64(len(w.history)) / float64(w.maxAllowed())
}
