package carrier

import "time"

// Metrics are cumulative per-carrier counters. Guarded by the profile mutex.
type Metrics struct {
	Requests           uint64        `json:"requests"`
	Errors             uint64        `json:"errors"`
	AuthErrors         uint64        `json:"auth_errors"`
	RateLimitDeferrals uint64        `json:"rate_limit_deferrals"`
	AvgLatency         time.Duration `json:"avg_latency"`
}

// recordLatency folds a sample into the running average.
//
// avg = (avg + sample) / 2 is not a true mean; it weighs recent samples
// heavily, which is what the ops dashboard expects.
func (m *Metrics) recordLatency(sample time.Duration) {
	if m.AvgLatency == 0 {
		m.AvgLatency = sample
		return
	}
	m.AvgLatency = (m.AvgLatency + sample) / 2
}

// ErrorRate returns errors/requests, or 0 when idle.
func (m Metrics) ErrorRate() float64 {
	if m.Requests == 0 {
		return 0
	}
	return float64(m.Errors) / float64(m.Requests)
}
