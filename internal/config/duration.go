package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses one duration-typed config value (window,
// min_wait, retry_base, the scheduler timeouts). path names the field in
// errors so a bad carrier block is attributable. Empty means "use the
// runtime default" and parses to 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for fields
// that must end up positive, like the ops server timeouts.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseFractionField validates a ratio-typed config value (buffer_fraction,
// retry_jitter). Zero is allowed and means "use the runtime default".
func ParseFractionField(path string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s: must be in [0,1], got %g", path, v)
	}
	return nil
}
