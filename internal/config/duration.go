package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration knobs (rate windows, retry backoffs, dedup retention) arrive as
// strings like "30s" or "5m" so operators edit them without counting
// nanoseconds. path names the field in errors, e.g. "gateway.retry.max_delay".

// ParseDurationField parses one duration knob. Empty means unset and parses
// to 0; negative values are rejected, no delivery timer runs backwards.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the knob is unset or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	switch {
	case err != nil:
		return 0, err
	case d <= 0:
		return def, nil
	}
	return d, nil
}
