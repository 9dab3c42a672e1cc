package validation

import (
	"fmt"
	"time"
)

// AbandonPolicy bounds how long an op may wait on the same unresolved
// dependencies. A zero limit disables that check; a zero policy never
// abandons anything.
type AbandonPolicy struct {
	// MaxRetries is the number of passes that may re-observe the same
	// missing set before the op is abandoned.
	MaxRetries int
	// MaxAge is how long the same missing set may persist.
	MaxAge time.Duration
}

// DefaultAbandonPolicy is used when no policy is configured.
var DefaultAbandonPolicy = AbandonPolicy{
	MaxRetries: 100,
	MaxAge:     10 * time.Minute,
}

// ShouldAbandon reports whether an op first seen missing the current set
// at since, and re-checked retries times since then, should be abandoned.
func (p AbandonPolicy) ShouldAbandon(retries int, since, now time.Time) bool {
	if p.MaxRetries > 0 && retries > p.MaxRetries {
		return true
	}
	if p.MaxAge > 0 && !since.IsZero() && now.Sub(since) > p.MaxAge {
		return true
	}
	return false
}

// Reason is the human-readable reason recorded on abandonment.
func (p AbandonPolicy) Reason(retries int, since, now time.Time) string {
	if p.MaxRetries > 0 && retries > p.MaxRetries {
		return fmt.Sprintf("dependencies unresolved after %d retries", retries)
	}
	return fmt.Sprintf("dependencies unresolved for %s", now.Sub(since).Truncate(time.Second))
}

// Validate rejects negative limits.
func (p AbandonPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("abandon policy: max retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.MaxAge < 0 {
		return fmt.Errorf("abandon policy: max age must be >= 0, got %s", p.MaxAge)
	}
	return nil
}
