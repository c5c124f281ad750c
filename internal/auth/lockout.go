package auth

import (
	"context"
	"time"
)

// Lockout defaults.
const (
	DefaultLockoutThreshold = 5
	DefaultLockoutWindow    = 30 * time.Minute
)

// LockoutPolicy tracks consecutive failed logins and computes lockout windows.
type LockoutPolicy struct {
	threshold int
	window    time.Duration
	now       func() time.Time
}

// NewLockoutPolicy builds a policy; non-positive values fall back to defaults.
func NewLockoutPolicy(threshold int, window time.Duration, now func() time.Time) *LockoutPolicy {
	if threshold <= 0 {
		threshold = DefaultLockoutThreshold
	}
	if window <= 0 {
		window = DefaultLockoutWindow
	}
	if now == nil {
		now = time.Now
	}
	return &LockoutPolicy{threshold: threshold, window: window, now: now}
}

// Threshold returns the number of failures that triggers a lockout.
func (p *LockoutPolicy) Threshold() int { return p.threshold }

// RecordFailure increments the failure counter. Once the counter reaches the
// threshold it stays there and the account is locked until now + window; the
// returned time is that lock expiry, or nil while below the threshold.
func (p *LockoutPolicy) RecordFailure(ctx context.Context, store LockoutStore, userID int64) (*time.Time, error) {
	attempts, err := store.IncrementFailedAttempts(ctx, userID, p.threshold)
	if err != nil {
		return nil, err
	}
	if attempts < p.threshold {
		return nil, nil
	}
	until := p.now().UTC().Add(p.window)
	if err := store.LockUser(ctx, userID, until); err != nil {
		return nil, err
	}
	return &until, nil
}

// IsLocked reports whether the user is inside a lockout window.
func (p *LockoutPolicy) IsLocked(u User) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(p.now())
}

// Reset clears the counter and any lock after a successful authentication.
func (p *LockoutPolicy) Reset(ctx context.Context, store LockoutStore, userID int64) error {
	return store.ResetFailedAttempts(ctx, userID)
}
