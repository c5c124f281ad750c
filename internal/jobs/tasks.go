package jobs

import (
	"context"

	"go.uber.org/zap"

	"qazna.org/authd/internal/auth"
	"qazna.org/authd/internal/obs"
)

// Job names.
const (
	JobRevocationSweep = "revocation_sweep"
	JobPurgeExpired    = "purge_expired"
	JobKeyRotation     = "key_rotation"
)

// Purger deletes expired sessions and refresh tokens.
type Purger interface {
	PurgeExpired(ctx context.Context) (tokens, sessions int64, err error)
}

// Rotator replaces the active signing key.
type Rotator interface {
	Rotate(ctx context.Context) (*auth.KeyPair, error)
}

// RevocationSweep trims expired entries from the revocation cache.
func RevocationSweep(r auth.RotationManager, logger *zap.Logger) Task {
	return func(ctx context.Context) error {
		n, err := r.Sweep(ctx)
		if err != nil {
			return err
		}
		obs.RecordRevocationsSwept(n)
		if n > 0 {
			logger.Info("revocations swept", zap.Int("removed", n))
		}
		return nil
	}
}

// PurgeExpired removes expired sessions and refresh tokens from the store.
func PurgeExpired(p Purger, logger *zap.Logger) Task {
	return func(ctx context.Context) error {
		tokens, sessions, err := p.PurgeExpired(ctx)
		if err != nil {
			return err
		}
		logger.Info("expired credentials purged", zap.Int64("refresh_tokens", tokens), zap.Int64("sessions", sessions))
		return nil
	}
}

// KeyRotation rotates the signing key.
func KeyRotation(r Rotator) Task {
	return func(ctx context.Context) error {
		_, err := r.Rotate(ctx)
		return err
	}
}
