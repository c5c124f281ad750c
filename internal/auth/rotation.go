package auth

import (
	"context"
	"time"
)

// RotationManager is an optional fast-path revocation list for refresh token
// hashes and access token identifiers. The relational store stays
// authoritative; a manager only short-circuits lookups.
type RotationManager interface {
	// Revoke records key as revoked for ttl.
	Revoke(ctx context.Context, key string, ttl time.Duration) error
	IsRevoked(ctx context.Context, key string) (bool, error)
	// Sweep evicts expired bookkeeping and returns how many entries it removed.
	Sweep(ctx context.Context) (int, error)
}

// RevokedRefreshKey namespaces a refresh token hash.
func RevokedRefreshKey(hash string) string { return "rt:" + hash }

// RevokedAccessKey namespaces an access token identifier.
func RevokedAccessKey(jti string) string { return "jti:" + jti }

// NoopRotation is the database-only RotationManager.
type NoopRotation struct{}

func (NoopRotation) Revoke(context.Context, string, time.Duration) error { return nil }

func (NoopRotation) IsRevoked(context.Context, string) (bool, error) { return false, nil }

func (NoopRotation) Sweep(context.Context) (int, error) { return 0, nil }
