package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"qazna.org/authd/internal/ids"
	"qazna.org/authd/internal/obs"
)

const (
	AlgorithmRS256 = "RS256"

	defaultKeyBits       = 2048
	defaultKeyRetention  = 24 * time.Hour
	defaultKeyRefresh    = 30 * time.Second
	defaultRetiredKeyCap = 32
)

// KeyPair is a decrypted signing key held in memory.
type KeyPair struct {
	KID       string
	Algorithm string
	Private   *rsa.PrivateKey
	Public    *rsa.PublicKey
	CreatedAt time.Time
}

type retiredKey struct {
	pub       *rsa.PublicKey
	retiredAt *time.Time
}

// KeyManager owns the signing key ring. The active key is cached and
// re-checked against the store every refresh interval, so a rotation made by
// another replica is picked up. Retired keys stay usable for verification
// during the retention window.
type KeyManager struct {
	store     KeyStore
	cipher    *KeyCipher
	bits      int
	retention time.Duration
	refresh   time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu        sync.RWMutex
	active    *KeyPair
	checkedAt time.Time
	retired   *lru.LRU[string, retiredKey]
	group     singleflight.Group
}

// KeyManagerOption configures a KeyManager.
type KeyManagerOption func(*KeyManager) error

// WithKeyBits sets the RSA modulus size for generated keys.
func WithKeyBits(bits int) KeyManagerOption {
	return func(m *KeyManager) error {
		if bits == 0 {
			return nil
		}
		if bits < 2048 {
			return fmt.Errorf("%w: rsa keys must be at least 2048 bits", ErrInvalidInput)
		}
		m.bits = bits
		return nil
	}
}

// WithKeyRetention sets how long a retired key keeps verifying tokens.
func WithKeyRetention(d time.Duration) KeyManagerOption {
	return func(m *KeyManager) error {
		if d > 0 {
			m.retention = d
		}
		return nil
	}
}

// WithKeyRefresh sets how often the cached active key is compared with the
// store.
func WithKeyRefresh(d time.Duration) KeyManagerOption {
	return func(m *KeyManager) error {
		if d > 0 {
			m.refresh = d
		}
		return nil
	}
}

// WithKeyClock overrides the time source.
func WithKeyClock(fn func() time.Time) KeyManagerOption {
	return func(m *KeyManager) error {
		if fn != nil {
			m.now = fn
		}
		return nil
	}
}

// WithKeyLogger attaches a logger.
func WithKeyLogger(l *zap.Logger) KeyManagerOption {
	return func(m *KeyManager) error {
		if l != nil {
			m.logger = l
		}
		return nil
	}
}

// NewKeyManager builds a KeyManager over store. Private keys are sealed with cipher.
func NewKeyManager(store KeyStore, cipher *KeyCipher, opts ...KeyManagerOption) (*KeyManager, error) {
	if store == nil {
		return nil, errors.New("auth: key store is required")
	}
	if cipher == nil {
		return nil, errors.New("auth: key cipher is required")
	}
	m := &KeyManager{
		store:     store,
		cipher:    cipher,
		bits:      defaultKeyBits,
		retention: defaultKeyRetention,
		refresh:   defaultKeyRefresh,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	m.retired = lru.NewLRU[string, retiredKey](defaultRetiredKeyCap, nil, m.retention)
	return m, nil
}

// ActiveKeyPair returns the current signing key, loading or generating it on
// first use. Concurrent callers share one load or re-check.
func (m *KeyManager) ActiveKeyPair(ctx context.Context) (*KeyPair, error) {
	if active := m.fresh(); active != nil {
		return active, nil
	}
	v, err, _ := m.group.Do("active", func() (any, error) {
		if active := m.fresh(); active != nil {
			return active, nil
		}
		return m.reload(ctx)
	})
	if err != nil {
		return nil, WrapError(KindSigningUnavailable, "signing key unavailable", err)
	}
	return v.(*KeyPair), nil
}

// fresh returns the cached active key if it was checked within the refresh
// interval.
func (m *KeyManager) fresh() *KeyPair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil || m.now().Sub(m.checkedAt) >= m.refresh {
		return nil
	}
	return m.active
}

func (m *KeyManager) reload(ctx context.Context) (*KeyPair, error) {
	m.mu.RLock()
	cached := m.active
	m.mu.RUnlock()

	if cached == nil {
		kp, err := m.loadOrCreate(ctx)
		if err != nil {
			return nil, err
		}
		return m.swap(nil, kp), nil
	}

	stored, err := m.store.ActiveSigningKey(ctx)
	if err != nil {
		// Keep signing with the cached key; the next interval retries.
		m.logger.Warn("active key check failed", zap.String("kid", cached.KID), zap.Error(err))
		return m.swap(cached, cached), nil
	}
	if stored.KID == cached.KID {
		return m.swap(cached, cached), nil
	}
	kp, err := m.decode(stored)
	if err != nil {
		m.logger.Error("rotated key unreadable", zap.String("kid", stored.KID), zap.Error(err))
		return m.swap(cached, cached), nil
	}
	current := m.swap(cached, kp)
	if current == kp {
		m.logger.Info("signing key reloaded", zap.String("kid", kp.KID), zap.String("retired_kid", cached.KID))
	}
	return current, nil
}

// swap installs next if the active key is still prev and marks it checked.
// It returns whichever key is active afterwards.
func (m *KeyManager) swap(prev, next *KeyPair) *KeyPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != prev {
		return m.active
	}
	m.active = next
	m.checkedAt = m.now()
	return next
}

// expire forces the next ActiveKeyPair call to consult the store.
func (m *KeyManager) expire() {
	m.mu.Lock()
	m.checkedAt = time.Time{}
	m.mu.Unlock()
}

func (m *KeyManager) loadOrCreate(ctx context.Context) (*KeyPair, error) {
	stored, err := m.store.ActiveSigningKey(ctx)
	switch {
	case err == nil:
		return m.decode(stored)
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("load active key: %w", err)
	}

	kp, sk, err := m.generate()
	if err != nil {
		return nil, err
	}
	if err := m.store.InsertSigningKey(ctx, sk, m.now().UTC()); err != nil {
		if errors.Is(err, ErrConflict) {
			// Another instance won the race; use its key.
			stored, lerr := m.store.ActiveSigningKey(ctx)
			if lerr != nil {
				return nil, fmt.Errorf("reload active key: %w", lerr)
			}
			return m.decode(stored)
		}
		return nil, fmt.Errorf("persist signing key: %w", err)
	}
	m.logger.Info("signing key generated", zap.String("kid", kp.KID))
	return kp, nil
}

// Rotate generates a new key, makes it current and keeps the previous key
// available for verification.
func (m *KeyManager) Rotate(ctx context.Context) (*KeyPair, error) {
	kp, sk, err := m.generate()
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if err := m.store.InsertSigningKey(ctx, sk, now); err != nil {
		return nil, fmt.Errorf("persist rotated key: %w", err)
	}

	m.mu.Lock()
	prev := m.active
	m.active = kp
	m.checkedAt = m.now()
	if prev != nil {
		m.retired.Add(prev.KID, retiredKey{pub: prev.Public, retiredAt: &now})
	}
	m.mu.Unlock()

	obs.RecordKeyRotation()
	fields := []zap.Field{zap.String("kid", kp.KID)}
	if prev != nil {
		fields = append(fields, zap.String("retired_kid", prev.KID))
	}
	m.logger.Info("signing key rotated", fields...)
	return kp, nil
}

// VerificationKey resolves the public key for kid: the active key, or a
// retired key still inside the retention window.
func (m *KeyManager) VerificationKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if kid == "" {
		return nil, ErrNotFound
	}
	active, err := m.ActiveKeyPair(ctx)
	if err == nil && active.KID == kid {
		return active.Public, nil
	}

	if rk, ok := m.retired.Get(kid); ok {
		if !m.withinRetention(rk.retiredAt) {
			m.retired.Remove(kid)
			return nil, ErrNotFound
		}
		return rk.pub, nil
	}

	stored, err := m.store.SigningKeyByID(ctx, kid)
	if err != nil {
		return nil, err
	}
	if !stored.Active && !m.withinRetention(stored.RetiredAt) {
		return nil, ErrNotFound
	}
	pub, err := parseRSAPublicKey(stored.PublicPEM)
	if err != nil {
		return nil, fmt.Errorf("parse public key %s: %w", kid, err)
	}
	if stored.Active {
		// Rotated elsewhere; sign with it too.
		m.expire()
	} else {
		m.retired.Add(kid, retiredKey{pub: pub, retiredAt: stored.RetiredAt})
	}
	return pub, nil
}

func (m *KeyManager) withinRetention(retiredAt *time.Time) bool {
	if retiredAt == nil {
		return true
	}
	return m.now().Before(retiredAt.Add(m.Retention()))
}

// Retention reports how long retired keys keep verifying tokens.
func (m *KeyManager) Retention() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.retention
}

// ensureRetention raises the retention window to at least floor, so no token
// outlives the key that signed it. Cache misses fall back to the store.
func (m *KeyManager) ensureRetention(floor time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retention >= floor {
		return
	}
	m.logger.Warn("key retention raised to cover token lifetime",
		zap.Duration("configured", m.retention), zap.Duration("retention", floor))
	m.retention = floor
}

// JWK is one RSA verification key in RFC 7517 form.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWKS lists the active key and every retired key inside the retention window.
func (m *KeyManager) JWKS(ctx context.Context) (JWKS, error) {
	if _, err := m.ActiveKeyPair(ctx); err != nil {
		return JWKS{}, err
	}
	keys, err := m.store.ListSigningKeys(ctx, m.now().UTC().Add(-m.Retention()))
	if err != nil {
		return JWKS{}, err
	}
	set := JWKS{Keys: make([]JWK, 0, len(keys))}
	for _, k := range keys {
		pub, err := parseRSAPublicKey(k.PublicPEM)
		if err != nil {
			m.logger.Warn("skip unparsable public key", zap.String("kid", k.KID), zap.Error(err))
			continue
		}
		set.Keys = append(set.Keys, JWK{
			Kty: "RSA",
			Kid: k.KID,
			Use: "sig",
			Alg: k.Algorithm,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return set, nil
}

func (m *KeyManager) generate() (*KeyPair, SigningKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, m.bits)
	if err != nil {
		return nil, SigningKey{}, fmt.Errorf("generate rsa key: %w", err)
	}
	kid := ids.KeyID()
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, SigningKey{}, fmt.Errorf("marshal private key: %w", err)
	}
	sealed, err := m.cipher.Seal(der, []byte(kid))
	if err != nil {
		return nil, SigningKey{}, err
	}
	pubPEM, err := encodePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, SigningKey{}, err
	}
	now := m.now().UTC()
	kp := &KeyPair{KID: kid, Algorithm: AlgorithmRS256, Private: priv, Public: &priv.PublicKey, CreatedAt: now}
	sk := SigningKey{
		KID:              kid,
		Algorithm:        AlgorithmRS256,
		PublicPEM:        pubPEM,
		EncryptedPrivate: sealed,
		Active:           true,
		CreatedAt:        now,
	}
	return kp, sk, nil
}

func (m *KeyManager) decode(sk SigningKey) (*KeyPair, error) {
	der, err := m.cipher.Open(sk.EncryptedPrivate, []byte(sk.KID))
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", sk.KID, err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key %s is not an RSA key", sk.KID)
	}
	return &KeyPair{
		KID:       sk.KID,
		Algorithm: sk.Algorithm,
		Private:   priv,
		Public:    &priv.PublicKey,
		CreatedAt: sk.CreatedAt,
	}, nil
}

func encodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
