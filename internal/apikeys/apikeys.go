// ABOUTME: Delegate API key lifecycle: issue-once secrets, listing, revocation, authentication
// ABOUTME: Secrets are bcrypt-hashed at rest and shown to the caller exactly once

package apikeys

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/toolgate/internal/store"
)

// Errors returned by the Service.
var (
	ErrInvalidName   = errors.New("name must be between 1 and 100 characters")
	ErrInvalidExpiry = errors.New("expiresAt must be in the future")
	ErrInvalidKey    = errors.New("invalid api key")
	ErrKeyRevoked    = errors.New("api key revoked")
	ErrKeyExpired    = errors.New("api key expired")

	// ErrNotFound is returned when revoking a key the user never had.
	ErrNotFound = store.ErrNotFound
)

const (
	// SecretPrefix starts every issued secret.
	SecretPrefix = "tgk_"

	// MaxNameLength is the longest accepted key name, in characters.
	MaxNameLength = 100

	secretBytes   = 32
	displayLength = len(SecretPrefix) + 8
)

// Key is the public view of an API key. It never carries the secret or its hash.
type Key struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt"`
	Revoked    bool       `json:"revoked"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// Created is returned once, when a key is issued.
type Created struct {
	Key    Key    `json:"key"`
	Secret string `json:"secretKey"`
}

// Identity is who an authenticated secret belongs to.
type Identity struct {
	UserID string
	KeyID  string
}

// Config contains configuration options for the Service.
type Config struct {
	Store      store.APIKeyStore
	Logger     *slog.Logger
	BcryptCost int              // bcrypt.DefaultCost when zero
	Now        func() time.Time // time.Now when nil

	// OnRevoke runs after a key moves from active to revoked, while the key's
	// lock is still held. It never runs for a repeated revocation.
	OnRevoke func(userID, keyID string)
}

// Service manages delegate API keys.
type Service struct {
	store    store.APIKeyStore
	logger   *slog.Logger
	cost     int
	now      func() time.Time
	onRevoke func(userID, keyID string)

	locks sync.Map // key ID -> *sync.Mutex
}

// New creates a Service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		store:    cfg.Store,
		logger:   logger.With("component", "apikeys"),
		cost:     cost,
		now:      now,
		onRevoke: cfg.OnRevoke,
	}
}

// SetOnRevoke replaces the revocation hook. It must be called before the
// service is used concurrently.
func (s *Service) SetOnRevoke(fn func(userID, keyID string)) {
	s.onRevoke = fn
}

func (s *Service) lockFor(keyID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(keyID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func toKey(k *store.APIKey) Key {
	return Key{
		ID:         k.ID,
		Name:       k.Name,
		Prefix:     k.Prefix,
		CreatedAt:  k.CreatedAt,
		ExpiresAt:  k.ExpiresAt,
		Revoked:    k.Revoked(),
		RevokedAt:  k.RevokedAt,
		LastUsedAt: k.LastUsedAt,
	}
}

// ValidateName trims and checks a key name.
func ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n < 1 || n > MaxNameLength {
		return "", ErrInvalidName
	}
	return name, nil
}

// Create issues a new key for the user. The returned secret is not stored and
// cannot be retrieved again.
func (s *Service) Create(ctx context.Context, userID, name string, expiresAt *time.Time) (*Created, error) {
	name, err := ValidateName(name)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if expiresAt != nil {
		if !expiresAt.After(now) {
			return nil, ErrInvalidExpiry
		}
		utc := expiresAt.UTC()
		expiresAt = &utc
	}

	keyID := uuid.New()
	random, err := randomSecret()
	if err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	secret := SecretPrefix + strings.ReplaceAll(keyID.String(), "-", "") + "_" + random

	hash, err := bcrypt.GenerateFromPassword([]byte(random), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hashing secret: %w", err)
	}

	record := &store.APIKey{
		ID:         keyID.String(),
		UserID:     userID,
		Name:       name,
		Prefix:     secret[:displayLength],
		SecretHash: hash,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}
	if err := s.store.CreateAPIKey(ctx, record); err != nil {
		return nil, fmt.Errorf("storing api key: %w", err)
	}

	s.logger.Info("api key created", "key_id", record.ID, "user_id", userID, "expires_at", expiresAt)
	return &Created{Key: toKey(record), Secret: secret}, nil
}

// List returns the user's keys, revoked ones included.
func (s *Service) List(ctx context.Context, userID string) ([]Key, error) {
	records, err := s.store.ListAPIKeys(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}

	keys := make([]Key, 0, len(records))
	for _, r := range records {
		keys = append(keys, toKey(r))
	}
	return keys, nil
}

// Revoke revokes the user's key. Revoking an already-revoked key succeeds
// without side effects; a key that never existed for the user returns
// ErrNotFound.
func (s *Service) Revoke(ctx context.Context, userID, keyID string) error {
	mu := s.lockFor(keyID)
	mu.Lock()
	defer mu.Unlock()

	changed, err := s.store.RevokeAPIKey(ctx, userID, keyID, s.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}

	if !changed {
		s.logger.Debug("api key already revoked", "key_id", keyID, "user_id", userID)
		return nil
	}

	s.logger.Info("api key revoked", "key_id", keyID, "user_id", userID)
	if s.onRevoke != nil {
		s.onRevoke(userID, keyID)
	}
	return nil
}

// Authenticate resolves a raw secret to its owner. Expiry is checked against
// the current time on every call.
func (s *Service) Authenticate(ctx context.Context, secret string) (*Identity, error) {
	keyID, random, ok := parseSecret(secret)
	if !ok {
		return nil, ErrInvalidKey
	}

	record, err := s.store.GetAPIKey(ctx, keyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("loading api key: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword(record.SecretHash, []byte(random)); err != nil {
		return nil, ErrInvalidKey
	}

	now := s.now()
	if record.Revoked() {
		return nil, ErrKeyRevoked
	}
	if record.Expired(now) {
		return nil, ErrKeyExpired
	}

	if err := s.store.TouchAPIKey(ctx, record.ID, now.UTC()); err != nil {
		s.logger.Warn("failed to record api key use", "key_id", record.ID, "error", err)
	}

	return &Identity{UserID: record.UserID, KeyID: record.ID}, nil
}

func randomSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// parseSecret splits "tgk_<32 hex>_<random>" into the key id and random part.
func parseSecret(secret string) (keyID, random string, ok bool) {
	rest, found := strings.CutPrefix(secret, SecretPrefix)
	if !found {
		return "", "", false
	}
	hexID, random, found := strings.Cut(rest, "_")
	if !found || len(hexID) != 32 || random == "" {
		return "", "", false
	}
	id, err := uuid.Parse(hexID)
	if err != nil {
		return "", "", false
	}
	return id.String(), random, true
}
