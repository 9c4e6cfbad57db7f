// Package token manages the bearer credentials minted by the device
// flow: issuing, validating, and rotating device token pairs, and the
// static API keys issued alongside them.
package token

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/corralhq/corral/internal/store"
)

const (
	// DefaultTokenTTL is the access token lifetime.
	DefaultTokenTTL = 30 * 24 * time.Hour

	// DefaultRefreshTTL is the refresh token lifetime.
	DefaultRefreshTTL = 90 * 24 * time.Hour

	// APIKeyPrefix marks a bearer credential as an API key rather than
	// a device token.
	APIKeyPrefix = "sk_"

	// PrefixDisplayLen is how many leading characters of an API key are
	// safe to show after creation.
	PrefixDisplayLen = 8

	// tokenLength is the length of generated token and key bodies.
	tokenLength = 48

	// tokenAlphabet is the mixed-case alphanumeric alphabet tokens are
	// drawn from. Tokens are opaque: validity comes from store lookup,
	// so revocation is immediate and needs no blocklist.
	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Errors surfaced by the token lifecycle.
var (
	// ErrInvalidRefreshToken indicates an unknown, expired, or
	// already-rotated refresh token.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	// ErrKeyNotFound indicates the API key id does not exist.
	ErrKeyNotFound = errors.New("api key not found")

	// ErrNotKeyOwner indicates the requester does not own the API key.
	ErrNotKeyOwner = errors.New("not the key owner")
)

// Manager issues, validates, and rotates device tokens and API keys on
// top of a credential store.
type Manager struct {
	store      store.CredentialStore
	tokenTTL   time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTokenTTL sets the access token lifetime.
func WithTokenTTL(d time.Duration) Option {
	return func(m *Manager) {
		m.tokenTTL = d
	}
}

// WithRefreshTTL sets the refresh token lifetime.
func WithRefreshTTL(d time.Duration) Option {
	return func(m *Manager) {
		m.refreshTTL = d
	}
}

// WithClock overrides the time source. Tests use this to drive expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a token lifecycle manager.
func NewManager(credStore store.CredentialStore, opts ...Option) *Manager {
	m := &Manager{
		store:      credStore,
		tokenTTL:   DefaultTokenTTL,
		refreshTTL: DefaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue mints a new token pair for a user. Called from the device flow
// exchange after the authorization has been consumed.
func (m *Manager) Issue(ctx context.Context, userID string) (*store.DeviceToken, error) {
	accessToken, err := generateToken(tokenLength)
	if err != nil {
		return nil, fmt.Errorf("generating access token: %w", err)
	}
	refreshToken, err := generateToken(tokenLength)
	if err != nil {
		return nil, fmt.Errorf("generating refresh token: %w", err)
	}

	now := m.now()
	token := &store.DeviceToken{
		Token:            accessToken,
		RefreshToken:     refreshToken,
		UserID:           userID,
		ExpiresAt:        now.Add(m.tokenTTL),
		RefreshExpiresAt: now.Add(m.refreshTTL),
		LastUsed:         now,
		CreatedAt:        now,
	}
	if err := m.store.SaveDeviceToken(ctx, token); err != nil {
		return nil, fmt.Errorf("saving device token: %w", err)
	}
	return token, nil
}

// Validate resolves a bearer credential to a user id. API keys are
// recognized by their prefix; everything else is looked up as a device
// token. Expired, revoked, and never-issued credentials all resolve to
// "", nil so callers cannot tell them apart.
func (m *Manager) Validate(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", nil
	}
	now := m.now()

	if strings.HasPrefix(credential, APIKeyPrefix) {
		key, err := m.store.GetAPIKeyByKey(ctx, credential)
		if err != nil {
			return "", err
		}
		if key == nil || key.Expired(now) {
			return "", nil
		}
		if err := m.store.TouchAPIKey(ctx, key.ID, now); err != nil {
			return "", err
		}
		return key.UserID, nil
	}

	token, err := m.store.GetDeviceToken(ctx, credential)
	if err != nil {
		return "", err
	}
	if token == nil || now.After(token.ExpiresAt) {
		return "", nil
	}
	if err := m.store.TouchDeviceToken(ctx, credential, now); err != nil {
		return "", err
	}
	return token.UserID, nil
}

// Rotate exchanges a refresh token for a new pair, invalidating the old
// pair atomically. Granting a new pair while the old one stays valid
// would allow unbounded credential duplication, so a rotation that
// loses the conditional swap fails with ErrInvalidRefreshToken.
func (m *Manager) Rotate(ctx context.Context, refreshToken string) (*store.DeviceToken, error) {
	current, err := m.store.GetDeviceTokenByRefresh(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("getting device token: %w", err)
	}
	if current == nil || m.now().After(current.RefreshExpiresAt) {
		return nil, ErrInvalidRefreshToken
	}

	accessToken, err := generateToken(tokenLength)
	if err != nil {
		return nil, fmt.Errorf("generating access token: %w", err)
	}
	newRefresh, err := generateToken(tokenLength)
	if err != nil {
		return nil, fmt.Errorf("generating refresh token: %w", err)
	}

	now := m.now()
	next := &store.DeviceToken{
		Token:            accessToken,
		RefreshToken:     newRefresh,
		UserID:           current.UserID,
		ExpiresAt:        now.Add(m.tokenTTL),
		RefreshExpiresAt: now.Add(m.refreshTTL),
		LastUsed:         now,
		CreatedAt:        now,
	}

	rotated, err := m.store.RotateDeviceToken(ctx, refreshToken, next)
	if err != nil {
		return nil, fmt.Errorf("rotating device token: %w", err)
	}
	if !rotated {
		return nil, ErrInvalidRefreshToken
	}
	return next, nil
}

// CreateAPIKey mints a new API key. The returned record carries the full
// key value; this is the only time it leaves the store.
func (m *Manager) CreateAPIKey(ctx context.Context, userID, name, permissions string) (*store.APIKey, error) {
	if permissions == "" {
		permissions = "*"
	}

	body, err := generateToken(tokenLength)
	if err != nil {
		return nil, fmt.Errorf("generating api key: %w", err)
	}
	fullKey := APIKeyPrefix + body

	now := m.now()
	key := &store.APIKey{
		ID:          uuid.New().String(),
		Key:         fullKey,
		Prefix:      fullKey[:PrefixDisplayLen],
		UserID:      userID,
		Name:        name,
		Permissions: permissions,
		LastUsed:    now,
		CreatedAt:   now,
	}
	if err := m.store.SaveAPIKey(ctx, key); err != nil {
		return nil, fmt.Errorf("saving api key: %w", err)
	}
	return key, nil
}

// ListAPIKeys returns a user's keys for display. The full key value is
// stripped; only the prefix survives creation.
func (m *Manager) ListAPIKeys(ctx context.Context, userID string) ([]*store.APIKey, error) {
	keys, err := m.store.ListAPIKeys(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	for _, key := range keys {
		key.Key = ""
	}
	return keys, nil
}

// RevokeAPIKey deletes a key. Only the owner may revoke it.
func (m *Manager) RevokeAPIKey(ctx context.Context, id, requesterID string) error {
	key, err := m.store.GetAPIKey(ctx, id)
	if err != nil {
		return fmt.Errorf("getting api key: %w", err)
	}
	if key == nil {
		return ErrKeyNotFound
	}
	if key.UserID != requesterID {
		return ErrNotKeyOwner
	}
	if err := m.store.DeleteAPIKey(ctx, id); err != nil {
		return fmt.Errorf("deleting api key: %w", err)
	}
	return nil
}

// generateToken generates a random token of the given length from the
// mixed-case alphanumeric alphabet, rejecting bytes that would
// introduce modulo bias.
func generateToken(length int) (string, error) {
	setLen := len(tokenAlphabet)
	maxUsable := 256 - (256 % setLen)

	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= maxUsable {
				continue
			}
			out = append(out, tokenAlphabet[int(b)%setLen])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
