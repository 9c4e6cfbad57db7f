// Package store defines the persistence contracts for device
// authorizations, bearer credentials, and usage counters, with
// interchangeable in-memory, SQL, and Redis backends.
package store

import (
	"context"
	"time"
)

// AuthorizationStatus tracks the lifecycle of a device authorization.
type AuthorizationStatus string

const (
	StatusPending    AuthorizationStatus = "pending"
	StatusAuthorized AuthorizationStatus = "authorized"
	StatusDenied     AuthorizationStatus = "denied"
)

// DeviceAuthorization represents one in-flight device grant attempt.
// The record is created pending, transitions exactly once to authorized
// or denied, and is deleted when the grant is consumed or expires.
type DeviceAuthorization struct {
	DeviceCode string              // opaque polling credential, unique
	UserCode   string              // normalized human code (no separator), unique
	Status     AuthorizationStatus
	UserID     string              // set when status becomes authorized
	ClientID   string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Expired reports whether the authorization is past its deadline.
func (a *DeviceAuthorization) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// DeviceToken is a long-lived credential pair bound to one user.
type DeviceToken struct {
	Token            string // access credential, unique
	RefreshToken     string // rotation credential, unique
	UserID           string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	LastUsed         time.Time
	CreatedAt        time.Time
}

// APIKey is a static long-lived credential independent of the device flow.
// The full Key value leaves the store exactly once, at creation; reads for
// display expose only Prefix.
type APIKey struct {
	ID          string
	Key         string
	Prefix      string // first characters of Key, safe to display
	UserID      string
	Name        string
	Permissions string // opaque scope string, "*" by default
	ExpiresAt   *time.Time
	LastUsed    time.Time
	CreatedAt   time.Time
}

// Expired reports whether the key is past its optional deadline.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// UsageRecord is a counter scoped to (user, meter, period). Records are
// unique on (UserID, MeterID, PeriodStart).
type UsageRecord struct {
	UserID      string
	MeterID     string
	Count       int64
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// CredentialStore persists device authorizations, device tokens, and API
// keys. Lookups for absent records return (nil, nil) so callers can map
// every miss to the same unauthenticated outcome.
type CredentialStore interface {
	// SaveDeviceAuthorization stores a new authorization record.
	SaveDeviceAuthorization(ctx context.Context, auth *DeviceAuthorization) error

	// GetDeviceAuthorization retrieves an authorization by device code.
	GetDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error)

	// GetDeviceAuthorizationByUserCode retrieves an authorization by its
	// normalized user code.
	GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error)

	// SetDeviceAuthorizationStatus transitions a pending authorization to
	// the given terminal status, recording userID on approval. It returns
	// the updated record, or (nil, nil) if the record is missing or no
	// longer pending.
	SetDeviceAuthorizationStatus(ctx context.Context, userCode string, status AuthorizationStatus, userID string) (*DeviceAuthorization, error)

	// ConsumeDeviceAuthorization atomically deletes the authorization and
	// returns it, but only if its current status matches. Under concurrent
	// calls for the same device code at most one caller receives the
	// record; the rest get (nil, nil).
	ConsumeDeviceAuthorization(ctx context.Context, deviceCode string, status AuthorizationStatus) (*DeviceAuthorization, error)

	// DeleteDeviceAuthorization removes an authorization unconditionally.
	// Deleting an absent record is not an error.
	DeleteDeviceAuthorization(ctx context.Context, deviceCode string) error

	// SaveDeviceToken stores a new token pair.
	SaveDeviceToken(ctx context.Context, token *DeviceToken) error

	// GetDeviceToken retrieves a token pair by its access token.
	GetDeviceToken(ctx context.Context, token string) (*DeviceToken, error)

	// GetDeviceTokenByRefresh retrieves a token pair by its refresh token.
	GetDeviceTokenByRefresh(ctx context.Context, refreshToken string) (*DeviceToken, error)

	// TouchDeviceToken updates the token's last-used timestamp.
	TouchDeviceToken(ctx context.Context, token string, when time.Time) error

	// RotateDeviceToken atomically replaces the pair identified by
	// oldRefresh with next. It reports false if oldRefresh no longer
	// identifies a live pair (unknown, or lost a concurrent rotation).
	RotateDeviceToken(ctx context.Context, oldRefresh string, next *DeviceToken) (bool, error)

	// SaveAPIKey stores a new API key.
	SaveAPIKey(ctx context.Context, key *APIKey) error

	// GetAPIKeyByKey retrieves a key record by its full key value.
	GetAPIKeyByKey(ctx context.Context, key string) (*APIKey, error)

	// GetAPIKey retrieves a key record by id.
	GetAPIKey(ctx context.Context, id string) (*APIKey, error)

	// ListAPIKeys returns all keys owned by a user, newest first.
	ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error)

	// TouchAPIKey updates the key's last-used timestamp.
	TouchAPIKey(ctx context.Context, id string, when time.Time) error

	// DeleteAPIKey removes a key by id.
	DeleteAPIKey(ctx context.Context, id string) error

	// CheckHealth verifies the backend is reachable.
	CheckHealth(ctx context.Context) error
}

// UsageStore persists per-user per-meter counters keyed by period start.
type UsageStore interface {
	// IncrementUsage atomically adds amount to the counter for
	// (userID, meterID, periodStart), creating it if absent, and returns
	// the new count. Concurrent increments must not lose updates.
	IncrementUsage(ctx context.Context, userID, meterID string, amount int64, periodStart, periodEnd time.Time) (int64, error)

	// GetUsage retrieves the counter for one meter in the given period,
	// or (nil, nil) if nothing has been tracked.
	GetUsage(ctx context.Context, userID, meterID string, periodStart time.Time) (*UsageRecord, error)

	// ListUsage returns all counters for a user in the given period.
	ListUsage(ctx context.Context, userID string, periodStart time.Time) ([]*UsageRecord, error)

	// ResetUsageBefore deletes counters for a meter with a period start
	// strictly before the cutoff. Cleanup only; period keys are disjoint.
	ResetUsageBefore(ctx context.Context, meterID string, cutoff time.Time) error
}

// Store combines the credential and usage contracts; every backend
// implements both.
type Store interface {
	CredentialStore
	UsageStore
}
