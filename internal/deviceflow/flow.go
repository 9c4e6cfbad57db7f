// Package deviceflow implements the device authorization grant: a
// headless client obtains a device code and a short user code, a human
// approves or denies the user code from an authenticated browser
// session, and the client exchanges the device code for a token pair.
package deviceflow

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/corralhq/corral/internal/store"
	"github.com/corralhq/corral/internal/validation"
)

const (
	// DefaultExpiry is how long an authorization stays exchangeable.
	DefaultExpiry = 10 * time.Minute

	// DefaultPollInterval is the client polling hint in seconds.
	DefaultPollInterval = 2 * time.Second

	// deviceCodeBytes is the entropy of the device code; hex encoding
	// doubles it to 64 characters on the wire.
	deviceCodeBytes = 32
)

// Flow orchestrates the three-step device grant against a credential
// store. Expiry is enforced lazily by comparing ExpiresAt at read time;
// there is no background sweeper.
type Flow struct {
	store           store.CredentialStore
	verificationURL string
	expiry          time.Duration
	pollInterval    time.Duration
	now             func() time.Time
}

// NewFlow creates a device flow manager. verificationURL is the browser
// page where the human enters the user code.
func NewFlow(credStore store.CredentialStore, verificationURL string, opts ...Option) *Flow {
	f := &Flow{
		store:           credStore,
		verificationURL: verificationURL,
		expiry:          DefaultExpiry,
		pollInterval:    DefaultPollInterval,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Authorization is the response to a device code request.
type Authorization struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURL         string `json:"verificationUrl"`
	VerificationURLComplete string `json:"verificationUrlComplete,omitempty"`
	ExpiresIn               int    `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

// Authorize starts a new device grant. It never requires authentication:
// the device code itself is the credential for the rest of the flow.
func (f *Flow) Authorize(ctx context.Context, clientID string) (*Authorization, error) {
	deviceCode, err := generateDeviceCode()
	if err != nil {
		return nil, fmt.Errorf("generating device code: %w", err)
	}

	userCode, err := generateUserCode()
	if err != nil {
		return nil, fmt.Errorf("generating user code: %w", err)
	}

	now := f.now()
	auth := &store.DeviceAuthorization{
		DeviceCode: deviceCode,
		UserCode:   userCode, // stored normalized, no separator
		Status:     store.StatusPending,
		ClientID:   clientID,
		ExpiresAt:  now.Add(f.expiry),
		CreatedAt:  now,
	}
	if err := f.store.SaveDeviceAuthorization(ctx, auth); err != nil {
		return nil, fmt.Errorf("saving device authorization: %w", err)
	}

	display := validation.FormatCode(userCode)
	return &Authorization{
		DeviceCode:              deviceCode,
		UserCode:                display,
		VerificationURL:         f.verificationURL,
		VerificationURLComplete: f.verificationURL + "?code=" + url.QueryEscape(display),
		ExpiresIn:               int(f.expiry.Seconds()),
		Interval:                int(f.pollInterval.Seconds()),
	}, nil
}

// Verify records the human's decision for a user code. The caller must
// already be authenticated; userID is the approving user. A pending
// authorization transitions exactly once, to authorized or denied;
// unknown, expired, and already-decided codes all report
// ErrInvalidUserCode so the browser shows one "invalid code" message.
func (f *Flow) Verify(ctx context.Context, userCode, userID string, approve bool) error {
	if err := validation.ValidateUserCode(userCode); err != nil {
		return ErrInvalidUserCode
	}
	normalized := validation.NormalizeCode(userCode)

	auth, err := f.store.GetDeviceAuthorizationByUserCode(ctx, normalized)
	if err != nil {
		return fmt.Errorf("getting device authorization: %w", err)
	}
	if auth == nil {
		return ErrInvalidUserCode
	}
	if auth.Expired(f.now()) {
		// Lazy cleanup; the poller would delete it too.
		_ = f.store.DeleteDeviceAuthorization(ctx, auth.DeviceCode)
		return ErrInvalidUserCode
	}

	status := store.StatusDenied
	approvedBy := ""
	if approve {
		status = store.StatusAuthorized
		approvedBy = userID
	}

	updated, err := f.store.SetDeviceAuthorizationStatus(ctx, normalized, status, approvedBy)
	if err != nil {
		return fmt.Errorf("updating device authorization: %w", err)
	}
	if updated == nil {
		return ErrInvalidUserCode
	}
	return nil
}

// Exchange consumes an authorized device code and returns the user it
// was approved for. The consumption is atomic: concurrent exchanges of
// the same device code yield exactly one success, the rest see
// ErrInvalidDeviceCode. Denied and expired records are removed on the
// poll that observes them.
func (f *Flow) Exchange(ctx context.Context, deviceCode string) (string, error) {
	auth, err := f.store.GetDeviceAuthorization(ctx, deviceCode)
	if err != nil {
		return "", fmt.Errorf("getting device authorization: %w", err)
	}
	if auth == nil {
		return "", ErrInvalidDeviceCode
	}

	if auth.Expired(f.now()) {
		if err := f.store.DeleteDeviceAuthorization(ctx, deviceCode); err != nil {
			return "", fmt.Errorf("deleting expired authorization: %w", err)
		}
		return "", ErrExpiredCode
	}

	switch auth.Status {
	case store.StatusPending:
		return "", ErrAuthorizationPending

	case store.StatusDenied:
		// Denial is single-use as well: consume the record so the code
		// cannot be probed forever.
		if _, err := f.store.ConsumeDeviceAuthorization(ctx, deviceCode, store.StatusDenied); err != nil {
			return "", fmt.Errorf("consuming denied authorization: %w", err)
		}
		return "", ErrAccessDenied

	case store.StatusAuthorized:
		consumed, err := f.store.ConsumeDeviceAuthorization(ctx, deviceCode, store.StatusAuthorized)
		if err != nil {
			return "", fmt.Errorf("consuming authorization: %w", err)
		}
		if consumed == nil {
			// A concurrent poller won the exchange.
			return "", ErrInvalidDeviceCode
		}
		return consumed.UserID, nil

	default:
		return "", ErrInvalidDeviceCode
	}
}

// CheckHealth verifies the flow's storage backend is reachable.
func (f *Flow) CheckHealth(ctx context.Context) error {
	return f.store.CheckHealth(ctx)
}
