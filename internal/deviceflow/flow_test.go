package deviceflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/corralhq/corral/internal/store"
	"github.com/corralhq/corral/internal/validation"
)

const verificationURL = "http://localhost:3000/device"

func newTestFlow(opts ...Option) (*Flow, *store.MemoryStore) {
	s := store.NewMemoryStore()
	return NewFlow(s, verificationURL, opts...), s
}

func TestAuthorize(t *testing.T) {
	flow, _ := newTestFlow()
	ctx := context.Background()

	authz, err := flow.Authorize(ctx, "test-client")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	if len(authz.DeviceCode) != 64 {
		t.Errorf("device code length = %d, want 64", len(authz.DeviceCode))
	}
	if err := validation.ValidateUserCode(authz.UserCode); err != nil {
		t.Errorf("user code %q invalid: %v", authz.UserCode, err)
	}
	if authz.VerificationURL != verificationURL {
		t.Errorf("verification URL = %q, want %q", authz.VerificationURL, verificationURL)
	}
	if !strings.Contains(authz.VerificationURLComplete, "code=") {
		t.Errorf("complete URL %q missing code parameter", authz.VerificationURLComplete)
	}
	if authz.ExpiresIn != int(DefaultExpiry.Seconds()) {
		t.Errorf("expiresIn = %d, want %d", authz.ExpiresIn, int(DefaultExpiry.Seconds()))
	}
	if authz.Interval != int(DefaultPollInterval.Seconds()) {
		t.Errorf("interval = %d, want %d", authz.Interval, int(DefaultPollInterval.Seconds()))
	}
}

func TestAuthorizeCodesAreUnique(t *testing.T) {
	flow, _ := newTestFlow()
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		authz, err := flow.Authorize(ctx, "")
		if err != nil {
			t.Fatalf("Authorize: %v", err)
		}
		if seen[authz.DeviceCode] {
			t.Fatalf("duplicate device code %q", authz.DeviceCode)
		}
		seen[authz.DeviceCode] = true
	}
}

func TestExchangePending(t *testing.T) {
	flow, _ := newTestFlow()
	ctx := context.Background()

	authz, err := flow.Authorize(ctx, "")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	_, err = flow.Exchange(ctx, authz.DeviceCode)
	if !errors.Is(err, ErrAuthorizationPending) {
		t.Errorf("Exchange before verify = %v, want ErrAuthorizationPending", err)
	}

	// Pending polls must not consume the record.
	_, err = flow.Exchange(ctx, authz.DeviceCode)
	if !errors.Is(err, ErrAuthorizationPending) {
		t.Errorf("second Exchange = %v, want ErrAuthorizationPending", err)
	}
}

func TestVerifyApproveAndExchange(t *testing.T) {
	flow, _ := newTestFlow()
	ctx := context.Background()

	authz, err := flow.Authorize(ctx, "")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	if err := flow.Verify(ctx, authz.UserCode, "user-1", true); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	userID, err := flow.Exchange(ctx, authz.DeviceCode)
	if err != nil {
		t.Fatalf("Exchange after approval: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("Exchange userID = %q, want user-1", userID)
	}

	// Consumed exactly once: the same device code never works again.
	_, err = flow.Exchange(ctx, authz.DeviceCode)
	if !errors.Is(err, ErrInvalidDeviceCode) {
		t.Errorf("Exchange after consume = %v, want ErrInvalidDeviceCode", err)
	}
}

func TestVerifyDeny(t *testing.T) {
	flow, _ := newTestFlow()
	ctx := context.Background()

	authz, err := flow.Authorize(ctx, "")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	if err := flow.Verify(ctx, authz.UserCode, "user-1", false); err != nil {
		t.Fatalf("Verify deny: %v", err)
	}

	_, err = flow.Exchange(ctx, authz.DeviceCode)
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Exchange after deny = %v, want ErrAccessDenied", err)
	}

	// The denial consumed the record.
	_, err = flow.Exchange(ctx, authz.DeviceCode)
	if !errors.Is(err, ErrInvalidDeviceCode) {
		t.Errorf("Exchange after denial consumed = %v, want ErrInvalidDeviceCode", err)
	}
}

func TestVerifyErrors(t *testing.T) {
	flow, _ := newTestFlow()
	ctx := context.Background()

	authz, err := flow.Authorize(ctx, "")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if err := flow.Verify(ctx, authz.UserCode, "user-1", true); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	tests := []struct {
		name     string
		userCode string
	}{
		{name: "unknown code", userCode: "BCDF-GHJK"},
		{name: "malformed code", userCode: "nope"},
		{name: "already decided", userCode: authz.UserCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := flow.Verify(ctx, tt.userCode, "user-2", true)
			if !errors.Is(err, ErrInvalidUserCode) {
				t.Errorf("Verify(%q) = %v, want ErrInvalidUserCode", tt.userCode, err)
			}
		})
	}
}

func TestExchangeExpired(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	flow, s := newTestFlow(WithClock(func() time.Time { return clock() }))
	ctx := context.Background()

	authz, err := flow.Authorize(ctx, "")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if err := flow.Verify(ctx, authz.UserCode, "user-1", true); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	clock = func() time.Time { return now.Add(DefaultExpiry + time.Minute) }

	// Expiry wins regardless of prior status.
	_, err = flow.Exchange(ctx, authz.DeviceCode)
	if !errors.Is(err, ErrExpiredCode) {
		t.Errorf("Exchange after expiry = %v, want ErrExpiredCode", err)
	}

	// The expired record was deleted lazily.
	rec, err := s.GetDeviceAuthorization(ctx, authz.DeviceCode)
	if err != nil {
		t.Fatalf("GetDeviceAuthorization: %v", err)
	}
	if rec != nil {
		t.Error("expired authorization still present after poll")
	}

	_, err = flow.Exchange(ctx, authz.DeviceCode)
	if !errors.Is(err, ErrInvalidDeviceCode) {
		t.Errorf("Exchange after lazy delete = %v, want ErrInvalidDeviceCode", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	flow, _ := newTestFlow(WithClock(func() time.Time { return clock() }))
	ctx := context.Background()

	authz, err := flow.Authorize(ctx, "")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	clock = func() time.Time { return now.Add(DefaultExpiry + time.Minute) }

	err = flow.Verify(ctx, authz.UserCode, "user-1", true)
	if !errors.Is(err, ErrInvalidUserCode) {
		t.Errorf("Verify expired code = %v, want ErrInvalidUserCode", err)
	}
}

func TestExchangeConcurrentSingleWinner(t *testing.T) {
	flow, _ := newTestFlow()
	ctx := context.Background()

	authz, err := flow.Authorize(ctx, "")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if err := flow.Verify(ctx, authz.UserCode, "user-1", true); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	const pollers = 16
	var wg sync.WaitGroup
	results := make(chan error, pollers)

	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := flow.Exchange(ctx, authz.DeviceCode)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		} else if !errors.Is(err, ErrInvalidDeviceCode) {
			t.Errorf("unexpected exchange error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("concurrent exchanges succeeded %d times, want exactly 1", successes)
	}
}

func TestUserCodeGeneration(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := generateUserCode()
		if err != nil {
			t.Fatalf("generateUserCode: %v", err)
		}
		if len(code) != validation.CodeLength {
			t.Fatalf("code length = %d, want %d", len(code), validation.CodeLength)
		}
		if err := validation.ValidateUserCode(validation.FormatCode(code)); err != nil {
			t.Fatalf("generated code %q invalid: %v", code, err)
		}
	}
}
