package deviceflow

import "time"

// Option configures a Flow.
type Option func(*Flow)

// WithExpiry sets how long a device authorization stays exchangeable.
func WithExpiry(d time.Duration) Option {
	return func(f *Flow) {
		f.expiry = d
	}
}

// WithPollInterval sets the polling interval hint returned to clients.
func WithPollInterval(d time.Duration) Option {
	return func(f *Flow) {
		f.pollInterval = d
	}
}

// WithClock overrides the time source. Tests use this to drive expiry.
func WithClock(now func() time.Time) Option {
	return func(f *Flow) {
		f.now = now
	}
}
