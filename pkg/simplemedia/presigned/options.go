package presigned

import (
	"log/slog"
	"time"
)

// Option is a functional option for configuring a Signer
type Option func(*Signer)

// WithSecretKey sets the secret key used for HMAC signing
// The key should be at least 32 bytes for security
func WithSecretKey(key string) Option {
	return func(s *Signer) {
		s.secretKey = []byte(key)
	}
}

// WithDefaultExpiration sets the lifetime used when BuildSignedURL is
// called with a zero duration. Default is 1 hour.
func WithDefaultExpiration(duration time.Duration) Option {
	return func(s *Signer) {
		s.defaultExpiration = duration
	}
}

// WithClock replaces time.Now for issuing and checking expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

// WithLogger sets the logger RequireSignature reports rejections to.
func WithLogger(l *slog.Logger) Option {
	return func(s *Signer) {
		s.logger = l
	}
}
