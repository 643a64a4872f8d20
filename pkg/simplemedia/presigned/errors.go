package presigned

import (
	"errors"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// Signature validation errors. Verify wraps them in a *simplemedia.Error
// so callers can match either the specific cause or the code.
var (
	// ErrNoSecretKey is returned when signing or verifying without a configured secret key
	ErrNoSecretKey = errors.New("presigned: no secret key configured")

	// ErrMissingSignature is returned when the sig query parameter is missing
	ErrMissingSignature = errors.New("presigned: missing sig parameter")

	// ErrMissingExpiration is returned when the exp query parameter is missing
	ErrMissingExpiration = errors.New("presigned: missing exp parameter")

	// ErrInvalidExpiration is returned when the exp parameter cannot be parsed
	ErrInvalidExpiration = errors.New("presigned: invalid exp parameter")

	// ErrExpired is returned when the capability has expired
	ErrExpired = errors.New("presigned: URL has expired")

	// ErrInvalidSignature is returned when the signature does not match
	ErrInvalidSignature = errors.New("presigned: invalid signature")

	// ErrPurposeMismatch is returned when a valid capability is presented
	// for a different operation than it was issued for
	ErrPurposeMismatch = errors.New("presigned: purpose mismatch")
)

// IsAuthError returns true if the error is a signature validation error
func IsAuthError(err error) bool {
	return errors.Is(err, simplemedia.ErrSignatureInvalid) ||
		errors.Is(err, simplemedia.ErrSignatureExpired)
}

func denied(code simplemedia.Code, detail string, cause error) error {
	return simplemedia.NewError(code, "presigned.verify", detail, cause)
}
