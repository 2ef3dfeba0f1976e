package errors

import "errors"

// Key lifecycle errors. ErrNotFound covers both unknown and revoked keys so
// callers cannot tell which keys once existed.
var (
	ErrNotFound         = errors.New("key not found or revoked")
	ErrNoRefreshToken   = errors.New("credential has no refresh token")
	ErrProviderRejected = errors.New("provider rejected token refresh")
)

// Server/storage errors.
var (
	ErrStorage = errors.New("credential store write failed")
)
