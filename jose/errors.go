package jose

import "errors"

var (
	ErrMissingKey                  = errors.New("jose: signing key is nil")
	ErrInvalidTokenFormat          = errors.New("jose: token must have exactly three segments")
	ErrInvalidHeader               = errors.New("jose: unable to decode token header")
	ErrInvalidClaims               = errors.New("jose: unable to decode token claims")
	ErrUnsupportedAlgorithm        = errors.New("jose: unsupported signing algorithm")
	ErrSignatureVerificationFailed = errors.New("jose: signature verification failed")
	ErrTokenExpired                = errors.New("jose: token has expired")
	ErrTokenNotYetValid            = errors.New("jose: token is not yet valid")
	ErrSigningFailed               = errors.New("jose: unable to sign token")
)
