package activitypub

import "errors"

// Verification failures. Every one of them makes the inbound request
// unauthenticated; they are kept distinct so callers and logs can tell
// which check tripped.
var (
	ErrDigestMismatch         = errors.New("digest mismatch")
	ErrMissingTimestamp       = errors.New("signature covers no date or (created)")
	ErrClockSkewExceeded      = errors.New("signature timestamp outside allowed clock skew")
	ErrUnknownSignatureScheme = errors.New("unknown signature scheme")
	ErrSignatureInvalid       = errors.New("invalid signature")
	ErrUnresolvedContext      = errors.New("unresolved JSON-LD context")
	ErrMissingSignature       = errors.New("no signature")
	ErrMalformedActivity      = errors.New("malformed activity")
)

var ErrKeyGeneration = errors.New("key generation failed")
