package vaultcipher

import (
	"errors"
	"fmt"
)

var (
	// ErrDecryptionFailed covers every integrity failure. Callers cannot tell a
	// wrong key from a tampered field.
	ErrDecryptionFailed   = errors.New("decryption failed")
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported envelope version", ErrDecryptionFailed)
	ErrMalformedEnvelope  = fmt.Errorf("%w: malformed envelope", ErrDecryptionFailed)
	ErrInvalidKey         = errors.New("vault key must be 32 bytes")
	ErrUnknownAlgorithm   = errors.New("unknown envelope algorithm")
)

const (
	KindIntegrity = "integrity"
	KindVersion   = "version"
	KindIdentity  = "identity"
	KindInternal  = "internal"
)

// OpError tags a vault failure for operators. It never carries key or
// plaintext bytes.
type OpError struct {
	Op            string
	Kind          string
	CorrelationID string
	Err           error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("vault %s failed (%s, correlation=%s): %v", e.Op, e.Kind, e.CorrelationID, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func kindOf(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedVersion):
		return KindVersion
	case errors.Is(err, ErrDecryptionFailed):
		return KindIntegrity
	default:
		return KindInternal
	}
}
