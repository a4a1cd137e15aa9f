package recovery

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidUserID        = errors.New("user id is required")
	ErrInvalidThreshold     = errors.New("invalid share threshold")
	ErrKitNotFound          = errors.New("recovery kit not found")
	ErrShareNotFound        = errors.New("recovery share not found")
	ErrKitConflict          = errors.New("active recovery kit changed concurrently")
	ErrNoActiveKit          = errors.New("no active recovery kit")
	ErrKitExpired           = errors.New("recovery kit expired")
	ErrInsufficientShares   = errors.New("insufficient valid recovery shares")
	ErrReconstructionFailed = errors.New("recovery secret reconstruction failed")
	ErrInvalidTransition    = errors.New("invalid share distribution transition")
	ErrShareImmutable       = errors.New("delivered share cannot be modified")
	ErrInvalidHolderKey     = errors.New("invalid share holder public key")
	ErrInvalidCommitment    = errors.New("invalid kit commitment")
)

const (
	KindValidation = "validation"
	KindState      = "state"
	KindIntegrity  = "integrity"
	KindStorage    = "storage"
	KindEntropy    = "entropy"
)

// OpError tags an engine failure with a kind and a correlation id that also
// appears in the audit trail.
type OpError struct {
	Op            string
	Kind          string
	CorrelationID string
	Err           error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("recovery %s failed (%s, correlation=%s): %v", e.Op, e.Kind, e.CorrelationID, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func kindOf(err error) string {
	switch {
	case errors.Is(err, ErrInvalidUserID), errors.Is(err, ErrInvalidThreshold),
		errors.Is(err, ErrInvalidHolderKey), errors.Is(err, ErrInvalidTransition):
		return KindValidation
	case errors.Is(err, ErrInsufficientShares), errors.Is(err, ErrReconstructionFailed):
		return KindIntegrity
	case errors.Is(err, ErrNoActiveKit), errors.Is(err, ErrKitExpired), errors.Is(err, ErrKitConflict),
		errors.Is(err, ErrKitNotFound), errors.Is(err, ErrShareNotFound),
		errors.Is(err, ErrShareImmutable):
		return KindState
	default:
		return KindStorage
	}
}
