package transfer

import (
	"errors"
	"fmt"
)

// Error kinds. Ledger rejections and validation failures wrap one of them; callers check
// with errors.Is. ErrNotStored means the index a transfer held carries no vault
// transaction of that transfer.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotProvisioned    = errors.New("vault not provisioned")
	ErrIndexConflict     = errors.New("transaction index already used")
	ErrCheckpointExpired = errors.New("checkpoint expired")
	ErrInsufficientFunds = errors.New("insufficient vault balance")
	ErrPartialApproval   = errors.New("proposal not approved")
	ErrExecutionFailed   = errors.New("execution failed")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrAccountNotFound   = errors.New("account not found")
	ErrNotStored         = errors.New("transfer not stored at index")
)

// StageError records where a transfer stopped. Index is zero until an index was reserved.
type StageError struct {
	Stage Stage
	Index uint64
	Err   error
}

func (e *StageError) Error() string {
	if e.Index == 0 {
		return fmt.Sprintf("transfer failed at %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("transfer failed at %s (index %d): %v", e.Stage, e.Index, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Retryable reports whether err may succeed on a later attempt without caller action.
// PartialApproval and ExecutionFailed are retryable only from their own stage, see
// Orchestrator.Resume. Errors of no known kind come from infrastructure and are retryable.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrAccountNotFound):
		return false
	}
	return true
}

// validationError wraps ErrValidation with a reason.
func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
