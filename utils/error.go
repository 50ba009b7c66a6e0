package utils

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrorRecordNotFound = errors.New("record not found")

// The execution core reports failures through a small closed set of error
// kinds. Callers match with errors.As on the concrete types instead of
// parsing message strings.

// ValidationError: bad input (non-positive quantity, wrong order state).
// Guaranteed to be raised before any side effect.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError: a referenced order/reservation/lot is missing.
// Guaranteed to be raised before any side effect.
type NotFoundError struct {
	Resource string
	Id       any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found (id=%v)", e.Resource, e.Id)
}

// OverConsumptionDetail carries the machine-readable totals a UI needs to
// re-confirm an over-production authorization. Must be surfaced verbatim.
type OverConsumptionDetail struct {
	TotalReserved        decimal.Decimal `json:"total_reserved"`
	CumulativeAfter      decimal.Decimal `json:"cumulative_after"`
	RemainingUnallocated decimal.Decimal `json:"remaining_unallocated"`
}

// ConflictError: over-consumption without authorization, or a lost
// concurrent-consumption race. No side effects have occurred.
type ConflictError struct {
	Message         string
	OverConsumption *OverConsumptionDetail
}

func (e *ConflictError) Error() string { return e.Message }

// InfrastructureError: the store is unavailable or timed out. Retryable;
// no implicit rollback is assumed beyond the explicit compensations of the
// output transaction.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("infrastructure failure in %s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

func WrapInfra(op string, err error) error {
	if err == nil {
		return nil
	}
	return &InfrastructureError{Op: op, Err: err}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsNotFound(err error) bool {
	var nfe *NotFoundError
	return errors.As(err, &nfe) || errors.Is(err, ErrorRecordNotFound)
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	ok := errors.As(err, &ce)
	return ce, ok
}

func IsInfrastructure(err error) bool {
	var ie *InfrastructureError
	return errors.As(err, &ie)
}
