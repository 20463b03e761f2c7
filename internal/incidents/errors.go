package incidents

import (
	"errors"
	"fmt"
)

// Store errors. NotFound, InvalidState, DuplicateID and InvalidIncident are
// expected outcomes reported back to the caller.
var (
	ErrNotFound        = errors.New("incident not found")
	ErrInvalidState    = errors.New("action not allowed in current incident state")
	ErrDuplicateID     = errors.New("incident id already exists")
	ErrInvalidIncident = errors.New("invalid incident")
)

// ErrBackendFailure marks persistence errors: I/O, encoding or transaction
// failures. The operation that returned it left the store unchanged.
var ErrBackendFailure = errors.New("backend failure")

// BackendError wraps err so that errors.Is(result, ErrBackendFailure) holds
// while the original cause stays reachable through errors.Is/As.
func BackendError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrBackendFailure, err)
}
