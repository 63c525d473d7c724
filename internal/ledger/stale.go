// Package ledger holds the error contract shared by the durable record
// stores (task ledger, proposal ledger, workspace registry).
package ledger

import (
	"errors"
	"fmt"

	"github.com/kazz187/mergeguild/pkg/cerr"
)

// StaleStateError reports a compare-and-swap mismatch: the record changed
// between the caller's read and its conditional write. Losing a race is an
// expected outcome of the claim and review protocols, never a failure;
// callers retry against a different target or re-read and decide again.
type StaleStateError struct {
	Kind     string // record kind: "task", "proposal", "workspace"
	ID       string
	Expected string
	Actual   string
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("%s %s: expected %q, found %q", e.Kind, e.ID, e.Expected, e.Actual)
}

// IsStale reports whether err is (or wraps) a StaleStateError.
func IsStale(err error) bool {
	var stale *StaleStateError
	return errors.As(err, &stale)
}

// ToAPIError maps a stale-state loss onto the wire taxonomy: a CAS mismatch
// surfaces as Aborted (HTTP 409) so clients know to re-read and retry
// elsewhere. Other errors pass through unchanged.
func ToAPIError(err error) error {
	var stale *StaleStateError
	if errors.As(err, &stale) {
		return cerr.NewError(cerr.Aborted, stale.Error(), err)
	}
	return err
}
