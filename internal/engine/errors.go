package engine

import (
	"errors"
	"fmt"

	"pactline/internal/repo"
)

var (
	// ErrInvalidTransition rejects a lifecycle move the state machine does
	// not allow.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrFundingIncomplete blocks activation while escrow funding is below
	// the agreed total.
	ErrFundingIncomplete = errors.New("escrow funding incomplete")

	// ErrInvalidDisputeAmount rejects disputes or resolutions whose amounts
	// do not fit the escrow balances.
	ErrInvalidDisputeAmount = errors.New("invalid dispute amount")

	// ErrConcurrentModification means another writer updated the agreement
	// between read and write. The caller should reload and retry.
	ErrConcurrentModification = repo.ErrVersionConflict

	// ErrDuplicateExecution means a clause already ran for the same
	// triggering fact.
	ErrDuplicateExecution = errors.New("duplicate clause execution")
)

// ClauseActionError wraps a failure inside a clause action. The execution is
// recorded as failed; it does not stop evaluation of other clauses.
type ClauseActionError struct {
	ClauseID string
	Action   string
	Err      error
}

func (e *ClauseActionError) Error() string {
	return fmt.Sprintf("clause %s action %s: %v", e.ClauseID, e.Action, e.Err)
}

func (e *ClauseActionError) Unwrap() error { return e.Err }

func invalidTransition(kind, from, to string) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, kind, from, to)
}
