package ledger

import "errors"

var (
	// ErrBudgetExhausted is returned by Preflight when the user's remaining
	// budget is zero or negative, or when the estimated cost of the request
	// would exceed it.
	ErrBudgetExhausted = errors.New("ledger: token budget exhausted")

	// ErrSessionNotFound is returned when a session id does not exist or
	// belongs to another user.
	ErrSessionNotFound = errors.New("ledger: session not found")

	// ErrNoteNotFound is returned when a note id does not exist or belongs
	// to another user.
	ErrNoteNotFound = errors.New("ledger: note not found")

	// ErrReservationSettled is returned when Record or Abort is called for a
	// reservation that was already consumed.
	ErrReservationSettled = errors.New("ledger: reservation already settled")
)
