package state

import "errors"

// Operation errors. Every command failure is classified into exactly one
// of these so transports can map them uniformly (HTTP status, NATS nak).
// Wrap with fmt.Errorf("%w: ...") and match with errors.Is.
var (
	// ErrInvalidInput rejects malformed commands before any state change:
	// bad duration, unknown token, stake below the USD minimum, or a stake
	// edit under the halving floor.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized rejects a caller that does not own the habit.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrStateConflict rejects an operation the habit's timing forbids:
	// cooldown not yet elapsed, or a reentrant dispatch. A check-in's
	// pending penalty is applied BEFORE the cooldown gate, so this error
	// does not imply nothing changed.
	ErrStateConflict = errors.New("state conflict")

	// ErrOracle marks a price-feed failure: no stored price for the feed
	// or a non-positive price.
	ErrOracle = errors.New("oracle failure")

	// ErrTransfer marks a ledger movement that could not be generated,
	// typically an insufficient-balance pre-check.
	ErrTransfer = errors.New("transfer failure")
)
