package state

import "errors"

// Domain errors for the state package.
//
// Most are returned by updaters, so the entity is left unchanged:
//
//	if errors.Is(err, state.ErrInsufficientFunds) {
//	    // refuse the purchase
//	}
var (
	// ErrInsufficientFunds is returned when a withdrawal exceeds the balance.
	ErrInsufficientFunds = errors.New("state: insufficient funds")

	// ErrInvalidAmount is returned for zero or negative economy amounts.
	ErrInvalidAmount = errors.New("state: invalid amount")

	// ErrInvalidCooldown is returned for an empty chest name or cooldown type.
	ErrInvalidCooldown = errors.New("state: invalid cooldown")

	// ErrBalanceOverflow is returned when a deposit would exceed the int64 range.
	ErrBalanceOverflow = errors.New("state: balance overflow")

	// ErrNotLoaded accompanies ErrInsufficientFunds when the withdrawal was
	// judged against the placeholder of a key still loading. Callers may
	// retry once the stored balance is known.
	ErrNotLoaded = errors.New("state: entity not loaded")
)
