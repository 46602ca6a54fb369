package market

import "errors"

var (
	// ErrInvalidArgument rejects malformed creation input.
	ErrInvalidArgument = errors.New("market: invalid argument")
	// ErrNotFound reports an unknown product id.
	ErrNotFound = errors.New("market: product not found")
	// ErrInvalidState rejects an operation that is not legal in the
	// product's current status.
	ErrInvalidState = errors.New("market: invalid state for operation")
	// ErrUnauthorized rejects a caller lacking the required relationship to
	// the product.
	ErrUnauthorized = errors.New("market: unauthorized caller")
	// ErrInvalidPayment rejects an attached value that does not exactly
	// match the required deposit.
	ErrInvalidPayment = errors.New("market: attached value must equal twice the price")
	// ErrInsufficientFunds rejects a caller whose account cannot cover the
	// declared deposit.
	ErrInsufficientFunds = errors.New("market: insufficient account balance")
	// ErrInsufficientEscrow signals that the held balance for a product is
	// smaller than a transfer the engine authorized. It means the custody
	// invariants were already violated and is surfaced as a hard failure.
	ErrInsufficientEscrow = errors.New("market: insufficient escrow balance")
)
