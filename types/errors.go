package types

import (
	"cosmossdk.io/errors"
)

// Core error codes. Validation errors surface to callers verbatim;
// everything else carries a structured code without internal details.
var (
	ErrValidation        = errors.Register("clob", 1, "validation failed")
	ErrUnknownPair       = errors.Register("clob", 2, "trading pair not configured")
	ErrInvalidQuantity   = errors.Register("clob", 3, "quantity must be positive")
	ErrInvalidPrice      = errors.Register("clob", 4, "price must be positive")
	ErrInvalidStopPrice  = errors.Register("clob", 5, "stop price must be positive")
	ErrOrderNotFound     = errors.Register("clob", 6, "order not found")
	ErrNotOwner          = errors.Register("clob", 7, "order belongs to another party")
	ErrOrderClosed       = errors.Register("clob", 8, "order already filled or cancelled")
	ErrInsufficientFunds = errors.Register("clob", 9, "insufficient available balance")
	ErrEmptyBook         = errors.Register("clob", 10, "no opposing liquidity for market order")

	// Reservation errors
	ErrDuplicateReservation = errors.Register("clob", 20, "reservation already exists for order")

	// Settlement signals (internal, never returned to users)
	ErrPartialSettlement = errors.Register("clob", 30, "one allocation leg failed")

	// Startup errors
	ErrConfiguration = errors.Register("clob", 40, "invalid configuration")
)
