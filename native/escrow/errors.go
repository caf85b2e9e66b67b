package escrow

import (
	"errors"
	"fmt"
)

// Error classes. Every failure surfaced by the desk core wraps exactly one of
// these, so callers can branch on the class with errors.Is while still seeing
// the specific reason.
var (
	ErrValidation    = errors.New("escrow: validation failed")
	ErrState         = errors.New("escrow: invalid lifecycle state")
	ErrAuthorization = errors.New("escrow: caller not authorized")
	ErrEconomic      = errors.New("escrow: economic constraint violated")
	ErrTransfer      = errors.New("escrow: transfer failed")
)

// Specific failures, each anchored to its class.
var (
	ErrNotFound          = fmt.Errorf("%w: escrow not found", ErrState)
	ErrInactiveEscrow    = fmt.Errorf("%w: escrow not active", ErrState)
	ErrValuationSet      = fmt.Errorf("%w: valuation already posted", ErrState)
	ErrValuationNotSet   = fmt.Errorf("%w: valuation not posted", ErrState)
	ErrCustodyReleased   = fmt.Errorf("%w: custody already released", ErrState)
	ErrInvalidAsset      = fmt.Errorf("%w: invalid asset", ErrValidation)
	ErrZeroAddress       = fmt.Errorf("%w: zero address", ErrValidation)
	ErrInvalidAmount     = fmt.Errorf("%w: amount must be positive", ErrValidation)
	ErrBidBelowValuation = fmt.Errorf("%w: bid below valuation", ErrEconomic)
	ErrNonIncreasingBid  = fmt.Errorf("%w: bid does not increase previous offer", ErrEconomic)
	ErrNoBidsPlaced      = fmt.Errorf("%w: no bids placed", ErrEconomic)
	ErrNotEligible       = fmt.Errorf("%w: bidder not registered", ErrAuthorization)
)
