package escrow

import (
	"fmt"
	"math/big"

	"rwadesk/core/identity"
)

// BidLedger tracks per-escrow participant offers and the funds provisionally
// held against them. It only ever pulls the delta between a bidder's new and
// previous offer, so committed funds are never locked twice.
type BidLedger struct {
	funds FundsTransferService
}

// NewBidLedger wires the ledger to the external funds transfer service.
func NewBidLedger(funds FundsTransferService) *BidLedger {
	return &BidLedger{funds: funds}
}

// SubmitBid validates and records a new offer, pulling exactly the delta from
// the bidder's external balance. Every precondition is checked before any
// state mutation or external call; a failed pull leaves the escrow untouched.
// Returns the delta pulled.
func (l *BidLedger) SubmitBid(esc *Escrow, bidder identity.Address, amount *big.Int) (*big.Int, error) {
	if l == nil || l.funds == nil {
		return nil, fmt.Errorf("%w: bid ledger not configured", ErrValidation)
	}
	if identity.IsZero(bidder) {
		return nil, fmt.Errorf("%w: bidder", ErrZeroAddress)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if esc.Status != StatusActive {
		return nil, ErrInactiveEscrow
	}
	if esc.Valuation == nil {
		return nil, ErrValuationNotSet
	}
	if amount.Cmp(esc.Valuation) < 0 {
		return nil, ErrBidBelowValuation
	}
	previous := esc.BidOf(bidder)
	if amount.Cmp(previous) <= 0 {
		return nil, ErrNonIncreasingBid
	}
	delta := new(big.Int).Sub(amount, previous)
	if err := l.funds.Pull(bidder, delta); err != nil {
		return nil, fmt.Errorf("%w: pull bid funds: %v", ErrTransfer, err)
	}
	if esc.Bids == nil {
		esc.Bids = make(map[identity.Address]*big.Int)
	}
	if _, seen := esc.Bids[bidder]; !seen {
		esc.Bidders = append(esc.Bidders, bidder)
	}
	esc.Bids[bidder] = new(big.Int).Set(amount)
	return delta, nil
}

// RefundAll zeroes every bidder's tracked balance and pushes the funds back.
// Ledger entries are zeroed strictly before the corresponding external
// payout, so a reentrant call can never observe a refundable balance twice.
// Zero-balance entries are skipped.
func (l *BidLedger) RefundAll(esc *Escrow) error {
	return l.RefundExcept(esc, nil)
}

// RefundExcept refunds every bidder but the excluded one. Settlement uses it
// for the loser path; cancel passes nil to refund everyone.
func (l *BidLedger) RefundExcept(esc *Escrow, except *identity.Address) error {
	if l == nil || l.funds == nil {
		return fmt.Errorf("%w: bid ledger not configured", ErrValidation)
	}
	for _, bidder := range esc.Bidders {
		if except != nil && bidder == *except {
			continue
		}
		amount := esc.Bids[bidder]
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		refund := new(big.Int).Set(amount)
		esc.Bids[bidder] = big.NewInt(0)
		if err := l.funds.Push(bidder, refund); err != nil {
			return fmt.Errorf("%w: refund %s: %v", ErrTransfer, identity.FormatAddress(bidder), err)
		}
	}
	return nil
}

// PayOut zeroes the winner's tracked balance and pushes it to the recipient.
// Used by settlement to forward the winning bid to the seller.
func (l *BidLedger) PayOut(esc *Escrow, from identity.Address, to identity.Address) (*big.Int, error) {
	if l == nil || l.funds == nil {
		return nil, fmt.Errorf("%w: bid ledger not configured", ErrValidation)
	}
	amount := esc.Bids[from]
	if amount == nil || amount.Sign() == 0 {
		return nil, fmt.Errorf("%w: nothing held for %s", ErrValidation, identity.FormatAddress(from))
	}
	payout := new(big.Int).Set(amount)
	esc.Bids[from] = big.NewInt(0)
	if err := l.funds.Push(to, payout); err != nil {
		return nil, fmt.Errorf("%w: pay out to %s: %v", ErrTransfer, identity.FormatAddress(to), err)
	}
	return payout, nil
}
