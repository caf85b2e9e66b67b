package escrow

import (
	"math/big"

	"rwadesk/core/identity"
)

// SettlementEngine orchestrates the terminal transitions: close pays the
// seller, refunds losers and releases the asset to the winner; cancel
// refunds everyone and returns the asset to the seller. Both transitions are
// all-or-nothing: every transfer precondition is validated before the first
// balance mutation.
type SettlementEngine struct {
	custody *CustodyManager
	ledger  *BidLedger
}

// NewSettlementEngine wires the engine to its custody and ledger components.
func NewSettlementEngine(custody *CustodyManager, ledger *BidLedger) *SettlementEngine {
	return &SettlementEngine{custody: custody, ledger: ledger}
}

// Outcome summarises a completed settlement.
type Outcome struct {
	Winner  identity.Address
	Highest *big.Int
}

// selectWinner scans bidders in first-bid arrival order tracking the running
// maximum. A later bid overwrites the running maximum only when strictly
// greater, so among equal top bids the participant who reached that amount
// first wins. The tie-break rewards speed, not identity ordering.
func selectWinner(esc *Escrow) (identity.Address, *big.Int) {
	var winner identity.Address
	highest := big.NewInt(0)
	for _, bidder := range esc.Bidders {
		amount := esc.Bids[bidder]
		if amount == nil {
			continue
		}
		if amount.Cmp(highest) > 0 {
			highest = amount
			winner = bidder
		}
	}
	return winner, new(big.Int).Set(highest)
}

// Close settles the escrow: the highest bid goes to the seller, every other
// bidder is refunded, custody moves to the winner and the escrow becomes
// Completed.
func (s *SettlementEngine) Close(esc *Escrow) (*Outcome, error) {
	if esc.Status.Terminal() {
		return nil, ErrInactiveEscrow
	}
	if esc.Status != StatusActive {
		return nil, ErrInactiveEscrow
	}
	if esc.Custody != CustodyDeposited {
		return nil, ErrCustodyReleased
	}
	if len(esc.Bidders) == 0 {
		return nil, ErrNoBidsPlaced
	}
	winner, highest := selectWinner(esc)
	if highest.Sign() == 0 {
		return nil, ErrNoBidsPlaced
	}
	// Validate the only transfer that can fail before touching any balance.
	if err := s.custody.Preflight(esc); err != nil {
		return nil, err
	}
	if _, err := s.ledger.PayOut(esc, winner, esc.Seller); err != nil {
		return nil, err
	}
	if err := s.ledger.RefundExcept(esc, &winner); err != nil {
		return nil, err
	}
	if err := s.custody.Release(esc, winner); err != nil {
		return nil, err
	}
	esc.Status = StatusCompleted
	w := winner
	esc.Winner = &w
	return &Outcome{Winner: winner, Highest: highest}, nil
}

// Cancel aborts the auction: every bidder is refunded their last committed
// bid and the asset goes back to the seller. Allowed even when no valuation
// was ever posted. No winner is recorded.
func (s *SettlementEngine) Cancel(esc *Escrow) error {
	if esc.Status.Terminal() {
		return ErrInactiveEscrow
	}
	if esc.Status != StatusActive {
		return ErrInactiveEscrow
	}
	if esc.Custody == CustodyDeposited {
		if err := s.custody.Preflight(esc); err != nil {
			return err
		}
	}
	if err := s.ledger.RefundAll(esc); err != nil {
		return err
	}
	if err := s.custody.Release(esc, esc.Seller); err != nil {
		return err
	}
	esc.Status = StatusCanceled
	return nil
}
