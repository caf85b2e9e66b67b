package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"rwadesk/core/identity"
)

// mockFunds records pulls and pushes and can be told to fail either leg.
type mockFunds struct {
	pulls    []transferRecord
	pushes   []transferRecord
	failPull bool
	failPush bool
}

type transferRecord struct {
	addr   identity.Address
	amount *big.Int
}

func (m *mockFunds) Pull(from identity.Address, amount *big.Int) error {
	if m.failPull {
		return fmt.Errorf("pull rejected")
	}
	m.pulls = append(m.pulls, transferRecord{addr: from, amount: new(big.Int).Set(amount)})
	return nil
}

func (m *mockFunds) Push(to identity.Address, amount *big.Int) error {
	if m.failPush {
		return fmt.Errorf("push rejected")
	}
	m.pushes = append(m.pushes, transferRecord{addr: to, amount: new(big.Int).Set(amount)})
	return nil
}

func activeEscrow(valuation int64) *Escrow {
	return &Escrow{
		ID:        [32]byte{0x01},
		Seller:    newTestAddress(0x02),
		Valuation: big.NewInt(valuation),
		Asset:     AssetDescriptor{Kind: AssetFungible, ContractRef: testAssetRef, Amount: big.NewInt(100)},
		Custody:   CustodyDeposited,
		Bids:      make(map[identity.Address]*big.Int),
		Status:    StatusActive,
	}
}

func TestSubmitBidDeltaAccounting(t *testing.T) {
	funds := &mockFunds{}
	ledger := NewBidLedger(funds)
	esc := activeEscrow(100)
	bidder := newTestAddress(0x10)

	delta, err := ledger.SubmitBid(esc, bidder, big.NewInt(150))
	if err != nil {
		t.Fatalf("first bid: %v", err)
	}
	if delta.Int64() != 150 {
		t.Fatalf("first delta = %v, want 150", delta)
	}
	delta, err = ledger.SubmitBid(esc, bidder, big.NewInt(400))
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if delta.Int64() != 250 {
		t.Fatalf("raise delta = %v, want 250", delta)
	}
	if len(funds.pulls) != 2 {
		t.Fatalf("pull count = %d, want 2", len(funds.pulls))
	}
	if len(esc.Bidders) != 1 {
		t.Fatalf("bidder registered %d times", len(esc.Bidders))
	}
	if esc.BidOf(bidder).Int64() != 400 {
		t.Fatalf("recorded bid = %v", esc.BidOf(bidder))
	}
}

func TestSubmitBidFailedPullLeavesNoTrace(t *testing.T) {
	funds := &mockFunds{failPull: true}
	ledger := NewBidLedger(funds)
	esc := activeEscrow(100)
	bidder := newTestAddress(0x10)

	_, err := ledger.SubmitBid(esc, bidder, big.NewInt(150))
	if !errors.Is(err, ErrTransfer) {
		t.Fatalf("err = %v, want ErrTransfer", err)
	}
	if len(esc.Bidders) != 0 {
		t.Fatalf("failed pull registered a bidder")
	}
	if esc.BidOf(bidder).Sign() != 0 {
		t.Fatalf("failed pull recorded a bid")
	}
}

func TestRefundZeroesEntryBeforePush(t *testing.T) {
	funds := &mockFunds{failPush: true}
	ledger := NewBidLedger(funds)
	esc := activeEscrow(100)
	bidder := newTestAddress(0x10)
	esc.Bidders = []identity.Address{bidder}
	esc.Bids[bidder] = big.NewInt(300)

	err := ledger.RefundAll(esc)
	if !errors.Is(err, ErrTransfer) {
		t.Fatalf("err = %v, want ErrTransfer", err)
	}
	// The ledger entry is consumed before the external call, so a reentrant
	// caller can never observe the same refundable balance twice.
	if esc.BidOf(bidder).Sign() != 0 {
		t.Fatalf("entry not zeroed before push")
	}
}

func TestRefundExceptSkipsWinner(t *testing.T) {
	funds := &mockFunds{}
	ledger := NewBidLedger(funds)
	esc := activeEscrow(100)
	winner, loser := newTestAddress(0x10), newTestAddress(0x11)
	esc.Bidders = []identity.Address{winner, loser}
	esc.Bids[winner] = big.NewInt(500)
	esc.Bids[loser] = big.NewInt(400)

	if err := ledger.RefundExcept(esc, &winner); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if len(funds.pushes) != 1 {
		t.Fatalf("push count = %d, want 1", len(funds.pushes))
	}
	if funds.pushes[0].addr != loser || funds.pushes[0].amount.Int64() != 400 {
		t.Fatalf("unexpected refund %+v", funds.pushes[0])
	}
	if esc.BidOf(winner).Int64() != 500 {
		t.Fatalf("winner entry consumed by refund")
	}
}

func TestPayOutForwardsHeldBid(t *testing.T) {
	funds := &mockFunds{}
	ledger := NewBidLedger(funds)
	esc := activeEscrow(100)
	winner := newTestAddress(0x10)
	esc.Bidders = []identity.Address{winner}
	esc.Bids[winner] = big.NewInt(500)

	payout, err := ledger.PayOut(esc, winner, esc.Seller)
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	if payout.Int64() != 500 {
		t.Fatalf("payout = %v, want 500", payout)
	}
	if esc.BidOf(winner).Sign() != 0 {
		t.Fatalf("winner entry not consumed")
	}
	if _, err := ledger.PayOut(esc, winner, esc.Seller); !errors.Is(err, ErrValidation) {
		t.Fatalf("second payout err = %v, want ErrValidation", err)
	}
}
