package escrow

import (
	"bytes"
	"errors"
	"math/big"
	"sync"
	"testing"

	"rwadesk/core/events"
	"rwadesk/core/identity"
	"rwadesk/native/assets"
	"rwadesk/native/bank"
	"rwadesk/native/common"
	"rwadesk/storage"
)

const testAssetRef = "rwa-token"

func newTestAddress(fill byte) identity.Address {
	var addr identity.Address
	copy(addr[:], bytes.Repeat([]byte{fill}, len(addr)))
	return addr
}

type fixture struct {
	t         *testing.T
	db        *storage.MemDB
	funds     *bank.Ledger
	vault     *assets.Vault
	registry  *Registry
	sink      *events.MemorySink
	pauses    *common.Pauses
	admin     identity.Address
	seller    identity.Address
	trust     identity.Address
	custodian identity.Address
}

func newFixture(t *testing.T, policy Policy, whitelist WhitelistService) *fixture {
	t.Helper()
	f := &fixture{
		t:         t,
		db:        storage.NewMemDB(),
		admin:     newTestAddress(0x01),
		seller:    newTestAddress(0x02),
		trust:     newTestAddress(0xAA),
		custodian: newTestAddress(0xBB),
	}
	f.funds = bank.NewLedger(f.db, f.trust)
	f.vault = assets.NewVault(f.db)
	f.sink = events.NewMemorySink(0)
	f.pauses = common.NewPauses()

	provider, err := identity.NewStaticProvider(f.admin)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	custody := NewCustodyManager(f.vault, f.custodian)
	ledger := NewBidLedger(f.funds)
	settle := NewSettlementEngine(custody, ledger)
	guard := NewAuthorizationGuard(provider, whitelist, policy)
	f.registry = NewRegistry(NewStore(f.db), custody, ledger, settle, guard, f.sink)
	f.registry.SetPauses(f.pauses)
	f.registry.SetNowFunc(func() int64 { return 1_700_000_000 })
	return f
}

func (f *fixture) fundBidder(addr identity.Address, amount int64) {
	f.t.Helper()
	if err := f.funds.Mint(addr, big.NewInt(amount)); err != nil {
		f.t.Fatalf("mint: %v", err)
	}
	if err := f.funds.Approve(addr, big.NewInt(amount)); err != nil {
		f.t.Fatalf("approve: %v", err)
	}
}

func (f *fixture) fungibleEscrow(amount int64) *Escrow {
	f.t.Helper()
	if err := f.vault.MintFungible(testAssetRef, f.seller, big.NewInt(amount)); err != nil {
		f.t.Fatalf("mint asset: %v", err)
	}
	esc, err := f.registry.CreateEscrow(f.seller, AssetDescriptor{
		Kind:        AssetFungible,
		ContractRef: testAssetRef,
		Amount:      big.NewInt(amount),
	})
	if err != nil {
		f.t.Fatalf("create escrow: %v", err)
	}
	return esc
}

func (f *fixture) postValuation(id [32]byte, valuation int64) {
	f.t.Helper()
	if err := f.registry.PostValuation(id, f.admin, big.NewInt(valuation)); err != nil {
		f.t.Fatalf("post valuation: %v", err)
	}
}

func (f *fixture) bid(id [32]byte, bidder identity.Address, amount int64) {
	f.t.Helper()
	if err := f.registry.SubmitBid(id, bidder, big.NewInt(amount)); err != nil {
		f.t.Fatalf("submit bid: %v", err)
	}
}

func (f *fixture) balance(addr identity.Address) int64 {
	f.t.Helper()
	bal, err := f.funds.Balance(addr)
	if err != nil {
		f.t.Fatalf("balance: %v", err)
	}
	return bal.Int64()
}

func (f *fixture) assetBalance(addr identity.Address) int64 {
	f.t.Helper()
	bal, err := f.vault.BalanceOf(testAssetRef, addr)
	if err != nil {
		f.t.Fatalf("asset balance: %v", err)
	}
	return bal.Int64()
}

func (f *fixture) eventCount(eventType string) int {
	count := 0
	for _, entry := range f.sink.Entries(0) {
		if entry.Type == eventType {
			count++
		}
	}
	return count
}

func TestCreateEscrowDepositsAsset(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	esc := f.fungibleEscrow(1000)

	if esc.Status != StatusActive {
		t.Fatalf("status = %v, want active", esc.Status)
	}
	if esc.Custody != CustodyDeposited {
		t.Fatalf("custody = %v, want deposited", esc.Custody)
	}
	if esc.Valuation != nil {
		t.Fatalf("valuation should start unset")
	}
	if got := f.assetBalance(f.custodian); got != 1000 {
		t.Fatalf("custodian asset balance = %d, want 1000", got)
	}
	if got := f.assetBalance(f.seller); got != 0 {
		t.Fatalf("seller asset balance = %d, want 0", got)
	}
	if f.eventCount(EventTypeEscrowInitialized) != 1 {
		t.Fatalf("expected one initialized event")
	}
}

func TestCreateEscrowUniqueIdentifiers(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	if err := f.vault.MintFungible(testAssetRef, f.seller, big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	first, err := f.registry.CreateEscrow(f.seller, AssetDescriptor{Kind: AssetFungible, ContractRef: testAssetRef, Amount: big.NewInt(200)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := f.registry.CreateEscrow(f.seller, AssetDescriptor{Kind: AssetFungible, ContractRef: testAssetRef, Amount: big.NewInt(300)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("identifiers must be unique")
	}
}

func TestCreateEscrowRejectsInvalidAsset(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	_, err := f.registry.CreateEscrow(f.seller, AssetDescriptor{Kind: AssetFungible, ContractRef: testAssetRef, Amount: big.NewInt(0)})
	if !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("err = %v, want ErrInvalidAsset", err)
	}
	_, err = f.registry.CreateEscrow(identity.Address{}, AssetDescriptor{Kind: AssetFungible, ContractRef: testAssetRef, Amount: big.NewInt(1)})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestPostValuationOnce(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	esc := f.fungibleEscrow(1000)
	f.postValuation(esc.ID, 500)

	err := f.registry.PostValuation(esc.ID, f.admin, big.NewInt(600))
	if !errors.Is(err, ErrValuationSet) {
		t.Fatalf("second post err = %v, want ErrValuationSet", err)
	}
	if !errors.Is(err, ErrState) {
		t.Fatalf("ErrValuationSet must be a state error")
	}
	stored, err := f.registry.Get(esc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Valuation.Int64() != 500 {
		t.Fatalf("valuation mutated to %v", stored.Valuation)
	}
}

func TestPostValuationRequiresAdministrator(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	esc := f.fungibleEscrow(1000)
	err := f.registry.PostValuation(esc.ID, f.seller, big.NewInt(500))
	if !errors.Is(err, ErrAuthorization) {
		t.Fatalf("err = %v, want ErrAuthorization", err)
	}
}

func TestSubmitBidPreconditions(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	esc := f.fungibleEscrow(1000)
	bidder := newTestAddress(0x10)
	f.fundBidder(bidder, 10_000)

	if err := f.registry.SubmitBid(esc.ID, bidder, big.NewInt(600)); !errors.Is(err, ErrValuationNotSet) {
		t.Fatalf("bid before valuation err = %v, want ErrValuationNotSet", err)
	}
	f.postValuation(esc.ID, 500)
	if err := f.registry.SubmitBid(esc.ID, bidder, big.NewInt(499)); !errors.Is(err, ErrBidBelowValuation) {
		t.Fatalf("low bid err = %v, want ErrBidBelowValuation", err)
	}
	f.bid(esc.ID, bidder, 600)
	if err := f.registry.SubmitBid(esc.ID, bidder, big.NewInt(600)); !errors.Is(err, ErrNonIncreasingBid) {
		t.Fatalf("equal bid err = %v, want ErrNonIncreasingBid", err)
	}
	if err := f.registry.SubmitBid(esc.ID, bidder, big.NewInt(550)); !errors.Is(err, ErrNonIncreasingBid) {
		t.Fatalf("lower bid err = %v, want ErrNonIncreasingBid", err)
	}

	stored, err := f.registry.Get(esc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.BidOf(bidder).Int64() != 600 {
		t.Fatalf("bid mutated to %v", stored.BidOf(bidder))
	}
	if got := f.balance(bidder); got != 9_400 {
		t.Fatalf("bidder balance = %d, want 9400 (rejected bids must not move funds)", got)
	}
}

func TestSubmitBidPullsOnlyDelta(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	esc := f.fungibleEscrow(1000)
	f.postValuation(esc.ID, 500)
	bidder := newTestAddress(0x10)
	f.fundBidder(bidder, 10_000)

	f.bid(esc.ID, bidder, 600)
	if got := f.balance(bidder); got != 9_400 {
		t.Fatalf("after first bid balance = %d, want 9400", got)
	}
	f.bid(esc.ID, bidder, 800)
	if got := f.balance(bidder); got != 9_200 {
		t.Fatalf("after raise balance = %d, want 9200 (delta pull only)", got)
	}
	if got := f.balance(f.trust); got != 800 {
		t.Fatalf("trust balance = %d, want 800", got)
	}
}

func TestBalanceConservation(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	esc := f.fungibleEscrow(1000)
	f.postValuation(esc.ID, 100)
	a, b, c := newTestAddress(0x10), newTestAddress(0x11), newTestAddress(0x12)
	for _, bidder := range []identity.Address{a, b, c} {
		f.fundBidder(bidder, 5_000)
	}
	f.bid(esc.ID, a, 100)
	f.bid(esc.ID, b, 250)
	f.bid(esc.ID, a, 400)
	f.bid(esc.ID, c, 500)

	stored, err := f.registry.Get(esc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got, want := f.balance(f.trust), stored.TrustBalance().Int64(); got != want {
		t.Fatalf("trust balance %d != sum of bids %d", got, want)
	}
	if stored.TrustBalance().Int64() != 400+250+500 {
		t.Fatalf("sum of bids = %d", stored.TrustBalance().Int64())
	}
}

func TestCloseEndToEnd(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	esc := f.fungibleEscrow(1000)
	f.postValuation(esc.ID, 500)
	a, b := newTestAddress(0x10), newTestAddress(0x11)
	f.fundBidder(a, 10_000)
	f.fundBidder(b, 10_000)
	f.bid(esc.ID, a, 600)
	f.bid(esc.ID, b, 700)

	outcome, err := f.registry.Close(esc.ID, f.admin)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if outcome.Winner != b {
		t.Fatalf("winner = %v, want B", identity.FormatAddress(outcome.Winner))
	}
	if outcome.Highest.Int64() != 700 {
		t.Fatalf("highest = %v, want 700", outcome.Highest)
	}
	if got := f.balance(f.seller); got != 700 {
		t.Fatalf("seller received %d, want 700", got)
	}
	if got := f.balance(a); got != 10_000 {
		t.Fatalf("loser balance = %d, want full refund to 10000", got)
	}
	if got := f.balance(f.trust); got != 0 {
		t.Fatalf("trust balance = %d, want 0 after settlement", got)
	}
	if got := f.assetBalance(b); got != 1000 {
		t.Fatalf("winner asset balance = %d, want 1000", got)
	}

	stored, err := f.registry.Get(esc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusCompleted {
		t.Fatalf("status = %v, want completed", stored.Status)
	}
	if stored.Custody != CustodyReleased {
		t.Fatalf("custody = %v, want released", stored.Custody)
	}
	if stored.Winner == nil || *stored.Winner != b {
		t.Fatalf("winner not recorded")
	}
	for _, bidder := range stored.Bidders {
		if stored.BidOf(bidder).Sign() != 0 {
			t.Fatalf("bidder %v still holds a tracked balance", identity.FormatAddress(bidder))
		}
	}
	if f.eventCount(EventTypeEscrowClosed) != 1 || f.eventCount(EventTypeAssetReleased) != 1 {
		t.Fatalf("expected exactly one closed and one release event")
	}
}

func TestCloseTieBreakFirstToReachMax(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	esc := f.fungibleEscrow(1000)
	f.postValuation(esc.ID, 100)
	a, b, c := newTestAddress(0x10), newTestAddress(0x11), newTestAddress(0x12)
	for _, bidder := range []identity.Address{a, b, c} {
		f.fundBidder(bidder, 1_000)
	}
	f.bid(esc.ID, a, 100)
	f.bid(esc.ID, b, 150)
	f.bid(esc.ID, c, 150)

	outcome, err := f.registry.Close(esc.ID, f.admin)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if outcome.Winner != b {
		t.Fatalf("winner = %v, want B (first to reach 150)", identity.FormatAddress(outcome.Winner))
	}
}

func TestCloseRequiresBids(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	esc := f.fungibleEscrow(1000)
	f.postValuation(esc.ID, 500)
	_, err := f.registry.Close(esc.ID, f.admin)
	if !errors.Is(err, ErrNoBidsPlaced) {
		t.Fatalf("err = %v, want ErrNoBidsPlaced", err)
	}
}

func TestClosePolicy(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	esc := f.fungibleEscrow(1000)
	f.postValuation(esc.ID, 500)
	bidder := newTestAddress(0x10)
	f.fundBidder(bidder, 1_000)
	f.bid(esc.ID, bidder, 500)

	if _, err := f.registry.Close(esc.ID, bidder); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("bidder close err = %v, want ErrAuthorization", err)
	}

	open := newFixture(t, Policy{OpenClose: true}, nil)
	esc2 := open.fungibleEscrow(1000)
	open.postValuation(esc2.ID, 500)
	open.fundBidder(bidder, 1_000)
	open.bid(esc2.ID, bidder, 500)
	if _, err := open.registry.Close(esc2.ID, bidder); err != nil {
		t.Fatalf("open-close policy should allow any caller: %v", err)
	}
}

func TestCancelBySeller(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	esc := f.fungibleEscrow(1000)

	if err := f.registry.Cancel(esc.ID, f.seller); err != nil {
		t.Fatalf("seller cancel without bids: %v", err)
	}
	if got := f.assetBalance(f.seller); got != 1000 {
		t.Fatalf("asset not returned to seller: %d", got)
	}
	stored, err := f.registry.Get(esc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusCanceled {
		t.Fatalf("status = %v, want canceled", stored.Status)
	}
	if stored.Winner != nil {
		t.Fatalf("cancel must not set a winner")
	}
}

func TestCancelBySellerRejectedAfterBids(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	esc := f.fungibleEscrow(1000)
	f.postValuation(esc.ID, 100)
	bidder := newTestAddress(0x10)
	f.fundBidder(bidder, 1_000)
	f.bid(esc.ID, bidder, 100)

	if err := f.registry.Cancel(esc.ID, f.seller); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("err = %v, want ErrAuthorization", err)
	}
	if err := f.registry.Cancel(esc.ID, bidder); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("bidder cancel err = %v, want ErrAuthorization", err)
	}
}

func TestCancelRefundsEveryBidder(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	esc := f.fungibleEscrow(1000)
	f.postValuation(esc.ID, 100)
	a, b := newTestAddress(0x10), newTestAddress(0x11)
	f.fundBidder(a, 2_000)
	f.fundBidder(b, 2_000)
	f.bid(esc.ID, a, 300)
	f.bid(esc.ID, b, 450)

	if err := f.registry.Cancel(esc.ID, f.admin); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	if got := f.balance(a); got != 2_000 {
		t.Fatalf("A balance = %d, want full refund", got)
	}
	if got := f.balance(b); got != 2_000 {
		t.Fatalf("B balance = %d, want full refund", got)
	}
	if got := f.balance(f.trust); got != 0 {
		t.Fatalf("trust balance = %d, want 0", got)
	}
	if got := f.assetBalance(f.seller); got != 1000 {
		t.Fatalf("asset not returned to seller")
	}
	if f.eventCount(EventTypeEscrowCanceled) != 1 {
		t.Fatalf("expected one canceled event")
	}
}

func TestCancelAllowedWithoutValuation(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	esc := f.fungibleEscrow(1000)
	if err := f.registry.Cancel(esc.ID, f.admin); err != nil {
		t.Fatalf("cancel before valuation: %v", err)
	}
}

func TestTerminalIdempotence(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	esc := f.fungibleEscrow(1000)
	f.postValuation(esc.ID, 100)
	bidder := newTestAddress(0x10)
	f.fundBidder(bidder, 1_000)
	f.bid(esc.ID, bidder, 100)
	if _, err := f.registry.Close(esc.ID, f.admin); err != nil {
		t.Fatalf("close: %v", err)
	}
	sellerBalance := f.balance(f.seller)
	eventsBefore := f.sink.Len()

	if _, err := f.registry.Close(esc.ID, f.admin); !errors.Is(err, ErrState) {
		t.Fatalf("second close err = %v, want ErrState", err)
	}
	if err := f.registry.Cancel(esc.ID, f.admin); !errors.Is(err, ErrState) {
		t.Fatalf("cancel after close err = %v, want ErrState", err)
	}
	if f.balance(f.seller) != sellerBalance {
		t.Fatalf("terminal retry moved funds")
	}
	if f.sink.Len() != eventsBefore {
		t.Fatalf("terminal retry emitted events")
	}
}

func TestSellerMayNotBid(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	esc := f.fungibleEscrow(1000)
	f.postValuation(esc.ID, 100)
	f.fundBidder(f.seller, 1_000)
	if err := f.registry.SubmitBid(esc.ID, f.seller, big.NewInt(100)); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("err = %v, want ErrAuthorization", err)
	}
}

func TestWhitelistGate(t *testing.T) {
	whitelist := identity.NewWhitelist()
	allowed := newTestAddress(0x10)
	whitelist.Add(allowed)

	f := newFixture(t, Policy{}, whitelist)
	esc := f.fungibleEscrow(1000)
	f.postValuation(esc.ID, 100)
	f.fundBidder(allowed, 1_000)
	outsider := newTestAddress(0x11)
	f.fundBidder(outsider, 1_000)

	if err := f.registry.SubmitBid(esc.ID, outsider, big.NewInt(100)); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("outsider bid err = %v, want ErrNotEligible", err)
	}
	if err := f.registry.SubmitBid(esc.ID, allowed, big.NewInt(100)); err != nil {
		t.Fatalf("whitelisted bid: %v", err)
	}
}

func TestPauseGuard(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	f.pauses.Set(ModuleName, true)
	_, err := f.registry.CreateEscrow(f.seller, AssetDescriptor{Kind: AssetFungible, ContractRef: testAssetRef, Amount: big.NewInt(1)})
	if !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("err = %v, want ErrModulePaused", err)
	}
}

func TestUniqueAssetSettlement(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	tokenID := big.NewInt(7)
	if err := f.vault.MintUnique(testAssetRef, tokenID, f.seller); err != nil {
		t.Fatalf("mint unique: %v", err)
	}
	esc, err := f.registry.CreateEscrow(f.seller, AssetDescriptor{Kind: AssetUnique, ContractRef: testAssetRef, TokenID: tokenID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if owner, _ := f.vault.OwnerOf(testAssetRef, tokenID); owner != f.custodian {
		t.Fatalf("token not in custody")
	}
	f.postValuation(esc.ID, 100)
	bidder := newTestAddress(0x10)
	f.fundBidder(bidder, 1_000)
	f.bid(esc.ID, bidder, 250)
	if _, err := f.registry.Close(esc.ID, f.admin); err != nil {
		t.Fatalf("close: %v", err)
	}
	if owner, _ := f.vault.OwnerOf(testAssetRef, tokenID); owner != bidder {
		t.Fatalf("token not released to winner")
	}
	if got := f.balance(f.seller); got != 250 {
		t.Fatalf("seller proceeds = %d, want 250", got)
	}
}

func TestCloseAbortsWhenCustodyPreflightFails(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	esc := f.fungibleEscrow(1000)
	f.postValuation(esc.ID, 100)
	bidder := newTestAddress(0x10)
	f.fundBidder(bidder, 1_000)
	f.bid(esc.ID, bidder, 500)

	// Drain the custodian out-of-band so the release preflight fails.
	if err := f.vault.TransferFungible(testAssetRef, big.NewInt(1000), f.custodian, newTestAddress(0x7F)); err != nil {
		t.Fatalf("drain custodian: %v", err)
	}

	_, err := f.registry.Close(esc.ID, f.admin)
	if !errors.Is(err, ErrTransfer) {
		t.Fatalf("err = %v, want ErrTransfer", err)
	}
	stored, getErr := f.registry.Get(esc.ID)
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if stored.Status != StatusActive {
		t.Fatalf("aborted close mutated status to %v", stored.Status)
	}
	if stored.BidOf(bidder).Int64() != 500 {
		t.Fatalf("aborted close mutated bids")
	}
	if got := f.balance(f.trust); got != 500 {
		t.Fatalf("aborted close moved funds: trust = %d", got)
	}
	if got := f.balance(f.seller); got != 0 {
		t.Fatalf("aborted close paid seller %d", got)
	}
}

func TestConcurrentBidsConserveBalances(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	esc := f.fungibleEscrow(1000)
	f.postValuation(esc.ID, 1)

	const (
		bidderCount = 8
		rounds      = 5
		funding     = 1_000_000
	)
	bidders := make([]identity.Address, bidderCount)
	for i := range bidders {
		bidders[i] = newTestAddress(byte(0x20 + i))
		f.fundBidder(bidders[i], funding)
	}

	// Each bidder raises through a disjoint, strictly increasing amount
	// range, so every submission is valid regardless of interleaving. Any
	// lost update or interleaved pull shows up as a conservation failure.
	var wg sync.WaitGroup
	for i, bidder := range bidders {
		wg.Add(1)
		go func(bidder identity.Address, base int64) {
			defer wg.Done()
			for r := int64(1); r <= rounds; r++ {
				if err := f.registry.SubmitBid(esc.ID, bidder, big.NewInt(base+r)); err != nil {
					t.Errorf("submit bid %d for %s: %v", base+r, identity.FormatAddress(bidder), err)
					return
				}
			}
		}(bidder, int64(i+1)*1000)
	}
	wg.Wait()

	stored, err := f.registry.Get(esc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stored.Bidders) != bidderCount {
		t.Fatalf("bidder count = %d, want %d", len(stored.Bidders), bidderCount)
	}
	var wantTrust int64
	for i, bidder := range bidders {
		final := int64(i+1)*1000 + rounds
		if got := stored.BidOf(bidder).Int64(); got != final {
			t.Fatalf("bid of %s = %d, want %d", identity.FormatAddress(bidder), got, final)
		}
		if got := f.balance(bidder); got != funding-final {
			t.Fatalf("balance of %s = %d, want %d", identity.FormatAddress(bidder), got, funding-final)
		}
		wantTrust += final
	}
	if got := f.balance(f.trust); got != wantTrust {
		t.Fatalf("trust balance = %d, want %d (sum of final bids)", got, wantTrust)
	}
	if got := stored.TrustBalance().Int64(); got != wantTrust {
		t.Fatalf("tracked trust balance = %d, want %d", got, wantTrust)
	}
}

func TestSubmitBidRacingClose(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	esc := f.fungibleEscrow(1000)
	f.postValuation(esc.ID, 100)
	a, b := newTestAddress(0x10), newTestAddress(0x11)
	f.fundBidder(a, 1_000)
	f.fundBidder(b, 1_000)
	f.bid(esc.ID, a, 200)

	// Race a higher bid from B against the close. The per-escrow lock must
	// serialise them: B's bid lands fully before settlement and wins, or it
	// observes the terminal escrow and is rejected without moving funds.
	var wg sync.WaitGroup
	var bidErr, closeErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		bidErr = f.registry.SubmitBid(esc.ID, b, big.NewInt(300))
	}()
	go func() {
		defer wg.Done()
		_, closeErr = f.registry.Close(esc.ID, f.admin)
	}()
	wg.Wait()

	if closeErr != nil {
		t.Fatalf("close: %v", closeErr)
	}
	stored, err := f.registry.Get(esc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusCompleted {
		t.Fatalf("status = %v, want completed", stored.Status)
	}
	if got := f.balance(f.trust); got != 0 {
		t.Fatalf("trust balance = %d, want 0 after settlement", got)
	}
	total := f.balance(f.seller) + f.balance(a) + f.balance(b)
	if total != 2_000 {
		t.Fatalf("funds not conserved: total = %d, want 2000", total)
	}

	if bidErr == nil {
		// B's bid serialised before the close and won the auction.
		if stored.Winner == nil || *stored.Winner != b {
			t.Fatalf("winner = %v, want B", stored.Winner)
		}
		if got := f.balance(f.seller); got != 300 {
			t.Fatalf("seller proceeds = %d, want 300", got)
		}
		if got := f.balance(a); got != 1_000 {
			t.Fatalf("A balance = %d, want full refund", got)
		}
		if got := f.balance(b); got != 700 {
			t.Fatalf("B balance = %d, want 700", got)
		}
		if got := f.assetBalance(b); got != 1000 {
			t.Fatalf("asset not with B")
		}
	} else {
		// The close serialised first; B's bid must have been rejected
		// against the terminal escrow with no partial effect.
		if !errors.Is(bidErr, ErrState) {
			t.Fatalf("late bid err = %v, want ErrState", bidErr)
		}
		if stored.Winner == nil || *stored.Winner != a {
			t.Fatalf("winner = %v, want A", stored.Winner)
		}
		if got := f.balance(f.seller); got != 200 {
			t.Fatalf("seller proceeds = %d, want 200", got)
		}
		if got := f.balance(a); got != 800 {
			t.Fatalf("A balance = %d, want 800", got)
		}
		if got := f.balance(b); got != 1_000 {
			t.Fatalf("B balance = %d, want untouched 1000", got)
		}
		if got := f.assetBalance(a); got != 1000 {
			t.Fatalf("asset not with A")
		}
	}
}

func TestGetUnknownEscrow(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	_, err := f.registry.Get([32]byte{0x01})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
