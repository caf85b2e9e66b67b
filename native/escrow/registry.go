package escrow

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"rwadesk/core/events"
	"rwadesk/core/identity"
	"rwadesk/native/common"
)

// ModuleName is the pause-switchboard key for the desk module.
const ModuleName = "escrow"

// Registry is the entry point for every escrow operation. It owns the
// collection, derives collision-free identifiers from a persisted monotonic
// counter, and scopes a mutex per escrow around each top-level operation so
// two mutating calls on the same escrow never interleave. The mutex stays
// held across external transfer calls, so a nested reentrant call cannot
// complete while one is in flight.
type Registry struct {
	store   *Store
	custody *CustodyManager
	ledger  *BidLedger
	settle  *SettlementEngine
	guard   *AuthorizationGuard
	emitter events.Emitter
	pauses  common.PauseView
	nowFn   func() int64

	mu    sync.Mutex
	locks map[[32]byte]*sync.Mutex
}

// NewRegistry assembles the desk core from its components. The emitter may be
// nil, in which case events are discarded.
func NewRegistry(store *Store, custody *CustodyManager, ledger *BidLedger, settle *SettlementEngine, guard *AuthorizationGuard, emitter events.Emitter) *Registry {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &Registry{
		store:   store,
		custody: custody,
		ledger:  ledger,
		settle:  settle,
		guard:   guard,
		emitter: emitter,
		nowFn:   func() int64 { return time.Now().Unix() },
		locks:   make(map[[32]byte]*sync.Mutex),
	}
}

// SetPauses wires the administrative pause switchboard.
func (r *Registry) SetPauses(p common.PauseView) { r.pauses = p }

// SetNowFunc overrides the time source. Primarily intended for tests.
func (r *Registry) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	r.nowFn = now
}

func (r *Registry) emit(evt *events.Event) {
	if evt != nil {
		r.emitter.Emit(evt)
	}
}

// lockEscrow returns the mutex serialising operations on the given id,
// creating it on first use. Locks are never discarded because terminal
// records stay queryable for audit.
func (r *Registry) lockEscrow(id [32]byte) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	return lock
}

func (r *Registry) load(id [32]byte) (*Escrow, error) {
	esc, ok, err := r.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return esc, nil
}

// deriveID hashes the persisted counter value into an opaque identifier.
// Counter values are never reused, so identifiers are collision-free.
func deriveID(seq uint64) [32]byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return ethcrypto.Keccak256Hash([]byte("rwadesk/escrow"), buf)
}

// CreateEscrow pulls the described asset from the seller into custody and
// registers a new Active escrow around it.
func (r *Registry) CreateEscrow(seller identity.Address, desc AssetDescriptor) (*Escrow, error) {
	if err := common.Guard(r.pauses, ModuleName); err != nil {
		return nil, err
	}
	if identity.IsZero(seller) {
		return nil, fmt.Errorf("%w: seller", ErrZeroAddress)
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	seq, err := r.store.NextSequence()
	if err != nil {
		return nil, err
	}
	esc := &Escrow{
		ID:        deriveID(seq),
		Seller:    seller,
		Asset:     desc.Clone(),
		Custody:   CustodyDeposited,
		Bids:      make(map[identity.Address]*big.Int),
		Status:    StatusActive,
		CreatedAt: r.nowFn(),
	}
	lock := r.lockEscrow(esc.ID)
	lock.Lock()
	defer lock.Unlock()
	if err := r.custody.Deposit(desc, seller); err != nil {
		return nil, err
	}
	if err := r.store.Put(esc); err != nil {
		return nil, err
	}
	r.emit(NewInitializedEvent(esc))
	return esc.Clone(), nil
}

// PostValuation records the minimum acceptable bid. It can be posted exactly
// once per escrow and only while the escrow is Active.
func (r *Registry) PostValuation(id [32]byte, caller identity.Address, valuation *big.Int) error {
	if err := common.Guard(r.pauses, ModuleName); err != nil {
		return err
	}
	if err := r.guard.RequirePostValuation(caller); err != nil {
		return err
	}
	if valuation == nil || valuation.Sign() <= 0 {
		return fmt.Errorf("%w: valuation", ErrInvalidAmount)
	}
	lock := r.lockEscrow(id)
	lock.Lock()
	defer lock.Unlock()
	esc, err := r.load(id)
	if err != nil {
		return err
	}
	if esc.Status != StatusActive {
		return ErrInactiveEscrow
	}
	if esc.Valuation != nil {
		return ErrValuationSet
	}
	esc.Valuation = new(big.Int).Set(valuation)
	if err := r.store.Put(esc); err != nil {
		return err
	}
	r.emit(NewValuationPostedEvent(esc))
	return nil
}

// SubmitBid places or raises an offer. Only the delta between the new and
// previous amount is pulled from the bidder's external balance. Any failure
// leaves bids, bidder order and balances untouched.
func (r *Registry) SubmitBid(id [32]byte, caller identity.Address, amount *big.Int) error {
	if err := common.Guard(r.pauses, ModuleName); err != nil {
		return err
	}
	lock := r.lockEscrow(id)
	lock.Lock()
	defer lock.Unlock()
	esc, err := r.load(id)
	if err != nil {
		return err
	}
	if err := r.guard.RequireSubmitBid(caller, esc); err != nil {
		return err
	}
	delta, err := r.ledger.SubmitBid(esc, caller, amount)
	if err != nil {
		return err
	}
	if err := r.store.Put(esc); err != nil {
		return err
	}
	r.emit(NewBidPlacedEvent(esc, caller, amount, delta))
	return nil
}

// Close settles the auction: pays the highest bid to the seller, refunds
// every loser, releases custody to the winner and marks the escrow
// Completed. The settlement is all-or-nothing.
func (r *Registry) Close(id [32]byte, caller identity.Address) (*Outcome, error) {
	if err := common.Guard(r.pauses, ModuleName); err != nil {
		return nil, err
	}
	if err := r.guard.RequireClose(caller); err != nil {
		return nil, err
	}
	lock := r.lockEscrow(id)
	lock.Lock()
	defer lock.Unlock()
	esc, err := r.load(id)
	if err != nil {
		return nil, err
	}
	outcome, err := r.settle.Close(esc)
	if err != nil {
		return nil, err
	}
	if err := r.store.Put(esc); err != nil {
		return nil, err
	}
	r.emit(NewClosedEvent(esc, outcome))
	r.emit(NewAssetReleasedEvent(esc, outcome.Winner))
	return outcome, nil
}

// Cancel aborts the auction, refunding every bidder and returning the asset
// to the seller. Allowed for the administrator always, and for the seller
// while no bids have been placed. Works whether or not a valuation was ever
// posted.
func (r *Registry) Cancel(id [32]byte, caller identity.Address) error {
	if err := common.Guard(r.pauses, ModuleName); err != nil {
		return err
	}
	lock := r.lockEscrow(id)
	lock.Lock()
	defer lock.Unlock()
	esc, err := r.load(id)
	if err != nil {
		return err
	}
	if esc.Status.Terminal() {
		return ErrInactiveEscrow
	}
	if err := r.guard.RequireCancel(caller, esc); err != nil {
		return err
	}
	if err := r.settle.Cancel(esc); err != nil {
		return err
	}
	if err := r.store.Put(esc); err != nil {
		return err
	}
	r.emit(NewCanceledEvent(esc))
	r.emit(NewAssetReleasedEvent(esc, esc.Seller))
	return nil
}

// Get returns a copy of the escrow record. Terminal records stay readable
// forever for audit.
func (r *Registry) Get(id [32]byte) (*Escrow, error) {
	esc, err := r.load(id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// List returns every known escrow identifier in creation order.
func (r *Registry) List() ([][32]byte, error) {
	return r.store.List()
}
