package escrow

import (
	"fmt"
	"math/big"
	"strings"

	"rwadesk/core/identity"
)

// AssetKind distinguishes the two custody models supported by the desk.
type AssetKind uint8

const (
	AssetFungible AssetKind = iota + 1
	AssetUnique
)

// String renders the canonical lowercase form used in events and RPC.
func (k AssetKind) String() string {
	switch k {
	case AssetFungible:
		return "fungible"
	case AssetUnique:
		return "unique"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Valid reports whether the kind is within the supported range.
func (k AssetKind) Valid() bool {
	return k == AssetFungible || k == AssetUnique
}

// ParseAssetKind resolves the canonical kind from its string form.
func ParseAssetKind(s string) (AssetKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fungible":
		return AssetFungible, nil
	case "unique":
		return AssetUnique, nil
	default:
		return 0, fmt.Errorf("%w: unknown asset kind %q", ErrValidation, s)
	}
}

// AssetDescriptor identifies the escrowed asset. Fungible assets carry an
// Amount; unique assets carry a TokenID. ContractRef names the external
// contract or registry the asset lives in.
type AssetDescriptor struct {
	Kind        AssetKind
	ContractRef string
	Amount      *big.Int
	TokenID     *big.Int
}

// Validate checks the descriptor is internally consistent.
func (d AssetDescriptor) Validate() error {
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind", ErrInvalidAsset)
	}
	if strings.TrimSpace(d.ContractRef) == "" {
		return fmt.Errorf("%w: empty contract ref", ErrInvalidAsset)
	}
	switch d.Kind {
	case AssetFungible:
		if d.Amount == nil || d.Amount.Sign() <= 0 {
			return fmt.Errorf("%w: fungible amount must be positive", ErrInvalidAsset)
		}
	case AssetUnique:
		if d.TokenID == nil || d.TokenID.Sign() < 0 {
			return fmt.Errorf("%w: unique token id required", ErrInvalidAsset)
		}
	}
	return nil
}

// Clone returns a deep copy of the descriptor.
func (d AssetDescriptor) Clone() AssetDescriptor {
	out := AssetDescriptor{Kind: d.Kind, ContractRef: d.ContractRef}
	if d.Amount != nil {
		out.Amount = new(big.Int).Set(d.Amount)
	}
	if d.TokenID != nil {
		out.TokenID = new(big.Int).Set(d.TokenID)
	}
	return out
}

// CustodyState tracks whether the desk still holds the escrowed asset.
type CustodyState uint8

const (
	CustodyDeposited CustodyState = iota + 1
	CustodyReleased
)

// String renders the canonical lowercase form.
func (c CustodyState) String() string {
	switch c {
	case CustodyDeposited:
		return "deposited"
	case CustodyReleased:
		return "released"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// Status represents the escrow lifecycle. Completed and Canceled are
// absorbing: no further mutation is permitted once either is reached.
type Status uint8

const (
	StatusActive Status = iota + 1
	StatusCompleted
	StatusCanceled
)

// String renders the canonical lowercase form.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusCanceled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// Escrow tracks custody of one asset plus its associated auction state. The
// bid ledger is nested inside the record: Bidders preserves first-bid arrival
// order (the tie-break order at settlement) and Bids holds each participant's
// current offer. Valuation stays nil until the administrator posts it once.
type Escrow struct {
	ID        [32]byte
	Seller    identity.Address
	Valuation *big.Int
	Asset     AssetDescriptor
	Custody   CustodyState
	Bidders   []identity.Address
	Bids      map[identity.Address]*big.Int
	Status    Status
	Winner    *identity.Address
	CreatedAt int64
}

// Clone returns a deep copy so callers can safely mutate the copy without
// affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := &Escrow{
		ID:        e.ID,
		Seller:    e.Seller,
		Asset:     e.Asset.Clone(),
		Custody:   e.Custody,
		Status:    e.Status,
		CreatedAt: e.CreatedAt,
	}
	if e.Valuation != nil {
		clone.Valuation = new(big.Int).Set(e.Valuation)
	}
	if e.Winner != nil {
		winner := *e.Winner
		clone.Winner = &winner
	}
	clone.Bidders = append([]identity.Address(nil), e.Bidders...)
	clone.Bids = make(map[identity.Address]*big.Int, len(e.Bids))
	for bidder, amount := range e.Bids {
		if amount != nil {
			clone.Bids[bidder] = new(big.Int).Set(amount)
		} else {
			clone.Bids[bidder] = big.NewInt(0)
		}
	}
	return clone
}

// BidOf returns the bidder's current offer, zero if they never bid.
func (e *Escrow) BidOf(bidder identity.Address) *big.Int {
	if e == nil || e.Bids == nil {
		return big.NewInt(0)
	}
	amount, ok := e.Bids[bidder]
	if !ok || amount == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(amount)
}

// TrustBalance is the total of funds the ledger holds against this escrow:
// the sum of every bidder's current offer.
func (e *Escrow) TrustBalance() *big.Int {
	total := big.NewInt(0)
	if e == nil {
		return total
	}
	for _, bidder := range e.Bidders {
		if amount := e.Bids[bidder]; amount != nil {
			total.Add(total, amount)
		}
	}
	return total
}

// Sanitize validates and normalises the supplied escrow, returning a cloned
// instance with non-nil bid structures. The original is not mutated.
func Sanitize(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil escrow", ErrValidation)
	}
	if identity.IsZero(e.Seller) {
		return nil, fmt.Errorf("%w: seller", ErrZeroAddress)
	}
	if err := e.Asset.Validate(); err != nil {
		return nil, err
	}
	if !e.Status.Valid() {
		return nil, fmt.Errorf("%w: invalid status %d", ErrValidation, e.Status)
	}
	if e.Valuation != nil && e.Valuation.Sign() <= 0 {
		return nil, fmt.Errorf("%w: valuation", ErrInvalidAmount)
	}
	clone := e.Clone()
	if clone.Bids == nil {
		clone.Bids = make(map[identity.Address]*big.Int)
	}
	for _, bidder := range clone.Bidders {
		if _, ok := clone.Bids[bidder]; !ok {
			return nil, fmt.Errorf("%w: bidder %s has no ledger entry", ErrValidation, identity.FormatAddress(bidder))
		}
	}
	return clone, nil
}
