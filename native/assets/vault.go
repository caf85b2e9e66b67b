package assets

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"rwadesk/core/identity"
	"rwadesk/storage"
)

var (
	// ErrTransferRejected is returned when an asset movement cannot be
	// performed: insufficient fungible balance, wrong unique-token owner,
	// or an unknown token.
	ErrTransferRejected = errors.New("assets: transfer rejected")
	// ErrInvalidAsset is returned for malformed refs, ids or amounts.
	ErrInvalidAsset = errors.New("assets: invalid asset")
)

const (
	fungibleKeyPrefix = "assets/f/"
	uniqueKeyPrefix   = "assets/u/"
)

// Vault is the asset custody book: fungible balances and unique-token
// ownership per contract reference. It implements the desk's asset transfer
// service, including the preflight checks the settlement engine relies on
// for all-or-nothing closes.
type Vault struct {
	mu sync.Mutex
	db storage.Database
}

// NewVault opens the asset book.
func NewVault(db storage.Database) *Vault {
	return &Vault{db: db}
}

func fungibleKey(ref string, holder identity.Address) []byte {
	return []byte(fungibleKeyPrefix + ref + "/" + hex.EncodeToString(holder[:]))
}

func uniqueKey(ref string, tokenID *big.Int) []byte {
	return []byte(uniqueKeyPrefix + ref + "/" + tokenID.String())
}

func validRef(ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("%w: empty contract ref", ErrInvalidAsset)
	}
	return nil
}

func (v *Vault) fungibleBalance(ref string, holder identity.Address) (*big.Int, error) {
	raw, err := v.db.Get(fungibleKey(ref, holder))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

func (v *Vault) putFungibleBalance(ref string, holder identity.Address, balance *big.Int) error {
	return v.db.Put(fungibleKey(ref, holder), balance.Bytes())
}

// BalanceOf returns the holder's fungible balance under the contract ref.
func (v *Vault) BalanceOf(ref string, holder identity.Address) (*big.Int, error) {
	if err := validRef(ref); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fungibleBalance(ref, holder)
}

// OwnerOf returns the current owner of a unique token.
func (v *Vault) OwnerOf(ref string, tokenID *big.Int) (identity.Address, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ownerOf(ref, tokenID)
}

func (v *Vault) ownerOf(ref string, tokenID *big.Int) (identity.Address, error) {
	var owner identity.Address
	if err := validRef(ref); err != nil {
		return owner, err
	}
	if tokenID == nil {
		return owner, fmt.Errorf("%w: token id required", ErrInvalidAsset)
	}
	raw, err := v.db.Get(uniqueKey(ref, tokenID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return owner, fmt.Errorf("%w: unknown token %s/%s", ErrTransferRejected, ref, tokenID)
	}
	if err != nil {
		return owner, err
	}
	if len(raw) != len(owner) {
		return owner, fmt.Errorf("%w: malformed owner record", ErrInvalidAsset)
	}
	copy(owner[:], raw)
	return owner, nil
}

// MintFungible issues amount of the fungible asset to the holder. Issuance
// mirrors the external token contract bridging assets onto the desk.
func (v *Vault) MintFungible(ref string, to identity.Address, amount *big.Int) error {
	if err := validRef(ref); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAsset)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	balance, err := v.fungibleBalance(ref, to)
	if err != nil {
		return err
	}
	balance.Add(balance, amount)
	return v.putFungibleBalance(ref, to, balance)
}

// MintUnique registers a unique token under its first owner.
func (v *Vault) MintUnique(ref string, tokenID *big.Int, to identity.Address) error {
	if err := validRef(ref); err != nil {
		return err
	}
	if tokenID == nil || tokenID.Sign() < 0 {
		return fmt.Errorf("%w: token id required", ErrInvalidAsset)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if ok, err := v.db.Has(uniqueKey(ref, tokenID)); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: token %s/%s already minted", ErrInvalidAsset, ref, tokenID)
	}
	return v.db.Put(uniqueKey(ref, tokenID), to[:])
}

// CanTransferFungible checks every precondition of TransferFungible without
// moving anything.
func (v *Vault) CanTransferFungible(ref string, amount *big.Int, from identity.Address) error {
	if err := validRef(ref); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAsset)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	balance, err := v.fungibleBalance(ref, from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: insufficient balance of %s", ErrTransferRejected, ref)
	}
	return nil
}

// CanTransferUnique checks every precondition of TransferUnique without
// moving anything.
func (v *Vault) CanTransferUnique(ref string, tokenID *big.Int, from identity.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	owner, err := v.ownerOf(ref, tokenID)
	if err != nil {
		return err
	}
	if owner != from {
		return fmt.Errorf("%w: %s does not own %s/%s", ErrTransferRejected, identity.FormatAddress(from), ref, tokenID)
	}
	return nil
}

// TransferFungible moves amount of the fungible asset between holders.
func (v *Vault) TransferFungible(ref string, amount *big.Int, from, to identity.Address) error {
	if err := validRef(ref); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAsset)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	fromBalance, err := v.fungibleBalance(ref, from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: insufficient balance of %s", ErrTransferRejected, ref)
	}
	toBalance, err := v.fungibleBalance(ref, to)
	if err != nil {
		return err
	}
	fromBalance.Sub(fromBalance, amount)
	toBalance.Add(toBalance, amount)
	if err := v.putFungibleBalance(ref, from, fromBalance); err != nil {
		return err
	}
	return v.putFungibleBalance(ref, to, toBalance)
}

// TransferUnique moves ownership of a unique token.
func (v *Vault) TransferUnique(ref string, tokenID *big.Int, from, to identity.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	owner, err := v.ownerOf(ref, tokenID)
	if err != nil {
		return err
	}
	if owner != from {
		return fmt.Errorf("%w: %s does not own %s/%s", ErrTransferRejected, identity.FormatAddress(from), ref, tokenID)
	}
	return v.db.Put(uniqueKey(ref, tokenID), to[:])
}
