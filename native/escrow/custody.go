package escrow

import (
	"fmt"

	"rwadesk/core/identity"
)

// CustodyManager holds and releases the escrowed asset. It has no knowledge
// of bidding; the registry and settlement engine drive it.
type CustodyManager struct {
	assets    AssetTransferService
	custodian identity.Address
}

// NewCustodyManager wires the manager to the external asset transfer service
// and the desk's custodian address, which holds every deposited asset.
func NewCustodyManager(assets AssetTransferService, custodian identity.Address) *CustodyManager {
	return &CustodyManager{assets: assets, custodian: custodian}
}

// Custodian returns the address assets are held under while in escrow.
func (c *CustodyManager) Custodian() identity.Address { return c.custodian }

// Deposit pulls the described asset from the seller into desk custody.
func (c *CustodyManager) Deposit(desc AssetDescriptor, from identity.Address) error {
	if c == nil || c.assets == nil {
		return fmt.Errorf("%w: custody manager not configured", ErrValidation)
	}
	if err := desc.Validate(); err != nil {
		return err
	}
	if identity.IsZero(from) {
		return fmt.Errorf("%w: depositor", ErrZeroAddress)
	}
	var err error
	switch desc.Kind {
	case AssetFungible:
		err = c.assets.TransferFungible(desc.ContractRef, desc.Amount, from, c.custodian)
	case AssetUnique:
		err = c.assets.TransferUnique(desc.ContractRef, desc.TokenID, from, c.custodian)
	}
	if err != nil {
		return fmt.Errorf("%w: deposit: %v", ErrTransfer, err)
	}
	return nil
}

// Preflight checks that the escrowed asset can currently leave custody. The
// settlement engine calls it before mutating any balance so a close either
// fully commits or aborts with no partial effect.
func (c *CustodyManager) Preflight(esc *Escrow) error {
	if c == nil || c.assets == nil {
		return fmt.Errorf("%w: custody manager not configured", ErrValidation)
	}
	if esc.Custody != CustodyDeposited {
		return ErrCustodyReleased
	}
	var err error
	switch esc.Asset.Kind {
	case AssetFungible:
		err = c.assets.CanTransferFungible(esc.Asset.ContractRef, esc.Asset.Amount, c.custodian)
	case AssetUnique:
		err = c.assets.CanTransferUnique(esc.Asset.ContractRef, esc.Asset.TokenID, c.custodian)
	default:
		return fmt.Errorf("%w: unknown kind", ErrInvalidAsset)
	}
	if err != nil {
		return fmt.Errorf("%w: custody preflight: %v", ErrTransfer, err)
	}
	return nil
}

// Release transfers the asset out of custody to the recipient and marks the
// escrow released. Calling it on an already-released escrow is a no-op. The
// released flag is only set after the outbound transfer succeeds so a failed
// transfer never strands the asset as released-but-not-sent.
func (c *CustodyManager) Release(esc *Escrow, to identity.Address) error {
	if c == nil || c.assets == nil {
		return fmt.Errorf("%w: custody manager not configured", ErrValidation)
	}
	if esc.Custody == CustodyReleased {
		return nil
	}
	if identity.IsZero(to) {
		return fmt.Errorf("%w: release recipient", ErrZeroAddress)
	}
	var err error
	switch esc.Asset.Kind {
	case AssetFungible:
		err = c.assets.TransferFungible(esc.Asset.ContractRef, esc.Asset.Amount, c.custodian, to)
	case AssetUnique:
		err = c.assets.TransferUnique(esc.Asset.ContractRef, esc.Asset.TokenID, c.custodian, to)
	default:
		return fmt.Errorf("%w: unknown kind", ErrInvalidAsset)
	}
	if err != nil {
		return fmt.Errorf("%w: release: %v", ErrTransfer, err)
	}
	esc.Custody = CustodyReleased
	return nil
}
