package escrow

import (
	"math/big"

	"rwadesk/core/identity"
)

// FundsTransferService moves the stable unit bids are denominated in. Pull
// draws funds from a participant into the desk's trust account; Push pays
// funds out of it. Both are the trust-boundary crossings of the bid ledger.
type FundsTransferService interface {
	Pull(from identity.Address, amount *big.Int) error
	Push(to identity.Address, amount *big.Int) error
}

// AssetTransferService moves the custodied asset itself. The Can* variants
// check every transfer precondition without moving anything; the settlement
// engine uses them to make close all-or-nothing.
type AssetTransferService interface {
	TransferFungible(contractRef string, amount *big.Int, from, to identity.Address) error
	TransferUnique(contractRef string, tokenID *big.Int, from, to identity.Address) error
	CanTransferFungible(contractRef string, amount *big.Int, from identity.Address) error
	CanTransferUnique(contractRef string, tokenID *big.Int, from identity.Address) error
}

// WhitelistService gates bid eligibility. Implementations returning true for
// every identity model deployments without a registration registry.
type WhitelistService interface {
	IsEligible(identity.Address) bool
}
