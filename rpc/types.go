package rpc

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"rwadesk/core/identity"
	"rwadesk/native/escrow"
)

type assetJSON struct {
	Kind        string `json:"kind"`
	ContractRef string `json:"contractRef"`
	Amount      string `json:"amount,omitempty"`
	TokenID     string `json:"tokenId,omitempty"`
}

type bidJSON struct {
	Bidder string `json:"bidder"`
	Amount string `json:"amount"`
}

type escrowJSON struct {
	ID        string    `json:"id"`
	Seller    string    `json:"seller"`
	Valuation string    `json:"valuation,omitempty"`
	Asset     assetJSON `json:"asset"`
	Custody   string    `json:"custody"`
	Status    string    `json:"status"`
	Winner    string    `json:"winner,omitempty"`
	Bidders   int       `json:"bidders"`
	CreatedAt int64     `json:"createdAt"`
}

func formatEscrow(e *escrow.Escrow) escrowJSON {
	out := escrowJSON{
		ID:        hex.EncodeToString(e.ID[:]),
		Seller:    identity.FormatAddress(e.Seller),
		Custody:   e.Custody.String(),
		Status:    e.Status.String(),
		Bidders:   len(e.Bidders),
		CreatedAt: e.CreatedAt,
	}
	out.Asset = assetJSON{
		Kind:        e.Asset.Kind.String(),
		ContractRef: e.Asset.ContractRef,
	}
	if e.Asset.Amount != nil {
		out.Asset.Amount = e.Asset.Amount.String()
	}
	if e.Asset.TokenID != nil {
		out.Asset.TokenID = e.Asset.TokenID.String()
	}
	if e.Valuation != nil {
		out.Valuation = e.Valuation.String()
	}
	if e.Winner != nil {
		out.Winner = identity.FormatAddress(*e.Winner)
	}
	return out
}

func parseEscrowID(s string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != 32 {
		return id, fmt.Errorf("malformed escrow id %q", s)
	}
	copy(id[:], raw)
	return id, nil
}

func parsePositiveBigInt(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return v, nil
}

func parseAsset(in assetJSON) (escrow.AssetDescriptor, error) {
	kind, err := escrow.ParseAssetKind(in.Kind)
	if err != nil {
		return escrow.AssetDescriptor{}, err
	}
	desc := escrow.AssetDescriptor{Kind: kind, ContractRef: strings.TrimSpace(in.ContractRef)}
	switch kind {
	case escrow.AssetFungible:
		amount, err := parsePositiveBigInt(in.Amount)
		if err != nil {
			return escrow.AssetDescriptor{}, err
		}
		desc.Amount = amount
	case escrow.AssetUnique:
		tokenID, ok := new(big.Int).SetString(strings.TrimSpace(in.TokenID), 10)
		if !ok || tokenID.Sign() < 0 {
			return escrow.AssetDescriptor{}, fmt.Errorf("malformed token id %q", in.TokenID)
		}
		desc.TokenID = tokenID
	}
	return desc, nil
}
