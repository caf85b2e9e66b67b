package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"rwadesk/core/events"
	"rwadesk/core/identity"
)

const (
	EventTypeEscrowInitialized = "escrow.initialized"
	EventTypeValuationPosted   = "escrow.valuation_posted"
	EventTypeBidPlaced         = "escrow.bid_placed"
	EventTypeEscrowClosed      = "escrow.closed"
	EventTypeEscrowCanceled    = "escrow.canceled"
	EventTypeAssetReleased     = "escrow.asset_released"
)

func escrowID(id [32]byte) string { return hex.EncodeToString(id[:]) }

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// NewInitializedEvent is emitted when the registry creates an escrow around a
// freshly deposited asset.
func NewInitializedEvent(e *Escrow) *events.Event {
	attrs := map[string]string{
		"id":        escrowID(e.ID),
		"seller":    identity.FormatAddress(e.Seller),
		"assetKind": e.Asset.Kind.String(),
		"asset":     e.Asset.ContractRef,
	}
	switch e.Asset.Kind {
	case AssetFungible:
		attrs["amount"] = amountString(e.Asset.Amount)
	case AssetUnique:
		attrs["tokenId"] = amountString(e.Asset.TokenID)
	}
	return &events.Event{Type: EventTypeEscrowInitialized, Attributes: attrs}
}

// NewValuationPostedEvent records the one-time minimum acceptable bid.
func NewValuationPostedEvent(e *Escrow) *events.Event {
	return &events.Event{Type: EventTypeValuationPosted, Attributes: map[string]string{
		"id":        escrowID(e.ID),
		"valuation": amountString(e.Valuation),
	}}
}

// NewBidPlacedEvent records an accepted bid together with the delta actually
// pulled from the bidder.
func NewBidPlacedEvent(e *Escrow, bidder identity.Address, amount, delta *big.Int) *events.Event {
	return &events.Event{Type: EventTypeBidPlaced, Attributes: map[string]string{
		"id":        escrowID(e.ID),
		"bidder":    identity.FormatAddress(bidder),
		"newAmount": amountString(amount),
		"delta":     amountString(delta),
	}}
}

// NewClosedEvent records the settlement outcome.
func NewClosedEvent(e *Escrow, outcome *Outcome) *events.Event {
	return &events.Event{Type: EventTypeEscrowClosed, Attributes: map[string]string{
		"id":      escrowID(e.ID),
		"winner":  identity.FormatAddress(outcome.Winner),
		"highest": amountString(outcome.Highest),
		"bidders": strconv.Itoa(len(e.Bidders)),
	}}
}

// NewCanceledEvent records an aborted auction.
func NewCanceledEvent(e *Escrow) *events.Event {
	return &events.Event{Type: EventTypeEscrowCanceled, Attributes: map[string]string{
		"id": escrowID(e.ID),
	}}
}

// NewAssetReleasedEvent records the exactly-once custody release.
func NewAssetReleasedEvent(e *Escrow, to identity.Address) *events.Event {
	return &events.Event{Type: EventTypeAssetReleased, Attributes: map[string]string{
		"id": escrowID(e.ID),
		"to": identity.FormatAddress(to),
	}}
}
