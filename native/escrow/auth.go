package escrow

import (
	"fmt"

	"rwadesk/core/identity"
)

// Role classifies a caller relative to a specific escrow.
type Role uint8

const (
	RoleNone Role = iota
	RoleAdministrator
	RoleSeller
	RoleBidder
)

// String renders the canonical lowercase form.
func (r Role) String() string {
	switch r {
	case RoleAdministrator:
		return "administrator"
	case RoleSeller:
		return "seller"
	case RoleBidder:
		return "bidder"
	default:
		return "none"
	}
}

// Policy carries the deployment-tunable authorization knobs. OpenClose lifts
// the administrator-only restriction on close once its preconditions hold.
type Policy struct {
	OpenClose bool
}

// AuthorizationGuard resolves caller roles and evaluates the permission
// matrix per operation.
type AuthorizationGuard struct {
	provider  identity.Provider
	whitelist WhitelistService
	policy    Policy
}

// NewAuthorizationGuard builds a guard. The whitelist may be nil, in which
// case every identity is eligible to bid.
func NewAuthorizationGuard(provider identity.Provider, whitelist WhitelistService, policy Policy) *AuthorizationGuard {
	return &AuthorizationGuard{provider: provider, whitelist: whitelist, policy: policy}
}

// ResolveRole classifies the caller for the given escrow. Anyone who is
// neither the administrator nor the seller is a prospective bidder.
func (g *AuthorizationGuard) ResolveRole(caller identity.Address, esc *Escrow) Role {
	switch {
	case g.provider.IsAdministrator(caller):
		return RoleAdministrator
	case esc != nil && caller == esc.Seller:
		return RoleSeller
	default:
		return RoleBidder
	}
}

// RequirePostValuation allows only the administrator to post a valuation.
func (g *AuthorizationGuard) RequirePostValuation(caller identity.Address) error {
	if !g.provider.IsAdministrator(caller) {
		return fmt.Errorf("%w: post valuation requires administrator", ErrAuthorization)
	}
	return nil
}

// RequireSubmitBid permits the administrator always and any whitelisted
// bidder otherwise. The seller may not bid on their own asset.
func (g *AuthorizationGuard) RequireSubmitBid(caller identity.Address, esc *Escrow) error {
	role := g.ResolveRole(caller, esc)
	switch role {
	case RoleAdministrator:
		return nil
	case RoleSeller:
		return fmt.Errorf("%w: seller may not bid on own asset", ErrAuthorization)
	default:
		if g.whitelist != nil && !g.whitelist.IsEligible(caller) {
			return ErrNotEligible
		}
		return nil
	}
}

// RequireClose restricts close to the administrator unless the deployment
// policy opens it to any party.
func (g *AuthorizationGuard) RequireClose(caller identity.Address) error {
	if g.policy.OpenClose {
		return nil
	}
	if !g.provider.IsAdministrator(caller) {
		return fmt.Errorf("%w: close requires administrator", ErrAuthorization)
	}
	return nil
}

// RequireCancel allows the administrator always, and the seller only while
// no bids have been placed.
func (g *AuthorizationGuard) RequireCancel(caller identity.Address, esc *Escrow) error {
	role := g.ResolveRole(caller, esc)
	switch role {
	case RoleAdministrator:
		return nil
	case RoleSeller:
		if len(esc.Bidders) > 0 {
			return fmt.Errorf("%w: seller may only cancel before bids arrive", ErrAuthorization)
		}
		return nil
	default:
		return fmt.Errorf("%w: cancel requires administrator or seller", ErrAuthorization)
	}
}
