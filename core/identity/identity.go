package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Address is the 20-byte account identifier used throughout the desk.
type Address = [20]byte

var (
	// ErrInvalidAddress is returned when a supplied address string cannot
	// be decoded into 20 bytes.
	ErrInvalidAddress = errors.New("identity: invalid address")
	// ErrZeroAddress is returned when an operation requires a non-zero
	// address.
	ErrZeroAddress = errors.New("identity: zero address")
)

// ParseAddress decodes a hex-encoded address, with or without the 0x prefix.
func ParseAddress(s string) (Address, error) {
	var addr Address
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(trimmed, "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("%w: %s", ErrInvalidAddress, s)
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAddress, len(addr), len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

// FormatAddress renders an address as a 0x-prefixed hex string.
func FormatAddress(addr Address) string {
	return "0x" + hex.EncodeToString(addr[:])
}

// IsZero reports whether the address is the all-zero sentinel.
func IsZero(addr Address) bool {
	return addr == (Address{})
}

// Provider resolves caller identities and the designated administrator. The
// desk never derives roles itself; it always goes through a Provider.
type Provider interface {
	Administrator() Address
	IsAdministrator(addr Address) bool
}

// StaticProvider is a Provider backed by a fixed administrator address,
// resolved once from configuration at startup.
type StaticProvider struct {
	admin Address
}

// NewStaticProvider builds a provider for the given administrator. The
// administrator must be a non-zero address.
func NewStaticProvider(admin Address) (*StaticProvider, error) {
	if IsZero(admin) {
		return nil, fmt.Errorf("%w: administrator", ErrZeroAddress)
	}
	return &StaticProvider{admin: admin}, nil
}

// Administrator returns the configured administrator address.
func (p *StaticProvider) Administrator() Address { return p.admin }

// IsAdministrator reports whether addr is the configured administrator.
func (p *StaticProvider) IsAdministrator(addr Address) bool { return addr == p.admin }

// Whitelist gates bid eligibility. A nil *Whitelist treats every identity as
// eligible, matching deployments that run without a registration registry.
type Whitelist struct {
	mu      sync.RWMutex
	members map[Address]struct{}
}

// NewWhitelist creates an empty whitelist.
func NewWhitelist() *Whitelist {
	return &Whitelist{members: make(map[Address]struct{})}
}

// Add registers an identity as eligible.
func (w *Whitelist) Add(addr Address) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.members[addr] = struct{}{}
}

// Remove revokes an identity's eligibility.
func (w *Whitelist) Remove(addr Address) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.members, addr)
}

// IsEligible reports whether the identity may participate. A nil whitelist
// approves everyone.
func (w *Whitelist) IsEligible(addr Address) bool {
	if w == nil {
		return true
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.members[addr]
	return ok
}
