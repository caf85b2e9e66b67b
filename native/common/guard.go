package common

import (
	"errors"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

// PauseView exposes the administrative pause switchboard to native modules.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard refuses the operation when the named module is paused. A nil view or
// empty module name means no pause policy applies.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Pauses is an in-memory PauseView toggled by the administrator over RPC.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauses creates an empty switchboard with every module running.
func NewPauses() *Pauses {
	return &Pauses{paused: make(map[string]bool)}
}

// Set pauses or resumes the named module.
func (p *Pauses) Set(module string, paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused[module] = paused
}

// IsPaused implements PauseView.
func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[module]
}
