package common

import (
	"errors"
	"sync"
	"sync/atomic"
)

var ErrModulePaused = errors.New("module paused")

// ErrReentrantCall is returned when a mutating entry point is invoked while
// another one is still executing on the same engine instance.
var ErrReentrantCall = errors.New("reentrant call")

type PauseView interface {
	IsPaused(module string) bool
}

// Switches is a concrete, mutable PauseView keyed by module or flow name
// (e.g. "lending", "lending.borrow"). Safe for concurrent use.
type Switches struct {
	mu     sync.RWMutex
	paused map[string]bool
}

func NewSwitches() *Switches {
	return &Switches{paused: make(map[string]bool)}
}

// SetPaused flips the switch for one module or flow.
func (s *Switches) SetPaused(name string, paused bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused == nil {
		s.paused = make(map[string]bool)
	}
	s.paused[name] = paused
}

func (s *Switches) IsPaused(name string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused[name]
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Latch flags the window where control is handed to an external callback.
// It is not a mutex and never orders callers: hosts serialise top-level
// calls with their own lock and raise the latch only around the callback,
// so a raised latch means the callback is re-entering the host.
// Acquire returns a release closure that must run on every exit path.
type Latch struct {
	busy atomic.Bool
}

func (l *Latch) Acquire() (func(), error) {
	if l == nil {
		return func() {}, nil
	}
	if !l.busy.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall
	}
	return func() { l.busy.Store(false) }, nil
}

// Held reports whether the latch is currently acquired.
func (l *Latch) Held() bool {
	return l != nil && l.busy.Load()
}
