package config

import (
	"sync/atomic"
)

// Manager hands out immutable snapshots of the live configuration and applies
// control-plane updates with validate-then-swap semantics. Readers never see a
// partially applied update; a rejected update leaves the previous record live.
type Manager struct {
	current atomic.Pointer[Config]
	onSwap  func(*Config)
}

// NewManager seeds a manager with an already validated configuration
func NewManager(cfg *Config, onSwap func(*Config)) *Manager {
	m := &Manager{onSwap: onSwap}
	m.current.Store(cfg)
	return m
}

// Get returns the live configuration snapshot
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// Update clones the live record, applies the mutation, validates and swaps.
// The mutation must not retain the clone beyond the call.
func (m *Manager) Update(apply func(*Config) error) error {
	for {
		old := m.current.Load()
		next := old.Clone()
		if err := apply(next); err != nil {
			return err
		}
		if err := next.Validate(); err != nil {
			return err
		}
		if m.current.CompareAndSwap(old, next) {
			if m.onSwap != nil {
				m.onSwap(next)
			}
			return nil
		}
	}
}

// Replace swaps in a freshly loaded record (hot reload path)
func (m *Manager) Replace(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.current.Store(cfg)
	if m.onSwap != nil {
		m.onSwap(cfg)
	}
	return nil
}
