// Package session tracks which authentication providers the host currently
// considers authorized, and the user they signed in. State is in memory only.
package session

// file: internal/session/manager.go

import (
	"strings"
	"sync"

	"github.com/dkoosis/emailsignin/internal/logging"
	"github.com/dkoosis/emailsignin/internal/provider"
)

// ProviderSet is a bit set of authorized providers.
type ProviderSet uint8

// Known providers.
const (
	Anonymous ProviderSet = 1 << iota
	Email

	None ProviderSet = 0
)

// Has reports whether every bit of p is set.
func (s ProviderSet) Has(p ProviderSet) bool {
	return p != None && s&p == p
}

func (s ProviderSet) String() string {
	if s == None {
		return "none"
	}
	var names []string
	if s.Has(Anonymous) {
		names = append(names, "anonymous")
	}
	if s.Has(Email) {
		names = append(names, "email")
	}
	return strings.Join(names, "|")
}

// Manager is the host session manager.
type Manager struct {
	provider provider.Provider
	logger   logging.Logger

	mu         sync.RWMutex
	authorized ProviderSet
	user       *provider.User
}

// NewManager returns a manager with no authorized providers.
func NewManager(p provider.Provider, logger logging.Logger) *Manager {
	return &Manager{
		provider: p,
		logger:   logging.OrNoop(logger).WithField("component", "session_manager"),
	}
}

// IsAuthorized reports whether p is in the authorized set.
func (m *Manager) IsAuthorized(p ProviderSet) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authorized.Has(p)
}

// Authorized returns the current set.
func (m *Manager) Authorized() ProviderSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authorized
}

// Authorize adds p to the authorized set and records user.
func (m *Manager) Authorize(p ProviderSet, user *provider.User) {
	m.mu.Lock()
	m.authorized |= p
	if user != nil {
		u := *user
		m.user = &u
	}
	set := m.authorized
	m.mu.Unlock()

	fields := []any{"providers", set.String()}
	if user != nil {
		fields = append(fields, "user_id", user.ID)
	}
	m.logger.Info("Session authorized.", fields...)
}

// User returns the signed-in user, or nil.
func (m *Manager) User() *provider.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	return &u
}

// SignOut signs the provider out and clears the authorized set. It always
// succeeds locally.
func (m *Manager) SignOut() {
	if m.provider != nil {
		m.provider.SignOut()
	}
	m.mu.Lock()
	m.authorized = None
	m.user = nil
	m.mu.Unlock()
	m.logger.Info("Session signed out.")
}
