// Package selector picks an account per request using health, cooldown,
// and session-affinity rules.
package selector

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/petehsu/kiro-proxy/internal/store"
)

const (
	// SessionTTL is the idle lifetime of a session binding.
	SessionTTL = 60 * time.Second
	// PruneInterval is how often expired bindings are swept.
	PruneInterval = 30 * time.Second
	// cooldownGrace is the window within which an imminent cooldown expiry
	// still counts as "some account will free up soon".
	cooldownGrace = time.Second
)

// Result describes why selection failed when no account is returned.
type Result int

const (
	// Selected means an account was acquired.
	Selected Result = iota
	// NoneAvailable means no account can serve now and none will shortly.
	NoneAvailable
	// RetrySoon means all candidates are cooling down but the earliest
	// deadline is within the grace window; the caller may wait.
	RetrySoon
)

type binding struct {
	accountID string
	lastSeen  time.Time
}

// Selector binds sessions to accounts and delegates the LRU+load choice to
// the store's atomic Acquire. The session map uses its own lock, never
// held together with account locks.
type Selector struct {
	store *store.Store

	mu       sync.Mutex
	sessions map[string]*binding
}

// New builds a selector over the account store.
func New(s *store.Store) *Selector {
	return &Selector{
		store:    s,
		sessions: make(map[string]*binding),
	}
}

// Select acquires an account for the request. Sticky bindings are honored
// while the bound account stays selectable and the binding is younger than
// the TTL; otherwise the binding is dropped and re-made (re-bind on any
// non-selectable transition).
func (s *Selector) Select(sessionID string, excluded map[string]bool) (store.Account, Result) {
	now := time.Now()

	if sessionID != "" {
		s.mu.Lock()
		b, ok := s.sessions[sessionID]
		if ok && now.Sub(b.lastSeen) < SessionTTL {
			boundID := b.accountID
			s.mu.Unlock()
			if acc, ok := s.store.AcquireByID(boundID, excluded); ok {
				s.touch(sessionID, boundID, now)
				return acc, Selected
			}
			// Bound account no longer selectable: drop the binding.
			s.unbind(sessionID)
		} else {
			if ok {
				delete(s.sessions, sessionID)
			}
			s.mu.Unlock()
		}
	}

	if acc, ok := s.store.Acquire(excluded); ok {
		if sessionID != "" {
			s.touch(sessionID, acc.ID, now)
		}
		return acc, Selected
	}

	if deadline, ok := s.store.EarliestCooldown(); ok && deadline.Sub(now) <= cooldownGrace {
		return store.Account{}, RetrySoon
	}
	return store.Account{}, NoneAvailable
}

func (s *Selector) touch(sessionID, accountID string, now time.Time) {
	s.mu.Lock()
	s.sessions[sessionID] = &binding{accountID: accountID, lastSeen: now}
	s.mu.Unlock()
}

func (s *Selector) unbind(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// BoundAccount reports the current binding for a session, if any.
func (s *Selector) BoundAccount(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.sessions[sessionID]
	if !ok || time.Since(b.lastSeen) >= SessionTTL {
		return "", false
	}
	return b.accountID, true
}

// SessionCount returns the number of live bindings.
func (s *Selector) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// RunPruner sweeps expired session bindings until the context ends.
func (s *Selector) RunPruner(ctx context.Context) error {
	ticker := time.NewTicker(PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.prune()
		}
	}
}

func (s *Selector) prune() {
	now := time.Now()
	s.mu.Lock()
	removed := 0
	for id, b := range s.sessions {
		if now.Sub(b.lastSeen) >= SessionTTL {
			delete(s.sessions, id)
			removed++
		}
	}
	s.mu.Unlock()
	if removed > 0 {
		log.Printf("🧹 Pruned %d expired session bindings", removed)
	}
}
