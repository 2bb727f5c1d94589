// Package store owns the in-memory account pool and its derived health
// state. It is the only cross-request mutable state of consequence; all
// other components hold short-lived references obtained through it.
package store

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/petehsu/kiro-proxy/internal/config"
)

// Health is the derived availability state of an account.
type Health string

const (
	HealthActive    Health = "active"
	HealthCooldown  Health = "cooldown"
	HealthUnhealthy Health = "unhealthy"
	HealthDisabled  Health = "disabled"
)

// Auth kinds accepted in credential envelopes.
const (
	AuthKindDeviceCode = "aws-device-code"
	AuthKindSocial     = "social"
	AuthKindScanned    = "scanned-local-cache"
)

// Credentials is the credential envelope for one account.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AuthKind     string
	ClientID     string
	ClientSecret string
	ProfileArn   string
	Region       string
}

// QuotaSnapshot is harvested from upstream response headers.
type QuotaSnapshot struct {
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Account is one upstream credential pair plus its health metadata.
// Instances are owned by the Store; callers receive copies.
type Account struct {
	ID           string
	Label        string
	Provenance   string
	Credentials  Credentials
	Enabled      bool
	Health       Health
	CooldownTill time.Time
	LastUsedAt   time.Time
	InFlight     int
	RequestCount int64
	ErrorCount   int64
	Quota        *QuotaSnapshot
	UnhealthyWhy string
}

// Selectable reports whether the account may serve a request right now.
// Cooldown expiry is evaluated lazily against the clock.
func (a *Account) Selectable(now time.Time) bool {
	if !a.Enabled {
		return false
	}
	switch a.Health {
	case HealthActive:
		return true
	case HealthCooldown:
		return !now.Before(a.CooldownTill)
	default:
		return false
	}
}

// Store holds the account pool. Reads take the shared lock; mutations the
// exclusive lock. Every mutation of persisted fields schedules an async
// flush to the config document.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	order    []string // insertion order for stable List output

	cfg      *config.Store
	doc      *config.Document
	docMu    sync.Mutex // guards doc during flush assembly
	flushCh  chan struct{}
	lastPers error
	persMu   sync.Mutex

	// Per-account refresh mutexes so concurrent refresh triggers for the
	// same account coalesce onto the first.
	refreshMu sync.Mutex
	refreshes map[string]*sync.Mutex
}

// New builds a store backed by the given config store, hydrating accounts
// from the loaded document.
func New(cfg *config.Store, doc *config.Document) *Store {
	s := &Store{
		accounts:  make(map[string]*Account),
		cfg:       cfg,
		doc:       doc,
		flushCh:   make(chan struct{}, 1),
		refreshes: make(map[string]*sync.Mutex),
	}
	for _, rec := range doc.Accounts {
		acc := &Account{
			ID:         rec.ID,
			Label:      rec.Label,
			Provenance: rec.Provenance,
			Credentials: Credentials{
				AccessToken:  rec.AccessToken,
				RefreshToken: rec.RefreshToken,
				ExpiresAt:    rec.ExpiresAt,
				AuthKind:     rec.AuthKind,
				ClientID:     rec.ClientID,
				ClientSecret: rec.ClientSecret,
				ProfileArn:   rec.ProfileArn,
				Region:       rec.Region,
			},
			Enabled: rec.Enabled,
			Health:  HealthActive,
		}
		if !rec.Enabled {
			acc.Health = HealthDisabled
		}
		s.accounts[acc.ID] = acc
		s.order = append(s.order, acc.ID)
	}
	go s.flushLoop()
	log.Printf("📦 Loaded %d accounts from %s", len(s.accounts), cfg.Path())
	return s
}

// List returns copies of all accounts in insertion order.
func (s *Store) List() []Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Account, 0, len(s.order))
	for _, id := range s.order {
		if a, ok := s.accounts[id]; ok {
			out = append(out, *a)
		}
	}
	return out
}

// Get returns a copy of one account.
func (s *Store) Get(id string) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, false
	}
	return *a, true
}

// Add inserts a new account from a credential envelope. A duplicate by
// logical identity (same refresh-token lineage, or same label+provenance)
// merges into the existing account instead of duplicating.
func (s *Store) Add(label, provenance string, creds Credentials) (string, error) {
	if creds.AccessToken == "" {
		return "", fmt.Errorf("add account: access token must be non-empty")
	}
	if creds.AuthKind == AuthKindSocial && creds.RefreshToken == "" {
		return "", fmt.Errorf("add account: social credentials require a refresh token")
	}

	s.mu.Lock()
	for _, a := range s.accounts {
		sameLineage := creds.RefreshToken != "" && a.Credentials.RefreshToken == creds.RefreshToken
		sameIdentity := a.Label == label && a.Provenance == provenance
		if sameLineage || sameIdentity {
			a.Credentials = mergeCredentials(a.Credentials, creds)
			a.Health = HealthActive
			a.UnhealthyWhy = ""
			id := a.ID
			s.mu.Unlock()
			log.Printf("🔁 Merged credentials into existing account %s (%s)", id, label)
			s.scheduleFlush()
			return id, nil
		}
	}
	id := uuid.New().String()
	s.accounts[id] = &Account{
		ID:          id,
		Label:       label,
		Provenance:  provenance,
		Credentials: creds,
		Enabled:     true,
		Health:      HealthActive,
	}
	s.order = append(s.order, id)
	s.mu.Unlock()
	log.Printf("➕ Added account %s (%s, %s)", id, label, provenance)
	s.scheduleFlush()
	return id, nil
}

// mergeCredentials keeps the monotonic-expiry invariant: a merge never
// moves expires_at backwards for the same lineage.
func mergeCredentials(old, incoming Credentials) Credentials {
	merged := incoming
	if incoming.ExpiresAt.Before(old.ExpiresAt) {
		merged.AccessToken = old.AccessToken
		merged.ExpiresAt = old.ExpiresAt
	}
	if merged.RefreshToken == "" {
		merged.RefreshToken = old.RefreshToken
	}
	if merged.ClientID == "" {
		merged.ClientID = old.ClientID
	}
	if merged.ClientSecret == "" {
		merged.ClientSecret = old.ClientSecret
	}
	if merged.ProfileArn == "" {
		merged.ProfileArn = old.ProfileArn
	}
	if merged.Region == "" {
		merged.Region = old.Region
	}
	return merged
}

// Remove deletes an account.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	_, ok := s.accounts[id]
	if ok {
		delete(s.accounts, id)
		for i, oid := range s.order {
			if oid == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if ok {
		log.Printf("🗑️ Removed account %s", id)
		s.scheduleFlush()
	}
	return ok
}

// UpdateCredentials replaces the credential envelope after a successful
// refresh. The new expiry never regresses below the old one.
func (s *Store) UpdateCredentials(id string, creds Credentials) error {
	s.mu.Lock()
	a, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("update credentials: account %s not found", id)
	}
	if creds.ExpiresAt.Before(a.Credentials.ExpiresAt) {
		creds.ExpiresAt = a.Credentials.ExpiresAt
	}
	a.Credentials = mergeCredentials(a.Credentials, creds)
	s.mu.Unlock()
	s.scheduleFlush()
	return nil
}

// SetEnabled toggles the operator enabled flag. Disabling moves health to
// disabled; enabling restores active.
func (s *Store) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	a, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("set enabled: account %s not found", id)
	}
	a.Enabled = enabled
	if enabled {
		a.Health = HealthActive
		a.UnhealthyWhy = ""
	} else {
		a.Health = HealthDisabled
	}
	s.mu.Unlock()
	s.scheduleFlush()
	return nil
}

// MarkCooldown puts the account in cooldown for the given duration.
// Operator-disabled accounts keep their disabled state.
func (s *Store) MarkCooldown(id string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok || a.Health == HealthDisabled {
		return
	}
	a.Health = HealthCooldown
	a.CooldownTill = time.Now().Add(d)
	a.ErrorCount++
	log.Printf("❄️ Account %s in cooldown until %s", id, a.CooldownTill.Format(time.RFC3339))
}

// MarkUnhealthy records a refresh or live-call failure.
func (s *Store) MarkUnhealthy(id, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok || a.Health == HealthDisabled {
		return
	}
	a.Health = HealthUnhealthy
	a.UnhealthyWhy = reason
	a.ErrorCount++
	log.Printf("🔒 Account %s marked unhealthy: %s", id, reason)
}

// MarkActive restores an account to active (e.g. after a successful
// refresh). Disabled accounts stay disabled.
func (s *Store) MarkActive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok || a.Health == HealthDisabled {
		return
	}
	a.Health = HealthActive
	a.CooldownTill = time.Time{}
	a.UnhealthyWhy = ""
}

// Acquire atomically selects the best selectable account outside the
// excluded set, minimizing (last_used_at, in_flight) lexicographically, and
// performs its bookkeeping (last_used_at, in_flight, request count) inside
// the same critical section so selection and accounting cannot interleave.
func (s *Store) Acquire(excluded map[string]bool) (Account, bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Account
	for _, a := range s.accounts {
		if excluded[a.ID] || !a.Selectable(now) {
			continue
		}
		// Lazy cooldown recovery: deadline passed means active again.
		if a.Health == HealthCooldown {
			a.Health = HealthActive
			a.CooldownTill = time.Time{}
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return Account{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].LastUsedAt.Equal(candidates[j].LastUsedAt) {
			return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
		}
		if candidates[i].InFlight != candidates[j].InFlight {
			return candidates[i].InFlight < candidates[j].InFlight
		}
		return candidates[i].ID < candidates[j].ID
	})
	chosen := candidates[0]
	chosen.LastUsedAt = now
	chosen.InFlight++
	chosen.RequestCount++
	return *chosen, true
}

// AcquireByID re-acquires a specific account if it is still selectable;
// used for session-sticky selection.
func (s *Store) AcquireByID(id string, excluded map[string]bool) (Account, bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok || excluded[id] || !a.Selectable(now) {
		return Account{}, false
	}
	if a.Health == HealthCooldown {
		a.Health = HealthActive
		a.CooldownTill = time.Time{}
	}
	a.LastUsedAt = now
	a.InFlight++
	a.RequestCount++
	return *a, true
}

// Release decrements the in-flight counter. It runs on every request exit
// path, including cancellation.
func (s *Store) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok && a.InFlight > 0 {
		a.InFlight--
	}
}

// ActiveCount returns the number of selectable accounts right now.
func (s *Store) ActiveCount() int {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.accounts {
		if a.Selectable(now) {
			n++
		}
	}
	return n
}

// EarliestCooldown returns the nearest cooldown deadline among accounts in
// cooldown, and whether any exists.
func (s *Store) EarliestCooldown() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var earliest time.Time
	found := false
	for _, a := range s.accounts {
		if a.Health == HealthCooldown && a.Enabled {
			if !found || a.CooldownTill.Before(earliest) {
				earliest = a.CooldownTill
				found = true
			}
		}
	}
	return earliest, found
}

// RecordQuota stores a quota snapshot harvested from upstream headers.
func (s *Store) RecordQuota(id string, remaining int64, resetAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		a.Quota = &QuotaSnapshot{Remaining: remaining, ResetAt: resetAt, UpdatedAt: time.Now()}
	}
}

// RefreshMutex returns the per-account mutex guarding token refresh, so
// concurrent refresh requests for one account coalesce onto the first.
func (s *Store) RefreshMutex(id string) *sync.Mutex {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	mu, ok := s.refreshes[id]
	if !ok {
		mu = &sync.Mutex{}
		s.refreshes[id] = mu
	}
	return mu
}

// LastPersistError returns the most recent config flush failure, if any.
func (s *Store) LastPersistError() error {
	s.persMu.Lock()
	defer s.persMu.Unlock()
	return s.lastPers
}

// ExportSnapshot returns the persisted view of the pool.
func (s *Store) ExportSnapshot() []config.AccountRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := make([]config.AccountRecord, 0, len(s.order))
	for _, id := range s.order {
		a, ok := s.accounts[id]
		if !ok {
			continue
		}
		recs = append(recs, config.AccountRecord{
			ID:           a.ID,
			Label:        a.Label,
			Provenance:   a.Provenance,
			AuthKind:     a.Credentials.AuthKind,
			AccessToken:  a.Credentials.AccessToken,
			RefreshToken: a.Credentials.RefreshToken,
			ExpiresAt:    a.Credentials.ExpiresAt,
			ClientID:     a.Credentials.ClientID,
			ClientSecret: a.Credentials.ClientSecret,
			ProfileArn:   a.Credentials.ProfileArn,
			Region:       a.Credentials.Region,
			Enabled:      a.Enabled,
		})
	}
	return recs
}

// ImportSnapshot merges persisted records into the pool, using the same
// duplicate-merge rule as Add.
func (s *Store) ImportSnapshot(recs []config.AccountRecord) int {
	n := 0
	for _, rec := range recs {
		creds := Credentials{
			AccessToken:  rec.AccessToken,
			RefreshToken: rec.RefreshToken,
			ExpiresAt:    rec.ExpiresAt,
			AuthKind:     rec.AuthKind,
			ClientID:     rec.ClientID,
			ClientSecret: rec.ClientSecret,
			ProfileArn:   rec.ProfileArn,
			Region:       rec.Region,
		}
		if _, err := s.Add(rec.Label, rec.Provenance, creds); err == nil {
			n++
		}
	}
	return n
}

// scheduleFlush queues an async write of persisted fields to config.json.
// Coalesces bursts; a failed flush never reverts the in-memory change.
func (s *Store) scheduleFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func (s *Store) flushLoop() {
	for range s.flushCh {
		s.docMu.Lock()
		s.doc.Accounts = s.ExportSnapshot()
		err := s.cfg.Save(s.doc)
		s.docMu.Unlock()

		s.persMu.Lock()
		s.lastPers = err
		s.persMu.Unlock()
		if err != nil {
			log.Printf("⚠️ Config flush failed: %v", err)
		}
	}
}
