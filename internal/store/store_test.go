package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/petehsu/kiro-proxy/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.NewStore(filepath.Join(t.TempDir(), "config.json"))
	doc := config.Defaults()
	return New(cfg, doc)
}

func addAccount(t *testing.T, s *Store, label string) string {
	t.Helper()
	id, err := s.Add(label, AuthKindDeviceCode, Credentials{
		AccessToken:  "token-" + label,
		RefreshToken: "refresh-" + label,
		ExpiresAt:    time.Now().Add(time.Hour),
		AuthKind:     AuthKindDeviceCode,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestAddRejectsEmptyAccessToken(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Add("x", AuthKindDeviceCode, Credentials{}); err == nil {
		t.Error("empty access token must be rejected")
	}
}

func TestAddRequiresRefreshTokenForSocial(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add("x", "social-google", Credentials{AccessToken: "t", AuthKind: AuthKindSocial})
	if err == nil {
		t.Error("social credentials without refresh token must be rejected")
	}
}

func TestDuplicateAddMergesByLineage(t *testing.T) {
	s := newTestStore(t)
	id1 := addAccount(t, s, "a")

	// Same refresh token = same credential lineage, different label.
	id2, err := s.Add("different label", AuthKindDeviceCode, Credentials{
		AccessToken:  "newer-token",
		RefreshToken: "refresh-a",
		ExpiresAt:    time.Now().Add(2 * time.Hour),
		AuthKind:     AuthKindDeviceCode,
	})
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("duplicate add must merge: %s vs %s", id1, id2)
	}
	if len(s.List()) != 1 {
		t.Errorf("accounts = %d, want 1", len(s.List()))
	}
	acc, _ := s.Get(id1)
	if acc.Credentials.AccessToken != "newer-token" {
		t.Errorf("merged token = %q", acc.Credentials.AccessToken)
	}
}

func TestExpiryNeverRegresses(t *testing.T) {
	s := newTestStore(t)
	id := addAccount(t, s, "a")
	acc, _ := s.Get(id)
	oldExpiry := acc.Credentials.ExpiresAt

	// A refresh yielding an earlier expiry must not move it backwards.
	creds := acc.Credentials
	creds.ExpiresAt = oldExpiry.Add(-30 * time.Minute)
	if err := s.UpdateCredentials(id, creds); err != nil {
		t.Fatal(err)
	}
	updated, _ := s.Get(id)
	if updated.Credentials.ExpiresAt.Before(oldExpiry) {
		t.Errorf("expiry regressed: %v < %v", updated.Credentials.ExpiresAt, oldExpiry)
	}

	// A later expiry is applied.
	creds.ExpiresAt = oldExpiry.Add(time.Hour)
	s.UpdateCredentials(id, creds)
	updated, _ = s.Get(id)
	if !updated.Credentials.ExpiresAt.After(oldExpiry) {
		t.Error("later expiry must win")
	}
}

func TestHealthTransitions(t *testing.T) {
	s := newTestStore(t)
	id := addAccount(t, s, "a")

	s.MarkCooldown(id, time.Minute)
	acc, _ := s.Get(id)
	if acc.Health != HealthCooldown || acc.Selectable(time.Now()) {
		t.Errorf("after 429: health=%s selectable=%v", acc.Health, acc.Selectable(time.Now()))
	}

	// Cooldown expires automatically once the deadline passes.
	if !acc.Selectable(time.Now().Add(2 * time.Minute)) {
		t.Error("account must become selectable after the cooldown deadline")
	}

	s.MarkUnhealthy(id, "refresh failed")
	acc, _ = s.Get(id)
	if acc.Health != HealthUnhealthy {
		t.Errorf("health = %s", acc.Health)
	}

	s.MarkActive(id)
	acc, _ = s.Get(id)
	if acc.Health != HealthActive || acc.UnhealthyWhy != "" {
		t.Errorf("after recovery: %#v", acc)
	}

	// Operator disable wins over everything.
	s.SetEnabled(id, false)
	s.MarkActive(id)
	acc, _ = s.Get(id)
	if acc.Health != HealthDisabled {
		t.Errorf("disabled account must stay disabled, got %s", acc.Health)
	}
}

func TestAcquirePrefersLeastRecentlyUsed(t *testing.T) {
	s := newTestStore(t)
	idA := addAccount(t, s, "a")
	idB := addAccount(t, s, "b")

	first, ok := s.Acquire(nil)
	if !ok {
		t.Fatal("no account acquired")
	}
	s.Release(first.ID)

	second, ok := s.Acquire(nil)
	if !ok {
		t.Fatal("no account acquired")
	}
	s.Release(second.ID)
	if first.ID == second.ID {
		t.Error("LRU selection must rotate between idle accounts")
	}

	// Exclusion removes a candidate entirely.
	third, ok := s.Acquire(map[string]bool{idA: true})
	if !ok || third.ID != idB {
		t.Errorf("excluded selection = %v, %v", third.ID, ok)
	}
	s.Release(third.ID)
}

func TestInFlightBalance(t *testing.T) {
	s := newTestStore(t)
	id := addAccount(t, s, "a")

	acc, _ := s.Acquire(nil)
	if acc.InFlight != 1 {
		t.Errorf("in_flight after acquire = %d", acc.InFlight)
	}
	s.Release(id)
	got, _ := s.Get(id)
	if got.InFlight != 0 {
		t.Errorf("in_flight after release = %d", got.InFlight)
	}
	// Release never goes negative.
	s.Release(id)
	got, _ = s.Get(id)
	if got.InFlight != 0 {
		t.Errorf("in_flight after double release = %d", got.InFlight)
	}
}

func TestAcquireSkipsNonSelectable(t *testing.T) {
	s := newTestStore(t)
	idA := addAccount(t, s, "a")
	idB := addAccount(t, s, "b")

	s.MarkCooldown(idA, time.Hour)
	s.SetEnabled(idB, false)

	if _, ok := s.Acquire(nil); ok {
		t.Error("no account should be selectable")
	}
	if s.ActiveCount() != 0 {
		t.Errorf("active count = %d", s.ActiveCount())
	}

	deadline, ok := s.EarliestCooldown()
	if !ok || deadline.Before(time.Now()) {
		t.Errorf("earliest cooldown = %v, %v", deadline, ok)
	}
}

func TestExportImportSnapshot(t *testing.T) {
	s := newTestStore(t)
	addAccount(t, s, "a")
	addAccount(t, s, "b")

	snapshot := s.ExportSnapshot()
	if len(snapshot) != 2 {
		t.Fatalf("snapshot = %d", len(snapshot))
	}

	other := newTestStore(t)
	if n := other.ImportSnapshot(snapshot); n != 2 {
		t.Errorf("imported = %d", n)
	}
	// Importing again merges rather than duplicating.
	other.ImportSnapshot(snapshot)
	if len(other.List()) != 2 {
		t.Errorf("accounts after re-import = %d", len(other.List()))
	}
}
