// Package refresh runs the background token refresh loop and the
// on-demand refresh triggers.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	kiroauth "github.com/petehsu/kiro-proxy/internal/auth/kiro"
	"github.com/petehsu/kiro-proxy/internal/store"
)

const (
	// TickInterval is the period of the background sweep.
	TickInterval = 5 * time.Minute
	// RefreshLead is how soon before expiry an account becomes due.
	RefreshLead = 15 * time.Minute
)

// Progress reports the state of a refresh-all sweep.
type Progress struct {
	Running bool  `json:"running"`
	Done    int   `json:"done"`
	Total   int   `json:"total"`
	Started int64 `json:"started_at,omitempty"`
}

// Refresher inspects expiry and refreshes tokens via the Kiro auth
// endpoints, routing by auth kind.
type Refresher struct {
	store  *store.Store
	client *kiroauth.Client

	progMu sync.Mutex
	prog   Progress
}

// New builds a refresher over the account store.
func New(s *store.Store, client *kiroauth.Client) *Refresher {
	return &Refresher{store: s, client: client}
}

// Run ticks every five minutes until the context is cancelled. One
// immediate sweep happens at startup so stale tokens recover early.
func (r *Refresher) Run(ctx context.Context) error {
	log.Printf("🔄 Token refresh loop started (interval: %s)", TickInterval)
	r.Sweep(ctx)

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep refreshes every due account. Failure of one account never aborts
// the sweep.
func (r *Refresher) Sweep(ctx context.Context) {
	threshold := time.Now().Add(RefreshLead)
	for _, acc := range r.store.List() {
		if acc.Health == store.HealthDisabled {
			continue
		}
		if acc.Credentials.ExpiresAt.After(threshold) {
			continue
		}
		if err := r.RefreshOne(ctx, acc.ID); err != nil {
			log.Printf("❌ Refresh failed for %s: %v", acc.ID, err)
		}
	}
}

// RefreshAll runs RefreshOne for every non-disabled account, tracking
// progress for the management surface. Accounts that are active and whose
// token is not within RefreshLead of expiry are skipped by RefreshOne.
func (r *Refresher) RefreshAll(ctx context.Context) {
	accounts := r.store.List()
	var due []string
	for _, acc := range accounts {
		if acc.Health != store.HealthDisabled {
			due = append(due, acc.ID)
		}
	}

	r.progMu.Lock()
	r.prog = Progress{Running: true, Total: len(due), Started: time.Now().UnixMilli()}
	r.progMu.Unlock()

	log.Printf("🔄 Refresh-all triggered for %d accounts", len(due))
	for _, id := range due {
		if err := r.RefreshOne(ctx, id); err != nil {
			log.Printf("❌ Refresh failed for %s: %v", id, err)
		}
		r.progMu.Lock()
		r.prog.Done++
		r.progMu.Unlock()
	}

	r.progMu.Lock()
	r.prog.Running = false
	r.progMu.Unlock()
}

// Progress returns the state of the last refresh-all sweep.
func (r *Refresher) Progress() Progress {
	r.progMu.Lock()
	defer r.progMu.Unlock()
	return r.prog
}

// RefreshOne refreshes a single account. The per-account mutex means
// concurrent triggers for the same id coalesce: the loser re-reads state
// and skips if the winner already refreshed.
func (r *Refresher) RefreshOne(ctx context.Context, id string) error {
	mu := r.store.RefreshMutex(id)
	mu.Lock()
	defer mu.Unlock()

	acc, ok := r.store.Get(id)
	if !ok {
		return fmt.Errorf("account not found: %s", id)
	}
	// Another trigger may have refreshed while we waited on the mutex.
	if acc.Credentials.ExpiresAt.After(time.Now().Add(RefreshLead)) && acc.Health == store.HealthActive {
		return nil
	}

	var tok *kiroauth.TokenData
	var err error
	switch acc.Credentials.AuthKind {
	case store.AuthKindSocial:
		tok, err = r.client.RefreshSocial(ctx, acc.Credentials.RefreshToken)
	default:
		// Device-code and scanned-cache credentials refresh via SSO OIDC.
		tok, err = r.client.RefreshSSO(ctx,
			acc.Credentials.ClientID, acc.Credentials.ClientSecret,
			acc.Credentials.RefreshToken, acc.Credentials.Region)
	}
	if err != nil {
		r.store.MarkUnhealthy(id, categorize(err))
		return err
	}

	creds := acc.Credentials
	creds.AccessToken = tok.AccessToken
	creds.ExpiresAt = tok.ExpiresAt
	if tok.RefreshToken != "" {
		creds.RefreshToken = tok.RefreshToken
	}
	if tok.ProfileArn != "" {
		creds.ProfileArn = tok.ProfileArn
	}
	if err := r.store.UpdateCredentials(id, creds); err != nil {
		return err
	}
	r.store.MarkActive(id)
	log.Printf("✅ Refreshed token for %s (expires: %s)", acc.Label, tok.ExpiresAt.Format(time.RFC3339))
	return nil
}

func categorize(err error) string {
	var apiErr *kiroauth.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Permanent() {
			return "refresh rejected: re-login required"
		}
		return "refresh endpoint error"
	}
	return "refresh transport error"
}
