package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	kiroauth "github.com/petehsu/kiro-proxy/internal/auth/kiro"
	"github.com/petehsu/kiro-proxy/internal/config"
	"github.com/petehsu/kiro-proxy/internal/monitor"
	"github.com/petehsu/kiro-proxy/internal/orch"
	"github.com/petehsu/kiro-proxy/internal/refresh"
	"github.com/petehsu/kiro-proxy/internal/selector"
	"github.com/petehsu/kiro-proxy/internal/store"
	"github.com/petehsu/kiro-proxy/internal/version"
)

// accountView is the management-surface projection of an account; raw
// tokens are masked.
type accountView struct {
	ID           string               `json:"id"`
	Label        string               `json:"label"`
	Provenance   string               `json:"provenance"`
	AuthKind     string               `json:"auth_kind"`
	Enabled      bool                 `json:"enabled"`
	Health       string               `json:"health"`
	CooldownTill *time.Time           `json:"cooldown_till,omitempty"`
	LastUsedAt   *time.Time           `json:"last_used_at,omitempty"`
	InFlight     int                  `json:"in_flight"`
	RequestCount int64                `json:"request_count"`
	ErrorCount   int64                `json:"error_count"`
	ExpiresAt    time.Time            `json:"token_expires_at"`
	HasRefresh   bool                 `json:"has_refresh_token"`
	Token        string               `json:"token"`
	Quota        *store.QuotaSnapshot `json:"quota,omitempty"`
	UnhealthyWhy string               `json:"unhealthy_reason,omitempty"`
}

func viewOf(a store.Account) accountView {
	v := accountView{
		ID:           a.ID,
		Label:        a.Label,
		Provenance:   a.Provenance,
		AuthKind:     a.Credentials.AuthKind,
		Enabled:      a.Enabled,
		Health:       string(a.Health),
		InFlight:     a.InFlight,
		RequestCount: a.RequestCount,
		ErrorCount:   a.ErrorCount,
		ExpiresAt:    a.Credentials.ExpiresAt,
		HasRefresh:   a.Credentials.RefreshToken != "",
		Token:        maskToken(a.Credentials.AccessToken),
		Quota:        a.Quota,
		UnhealthyWhy: a.UnhealthyWhy,
	}
	if !a.CooldownTill.IsZero() {
		t := a.CooldownTill
		v.CooldownTill = &t
	}
	if !a.LastUsedAt.IsZero() {
		t := a.LastUsedAt
		v.LastUsedAt = &t
	}
	return v
}

func maskToken(t string) string {
	if len(t) < 20 {
		return "..."
	}
	return "..." + t[len(t)-12:]
}

// StatusHandler handles GET /api/status.
func StatusHandler(s *store.Store, sel *selector.Selector, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts := s.List()
		byHealth := map[string]int{}
		for _, a := range accounts {
			byHealth[string(a.Health)]++
		}
		status := map[string]interface{}{
			"version":        version.Version,
			"uptime_seconds": int(time.Since(startedAt).Seconds()),
			"accounts":       len(accounts),
			"by_health":      byHealth,
			"active":         s.ActiveCount(),
			"sessions":       sel.SessionCount(),
		}
		if err := s.LastPersistError(); err != nil {
			status["last_persist_error"] = err.Error()
		}
		writeJSON(w, status)
	}
}

// StatsHandler handles GET /api/stats.
func StatsHandler(m *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, m.Stats())
	}
}

// DetailedStatsHandler handles GET /api/stats/detailed.
func DetailedStatsHandler(m *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, m.DetailedStats())
	}
}

// QuotaHandler handles GET /api/quota.
func QuotaHandler(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := map[string]*store.QuotaSnapshot{}
		for _, a := range s.List() {
			if a.Quota != nil {
				out[a.ID] = a.Quota
			}
		}
		writeJSON(w, out)
	}
}

// LogsHandler handles GET /api/logs with optional limit/since filters.
func LogsHandler(m *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		since, _ := strconv.Atoi(r.URL.Query().Get("since_minutes"))
		writeJSON(w, m.Recent(limit, since))
	}
}

// AccountsListHandler handles GET /api/accounts.
func AccountsListHandler(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts := s.List()
		views := make([]accountView, 0, len(accounts))
		for _, a := range accounts {
			views = append(views, viewOf(a))
		}
		writeJSON(w, views)
	}
}

// AccountAddHandler handles POST /api/accounts.
func AccountAddHandler(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
		root := gjson.ParseBytes(body)
		creds := store.Credentials{
			AccessToken:  root.Get("access_token").String(),
			RefreshToken: root.Get("refresh_token").String(),
			AuthKind:     root.Get("auth_kind").String(),
			ClientID:     root.Get("client_id").String(),
			ClientSecret: root.Get("client_secret").String(),
			ProfileArn:   root.Get("profile_arn").String(),
			Region:       root.Get("region").String(),
		}
		if exp := root.Get("expires_at").String(); exp != "" {
			if t, err := time.Parse(time.RFC3339, exp); err == nil {
				creds.ExpiresAt = t
			}
		}
		label := root.Get("label").String()
		if label == "" {
			label = "account"
		}
		provenance := root.Get("provenance").String()
		if provenance == "" {
			provenance = store.AuthKindDeviceCode
		}
		id, err := s.Add(label, provenance, creds)
		if err != nil {
			writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, map[string]string{"id": id})
	}
}

// AccountDeleteHandler handles DELETE /api/accounts/{id}.
func AccountDeleteHandler(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !s.Remove(id) {
			writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "account not found"})
			return
		}
		writeJSON(w, map[string]bool{"removed": true})
	}
}

// AccountToggleHandler handles POST /api/accounts/{id}/toggle.
func AccountToggleHandler(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		acc, ok := s.Get(id)
		if !ok {
			writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "account not found"})
			return
		}
		if err := s.SetEnabled(id, !acc.Enabled); err != nil {
			writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		updated, _ := s.Get(id)
		writeJSON(w, viewOf(updated))
	}
}

// AccountRefreshHandler handles POST /api/accounts/{id}/refresh.
func AccountRefreshHandler(ref *refresh.Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := ref.RefreshOne(r.Context(), id); err != nil {
			writeJSONStatus(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, map[string]bool{"refreshed": true})
	}
}

// AccountRestoreHandler handles POST /api/accounts/{id}/restore: operator
// override returning an unhealthy/cooldown account to active.
func AccountRestoreHandler(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, ok := s.Get(id); !ok {
			writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "account not found"})
			return
		}
		s.MarkActive(id)
		updated, _ := s.Get(id)
		writeJSON(w, viewOf(updated))
	}
}

// AccountUsageHandler handles GET /api/accounts/{id}/usage.
func AccountUsageHandler(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		acc, ok := s.Get(id)
		if !ok {
			writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "account not found"})
			return
		}
		writeJSON(w, map[string]interface{}{
			"id":            acc.ID,
			"request_count": acc.RequestCount,
			"error_count":   acc.ErrorCount,
			"in_flight":     acc.InFlight,
			"quota":         acc.Quota,
		})
	}
}

// RefreshAllHandler handles POST /api/accounts/refresh-all.
func RefreshAllHandler(ref *refresh.Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		go ref.RefreshAll(context.Background())
		writeJSON(w, map[string]bool{"started": true})
	}
}

// TokenScanHandler handles GET /api/token/scan.
func TokenScanHandler(doc *config.Document) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, kiroauth.Scan(doc.ScanPaths))
	}
}

// TokenAddFromScanHandler handles POST /api/token/add-from-scan: import
// one scanned credential file as an account.
func TokenAddFromScanHandler(s *store.Store, doc *config.Document) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
		wantPath := gjson.GetBytes(body, "path").String()
		result := kiroauth.Scan(doc.ScanPaths)
		for _, tok := range result.Tokens {
			if tok.Path != wantPath {
				continue
			}
			id, err := s.Add("scanned: "+wantPath, store.AuthKindScanned, store.Credentials{
				AccessToken:  tok.AccessToken,
				RefreshToken: tok.RefreshToken,
				ExpiresAt:    tok.ExpiresAt,
				AuthKind:     store.AuthKindScanned,
				ClientID:     tok.ClientID,
				ClientSecret: tok.ClientSecret,
				ProfileArn:   tok.ProfileArn,
				Region:       tok.Region,
			})
			if err != nil {
				writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, map[string]string{"id": id})
			return
		}
		writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "no credential found at path"})
	}
}

// TokenRefreshCheckHandler handles GET /api/token/refresh-check.
func TokenRefreshCheckHandler(ref *refresh.Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, ref.Progress())
	}
}

// LoginStartHandler handles POST /api/kiro/login/start.
func LoginStartHandler(flow *kiroauth.DeviceFlow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := readBody(r)
		region := gjson.GetBytes(body, "region").String()
		state, err := flow.Start(r.Context(), region)
		if err != nil {
			writeJSONStatus(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, state)
	}
}

// LoginPollHandler handles POST /api/kiro/login/poll. On success the
// credential becomes a new account.
func LoginPollHandler(flow *kiroauth.DeviceFlow, s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, err := flow.Poll(r.Context())
		if errors.Is(err, kiroauth.ErrAuthorizationPending) {
			writeJSON(w, map[string]string{"status": "pending"})
			return
		}
		if err != nil {
			writeJSONStatus(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		id, err := s.Add("device-code login", store.AuthKindDeviceCode, store.Credentials{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    tok.ExpiresAt,
			AuthKind:     store.AuthKindDeviceCode,
			ClientID:     tok.ClientID,
			ClientSecret: tok.ClientSecret,
			Region:       tok.Region,
		})
		if err != nil {
			writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		log.Printf("✅ Device-code login completed, account %s", id)
		writeJSON(w, map[string]string{"status": "completed", "account_id": id})
	}
}

// LoginCancelHandler handles POST /api/kiro/login/cancel.
func LoginCancelHandler(flow *kiroauth.DeviceFlow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]bool{"cancelled": flow.Cancel()})
	}
}

// SocialStartHandler handles POST /api/kiro/social/start.
func SocialStartHandler(flow *kiroauth.SocialFlow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := readBody(r)
		provider := gjson.GetBytes(body, "provider").String()
		url, state, err := flow.Start(provider)
		if err != nil {
			writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, map[string]string{"login_url": url, "state": state})
	}
}

// SocialExchangeHandler handles POST /api/kiro/social/exchange.
func SocialExchangeHandler(flow *kiroauth.SocialFlow, s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := readBody(r)
		code := gjson.GetBytes(body, "code").String()
		state := gjson.GetBytes(body, "state").String()
		tok, err := flow.Exchange(r.Context(), code, state)
		if err != nil {
			writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		provenance := "social-" + tok.Provider
		id, err := s.Add(provenance+" login", provenance, store.Credentials{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    tok.ExpiresAt,
			AuthKind:     store.AuthKindSocial,
			ProfileArn:   tok.ProfileArn,
		})
		if err != nil {
			writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		log.Printf("✅ Social login completed, account %s", id)
		writeJSON(w, map[string]string{"status": "completed", "account_id": id})
	}
}

// FlowsListHandler handles GET /api/flows.
func FlowsListHandler(ring *orch.FlowRing) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, ring.List())
	}
}

// FlowGetHandler handles GET /api/flows/{id}.
func FlowGetHandler(ring *orch.FlowRing) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := ring.Get(chi.URLParam(r, "id"))
		if !ok {
			writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "flow not found"})
			return
		}
		writeJSON(w, rec)
	}
}

// FlowBookmarkHandler handles POST /api/flows/{id}/bookmark.
func FlowBookmarkHandler(ring *orch.FlowRing) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := readBody(r)
		bookmarked := true
		if v := gjson.GetBytes(body, "bookmarked"); v.Exists() {
			bookmarked = v.Bool()
		}
		if !ring.SetBookmark(chi.URLParam(r, "id"), bookmarked) {
			writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "flow not found"})
			return
		}
		writeJSON(w, map[string]bool{"bookmarked": bookmarked})
	}
}

// FlowsClearHandler handles DELETE /api/flows.
func FlowsClearHandler(ring *orch.FlowRing) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]int{"removed": ring.Clear()})
	}
}

// ConfigExportHandler handles GET /api/config/export.
func ConfigExportHandler(s *store.Store, doc *config.Document) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := *doc
		out.Accounts = s.ExportSnapshot()
		writeJSON(w, out)
	}
}

// ConfigImportHandler handles POST /api/config/import: merges accounts
// from an exported document.
func ConfigImportHandler(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
		var doc config.Document
		if err := json.Unmarshal(body, &doc); err != nil {
			writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		imported := s.ImportSnapshot(doc.Accounts)
		writeJSON(w, map[string]int{"imported": imported})
	}
}
