package orch

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petehsu/kiro-proxy/internal/config"
	"github.com/petehsu/kiro-proxy/internal/governor"
	"github.com/petehsu/kiro-proxy/internal/kiro"
	"github.com/petehsu/kiro-proxy/internal/selector"
	"github.com/petehsu/kiro-proxy/internal/store"
	"github.com/petehsu/kiro-proxy/internal/translator"
)

// encodeFrame mirrors the upstream's AWS event-stream framing for the
// fake server. CRCs are zero-filled; the reader does not validate them.
func encodeFrame(eventType string, payload []byte) []byte {
	var headers bytes.Buffer
	name := ":event-type"
	headers.WriteByte(byte(len(name)))
	headers.WriteString(name)
	headers.WriteByte(7)
	var valueLen [2]byte
	binary.BigEndian.PutUint16(valueLen[:], uint16(len(eventType)))
	headers.Write(valueLen[:])
	headers.WriteString(eventType)

	totalLen := 12 + headers.Len() + len(payload) + 4
	var out bytes.Buffer
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(totalLen))
	out.Write(buf[:])
	binary.BigEndian.PutUint32(buf[:], uint32(headers.Len()))
	out.Write(buf[:])
	out.Write([]byte{0, 0, 0, 0})
	out.Write(headers.Bytes())
	out.Write(payload)
	out.Write([]byte{0, 0, 0, 0})
	return out.Bytes()
}

func assistantFrames(text string) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"assistantResponseEvent": map[string]interface{}{"content": text},
	})
	return encodeFrame("assistantResponseEvent", payload)
}

type fakeUpstream struct {
	mu       sync.Mutex
	requests [][]byte
	auths    []string
	respond  func(call int, w http.ResponseWriter, body []byte)
}

func (f *fakeUpstream) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := new(bytes.Buffer)
		body.ReadFrom(r.Body)

		f.mu.Lock()
		f.requests = append(f.requests, body.Bytes())
		f.auths = append(f.auths, r.Header.Get("Authorization"))
		call := len(f.requests)
		f.mu.Unlock()

		f.respond(call, w, body.Bytes())
	}
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type testRig struct {
	store        *store.Store
	orchestrator *Orchestrator
	upstream     *fakeUpstream
	server       *httptest.Server
	refreshed    []string
	refreshMu    sync.Mutex
}

func newRig(t *testing.T, accounts int, toggles config.GovernorToggles, respond func(int, http.ResponseWriter, []byte)) *testRig {
	t.Helper()
	cfg := config.NewStore(filepath.Join(t.TempDir(), "config.json"))
	s := store.New(cfg, config.Defaults())
	for i := 0; i < accounts; i++ {
		_, err := s.Add(fmt.Sprintf("acc-%d", i), store.AuthKindDeviceCode, store.Credentials{
			AccessToken: fmt.Sprintf("token-%d", i),
			ExpiresAt:   time.Now().Add(time.Hour),
			AuthKind:    store.AuthKindDeviceCode,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	fake := &fakeUpstream{respond: respond}
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	rig := &testRig{store: s, upstream: fake, server: server}
	client := kiro.NewClientWithBase(s, server.URL)
	sel := selector.New(s)
	gov := governor.New(toggles, nil)
	rig.orchestrator = New(s, sel, client, gov, NewFlowRing(nil), func(id string) {
		rig.refreshMu.Lock()
		rig.refreshed = append(rig.refreshed, id)
		rig.refreshMu.Unlock()
	})
	return rig
}

func openAIRequest(t *testing.T, body string) *translator.Request {
	t.Helper()
	req, err := translator.ParseOpenAI([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestHappyPathOpenAINonStream(t *testing.T) {
	rig := newRig(t, 1, config.GovernorToggles{ErrorRetry: true}, func(call int, w http.ResponseWriter, body []byte) {
		w.WriteHeader(http.StatusOK)
		w.Write(assistantFrames("pong"))
	})

	req := openAIRequest(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"ping"}]}`)
	rec := httptest.NewRecorder()
	rig.orchestrator.Handle(rec, httptest.NewRequest("POST", "/v1/chat/completions", nil), req, "", 10)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp translator.OpenAIChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Choices[0].Message.Content != "pong" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}

	// The upstream call carried the mapped model.
	if !strings.Contains(string(rig.upstream.requests[0]), `"modelId":"claude-sonnet-4"`) {
		t.Error("upstream payload must carry claude-sonnet-4")
	}

	// Account bookkeeping: last_used set, in-flight released.
	acc := rig.store.List()[0]
	if acc.LastUsedAt.IsZero() {
		t.Error("last_used_at must update")
	}
	if acc.InFlight != 0 {
		t.Errorf("in_flight = %d, want 0", acc.InFlight)
	}
	if acc.RequestCount != 1 {
		t.Errorf("request_count = %d", acc.RequestCount)
	}

	// Flow recorded.
	flows := rig.orchestrator.Flows().List()
	if len(flows) != 1 || flows[0].Status != http.StatusOK || flows[0].ModelActual != "claude-sonnet-4" {
		t.Errorf("flow = %#v", flows)
	}
}

func TestRateLimitRotation(t *testing.T) {
	rig := newRig(t, 2, config.GovernorToggles{ErrorRetry: true}, func(call int, w http.ResponseWriter, body []byte) {
		if call == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"throttled"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(assistantFrames("ok"))
	})

	req := openAIRequest(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	rec := httptest.NewRecorder()
	rig.orchestrator.Handle(rec, httptest.NewRequest("POST", "/", nil), req, "", 5)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d after rotation, body %s", rec.Code, rec.Body.String())
	}
	if rig.upstream.callCount() != 2 {
		t.Errorf("upstream calls = %d, want 2", rig.upstream.callCount())
	}

	// The 429'd account is cooling down with a ~5 minute deadline.
	var cooled *store.Account
	for _, acc := range rig.store.List() {
		if acc.Health == store.HealthCooldown {
			a := acc
			cooled = &a
		}
		if acc.InFlight != 0 {
			t.Errorf("in_flight leak on %s: %d", acc.ID, acc.InFlight)
		}
	}
	if cooled == nil {
		t.Fatal("one account must be in cooldown after a 429")
	}
	until := time.Until(cooled.CooldownTill)
	if until < 4*time.Minute || until > 6*time.Minute {
		t.Errorf("cooldown deadline %v from now, want ~5m", until)
	}
}

func TestAllAccountsRateLimited(t *testing.T) {
	rig := newRig(t, 2, config.GovernorToggles{ErrorRetry: true}, func(call int, w http.ResponseWriter, body []byte) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"message":"throttled"}`))
	})

	req := openAIRequest(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	rec := httptest.NewRecorder()
	rig.orchestrator.Handle(rec, httptest.NewRequest("POST", "/", nil), req, "", 5)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), KindRateLimitedAll) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestAuthFailureTriggersRefreshAndRotation(t *testing.T) {
	rig := newRig(t, 2, config.GovernorToggles{ErrorRetry: true}, func(call int, w http.ResponseWriter, body []byte) {
		if call == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"expired"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(assistantFrames("ok"))
	})

	req := openAIRequest(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	rec := httptest.NewRecorder()
	rig.orchestrator.Handle(rec, httptest.NewRequest("POST", "/", nil), req, "", 5)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rig.refreshMu.Lock()
	refreshed := len(rig.refreshed)
	rig.refreshMu.Unlock()
	if refreshed != 1 {
		t.Errorf("refresh triggers = %d, want 1", refreshed)
	}

	unhealthy := 0
	for _, acc := range rig.store.List() {
		if acc.Health == store.HealthUnhealthy {
			unhealthy++
		}
	}
	if unhealthy != 1 {
		t.Errorf("unhealthy accounts = %d, want 1", unhealthy)
	}
}

func TestLengthErrorRetryOnce(t *testing.T) {
	rig := newRig(t, 1, config.GovernorToggles{ErrorRetry: true}, func(call int, w http.ResponseWriter, body []byte) {
		if call == 1 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"message":"CONTENT_LENGTH_EXCEEDS_THRESHOLD"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(assistantFrames("trimmed and done"))
	})

	// A conversation big enough that the retry truncation can drop turns.
	filler := strings.Repeat("x", 60000)
	var msgs []string
	for i := 0; i < 6; i++ {
		msgs = append(msgs,
			fmt.Sprintf(`{"role":"user","content":"%s"}`, filler),
			`{"role":"assistant","content":"ok"}`)
	}
	msgs = append(msgs, `{"role":"user","content":"final"}`)
	body := fmt.Sprintf(`{"model":"gpt-4o","messages":[%s]}`, strings.Join(msgs, ","))

	req := openAIRequest(t, body)
	rec := httptest.NewRecorder()
	rig.orchestrator.Handle(rec, httptest.NewRequest("POST", "/", nil), req, "", int64(len(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rig.upstream.callCount() != 2 {
		t.Fatalf("upstream calls = %d, want 2 (original + one retry)", rig.upstream.callCount())
	}

	// The retry payload shrank.
	if len(rig.upstream.requests[1]) >= len(rig.upstream.requests[0]) {
		t.Error("retry payload must be smaller than the original")
	}

	var resp translator.OpenAIChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Choices[0].Message.Content != "trimmed and done" {
		t.Errorf("client must see a single successful response, got %q", resp.Choices[0].Message.Content)
	}
}

func TestLengthErrorRetryStaysOnSameAccount(t *testing.T) {
	rig := newRig(t, 3, config.GovernorToggles{ErrorRetry: true}, func(call int, w http.ResponseWriter, body []byte) {
		if call == 1 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"message":"CONTENT_LENGTH_EXCEEDS_THRESHOLD"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(assistantFrames("ok"))
	})

	filler := strings.Repeat("x", 60000)
	var msgs []string
	for i := 0; i < 6; i++ {
		msgs = append(msgs,
			fmt.Sprintf(`{"role":"user","content":"%s"}`, filler),
			`{"role":"assistant","content":"ok"}`)
	}
	msgs = append(msgs, `{"role":"user","content":"final"}`)
	body := fmt.Sprintf(`{"model":"gpt-4o","messages":[%s]}`, strings.Join(msgs, ","))

	// No session key: the retry affinity must hold even without stickiness.
	req := openAIRequest(t, body)
	rec := httptest.NewRecorder()
	rig.orchestrator.Handle(rec, httptest.NewRequest("POST", "/", nil), req, "", int64(len(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rig.upstream.callCount() != 2 {
		t.Fatalf("upstream calls = %d, want 2", rig.upstream.callCount())
	}

	rig.upstream.mu.Lock()
	first, second := rig.upstream.auths[0], rig.upstream.auths[1]
	rig.upstream.mu.Unlock()
	if first != second {
		t.Errorf("governed retry switched accounts: %q then %q", first, second)
	}

	for _, acc := range rig.store.List() {
		if acc.InFlight != 0 {
			t.Errorf("in_flight leak on %s: %d", acc.ID, acc.InFlight)
		}
	}
}

func TestLengthErrorSurfacesWhenRetryFails(t *testing.T) {
	rig := newRig(t, 1, config.GovernorToggles{ErrorRetry: true}, func(call int, w http.ResponseWriter, body []byte) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"CONTENT_LENGTH_EXCEEDS_THRESHOLD"}`))
	})

	filler := strings.Repeat("x", 300000)
	body := fmt.Sprintf(`{"model":"gpt-4o","messages":[{"role":"user","content":"%s"},{"role":"assistant","content":"a"},{"role":"user","content":"final"}]}`, filler)
	req := openAIRequest(t, body)
	rec := httptest.NewRecorder()
	rig.orchestrator.Handle(rec, httptest.NewRequest("POST", "/", nil), req, "", int64(len(body)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), KindContentLength) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestNoAccountAvailable(t *testing.T) {
	rig := newRig(t, 0, config.GovernorToggles{ErrorRetry: true}, func(call int, w http.ResponseWriter, body []byte) {
		t.Error("upstream must not be called without accounts")
	})

	req := openAIRequest(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	rec := httptest.NewRecorder()
	rig.orchestrator.Handle(rec, httptest.NewRequest("POST", "/", nil), req, "", 5)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), KindNoAccount) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestStreamingOpenAI(t *testing.T) {
	rig := newRig(t, 1, config.GovernorToggles{ErrorRetry: true}, func(call int, w http.ResponseWriter, body []byte) {
		w.WriteHeader(http.StatusOK)
		w.Write(assistantFrames("one "))
		w.Write(assistantFrames("two"))
	})

	req := openAIRequest(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	rec := httptest.NewRecorder()
	rig.orchestrator.Handle(rec, httptest.NewRequest("POST", "/", nil), req, "", 5)

	bodyStr := rec.Body.String()
	if !strings.Contains(bodyStr, "data: [DONE]") {
		t.Error("stream must terminate with [DONE]")
	}

	// Concatenated text deltas equal the upstream text.
	var text strings.Builder
	for _, line := range strings.Split(bodyStr, "\n") {
		if !strings.HasPrefix(line, "data: ") || line == "data: [DONE]" {
			continue
		}
		var chunk translator.OpenAIChatResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta != nil {
			text.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	if text.String() != "one two" {
		t.Errorf("concatenated deltas = %q", text.String())
	}

	acc := rig.store.List()[0]
	if acc.InFlight != 0 {
		t.Errorf("in_flight after stream = %d", acc.InFlight)
	}
}

func TestSessionStickyAcrossRequests(t *testing.T) {
	rig := newRig(t, 2, config.GovernorToggles{ErrorRetry: true}, func(call int, w http.ResponseWriter, body []byte) {
		w.WriteHeader(http.StatusOK)
		w.Write(assistantFrames("ok"))
	})

	req := func() *translator.Request {
		return openAIRequest(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	}

	rec1 := httptest.NewRecorder()
	rig.orchestrator.Handle(rec1, httptest.NewRequest("POST", "/", nil), req(), "s1", 5)
	first := rig.orchestrator.Flows().List()[0].AccountID

	// A second session pulls the LRU account so the pool rotates.
	rec2 := httptest.NewRecorder()
	rig.orchestrator.Handle(rec2, httptest.NewRequest("POST", "/", nil), req(), "s2", 5)

	rec3 := httptest.NewRecorder()
	rig.orchestrator.Handle(rec3, httptest.NewRequest("POST", "/", nil), req(), "s1", 5)
	third := rig.orchestrator.Flows().List()[0].AccountID

	if first != third {
		t.Errorf("session s1 served by %s then %s, want sticky", first, third)
	}
}
