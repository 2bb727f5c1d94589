// Package orch drives a request through the serving pipeline:
// normalize → govern → select → upstream call → translate out, with
// account rotation on recoverable errors.
package orch

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/petehsu/kiro-proxy/internal/governor"
	"github.com/petehsu/kiro-proxy/internal/kiro"
	"github.com/petehsu/kiro-proxy/internal/monitor"
	"github.com/petehsu/kiro-proxy/internal/normalize"
	"github.com/petehsu/kiro-proxy/internal/selector"
	"github.com/petehsu/kiro-proxy/internal/store"
	"github.com/petehsu/kiro-proxy/internal/translator"
)

// Error kinds surfaced to callers, mapped into each protocol's native
// error shape.
const (
	KindNoAccount      = "no_account_available"
	KindAuthFailed     = "authentication_failed"
	KindRateLimitedAll = "rate_limited_all_accounts"
	KindContentLength  = "content_length_exceeded"
	KindUpstreamDown   = "upstream_unavailable"
	KindBadRequest     = "bad_request"
	KindUnsupported    = "unsupported_feature"
	KindInternal       = "internal"
)

const (
	// CooldownDuration is the fixed exclusion window after an upstream 429.
	CooldownDuration = 5 * time.Minute
	// DefaultDeadline bounds one request end to end.
	DefaultDeadline = 120 * time.Second
	// maxAttemptCap bounds selection attempts regardless of pool size.
	maxAttemptCap = 3
)

// RefreshTrigger requests an async token refresh for one account.
type RefreshTrigger func(accountID string)

// Orchestrator wires the pipeline collaborators.
type Orchestrator struct {
	store    *store.Store
	selector *selector.Selector
	client   *kiro.Client
	governor *governor.Governor
	flows    *FlowRing
	refresh  RefreshTrigger
	deadline time.Duration
}

// New builds an orchestrator. refresh may be nil.
func New(s *store.Store, sel *selector.Selector, client *kiro.Client, gov *governor.Governor, flows *FlowRing, refresh RefreshTrigger) *Orchestrator {
	return &Orchestrator{
		store:    s,
		selector: sel,
		client:   client,
		governor: gov,
		flows:    flows,
		refresh:  refresh,
		deadline: DefaultDeadline,
	}
}

// SetDeadline overrides the per-request deadline.
func (o *Orchestrator) SetDeadline(d time.Duration) { o.deadline = d }

// Flows exposes the flow ring to the management surface.
func (o *Orchestrator) Flows() *FlowRing { return o.flows }

// Handle runs a decoded request to completion, writing the caller's
// native response or stream to w.
func (o *Orchestrator) Handle(w http.ResponseWriter, r *http.Request, req *translator.Request, sessionID string, bytesIn int64) {
	ctx, cancel := context.WithTimeout(r.Context(), o.deadline)
	defer cancel()

	flow := monitor.FlowRecord{
		ID:             uuid.New().String(),
		StartedAt:      time.Now().UnixMilli(),
		ClientProtocol: req.Protocol,
		ModelRequested: req.ModelRequested,
		ModelActual:    req.Model,
		BytesIn:        bytesIn,
	}
	if req.ModelWarning {
		flow.Note = "unknown model mapped to " + req.Model
	}
	started := time.Now()
	defer func() {
		flow.DurationMs = time.Since(started).Milliseconds()
		o.flows.Append(flow)
	}()

	norm := normalize.Normalize(req.Messages)
	norm = o.governor.PreSend(ctx, norm)

	maxAttempts := o.store.ActiveCount()
	if maxAttempts > maxAttemptCap {
		maxAttempts = maxAttemptCap
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	excluded := make(map[string]bool)
	governed := false // post-error truncation happens at most once
	var lastKind kiro.ErrorKind
	var retryAccountID string // governed retry stays on the same account

	for attempt := 0; attempt < maxAttempts; attempt++ {
		var acc store.Account
		var result selector.Result
		if retryAccountID != "" {
			// length_exceeded → GOVERN_POST → CALL: re-run against the
			// account that reported the error, no fresh selection.
			if reacquired, ok := o.store.AcquireByID(retryAccountID, excluded); ok {
				acc, result = reacquired, selector.Selected
			} else {
				acc, result = o.selector.Select(sessionID, excluded)
			}
			retryAccountID = ""
		} else {
			acc, result = o.selector.Select(sessionID, excluded)
		}
		if result == selector.RetrySoon {
			// The earliest cooldown expires within the grace window; wait
			// it out once rather than failing fast.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				o.fail(w, &flow, req, KindInternal, http.StatusGatewayTimeout, "request deadline exceeded")
				return
			}
			acc, result = o.selector.Select(sessionID, excluded)
		}
		if result != selector.Selected {
			o.failExhausted(w, &flow, req, lastKind, true)
			return
		}
		flow.AccountID = acc.ID

		done, retryKind := o.attempt(ctx, w, req, norm, acc, &flow)
		if done {
			return
		}
		lastKind = retryKind

		switch retryKind {
		case kiro.ErrRateLimited:
			o.store.MarkCooldown(acc.ID, CooldownDuration)
			excluded[acc.ID] = true
		case kiro.ErrAuthFailed:
			o.store.MarkUnhealthy(acc.ID, "upstream auth failure")
			if o.refresh != nil {
				o.refresh(acc.ID)
			}
			excluded[acc.ID] = true
		case kiro.ErrLengthExceeded:
			if governed || !o.governor.ErrorRetryEnabled() {
				o.fail(w, &flow, req, KindContentLength, http.StatusBadRequest, "conversation exceeds the upstream context limit")
				return
			}
			shrunk, ok := o.governor.OnLengthError(ctx, norm)
			if !ok {
				o.fail(w, &flow, req, KindContentLength, http.StatusBadRequest, "conversation exceeds the upstream context limit")
				return
			}
			norm = shrunk
			governed = true
			retryAccountID = acc.ID
			attempt--
		case kiro.ErrServer, kiro.ErrTransport:
			excluded[acc.ID] = true
		}

		if ctx.Err() != nil {
			o.fail(w, &flow, req, KindUpstreamDown, http.StatusGatewayTimeout, "request deadline exceeded")
			return
		}
	}

	o.failExhausted(w, &flow, req, lastKind, false)
}

// failExhausted surfaces the terminal error once rotation has run out of
// accounts or attempts.
func (o *Orchestrator) failExhausted(w http.ResponseWriter, flow *monitor.FlowRecord, req *translator.Request, lastKind kiro.ErrorKind, noneSelectable bool) {
	switch lastKind {
	case kiro.ErrRateLimited:
		o.fail(w, flow, req, KindRateLimitedAll, http.StatusTooManyRequests, "all accounts are rate limited")
	case kiro.ErrAuthFailed:
		o.fail(w, flow, req, KindAuthFailed, http.StatusUnauthorized, "upstream authentication failed on all accounts")
	default:
		if noneSelectable {
			o.fail(w, flow, req, KindNoAccount, http.StatusServiceUnavailable, "no account available")
			return
		}
		o.fail(w, flow, req, KindUpstreamDown, http.StatusBadGateway, "upstream unavailable after retries")
	}
}

// attempt performs one upstream call. Returns done=true when a response
// (success or terminal error) has been written; otherwise retryKind tells
// the rotation loop what happened. The account's in-flight count is
// released on every exit path.
func (o *Orchestrator) attempt(ctx context.Context, w http.ResponseWriter, req *translator.Request, norm normalize.Result, acc store.Account, flow *monitor.FlowRecord) (bool, kiro.ErrorKind) {
	defer o.store.Release(acc.ID)

	if req.Stream {
		return o.attemptStream(ctx, w, req, norm, acc, flow)
	}

	reply, callErr := o.client.Call(ctx, acc, req, norm)
	if callErr != nil {
		if callErr.Kind == kiro.ErrClient {
			o.fail(w, flow, req, KindBadRequest, http.StatusBadRequest, callErr.Message)
			return true, ""
		}
		log.Printf("⚠️ Upstream call failed on account %s: %v", acc.ID, callErr)
		return false, callErr.Kind
	}

	resp := &translator.Response{
		Model:        req.ModelRequested,
		Content:      reply.Content,
		StopReason:   reply.StopReason,
		InputTokens:  reply.Usage.InputTokens,
		OutputTokens: reply.Usage.OutputTokens,
	}

	var body []byte
	switch req.Protocol {
	case translator.ProtocolOpenAI:
		body = translator.BuildOpenAIResponse(resp)
	case translator.ProtocolAnthropic:
		body = translator.BuildClaudeResponse(resp)
	case translator.ProtocolGemini:
		body = translator.BuildGeminiResponse(resp)
	default:
		o.fail(w, flow, req, KindInternal, http.StatusInternalServerError, "unknown protocol")
		return true, ""
	}

	flow.Status = http.StatusOK
	flow.BytesOut = int64(len(body))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	return true, ""
}

// attemptStream mediates the upstream event stream into the client's
// protocol. Once the first bytes are committed the account cannot change;
// a mid-stream failure becomes a terminal error event.
func (o *Orchestrator) attemptStream(ctx context.Context, w http.ResponseWriter, req *translator.Request, norm normalize.Result, acc store.Account, flow *monitor.FlowRecord) (bool, kiro.ErrorKind) {
	stream, callErr := o.client.CallStream(ctx, acc, req, norm)
	if callErr != nil {
		if callErr.Kind == kiro.ErrClient {
			o.fail(w, flow, req, KindBadRequest, http.StatusBadRequest, callErr.Message)
			return true, ""
		}
		log.Printf("⚠️ Upstream stream failed on account %s: %v", acc.ID, callErr)
		return false, callErr.Kind
	}
	defer stream.Close()

	sw, err := translator.NewStreamWriter(req.Protocol, req.ModelRequested, w)
	if err != nil {
		o.fail(w, flow, req, KindInternal, http.StatusInternalServerError, err.Error())
		return true, ""
	}

	if req.Protocol == translator.ProtocolGemini {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
	}
	w.WriteHeader(http.StatusOK)
	flow.Status = http.StatusOK

	started := time.Now()
	firstByte := false
	if err := sw.Start(); err != nil {
		return true, "" // client already gone
	}

	var usage kiro.Usage
	stopReason := ""
	for {
		if ctx.Err() != nil {
			// Client disconnect or deadline: drop the upstream stream,
			// forge nothing to the absent client.
			flow.ErrorKind = "canceled"
			return true, ""
		}
		ev, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			flow.ErrorKind = string(kiro.ErrTransport)
			sw.Error(KindUpstreamDown, "upstream stream interrupted")
			return true, ""
		}
		if ev.Err != nil {
			flow.ErrorKind = "upstream_error"
			sw.Error(KindUpstreamDown, ev.Err.Error())
			return true, ""
		}

		if !firstByte && (ev.Text != "" || ev.ToolUse != nil) {
			firstByte = true
			flow.FirstByteMs = time.Since(started).Milliseconds()
		}
		if ev.Text != "" {
			if err := sw.TextDelta(ev.Text); err != nil {
				flow.ErrorKind = "canceled"
				return true, ""
			}
			flow.BytesOut += int64(len(ev.Text))
		}
		if ev.ToolUse != nil {
			if stopReason == "" {
				stopReason = "tool_use"
			}
			if err := sw.ToolUse(ev.ToolUse.ToolUseID, ev.ToolUse.Name, ev.ToolUse.Input); err != nil {
				flow.ErrorKind = "canceled"
				return true, ""
			}
		}
		if ev.Usage != nil {
			usage = *ev.Usage
		}
		if ev.StopReason != "" {
			stopReason = ev.StopReason
		}
	}

	if usage.OutputTokens == 0 {
		usage.OutputTokens = flow.BytesOut/4 + 1
	}
	sw.Finish(stopReason, usage.InputTokens, usage.OutputTokens)
	return true, ""
}

// fail writes a non-streaming error response in the caller's protocol.
func (o *Orchestrator) fail(w http.ResponseWriter, flow *monitor.FlowRecord, req *translator.Request, kind string, status int, message string) {
	flow.Status = status
	flow.ErrorKind = kind

	var body []byte
	switch req.Protocol {
	case translator.ProtocolAnthropic:
		body = translator.ClaudeErrorBody(kind, message)
	case translator.ProtocolGemini:
		body = translator.GeminiErrorBody(status, kind, message)
	default:
		body = translator.OpenAIErrorBody(kind, message)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
