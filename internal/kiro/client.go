package kiro

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petehsu/kiro-proxy/internal/normalize"
	"github.com/petehsu/kiro-proxy/internal/store"
	"github.com/petehsu/kiro-proxy/internal/translator"
)

// ErrorKind categorizes observable upstream failures.
type ErrorKind string

const (
	ErrRateLimited    ErrorKind = "rate_limited"
	ErrAuthFailed     ErrorKind = "auth_failed"
	ErrLengthExceeded ErrorKind = "length_exceeded"
	ErrServer         ErrorKind = "server_error"
	ErrTransport      ErrorKind = "transport_error"
	ErrClient         ErrorKind = "client_error"
)

// lengthExceededCode is the body-level error code the upstream returns
// when the conversation exceeds its context threshold.
const lengthExceededCode = "CONTENT_LENGTH_EXCEEDS_THRESHOLD"

// CallError is a categorized upstream failure.
type CallError struct {
	Kind    ErrorKind
	Status  int
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("upstream %s (status %d): %s", e.Kind, e.Status, e.Message)
}

// UpstreamError is an AWS-style exception carried inside the event stream.
type UpstreamError struct {
	Type    string
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %s: %s", e.Type, e.Message)
}

const (
	defaultRegion = "us-east-1"
	contentType   = "application/json"
	acceptStream  = "*/*"

	// userAgent matches the Amazon Q CLI SDK signature the upstream expects.
	userAgent     = "aws-sdk-rust/1.3.9 os/macos lang/rust/1.87.0"
	fullUserAgent = "aws-sdk-rust/1.3.9 ua/2.1 api/ssooidc/1.88.0 os/macos lang/rust/1.87.0 m/E app/AmazonQ-For-CLI"
)

type endpoint struct {
	url    string
	origin string
}

// endpoints returns the Q endpoint (CLI quota) first, with the
// CodeWhisperer endpoint (IDE quota) as fallback. Each endpoint requires
// its matching origin value inside the request body.
func endpoints(region string) []endpoint {
	if region == "" {
		region = defaultRegion
	}
	return []endpoint{
		{url: fmt.Sprintf("https://q.%s.amazonaws.com/generateAssistantResponse", region), origin: "CLI"},
		{url: fmt.Sprintf("https://codewhisperer.%s.amazonaws.com/generateAssistantResponse", region), origin: "AI_EDITOR"},
	}
}

// Client issues upstream calls with a chosen credential.
type Client struct {
	httpClient *http.Client
	store      *store.Store
	baseURL    string // overrides endpoints entirely when set (tests)
}

// NewClient builds an upstream client over the account store (for quota
// and usage bookkeeping).
func NewClient(s *store.Store) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		store:      s,
	}
}

// NewClientWithBase builds a client pinned to one endpoint URL (tests).
func NewClientWithBase(s *store.Store, baseURL string) *Client {
	c := NewClient(s)
	c.baseURL = baseURL
	return c
}

func (c *Client) endpointsFor(acc store.Account) []endpoint {
	if c.baseURL != "" {
		return []endpoint{{url: c.baseURL, origin: "CLI"}}
	}
	return endpoints(acc.Credentials.Region)
}

// Reply is a fully drained non-streaming upstream result.
type Reply struct {
	Content    []normalize.Part
	StopReason string
	Usage      Usage
}

// Call performs a non-streaming request: the event stream is drained and
// merged into a single reply.
func (c *Client) Call(ctx context.Context, acc store.Account, req *translator.Request, norm normalize.Result) (*Reply, *CallError) {
	stream, callErr := c.CallStream(ctx, acc, req, norm)
	if callErr != nil {
		return nil, callErr
	}
	defer stream.Close()

	reply := &Reply{}
	var textBuf strings.Builder
	flushText := func() {
		if textBuf.Len() > 0 {
			reply.Content = append(reply.Content, normalize.Part{Type: normalize.PartText, Text: textBuf.String()})
			textBuf.Reset()
		}
	}

	for {
		ev, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &CallError{Kind: ErrTransport, Message: err.Error()}
		}
		if ev.Err != nil {
			return nil, categorizeStreamError(ev.Err)
		}
		if ev.Text != "" {
			textBuf.WriteString(ev.Text)
		}
		if ev.ToolUse != nil {
			flushText()
			reply.Content = append(reply.Content, normalize.Part{
				Type:      normalize.PartToolUse,
				ToolUseID: ev.ToolUse.ToolUseID,
				ToolName:  ev.ToolUse.Name,
				ToolInput: ev.ToolUse.Input,
			})
		}
		if ev.Usage != nil {
			reply.Usage = *ev.Usage
		}
		if ev.StopReason != "" {
			reply.StopReason = ev.StopReason
		}
	}
	flushText()

	if reply.Usage.OutputTokens == 0 {
		chars := 0
		for _, p := range reply.Content {
			chars += len(p.Text)
		}
		reply.Usage.OutputTokens = int64(chars/4) + 1
	}
	return reply, nil
}

// Stream is an open upstream event stream. Close closes the response body
// without reading the events that remain.
type Stream struct {
	reader *EventStreamReader
	body   io.ReadCloser
}

// Next returns the next event, io.EOF at end of stream.
func (s *Stream) Next() (Event, error) { return s.reader.Next() }

// Close drops the upstream stream.
func (s *Stream) Close() { s.body.Close() }

// CallStream issues the request and returns the open event stream once
// the upstream has accepted it. Errors before first byte come back as a
// categorized CallError.
func (c *Client) CallStream(ctx context.Context, acc store.Account, req *translator.Request, norm normalize.Result) (*Stream, *CallError) {
	eps := c.endpointsFor(acc)
	var lastErr *CallError

	for i, ep := range eps {
		payload, err := BuildPayload(req, norm, acc.Credentials.ProfileArn, ep.origin)
		if err != nil {
			return nil, &CallError{Kind: ErrClient, Message: "build payload: " + err.Error()}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(payload))
		if err != nil {
			return nil, &CallError{Kind: ErrTransport, Message: err.Error()}
		}
		httpReq.Header.Set("Content-Type", contentType)
		httpReq.Header.Set("Accept", acceptStream)
		httpReq.Header.Set("Authorization", "Bearer "+acc.Credentials.AccessToken)
		httpReq.Header.Set("User-Agent", userAgent)
		httpReq.Header.Set("X-Amz-User-Agent", fullUserAgent)
		httpReq.Header.Set("Amz-Sdk-Invocation-Id", uuid.New().String())
		httpReq.Header.Set("Amz-Sdk-Request", "attempt=1; max=3")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, &CallError{Kind: ErrTransport, Status: 499, Message: "client canceled request"}
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, &CallError{Kind: ErrTransport, Status: http.StatusGatewayTimeout, Message: "upstream request timed out"}
			}
			lastErr = &CallError{Kind: ErrTransport, Message: err.Error()}
			continue
		}

		c.harvestQuota(acc.ID, resp.Header)

		if resp.StatusCode == http.StatusOK {
			return &Stream{reader: NewEventStreamReader(resp.Body), body: resp.Body}, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		callErr := categorizeStatus(resp.StatusCode, string(body))

		// 429 and 5xx may be endpoint-local; the fallback endpoint has a
		// separate quota pool.
		if (callErr.Kind == ErrRateLimited || callErr.Kind == ErrServer) && i < len(eps)-1 {
			log.Printf("⚠️ Endpoint %d returned %d, trying fallback", i+1, resp.StatusCode)
			lastErr = callErr
			continue
		}
		return nil, callErr
	}
	if lastErr == nil {
		lastErr = &CallError{Kind: ErrTransport, Message: "all endpoints exhausted"}
	}
	return nil, lastErr
}

func categorizeStatus(status int, body string) *CallError {
	kind := ErrClient
	switch {
	case status == http.StatusTooManyRequests:
		kind = ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrAuthFailed
	case status >= 500:
		kind = ErrServer
	}
	if strings.Contains(body, lengthExceededCode) {
		kind = ErrLengthExceeded
	}
	return &CallError{Kind: kind, Status: status, Message: body}
}

func categorizeStreamError(err error) *CallError {
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		if strings.Contains(upstreamErr.Message, lengthExceededCode) || strings.Contains(upstreamErr.Type, lengthExceededCode) {
			return &CallError{Kind: ErrLengthExceeded, Message: upstreamErr.Message}
		}
		if strings.Contains(upstreamErr.Type, "Throttling") {
			return &CallError{Kind: ErrRateLimited, Status: http.StatusTooManyRequests, Message: upstreamErr.Message}
		}
		if strings.Contains(upstreamErr.Type, "AccessDenied") || strings.Contains(upstreamErr.Type, "Unauthorized") {
			return &CallError{Kind: ErrAuthFailed, Message: upstreamErr.Message}
		}
		return &CallError{Kind: ErrServer, Message: upstreamErr.Message}
	}
	return &CallError{Kind: ErrTransport, Message: err.Error()}
}

// harvestQuota records a quota snapshot when the upstream exposes
// remaining-quota headers.
func (c *Client) harvestQuota(accountID string, headers http.Header) {
	if c.store == nil {
		return
	}
	remaining := headers.Get("X-Amzn-Codewhisperer-Quota-Remaining")
	if remaining == "" {
		remaining = headers.Get("X-Ratelimit-Remaining")
	}
	if remaining == "" {
		return
	}
	n, err := strconv.ParseInt(remaining, 10, 64)
	if err != nil {
		return
	}
	var resetAt time.Time
	reset := headers.Get("X-Amzn-Codewhisperer-Quota-Reset")
	if reset == "" {
		reset = headers.Get("X-Ratelimit-Reset")
	}
	if reset != "" {
		if secs, err := strconv.ParseInt(reset, 10, 64); err == nil {
			resetAt = time.Unix(secs, 0)
		}
	}
	c.store.RecordQuota(accountID, n, resetAt)
}
