package governor

import (
	"context"
	"strings"
	"testing"

	"github.com/petehsu/kiro-proxy/internal/config"
	"github.com/petehsu/kiro-proxy/internal/normalize"
)

type fakeSummarizer struct {
	calls   int
	summary string
}

func (f *fakeSummarizer) Summarize(ctx context.Context, dropped []normalize.Message) (string, error) {
	f.calls++
	return f.summary, nil
}

func bigConversation(turns, charsPerTurn int) normalize.Result {
	filler := strings.Repeat("x", charsPerTurn)
	var messages []normalize.Message
	for i := 0; i < turns; i++ {
		messages = append(messages,
			normalize.TextMessage(normalize.RoleUser, filler),
			normalize.TextMessage(normalize.RoleAssistant, filler),
		)
	}
	messages = append(messages, normalize.TextMessage(normalize.RoleUser, "final question"))
	return normalize.Result{Messages: messages}
}

func TestPreSendNoopWhenDisabled(t *testing.T) {
	g := New(config.GovernorToggles{ErrorRetry: true}, nil)
	norm := bigConversation(50, 20000)
	out := g.PreSend(context.Background(), norm)
	if len(out.Messages) != len(norm.Messages) {
		t.Error("disabled pre-send strategies must not truncate")
	}
}

func TestAutoTruncateDropsOldestKeepsLastUser(t *testing.T) {
	g := New(config.GovernorToggles{AutoTruncate: true}, nil)
	norm := bigConversation(50, 20000) // ~2M chars, far over threshold
	out := g.PreSend(context.Background(), norm)

	if len(out.Messages) >= len(norm.Messages) {
		t.Fatal("over-threshold conversation must shrink")
	}
	last := out.Messages[len(out.Messages)-1]
	if last.Role != normalize.RoleUser || last.Text() != "final question" {
		t.Errorf("last user message must be kept intact, got %q", last.Text())
	}

	size := 0
	for _, m := range out.Messages {
		size += m.CharSize()
	}
	if size > AutoTruncateThreshold {
		t.Errorf("size after truncation = %d, threshold %d", size, AutoTruncateThreshold)
	}

	// Alternation invariants survive truncation.
	if out.Messages[0].Role != normalize.RoleUser {
		t.Errorf("first role after truncation = %s", out.Messages[0].Role)
	}
}

func TestPreEstimateUsesTighterThreshold(t *testing.T) {
	// Sized between the two thresholds: only pre-estimate should act.
	norm := bigConversation(11, 20000) // ~440k chars

	loose := New(config.GovernorToggles{AutoTruncate: true}, nil)
	if out := loose.PreSend(context.Background(), norm); len(out.Messages) != len(norm.Messages) {
		t.Error("auto-truncate alone must not trigger below its threshold")
	}

	tight := New(config.GovernorToggles{PreEstimate: true}, nil)
	if out := tight.PreSend(context.Background(), norm); len(out.Messages) >= len(norm.Messages) {
		t.Error("pre-estimate must trigger at its tighter threshold")
	}
}

func TestSmartSummaryPrependsNote(t *testing.T) {
	sum := &fakeSummarizer{summary: "they discussed the weather"}
	g := New(config.GovernorToggles{AutoTruncate: true, SmartSummary: true}, sum)
	out := g.PreSend(context.Background(), bigConversation(50, 20000))

	if sum.calls != 1 {
		t.Fatalf("summarizer calls = %d", sum.calls)
	}
	if !strings.Contains(out.System, "they discussed the weather") {
		t.Errorf("summary missing from system prefix: %q", out.System)
	}
}

func TestSummaryCacheReuse(t *testing.T) {
	sum := &fakeSummarizer{summary: "cached"}
	g := New(config.GovernorToggles{AutoTruncate: true, SmartSummary: true}, sum)
	norm := bigConversation(50, 20000)

	g.PreSend(context.Background(), norm)
	g.PreSend(context.Background(), norm)
	if sum.calls != 1 {
		t.Errorf("same history must reuse the cached summary, calls = %d", sum.calls)
	}
}

func TestOnLengthError(t *testing.T) {
	g := New(config.GovernorToggles{ErrorRetry: true}, nil)

	// A conversation over the retry threshold shrinks and reports true.
	big := bigConversation(5, 40000) // ~400k chars, over RetryThreshold
	shrunk, ok := g.OnLengthError(context.Background(), big)
	if !ok {
		t.Fatal("shrinkable conversation must allow a retry")
	}
	if len(shrunk.Messages) >= len(big.Messages) {
		t.Error("retry truncation must drop messages")
	}

	// A single message that cannot shrink reports false.
	single := normalize.Result{Messages: []normalize.Message{
		normalize.TextMessage(normalize.RoleUser, strings.Repeat("y", RetryThreshold+1000)),
	}}
	if _, ok := g.OnLengthError(context.Background(), single); ok {
		t.Error("unshrinkable conversation must surface the error")
	}

	// With error retry off, the governor refuses.
	off := New(config.GovernorToggles{}, nil)
	if _, ok := off.OnLengthError(context.Background(), big); ok {
		t.Error("disabled error retry must not shrink")
	}
}
