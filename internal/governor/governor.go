// Package governor applies the long-context mitigation strategies:
// pre-send truncation and estimation, summary substitution, and
// error-driven retry truncation.
package governor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"sync"
	"time"

	"github.com/petehsu/kiro-proxy/internal/config"
	"github.com/petehsu/kiro-proxy/internal/normalize"
)

// Character thresholds; the gateway estimates tokens as chars/4.
const (
	// AutoTruncateThreshold triggers pre-send truncation.
	AutoTruncateThreshold = 480000 // ~120k tokens
	// PreEstimateThreshold is the tighter early threshold.
	PreEstimateThreshold = 400000 // ~100k tokens
	// RetryThreshold is the stricter bound used after a length error.
	RetryThreshold = 240000 // ~60k tokens

	summaryCacheMaxAge  = 5 * time.Minute
	summaryCacheEntries = 64
	summaryMaxLength    = 2000
)

// Summarizer produces a short summary of a dropped conversation prefix,
// typically by calling a cheaper upstream model.
type Summarizer interface {
	Summarize(ctx context.Context, dropped []normalize.Message) (string, error)
}

// Governor holds the strategy toggles and the summary cache.
type Governor struct {
	toggles    config.GovernorToggles
	summarizer Summarizer

	cacheMu sync.Mutex
	cache   map[string]summaryEntry
}

type summaryEntry struct {
	summary   string
	createdAt time.Time
}

// New builds a governor with the given toggles. The summarizer may be nil
// when smart summary is disabled.
func New(toggles config.GovernorToggles, summarizer Summarizer) *Governor {
	return &Governor{
		toggles:    toggles,
		summarizer: summarizer,
		cache:      make(map[string]summaryEntry),
	}
}

// ErrorRetryEnabled reports whether the post-error retry strategy is on.
func (g *Governor) ErrorRetryEnabled() bool { return g.toggles.ErrorRetry }

// PreSend applies the pre-send strategies in order (pre-estimate, then
// auto-truncate, with summary substitution when enabled). The returned
// result may share memory with the input; it is never larger.
func (g *Governor) PreSend(ctx context.Context, norm normalize.Result) normalize.Result {
	if g.toggles.PreEstimate {
		norm = g.shrink(ctx, norm, PreEstimateThreshold)
	}
	if g.toggles.AutoTruncate {
		norm = g.shrink(ctx, norm, AutoTruncateThreshold)
	}
	return norm
}

// OnLengthError re-truncates with the stricter threshold for the single
// post-error retry. Returns false when nothing could be dropped, meaning
// the retry would be identical and the error should surface.
func (g *Governor) OnLengthError(ctx context.Context, norm normalize.Result) (normalize.Result, bool) {
	if !g.toggles.ErrorRetry {
		return norm, false
	}
	shrunk := g.shrink(ctx, norm, RetryThreshold)
	return shrunk, len(shrunk.Messages) < len(norm.Messages)
}

// shrink drops the oldest non-system messages in whole user/assistant turn
// pairs until the estimate is under the threshold. The last user message
// is always kept intact.
func (g *Governor) shrink(ctx context.Context, norm normalize.Result, threshold int) normalize.Result {
	size := estimate(norm)
	if size <= threshold {
		return norm
	}

	messages := norm.Messages
	dropped := 0
	// Keep at minimum the final user message.
	for size > threshold && len(messages)-dropped > 1 {
		pair := 2
		if len(messages)-dropped-pair < 1 {
			pair = len(messages) - dropped - 1
		}
		for i := 0; i < pair; i++ {
			size -= messages[dropped].CharSize()
			dropped++
		}
	}
	if dropped == 0 {
		return norm
	}

	out := normalize.Result{System: norm.System, Messages: messages[dropped:]}
	log.Printf("✂️ Dropped %d oldest messages (%d chars estimated over threshold %d)", dropped, estimate(norm), threshold)

	if g.toggles.SmartSummary && g.summarizer != nil {
		if summary := g.summaryFor(ctx, messages[:dropped]); summary != "" {
			note := "[Earlier conversation summary]\n" + summary
			if out.System != "" {
				out.System += "\n\n" + note
			} else {
				out.System = note
			}
		}
	}

	// Truncation may leave the sequence starting with an assistant turn;
	// re-normalize to restore the alternation invariants.
	repaired := normalize.Normalize(out.Messages)
	out.Messages = repaired.Messages
	return out
}

// summaryFor returns a summary of the dropped prefix, cached by content
// hash so repeated requests over the same history reuse one synthesis.
func (g *Governor) summaryFor(ctx context.Context, dropped []normalize.Message) string {
	key := hashMessages(dropped)

	g.cacheMu.Lock()
	entry, ok := g.cache[key]
	g.cacheMu.Unlock()
	if ok && time.Since(entry.createdAt) < summaryCacheMaxAge {
		return entry.summary
	}

	summary, err := g.summarizer.Summarize(ctx, dropped)
	if err != nil {
		log.Printf("⚠️ History summary failed: %v", err)
		return ""
	}
	if len(summary) > summaryMaxLength {
		summary = summary[:summaryMaxLength] + "…"
	}

	g.cacheMu.Lock()
	if len(g.cache) >= summaryCacheEntries {
		// Drop the oldest entry to bound the cache.
		var oldestKey string
		var oldestAt time.Time
		for k, e := range g.cache {
			if oldestKey == "" || e.createdAt.Before(oldestAt) {
				oldestKey = k
				oldestAt = e.createdAt
			}
		}
		delete(g.cache, oldestKey)
	}
	g.cache[key] = summaryEntry{summary: summary, createdAt: time.Now()}
	g.cacheMu.Unlock()
	return summary
}

func estimate(norm normalize.Result) int {
	size := len(norm.System)
	for _, m := range norm.Messages {
		size += m.CharSize()
	}
	return size
}

// EstimateTokens reports the chars/4 token estimate for a conversation.
func EstimateTokens(norm normalize.Result) int {
	return estimate(norm) / 4
}

func hashMessages(messages []normalize.Message) string {
	h := sha256.New()
	for _, m := range messages {
		h.Write([]byte(m.Role))
		for _, p := range m.Parts {
			h.Write([]byte(p.Text))
			h.Write([]byte(p.ResultContent))
			h.Write([]byte(p.ToolUseID))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
