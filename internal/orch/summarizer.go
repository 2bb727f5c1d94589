package orch

import (
	"context"
	"fmt"

	"github.com/petehsu/kiro-proxy/internal/kiro"
	"github.com/petehsu/kiro-proxy/internal/normalize"
	"github.com/petehsu/kiro-proxy/internal/store"
	"github.com/petehsu/kiro-proxy/internal/translator"
)

// UpstreamSummarizer synthesizes history summaries with the cheap
// upstream model, borrowing an account from the pool for the call.
type UpstreamSummarizer struct {
	store  *store.Store
	client *kiro.Client
}

// NewUpstreamSummarizer builds the governor's summarizer.
func NewUpstreamSummarizer(s *store.Store, client *kiro.Client) *UpstreamSummarizer {
	return &UpstreamSummarizer{store: s, client: client}
}

const summaryPrompt = "Summarize the conversation so far in at most 15 bullet points. " +
	"Keep decisions, open questions, file names, and code identifiers. Output only the summary."

// Summarize condenses a dropped conversation prefix into a short note.
func (s *UpstreamSummarizer) Summarize(ctx context.Context, dropped []normalize.Message) (string, error) {
	acc, ok := s.store.Acquire(nil)
	if !ok {
		return "", fmt.Errorf("no account available for summary")
	}
	defer s.store.Release(acc.ID)

	messages := append(append([]normalize.Message{}, dropped...),
		normalize.TextMessage(normalize.RoleUser, summaryPrompt))
	norm := normalize.Normalize(messages)

	req := &translator.Request{
		Protocol:       translator.ProtocolAnthropic,
		ModelRequested: translator.SummaryModel,
		Model:          translator.SummaryModel,
		MaxTokens:      1024,
	}
	reply, callErr := s.client.Call(ctx, acc, req, norm)
	if callErr != nil {
		return "", callErr
	}
	var text string
	for _, p := range reply.Content {
		if p.Type == normalize.PartText {
			text += p.Text
		}
	}
	return text, nil
}
