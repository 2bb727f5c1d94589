package handlers

import (
	"log"
	"net/http"

	"github.com/petehsu/kiro-proxy/internal/logging"
	"github.com/petehsu/kiro-proxy/internal/orch"
	"github.com/petehsu/kiro-proxy/internal/translator"
	"github.com/petehsu/kiro-proxy/internal/util"
)

// ClaudeMessagesHandler handles POST /v1/messages.
func ClaudeMessagesHandler(o *orch.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write(translator.ClaudeErrorBody(orch.KindBadRequest, "invalid request body"))
			return
		}
		if IsVerbose() {
			log.Printf("📥 [VERBOSE] [%s] /v1/messages request: %s",
				logging.GetRequestID(r.Context()), util.TruncateBytes(body))
		}

		req, err := translator.ParseClaude(body)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write(translator.ClaudeErrorBody(parseErrKind(err), err.Error()))
			return
		}

		log.Printf("📨 Anthropic request: model=%s→%s messages=%d stream=%v",
			req.ModelRequested, req.Model, len(req.Messages), req.Stream)
		o.Handle(w, r, req, sessionKey(r, body), int64(len(body)))
	}
}

// ClaudeCountTokensHandler handles POST /v1/messages/count_tokens using
// the gateway's chars/4 estimate.
func ClaudeCountTokensHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write(translator.ClaudeErrorBody(orch.KindBadRequest, "invalid request body"))
			return
		}
		req, err := translator.ParseClaude(body)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write(translator.ClaudeErrorBody(parseErrKind(err), err.Error()))
			return
		}
		writeJSON(w, map[string]int64{"input_tokens": translator.CountClaudeTokens(req)})
	}
}
