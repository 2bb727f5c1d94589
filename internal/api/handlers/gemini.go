package handlers

import (
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/petehsu/kiro-proxy/internal/logging"
	"github.com/petehsu/kiro-proxy/internal/orch"
	"github.com/petehsu/kiro-proxy/internal/translator"
	"github.com/petehsu/kiro-proxy/internal/util"
)

// GeminiGenerateHandler handles POST /v1/models/{model}:generateContent
// and :streamGenerateContent. chi cannot pattern-match the colon suffix,
// so the route captures "{modelAction}" and the action is split here.
func GeminiGenerateHandler(o *orch.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		modelAction := chi.URLParam(r, "modelAction")
		model, action, ok := strings.Cut(modelAction, ":")
		if !ok {
			writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "unknown action"})
			return
		}

		var stream bool
		switch action {
		case "generateContent":
			stream = false
		case "streamGenerateContent":
			stream = true
		default:
			writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "unknown action: " + action})
			return
		}

		body, err := readBody(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write(translator.GeminiErrorBody(http.StatusBadRequest, orch.KindBadRequest, "invalid request body"))
			return
		}
		if IsVerbose() {
			log.Printf("📥 [VERBOSE] [%s] /v1/models/%s:%s request: %s",
				logging.GetRequestID(r.Context()), model, action, util.TruncateBytes(body))
		}

		req, err := translator.ParseGemini(model, body, stream)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write(translator.GeminiErrorBody(http.StatusBadRequest, parseErrKind(err), err.Error()))
			return
		}

		log.Printf("📨 Gemini request: model=%s→%s messages=%d stream=%v",
			req.ModelRequested, req.Model, len(req.Messages), req.Stream)
		o.Handle(w, r, req, sessionKey(r, body), int64(len(body)))
	}
}
