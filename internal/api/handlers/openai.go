package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/petehsu/kiro-proxy/internal/logging"
	"github.com/petehsu/kiro-proxy/internal/orch"
	"github.com/petehsu/kiro-proxy/internal/translator"
	"github.com/petehsu/kiro-proxy/internal/util"
)

// OpenAIChatHandler handles POST /v1/chat/completions.
func OpenAIChatHandler(o *orch.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			writeJSONStatus(w, http.StatusBadRequest, errEnvelopeOpenAI("invalid request body"))
			return
		}
		if IsVerbose() {
			log.Printf("📥 [VERBOSE] [%s] /v1/chat/completions request: %s",
				logging.GetRequestID(r.Context()), util.TruncateBytes(body))
		}

		req, err := translator.ParseOpenAI(body)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write(translator.OpenAIErrorBody(parseErrKind(err), err.Error()))
			return
		}

		log.Printf("📨 OpenAI request: model=%s→%s messages=%d stream=%v",
			req.ModelRequested, req.Model, len(req.Messages), req.Stream)
		o.Handle(w, r, req, sessionKey(r, body), int64(len(body)))
	}
}

// OpenAIModelsHandler handles GET /v1/models.
func OpenAIModelsHandler() http.HandlerFunc {
	models := []string{
		translator.ModelSonnet4,
		translator.ModelSonnet45,
		translator.ModelHaiku45,
		translator.ModelOpus45,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		created := time.Now().Unix()
		data := make([]map[string]interface{}, 0, len(models))
		for _, id := range models {
			data = append(data, map[string]interface{}{
				"id":       id,
				"object":   "model",
				"created":  created,
				"owned_by": "kiro",
			})
		}
		writeJSON(w, map[string]interface{}{
			"object": "list",
			"data":   data,
		})
	}
}

func errEnvelopeOpenAI(message string) map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    orch.KindBadRequest,
			"message": message,
		},
	}
}
