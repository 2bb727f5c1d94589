// Package handlers exposes the client protocol surfaces and the
// management API over chi.
package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

const maxBodyBytes = 32 << 20 // generous cap; large conversations are legitimate

var (
	verboseOnce sync.Once
	verboseOn   bool
)

// IsVerbose reports whether verbose request logging is enabled via
// KIRO_PROXY_VERBOSE.
func IsVerbose() bool {
	verboseOnce.Do(func() {
		v := strings.ToLower(os.Getenv("KIRO_PROXY_VERBOSE"))
		verboseOn = v == "1" || v == "true" || v == "yes"
	})
	return verboseOn
}

// readBody drains the request body with a size cap.
func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

// sessionKey extracts the stickiness key for a request: the X-Session-Id
// header first, then protocol-specific user identifiers in the body.
// The client API key itself is accepted but never validated.
func sessionKey(r *http.Request, body []byte) string {
	if sid := r.Header.Get("X-Session-Id"); sid != "" {
		return sid
	}
	root := gjson.ParseBytes(body)
	if user := root.Get("user").String(); user != "" {
		return user
	}
	if user := root.Get("metadata.user_id").String(); user != "" {
		return user
	}
	return ""
}

// parseErrKind distinguishes validation failures from features the
// gateway does not support, for the caller-facing error kind.
func parseErrKind(err error) string {
	if strings.HasPrefix(err.Error(), "unsupported") {
		return "unsupported_feature"
	}
	return "bad_request"
}

// writeJSON encodes a JSON response with status 200.
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("⚠️ Failed to encode response: %v", err)
	}
}

// writeJSONStatus encodes a JSON response with an explicit status.
func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
