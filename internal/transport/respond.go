// Package transport is the HTTP and WebSocket surface around the
// coordinator: routing, middleware and the live push hub.
package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mallquest/backend/internal/core"
)

// writeJSON renders v with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeBlob emits a pre-rendered JSON body, typically a stored idempotent
// outcome that must be returned byte-identical.
func writeBlob(w http.ResponseWriter, status int, blob []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(blob)
}

// writeError maps an error to its HTTP shape. Fatal errors stay opaque.
func writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	status := kind.HTTPStatus()

	if retry := core.RetryAfter(err); retry > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	}

	msg := err.Error()
	if kind == core.KindFatal {
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{
		"error": msg,
		"kind":  kind.String(),
	})
}

// decodeBody parses a JSON request body into dst with a small size cap.
func decodeBody(r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 64*1024)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return core.Wrap(core.KindValidation, "malformed request body", err)
	}
	return nil
}
