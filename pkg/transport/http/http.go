// Package http mirrors the socket protocol's request verbs as an
// equivalent HTTP surface (spec.md §6): GET /health, GET /version,
// POST /search, POST /ingest, POST /consolidate. Every response is the same
// [transport.Envelope] JSON-encoded, matching the socket payload shapes.
package http

import (
	"encoding/json"
	"net/http"

	"github.com/modernmethod/ethos/pkg/transport"
)

// Server adapts a [transport.Core] to net/http, following the same
// Register(mux)-onto-a-shared-ServeMux pattern as internal/health.
type Server struct {
	core *transport.Core
}

// New returns an HTTP adapter around core.
func New(core *transport.Core) *Server {
	return &Server{core: core}
}

// Register adds every route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleVerb(transport.VerbHealth))
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("POST /search", s.handleVerb(transport.VerbSearch))
	mux.HandleFunc("POST /ingest", s.handleVerb(transport.VerbIngest))
	mux.HandleFunc("POST /consolidate", s.handleVerb(transport.VerbConsolidate))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, transport.Envelope{
		Status:  "ok",
		Data:    map[string]any{"version": s.core.Version},
		Version: s.core.Version,
	})
}

// handleVerb returns a handler that decodes the request body (if any) as
// the verb's payload map and dispatches it through the shared Core.
func (s *Server) handleVerb(verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if r.ContentLength != 0 && r.Body != nil {
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				writeEnvelope(w, transport.Envelope{
					Status:  "error",
					Error:   "malformed request body: " + err.Error(),
					Version: s.core.Version,
				})
				return
			}
		}
		env := s.core.Dispatch(r.Context(), verb, payload)
		writeEnvelope(w, env)
	}
}

func writeEnvelope(w http.ResponseWriter, env transport.Envelope) {
	status := http.StatusOK
	if env.Status == "error" {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		http.Error(w, `{"status":"error","error":"encode failure"}`, http.StatusInternalServerError)
	}
}
