// Package api implements the submission API of §6: a small stdlib
// net/http surface over the Orchestrator. The teacher's HTTP examples
// (examples/workflow-example, examples/tool-example) front their agents
// with gin-gonic/gin, but gin's router/middleware/binding stack exists to
// serve the agent-to-agent discovery and capability-invocation surface
// core/framework.go builds — this package has none of that: seven plain
// JSON routes over one struct. Pulling in gin here would add a dependency
// with nothing in §6 for it to do, so this one surface is built on
// net/http/ServeMux instead (see DESIGN.md).
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/youareridiculous/metabuilder/core"
	"github.com/youareridiculous/metabuilder/orchestrator"
	"github.com/youareridiculous/metabuilder/store"
)

// Server exposes the Run submission/inspection/control surface of §6 over
// HTTP. It holds no state of its own beyond the Orchestrator and Store it
// was constructed with.
type Server struct {
	Orchestrator *orchestrator.Orchestrator
	Store        store.Store
	Logger       core.Logger
	mux          *http.ServeMux
}

// NewServer wires the routes and returns a ready-to-serve Server.
func NewServer(orch *orchestrator.Orchestrator, st store.Store, logger core.Logger) *Server {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	s := &Server{Orchestrator: orch, Store: st, Logger: core.WithComponentLogger(logger, "api")}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

// ServeHTTP satisfies http.Handler so Server can be passed straight to
// http.ListenAndServe or wrapped by a caller's own middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/run", s.handleSubmitRun)
	s.mux.HandleFunc("/run/", s.handleRunSubresource) // dispatches by suffix below
	s.mux.HandleFunc("/approval/", s.handleApprovalDecision)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "metabuilder"})
}

// submitRunRequest mirrors core.Spec's caller-settable fields; ID and
// derived fields are never accepted from the wire.
type submitRunRequest struct {
	Tenant             string              `json:"tenant"`
	Source             string              `json:"source"`
	Limits             core.Limits         `json:"limits"`
	ReviewRequired     bool                `json:"review_required"`
	SLAClass           core.SLAClass       `json:"sla_class"`
	KPIGuards          core.KPIGuards      `json:"kpi_guards"`
	AcceptanceCriteria []core.Criterion    `json:"acceptance_criteria"`
}

// handleSubmitRun implements "POST run" of §6.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}
	var req submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Tenant == "" || req.Source == "" {
		writeError(w, http.StatusBadRequest, "tenant and source are required")
		return
	}

	spec := core.Spec{
		Tenant:             req.Tenant,
		Source:             req.Source,
		Limits:             req.Limits,
		ReviewRequired:     req.ReviewRequired,
		SLAClass:           req.SLAClass,
		KPIGuards:          req.KPIGuards,
		AcceptanceCriteria: req.AcceptanceCriteria,
	}
	if spec.SLAClass == "" {
		spec.SLAClass = core.SLANormal
	}

	runID, err := s.Orchestrator.SubmitRun(r.Context(), spec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// handleRunSubresource dispatches every "/run/{id}[/...]" route: plain
// GET for run state, and the cancel/replay/timeline sub-paths of §6.
func (s *Server) handleRunSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/run/")
	parts := strings.SplitN(rest, "/", 2)
	runID := parts[0]
	if runID == "" {
		writeError(w, http.StatusBadRequest, "missing run id")
		return
	}

	switch {
	case len(parts) == 1:
		s.handleGetRun(w, r, runID)
	case parts[1] == "cancel":
		s.handleCancelRun(w, r, runID)
	case parts[1] == "replay":
		s.handleGetReplay(w, r, runID)
	case parts[1] == "timeline":
		s.handleGetTimeline(w, r, runID)
	default:
		writeError(w, http.StatusNotFound, "unknown run subresource")
	}
}

// handleGetRun implements "GET run/{id}" of §6.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := s.Store.GetRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleCancelRun implements "POST run/{id}/cancel" of §6.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}
	if err := s.Orchestrator.CancelRun(r.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleGetReplay implements "GET run/{id}/replay" of §6.
func (s *Server) handleGetReplay(w http.ResponseWriter, r *http.Request, runID string) {
	ref, err := s.Orchestrator.GetReplay(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"replay_bundle_ref": ref})
}

// handleGetTimeline implements "GET run/{id}/timeline" of §6.
func (s *Server) handleGetTimeline(w http.ResponseWriter, r *http.Request, runID string) {
	events, err := s.Orchestrator.Timeline(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleApprovalDecision implements "POST approval/{gate_id}/{approve|reject}"
// of §6.
func (s *Server) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/approval/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		writeError(w, http.StatusBadRequest, "expected /approval/{gate_id}/{approve|reject}")
		return
	}
	gateID, decision := parts[0], parts[1]

	var approve bool
	switch decision {
	case "approve":
		approve = true
	case "reject":
		approve = false
	default:
		writeError(w, http.StatusBadRequest, "decision must be approve or reject")
		return
	}

	var body struct {
		Decider string `json:"decider"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body) // decider is optional audit metadata

	if err := s.Orchestrator.DecideApproval(r.Context(), gateID, approve, body.Decider); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": decision + "d"})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrCASConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
