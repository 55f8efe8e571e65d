// Package gateway is the control-plane REST surface: plan drafting and
// lifecycle, run creation and rollback, and a websocket stream of run
// events.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pagepilot/pagepilot/core/infra/bus"
	"github.com/pagepilot/pagepilot/core/infra/config"
	"github.com/pagepilot/pagepilot/core/infra/metrics"
	"github.com/pagepilot/pagepilot/core/plan"
	"github.com/pagepilot/pagepilot/core/protocol/envelope"
	"github.com/pagepilot/pagepilot/core/run"
	"github.com/pagepilot/pagepilot/core/tool"
)

// Scope headers identifying the calling installation and user. The admin
// UI's authentication sits in front of this service; these carry its result.
const (
	headerInstallation = "X-PagePilot-Installation"
	headerUser         = "X-PagePilot-User"
)

// ManifestFunc resolves the set of tools available on the installation.
type ManifestFunc func(ctx context.Context) (tool.Manifest, error)

// Deps wires the gateway's collaborators.
type Deps struct {
	Skills     *config.SkillsConfig
	Registry   *tool.Registry
	Validator  *plan.Validator
	Plans      *plan.RedisStore
	Runs       *run.RedisStore
	Rollbacker *run.Rollbacker
	Manifest   ManifestFunc
	Events     *bus.NatsBus
	Metrics    metrics.GatewayMetrics

	EnvCaps     run.Caps
	BulkCeiling int
}

// Server serves the control-plane API.
type Server struct {
	deps Deps
	mux  *http.ServeMux

	streamMu sync.Mutex
	streams  map[*websocket.Conn]chan bus.Event
}

func NewServer(deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}
	if deps.Manifest == nil {
		// Without a paired host every registry tool counts as available.
		all := tool.NewManifest(deps.Registry.Names()...)
		deps.Manifest = func(context.Context) (tool.Manifest, error) { return all, nil }
	}
	s := &Server{
		deps:    deps,
		mux:     http.NewServeMux(),
		streams: make(map[*websocket.Conn]chan bus.Event),
	}
	s.subscribeRunEvents()

	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /api/v1/plans", s.instrumented("/api/v1/plans", s.handleDraftPlan))
	s.mux.HandleFunc("GET /api/v1/plans", s.instrumented("/api/v1/plans", s.handleListPlans))
	s.mux.HandleFunc("GET /api/v1/plans/{id}", s.instrumented("/api/v1/plans/{id}", s.handleGetPlan))
	s.mux.HandleFunc("GET /api/v1/plans/{id}/events", s.instrumented("/api/v1/plans/{id}/events", s.handlePlanEvents))
	s.mux.HandleFunc("POST /api/v1/plans/{id}/approve", s.instrumented("/api/v1/plans/{id}/approve", s.handleApprovePlan))
	s.mux.HandleFunc("POST /api/v1/plans/{id}/reject", s.instrumented("/api/v1/plans/{id}/reject", s.handleRejectPlan))

	s.mux.HandleFunc("POST /api/v1/runs", s.instrumented("/api/v1/runs", s.handleCreateRun))
	s.mux.HandleFunc("GET /api/v1/runs", s.instrumented("/api/v1/runs", s.handleListRuns))
	s.mux.HandleFunc("GET /api/v1/runs/{id}", s.instrumented("/api/v1/runs/{id}", s.handleGetRun))
	s.mux.HandleFunc("GET /api/v1/runs/{id}/events", s.instrumented("/api/v1/runs/{id}/events", s.handleRunEvents))
	s.mux.HandleFunc("GET /api/v1/runs/{id}/handles", s.instrumented("/api/v1/runs/{id}/handles", s.handleRunHandles))
	s.mux.HandleFunc("POST /api/v1/runs/{id}/rollback", s.instrumented("/api/v1/runs/{id}/rollback", s.handleRollbackRun))

	s.mux.HandleFunc("GET /api/v1/usage/tokens", s.instrumented("/api/v1/usage/tokens", s.handleTokenUsage))
	s.mux.HandleFunc("GET /api/v1/skills", s.instrumented("/api/v1/skills", s.handleListSkills))

	s.mux.HandleFunc("GET /ws/runs", s.handleRunStream)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	env, _ := envelope.Ok(map[string]string{"status": "ok"}, nil)
	envelope.WriteJSON(w, http.StatusOK, env)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		s.deps.Metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
	}
}

// meta builds the per-response correlation metadata.
func meta() *envelope.Meta {
	return &envelope.Meta{RequestID: uuid.NewString()}
}

// scopeFrom reads the installation/user scope headers. Both are required on
// every scoped route.
func scopeFrom(r *http.Request) (plan.Scope, bool) {
	scope := plan.Scope{
		InstallationID: r.Header.Get(headerInstallation),
		UserID:         r.Header.Get(headerUser),
	}
	return scope, scope.InstallationID != "" && scope.UserID != ""
}

func runScope(scope plan.Scope) run.Scope {
	return run.Scope{InstallationID: scope.InstallationID, UserID: scope.UserID}
}

func writeOK(w http.ResponseWriter, status int, data any) {
	env, err := envelope.Ok(data, meta())
	if err != nil {
		envelope.WriteJSON(w, http.StatusInternalServerError, envelope.Fail("INTERNAL", "encode response", meta()))
		return
	}
	envelope.WriteJSON(w, status, env)
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	envelope.WriteJSON(w, status, envelope.Fail(code, message, meta()))
}
