package toolhost

import (
	"errors"
	"io"
	"net/http"

	"github.com/pagepilot/pagepilot/core/guard"
	"github.com/pagepilot/pagepilot/core/infra/logging"
	"github.com/pagepilot/pagepilot/core/infra/metrics"
	"github.com/pagepilot/pagepilot/core/protocol/envelope"
	"github.com/pagepilot/pagepilot/core/protocol/signing"
	"github.com/pagepilot/pagepilot/core/tool"
)

const maxBodyBytes = 1 << 20

// Config wires the host's trusted installations and site identity.
type Config struct {
	// Installations maps a paired installation id to its base64 Ed25519
	// verify key.
	Installations map[string]string
	Audience      string

	SiteName      string
	Theme         string
	Locale        string
	Timezone      string
	SEOProvider   string
	CanonicalBase string
	MaxBulkSize   int
}

// Server verifies signed tool calls, admits them through the guard, and
// dispatches to the tool handlers.
type Server struct {
	cfg      Config
	guard    *guard.Guard
	registry *tool.Registry
	content  *ContentStore
	metrics  metrics.GuardMetrics
	mux      *http.ServeMux
}

func NewServer(cfg Config, g *guard.Guard, registry *tool.Registry, content *ContentStore, m metrics.GuardMetrics) *Server {
	if m == nil {
		m = metrics.Noop{}
	}
	s := &Server{
		cfg:      cfg,
		guard:    g,
		registry: registry,
		content:  content,
		metrics:  m,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/tools", s.handleManifest)
	s.mux.HandleFunc("POST /api/v1/tools/{tool}", s.handleToolCall)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	env, _ := envelope.Ok(map[string]string{"status": "ok"}, nil)
	envelope.WriteJSON(w, http.StatusOK, env)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.verify(w, r, nil); !ok {
		return
	}
	env, err := envelope.Ok(s.registry.Definitions(), nil)
	if err != nil {
		envelope.WriteJSON(w, http.StatusInternalServerError, envelope.Fail(codeToolFailed, "encode manifest", nil))
		return
	}
	envelope.WriteJSON(w, http.StatusOK, env)
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	toolName := r.PathValue("tool")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		envelope.WriteJSON(w, http.StatusBadRequest, envelope.Fail(codeBadArgs, "read body", nil))
		return
	}
	hdrs, ok := s.verify(w, r, body)
	if !ok {
		s.metrics.IncRejected(toolName, "auth")
		return
	}

	if err := s.guard.Admit(r.Context(), hdrs.InstallationID, hdrs.CallID, hdrs.Timestamp, hdrs.TTL); err != nil {
		var gerr *guard.Error
		if errors.As(err, &gerr) {
			s.metrics.IncRejected(toolName, gerr.Code)
			var meta *envelope.Meta
			if gerr.RetryAfter > 0 {
				meta = &envelope.Meta{RetryAfter: gerr.RetryAfter}
			}
			envelope.WriteJSON(w, gerr.Status, envelope.Fail(gerr.Code, gerr.Message, meta))
			return
		}
		logging.Error("toolhost", "guard error", "tool", toolName, "error", err)
		envelope.WriteJSON(w, http.StatusInternalServerError, envelope.Fail(codeToolFailed, "admission check failed", nil))
		return
	}

	data, err := s.dispatch(r.Context(), toolName, body)
	if err != nil {
		var terr *toolError
		if errors.As(err, &terr) {
			s.metrics.IncRejected(toolName, terr.code)
			envelope.WriteJSON(w, http.StatusUnprocessableEntity, envelope.Fail(terr.code, terr.message, nil))
			return
		}
		logging.Error("toolhost", "tool failed", "tool", toolName, "error", err)
		envelope.WriteJSON(w, http.StatusInternalServerError, envelope.Fail(codeToolFailed, "tool execution failed", nil))
		return
	}

	s.metrics.IncAllowed(toolName)
	env, err := envelope.Ok(data, nil)
	if err != nil {
		envelope.WriteJSON(w, http.StatusInternalServerError, envelope.Fail(codeToolFailed, "encode response", nil))
		return
	}
	envelope.WriteJSON(w, http.StatusOK, env)
}

// verify runs the authentication half of admission: header presence, the
// audience binding, installation key lookup, and the detached signature over
// a canonical string rebuilt from the inbound request itself. Everything
// fails closed with a 401 envelope.
func (s *Server) verify(w http.ResponseWriter, r *http.Request, body []byte) (signing.Headers, bool) {
	hdrs, err := signing.ParseHeaders(r)
	if err != nil {
		code := guard.CodeMissingHeaders
		if errors.Is(err, signing.ErrBadAlgorithm) {
			code = guard.CodeBadSignature
		}
		envelope.WriteJSON(w, http.StatusUnauthorized, envelope.Fail(code, err.Error(), nil))
		return signing.Headers{}, false
	}

	if hdrs.Audience != s.cfg.Audience {
		envelope.WriteJSON(w, http.StatusUnauthorized,
			envelope.Fail(guard.CodeAudienceMismatch, "request audience does not match this host", nil))
		return signing.Headers{}, false
	}

	verifyKey, ok := s.cfg.Installations[hdrs.InstallationID]
	if !ok {
		envelope.WriteJSON(w, http.StatusUnauthorized,
			envelope.Fail(guard.CodeBadSignature, "unknown installation", nil))
		return signing.Headers{}, false
	}

	canonical, err := signing.CanonicalString(signing.CallParams{
		InstallationID: hdrs.InstallationID,
		CallID:         hdrs.CallID,
		Timestamp:      hdrs.Timestamp,
		TTL:            hdrs.TTL,
		Method:         r.Method,
		Host:           r.Host,
		Audience:       hdrs.Audience,
		Path:           r.URL.Path,
		Query:          r.URL.Query(),
		Body:           body,
	})
	if err != nil {
		envelope.WriteJSON(w, http.StatusUnauthorized,
			envelope.Fail(guard.CodeBadSignature, "request is not canonicalizable", nil))
		return signing.Headers{}, false
	}
	if err := signing.Verify(verifyKey, hdrs.Signature, canonical); err != nil {
		envelope.WriteJSON(w, http.StatusUnauthorized,
			envelope.Fail(guard.CodeBadSignature, "signature verification failed", nil))
		return signing.Headers{}, false
	}
	return hdrs, true
}
