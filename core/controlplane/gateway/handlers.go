package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/pagepilot/pagepilot/core/infra/bus"
	"github.com/pagepilot/pagepilot/core/infra/logging"
	"github.com/pagepilot/pagepilot/core/plan"
	"github.com/pagepilot/pagepilot/core/run"
)

// Error codes surfaced by the REST layer on top of component codes.
const (
	codeBadRequest      = "BAD_REQUEST"
	codeMissingScope    = "SCOPE_REQUIRED"
	codeNotFound        = "NOT_FOUND"
	codeNotApprovable   = "PLAN_NOT_APPROVABLE"
	codePlanNotApproved = "PLAN_NOT_APPROVED"
	codeUnknownSkill    = "SKILL_UNKNOWN"
	codeUnknownPreset   = "PRESET_UNKNOWN"
	codeInternal        = "INTERNAL"
)

type draftPlanRequest struct {
	SkillID    string          `json:"skill_id"`
	PresetID   string          `json:"preset_id"`
	Draft      json.RawMessage `json:"draft"`
	TokensUsed int             `json:"tokens_used"`
}

type draftPlanResponse struct {
	Plan   *plan.Contract `json:"plan,omitempty"`
	Issues []plan.Issue   `json:"issues,omitempty"`
	Gating []plan.Issue   `json:"gating,omitempty"`
	Valid  bool           `json:"valid"`
}

// handleDraftPlan validates an LLM draft against the requested skill and
// policy preset and persists the outcome, rejected drafts included, so the
// audit trail covers failed attempts.
func (s *Server) handleDraftPlan(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, codeMissingScope, "installation and user headers required")
		return
	}
	var req draftPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, codeBadRequest, "invalid request body")
		return
	}
	skill, ok := s.deps.Skills.Skills[req.SkillID]
	if !ok {
		writeErr(w, http.StatusUnprocessableEntity, codeUnknownSkill, "no skill named "+req.SkillID)
		return
	}
	preset, ok := s.deps.Skills.Preset(req.PresetID)
	if !ok {
		writeErr(w, http.StatusUnprocessableEntity, codeUnknownPreset, "no policy preset named "+req.PresetID)
		return
	}

	manifest, err := s.deps.Manifest(r.Context())
	if err != nil {
		logging.Error("gateway", "manifest fetch failed", "error", err)
		writeErr(w, http.StatusBadGateway, codeInternal, "installation manifest unavailable")
		return
	}

	policy := plan.PolicyContext{
		PresetID:       preset.ID,
		Model:          preset.Model,
		MaxSteps:       preset.MaxSteps,
		MaxToolCalls:   preset.MaxToolCalls,
		MaxPages:       preset.MaxPages,
		MaxCostUSD:     preset.MaxCostUSD,
		UnitPricePer1K: preset.UnitPricePer1K,
	}
	res := s.deps.Validator.Evaluate(req.Draft, skill, policy, manifest)
	if res.Plan == nil {
		writeOK(w, http.StatusUnprocessableEntity, draftPlanResponse{Issues: res.Issues, Valid: false})
		return
	}
	res.Plan.TokensUsed = req.TokensUsed

	if err := s.deps.Plans.Create(r.Context(), scope, res.Plan); err != nil {
		logging.Error("gateway", "plan create failed", "error", err)
		writeErr(w, http.StatusInternalServerError, codeInternal, "persist plan")
		return
	}
	if req.TokensUsed > 0 {
		if _, err := s.deps.Plans.AddTokenUsage(r.Context(), scope, time.Now().UTC(), req.TokensUsed); err != nil {
			logging.Error("gateway", "token usage update failed", "error", err)
		}
	}
	s.publish(bus.SubjectPlanCreated, scope.InstallationID, res.Plan.ID, "", map[string]any{
		"status": string(res.Plan.Status),
	})

	status := http.StatusCreated
	if !res.OK {
		status = http.StatusUnprocessableEntity
	}
	writeOK(w, status, draftPlanResponse{
		Plan:   res.Plan,
		Issues: res.Issues,
		Gating: res.Gating,
		Valid:  res.OK,
	})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, codeMissingScope, "installation and user headers required")
		return
	}
	plans, err := s.deps.Plans.List(r.Context(), scope, 50)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, codeInternal, "list plans")
		return
	}
	writeOK(w, http.StatusOK, plans)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, codeMissingScope, "installation and user headers required")
		return
	}
	p, err := s.deps.Plans.Get(r.Context(), scope, r.PathValue("id"))
	if errors.Is(err, plan.ErrNotFound) {
		writeErr(w, http.StatusNotFound, codeNotFound, "plan not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, codeInternal, "load plan")
		return
	}
	writeOK(w, http.StatusOK, p)
}

func (s *Server) handlePlanEvents(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, codeMissingScope, "installation and user headers required")
		return
	}
	events, err := s.deps.Plans.Events(r.Context(), scope, r.PathValue("id"), 100)
	if errors.Is(err, plan.ErrNotFound) {
		writeErr(w, http.StatusNotFound, codeNotFound, "plan not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, codeInternal, "load plan events")
		return
	}
	writeOK(w, http.StatusOK, events)
}

func (s *Server) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	s.decidePlan(w, r, true)
}

func (s *Server) handleRejectPlan(w http.ResponseWriter, r *http.Request) {
	s.decidePlan(w, r, false)
}

func (s *Server) decidePlan(w http.ResponseWriter, r *http.Request, approve bool) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, codeMissingScope, "installation and user headers required")
		return
	}
	planID := r.PathValue("id")

	var p *plan.Contract
	var err error
	if approve {
		p, err = s.deps.Plans.Approve(r.Context(), scope, planID, "user", scope.UserID)
	} else {
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		p, err = s.deps.Plans.Reject(r.Context(), scope, planID, "user", scope.UserID, body.Reason)
	}
	if errors.Is(err, plan.ErrNotFound) {
		writeErr(w, http.StatusNotFound, codeNotFound, "plan not found")
		return
	}
	if errors.Is(err, plan.ErrNotApprovable) {
		writeErr(w, http.StatusConflict, codeNotApprovable, "plan is not in the validated state")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, codeInternal, "update plan")
		return
	}

	subject := bus.SubjectPlanApproved
	if !approve {
		subject = bus.SubjectPlanRejected
	}
	s.publish(subject, scope.InstallationID, planID, "", nil)
	writeOK(w, http.StatusOK, p)
}

type createRunRequest struct {
	PlanID       string   `json:"plan_id"`
	Pages        []string `json:"pages"`
	TargetStepID string   `json:"target_step_id"`
}

// handleCreateRun maps an approved plan into a capped run and queues it.
// Cap violations reject the request before anything is queued.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, codeMissingScope, "installation and user headers required")
		return
	}
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, codeBadRequest, "invalid request body")
		return
	}

	p, err := s.deps.Plans.Get(r.Context(), scope, req.PlanID)
	if errors.Is(err, plan.ErrNotFound) {
		writeErr(w, http.StatusNotFound, codeNotFound, "plan not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, codeInternal, "load plan")
		return
	}
	if p.Status != plan.StatusApproved {
		writeErr(w, http.StatusConflict, codePlanNotApproved, "plan must be approved before running")
		return
	}
	skill, ok := s.deps.Skills.Skills[p.SkillID]
	if !ok {
		writeErr(w, http.StatusUnprocessableEntity, codeUnknownSkill, "plan references unknown skill "+p.SkillID)
		return
	}

	rec, err := run.MapInput(run.MapperInput{
		Plan:         p,
		Skill:        skill,
		Env:          s.deps.EnvCaps,
		BulkCeiling:  s.deps.BulkCeiling,
		Pages:        req.Pages,
		TargetStepID: req.TargetStepID,
	})
	var capErr *run.CapError
	if errors.As(err, &capErr) {
		writeErr(w, http.StatusUnprocessableEntity, capErr.Code, capErr.Message)
		return
	}
	if err != nil {
		writeErr(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	if err := s.deps.Runs.Enqueue(r.Context(), rec); err != nil {
		logging.Error("gateway", "run enqueue failed", "error", err)
		writeErr(w, http.StatusInternalServerError, codeInternal, "queue run")
		return
	}
	s.publish(bus.SubjectRunQueued, scope.InstallationID, rec.PlanID, rec.ID, nil)
	writeOK(w, http.StatusCreated, rec)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, codeMissingScope, "installation and user headers required")
		return
	}
	runs, err := s.deps.Runs.List(r.Context(), runScope(scope), 50)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, codeInternal, "list runs")
		return
	}
	writeOK(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, codeMissingScope, "installation and user headers required")
		return
	}
	rec, err := s.deps.Runs.Get(r.Context(), runScope(scope), r.PathValue("id"))
	if errors.Is(err, run.ErrNotFound) {
		writeErr(w, http.StatusNotFound, codeNotFound, "run not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, codeInternal, "load run")
		return
	}
	writeOK(w, http.StatusOK, rec)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, codeMissingScope, "installation and user headers required")
		return
	}
	events, err := s.deps.Runs.Events(r.Context(), runScope(scope), r.PathValue("id"), 200)
	if errors.Is(err, run.ErrNotFound) {
		writeErr(w, http.StatusNotFound, codeNotFound, "run not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, codeInternal, "load run events")
		return
	}
	writeOK(w, http.StatusOK, events)
}

func (s *Server) handleRunHandles(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, codeMissingScope, "installation and user headers required")
		return
	}
	runID := r.PathValue("id")
	if _, err := s.deps.Runs.Get(r.Context(), runScope(scope), runID); err != nil {
		writeErr(w, http.StatusNotFound, codeNotFound, "run not found")
		return
	}
	handles, err := s.deps.Runs.Handles(r.Context(), runID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, codeInternal, "load rollback handles")
		return
	}
	writeOK(w, http.StatusOK, handles)
}

type rollbackRequest struct {
	HandleIDs []string `json:"handle_ids"`
}

func (s *Server) handleRollbackRun(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, codeMissingScope, "installation and user headers required")
		return
	}
	var req rollbackRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	summary, err := s.deps.Rollbacker.Apply(r.Context(), runScope(scope), r.PathValue("id"), req.HandleIDs)
	if errors.Is(err, run.ErrNotFound) {
		writeErr(w, http.StatusNotFound, codeNotFound, "run not found")
		return
	}
	if errors.Is(err, run.ErrNoChannel) {
		writeErr(w, http.StatusServiceUnavailable, "CHANNEL_UNAVAILABLE", "signed tool channel not configured")
		return
	}
	if err != nil {
		logging.Error("gateway", "rollback failed", "error", err)
		writeErr(w, http.StatusInternalServerError, codeInternal, "apply rollback")
		return
	}
	writeOK(w, http.StatusOK, summary)
}

func (s *Server) handleTokenUsage(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, codeMissingScope, "installation and user headers required")
		return
	}
	day := time.Now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, codeBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}
	total, err := s.deps.Plans.TokenUsage(r.Context(), scope, day)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, codeInternal, "load token usage")
		return
	}
	writeOK(w, http.StatusOK, map[string]any{
		"date":   day.Format("2006-01-02"),
		"tokens": total,
	})
}

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, s.deps.Skills.Skills)
}

func (s *Server) publish(subject, installationID, planID, runID string, detail map[string]any) {
	if err := s.deps.Events.Publish(subject, bus.Event{
		InstallationID: installationID,
		PlanID:         planID,
		RunID:          runID,
		Detail:         detail,
	}); err != nil {
		logging.Error("gateway", "publish failed", "subject", subject, "error", err)
	}
}
