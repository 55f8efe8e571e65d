package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pagepilot/pagepilot/core/infra/config"
	"github.com/pagepilot/pagepilot/core/infra/metrics"
	"github.com/pagepilot/pagepilot/core/plan"
	"github.com/pagepilot/pagepilot/core/protocol/envelope"
	"github.com/pagepilot/pagepilot/core/run"
	"github.com/pagepilot/pagepilot/core/tool"
)

type stubCaller struct {
	mu      sync.Mutex
	calls   []string
	itemSeq int
}

func (c *stubCaller) Invoke(_ context.Context, toolName string, _ any) (envelope.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, toolName)
	var data any
	switch toolName {
	case "content.item.create":
		c.itemSeq++
		data = map[string]string{"item_id": fmt.Sprintf("item-%d", c.itemSeq)}
	case "content.bulk.schedule":
		data = map[string]string{"job_id": "job-1"}
	default:
		data = map[string]string{}
	}
	env, _ := envelope.Ok(data, nil)
	return env, nil
}

type testGateway struct {
	srv    *httptest.Server
	plans  *plan.RedisStore
	runs   *run.RedisStore
	caller *stubCaller
	worker *run.Worker
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	plans := plan.NewRedisStore(rdb)
	runs := run.NewRedisStore(rdb)
	caller := &stubCaller{}
	registry := tool.DefaultRegistry()

	skills := &config.SkillsConfig{
		Version: "1",
		Default: "starter",
		Skills: map[string]config.Skill{
			"content-basics": {
				ID:           "content-basics",
				Title:        "Content basics",
				Tools:        []string{"site.env.get", "content.inventory.list", "seo.config.get", "content.item.create"},
				MaxSteps:     10,
				MaxToolCalls: 30,
				MaxPages:     100,
			},
		},
		Presets: map[string]config.PolicyPreset{
			"starter": {
				ID:             "starter",
				Model:          "gpt-4o-mini",
				MaxSteps:       12,
				MaxToolCalls:   40,
				MaxPages:       120,
				MaxCostUSD:     5,
				UnitPricePer1K: 0.01,
			},
		},
	}

	deps := Deps{
		Skills:      skills,
		Registry:    registry,
		Validator:   plan.NewValidator(registry),
		Plans:       plans,
		Runs:        runs,
		Rollbacker:  run.NewRollbacker(runs, caller, nil),
		EnvCaps:     run.Caps{MaxSteps: 20, MaxToolCalls: 50, MaxPages: 200},
		BulkCeiling: 25,
	}
	srv := httptest.NewServer(NewServer(deps))
	t.Cleanup(srv.Close)

	return &testGateway{
		srv:    srv,
		plans:  plans,
		runs:   runs,
		caller: caller,
		worker: run.NewWorker(runs, caller, nil, metrics.Noop{}, time.Second),
	}
}

const gatewayDraft = `{
  "plan_version": 1,
  "skill_id": "content-basics",
  "goal": "Audit the inventory and draft a landing page",
  "inputs": {"site": "demo"},
  "steps": [
    {
      "step_id": "s1",
      "title": "Environment",
      "objective": "Read site settings",
      "tools": ["site.env.get"],
      "expected_output": "Settings",
      "tool_call_estimate": 1
    },
    {
      "step_id": "s2",
      "title": "Draft page",
      "objective": "Create the landing page draft",
      "tools": ["content.item.create"],
      "expected_output": "Draft item id",
      "tool_call_estimate": 1
    }
  ]
}`

func (g *testGateway) do(t *testing.T, method, path string, body any, scoped bool) (*http.Response, envelope.Envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, g.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if scoped {
		req.Header.Set(headerInstallation, "inst-1")
		req.Header.Set(headerUser, "user-1")
	}
	resp, err := g.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	env, err := envelope.Read(resp.Body)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp, env
}

func (g *testGateway) draftPlan(t *testing.T) *plan.Contract {
	t.Helper()
	resp, env := g.do(t, http.MethodPost, "/api/v1/plans", map[string]any{
		"skill_id":    "content-basics",
		"preset_id":   "starter",
		"draft":       json.RawMessage(gatewayDraft),
		"tokens_used": 900,
	}, true)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("draft plan status = %d, envelope %+v", resp.StatusCode, env)
	}
	var out draftPlanResponse
	if err := env.DecodeData(&out); err != nil {
		t.Fatalf("decode plan response: %v", err)
	}
	if !out.Valid || out.Plan == nil {
		t.Fatalf("expected valid plan, got %+v", out)
	}
	return out.Plan
}

func TestDraftPlanPersistsContract(t *testing.T) {
	g := newTestGateway(t)

	p := g.draftPlan(t)
	if p.Status != plan.StatusValidated {
		t.Fatalf("status = %s, want validated", p.Status)
	}
	if p.Hash == "" {
		t.Fatal("expected plan hash")
	}

	resp, env := g.do(t, http.MethodGet, "/api/v1/plans/"+p.ID, nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get plan status = %d", resp.StatusCode)
	}
	var got plan.Contract
	if err := env.DecodeData(&got); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if got.ID != p.ID || got.SkillID != "content-basics" {
		t.Fatalf("unexpected plan %+v", got)
	}

	resp, env = g.do(t, http.MethodGet, "/api/v1/plans", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list plans status = %d", resp.StatusCode)
	}
	var list []*plan.Contract
	if err := env.DecodeData(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len(list) = %d, want 1", len(list))
	}
}

func TestDraftPlanRejectsUnknownSkill(t *testing.T) {
	g := newTestGateway(t)

	resp, env := g.do(t, http.MethodPost, "/api/v1/plans", map[string]any{
		"skill_id":  "no-such-skill",
		"preset_id": "starter",
		"draft":     json.RawMessage(gatewayDraft),
	}, true)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	if env.Err == nil || env.Err.Code != codeUnknownSkill {
		t.Fatalf("error = %+v, want %s", env.Err, codeUnknownSkill)
	}
}

func TestDraftPlanReportsIssuesForInvalidDraft(t *testing.T) {
	g := newTestGateway(t)

	bad := `{"plan_version": 1, "skill_id": "content-basics", "goal": "", "steps": []}`
	resp, env := g.do(t, http.MethodPost, "/api/v1/plans", map[string]any{
		"skill_id":  "content-basics",
		"preset_id": "starter",
		"draft":     json.RawMessage(bad),
	}, true)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	var out draftPlanResponse
	if err := env.DecodeData(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Valid {
		t.Fatal("expected invalid draft")
	}
	if len(out.Issues) == 0 {
		t.Fatal("expected issues")
	}
	if out.Plan == nil || out.Plan.Status != plan.StatusRejected {
		t.Fatalf("expected persisted rejected contract, got %+v", out.Plan)
	}
}

func TestApprovePlanExactlyOnce(t *testing.T) {
	g := newTestGateway(t)
	p := g.draftPlan(t)

	resp, env := g.do(t, http.MethodPost, "/api/v1/plans/"+p.ID+"/approve", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d", resp.StatusCode)
	}
	var approved plan.Contract
	if err := env.DecodeData(&approved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if approved.Status != plan.StatusApproved {
		t.Fatalf("status = %s, want approved", approved.Status)
	}

	resp, env = g.do(t, http.MethodPost, "/api/v1/plans/"+p.ID+"/approve", nil, true)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second approve status = %d, want 409", resp.StatusCode)
	}
	if env.Err == nil || env.Err.Code != codeNotApprovable {
		t.Fatalf("error = %+v, want %s", env.Err, codeNotApprovable)
	}
}

func TestRejectPlanRecordsReason(t *testing.T) {
	g := newTestGateway(t)
	p := g.draftPlan(t)

	resp, _ := g.do(t, http.MethodPost, "/api/v1/plans/"+p.ID+"/reject", map[string]string{"reason": "too broad"}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reject status = %d", resp.StatusCode)
	}

	resp, env := g.do(t, http.MethodGet, "/api/v1/plans/"+p.ID+"/events", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d", resp.StatusCode)
	}
	var events []plan.Event
	if err := env.DecodeData(&events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	last := events[len(events)-1]
	if last.Type != plan.EventRejected {
		t.Fatalf("last event = %s, want %s", last.Type, plan.EventRejected)
	}
}

func TestCreateRunRequiresApprovedPlan(t *testing.T) {
	g := newTestGateway(t)
	p := g.draftPlan(t)

	resp, env := g.do(t, http.MethodPost, "/api/v1/runs", map[string]any{"plan_id": p.ID}, true)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if env.Err == nil || env.Err.Code != codePlanNotApproved {
		t.Fatalf("error = %+v, want %s", env.Err, codePlanNotApproved)
	}
}

func TestRunLifecycleThroughGateway(t *testing.T) {
	g := newTestGateway(t)
	p := g.draftPlan(t)
	g.do(t, http.MethodPost, "/api/v1/plans/"+p.ID+"/approve", nil, true)

	resp, env := g.do(t, http.MethodPost, "/api/v1/runs", map[string]any{
		"plan_id": p.ID,
		"pages":   []string{"/landing/a", "/landing/b"},
	}, true)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create run status = %d, envelope %+v", resp.StatusCode, env)
	}
	var rec run.Record
	if err := env.DecodeData(&rec); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if rec.Status != run.StatusQueued {
		t.Fatalf("status = %s, want queued", rec.Status)
	}
	if rec.Mode != run.ModeBulk {
		t.Fatalf("mode = %s, want bulk", rec.Mode)
	}

	if n := g.worker.Tick(context.Background()); n != 1 {
		t.Fatalf("tick processed %d runs, want 1", n)
	}

	resp, env = g.do(t, http.MethodGet, "/api/v1/runs/"+rec.ID, nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get run status = %d", resp.StatusCode)
	}
	var done run.Record
	if err := env.DecodeData(&done); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if done.Status != run.StatusCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
	if !done.RollbackAvailable {
		t.Fatal("expected rollback handles")
	}

	resp, env = g.do(t, http.MethodGet, "/api/v1/runs/"+rec.ID+"/handles", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("handles status = %d", resp.StatusCode)
	}
	var handles []run.RollbackHandle
	if err := env.DecodeData(&handles); err != nil {
		t.Fatalf("decode handles: %v", err)
	}
	if len(handles) != 2 {
		t.Fatalf("len(handles) = %d, want 2", len(handles))
	}

	resp, env = g.do(t, http.MethodPost, "/api/v1/runs/"+rec.ID+"/rollback", map[string]any{}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rollback status = %d", resp.StatusCode)
	}
	var summary run.RollbackSummary
	if err := env.DecodeData(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Applied != 2 || summary.Failed != 0 {
		t.Fatalf("summary = %+v, want 2 applied", summary)
	}

	resp, env = g.do(t, http.MethodGet, "/api/v1/runs/"+rec.ID, nil, true)
	var rolled run.Record
	if err := env.DecodeData(&rolled); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if rolled.Status != run.StatusRolledBack {
		t.Fatalf("status = %s, want rolled_back", rolled.Status)
	}
}

func TestCreateRunRejectsBulkOverCeiling(t *testing.T) {
	g := newTestGateway(t)
	p := g.draftPlan(t)
	g.do(t, http.MethodPost, "/api/v1/plans/"+p.ID+"/approve", nil, true)

	pages := make([]string, 26)
	for i := range pages {
		pages[i] = fmt.Sprintf("/page/%d", i)
	}
	resp, env := g.do(t, http.MethodPost, "/api/v1/runs", map[string]any{
		"plan_id": p.ID,
		"pages":   pages,
	}, true)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	if env.Err == nil || env.Err.Code != run.CodeBulkSizeExceeded {
		t.Fatalf("error = %+v, want %s", env.Err, run.CodeBulkSizeExceeded)
	}
}

func TestScopedRoutesRequireHeaders(t *testing.T) {
	g := newTestGateway(t)

	resp, env := g.do(t, http.MethodGet, "/api/v1/plans", nil, false)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if env.Err == nil || env.Err.Code != codeMissingScope {
		t.Fatalf("error = %+v, want %s", env.Err, codeMissingScope)
	}
}

func TestCrossTenantPlanReadsAsNotFound(t *testing.T) {
	g := newTestGateway(t)
	p := g.draftPlan(t)

	req, _ := http.NewRequest(http.MethodGet, g.srv.URL+"/api/v1/plans/"+p.ID, nil)
	req.Header.Set(headerInstallation, "inst-other")
	req.Header.Set(headerUser, "user-1")
	resp, err := g.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestTokenUsageEndpoint(t *testing.T) {
	g := newTestGateway(t)
	g.draftPlan(t)

	resp, env := g.do(t, http.MethodGet, "/api/v1/usage/tokens", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Date   string `json:"date"`
		Tokens int64  `json:"tokens"`
	}
	if err := env.DecodeData(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Tokens != 900 {
		t.Fatalf("tokens = %d, want 900", out.Tokens)
	}
}
