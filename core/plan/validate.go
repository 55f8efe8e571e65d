package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pagepilot/pagepilot/core/infra/config"
	"github.com/pagepilot/pagepilot/core/tool"
)

const draftSchemaSource = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["plan_version", "skill_id", "goal", "steps"],
  "properties": {
    "plan_version": {"type": "integer"},
    "skill_id": {"type": "string"},
    "goal": {"type": "string"},
    "assumptions": {"type": "array", "items": {"type": "string"}},
    "inputs": {"type": "object"},
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "step_id": {"type": "string"},
          "title": {"type": "string"},
          "objective": {"type": "string"},
          "tools": {"type": "array", "items": {"type": "string"}},
          "expected_output": {"type": "string"},
          "page_estimate": {"type": "integer", "minimum": 0},
          "tool_call_estimate": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

var draftSchema = jsonschema.MustCompileString("plan-draft.json", draftSchemaSource)

// Draft is the decoded shape of an LLM-authored plan.
type Draft struct {
	PlanVersion int             `json:"plan_version"`
	SkillID     string          `json:"skill_id"`
	Goal        string          `json:"goal"`
	Assumptions []string        `json:"assumptions"`
	Inputs      json.RawMessage `json:"inputs"`
	Steps       []Step          `json:"steps"`
}

// Result is the full outcome of one validation pass. Estimate and Risk are
// always populated, even when the draft fails validation, so callers can
// surface projected cost alongside the issue list.
type Result struct {
	OK       bool
	Plan     *Contract
	Steps    []Step
	Issues   []Issue
	Gating   []Issue
	Estimate Estimate
	Risk     Risk
}

// Validator checks drafts against the tool registry and a skill's
// allowlist. It is stateless and safe for concurrent use.
type Validator struct {
	registry *tool.Registry
}

func NewValidator(registry *tool.Registry) *Validator {
	return &Validator{registry: registry}
}

// Evaluate validates a raw draft against the skill allowlist, the policy
// caps, and the installation manifest, accumulating every issue rather than
// stopping at the first. The returned contract carries status "validated"
// when there are zero issues and "rejected" otherwise.
func (v *Validator) Evaluate(raw []byte, skill config.Skill, policy PolicyContext, manifest tool.Manifest) Result {
	var res Result

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		res.Issues = append(res.Issues, Issue{
			Code:    IssueMalformedDraft,
			Message: fmt.Sprintf("draft is not valid JSON: %v", err),
		})
		return res
	}
	if err := draftSchema.Validate(generic); err != nil {
		res.Issues = append(res.Issues, Issue{
			Code:    IssueMalformedDraft,
			Message: fmt.Sprintf("draft does not match schema: %v", err),
		})
	}

	var draft Draft
	// Best effort on a schema failure; rule checks run over whatever decoded.
	_ = json.Unmarshal(raw, &draft)

	if draft.PlanVersion != 1 {
		res.Issues = append(res.Issues, Issue{
			Code:    IssueBadPlanVersion,
			Message: fmt.Sprintf("plan_version must be 1, got %d", draft.PlanVersion),
		})
	}
	if draft.SkillID != skill.ID {
		res.Issues = append(res.Issues, Issue{
			Code:    IssueSkillMismatch,
			Message: fmt.Sprintf("draft targets skill %q, expected %q", draft.SkillID, skill.ID),
		})
	}
	if strings.TrimSpace(draft.Goal) == "" {
		res.Issues = append(res.Issues, Issue{Code: IssueEmptyGoal, Message: "goal must be non-empty"})
	}
	if trimmed := bytes.TrimSpace(draft.Inputs); len(trimmed) > 0 && trimmed[0] != '{' {
		res.Issues = append(res.Issues, Issue{Code: IssueInputsNotObject, Message: "inputs must be a JSON object"})
	}
	if len(draft.Steps) == 0 {
		res.Issues = append(res.Issues, Issue{Code: IssueStepsEmpty, Message: "steps must be a non-empty array"})
	}

	seen := make(map[string]bool, len(draft.Steps))
	for _, step := range draft.Steps {
		for field, value := range map[string]string{
			"step_id":         step.StepID,
			"title":           step.Title,
			"objective":       step.Objective,
			"expected_output": step.ExpectedOutput,
		} {
			if strings.TrimSpace(value) == "" {
				res.Issues = append(res.Issues, Issue{
					Code:    IssueStepFieldMissing,
					Message: fmt.Sprintf("step %s is missing required field %s", step.StepID, field),
					StepID:  step.StepID,
				})
			}
		}
		if step.StepID != "" {
			if seen[step.StepID] {
				res.Issues = append(res.Issues, Issue{
					Code:    IssueDuplicateStepID,
					Message: fmt.Sprintf("step_id %q appears more than once", step.StepID),
					StepID:  step.StepID,
				})
			}
			seen[step.StepID] = true
		}

		for _, name := range step.Tools {
			if _, ok := v.registry.Lookup(name); !ok {
				res.Issues = append(res.Issues, Issue{
					Code:    IssueUnknownTool,
					Message: fmt.Sprintf("tool %q is not in the registry", name),
					StepID:  step.StepID,
				})
				continue
			}
			if !skill.AllowsTool(name) {
				res.Issues = append(res.Issues, Issue{
					Code:    IssueToolNotAllowed,
					Message: fmt.Sprintf("tool %q is not in the skill allowlist", name),
					StepID:  step.StepID,
				})
			}
			if !manifest.Has(name) {
				res.Issues = append(res.Issues, Issue{
					Code:    IssueToolUnavailable,
					Message: fmt.Sprintf("tool %q is not available on the installation", name),
					StepID:  step.StepID,
				})
			}
		}
	}

	maxSteps := minCap(policy.MaxSteps, skill.MaxSteps)
	maxCalls := minCap(policy.MaxToolCalls, skill.MaxToolCalls)
	maxPages := minCap(policy.MaxPages, skill.MaxPages)

	totalCalls := 0
	totalPages := 0
	for _, step := range draft.Steps {
		totalCalls += effectiveCalls(step)
		totalPages += step.PageEstimate
	}
	if maxSteps > 0 && len(draft.Steps) > maxSteps {
		res.Issues = append(res.Issues, Issue{
			Code:    IssueStepCapExceeded,
			Message: fmt.Sprintf("plan has %d steps, cap is %d", len(draft.Steps), maxSteps),
		})
	}
	if maxCalls > 0 && totalCalls > maxCalls {
		res.Issues = append(res.Issues, Issue{
			Code:    IssueCallCapExceeded,
			Message: fmt.Sprintf("plan estimates %d tool calls, cap is %d", totalCalls, maxCalls),
		})
	}
	if maxPages > 0 && totalPages > maxPages {
		res.Issues = append(res.Issues, Issue{
			Code:    IssuePageCapExceeded,
			Message: fmt.Sprintf("plan estimates %d pages, cap is %d", totalPages, maxPages),
		})
	}

	res.Steps = draft.Steps
	res.Estimate, res.Risk = Estimator{Registry: v.registry}.Project(draft.Steps, policy)
	if policy.MaxCostUSD > 0 && res.Estimate.CostUSD > policy.MaxCostUSD {
		res.Gating = append(res.Gating, Issue{
			Code:    GatingCostCapExceeded,
			Message: fmt.Sprintf("estimated cost %.4f exceeds policy cap %.4f", res.Estimate.CostUSD, policy.MaxCostUSD),
		})
	}

	res.OK = len(res.Issues) == 0

	hash, err := HashDraft(raw)
	if err != nil {
		hash = ""
	}
	status := StatusValidated
	if !res.OK {
		status = StatusRejected
	}
	now := time.Now().UTC()
	res.Plan = &Contract{
		Hash:        hash,
		SkillID:     draft.SkillID,
		Goal:        draft.Goal,
		Assumptions: draft.Assumptions,
		Inputs:      draft.Inputs,
		Steps:       draft.Steps,
		Estimate:    res.Estimate,
		Risk:        res.Risk,
		Issues:      res.Issues,
		Gating:      res.Gating,
		Policy:      policy,
		Status:      status,
		Model:       policy.Model,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return res
}

// effectiveCalls is a step's normalized tool-call count: the declared
// estimate never undercounts the literal tools listed.
func effectiveCalls(step Step) int {
	calls := step.ToolCallEstimate
	if len(step.Tools) > calls {
		calls = len(step.Tools)
	}
	return calls
}

// minCap treats zero as unbounded on either side.
func minCap(a, b int) int {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}
