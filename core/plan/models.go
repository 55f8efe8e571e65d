// Package plan turns LLM-authored drafts into validated, capped, cost and
// risk scored plan contracts, and persists their lifecycle.
package plan

import (
	"encoding/json"
	"time"
)

// Status is the plan lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusValidated Status = "validated"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
)

// Event types recorded in the append-only plan log.
const (
	EventDraft     = "draft"
	EventValidated = "validated"
	EventApproved  = "approved"
	EventRejected  = "rejected"
)

// Validation issue codes. Each rule failure maps to exactly one code so
// callers can react programmatically.
const (
	IssueMalformedDraft   = "PLAN_MALFORMED_DRAFT"
	IssueBadPlanVersion   = "PLAN_VERSION_UNSUPPORTED"
	IssueSkillMismatch    = "PLAN_SKILL_MISMATCH"
	IssueEmptyGoal        = "PLAN_GOAL_EMPTY"
	IssueInputsNotObject  = "PLAN_INPUTS_NOT_OBJECT"
	IssueStepsEmpty       = "PLAN_STEPS_EMPTY"
	IssueStepFieldMissing = "PLAN_STEP_FIELD_MISSING"
	IssueDuplicateStepID  = "PLAN_STEP_ID_DUPLICATE"
	IssueUnknownTool      = "PLAN_TOOL_UNKNOWN"
	IssueToolNotAllowed   = "PLAN_TOOL_NOT_ALLOWED"
	IssueToolUnavailable  = "PLAN_TOOL_UNAVAILABLE"
	IssueStepCapExceeded  = "PLAN_STEP_CAP_EXCEEDED"
	IssueCallCapExceeded  = "PLAN_TOOL_CALL_CAP_EXCEEDED"
	IssuePageCapExceeded  = "PLAN_PAGE_CAP_EXCEEDED"
	GatingCostCapExceeded = "PLAN_COST_CAP_EXCEEDED"
)

// Issue is one validation or gating finding.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	StepID  string `json:"step_id,omitempty"`
}

// Step is one unit of work inside a plan. Steps are immutable after plan
// creation.
type Step struct {
	StepID           string   `json:"step_id"`
	Title            string   `json:"title"`
	Objective        string   `json:"objective"`
	Tools            []string `json:"tools"`
	ExpectedOutput   string   `json:"expected_output"`
	PageEstimate     int      `json:"page_estimate"`
	ToolCallEstimate int      `json:"tool_call_estimate"`
}

// Estimate is the deterministic cost projection for a plan.
type Estimate struct {
	Tokens        int     `json:"tokens"`
	CostUSD       float64 `json:"cost_usd"`
	TokenBand     string  `json:"token_band"`
	CostBand      string  `json:"cost_band"`
	Confidence    string  `json:"confidence"`
	TotalPages    int     `json:"total_pages"`
	TotalCalls    int     `json:"total_calls"`
	WeightedCalls float64 `json:"weighted_calls"`
}

// Risk is the deterministic risk projection for a plan.
type Risk struct {
	Score          int     `json:"score"`
	Tier           string  `json:"tier"`
	WriteIntensity float64 `json:"write_intensity"`
	ToolNovelty    float64 `json:"tool_novelty"`
	CostRatio      float64 `json:"cost_ratio_to_cap"`
}

// PolicyContext is the budget bundle a plan was validated under.
type PolicyContext struct {
	PresetID       string  `json:"preset_id"`
	Model          string  `json:"model"`
	MaxSteps       int     `json:"max_steps"`
	MaxToolCalls   int     `json:"max_tool_calls"`
	MaxPages       int     `json:"max_pages"`
	MaxCostUSD     float64 `json:"max_cost_usd"`
	UnitPricePer1K float64 `json:"unit_price_per_1k"`
}

// Contract is a persisted plan. Steps and estimate never change after
// creation; only Status and UpdatedAt move, via approve or reject.
type Contract struct {
	ID             string          `json:"id"`
	Hash           string          `json:"hash"`
	InstallationID string          `json:"installation_id"`
	UserID         string          `json:"user_id"`
	SkillID        string          `json:"skill_id"`
	Goal           string          `json:"goal"`
	Assumptions    []string        `json:"assumptions,omitempty"`
	Inputs         json.RawMessage `json:"inputs,omitempty"`
	Steps          []Step          `json:"steps"`
	Estimate       Estimate        `json:"estimate"`
	Risk           Risk            `json:"risk"`
	Issues         []Issue         `json:"issues,omitempty"`
	Gating         []Issue         `json:"gating,omitempty"`
	Policy         PolicyContext   `json:"policy"`
	Status         Status          `json:"status"`
	TokensUsed     int             `json:"tokens_used"`
	Model          string          `json:"model"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Event is one append-only audit record for a plan.
type Event struct {
	ID        string          `json:"id"`
	PlanID    string          `json:"plan_id"`
	Type      string          `json:"type"`
	ActorType string          `json:"actor_type"`
	ActorID   string          `json:"actor_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	At        time.Time       `json:"at"`
}
