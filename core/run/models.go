// Package run executes approved plans as capped, rollback-aware runs.
package run

import (
	"encoding/json"
	"time"

	"github.com/pagepilot/pagepilot/core/plan"
)

// Status is the run lifecycle state.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusRollingBack    Status = "rolling_back"
	StatusRolledBack     Status = "rolled_back"
	StatusRollbackFailed Status = "rollback_failed"
)

// StepStatus is the per-step execution state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Mode distinguishes a single-target run from a bulk one.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeBulk   Mode = "bulk"
)

// Cap violation codes raised before a run is queued.
const (
	CodeStepCapExceeded  = "RUN_STEP_CAP_EXCEEDED"
	CodePageCapExceeded  = "RUN_PAGE_CAP_EXCEEDED"
	CodeCallCapExceeded  = "RUN_TOOL_CALL_CAP_EXCEEDED"
	CodeBulkSizeExceeded = "RUN_BULK_SIZE_EXCEEDED"
)

// Run event types recorded in the append-only run log.
const (
	EventQueued          = "run_queued"
	EventLeased          = "run_leased"
	EventStepStarted     = "step_started"
	EventStepCompleted   = "step_completed"
	EventStepFailed      = "step_failed"
	EventCompleted       = "run_completed"
	EventFailed          = "run_failed"
	EventRollbackStarted = "rollback_started"
	EventRollbackDone    = "rollback_done"
)

// Caps bounds one run along each budget dimension. Zero means unbounded.
type Caps struct {
	MaxSteps     int `json:"max_steps"`
	MaxToolCalls int `json:"max_tool_calls"`
	MaxPages     int `json:"max_pages"`
}

// CapError reports which budget a planned run exceeds.
type CapError struct {
	Code    string
	Message string
}

func (e *CapError) Error() string {
	return e.Code + ": " + e.Message
}

// StepRecord tracks one step's execution progress.
type StepRecord struct {
	StepID       string     `json:"step_id"`
	Status       StepStatus `json:"status"`
	PlannedCalls int        `json:"planned_calls"`
	ActualCalls  int        `json:"actual_calls"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Record is one execution attempt of an approved plan. Only the orchestrator
// mutates it after creation.
type Record struct {
	ID             string      `json:"id"`
	PlanID         string      `json:"plan_id"`
	InstallationID string      `json:"installation_id"`
	UserID         string      `json:"user_id"`
	SkillID        string      `json:"skill_id"`
	Status         Status      `json:"status"`
	Mode           Mode        `json:"mode"`
	Pages          []string    `json:"pages,omitempty"`
	TargetStepID   string      `json:"target_step_id,omitempty"`
	Caps           Caps        `json:"caps"`
	PlanSteps      []plan.Step `json:"plan_steps"`

	PlannedSteps     int `json:"planned_steps"`
	PlannedToolCalls int `json:"planned_tool_calls"`
	PlannedPages     int `json:"planned_pages"`
	ActualSteps      int `json:"actual_steps"`
	ActualToolCalls  int `json:"actual_tool_calls"`
	ActualPages      int `json:"actual_pages"`

	Steps             []StepRecord `json:"steps"`
	ErrorCode         string       `json:"error_code,omitempty"`
	ErrorMessage      string       `json:"error_message,omitempty"`
	RollbackAvailable bool         `json:"rollback_available"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Rollback handle states.
const (
	HandlePending = "pending"
	HandleApplied = "applied"
	HandleFailed  = "failed"
)

// Compensating action kinds.
const (
	HandleKindDeleteItem = "content.item.delete"
	HandleKindCancelJob  = "content.bulk.cancel"
)

// RollbackHandle references one compensating action created as a side
// effect of a mutating tool call.
type RollbackHandle struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	StepID    string    `json:"step_id"`
	Kind      string    `json:"kind"`
	TargetRef string    `json:"target_ref"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HandleResult is the outcome of applying one rollback handle.
type HandleResult struct {
	HandleID string `json:"handle_id"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// RollbackSummary reports one rollback application batch.
type RollbackSummary struct {
	Total   int            `json:"total"`
	Applied int            `json:"applied"`
	Failed  int            `json:"failed"`
	Results []HandleResult `json:"results"`
}

// Event is one append-only audit record for a run.
type Event struct {
	ID     string          `json:"id"`
	RunID  string          `json:"run_id"`
	Type   string          `json:"type"`
	Detail json.RawMessage `json:"detail,omitempty"`
	At     time.Time       `json:"at"`
}
