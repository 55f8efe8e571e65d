package run

import (
	"fmt"
	"time"

	"github.com/pagepilot/pagepilot/core/infra/config"
	"github.com/pagepilot/pagepilot/core/plan"
)

// MapperInput carries everything needed to shape an approved plan into an
// execution-ready run.
type MapperInput struct {
	Plan         *plan.Contract
	Skill        config.Skill
	Env          Caps
	BulkCeiling  int
	Pages        []string
	TargetStepID string
}

// MapInput converts an approved plan into a queued-ready record. Effective
// caps are the minimum of the environment, plan-policy, and skill caps per
// dimension; any planned quantity over its cap rejects the run with a
// budget-specific code before it is ever queued. The bulk ceiling is a hard
// per-request bound independent of the caps.
func MapInput(in MapperInput) (*Record, error) {
	p := in.Plan
	if p == nil {
		return nil, fmt.Errorf("plan required")
	}

	caps := Caps{
		MaxSteps:     minCap3(in.Env.MaxSteps, p.Policy.MaxSteps, in.Skill.MaxSteps),
		MaxToolCalls: minCap3(in.Env.MaxToolCalls, p.Policy.MaxToolCalls, in.Skill.MaxToolCalls),
		MaxPages:     minCap3(in.Env.MaxPages, p.Policy.MaxPages, in.Skill.MaxPages),
	}

	steps := p.Steps
	if in.TargetStepID != "" {
		var picked []plan.Step
		for _, step := range p.Steps {
			if step.StepID == in.TargetStepID {
				picked = append(picked, step)
			}
		}
		if len(picked) == 0 {
			return nil, fmt.Errorf("target step %q not in plan", in.TargetStepID)
		}
		steps = picked
	}

	plannedCalls := 0
	plannedPages := 0
	for _, step := range steps {
		plannedCalls += stepCalls(step)
		plannedPages += step.PageEstimate
	}
	if len(in.Pages) > 0 {
		plannedPages = len(in.Pages)
	}

	if in.BulkCeiling > 0 && len(in.Pages) > in.BulkCeiling {
		return nil, &CapError{
			Code:    CodeBulkSizeExceeded,
			Message: fmt.Sprintf("%d pages requested, bulk ceiling is %d", len(in.Pages), in.BulkCeiling),
		}
	}
	if caps.MaxSteps > 0 && len(steps) > caps.MaxSteps {
		return nil, &CapError{
			Code:    CodeStepCapExceeded,
			Message: fmt.Sprintf("%d steps planned, effective cap is %d", len(steps), caps.MaxSteps),
		}
	}
	if caps.MaxToolCalls > 0 && plannedCalls > caps.MaxToolCalls {
		return nil, &CapError{
			Code:    CodeCallCapExceeded,
			Message: fmt.Sprintf("%d tool calls planned, effective cap is %d", plannedCalls, caps.MaxToolCalls),
		}
	}
	if caps.MaxPages > 0 && plannedPages > caps.MaxPages {
		return nil, &CapError{
			Code:    CodePageCapExceeded,
			Message: fmt.Sprintf("%d pages planned, effective cap is %d", plannedPages, caps.MaxPages),
		}
	}

	mode := ModeBulk
	if len(in.Pages) == 1 {
		mode = ModeSingle
	}

	stepRecords := make([]StepRecord, 0, len(steps))
	for _, step := range steps {
		stepRecords = append(stepRecords, StepRecord{
			StepID:       step.StepID,
			Status:       StepPending,
			PlannedCalls: stepCalls(step),
		})
	}

	now := time.Now().UTC()
	return &Record{
		PlanID:           p.ID,
		InstallationID:   p.InstallationID,
		UserID:           p.UserID,
		SkillID:          p.SkillID,
		Status:           StatusQueued,
		Mode:             mode,
		Pages:            in.Pages,
		TargetStepID:     in.TargetStepID,
		Caps:             caps,
		PlanSteps:        steps,
		PlannedSteps:     len(steps),
		PlannedToolCalls: plannedCalls,
		PlannedPages:     plannedPages,
		Steps:            stepRecords,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func stepCalls(step plan.Step) int {
	calls := step.ToolCallEstimate
	if len(step.Tools) > calls {
		calls = len(step.Tools)
	}
	return calls
}

func minCap3(a, b, c int) int {
	return minCap(minCap(a, b), c)
}

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
