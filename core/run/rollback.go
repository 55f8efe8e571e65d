package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pagepilot/pagepilot/core/infra/bus"
	"github.com/pagepilot/pagepilot/core/infra/logging"
)

// ErrNoChannel means no signed tool channel is configured, so compensating
// calls cannot be issued.
var ErrNoChannel = errors.New("tool channel not configured")

// Rollbacker applies a run's compensating actions through the same signed
// channel the run executed over.
type Rollbacker struct {
	store  *RedisStore
	caller ToolCaller
	events *bus.NatsBus
}

func NewRollbacker(store *RedisStore, caller ToolCaller, events *bus.NatsBus) *Rollbacker {
	return &Rollbacker{store: store, caller: caller, events: events}
}

// Apply walks the run's pending rollback handles, optionally filtered to the
// given handle ids, and applies each compensating action independently. A
// single handle's failure never aborts the batch; the run ends rolled_back
// only when every attempted handle applied cleanly.
func (r *Rollbacker) Apply(ctx context.Context, scope Scope, runID string, handleIDs []string) (RollbackSummary, error) {
	if r.caller == nil {
		return RollbackSummary{}, ErrNoChannel
	}
	rec, err := r.store.Get(ctx, scope, runID)
	if err != nil {
		return RollbackSummary{}, err
	}

	handles, err := r.store.Handles(ctx, runID)
	if err != nil {
		return RollbackSummary{}, err
	}
	wanted := make(map[string]bool, len(handleIDs))
	for _, id := range handleIDs {
		wanted[id] = true
	}

	var pending []*RollbackHandle
	for _, h := range handles {
		if h.Status != HandlePending {
			continue
		}
		if len(wanted) > 0 && !wanted[h.ID] {
			continue
		}
		pending = append(pending, h)
	}
	if len(pending) == 0 {
		return RollbackSummary{}, nil
	}

	rec.Status = StatusRollingBack
	if err := r.store.Update(ctx, rec); err != nil {
		return RollbackSummary{}, err
	}
	_ = r.store.AppendEvent(ctx, runID, EventRollbackStarted, map[string]any{"handles": len(pending)})

	summary := RollbackSummary{Total: len(pending)}
	for _, h := range pending {
		result := HandleResult{HandleID: h.ID}
		if err := r.applyOne(ctx, h); err != nil {
			h.Status = HandleFailed
			h.Error = err.Error()
			result.Status = HandleFailed
			result.Error = err.Error()
			summary.Failed++
			logging.Error("rollback", "handle failed", "run_id", runID, "handle_id", h.ID, "error", err)
		} else {
			h.Status = HandleApplied
			result.Status = HandleApplied
			summary.Applied++
		}
		if err := r.store.UpdateHandle(ctx, h); err != nil {
			logging.Error("rollback", "handle update failed", "handle_id", h.ID, "error", err)
		}
		summary.Results = append(summary.Results, result)
	}

	final := StatusRolledBack
	if summary.Failed > 0 {
		final = StatusRollbackFailed
	}
	rec.Status = final
	if err := r.store.Update(ctx, rec); err != nil {
		return summary, err
	}
	_ = r.store.AppendEvent(ctx, runID, EventRollbackDone, map[string]any{
		"status":  string(final),
		"applied": summary.Applied,
		"failed":  summary.Failed,
	})
	if err := r.events.Publish(bus.SubjectRunRolledBack, bus.Event{
		InstallationID: rec.InstallationID,
		PlanID:         rec.PlanID,
		RunID:          rec.ID,
		Detail:         map[string]any{"status": string(final)},
	}); err != nil {
		logging.Error("rollback", "publish failed", "run_id", runID, "error", err)
	}
	return summary, nil
}

func (r *Rollbacker) applyOne(ctx context.Context, h *RollbackHandle) error {
	var args map[string]any
	switch h.Kind {
	case HandleKindDeleteItem:
		args = map[string]any{"item_id": h.TargetRef}
	case HandleKindCancelJob:
		args = map[string]any{"job_id": h.TargetRef}
	default:
		return fmt.Errorf("unknown rollback kind %q", h.Kind)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	env, err := r.caller.Invoke(ctx, h.Kind, args)
	if err != nil {
		return err
	}
	if !env.OK {
		if env.Err != nil {
			return fmt.Errorf("%s: %s", env.Err.Code, env.Err.Message)
		}
		return fmt.Errorf("compensating call rejected")
	}
	return nil
}
