package run

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pagepilot/pagepilot/core/infra/bus"
	"github.com/pagepilot/pagepilot/core/infra/logging"
	"github.com/pagepilot/pagepilot/core/infra/metrics"
	"github.com/pagepilot/pagepilot/core/protocol/envelope"
)

const minPollInterval = 250 * time.Millisecond

// ToolCaller invokes one named tool on the remote host.
type ToolCaller interface {
	Invoke(ctx context.Context, toolName string, args any) (envelope.Envelope, error)
}

// Worker is the polling orchestrator. Each tick drains the queue one run at
// a time: claim the oldest, execute it end-to-end, then claim the next.
// Ticks never overlap and a single run's failure never stops the loop.
type Worker struct {
	store   *RedisStore
	caller  ToolCaller
	events  *bus.NatsBus
	metrics metrics.RunnerMetrics

	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	inTick   atomic.Bool
	wg       sync.WaitGroup
}

func NewWorker(store *RedisStore, caller ToolCaller, events *bus.NatsBus, m metrics.RunnerMetrics, interval time.Duration) *Worker {
	if interval < minPollInterval {
		interval = minPollInterval
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Worker{
		store:    store,
		caller:   caller,
		events:   events,
		metrics:  m,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the polling loop.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Tick(ctx)
			}
		}
	}()
}

// Stop halts future claims immediately. Safe to call more than once; an
// in-flight run finishes before Stop returns.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) stopped() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// Tick claims and executes queued runs until the queue is empty or the
// worker is stopped. A tick that arrives while one is in progress is a
// no-op. Returns the number of runs executed.
func (w *Worker) Tick(ctx context.Context) int {
	if !w.inTick.CompareAndSwap(false, true) {
		return 0
	}
	defer w.inTick.Store(false)

	executed := 0
	for !w.stopped() {
		rec, err := w.store.ClaimOldest(ctx)
		if err != nil {
			logging.Error("runner", "claim failed", "error", err)
			return executed
		}
		if rec == nil {
			return executed
		}
		w.metrics.IncRunsClaimed()
		w.publish(bus.SubjectRunLeased, rec, nil)

		w.executeSafely(ctx, rec)
		executed++
	}
	return executed
}

// executeSafely shields the loop from any single run's failure, including
// panics out of tool response handling.
func (w *Worker) executeSafely(ctx context.Context, rec *Record) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logging.Error("runner", "run panicked", "run_id", rec.ID, "panic", r)
			w.finish(ctx, rec, StatusFailed, "RUN_PANIC", fmt.Sprintf("%v", r))
		}
		w.metrics.ObserveRunDuration(rec.SkillID, time.Since(start).Seconds())
	}()

	if err := w.execute(ctx, rec); err != nil {
		logging.Error("runner", "run failed", "run_id", rec.ID, "error", err)
	}
}

func (w *Worker) execute(ctx context.Context, rec *Record) error {
	logging.Info("runner", "run started", "run_id", rec.ID, "plan_id", rec.PlanID, "mode", string(rec.Mode))

	for i := range rec.PlanSteps {
		step := rec.PlanSteps[i]
		now := time.Now().UTC()
		rec.Steps[i].Status = StepRunning
		rec.Steps[i].StartedAt = &now
		if err := w.store.Update(ctx, rec); err != nil {
			// The claim already popped the run off the queue; a best-effort
			// failed terminal state beats leaving it stuck in running.
			w.finish(ctx, rec, StatusFailed, "RUN_STORE_FAILED", err.Error())
			return err
		}
		_ = w.store.AppendEvent(ctx, rec.ID, EventStepStarted, map[string]any{"step_id": step.StepID})

		if err := w.executeStep(ctx, rec, i); err != nil {
			finished := time.Now().UTC()
			rec.Steps[i].Status = StepFailed
			rec.Steps[i].FinishedAt = &finished
			if rec.Steps[i].ErrorCode == "" {
				rec.Steps[i].ErrorCode = "TOOL_CALL_FAILED"
				rec.Steps[i].ErrorMessage = err.Error()
			}
			_ = w.store.AppendEvent(ctx, rec.ID, EventStepFailed, map[string]any{
				"step_id": step.StepID,
				"code":    rec.Steps[i].ErrorCode,
			})
			for j := i + 1; j < len(rec.Steps); j++ {
				rec.Steps[j].Status = StepSkipped
			}
			w.finish(ctx, rec, StatusFailed, rec.Steps[i].ErrorCode, rec.Steps[i].ErrorMessage)
			return err
		}

		finished := time.Now().UTC()
		rec.Steps[i].Status = StepCompleted
		rec.Steps[i].FinishedAt = &finished
		rec.ActualSteps++
		if err := w.store.Update(ctx, rec); err != nil {
			w.finish(ctx, rec, StatusFailed, "RUN_STORE_FAILED", err.Error())
			return err
		}
		_ = w.store.AppendEvent(ctx, rec.ID, EventStepCompleted, map[string]any{"step_id": step.StepID})
	}

	w.finish(ctx, rec, StatusCompleted, "", "")
	return nil
}

// executeStep issues one step's tool calls. Mutating tools fan out over the
// run's page list; every call is checked against the effective caps first so
// actual counts can never exceed them.
func (w *Worker) executeStep(ctx context.Context, rec *Record, idx int) error {
	step := rec.PlanSteps[idx]
	for _, toolName := range step.Tools {
		targets := []string{""}
		switch toolName {
		case "content.item.create":
			if len(rec.Pages) > 0 {
				targets = rec.Pages
			}
		}

		for _, page := range targets {
			if rec.Caps.MaxToolCalls > 0 && rec.ActualToolCalls+1 > rec.Caps.MaxToolCalls {
				rec.Steps[idx].ErrorCode = CodeCallCapExceeded
				rec.Steps[idx].ErrorMessage = fmt.Sprintf("tool call cap %d reached", rec.Caps.MaxToolCalls)
				return fmt.Errorf("tool call cap %d reached", rec.Caps.MaxToolCalls)
			}
			if page != "" && rec.Caps.MaxPages > 0 && rec.ActualPages+1 > rec.Caps.MaxPages {
				rec.Steps[idx].ErrorCode = CodePageCapExceeded
				rec.Steps[idx].ErrorMessage = fmt.Sprintf("page cap %d reached", rec.Caps.MaxPages)
				return fmt.Errorf("page cap %d reached", rec.Caps.MaxPages)
			}

			args := map[string]any{
				"plan_id": rec.PlanID,
				"run_id":  rec.ID,
				"step_id": step.StepID,
			}
			switch toolName {
			case "content.item.create":
				if page != "" {
					args["page"] = page
				}
			case "content.bulk.schedule":
				args["pages"] = rec.Pages
			}

			env, err := w.caller.Invoke(ctx, toolName, args)
			if err != nil {
				w.metrics.IncToolCalls(toolName, "error")
				return fmt.Errorf("invoke %s: %w", toolName, err)
			}
			if !env.OK {
				w.metrics.IncToolCalls(toolName, "rejected")
				code := "TOOL_CALL_FAILED"
				msg := "tool call rejected"
				if env.Err != nil {
					code, msg = env.Err.Code, env.Err.Message
				}
				rec.Steps[idx].ErrorCode = code
				rec.Steps[idx].ErrorMessage = msg
				return fmt.Errorf("%s rejected: %s", toolName, code)
			}
			w.metrics.IncToolCalls(toolName, "ok")

			rec.ActualToolCalls++
			rec.Steps[idx].ActualCalls++
			if page != "" {
				rec.ActualPages++
			}
			w.recordRollback(ctx, rec, step.StepID, toolName, env)
		}
	}
	return nil
}

// recordRollback turns a mutating call's response into a compensating
// handle. Read tools return nothing rollback-relevant and are skipped.
func (w *Worker) recordRollback(ctx context.Context, rec *Record, stepID, toolName string, env envelope.Envelope) {
	var result struct {
		ItemID string `json:"item_id"`
		JobID  string `json:"job_id"`
	}
	if err := env.DecodeData(&result); err != nil {
		return
	}

	var handle *RollbackHandle
	switch {
	case toolName == "content.item.create" && result.ItemID != "":
		handle = &RollbackHandle{
			RunID:     rec.ID,
			StepID:    stepID,
			Kind:      HandleKindDeleteItem,
			TargetRef: result.ItemID,
		}
	case toolName == "content.bulk.schedule" && result.JobID != "":
		handle = &RollbackHandle{
			RunID:     rec.ID,
			StepID:    stepID,
			Kind:      HandleKindCancelJob,
			TargetRef: result.JobID,
		}
	}
	if handle == nil {
		return
	}
	if err := w.store.SaveHandle(ctx, handle); err != nil {
		logging.Error("runner", "save rollback handle failed", "run_id", rec.ID, "error", err)
		return
	}
	rec.RollbackAvailable = true
}

func (w *Worker) finish(ctx context.Context, rec *Record, status Status, code, message string) {
	now := time.Now().UTC()
	rec.Status = status
	rec.FinishedAt = &now
	rec.ErrorCode = code
	rec.ErrorMessage = message
	if err := w.store.Update(ctx, rec); err != nil {
		logging.Error("runner", "finish update failed", "run_id", rec.ID, "error", err)
	}

	eventType := EventCompleted
	subject := bus.SubjectRunCompleted
	if status != StatusCompleted {
		eventType = EventFailed
		subject = bus.SubjectRunFailed
	}
	detail := map[string]any{"status": string(status)}
	if code != "" {
		detail["code"] = code
	}
	_ = w.store.AppendEvent(ctx, rec.ID, eventType, detail)
	w.publish(subject, rec, detail)
	w.metrics.IncRunsCompleted(string(status))
	logging.Info("runner", "run finished", "run_id", rec.ID, "status", string(status))
}

func (w *Worker) publish(subject string, rec *Record, detail map[string]any) {
	if err := w.events.Publish(subject, bus.Event{
		InstallationID: rec.InstallationID,
		PlanID:         rec.PlanID,
		RunID:          rec.ID,
		Detail:         detail,
	}); err != nil {
		logging.Error("runner", "publish failed", "subject", subject, "error", err)
	}
}
