// ABOUTME: Sequential step runner for cancellable tasks.
// ABOUTME: Registers the task, reports progress after each step and always removes the task when done.

package tasks

import (
	"context"
	"fmt"
)

// StepFunc performs step i (zero based). The returned message is recorded as
// the task's progress message.
type StepFunc func(ctx context.Context, i int) (string, error)

// Run describes a stepped invocation.
type Run struct {
	StartOptions

	Step StepFunc

	// Progress, if set, receives a snapshot after every completed step.
	Progress func(Task)
}

// Report summarises how a run ended.
type Report struct {
	TaskID         string `json:"task_id"`
	Cancelled      bool   `json:"cancelled"`
	StepsCompleted int    `json:"steps_completed"`
	TotalSteps     int    `json:"total_steps"`
}

// RunSteps executes run.Step TotalSteps times. Cancellation, through the
// registry or ctx, is checked before each step; a cancelled run is not an
// error. The task is removed on success, failure and cancellation.
func RunSteps(ctx context.Context, r *Registry, run Run) (Report, error) {
	task, err := r.Start(run.StartOptions)
	if err != nil {
		return Report{}, fmt.Errorf("starting task: %w", err)
	}
	defer func() { _, _ = r.Complete(task.ID) }()

	report := Report{TaskID: task.ID, TotalSteps: task.TotalSteps}
	for i := 0; i < task.TotalSteps; i++ {
		if ctx.Err() != nil || r.IsCancelled(task.ID) {
			report.Cancelled = true
			return report, nil
		}

		msg, err := run.Step(ctx, i)
		if err != nil {
			return report, fmt.Errorf("step %d: %w", i+1, err)
		}
		report.StepsCompleted = i + 1

		cancelled, err := r.Advance(task.ID, i+1, msg)
		if err != nil {
			return report, err
		}
		if run.Progress != nil {
			if snap, ok := r.Get(task.ID); ok {
				run.Progress(snap)
			}
		}
		if cancelled && i+1 < task.TotalSteps {
			report.Cancelled = true
			return report, nil
		}
	}
	return report, nil
}
