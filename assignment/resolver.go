// Package assignment decides which microtasks a worker may be handed and
// tracks how far the responses to a microtask agree.
package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go-crowdwork/metrics"
	"go-crowdwork/model"
	"go-crowdwork/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Unbounded disables the per-microtask assignment quota.
const Unbounded = 0

const maxAssignRetries = 3

var (
	ErrIncompleteWork        = errors.New("worker has incomplete assignments")
	ErrNoAssignableMicrotask = errors.New("no assignable microtask")
	ErrInvalidTransition     = errors.New("invalid assignment status transition")
	ErrInvalidOutput         = errors.New("assignment output is not valid JSON")
)

type Resolver struct {
	store  store.Assignments
	logger *slog.Logger
	tracer trace.Tracer
}

func NewResolver(s store.Assignments, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:  s,
		logger: logger.With("component", "assignment-resolver"),
		tracer: otel.Tracer("crowdwork-assignment"),
	}
}

// AssignableMicrotasks lists, ordered by id, the microtasks of the task that
// are not COMPLETED, have fewer than maxAssignments assignments that are
// neither SKIPPED nor EXPIRED, and were never assigned to the worker.
// maxAssignments <= 0 means no quota.
func (r *Resolver) AssignableMicrotasks(ctx context.Context, taskID, workerID string, maxAssignments int) ([]model.Microtask, error) {
	if _, err := r.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	if _, err := r.store.GetWorker(ctx, workerID); err != nil {
		return nil, err
	}

	open, err := r.store.OpenMicrotasks(ctx, taskID)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]struct{})
	if maxAssignments > 0 {
		full, err := r.store.MicrotasksAtQuota(ctx, taskID, maxAssignments)
		if err != nil {
			return nil, err
		}
		for _, id := range full {
			excluded[id] = struct{}{}
		}
	}
	seen, err := r.store.WorkerMicrotasks(ctx, workerID)
	if err != nil {
		return nil, err
	}
	for _, id := range seen {
		excluded[id] = struct{}{}
	}

	out := make([]model.Microtask, 0, len(open))
	for _, mt := range open {
		if _, skip := excluded[mt.ID]; !skip {
			out = append(out, mt)
		}
	}
	return out, nil
}

// HasIncompleteMicrotasks reports whether the worker holds any ASSIGNED
// assignment.
func (r *Resolver) HasIncompleteMicrotasks(ctx context.Context, workerID string) (bool, error) {
	n, err := r.store.CountWorkerAssignments(ctx, workerID, model.AssignmentAssigned)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Assign hands the worker the first assignable microtask of the task.
// The store rechecks the quota when inserting; losing that race resolves
// the candidates again, up to maxAssignRetries times.
func (r *Resolver) Assign(ctx context.Context, taskID, workerID string, maxAssignments int) (*model.MicrotaskAssignment, error) {
	ctx, span := r.tracer.Start(ctx, "resolver.Assign", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("worker.id", workerID),
		attribute.Int("max_assignments", maxAssignments),
	))
	defer span.End()

	a, err := r.assign(ctx, taskID, workerID, maxAssignments)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assignment failed")
		metrics.AssignmentsTotal.WithLabelValues(assignResult(err)).Inc()
		return nil, err
	}
	metrics.AssignmentsTotal.WithLabelValues("assigned").Inc()
	span.SetAttributes(attribute.String("microtask.id", a.MicrotaskID))
	r.logger.Info("microtask assigned",
		"task_id", taskID, "worker_id", workerID, "microtask_id", a.MicrotaskID, "assignment_id", a.ID)
	return a, nil
}

func (r *Resolver) assign(ctx context.Context, taskID, workerID string, maxAssignments int) (*model.MicrotaskAssignment, error) {
	busy, err := r.HasIncompleteMicrotasks(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, ErrIncompleteWork
	}

	for attempt := 1; ; attempt++ {
		candidates, err := r.AssignableMicrotasks(ctx, taskID, workerID, maxAssignments)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, ErrNoAssignableMicrotask
		}

		a, err := r.store.InsertAssignment(ctx, candidates[0].ID, workerID, maxAssignments)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, store.ErrQuotaExceededRace) {
			return nil, err
		}
		r.logger.Debug("lost assignment race",
			"microtask_id", candidates[0].ID, "worker_id", workerID, "attempt", attempt)
		if attempt >= maxAssignRetries {
			return nil, err
		}
	}
}

func assignResult(err error) string {
	switch {
	case errors.Is(err, ErrIncompleteWork):
		return "incomplete_work"
	case errors.Is(err, ErrNoAssignableMicrotask):
		return "none_assignable"
	case errors.Is(err, store.ErrQuotaExceededRace):
		return "race_lost"
	default:
		return "error"
	}
}

// Submit records the worker's output and moves the assignment from
// ASSIGNED to COMPLETED.
func (r *Resolver) Submit(ctx context.Context, assignmentID string, output json.RawMessage) (*model.MicrotaskAssignment, error) {
	if len(output) > 0 && !json.Valid(output) {
		return nil, ErrInvalidOutput
	}
	return r.store.UpdateAssignment(ctx, assignmentID, func(a *model.MicrotaskAssignment) error {
		if a.Status != model.AssignmentAssigned {
			return fmt.Errorf("%w: assignment %s is %s", ErrInvalidTransition, a.ID, a.Status)
		}
		a.Status = model.AssignmentCompleted
		a.Output = output
		return nil
	})
}
