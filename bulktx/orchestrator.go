// Package bulktx disburses a batch of worker earnings in the background:
// the orchestrator records and queues a batch, the processor pays each
// worker, and the callbacks settle the record once the job ends.
package bulktx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"go-crowdwork/model"
	"go-crowdwork/queue"
	"go-crowdwork/store"
	"go-crowdwork/worker"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// JobName is the queue name of bulk transaction jobs.
const JobName = "payments.bulk-transaction"

const (
	DefaultFailureServer = "server"
	FailureSource        = "Bulk Transaction Queue Processor"
)

var ErrInvalidSubmission = errors.New("invalid bulk transaction")

type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) (string, error)
}

type Submission struct {
	UserID   string                       `json:"user_id" validate:"required"`
	Amount   decimal.Decimal              `json:"amount" validate:"gt=0"`
	NWorkers int                          `json:"n_workers" validate:"gte=1"`
	Request  model.BulkTransactionRequest `json:"request"`
}

type Result struct {
	JobID  string                       `json:"job_id"`
	Record *model.BulkTransactionRecord `json:"record"`
}

type Orchestrator struct {
	store         store.Bulk
	queue         Enqueuer
	validate      *validator.Validate
	failureServer string
	logger        *slog.Logger
	tracer        trace.Tracer
}

// NewOrchestrator stamps failures with failureServer, or "server" when it
// is empty.
func NewOrchestrator(s store.Bulk, q Enqueuer, failureServer string, logger *slog.Logger) *Orchestrator {
	if failureServer == "" {
		failureServer = DefaultFailureServer
	}
	return &Orchestrator{
		store:         s,
		queue:         q,
		validate:      NewValidator(),
		failureServer: failureServer,
		logger:        logger.With("component", "bulk-transaction-orchestrator"),
		tracer:        otel.Tracer("crowdwork-bulktx"),
	}
}

// NewValidator returns a validator that compares decimal amounts as
// numbers.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

func (o *Orchestrator) check(sub Submission) error {
	if err := o.validate.Struct(sub); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidSubmission, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	if !wholePaise(sub.Amount) {
		return fmt.Errorf("%w: amount %s has more than two decimal places", ErrInvalidSubmission, sub.Amount)
	}
	for _, e := range sub.Request.Entries {
		if !wholePaise(e.Amount) {
			return fmt.Errorf("%w: amount %s of worker %s has more than two decimal places", ErrInvalidSubmission, e.Amount, e.WorkerID)
		}
	}
	if n := len(sub.Request.Entries); n != sub.NWorkers {
		return fmt.Errorf("%w: %d entries for %d workers", ErrInvalidSubmission, n, sub.NWorkers)
	}
	if total := sub.Request.Total(); !total.Equal(sub.Amount) {
		return fmt.Errorf("%w: entries sum to %s, amount is %s", ErrInvalidSubmission, total, sub.Amount)
	}
	return nil
}

func wholePaise(d decimal.Decimal) bool {
	return d.Shift(2).IsInteger()
}

// SubmitBulkTransaction records the batch as INITIALISED and queues its
// disbursement. If queueing fails the record stays INITIALISED and the
// error is returned.
func (o *Orchestrator) SubmitBulkTransaction(ctx context.Context, sub Submission) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "bulktx.Submit", trace.WithAttributes(
		attribute.String("user.id", sub.UserID),
		attribute.Int("n_workers", sub.NWorkers),
	))
	defer span.End()

	if err := o.check(sub); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	record := &model.BulkTransactionRecord{
		UserID:   sub.UserID,
		Amount:   sub.Amount,
		NWorkers: sub.NWorkers,
		Status:   model.BulkInitialised,
	}
	if err := o.store.InsertBulkTransaction(ctx, record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("bulk.id", record.ID))

	jobID, err := o.queue.Enqueue(ctx, JobName, model.BulkTransactionJob{RecordID: record.ID, Request: sub.Request})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		o.logger.Error("bulk transaction recorded but not queued", "bulk_id", record.ID, "error", err)
		return nil, fmt.Errorf("failed to queue bulk transaction %s: %w", record.ID, err)
	}

	o.logger.Info("bulk transaction queued", "bulk_id", record.ID, "job_id", jobID, "amount", record.Amount.String())
	return &Result{JobID: jobID, Record: record}, nil
}

func (o *Orchestrator) Callbacks() worker.Callbacks {
	return worker.Callbacks{
		OnCompleted: o.OnCompleted,
		OnFailed:    o.OnFailed,
	}
}

func (o *Orchestrator) OnCompleted(_ context.Context, job *queue.Job) {
	o.logger.Info(fmt.Sprintf("Completed job %s successfully", job.ID), "job_id", job.ID)
}

// OnFailed marks the record FAILED and merges the failure into its meta,
// keeping whatever else the meta holds.
func (o *Orchestrator) OnFailed(ctx context.Context, job *queue.Job, cause error) {
	var payload model.BulkTransactionJob
	if err := job.Decode(&payload); err != nil {
		o.logger.Error("bulk transaction job failed with unreadable payload", "job_id", job.ID, "error", err)
		return
	}
	o.logger.Error(fmt.Sprintf("Failed job %s with error: %s and record id: %s", job.ID, cause, payload.RecordID),
		"job_id", job.ID, "bulk_id", payload.RecordID)

	if err := o.MarkFailed(ctx, payload.RecordID, cause); err != nil {
		o.logger.Error("failed to mark bulk transaction failed", "bulk_id", payload.RecordID, "error", err)
	}
}

// MarkFailed is idempotent: failing an already FAILED record rewrites the
// same fields. A COMPLETED record is left as it is.
func (o *Orchestrator) MarkFailed(ctx context.Context, recordID string, cause error) error {
	_, err := o.store.UpdateBulkTransaction(ctx, recordID, func(r *model.BulkTransactionRecord) error {
		if r.Status == model.BulkCompleted {
			o.logger.Warn("not failing a completed bulk transaction", "bulk_id", r.ID, "error", cause)
			return nil
		}
		r.Status = model.BulkFailed
		r.Meta = r.Meta.WithFailure(o.failureServer, FailureSource, cause.Error())
		return nil
	})
	return err
}
