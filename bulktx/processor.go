package bulktx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go-crowdwork/gateway"
	"go-crowdwork/metrics"
	"go-crowdwork/model"
	"go-crowdwork/queue"
	"go-crowdwork/store"
	"go-crowdwork/worker"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Payouts interface {
	CreatePayout(ctx context.Context, req gateway.PayoutRequest, idempotencyKey string) (*gateway.Payout, error)
}

// Processor pays out the entries of a bulk transaction. Each worker's
// payout is recorded as a payment transaction first, so a re-run skips
// workers already paid.
type Processor struct {
	store   store.Bulk
	payouts Payouts
	logger  *slog.Logger
	tracer  trace.Tracer
}

func NewProcessor(s store.Bulk, p Payouts, logger *slog.Logger) *Processor {
	return &Processor{
		store:   s,
		payouts: p,
		logger:  logger.With("component", "bulk-transaction-processor"),
		tracer:  otel.Tracer("crowdwork-bulktx"),
	}
}

func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	var payload model.BulkTransactionJob
	if err := job.Decode(&payload); err != nil {
		return worker.Permanent(err)
	}
	return p.Process(ctx, payload)
}

func (p *Processor) Process(ctx context.Context, payload model.BulkTransactionJob) error {
	ctx, span := p.tracer.Start(ctx, "bulktx.Process", trace.WithAttributes(
		attribute.String("bulk.id", payload.RecordID),
		attribute.Int("entries", len(payload.Request.Entries)),
	))
	defer span.End()

	err := p.process(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "disbursement failed")
	}
	return err
}

func (p *Processor) process(ctx context.Context, payload model.BulkTransactionJob) error {
	record, err := p.store.GetBulkTransaction(ctx, payload.RecordID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return worker.Permanent(err)
		}
		return err
	}
	logger := p.logger.With("bulk_id", record.ID)

	if record.Status != model.BulkInitialised {
		logger.Info("skipping settled bulk transaction", "status", record.Status)
		return nil
	}

	for _, entry := range payload.Request.Entries {
		if err := p.pay(ctx, logger, record, entry); err != nil {
			return err
		}
	}

	_, err = p.store.UpdateBulkTransaction(ctx, record.ID, func(r *model.BulkTransactionRecord) error {
		if r.Status == model.BulkInitialised {
			r.Status = model.BulkCompleted
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete bulk transaction %s: %w", record.ID, err)
	}
	logger.Info("bulk transaction completed", "workers", len(payload.Request.Entries))
	return nil
}

func (p *Processor) pay(ctx context.Context, logger *slog.Logger, record *model.BulkTransactionRecord, entry model.PayoutEntry) error {
	account, err := p.store.RegisteredAccount(ctx, entry.WorkerID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return worker.Permanent(fmt.Errorf("worker %s has no registered payments account", entry.WorkerID))
		}
		return err
	}

	tx, err := p.store.EnsurePaymentTransaction(ctx, &model.PaymentTransaction{
		BulkID:    record.ID,
		WorkerID:  entry.WorkerID,
		AccountID: account.ID,
		Amount:    entry.Amount,
	})
	if err != nil {
		return err
	}
	if tx.Status == model.TransactionProcessed {
		return nil
	}

	req, err := gateway.NewPayoutRequest(account, tx.Amount, record.ID)
	if err != nil {
		return worker.Permanent(err)
	}
	payout, err := p.payouts.CreatePayout(ctx, req, IdempotencyKey(record.ID, entry.WorkerID))
	if err != nil {
		metrics.PayoutsTotal.WithLabelValues("failed").Inc()
		if !gateway.IsRetryable(err) {
			return worker.Permanent(err)
		}
		return err
	}

	if err := p.store.MarkTransactionProcessed(ctx, tx.ID, payout.ID); err != nil {
		return err
	}
	metrics.PayoutsTotal.WithLabelValues("processed").Inc()
	logger.Info("worker paid", "worker_id", entry.WorkerID, "payout_id", payout.ID, "amount", tx.Amount.String())
	return nil
}

// IdempotencyKey identifies one worker's payout within a batch.
func IdempotencyKey(bulkID, workerID string) string {
	return bulkID + ":" + workerID
}
