// Package registration registers a worker's payout account with the
// payment gateway: first the worker's contact, then the fund account.
// Every outcome is persisted on the account record.
package registration

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

// JobName is the queue name of registration jobs.
const JobName = "payments.register-account"

const (
	SourceContact     = "contact registration"
	SourceFundAccount = "fund account registration"
	SourceQueue       = "Registration Account Queue Processor"

	reasonPrefix = "Failure inside Registration Account Queue Processor | "
	contactType  = "worker"
)

type Gateway interface {
	CreateContact(ctx context.Context, req gateway.ContactRequest) (*gateway.Contact, error)
	CreateFundAccount(ctx context.Context, req gateway.FundAccountRequest) (*gateway.FundAccount, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) (string, error)
}

type Saga struct {
	store      store.Accounts
	gateway    Gateway
	queue      Enqueuer
	serverName string
	logger     *slog.Logger
	tracer     trace.Tracer
}

func NewSaga(s store.Accounts, gw Gateway, q Enqueuer, serverName string, logger *slog.Logger) *Saga {
	return &Saga{
		store:      s,
		gateway:    gw,
		queue:      q,
		serverName: serverName,
		logger:     logger.With("component", "registration-saga"),
		tracer:     otel.Tracer("crowdwork-registration"),
	}
}

// Submitted is a freshly queued registration.
type Submitted struct {
	Account *model.PaymentsAccount `json:"account"`
	JobID   string                 `json:"job_id"`
}

// Submit records a new INITIALISED account for the worker and queues its
// registration. When queueing fails the account stays INITIALISED.
func (s *Saga) Submit(ctx context.Context, workerID string, details model.AccountDetails) (*Submitted, error) {
	if err := validateDetails(details); err != nil {
		return nil, err
	}
	if _, err := s.store.GetWorker(ctx, workerID); err != nil {
		return nil, err
	}

	account := &model.PaymentsAccount{
		WorkerID: workerID,
		Details:  details,
		Status:   model.AccountInitialised,
	}
	if err := s.store.InsertPaymentsAccount(ctx, account); err != nil {
		return nil, err
	}
	return s.enqueue(ctx, account)
}

// Resubmit replaces the details of a FAILED account, resets it to
// INITIALISED and queues a fresh registration.
func (s *Saga) Resubmit(ctx context.Context, accountID string, details model.AccountDetails) (*Submitted, error) {
	if err := validateDetails(details); err != nil {
		return nil, err
	}
	account, err := s.store.UpdatePaymentsAccount(ctx, accountID, func(a *model.PaymentsAccount) error {
		if a.Status != model.AccountFailed {
			return fmt.Errorf("%w: account %s is %s", ErrNotResubmittable, a.ID, a.Status)
		}
		a.Details = details
		a.Status = model.AccountInitialised
		a.FundID = nil
		a.Meta = model.Meta{Extra: a.Meta.Extra}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.enqueue(ctx, account)
}

func (s *Saga) enqueue(ctx context.Context, account *model.PaymentsAccount) (*Submitted, error) {
	jobID, err := s.queue.Enqueue(ctx, JobName, model.RegistrationJob{AccountID: account.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to queue registration of account %s: %w", account.ID, err)
	}
	s.logger.Info("registration queued", "account_id", account.ID, "worker_id", account.WorkerID, "job_id", jobID)
	return &Submitted{Account: account, JobID: jobID}, nil
}

func validateDetails(details model.AccountDetails) error {
	if details == nil {
		return fmt.Errorf("%w: account details are required", ErrInvalidAccount)
	}
	if err := details.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	return nil
}

// RegisterPaymentAccount runs the contact step then the fund account step
// for an INITIALISED account. Gateway failures are written to the account
// as FAILED and are not returned; an error means the account could not be
// loaded or updated and the job should be retried.
func (s *Saga) RegisterPaymentAccount(ctx context.Context, accountID string) error {
	ctx, span := s.tracer.Start(ctx, "registration.RegisterPaymentAccount",
		trace.WithAttributes(attribute.String("account.id", accountID)))
	defer span.End()

	account, err := s.store.GetPaymentsAccount(ctx, accountID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "account lookup failed")
		return err
	}
	logger := s.logger.With("account_id", account.ID, "worker_id", account.WorkerID)

	if account.Status != model.AccountInitialised {
		logger.Info("skipping registration", "status", account.Status)
		return nil
	}

	contactID, err := s.contactID(ctx, account.WorkerID)
	if err != nil {
		var cre *ContactRegistrationError
		if errors.As(err, &cre) {
			return s.fail(ctx, span, account, SourceContact, cre)
		}
		span.RecordError(err)
		return err
	}

	fund, err := s.createFundAccount(ctx, account, contactID)
	if err != nil {
		return s.fail(ctx, span, account, SourceFundAccount, err)
	}

	_, err = s.store.UpdatePaymentsAccount(ctx, account.ID, func(a *model.PaymentsAccount) error {
		fundID := fund.ID
		a.FundID = &fundID
		a.Status = model.AccountRegistered
		a.Meta = model.Meta{}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist registration")
		return fmt.Errorf("failed to save fund account %s on account %s: %w", fund.ID, account.ID, err)
	}

	metrics.AccountRegistrationsTotal.WithLabelValues(string(model.AccountRegistered)).Inc()
	logger.Info("payments account registered", "fund_id", fund.ID)
	return nil
}

// contactID returns the worker's gateway contact, creating and saving it on
// first use. When registrations of one worker race, the first saved
// contact wins and every account is bound to it.
func (s *Saga) contactID(ctx context.Context, workerID string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "registration.contact")
	defer span.End()

	w, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return "", &ContactRegistrationError{WorkerID: workerID, Err: err}
		}
		return "", err
	}
	if w.PaymentsMeta.ContactsID != "" {
		span.SetAttributes(attribute.Bool("contact.reused", true))
		return w.PaymentsMeta.ContactsID, nil
	}

	contact, err := s.gateway.CreateContact(ctx, gateway.ContactRequest{
		Name:    w.ID,
		Contact: w.PhoneNumber,
		Type:    contactType,
	})
	if err != nil {
		return "", &ContactRegistrationError{WorkerID: workerID, Err: err}
	}
	if contact.ID == "" {
		return "", &ContactRegistrationError{WorkerID: workerID, Err: errors.New("gateway returned an empty contact id")}
	}

	stored, err := s.store.SetWorkerContactsID(ctx, workerID, contact.ID)
	if err != nil {
		return "", fmt.Errorf("failed to save contacts id of worker %s: %w", workerID, err)
	}
	if stored != contact.ID {
		// Another registration of the same worker saved its contact first.
		s.logger.Warn("worker contact superseded", "worker_id", workerID,
			"contacts_id", stored, "discarded_contacts_id", contact.ID)
		span.SetAttributes(attribute.Bool("contact.reused", true))
		return stored, nil
	}
	s.logger.Info("worker contact created", "worker_id", workerID, "contacts_id", contact.ID)
	return contact.ID, nil
}

func (s *Saga) createFundAccount(ctx context.Context, account *model.PaymentsAccount, contactID string) (*gateway.FundAccount, error) {
	ctx, span := s.tracer.Start(ctx, "registration.fund_account")
	defer span.End()

	wrap := func(err error) error {
		return &FundAccountRegistrationError{AccountID: account.ID, Err: err}
	}

	req, err := gateway.NewFundAccountRequest(contactID, account.Details)
	if err != nil {
		return nil, wrap(err)
	}
	fund, err := s.gateway.CreateFundAccount(ctx, req)
	if err != nil {
		return nil, wrap(err)
	}
	if fund.ID == "" || fund.ContactID != contactID {
		return nil, wrap(fmt.Errorf("%w: id %q, contact %q", errMismatchedFundReply, fund.ID, fund.ContactID))
	}
	return fund, nil
}

// fail records the failure on the account. It returns nil once the failure
// is stored.
func (s *Saga) fail(ctx context.Context, span trace.Span, account *model.PaymentsAccount, source string, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, source+" failed")

	reason := reasonPrefix + upstreamMessage(cause)
	_, err := s.store.UpdatePaymentsAccount(ctx, account.ID, func(a *model.PaymentsAccount) error {
		a.Status = model.AccountFailed
		a.FundID = nil
		a.Meta = a.Meta.WithFailure(s.serverName, source, reason)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record %s failure on account %s (%v): %w", source, account.ID, cause, err)
	}

	metrics.AccountRegistrationsTotal.WithLabelValues(string(model.AccountFailed)).Inc()
	s.logger.Warn("payments account registration failed",
		"account_id", account.ID, "worker_id", account.WorkerID, "source", source, "error", cause)
	return nil
}

func upstreamMessage(err error) string {
	if inner := errors.Unwrap(err); inner != nil {
		return inner.Error()
	}
	return err.Error()
}

// Handle runs a registration job.
func (s *Saga) Handle(ctx context.Context, job *queue.Job) error {
	var payload model.RegistrationJob
	if err := job.Decode(&payload); err != nil {
		return worker.Permanent(err)
	}
	return s.RegisterPaymentAccount(ctx, payload.AccountID)
}

// Callbacks are the pool callbacks for registration jobs.
func (s *Saga) Callbacks() worker.Callbacks {
	return worker.Callbacks{
		OnCompleted: s.OnCompleted,
		OnFailed:    s.OnFailed,
	}
}

func (s *Saga) OnCompleted(_ context.Context, job *queue.Job) {
	s.logger.Debug("registration job completed", "job_id", job.ID, "attempts", job.Attempts)
}

// OnFailed marks an account still INITIALISED as FAILED once its job has
// run out of attempts, so it can be resubmitted.
func (s *Saga) OnFailed(ctx context.Context, job *queue.Job, cause error) {
	var payload model.RegistrationJob
	if err := job.Decode(&payload); err != nil {
		s.logger.Error("registration job failed with unreadable payload", "job_id", job.ID, "error", err)
		return
	}

	_, err := s.store.UpdatePaymentsAccount(ctx, payload.AccountID, func(a *model.PaymentsAccount) error {
		if a.Status != model.AccountInitialised {
			return nil
		}
		a.Status = model.AccountFailed
		a.Meta = a.Meta.WithFailure(s.serverName, SourceQueue, reasonPrefix+cause.Error())
		return nil
	})
	if err != nil {
		s.logger.Error("failed to mark account failed", "account_id", payload.AccountID, "job_id", job.ID, "error", err)
		return
	}
	s.logger.Error("registration job failed", "account_id", payload.AccountID, "job_id", job.ID, "attempts", job.Attempts, "error", cause)
}
