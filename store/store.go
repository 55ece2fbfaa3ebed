// Package store is the persistence gateway for tasks, assignments, workers
// and payment records.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-crowdwork/model"
)

// ErrRecordNotFound matches every RecordNotFoundError via errors.Is.
var ErrRecordNotFound = errors.New("record not found")

// ErrQuotaExceededRace is returned when an assignment insert loses a race:
// the microtask reached its quota, was completed, or was already handed to
// the worker after it was resolved. Callers should resolve again.
var ErrQuotaExceededRace = errors.New("microtask no longer assignable")

// RecordNotFoundError names the table and id that did not resolve.
type RecordNotFoundError struct {
	Table string
	ID    string
}

func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Table, e.ID)
}

func (e *RecordNotFoundError) Is(target error) bool {
	return target == ErrRecordNotFound
}

func notFound(table, id string) error {
	return &RecordNotFoundError{Table: table, ID: id}
}

// Assignments is what the assignment resolver and consensus tracker need.
type Assignments interface {
	GetTask(ctx context.Context, id string) (*model.Task, error)
	GetWorker(ctx context.Context, id string) (*model.Worker, error)
	GetMicrotask(ctx context.Context, id string) (*model.Microtask, error)

	// OpenMicrotasks lists the task's microtasks that are not COMPLETED.
	OpenMicrotasks(ctx context.Context, taskID string) ([]model.Microtask, error)
	// MicrotasksAtQuota lists the task's microtasks with at least
	// maxAssignments counted assignments.
	MicrotasksAtQuota(ctx context.Context, taskID string, maxAssignments int) ([]string, error)
	// WorkerMicrotasks lists every microtask ever assigned to the worker.
	WorkerMicrotasks(ctx context.Context, workerID string) ([]string, error)
	CountWorkerAssignments(ctx context.Context, workerID string, status model.AssignmentStatus) (int, error)

	// InsertAssignment atomically rechecks the microtask and its quota and
	// records it as ASSIGNED to the worker. maxAssignments <= 0 is unbounded.
	InsertAssignment(ctx context.Context, microtaskID, workerID string, maxAssignments int) (*model.MicrotaskAssignment, error)
	GetAssignment(ctx context.Context, id string) (*model.MicrotaskAssignment, error)
	UpdateAssignment(ctx context.Context, id string, fn func(*model.MicrotaskAssignment) error) (*model.MicrotaskAssignment, error)
	ListAssignments(ctx context.Context, microtaskID string) ([]model.MicrotaskAssignment, error)
	SetMicrotaskStatus(ctx context.Context, microtaskID string, status model.MicrotaskStatus) error
}

// Accounts is what the payments account registration needs.
type Accounts interface {
	GetWorker(ctx context.Context, id string) (*model.Worker, error)
	// SetWorkerContactsID merges the contacts id into the worker's
	// payments meta unless the worker already holds one, and returns the
	// id the worker holds afterwards.
	SetWorkerContactsID(ctx context.Context, workerID, contactsID string) (string, error)

	InsertPaymentsAccount(ctx context.Context, account *model.PaymentsAccount) error
	GetPaymentsAccount(ctx context.Context, id string) (*model.PaymentsAccount, error)
	// UpdatePaymentsAccount applies fn to the locked current row and
	// persists the result.
	UpdatePaymentsAccount(ctx context.Context, id string, fn func(*model.PaymentsAccount) error) (*model.PaymentsAccount, error)
}

// Bulk is what the bulk transaction orchestrator and processor need.
type Bulk interface {
	InsertBulkTransaction(ctx context.Context, record *model.BulkTransactionRecord) error
	GetBulkTransaction(ctx context.Context, id string) (*model.BulkTransactionRecord, error)
	UpdateBulkTransaction(ctx context.Context, id string, fn func(*model.BulkTransactionRecord) error) (*model.BulkTransactionRecord, error)
	// StaleBulkTransactions lists records still in status that were
	// created before the cutoff.
	StaleBulkTransactions(ctx context.Context, status model.BulkTransactionStatus, before time.Time) ([]model.BulkTransactionRecord, error)

	// RegisteredAccount returns the worker's most recent REGISTERED account.
	RegisteredAccount(ctx context.Context, workerID string) (*model.PaymentsAccount, error)
	// EnsurePaymentTransaction returns the transaction for (bulk, worker),
	// creating it from tx when none exists.
	EnsurePaymentTransaction(ctx context.Context, tx *model.PaymentTransaction) (*model.PaymentTransaction, error)
	MarkTransactionProcessed(ctx context.Context, id, payoutID string) error
}
