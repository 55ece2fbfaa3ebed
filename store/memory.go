package store

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"go-crowdwork/model"

	"github.com/google/uuid"
)

var (
	_ Assignments = (*Memory)(nil)
	_ Accounts    = (*Memory)(nil)
	_ Bulk        = (*Memory)(nil)
)

// Memory is an in-process implementation of every store interface. It
// follows the same locking and conflict rules as Postgres and is used for
// tests and local runs without a database.
type Memory struct {
	mu           sync.RWMutex
	now          func() time.Time
	tasks        map[string]*model.Task
	microtasks   map[string]*model.Microtask
	workers      map[string]*model.Worker
	assignments  map[string]*model.MicrotaskAssignment
	accounts     map[string]*model.PaymentsAccount
	bulk         map[string]*model.BulkTransactionRecord
	transactions map[string]*model.PaymentTransaction
}

func NewMemory() *Memory {
	return &Memory{
		now:          time.Now,
		tasks:        make(map[string]*model.Task),
		microtasks:   make(map[string]*model.Microtask),
		workers:      make(map[string]*model.Worker),
		assignments:  make(map[string]*model.MicrotaskAssignment),
		accounts:     make(map[string]*model.PaymentsAccount),
		bulk:         make(map[string]*model.BulkTransactionRecord),
		transactions: make(map[string]*model.PaymentTransaction),
	}
}

// SetClock replaces the time source used for created/updated timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// AddTask, AddMicrotask, AddWorker and AddAssignment seed records owned by
// the surrounding service.
func (m *Memory) AddTask(task model.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = &task
}

func (m *Memory) AddMicrotask(mt model.Microtask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mt.Status == "" {
		mt.Status = model.MicrotaskIncomplete
	}
	m.microtasks[mt.ID] = &mt
}

func (m *Memory) AddWorker(w model.Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[w.ID] = &w
}

func (m *Memory) AddAssignment(a model.MicrotaskAssignment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := m.now()
	a.CreatedAt, a.UpdatedAt = now, now
	m.assignments[a.ID] = cloneAssignment(&a)
}

func (m *Memory) GetTask(_ context.Context, id string) (*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, notFound("task", id)
	}
	copied := *t
	return &copied, nil
}

func (m *Memory) GetWorker(_ context.Context, id string) (*model.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, notFound("worker", id)
	}
	copied := *w
	return &copied, nil
}

func (m *Memory) GetMicrotask(_ context.Context, id string) (*model.Microtask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.microtasks[id]
	if !ok {
		return nil, notFound("microtask", id)
	}
	copied := *mt
	return &copied, nil
}

func (m *Memory) OpenMicrotasks(_ context.Context, taskID string) ([]model.Microtask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Microtask
	for _, mt := range m.microtasks {
		if mt.TaskID == taskID && mt.Status != model.MicrotaskCompleted {
			out = append(out, *mt)
		}
	}
	slices.SortFunc(out, func(a, b model.Microtask) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *Memory) MicrotasksAtQuota(_ context.Context, taskID string, maxAssignments int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int)
	for _, a := range m.assignments {
		mt, ok := m.microtasks[a.MicrotaskID]
		if !ok || mt.TaskID != taskID || !a.Status.Counted() {
			continue
		}
		counts[a.MicrotaskID]++
	}
	var out []string
	for id, n := range counts {
		if n >= maxAssignments {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *Memory) WorkerMicrotasks(_ context.Context, workerID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, a := range m.assignments {
		if a.WorkerID == workerID {
			out = append(out, a.MicrotaskID)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *Memory) CountWorkerAssignments(_ context.Context, workerID string, status model.AssignmentStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.assignments {
		if a.WorkerID == workerID && a.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *Memory) InsertAssignment(_ context.Context, microtaskID, workerID string, maxAssignments int) (*model.MicrotaskAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt, ok := m.microtasks[microtaskID]
	if !ok {
		return nil, notFound("microtask", microtaskID)
	}
	if mt.Status == model.MicrotaskCompleted {
		return nil, ErrQuotaExceededRace
	}

	counted := 0
	for _, a := range m.assignments {
		if a.MicrotaskID != microtaskID {
			continue
		}
		if a.WorkerID == workerID {
			return nil, ErrQuotaExceededRace
		}
		if a.Status.Counted() {
			counted++
		}
	}
	if maxAssignments > 0 && counted >= maxAssignments {
		return nil, ErrQuotaExceededRace
	}

	now := m.now()
	a := &model.MicrotaskAssignment{
		ID:          uuid.New().String(),
		MicrotaskID: microtaskID,
		WorkerID:    workerID,
		Status:      model.AssignmentAssigned,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.assignments[a.ID] = a
	return cloneAssignment(a), nil
}

func (m *Memory) GetAssignment(_ context.Context, id string) (*model.MicrotaskAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, notFound("microtask_assignment", id)
	}
	return cloneAssignment(a), nil
}

func (m *Memory) UpdateAssignment(_ context.Context, id string, fn func(*model.MicrotaskAssignment) error) (*model.MicrotaskAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, notFound("microtask_assignment", id)
	}
	working := cloneAssignment(a)
	if err := fn(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = m.now()
	m.assignments[id] = cloneAssignment(working)
	return working, nil
}

func (m *Memory) ListAssignments(_ context.Context, microtaskID string) ([]model.MicrotaskAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.MicrotaskAssignment
	for _, a := range m.assignments {
		if a.MicrotaskID == microtaskID {
			out = append(out, *cloneAssignment(a))
		}
	}
	slices.SortFunc(out, func(a, b model.MicrotaskAssignment) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *Memory) SetMicrotaskStatus(_ context.Context, microtaskID string, status model.MicrotaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.microtasks[microtaskID]
	if !ok {
		return notFound("microtask", microtaskID)
	}
	mt.Status = status
	return nil
}

func (m *Memory) SetWorkerContactsID(_ context.Context, workerID, contactsID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return "", notFound("worker", workerID)
	}
	if w.PaymentsMeta.ContactsID == "" {
		w.PaymentsMeta.ContactsID = contactsID
	}
	return w.PaymentsMeta.ContactsID, nil
}

func (m *Memory) InsertPaymentsAccount(_ context.Context, account *model.PaymentsAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[account.WorkerID]; !ok {
		return notFound("worker", account.WorkerID)
	}
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	now := m.now()
	account.CreatedAt, account.UpdatedAt = now, now
	m.accounts[account.ID] = cloneAccount(account)
	return nil
}

func (m *Memory) GetPaymentsAccount(_ context.Context, id string) (*model.PaymentsAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, notFound("payments_account", id)
	}
	return cloneAccount(a), nil
}

func (m *Memory) UpdatePaymentsAccount(_ context.Context, id string, fn func(*model.PaymentsAccount) error) (*model.PaymentsAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, notFound("payments_account", id)
	}
	working := cloneAccount(a)
	if err := fn(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = m.now()
	m.accounts[id] = cloneAccount(working)
	return working, nil
}

func (m *Memory) RegisteredAccount(_ context.Context, workerID string) (*model.PaymentsAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *model.PaymentsAccount
	for _, a := range m.accounts {
		if a.WorkerID != workerID || a.Status != model.AccountRegistered {
			continue
		}
		if latest == nil || a.UpdatedAt.After(latest.UpdatedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, notFound("registered payments_account of worker", workerID)
	}
	return cloneAccount(latest), nil
}

func (m *Memory) InsertBulkTransaction(_ context.Context, record *model.BulkTransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	now := m.now()
	record.CreatedAt, record.UpdatedAt = now, now
	copied := *record
	copied.Meta = record.Meta.Merge(model.Meta{})
	m.bulk[record.ID] = &copied
	return nil
}

func (m *Memory) GetBulkTransaction(_ context.Context, id string) (*model.BulkTransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.bulk[id]
	if !ok {
		return nil, notFound("bulk_payments_transaction", id)
	}
	copied := *r
	copied.Meta = r.Meta.Merge(model.Meta{})
	return &copied, nil
}

func (m *Memory) UpdateBulkTransaction(_ context.Context, id string, fn func(*model.BulkTransactionRecord) error) (*model.BulkTransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.bulk[id]
	if !ok {
		return nil, notFound("bulk_payments_transaction", id)
	}
	working := *r
	working.Meta = r.Meta.Merge(model.Meta{})
	if err := fn(&working); err != nil {
		return nil, err
	}
	working.UpdatedAt = m.now()
	stored := working
	m.bulk[id] = &stored
	return &working, nil
}

func (m *Memory) StaleBulkTransactions(_ context.Context, status model.BulkTransactionStatus, before time.Time) ([]model.BulkTransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.BulkTransactionRecord
	for _, r := range m.bulk {
		if r.Status == status && r.CreatedAt.Before(before) {
			out = append(out, *r)
		}
	}
	slices.SortFunc(out, func(a, b model.BulkTransactionRecord) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *Memory) EnsurePaymentTransaction(_ context.Context, tx *model.PaymentTransaction) (*model.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.transactions {
		if existing.BulkID == tx.BulkID && existing.WorkerID == tx.WorkerID {
			copied := *existing
			return &copied, nil
		}
	}
	created := *tx
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	created.Status = model.TransactionCreated
	m.transactions[created.ID] = &created
	copied := created
	return &copied, nil
}

func (m *Memory) MarkTransactionProcessed(_ context.Context, id, payoutID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return notFound("payments_transaction", id)
	}
	tx.PayoutID = payoutID
	tx.Status = model.TransactionProcessed
	return nil
}

// Transactions lists the payment transactions of a bulk batch.
func (m *Memory) Transactions(bulkID string) []model.PaymentTransaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.PaymentTransaction
	for _, tx := range m.transactions {
		if tx.BulkID == bulkID {
			out = append(out, *tx)
		}
	}
	slices.SortFunc(out, func(a, b model.PaymentTransaction) int { return strings.Compare(a.WorkerID, b.WorkerID) })
	return out
}

func cloneAssignment(a *model.MicrotaskAssignment) *model.MicrotaskAssignment {
	copied := *a
	copied.Output = bytes.Clone(a.Output)
	return &copied
}

func cloneAccount(a *model.PaymentsAccount) *model.PaymentsAccount {
	copied := *a
	if a.FundID != nil {
		fundID := *a.FundID
		copied.FundID = &fundID
	}
	copied.Meta = a.Meta.Merge(model.Meta{})
	return &copied
}
