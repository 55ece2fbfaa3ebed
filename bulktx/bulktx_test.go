package bulktx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"go-crowdwork/gateway"
	"go-crowdwork/logging"
	"go-crowdwork/metrics"
	"go-crowdwork/model"
	"go-crowdwork/queue"
	"go-crowdwork/store"
	"go-crowdwork/worker"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPayouts struct {
	mock.Mock
}

func (m *mockPayouts) CreatePayout(ctx context.Context, req gateway.PayoutRequest, key string) (*gateway.Payout, error) {
	args := m.Called(ctx, req, key)
	p, _ := args.Get(0).(*gateway.Payout)
	return p, args.Error(1)
}

type fixture struct {
	store     *store.Memory
	queue     *queue.Memory
	payouts   *mockPayouts
	orch      *Orchestrator
	processor *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := store.NewMemory()
	q := queue.NewMemory(3)
	t.Cleanup(func() { q.Close() })
	p := &mockPayouts{}
	f := &fixture{
		store:     m,
		queue:     q,
		payouts:   p,
		orch:      NewOrchestrator(m, q, "", logging.Discard()),
		processor: NewProcessor(m, p, logging.Discard()),
	}
	accounts := map[string]model.AccountDetails{
		"w1": model.VPA{Address: "asha@upi"},
		"w2": model.BankAccount{Name: "Ravi", AccountNumber: "1234567890", IFSC: "HDFC0000001"},
	}
	for workerID, details := range accounts {
		m.AddWorker(model.Worker{ID: workerID})
		fundID := "fa_" + workerID
		require.NoError(t, m.InsertPaymentsAccount(context.Background(), &model.PaymentsAccount{
			WorkerID: workerID,
			Details:  details,
			FundID:   &fundID,
			Status:   model.AccountRegistered,
		}))
	}
	return f
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func twoWorkers() Submission {
	return Submission{
		UserID:   "u1",
		Amount:   amount("150.50"),
		NWorkers: 2,
		Request: model.BulkTransactionRequest{Entries: []model.PayoutEntry{
			{WorkerID: "w1", Amount: amount("100.25")},
			{WorkerID: "w2", Amount: amount("50.25")},
		}},
	}
}

func (f *fixture) dequeue(t *testing.T) *queue.Job {
	t.Helper()
	job, err := f.queue.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestSubmitBulkTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.orch.SubmitBulkTransaction(ctx, twoWorkers())
	require.NoError(t, err)
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, model.BulkInitialised, res.Record.Status)
	assert.True(t, res.Record.Amount.Equal(amount("150.50")))

	job := f.dequeue(t)
	assert.Equal(t, JobName, job.Name)
	assert.Equal(t, res.JobID, job.ID)

	var payload model.BulkTransactionJob
	require.NoError(t, job.Decode(&payload))
	assert.Equal(t, res.Record.ID, payload.RecordID)
	assert.Len(t, payload.Request.Entries, 2)
}

func TestSubmitBulkTransaction_Invalid(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*Submission)
	}{
		{"missing user", func(s *Submission) { s.UserID = "" }},
		{"zero amount", func(s *Submission) { s.Amount = decimal.Zero }},
		{"no entries", func(s *Submission) { s.Request.Entries = nil }},
		{"negative entry", func(s *Submission) { s.Request.Entries[1].Amount = amount("-1") }},
		{"duplicate worker", func(s *Submission) { s.Request.Entries[1].WorkerID = "w1" }},
		{"worker count mismatch", func(s *Submission) { s.NWorkers = 3 }},
		{"sum mismatch", func(s *Submission) { s.Amount = amount("150.49") }},
		{"sub-paise amounts", func(s *Submission) {
			s.Amount = amount("150.505")
			s.Request.Entries[1].Amount = amount("50.255")
		}},
		{"sub-paise entry", func(s *Submission) {
			s.Request.Entries[0].Amount = amount("100.245")
			s.Request.Entries[1].Amount = amount("50.255")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			sub := twoWorkers()
			tt.mutate(&sub)

			_, err := f.orch.SubmitBulkTransaction(ctx, sub)
			assert.ErrorIs(t, err, ErrInvalidSubmission)

			depth, err := f.queue.Depth(ctx)
			require.NoError(t, err)
			assert.Zero(t, depth)
		})
	}
}

func TestProcess_PaysEveryWorker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res, err := f.orch.SubmitBulkTransaction(ctx, twoWorkers())
	require.NoError(t, err)
	bulkID := res.Record.ID

	f.payouts.On("CreatePayout", mock.Anything, mock.MatchedBy(func(r gateway.PayoutRequest) bool {
		return r.FundAccountID == "fa_w1" && r.Amount == 10025 && r.Mode == "UPI"
	}), bulkID+":w1").Return(&gateway.Payout{ID: "pout_1"}, nil).Once()
	f.payouts.On("CreatePayout", mock.Anything, mock.MatchedBy(func(r gateway.PayoutRequest) bool {
		return r.FundAccountID == "fa_w2" && r.Amount == 5025 && r.Mode == "IMPS"
	}), bulkID+":w2").Return(&gateway.Payout{ID: "pout_2"}, nil).Once()

	job := f.dequeue(t)
	require.NoError(t, f.processor.Handle(ctx, job))

	rec, err := f.store.GetBulkTransaction(ctx, bulkID)
	require.NoError(t, err)
	assert.Equal(t, model.BulkCompleted, rec.Status)

	txs := f.store.Transactions(bulkID)
	require.Len(t, txs, 2)
	for _, tx := range txs {
		assert.Equal(t, model.TransactionProcessed, tx.Status)
	}

	// A redelivery of a settled batch pays nobody twice.
	require.NoError(t, f.processor.Handle(ctx, job))
	f.payouts.AssertExpectations(t)
}

func TestProcess_RetrySkipsPaidWorkers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res, err := f.orch.SubmitBulkTransaction(ctx, twoWorkers())
	require.NoError(t, err)
	bulkID := res.Record.ID

	f.payouts.On("CreatePayout", mock.Anything, mock.Anything, bulkID+":w1").
		Return(&gateway.Payout{ID: "pout_1"}, nil).Once()
	f.payouts.On("CreatePayout", mock.Anything, mock.Anything, bulkID+":w2").
		Return(nil, &gateway.APIError{StatusCode: http.StatusBadGateway, Description: "upstream down"}).Once()

	job := f.dequeue(t)
	err = f.processor.Handle(ctx, job)
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err))

	f.payouts.On("CreatePayout", mock.Anything, mock.Anything, bulkID+":w2").
		Return(&gateway.Payout{ID: "pout_2"}, nil).Once()
	require.NoError(t, f.processor.Handle(ctx, job))

	f.payouts.AssertNumberOfCalls(t, "CreatePayout", 3)
	rec, err := f.store.GetBulkTransaction(ctx, bulkID)
	require.NoError(t, err)
	assert.Equal(t, model.BulkCompleted, rec.Status)
}

func TestProcess_PermanentFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("rejected payout", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.orch.SubmitBulkTransaction(ctx, twoWorkers())
		require.NoError(t, err)
		f.payouts.On("CreatePayout", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, &gateway.APIError{StatusCode: http.StatusBadRequest, Description: "insufficient balance"})

		err = f.processor.Handle(ctx, f.dequeue(t))
		assert.True(t, worker.IsPermanent(err))
		assert.EqualError(t, err, "insufficient balance")
	})

	t.Run("unregistered worker", func(t *testing.T) {
		f := newFixture(t)
		sub := twoWorkers()
		sub.Request.Entries[1].WorkerID = "w9"
		_, err := f.orch.SubmitBulkTransaction(ctx, sub)
		require.NoError(t, err)
		f.payouts.On("CreatePayout", mock.Anything, mock.Anything, mock.Anything).
			Return(&gateway.Payout{ID: "pout_1"}, nil)

		err = f.processor.Handle(ctx, f.dequeue(t))
		assert.True(t, worker.IsPermanent(err))
		assert.Contains(t, err.Error(), "w9")
	})

	t.Run("unreadable payload", func(t *testing.T) {
		f := newFixture(t)
		err := f.processor.Handle(ctx, &queue.Job{ID: "j1", Name: JobName, Payload: json.RawMessage(`"nope"`)})
		assert.True(t, worker.IsPermanent(err))
	})
}

func TestOnFailed_MergesFailureIntoMeta(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rec := &model.BulkTransactionRecord{
		UserID:   "u1",
		Amount:   amount("10"),
		NWorkers: 1,
		Status:   model.BulkInitialised,
		Meta:     model.Meta{Extra: map[string]any{"note": "batch-7"}},
	}
	require.NoError(t, f.store.InsertBulkTransaction(ctx, rec))
	payload, err := json.Marshal(model.BulkTransactionJob{RecordID: rec.ID})
	require.NoError(t, err)

	f.orch.OnFailed(ctx, &queue.Job{ID: "j1", Name: JobName, Payload: payload}, errors.New("gateway timeout"))

	got, err := f.store.GetBulkTransaction(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BulkFailed, got.Status)

	raw, err := json.Marshal(got.Meta)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"note": "batch-7",
		"failure_server": "server",
		"failure_source": "Bulk Transaction Queue Processor",
		"failure_reason": "gateway timeout"
	}`, string(raw))
}

func TestOnFailed_LeavesCompletedRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rec := &model.BulkTransactionRecord{UserID: "u1", Amount: amount("10"), NWorkers: 1, Status: model.BulkCompleted}
	require.NoError(t, f.store.InsertBulkTransaction(ctx, rec))
	payload, err := json.Marshal(model.BulkTransactionJob{RecordID: rec.ID})
	require.NoError(t, err)

	f.orch.OnFailed(ctx, &queue.Job{ID: "j1", Name: JobName, Payload: payload}, errors.New("connection reset"))

	got, err := f.store.GetBulkTransaction(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BulkCompleted, got.Status)
	assert.Nil(t, got.Meta.Failure)
}

func TestPipeline_FailureSettlesRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)
	f.payouts.On("CreatePayout", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &gateway.APIError{StatusCode: http.StatusUnprocessableEntity, Description: "fund account inactive"})

	pool := worker.New(f.queue, worker.Options{Workers: 1, PollInterval: 10 * time.Millisecond, RetryBackoff: time.Millisecond}, logging.Discard())
	pool.Register(JobName, f.processor, f.orch.Callbacks())
	pool.Start(ctx)
	t.Cleanup(func() { _ = pool.Stop() })

	res, err := f.orch.SubmitBulkTransaction(ctx, twoWorkers())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := f.store.GetBulkTransaction(ctx, res.Record.ID)
		return err == nil && rec.Status == model.BulkFailed
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := f.store.GetBulkTransaction(ctx, res.Record.ID)
	require.NoError(t, err)
	require.NotNil(t, rec.Meta.Failure)
	assert.Equal(t, "fund account inactive", rec.Meta.Failure.Reason)
	assert.Equal(t, FailureSource, rec.Meta.Failure.Source)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	f.store.SetClock(func() time.Time { return base })
	stuck := &model.BulkTransactionRecord{UserID: "u1", Amount: amount("5"), NWorkers: 1, Status: model.BulkInitialised}
	require.NoError(t, f.store.InsertBulkTransaction(ctx, stuck))
	done := &model.BulkTransactionRecord{UserID: "u1", Amount: amount("5"), NWorkers: 1, Status: model.BulkCompleted}
	require.NoError(t, f.store.InsertBulkTransaction(ctx, done))

	f.store.SetClock(func() time.Time { return base.Add(50 * time.Minute) })
	fresh := &model.BulkTransactionRecord{UserID: "u1", Amount: amount("5"), NWorkers: 1, Status: model.BulkInitialised}
	require.NoError(t, f.store.InsertBulkTransaction(ctx, fresh))

	r, err := NewReconciler(f.store, "@every 1m", 30*time.Minute, logging.Discard())
	require.NoError(t, err)
	r.now = func() time.Time { return base.Add(time.Hour) }

	stale, err := r.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, stuck.ID, stale[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StaleBulkTransactions))
}

func TestNewReconciler_BadSchedule(t *testing.T) {
	_, err := NewReconciler(store.NewMemory(), "every now and then", time.Minute, logging.Discard())
	assert.Error(t, err)
}
