package registration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-crowdwork/gateway"
	"go-crowdwork/logging"
	"go-crowdwork/model"
	"go-crowdwork/queue"
	"go-crowdwork/store"
	"go-crowdwork/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateContact(ctx context.Context, req gateway.ContactRequest) (*gateway.Contact, error) {
	args := m.Called(ctx, req)
	c, _ := args.Get(0).(*gateway.Contact)
	return c, args.Error(1)
}

func (m *mockGateway) CreateFundAccount(ctx context.Context, req gateway.FundAccountRequest) (*gateway.FundAccount, error) {
	args := m.Called(ctx, req)
	f, _ := args.Get(0).(*gateway.FundAccount)
	return f, args.Error(1)
}

var (
	validBank = model.BankAccount{Name: "Asha", AccountNumber: "1234567890", IFSC: "HDFC0000001"}
	badBank   = model.BankAccount{Name: "Asha", AccountNumber: "1234567890", IFSC: "XXXX0000000"}
)

type fixture struct {
	store *store.Memory
	queue *queue.Memory
	gw    *mockGateway
	saga  *Saga
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := store.NewMemory()
	m.AddWorker(model.Worker{ID: "w1", PhoneNumber: "9000000001"})
	q := queue.NewMemory(3)
	t.Cleanup(func() { q.Close() })
	gw := &mockGateway{}
	return &fixture{
		store: m,
		queue: q,
		gw:    gw,
		saga:  NewSaga(m, gw, q, "box-7", logging.Discard()),
	}
}

func (f *fixture) account(t *testing.T, details model.AccountDetails) *model.PaymentsAccount {
	t.Helper()
	sub, err := f.saga.Submit(context.Background(), "w1", details)
	require.NoError(t, err)
	return sub.Account
}

func (f *fixture) reload(t *testing.T, id string) *model.PaymentsAccount {
	t.Helper()
	a, err := f.store.GetPaymentsAccount(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sub, err := f.saga.Submit(ctx, "w1", model.VPA{Address: "asha@upi"})
	require.NoError(t, err)
	assert.Equal(t, model.AccountInitialised, sub.Account.Status)
	assert.Nil(t, sub.Account.FundID)

	job, err := f.queue.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, sub.JobID, job.ID)
	assert.Equal(t, JobName, job.Name)

	var payload model.RegistrationJob
	require.NoError(t, job.Decode(&payload))
	assert.Equal(t, sub.Account.ID, payload.AccountID)

	_, err = f.saga.Submit(ctx, "w1", model.BankAccount{Name: "Asha"})
	assert.ErrorIs(t, err, ErrInvalidAccount)

	_, err = f.saga.Submit(ctx, "ghost", validBank)
	assert.ErrorIs(t, err, store.ErrRecordNotFound)
}

func TestRegisterPaymentAccount_Success(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acc := f.account(t, validBank)

	f.gw.On("CreateContact", mock.Anything, gateway.ContactRequest{Name: "w1", Contact: "9000000001", Type: "worker"}).
		Return(&gateway.Contact{ID: "cont_1"}, nil).Once()
	f.gw.On("CreateFundAccount", mock.Anything, gateway.FundAccountRequest{
		AccountType: model.AccountTypeBank,
		ContactID:   "cont_1",
		BankAccount: &gateway.BankAccountDetails{Name: "Asha", AccountNumber: "1234567890", IFSC: "HDFC0000001"},
	}).Return(&gateway.FundAccount{ID: "fa_1", ContactID: "cont_1"}, nil).Once()

	require.NoError(t, f.saga.RegisterPaymentAccount(ctx, acc.ID))

	got := f.reload(t, acc.ID)
	assert.Equal(t, model.AccountRegistered, got.Status)
	require.NotNil(t, got.FundID)
	assert.Equal(t, "fa_1", *got.FundID)
	assert.True(t, got.Meta.IsZero())

	w, err := f.store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "cont_1", w.PaymentsMeta.ContactsID)

	// A duplicate delivery of the same job changes nothing.
	require.NoError(t, f.saga.RegisterPaymentAccount(ctx, acc.ID))
	f.gw.AssertExpectations(t)
}

func TestRegisterPaymentAccount_ContactCreatedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.account(t, validBank)
	second := f.account(t, model.VPA{Address: "asha@upi"})

	f.gw.On("CreateContact", mock.Anything, mock.Anything).Return(&gateway.Contact{ID: "cont_1"}, nil).Once()
	f.gw.On("CreateFundAccount", mock.Anything, mock.MatchedBy(func(r gateway.FundAccountRequest) bool {
		return r.AccountType == model.AccountTypeBank
	})).Return(&gateway.FundAccount{ID: "fa_bank", ContactID: "cont_1"}, nil)
	f.gw.On("CreateFundAccount", mock.Anything, mock.MatchedBy(func(r gateway.FundAccountRequest) bool {
		return r.AccountType == model.AccountTypeVPA && r.VPA.Address == "asha@upi"
	})).Return(&gateway.FundAccount{ID: "fa_vpa", ContactID: "cont_1"}, nil)

	require.NoError(t, f.saga.RegisterPaymentAccount(ctx, first.ID))
	require.NoError(t, f.saga.RegisterPaymentAccount(ctx, second.ID))

	f.gw.AssertNumberOfCalls(t, "CreateContact", 1)
	assert.Equal(t, "fa_vpa", *f.reload(t, second.ID).FundID)
}

// slowContacts holds every CreateContact call until two have arrived, so
// both registrations read the worker before either saves a contact.
type slowContacts struct {
	arrived sync.WaitGroup
	created atomic.Int32
}

func (g *slowContacts) CreateContact(ctx context.Context, _ gateway.ContactRequest) (*gateway.Contact, error) {
	n := g.created.Add(1)
	g.arrived.Done()
	done := make(chan struct{})
	go func() {
		g.arrived.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		return nil, errors.New("second contact request never arrived")
	}
	return &gateway.Contact{ID: fmt.Sprintf("cont_%d", n)}, nil
}

func (g *slowContacts) CreateFundAccount(_ context.Context, req gateway.FundAccountRequest) (*gateway.FundAccount, error) {
	return &gateway.FundAccount{ID: "fa_" + req.ContactID, ContactID: req.ContactID}, nil
}

func TestRegisterPaymentAccount_ConcurrentSameWorker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.account(t, validBank)
	second := f.account(t, model.VPA{Address: "asha@upi"})

	gw := &slowContacts{}
	gw.arrived.Add(2)
	saga := NewSaga(f.store, gw, f.queue, "box-7", logging.Discard())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{first.ID, second.ID} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = saga.RegisterPaymentAccount(ctx, id)
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.EqualValues(t, 2, gw.created.Load())

	w, err := f.store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	require.NotEmpty(t, w.PaymentsMeta.ContactsID)

	for _, id := range []string{first.ID, second.ID} {
		got := f.reload(t, id)
		assert.Equal(t, model.AccountRegistered, got.Status)
		require.NotNil(t, got.FundID)
		assert.Equal(t, "fa_"+w.PaymentsMeta.ContactsID, *got.FundID)
	}
}

func TestRegisterPaymentAccount_FundFailureThenResubmit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acc := f.account(t, badBank)

	f.gw.On("CreateContact", mock.Anything, mock.Anything).Return(&gateway.Contact{ID: "cont_1"}, nil).Once()
	f.gw.On("CreateFundAccount", mock.Anything, mock.MatchedBy(func(r gateway.FundAccountRequest) bool {
		return r.BankAccount.IFSC == "XXXX0000000"
	})).Return(nil, &gateway.APIError{StatusCode: 400, Description: "Invalid IFSC Code in Bank Account"}).Once()

	require.NoError(t, f.saga.RegisterPaymentAccount(ctx, acc.ID))

	failed := f.reload(t, acc.ID)
	assert.Equal(t, model.AccountFailed, failed.Status)
	assert.Nil(t, failed.FundID)
	require.NotNil(t, failed.Meta.Failure)
	assert.Equal(t, "box-7", failed.Meta.Failure.Server)
	assert.Equal(t, SourceFundAccount, failed.Meta.Failure.Source)
	assert.Equal(t, "Failure inside Registration Account Queue Processor | Invalid IFSC Code in Bank Account", failed.Meta.Failure.Reason)

	f.gw.On("CreateFundAccount", mock.Anything, mock.MatchedBy(func(r gateway.FundAccountRequest) bool {
		return r.BankAccount.IFSC == "HDFC0000001"
	})).Return(&gateway.FundAccount{ID: "fa_2", ContactID: "cont_1"}, nil).Once()

	sub, err := f.saga.Resubmit(ctx, acc.ID, validBank)
	require.NoError(t, err)
	assert.Equal(t, model.AccountInitialised, sub.Account.Status)
	assert.Nil(t, sub.Account.Meta.Failure)

	require.NoError(t, f.saga.RegisterPaymentAccount(ctx, acc.ID))

	registered := f.reload(t, acc.ID)
	assert.Equal(t, model.AccountRegistered, registered.Status)
	assert.Equal(t, "fa_2", *registered.FundID)
	f.gw.AssertNumberOfCalls(t, "CreateContact", 1)
	f.gw.AssertExpectations(t)
}

func TestRegisterPaymentAccount_ContactFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acc := f.account(t, validBank)

	f.gw.On("CreateContact", mock.Anything, mock.Anything).
		Return(nil, &gateway.APIError{StatusCode: 400, Description: "The contact field is invalid"}).Once()

	require.NoError(t, f.saga.RegisterPaymentAccount(ctx, acc.ID))

	got := f.reload(t, acc.ID)
	assert.Equal(t, model.AccountFailed, got.Status)
	assert.Equal(t, SourceContact, got.Meta.Failure.Source)
	assert.Contains(t, got.Meta.Failure.Reason, "The contact field is invalid")
	f.gw.AssertNotCalled(t, "CreateFundAccount", mock.Anything, mock.Anything)
}

func TestRegisterPaymentAccount_MismatchedFundAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acc := f.account(t, validBank)

	f.gw.On("CreateContact", mock.Anything, mock.Anything).Return(&gateway.Contact{ID: "cont_1"}, nil)
	f.gw.On("CreateFundAccount", mock.Anything, mock.Anything).Return(&gateway.FundAccount{ID: "fa_1", ContactID: "cont_other"}, nil)

	require.NoError(t, f.saga.RegisterPaymentAccount(ctx, acc.ID))

	got := f.reload(t, acc.ID)
	assert.Equal(t, model.AccountFailed, got.Status)
	assert.Nil(t, got.FundID)
	assert.Equal(t, SourceFundAccount, got.Meta.Failure.Source)
}

// vanishingWorkers hides every worker, as if the worker row was deleted
// after the account was created.
type vanishingWorkers struct {
	*store.Memory
}

func (vanishingWorkers) GetWorker(_ context.Context, id string) (*model.Worker, error) {
	return nil, &store.RecordNotFoundError{Table: "worker", ID: id}
}

func TestRegisterPaymentAccount_MissingWorker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acc := f.account(t, validBank)

	saga := NewSaga(vanishingWorkers{f.store}, f.gw, f.queue, "box-7", logging.Discard())
	require.NoError(t, saga.RegisterPaymentAccount(ctx, acc.ID))

	got := f.reload(t, acc.ID)
	assert.Equal(t, model.AccountFailed, got.Status)
	assert.Equal(t, SourceContact, got.Meta.Failure.Source)
	assert.Contains(t, got.Meta.Failure.Reason, "worker w1 not found")
	f.gw.AssertNotCalled(t, "CreateContact", mock.Anything, mock.Anything)
}

func TestRegisterPaymentAccount_MissingAccount(t *testing.T) {
	f := newFixture(t)
	err := f.saga.RegisterPaymentAccount(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrRecordNotFound)
}

func TestResubmit_RequiresFailedAccount(t *testing.T) {
	f := newFixture(t)
	acc := f.account(t, validBank)

	_, err := f.saga.Resubmit(context.Background(), acc.ID, validBank)
	assert.ErrorIs(t, err, ErrNotResubmittable)
}

func TestHandle_BadPayloadIsPermanent(t *testing.T) {
	f := newFixture(t)
	err := f.saga.Handle(context.Background(), &queue.Job{ID: "j1", Name: JobName, Payload: []byte(`[`)})
	require.Error(t, err)
	assert.True(t, worker.IsPermanent(err))
}

func TestOnFailed_MarksInitialisedAccountFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acc := f.account(t, validBank)

	job, err := f.queue.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	job.Attempts = 3

	f.saga.OnFailed(ctx, job, errors.New("database is down"))

	got := f.reload(t, acc.ID)
	assert.Equal(t, model.AccountFailed, got.Status)
	assert.Equal(t, SourceQueue, got.Meta.Failure.Source)
	assert.Equal(t, "Failure inside Registration Account Queue Processor | database is down", got.Meta.Failure.Reason)
}
