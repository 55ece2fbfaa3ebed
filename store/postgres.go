package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go-crowdwork/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

const pgUniqueViolation = "23505"

type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ Assignments = (*Postgres)(nil)
	_ Accounts    = (*Postgres)(nil)
	_ Bulk        = (*Postgres)(nil)
)

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// EnsureSchema creates any missing tables. It is safe to run on every start.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var task model.Task
	err := p.pool.QueryRow(ctx, `SELECT id, status FROM task WHERE id = $1`, id).
		Scan(&task.ID, &task.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return &task, nil
}

func (p *Postgres) GetWorker(ctx context.Context, id string) (*model.Worker, error) {
	var worker model.Worker
	var paymentsMeta []byte
	err := p.pool.QueryRow(ctx, `
		SELECT id, phone_number, payments_meta
		FROM worker WHERE id = $1`, id).
		Scan(&worker.ID, &worker.PhoneNumber, &paymentsMeta)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("worker", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker %s: %w", id, err)
	}
	if len(paymentsMeta) > 0 {
		if err := json.Unmarshal(paymentsMeta, &worker.PaymentsMeta); err != nil {
			return nil, fmt.Errorf("invalid payments meta for worker %s: %w", id, err)
		}
	}
	return &worker, nil
}

func (p *Postgres) GetMicrotask(ctx context.Context, id string) (*model.Microtask, error) {
	var mt model.Microtask
	err := p.pool.QueryRow(ctx, `SELECT id, task_id, status FROM microtask WHERE id = $1`, id).
		Scan(&mt.ID, &mt.TaskID, &mt.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("microtask", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get microtask %s: %w", id, err)
	}
	return &mt, nil
}

func (p *Postgres) OpenMicrotasks(ctx context.Context, taskID string) ([]model.Microtask, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, task_id, status
		FROM microtask
		WHERE task_id = $1 AND status <> 'COMPLETED'
		ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list microtasks of task %s: %w", taskID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Microtask, error) {
		var mt model.Microtask
		err := row.Scan(&mt.ID, &mt.TaskID, &mt.Status)
		return mt, err
	})
}

func (p *Postgres) MicrotasksAtQuota(ctx context.Context, taskID string, maxAssignments int) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT a.microtask_id
		FROM microtask_assignment a
		JOIN microtask m ON m.id = a.microtask_id
		WHERE m.task_id = $1 AND a.status NOT IN ('SKIPPED', 'EXPIRED')
		GROUP BY a.microtask_id
		HAVING count(*) >= $2`, taskID, maxAssignments)
	if err != nil {
		return nil, fmt.Errorf("failed to count assignments of task %s: %w", taskID, err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *Postgres) WorkerMicrotasks(ctx context.Context, workerID string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT microtask_id FROM microtask_assignment WHERE worker_id = $1`, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments of worker %s: %w", workerID, err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *Postgres) CountWorkerAssignments(ctx context.Context, workerID string, status model.AssignmentStatus) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `
		SELECT count(*) FROM microtask_assignment
		WHERE worker_id = $1 AND status = $2`, workerID, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count assignments of worker %s: %w", workerID, err)
	}
	return n, nil
}

func (p *Postgres) InsertAssignment(ctx context.Context, microtaskID, workerID string, maxAssignments int) (*model.MicrotaskAssignment, error) {
	assignment := &model.MicrotaskAssignment{
		ID:          uuid.New().String(),
		MicrotaskID: microtaskID,
		WorkerID:    workerID,
		Status:      model.AssignmentAssigned,
	}

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		// The row lock serialises concurrent allocations of one microtask.
		var status model.MicrotaskStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM microtask WHERE id = $1 FOR UPDATE`, microtaskID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("microtask", microtaskID)
		}
		if err != nil {
			return err
		}
		if status == model.MicrotaskCompleted {
			return ErrQuotaExceededRace
		}

		if maxAssignments > 0 {
			var counted int
			err := tx.QueryRow(ctx, `
				SELECT count(*) FROM microtask_assignment
				WHERE microtask_id = $1 AND status NOT IN ('SKIPPED', 'EXPIRED')`,
				microtaskID).Scan(&counted)
			if err != nil {
				return err
			}
			if counted >= maxAssignments {
				return ErrQuotaExceededRace
			}
		}

		return tx.QueryRow(ctx, `
			INSERT INTO microtask_assignment (id, microtask_id, worker_id, status)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at, updated_at`,
			assignment.ID, microtaskID, workerID, assignment.Status,
		).Scan(&assignment.CreatedAt, &assignment.UpdatedAt)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrQuotaExceededRace
		}
		if errors.Is(err, ErrQuotaExceededRace) || errors.Is(err, ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to insert assignment: %w", err)
	}
	return assignment, nil
}

func marshalOutput(output json.RawMessage) []byte {
	if len(output) == 0 {
		return nil
	}
	return output
}

const assignmentColumns = `id, microtask_id, worker_id, status, output, created_at, updated_at`

func scanAssignment(row pgx.Row) (*model.MicrotaskAssignment, error) {
	var a model.MicrotaskAssignment
	var output []byte
	if err := row.Scan(&a.ID, &a.MicrotaskID, &a.WorkerID, &a.Status, &output, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if len(output) > 0 {
		a.Output = json.RawMessage(output)
	}
	return &a, nil
}

func (p *Postgres) GetAssignment(ctx context.Context, id string) (*model.MicrotaskAssignment, error) {
	a, err := scanAssignment(p.pool.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM microtask_assignment WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("microtask_assignment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment %s: %w", id, err)
	}
	return a, nil
}

func (p *Postgres) UpdateAssignment(ctx context.Context, id string, fn func(*model.MicrotaskAssignment) error) (*model.MicrotaskAssignment, error) {
	var updated *model.MicrotaskAssignment
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		a, err := scanAssignment(tx.QueryRow(ctx,
			`SELECT `+assignmentColumns+` FROM microtask_assignment WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("microtask_assignment", id)
		}
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
		err = tx.QueryRow(ctx, `
			UPDATE microtask_assignment
			SET status = $2, output = $3, updated_at = CURRENT_TIMESTAMP
			WHERE id = $1
			RETURNING updated_at`, id, a.Status, marshalOutput(a.Output)).Scan(&a.UpdatedAt)
		if err != nil {
			return err
		}
		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (p *Postgres) ListAssignments(ctx context.Context, microtaskID string) ([]model.MicrotaskAssignment, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+assignmentColumns+` FROM microtask_assignment WHERE microtask_id = $1 ORDER BY created_at, id`,
		microtaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments of microtask %s: %w", microtaskID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.MicrotaskAssignment, error) {
		a, err := scanAssignment(row)
		if err != nil {
			return model.MicrotaskAssignment{}, err
		}
		return *a, nil
	})
}

func (p *Postgres) SetMicrotaskStatus(ctx context.Context, microtaskID string, status model.MicrotaskStatus) error {
	tag, err := p.pool.Exec(ctx, `UPDATE microtask SET status = $2 WHERE id = $1`, microtaskID, status)
	if err != nil {
		return fmt.Errorf("failed to update microtask %s: %w", microtaskID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("microtask", microtaskID)
	}
	return nil
}

func (p *Postgres) SetWorkerContactsID(ctx context.Context, workerID, contactsID string) (string, error) {
	// A concurrent writer blocks on the row lock and then no longer matches
	// the empty-id condition.
	var stored string
	err := p.pool.QueryRow(ctx, `
		UPDATE worker
		SET payments_meta = payments_meta || jsonb_build_object('contacts_id', $2::text)
		WHERE id = $1 AND coalesce(payments_meta->>'contacts_id', '') = ''
		RETURNING payments_meta->>'contacts_id'`, workerID, contactsID).Scan(&stored)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("failed to save contacts id of worker %s: %w", workerID, err)
	}

	err = p.pool.QueryRow(ctx,
		`SELECT coalesce(payments_meta->>'contacts_id', '') FROM worker WHERE id = $1`, workerID).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", notFound("worker", workerID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read contacts id of worker %s: %w", workerID, err)
	}
	return stored, nil
}

const accountColumns = `id, worker_id, account_type, account_details, fund_id, status, meta, created_at, updated_at`

func scanAccount(row pgx.Row) (*model.PaymentsAccount, error) {
	var a model.PaymentsAccount
	var accountType model.AccountType
	var details, meta []byte
	err := row.Scan(&a.ID, &a.WorkerID, &accountType, &details, &a.FundID, &a.Status, &meta, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if a.Details, err = model.DecodeAccountDetails(accountType, details); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &a.Meta); err != nil {
		return nil, fmt.Errorf("invalid meta on account %s: %w", a.ID, err)
	}
	return &a, nil
}

func encodeAccount(a *model.PaymentsAccount) (details, meta []byte, err error) {
	if a.Details == nil {
		return nil, nil, errors.New("account details are required")
	}
	if details, err = json.Marshal(a.Details); err != nil {
		return nil, nil, err
	}
	if meta, err = json.Marshal(a.Meta); err != nil {
		return nil, nil, err
	}
	return details, meta, nil
}

func (p *Postgres) InsertPaymentsAccount(ctx context.Context, account *model.PaymentsAccount) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	details, meta, err := encodeAccount(account)
	if err != nil {
		return err
	}
	err = p.pool.QueryRow(ctx, `
		INSERT INTO payments_account (id, worker_id, account_type, account_details, fund_id, status, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		account.ID, account.WorkerID, account.Details.AccountType(), details, account.FundID, account.Status, meta,
	).Scan(&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payments account: %w", err)
	}
	return nil
}

func (p *Postgres) GetPaymentsAccount(ctx context.Context, id string) (*model.PaymentsAccount, error) {
	a, err := scanAccount(p.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM payments_account WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("payments_account", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payments account %s: %w", id, err)
	}
	return a, nil
}

func (p *Postgres) UpdatePaymentsAccount(ctx context.Context, id string, fn func(*model.PaymentsAccount) error) (*model.PaymentsAccount, error) {
	var updated *model.PaymentsAccount
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		a, err := scanAccount(tx.QueryRow(ctx,
			`SELECT `+accountColumns+` FROM payments_account WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("payments_account", id)
		}
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
		details, meta, err := encodeAccount(a)
		if err != nil {
			return err
		}
		err = tx.QueryRow(ctx, `
			UPDATE payments_account
			SET account_type = $2, account_details = $3, fund_id = $4, status = $5, meta = $6,
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = $1
			RETURNING updated_at`,
			id, a.Details.AccountType(), details, a.FundID, a.Status, meta,
		).Scan(&a.UpdatedAt)
		if err != nil {
			return err
		}
		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (p *Postgres) RegisteredAccount(ctx context.Context, workerID string) (*model.PaymentsAccount, error) {
	a, err := scanAccount(p.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM payments_account
		WHERE worker_id = $1 AND status = 'REGISTERED'
		ORDER BY updated_at DESC
		LIMIT 1`, workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("registered payments_account of worker", workerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get registered account of worker %s: %w", workerID, err)
	}
	return a, nil
}

const bulkColumns = `id, user_id, amount::text, n_workers, status, meta, created_at, updated_at`

func scanBulk(row pgx.Row) (*model.BulkTransactionRecord, error) {
	var r model.BulkTransactionRecord
	var amount string
	var meta []byte
	if err := row.Scan(&r.ID, &r.UserID, &amount, &r.NWorkers, &r.Status, &meta, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid amount on bulk transaction %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(meta, &r.Meta); err != nil {
		return nil, fmt.Errorf("invalid meta on bulk transaction %s: %w", r.ID, err)
	}
	return &r, nil
}

func (p *Postgres) InsertBulkTransaction(ctx context.Context, record *model.BulkTransactionRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	meta, err := json.Marshal(record.Meta)
	if err != nil {
		return err
	}
	err = p.pool.QueryRow(ctx, `
		INSERT INTO bulk_payments_transaction (id, user_id, amount, n_workers, status, meta)
		VALUES ($1, $2, $3::numeric, $4, $5, $6)
		RETURNING created_at, updated_at`,
		record.ID, record.UserID, record.Amount.String(), record.NWorkers, record.Status, meta,
	).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert bulk transaction: %w", err)
	}
	return nil
}

func (p *Postgres) GetBulkTransaction(ctx context.Context, id string) (*model.BulkTransactionRecord, error) {
	r, err := scanBulk(p.pool.QueryRow(ctx,
		`SELECT `+bulkColumns+` FROM bulk_payments_transaction WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("bulk_payments_transaction", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bulk transaction %s: %w", id, err)
	}
	return r, nil
}

func (p *Postgres) UpdateBulkTransaction(ctx context.Context, id string, fn func(*model.BulkTransactionRecord) error) (*model.BulkTransactionRecord, error) {
	var updated *model.BulkTransactionRecord
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		r, err := scanBulk(tx.QueryRow(ctx,
			`SELECT `+bulkColumns+` FROM bulk_payments_transaction WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("bulk_payments_transaction", id)
		}
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		meta, err := json.Marshal(r.Meta)
		if err != nil {
			return err
		}
		err = tx.QueryRow(ctx, `
			UPDATE bulk_payments_transaction
			SET status = $2, meta = $3, updated_at = CURRENT_TIMESTAMP
			WHERE id = $1
			RETURNING updated_at`, id, r.Status, meta).Scan(&r.UpdatedAt)
		if err != nil {
			return err
		}
		updated = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (p *Postgres) StaleBulkTransactions(ctx context.Context, status model.BulkTransactionStatus, before time.Time) ([]model.BulkTransactionRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+bulkColumns+` FROM bulk_payments_transaction
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at`, status, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale bulk transactions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.BulkTransactionRecord, error) {
		r, err := scanBulk(row)
		if err != nil {
			return model.BulkTransactionRecord{}, err
		}
		return *r, nil
	})
}

func (p *Postgres) EnsurePaymentTransaction(ctx context.Context, ptx *model.PaymentTransaction) (*model.PaymentTransaction, error) {
	if ptx.ID == "" {
		ptx.ID = uuid.New().String()
	}
	var out model.PaymentTransaction
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO payments_transaction (id, bulk_id, worker_id, account_id, amount, status)
			VALUES ($1, $2, $3, $4, $5::numeric, $6)
			ON CONFLICT (bulk_id, worker_id) DO NOTHING`,
			ptx.ID, ptx.BulkID, ptx.WorkerID, ptx.AccountID, ptx.Amount.String(), model.TransactionCreated)
		if err != nil {
			return err
		}

		var amount string
		var payoutID *string
		err = tx.QueryRow(ctx, `
			SELECT id, bulk_id, worker_id, account_id, amount::text, payout_id, status
			FROM payments_transaction
			WHERE bulk_id = $1 AND worker_id = $2`, ptx.BulkID, ptx.WorkerID,
		).Scan(&out.ID, &out.BulkID, &out.WorkerID, &out.AccountID, &amount, &payoutID, &out.Status)
		if err != nil {
			return err
		}
		if payoutID != nil {
			out.PayoutID = *payoutID
		}
		out.Amount, err = decimal.NewFromString(amount)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure payment transaction: %w", err)
	}
	return &out, nil
}

func (p *Postgres) MarkTransactionProcessed(ctx context.Context, id, payoutID string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE payments_transaction
		SET payout_id = $2, status = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`, id, payoutID, model.TransactionProcessed)
	if err != nil {
		return fmt.Errorf("failed to update payment transaction %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("payments_transaction", id)
	}
	return nil
}
