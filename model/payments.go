package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type AccountType string

const (
	AccountTypeBank AccountType = "bank_account"
	AccountTypeVPA  AccountType = "vpa"
)

type AccountStatus string

const (
	AccountInitialised AccountStatus = "INITIALISED"
	AccountRegistered  AccountStatus = "REGISTERED"
	AccountFailed      AccountStatus = "FAILED"
)

type BulkTransactionStatus string

const (
	BulkInitialised BulkTransactionStatus = "INITIALISED"
	BulkFailed      BulkTransactionStatus = "FAILED"
	BulkCompleted   BulkTransactionStatus = "COMPLETED"
)

type TransactionStatus string

const (
	TransactionCreated   TransactionStatus = "CREATED"
	TransactionProcessed TransactionStatus = "PROCESSED"
)

// AccountDetails is the payable destination of a payments account. It is
// implemented only by BankAccount and VPA.
type AccountDetails interface {
	AccountType() AccountType
	Validate() error
	accountDetails()
}

type BankAccount struct {
	Name          string `json:"name"`
	AccountNumber string `json:"account_number"`
	IFSC          string `json:"ifsc"`
}

func (BankAccount) AccountType() AccountType { return AccountTypeBank }
func (BankAccount) accountDetails()          {}

func (b BankAccount) Validate() error {
	var errs []error
	if b.Name == "" {
		errs = append(errs, errors.New("bank account name is required"))
	}
	if b.AccountNumber == "" {
		errs = append(errs, errors.New("bank account number is required"))
	}
	if b.IFSC == "" {
		errs = append(errs, errors.New("bank account ifsc is required"))
	}
	return errors.Join(errs...)
}

// VPA is a virtual payment address.
type VPA struct {
	Address string `json:"address"`
}

func (VPA) AccountType() AccountType { return AccountTypeVPA }
func (VPA) accountDetails()          {}

func (v VPA) Validate() error {
	if v.Address == "" {
		return errors.New("vpa address is required")
	}
	return nil
}

// DecodeAccountDetails decodes the stored details of an account of the
// given type.
func DecodeAccountDetails(accountType AccountType, raw []byte) (AccountDetails, error) {
	switch accountType {
	case AccountTypeBank:
		var b BankAccount
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("decode bank account details: %w", err)
		}
		return b, nil
	case AccountTypeVPA:
		var v VPA
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode vpa details: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown account type %q", accountType)
	}
}

type PaymentsAccount struct {
	ID        string
	WorkerID  string
	Details   AccountDetails
	FundID    *string
	Status    AccountStatus
	Meta      Meta
	CreatedAt time.Time
	UpdatedAt time.Time
}

type paymentsAccountJSON struct {
	ID          string          `json:"id"`
	WorkerID    string          `json:"worker_id"`
	AccountType AccountType     `json:"account_type"`
	Details     json.RawMessage `json:"account_details"`
	FundID      *string         `json:"fund_id"`
	Status      AccountStatus   `json:"status"`
	Meta        Meta            `json:"meta"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (a PaymentsAccount) MarshalJSON() ([]byte, error) {
	out := paymentsAccountJSON{
		ID:        a.ID,
		WorkerID:  a.WorkerID,
		FundID:    a.FundID,
		Status:    a.Status,
		Meta:      a.Meta,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
	if a.Details != nil {
		raw, err := json.Marshal(a.Details)
		if err != nil {
			return nil, err
		}
		out.AccountType = a.Details.AccountType()
		out.Details = raw
	}
	return json.Marshal(out)
}

func (a *PaymentsAccount) UnmarshalJSON(data []byte) error {
	var in paymentsAccountJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*a = PaymentsAccount{
		ID:        in.ID,
		WorkerID:  in.WorkerID,
		FundID:    in.FundID,
		Status:    in.Status,
		Meta:      in.Meta,
		CreatedAt: in.CreatedAt,
		UpdatedAt: in.UpdatedAt,
	}
	if in.AccountType == "" {
		return nil
	}
	details, err := DecodeAccountDetails(in.AccountType, in.Details)
	if err != nil {
		return err
	}
	a.Details = details
	return nil
}

type BulkTransactionRecord struct {
	ID        string                `json:"id"`
	UserID    string                `json:"user_id"`
	Amount    decimal.Decimal       `json:"amount"`
	NWorkers  int                   `json:"n_workers"`
	Status    BulkTransactionStatus `json:"status"`
	Meta      Meta                  `json:"meta"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// PaymentTransaction is the payout of one worker inside a bulk batch.
type PaymentTransaction struct {
	ID        string            `json:"id"`
	BulkID    string            `json:"bulk_id"`
	WorkerID  string            `json:"worker_id"`
	AccountID string            `json:"account_id"`
	Amount    decimal.Decimal   `json:"amount"`
	PayoutID  string            `json:"payout_id,omitempty"`
	Status    TransactionStatus `json:"status"`
}

type PayoutEntry struct {
	WorkerID string          `json:"worker_id" validate:"required"`
	Amount   decimal.Decimal `json:"amount" validate:"gt=0"`
}

// BulkTransactionRequest lists what each worker of a batch is owed.
type BulkTransactionRequest struct {
	Entries []PayoutEntry `json:"entries" validate:"required,min=1,unique=WorkerID,dive"`
}

// Total sums the entry amounts.
func (r BulkTransactionRequest) Total() decimal.Decimal {
	total := decimal.Zero
	for _, e := range r.Entries {
		total = total.Add(e.Amount)
	}
	return total
}

// RegistrationJob is the queue payload of a payments account registration.
type RegistrationJob struct {
	AccountID string `json:"account_id"`
}

// BulkTransactionJob is the queue payload of a bulk disbursement.
type BulkTransactionJob struct {
	RecordID string                 `json:"record_id"`
	Request  BulkTransactionRequest `json:"request"`
}
