package api

import (
	"encoding/json"

	"go-crowdwork/bulktx"
	"go-crowdwork/model"

	"github.com/shopspring/decimal"
)

// AssignRequest asks for the next microtask of a task for a worker.
// A zero MaxAssignments leaves microtasks unbounded.
type AssignRequest struct {
	WorkerID       string `json:"worker_id" validate:"required"`
	MaxAssignments int    `json:"max_assignments" validate:"gte=0"`
}

type SubmitRequest struct {
	Output json.RawMessage `json:"output" validate:"required"`
}

// CompleteRequest completes a microtask. With MinMatching set the
// microtask only completes once that many responses agree.
type CompleteRequest struct {
	MinMatching int `json:"min_matching" validate:"gte=0"`
}

type CompleteResponse struct {
	MicrotaskID string `json:"microtask_id"`
	Completed   bool   `json:"completed"`
}

// AccountDetailsRequest carries exactly one of a bank account or a VPA.
type AccountDetailsRequest struct {
	BankAccount *model.BankAccount `json:"bank_account,omitempty" validate:"required_without=VPA,excluded_with=VPA"`
	VPA         *model.VPA         `json:"vpa,omitempty" validate:"required_without=BankAccount"`
}

func (r AccountDetailsRequest) Details() model.AccountDetails {
	if r.BankAccount != nil {
		return *r.BankAccount
	}
	if r.VPA != nil {
		return *r.VPA
	}
	return nil
}

type AccountRequest struct {
	WorkerID string `json:"worker_id" validate:"required"`
	AccountDetailsRequest
}

type BulkRequest struct {
	UserID   string              `json:"user_id"`
	Amount   decimal.Decimal     `json:"amount"`
	NWorkers int                 `json:"n_workers"`
	Entries  []model.PayoutEntry `json:"entries"`
}

func (r BulkRequest) ToSubmission() bulktx.Submission {
	return bulktx.Submission{
		UserID:   r.UserID,
		Amount:   r.Amount,
		NWorkers: r.NWorkers,
		Request:  model.BulkTransactionRequest{Entries: r.Entries},
	}
}

type IncompleteResponse struct {
	WorkerID   string `json:"worker_id"`
	Incomplete bool   `json:"incomplete"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
