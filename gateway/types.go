package gateway

import (
	"fmt"

	"go-crowdwork/model"

	"github.com/shopspring/decimal"
)

type ContactRequest struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
	Type    string `json:"type"`
}

type Contact struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type BankAccountDetails struct {
	Name          string `json:"name"`
	AccountNumber string `json:"account_number"`
	IFSC          string `json:"ifsc"`
}

type VPADetails struct {
	Address string `json:"address"`
}

// FundAccountRequest carries exactly one of BankAccount or VPA, matching
// AccountType. The contact goes out as contact_id, the provider's field
// name; the worker record keeps it under payments_meta.contacts_id.
type FundAccountRequest struct {
	AccountType model.AccountType   `json:"account_type"`
	ContactID   string              `json:"contact_id"`
	BankAccount *BankAccountDetails `json:"bank_account,omitempty"`
	VPA         *VPADetails         `json:"vpa,omitempty"`
}

// NewFundAccountRequest builds the request for the account details'
// variant.
func NewFundAccountRequest(contactID string, details model.AccountDetails) (FundAccountRequest, error) {
	switch d := details.(type) {
	case model.BankAccount:
		return FundAccountRequest{
			AccountType: model.AccountTypeBank,
			ContactID:   contactID,
			BankAccount: &BankAccountDetails{Name: d.Name, AccountNumber: d.AccountNumber, IFSC: d.IFSC},
		}, nil
	case model.VPA:
		return FundAccountRequest{
			AccountType: model.AccountTypeVPA,
			ContactID:   contactID,
			VPA:         &VPADetails{Address: d.Address},
		}, nil
	default:
		return FundAccountRequest{}, fmt.Errorf("unsupported account details %T", details)
	}
}

type FundAccount struct {
	ID          string            `json:"id"`
	ContactID   string            `json:"contact_id"`
	AccountType model.AccountType `json:"account_type"`
	Active      bool              `json:"active"`
}

// PayoutRequest amounts are in the currency's minor unit.
type PayoutRequest struct {
	AccountNumber string `json:"account_number"`
	FundAccountID string `json:"fund_account_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Mode          string `json:"mode"`
	Purpose       string `json:"purpose"`
	ReferenceID   string `json:"reference_id,omitempty"`
	Narration     string `json:"narration,omitempty"`
}

// NewPayoutRequest pays amount rupees into the account's fund account. The
// amount must be positive with at most two decimal places.
func NewPayoutRequest(account *model.PaymentsAccount, amount decimal.Decimal, reference string) (PayoutRequest, error) {
	if account.FundID == nil || *account.FundID == "" {
		return PayoutRequest{}, fmt.Errorf("account %s has no fund account", account.ID)
	}
	if !amount.IsPositive() {
		return PayoutRequest{}, fmt.Errorf("payout amount %s must be positive", amount)
	}
	paise := amount.Shift(2)
	if !paise.IsInteger() {
		return PayoutRequest{}, fmt.Errorf("payout amount %s has more than two decimal places", amount)
	}

	mode := "IMPS"
	if account.Details != nil && account.Details.AccountType() == model.AccountTypeVPA {
		mode = "UPI"
	}
	return PayoutRequest{
		FundAccountID: *account.FundID,
		Amount:        paise.IntPart(),
		Currency:      "INR",
		Mode:          mode,
		Purpose:       "payout",
		ReferenceID:   reference,
	}, nil
}

type Payout struct {
	ID            string `json:"id"`
	FundAccountID string `json:"fund_account_id"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
	ReferenceID   string `json:"reference_id"`
}
