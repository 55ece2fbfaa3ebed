package registration

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAccount      = errors.New("invalid payments account")
	ErrNotResubmittable    = errors.New("only FAILED accounts can be resubmitted")
	errMismatchedFundReply = errors.New("fund account response does not match the request")
)

// ContactRegistrationError is a failure to obtain the worker's contact at
// the gateway.
type ContactRegistrationError struct {
	WorkerID string
	Err      error
}

func (e *ContactRegistrationError) Error() string {
	return fmt.Sprintf("contact registration for worker %s: %v", e.WorkerID, e.Err)
}

func (e *ContactRegistrationError) Unwrap() error { return e.Err }

// FundAccountRegistrationError is a failure to create the fund account.
type FundAccountRegistrationError struct {
	AccountID string
	Err       error
}

func (e *FundAccountRegistrationError) Error() string {
	return fmt.Sprintf("fund account registration for account %s: %v", e.AccountID, e.Err)
}

func (e *FundAccountRegistrationError) Unwrap() error { return e.Err }
