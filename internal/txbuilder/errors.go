package txbuilder

import (
	"errors"
	"fmt"

	"ppy-wallet/go-core/internal/account"
)

var (
	ErrAccountNotFound       = account.ErrAccountNotFound
	ErrFeeQuery              = errors.New("fee query failed")
	ErrInsufficientAuthority = errors.New("insufficient authority")
	ErrMemoKey               = errors.New("memo key unavailable")
	ErrNotConnected          = errors.New("chain identity unknown")
	ErrReference             = errors.New("reference block unavailable")

	ErrImmutable            = errors.New("transaction can no longer be modified")
	ErrFeesNotSet           = errors.New("fees not set")
	ErrNotFinalized         = errors.New("transaction not finalized")
	ErrNoSigner             = errors.New("no signer attached")
	ErrNotSigned            = errors.New("transaction not signed")
	ErrAlreadySigned        = errors.New("transaction already signed")
	ErrAlreadyBroadcast     = errors.New("transaction already broadcast")
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// Build steps reported in TransactionError.
const (
	StepAmount    = "amount"
	StepAccount   = "account"
	StepMemo      = "memo"
	StepFees      = "fees"
	StepAuthority = "authority"
	StepFinalize  = "finalize"
	StepSign      = "sign"
	StepBroadcast = "broadcast"
)

// TransactionError reports which build step failed.
type TransactionError struct {
	Step string
	Err  error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s: %v", e.Step, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

func stepErr(step string, err error) error {
	return &TransactionError{Step: step, Err: err}
}
