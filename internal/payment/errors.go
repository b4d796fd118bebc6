package payment

import "errors"

// User-facing pipeline errors. Their messages are shown as notices.
var (
	ErrEmptyInput          = errors.New("enter payment code data")
	ErrUnrecognized        = errors.New("unrecognized payment code format")
	ErrTokenNotFound       = errors.New("invalid or inactive token")
	ErrServiceUnavailable  = errors.New("service unavailable")
	ErrInvalidAmount       = errors.New("please enter a valid amount")
	ErrAmountFixed         = errors.New("amount is fixed by the payment code")
	ErrQuantityFixed       = errors.New("quantity cannot be changed for this payment")
	ErrWalletFrozen        = errors.New("your wallet is frozen, you cannot make payments at this time")
	ErrWalletUnavailable   = errors.New("wallet unavailable")
	ErrPaymentFailed       = errors.New("payment failed")
	ErrNoCycle             = errors.New("no payment awaiting confirmation")
	ErrSubmissionInFlight  = errors.New("a payment is already being processed")
	ErrCaptureActive       = errors.New("scanner is already running")
	ErrCaptureUnavailable  = errors.New("no scanner configured")
	ErrInvalidTokenRequest = errors.New("invalid payment code request")
)

// Collaborator errors
var (
	ErrNoToken  = errors.New("token not found")
	ErrNoWallet = errors.New("wallet not found")
	ErrNoResult = errors.New("settlement returned no result")
	ErrNotOwner = errors.New("token belongs to another user")
	ErrExpired  = errors.New("token has expired")
)

// SettlementError is a rejection returned by the settlement backend.
// Message is shown to the user verbatim.
type SettlementError struct {
	Message string
}

func (e *SettlementError) Error() string {
	return e.Message
}

var userErrors = []error{
	ErrEmptyInput,
	ErrUnrecognized,
	ErrTokenNotFound,
	ErrServiceUnavailable,
	ErrInvalidAmount,
	ErrAmountFixed,
	ErrQuantityFixed,
	ErrWalletFrozen,
	ErrWalletUnavailable,
	ErrPaymentFailed,
	ErrNoCycle,
	ErrSubmissionInFlight,
	ErrCaptureActive,
	ErrCaptureUnavailable,
	ErrInvalidTokenRequest,
	ErrNoToken,
	ErrExpired,
}

// UserMessage returns the text to show a user for err, hiding internal detail
func UserMessage(err error) string {
	var settlementErr *SettlementError
	if errors.As(err, &settlementErr) {
		return settlementErr.Message
	}
	for _, known := range userErrors {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "something went wrong"
}
