package workflow

import "errors"

// Posting failures. Validation and state errors are never retried; transient
// failures leave the invoice postable and go through the bounded retry path.
var (
	ErrInvoiceNotFound  = errors.New("invoice not found")
	ErrAlreadyPosted    = errors.New("invoice is already posted")
	ErrUnbalanced       = errors.New("voucher does not balance")
	ErrAccountNotFound  = errors.New("account not found in chart of accounts")
	ErrAlreadyReversed  = errors.New("ledger entry is already reversed")
	ErrAlreadyRouted    = errors.New("invoice is already routed")
	ErrTransientFailure = errors.New("transient storage failure")
)

// Review resolution failures.
var (
	ErrReviewItemNotFound = errors.New("review item not found")
	ErrNotPending         = errors.New("review item is not pending")
	ErrNoSuggestion       = errors.New("review item has no booking suggestion")
	ErrEmptyBooking       = errors.New("corrected booking has no lines")
)

// IsTransient reports whether the failure should be retried rather than
// surfaced as a validation or state error.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientFailure)
}
