package entitlements

import (
	"errors"
	"fmt"
)

// Precondition sentinels. Their text doubles as the machine-readable code
// returned to administrative callers.
var (
	ErrSubscriberIDRequired   = errors.New("subscriber_id_required")
	ErrReasonTooShort         = errors.New("reason_too_short")
	ErrSubscriberNotFound     = errors.New("subscriber_not_found")
	ErrSubscriberCanceled     = errors.New("subscriber_canceled")
	ErrPaymentNotConfirmed    = errors.New("payment_not_confirmed")
	ErrExemptionRequiresAdmin = errors.New("exemption_requires_admin")
	ErrAdminRequired          = errors.New("admin_required")
	ErrPaymentNotPaid         = errors.New("payment_not_paid")
)

// PreconditionError reports which activation precondition failed, with a
// message that can be shown to an administrator as is.
type PreconditionError struct {
	Err          error
	SubscriberID uint
	Message      string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// Code returns the machine-readable precondition code.
func (e *PreconditionError) Code() string {
	return e.Err.Error()
}

// IsPrecondition reports whether err is a named activation precondition failure.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

func precondition(err error, subscriberID uint, format string, args ...any) error {
	return &PreconditionError{Err: err, SubscriberID: subscriberID, Message: fmt.Sprintf(format, args...)}
}
