package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/qwork/internal/pkg/entitlements"
)

var (
	// ErrUnauthorized is returned when the notification token check fails.
	ErrUnauthorized = errors.New("billing: webhook authentication failed")
	// ErrInvalidPayload is returned for notifications that cannot be parsed.
	ErrInvalidPayload = errors.New("billing: invalid webhook payload")
)

// SignatureContext carries the authenticity material of an inbound request.
type SignatureContext struct {
	Token string
}

// NotificationPayment is the payment object of a provider notification.
type NotificationPayment struct {
	ID                string           `json:"id" validate:"required,max=64"`
	Customer          string           `json:"customer"`
	Subscription      string           `json:"subscription"`
	Value             decimal.Decimal  `json:"value"`
	NetValue          *decimal.Decimal `json:"netValue"`
	BillingType       string           `json:"billingType"`
	Status            string           `json:"status" validate:"required,max=64"`
	Description       string           `json:"description"`
	ExternalReference string           `json:"externalReference" validate:"max=255"`
	DueDate           string           `json:"dueDate"`
	ConfirmedDate     string           `json:"confirmedDate"`
	PaymentDate       string           `json:"paymentDate"`
	ClientPaymentDate string           `json:"clientPaymentDate"`
	InstallmentNumber int              `json:"installmentNumber"`
	InstallmentCount  int              `json:"installmentCount" validate:"min=0,max=24"`
	InvoiceURL        string           `json:"invoiceUrl"`
	BankSlipURL       string           `json:"bankSlipUrl"`
	Deleted           bool             `json:"deleted"`
}

// Notification is a parsed provider webhook delivery.
type Notification struct {
	Event   string              `json:"event" validate:"required,max=100"`
	Payment NotificationPayment `json:"payment"`

	Raw json.RawMessage `json:"-"`
}

// Installments returns the installment count, at least 1.
func (n *Notification) Installments() int {
	if n.Payment.InstallmentCount > 0 {
		return n.Payment.InstallmentCount
	}
	return 1
}

var validate = validator.New()

// ParseNotification decodes and validates a webhook body. Event and status
// tokens are normalized to upper case. Raw holds the body re-encoded, so lone
// surrogate escapes are stored as U+FFFD.
func ParseNotification(payload []byte) (*Notification, error) {
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("%w: body is not valid UTF-8", ErrInvalidPayload)
	}

	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	n.Event = normalizeToken(n.Event)
	n.Payment.ID = strings.TrimSpace(n.Payment.ID)
	n.Payment.Status = normalizeToken(n.Payment.Status)
	n.Payment.BillingType = normalizeToken(n.Payment.BillingType)
	n.Payment.ExternalReference = strings.TrimSpace(n.Payment.ExternalReference)

	if err := validate.Struct(&n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	raw, err := reencode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	n.Raw = raw
	return &n, nil
}

// reencode round-trips a JSON document, keeping numbers as written.
func reencode(payload []byte) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// Outcome summarizes what a processed notification did.
type Outcome struct {
	Event            string               `json:"event"`
	PaymentID        string               `json:"payment_id"`
	Class            string               `json:"class"`
	LocalStatus      string               `json:"local_status,omitempty"`
	Duplicate        bool                 `json:"duplicate"`
	PaymentFound     bool                 `json:"payment_found"`
	BatchesPaid      []uint               `json:"batches_paid,omitempty"`
	FlaggedForReview bool                 `json:"flagged_for_review,omitempty"`
	Activation       *entitlements.Result `json:"activation,omitempty"`
	Warnings         []string             `json:"warnings,omitempty"`

	// activationOutcome is counted once the transaction commits.
	activationOutcome string
}

func (o *Outcome) warn(format string, args ...any) {
	o.Warnings = append(o.Warnings, fmt.Sprintf(format, args...))
}
