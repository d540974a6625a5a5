package billing

import (
	"strings"

	"github.com/ManuelReschke/qwork/app/models"
)

// Provider payment statuses.
const (
	ProviderStatusPending                    = "PENDING"
	ProviderStatusReceived                   = "RECEIVED"
	ProviderStatusConfirmed                  = "CONFIRMED"
	ProviderStatusOverdue                    = "OVERDUE"
	ProviderStatusRefunded                   = "REFUNDED"
	ProviderStatusReceivedInCash             = "RECEIVED_IN_CASH"
	ProviderStatusRefundRequested            = "REFUND_REQUESTED"
	ProviderStatusRefundInProgress           = "REFUND_IN_PROGRESS"
	ProviderStatusChargebackRequested        = "CHARGEBACK_REQUESTED"
	ProviderStatusChargebackDispute          = "CHARGEBACK_DISPUTE"
	ProviderStatusAwaitingChargebackReversal = "AWAITING_CHARGEBACK_REVERSAL"
	ProviderStatusDunningRequested           = "DUNNING_REQUESTED"
	ProviderStatusDunningReceived            = "DUNNING_RECEIVED"
	ProviderStatusAwaitingRiskAnalysis       = "AWAITING_RISK_ANALYSIS"
)

// Provider notification events.
const (
	EventPaymentCreated                    = "PAYMENT_CREATED"
	EventPaymentUpdated                    = "PAYMENT_UPDATED"
	EventPaymentConfirmed                  = "PAYMENT_CONFIRMED"
	EventPaymentReceived                   = "PAYMENT_RECEIVED"
	EventPaymentOverdue                    = "PAYMENT_OVERDUE"
	EventPaymentDeleted                    = "PAYMENT_DELETED"
	EventPaymentRestored                   = "PAYMENT_RESTORED"
	EventPaymentRefunded                   = "PAYMENT_REFUNDED"
	EventPaymentRefundInProgress           = "PAYMENT_REFUND_IN_PROGRESS"
	EventPaymentReceivedInCashUndone       = "PAYMENT_RECEIVED_IN_CASH_UNDONE"
	EventPaymentChargebackRequested        = "PAYMENT_CHARGEBACK_REQUESTED"
	EventPaymentChargebackDispute          = "PAYMENT_CHARGEBACK_DISPUTE"
	EventPaymentAwaitingChargebackReversal = "PAYMENT_AWAITING_CHARGEBACK_REVERSAL"
	EventPaymentDunningReceived            = "PAYMENT_DUNNING_RECEIVED"
	EventPaymentDunningRequested           = "PAYMENT_DUNNING_REQUESTED"
	EventPaymentBankSlipViewed             = "PAYMENT_BANK_SLIP_VIEWED"
	EventPaymentCheckoutViewed             = "PAYMENT_CHECKOUT_VIEWED"
)

// Local payment methods recorded on settled batches.
const (
	MethodPix    = "pix"
	MethodBoleto = "boleto"
	MethodCard   = "cartao"
)

// EventClass groups provider events by the side effects they may trigger.
type EventClass int

const (
	// ClassInformational events never change batches or subscribers.
	ClassInformational EventClass = iota
	// ClassStatusOnly events update the payment record only.
	ClassStatusOnly
	// ClassConfirmation events signal received funds and settle batches.
	ClassConfirmation
	// ClassDispute events (refunds, chargebacks) flag the payer for review.
	ClassDispute
)

func (c EventClass) String() string {
	switch c {
	case ClassStatusOnly:
		return "status_only"
	case ClassConfirmation:
		return "confirmation"
	case ClassDispute:
		return "dispute"
	default:
		return "informational"
	}
}

var providerToLocal = map[string]string{
	ProviderStatusPending:                    models.PaymentStatusPending,
	ProviderStatusReceived:                   models.PaymentStatusPaid,
	ProviderStatusConfirmed:                  models.PaymentStatusPaid,
	ProviderStatusReceivedInCash:             models.PaymentStatusPaid,
	ProviderStatusDunningReceived:            models.PaymentStatusPaid,
	ProviderStatusOverdue:                    models.PaymentStatusCanceled,
	ProviderStatusRefunded:                   models.PaymentStatusRefunded,
	ProviderStatusRefundRequested:            models.PaymentStatusRefunded,
	ProviderStatusRefundInProgress:           models.PaymentStatusRefunded,
	ProviderStatusChargebackRequested:        models.PaymentStatusRefunded,
	ProviderStatusChargebackDispute:          models.PaymentStatusProcessing,
	ProviderStatusAwaitingChargebackReversal: models.PaymentStatusProcessing,
	ProviderStatusAwaitingRiskAnalysis:       models.PaymentStatusProcessing,
	ProviderStatusDunningRequested:           models.PaymentStatusPending,
}

// MapProviderStatus translates a provider payment status into the local
// vocabulary. Unknown values map to pending.
func MapProviderStatus(providerStatus string) string {
	if local, ok := providerToLocal[normalizeToken(providerStatus)]; ok {
		return local
	}
	return models.PaymentStatusPending
}

// MapLocalStatusToProvider returns the provider status used when filtering
// provider listings by a local status. Unknown values map to PENDING.
func MapLocalStatusToProvider(localStatus string) string {
	switch strings.ToLower(strings.TrimSpace(localStatus)) {
	case models.PaymentStatusPaid:
		return ProviderStatusReceived
	case models.PaymentStatusCanceled:
		return ProviderStatusOverdue
	case models.PaymentStatusRefunded:
		return ProviderStatusRefunded
	default:
		return ProviderStatusPending
	}
}

// ClassifyEvent returns the class of a provider notification event.
func ClassifyEvent(event string) EventClass {
	switch normalizeToken(event) {
	case EventPaymentConfirmed, EventPaymentReceived, EventPaymentDunningReceived:
		return ClassConfirmation
	case EventPaymentRefunded, EventPaymentRefundInProgress,
		EventPaymentChargebackRequested, EventPaymentChargebackDispute,
		EventPaymentAwaitingChargebackReversal:
		return ClassDispute
	case EventPaymentCreated, EventPaymentUpdated, EventPaymentOverdue,
		EventPaymentDeleted, EventPaymentRestored, EventPaymentReceivedInCashUndone,
		EventPaymentDunningRequested:
		return ClassStatusOnly
	default:
		return ClassInformational
	}
}

// MapBillingTypeToMethod translates the provider billing type into the local
// payment method. Unknown and undefined types fall back to pix.
func MapBillingTypeToMethod(billingType string) string {
	switch normalizeToken(billingType) {
	case "BOLETO":
		return MethodBoleto
	case "CREDIT_CARD", "DEBIT_CARD":
		return MethodCard
	default:
		return MethodPix
	}
}

func normalizeToken(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
