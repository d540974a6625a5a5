package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ProviderMetadata is the additional provider data kept on a Payment. Keys the
// application does not know about are preserved in Extra and written back
// unchanged.
type ProviderMetadata struct {
	ProviderStatus   string           `json:"providerStatus,omitempty"`
	BillingType      string           `json:"billingType,omitempty"`
	NetValue         *decimal.Decimal `json:"netValue,omitempty"`
	ConfirmedDate    string           `json:"confirmedDate,omitempty"`
	PaymentDate      string           `json:"paymentDate,omitempty"`
	InvoiceURL       string           `json:"invoiceUrl,omitempty"`
	BankSlipURL      string           `json:"bankSlipUrl,omitempty"`
	LastWebhookEvent string           `json:"lastWebhookEvent,omitempty"`
	LastWebhookAt    *time.Time       `json:"lastWebhookAt,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var providerMetadataKeys = map[string]struct{}{
	"providerStatus":   {},
	"billingType":      {},
	"netValue":         {},
	"confirmedDate":    {},
	"paymentDate":      {},
	"invoiceUrl":       {},
	"bankSlipUrl":      {},
	"lastWebhookEvent": {},
	"lastWebhookAt":    {},
}

type providerMetadataAlias ProviderMetadata

// MarshalJSON writes the known fields and merges Extra without overriding them.
func (m ProviderMetadata) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(providerMetadataAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(m.Extra)+len(providerMetadataKeys))
	for k, v := range m.Extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON reads the known fields and keeps everything else in Extra.
func (m *ProviderMetadata) UnmarshalJSON(data []byte) error {
	var alias providerMetadataAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	*m = ProviderMetadata(alias)
	m.Extra = nil
	for k, v := range all {
		if _, ok := providerMetadataKeys[k]; ok {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]json.RawMessage)
		}
		m.Extra[k] = v
	}
	return nil
}
