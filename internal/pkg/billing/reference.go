package billing

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

const (
	referencePrefix    = "batch_"
	referenceSeparator = "_payment_"
)

// Reference addresses the batch a charge was issued for.
type Reference struct {
	BatchID   uint
	PaymentID string
}

// EncodeReference builds the external reference token batch_<id>_payment_<id>.
func EncodeReference(batchID uint, paymentID string) string {
	return fmt.Sprintf("%s%d%s%s", referencePrefix, batchID, referenceSeparator, paymentID)
}

// DecodeReference parses an external reference token. Any malformed or
// foreign value yields ok=false.
func DecodeReference(token string) (Reference, bool) {
	s := strings.TrimSpace(token)
	if !strings.HasPrefix(s, referencePrefix) {
		return Reference{}, false
	}
	rest := s[len(referencePrefix):]

	idx := strings.Index(rest, referenceSeparator)
	if idx <= 0 {
		return Reference{}, false
	}
	rawBatch, paymentID := rest[:idx], rest[idx+len(referenceSeparator):]

	for _, r := range rawBatch {
		if r < '0' || r > '9' {
			return Reference{}, false
		}
	}
	batchID, err := strconv.ParseUint(rawBatch, 10, 0)
	if err != nil || batchID == 0 {
		return Reference{}, false
	}

	if paymentID == "" || strings.IndexFunc(paymentID, unicode.IsSpace) >= 0 {
		return Reference{}, false
	}

	return Reference{BatchID: uint(batchID), PaymentID: paymentID}, true
}
