package credits

import (
	"encoding/json"
	"fmt"
)

// MetadataKind discriminates the TxMetadata union.
type MetadataKind string

const (
	MetadataKindDeduction  MetadataKind = "deduction"
	MetadataKindPurchase   MetadataKind = "purchase"
	MetadataKindRenewal    MetadataKind = "renewal"
	MetadataKindRefund     MetadataKind = "refund"
	MetadataKindExpiry     MetadataKind = "expiry"
	MetadataKindAdjustment MetadataKind = "adjustment"
)

// DeductionMetadata describes what a SPENT transaction paid for.
type DeductionMetadata struct {
	JobID     string `json:"job_id"`
	PackageID string `json:"package_id,omitempty"`
	Feature   string `json:"feature,omitempty"`
}

// PurchaseMetadata describes the order behind an EARNED purchase transaction.
type PurchaseMetadata struct {
	BundleID string `json:"bundle_id"`
	OrderRef string `json:"order_ref,omitempty"`
	PlanID   string `json:"plan_id,omitempty"`
}

// RenewalMetadata describes a subscription cycle renewal.
type RenewalMetadata struct {
	PlanID        string `json:"plan_id,omitempty"`
	PreviousLimit int    `json:"previous_limit"`
	NewLimit      int    `json:"new_limit"`
}

// RefundMetadata links a REFUNDED transaction back to the failed job.
type RefundMetadata struct {
	JobID         string `json:"job_id"`
	PackageID     string `json:"package_id,omitempty"`
	DeductionTxID string `json:"deduction_tx_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// ExpiryMetadata describes what lapsed in an EXPIRED transaction.
type ExpiryMetadata struct {
	BundleID string `json:"bundle_id,omitempty"`
	// Cycle is true when the expired credits were an unconsumed
	// subscription allotment rather than a bundle remainder.
	Cycle bool `json:"cycle,omitempty"`
}

// AdjustmentMetadata describes a manual correction.
type AdjustmentMetadata struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// TxMetadata is a closed tagged union of per-source transaction context.
// Exactly one variant must be populated and it must match Kind; the
// Manager validates this at write time so the audit trail stays typed.
type TxMetadata struct {
	Kind       MetadataKind        `json:"kind"`
	Deduction  *DeductionMetadata  `json:"deduction,omitempty"`
	Purchase   *PurchaseMetadata   `json:"purchase,omitempty"`
	Renewal    *RenewalMetadata    `json:"renewal,omitempty"`
	Refund     *RefundMetadata     `json:"refund,omitempty"`
	Expiry     *ExpiryMetadata     `json:"expiry,omitempty"`
	Adjustment *AdjustmentMetadata `json:"adjustment,omitempty"`
}

// Validate checks that exactly one variant is set and matches Kind.
func (m *TxMetadata) Validate() error {
	if m == nil {
		return nil
	}

	variants := map[MetadataKind]bool{
		MetadataKindDeduction:  m.Deduction != nil,
		MetadataKindPurchase:   m.Purchase != nil,
		MetadataKindRenewal:    m.Renewal != nil,
		MetadataKindRefund:     m.Refund != nil,
		MetadataKindExpiry:     m.Expiry != nil,
		MetadataKindAdjustment: m.Adjustment != nil,
	}

	set := 0
	for _, present := range variants {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: expected exactly one variant, got %d", ErrInvalidMetadata, set)
	}
	if !variants[m.Kind] {
		return fmt.Errorf("%w: kind %q does not match populated variant", ErrInvalidMetadata, m.Kind)
	}
	return nil
}

// MarshalMetadata serializes metadata for storage. Returns nil for nil
// metadata so backends can store NULL.
func MarshalMetadata(m *TxMetadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}

// UnmarshalMetadata deserializes stored metadata. Empty input yields nil.
func UnmarshalMetadata(data []byte) (*TxMetadata, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m TxMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &m, nil
}
