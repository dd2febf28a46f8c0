// Package receipt defines the immutable, hash-stamped record that every
// mutation in the system is expressed as. Receipts are never updated or
// deleted; a state change is a new receipt for the same key, and current
// state is always derived by folding receipts in append order.
package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shieldproof-labs/shieldproof/pkg/canonical"
)

// Receipt types understood by the ledger.
const (
	TypeContract  = "contract"
	TypeMilestone = "milestone"
	TypePayment   = "payment"
	TypeAnomaly   = "anomaly"
	TypeVariance  = "variance"
	TypeDashboard = "dashboard"
	TypeAnchor    = "anchor"
)

// Envelope field names. Everything else on the wire is a type-specific field.
const (
	fieldReceiptID   = "receipt_id"
	fieldReceiptType = "receipt_type"
	fieldTS          = "ts"
	fieldTenantID    = "tenant_id"
	fieldPayloadHash = "payload_hash"
)

var (
	ErrMissingType     = errors.New("receipt: missing receipt_type")
	ErrMissingTenant   = errors.New("receipt: missing tenant_id")
	ErrMissingTS       = errors.New("receipt: missing ts")
	ErrInvalidPayload  = errors.New("receipt: invalid payload_hash")
	ErrInvalidEnvelope = errors.New("receipt: malformed envelope")
)

// Receipt is one immutable ledger record. Fields carries the type-specific
// payload; on the wire it is flattened into the same JSON object as the
// envelope, one receipt per line.
type Receipt struct {
	ReceiptID   string
	ReceiptType string
	TS          time.Time
	TenantID    string
	PayloadHash string
	Fields      map[string]any
}

// New builds an unstamped receipt. The store stamps id, ts, tenant and
// payload_hash on append.
func New(receiptType string, fields map[string]any) *Receipt {
	if fields == nil {
		fields = map[string]any{}
	}
	return &Receipt{ReceiptType: receiptType, Fields: fields}
}

// ComputePayloadHash returns the dual hash over the canonical JSON of the
// type-specific fields only. The envelope is excluded so the hash can be
// recomputed from any replica of the payload.
func (r *Receipt) ComputePayloadHash() (string, error) {
	return canonical.HashJSON(r.Fields)
}

// Validate checks the envelope invariants: required fields present and a
// well-formed dual hash.
func (r *Receipt) Validate() error {
	if r.ReceiptType == "" {
		return ErrMissingType
	}
	if r.TenantID == "" {
		return ErrMissingTenant
	}
	if r.TS.IsZero() {
		return ErrMissingTS
	}
	if !canonical.ValidateDualHash(r.PayloadHash) {
		return fmt.Errorf("%w: %q", ErrInvalidPayload, r.PayloadHash)
	}
	return nil
}

// Str returns the named field as a string, or "" when absent or not a string.
func (r *Receipt) Str(key string) string {
	s, _ := r.Fields[key].(string)
	return s
}

// Num returns the named field as a float64. JSON numbers decode as float64,
// so this covers every numeric field on a replayed receipt.
func (r *Receipt) Num(key string) float64 {
	switch v := r.Fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// MarshalJSON flattens the envelope and the type-specific fields into a
// single JSON object.
func (r *Receipt) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Fields)+5)
	for k, v := range r.Fields {
		flat[k] = v
	}
	flat[fieldReceiptID] = r.ReceiptID
	flat[fieldReceiptType] = r.ReceiptType
	flat[fieldTS] = r.TS.UTC().Format(time.RFC3339Nano)
	flat[fieldTenantID] = r.TenantID
	flat[fieldPayloadHash] = r.PayloadHash
	return json.Marshal(flat)
}

// UnmarshalJSON splits the envelope back out of a flattened record.
func (r *Receipt) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}

	take := func(key string) string {
		s, _ := flat[key].(string)
		delete(flat, key)
		return s
	}

	r.ReceiptID = take(fieldReceiptID)
	r.ReceiptType = take(fieldReceiptType)
	r.TenantID = take(fieldTenantID)
	r.PayloadHash = take(fieldPayloadHash)

	tsRaw := take(fieldTS)
	if tsRaw != "" {
		ts, err := time.Parse(time.RFC3339Nano, tsRaw)
		if err != nil {
			return fmt.Errorf("%w: bad ts %q", ErrInvalidEnvelope, tsRaw)
		}
		r.TS = ts
	}

	r.Fields = flat
	return nil
}

// CanonicalBytes returns the canonical JSON of the full flattened receipt,
// envelope included. Anchors hash this form.
func (r *Receipt) CanonicalBytes() ([]byte, error) {
	return canonical.Bytes(r)
}
