package receipt

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed ledger_schema.json
var ledgerSchemaJSON string

var ledgerSchema = jsonschema.MustCompileString("ledger_schema.json", ledgerSchemaJSON)

// ValidateLine checks one persisted ledger line against the receipt schema.
// Used by replay verification; the write path enforces the same shape by
// construction.
func ValidateLine(line []byte) error {
	var v any
	if err := json.Unmarshal(line, &v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	if err := ledgerSchema.Validate(v); err != nil {
		return fmt.Errorf("receipt: schema violation: %w", err)
	}
	return nil
}
