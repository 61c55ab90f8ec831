package billing

import (
	"embed"
	"fmt"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Schema returns the DDL for the given dialect ("postgres" or "sqlite").
func Schema(dialect string) (string, error) {
	raw, err := schemaFS.ReadFile("schema/" + dialect + ".sql")
	if err != nil {
		return "", fmt.Errorf("billing: unknown schema dialect %q", dialect)
	}
	return string(raw), nil
}

// dropSchema removes the ledger tables, dependents first. Both dialects accept it.
const dropSchema = `
DROP TABLE IF EXISTS payments;
DROP TABLE IF EXISTS invoices;
DROP TABLE IF EXISTS charge_types;
DROP TABLE IF EXISTS owners;
`
