package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

var (
	_ sql.Scanner   = (*StepOutcomes)(nil)
	_ driver.Valuer = StepOutcomes(nil)
)

// scanJSONB scans a JSONB database value into a Go pointer. It handles nil
// values and the []byte and string representations used by different drivers.
func scanJSONB(dest any, value any) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (so *StepOutcomes) Scan(value any) error {
	if value == nil {
		*so = nil
		return nil
	}
	return scanJSONB(so, value)
}

// Value implements the driver.Valuer interface. A nil ledger is stored as an
// empty object so the column stays NOT NULL.
func (so StepOutcomes) Value() (driver.Value, error) {
	if so == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[StepName]StepOutcome(so))
}
