package main

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap stores an arbitrary JSON object in a single text column,
// exactly the way Money stores a decimal in a varchar column — gorm's
// postgres and sqlite dialects both support this without a native JSONB
// type, so JSON-shaped columns (notification content, wallet
// transaction heads) are carried this way instead of reaching for a
// dialect-specific json/jsonb column type.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported JSONMap scan type %T", value)
	}
	if len(raw) == 0 {
		*m = JSONMap{}
		return nil
	}
	out := JSONMap{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

func (JSONMap) GormDataType() string {
	return "text"
}
