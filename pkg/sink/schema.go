package sink

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ColumnType is the declared type of a column.
type ColumnType string

const (
	TypeString  ColumnType = "STRING"
	TypeFloat   ColumnType = "FLOAT"
	TypeNumber  ColumnType = "NUMBER"
	TypeBoolean ColumnType = "BOOLEAN"
)

// ParseColumnType validates a type name.
func ParseColumnType(s string) (ColumnType, error) {
	switch t := ColumnType(strings.ToUpper(strings.TrimSpace(s))); t {
	case TypeString, TypeFloat, TypeNumber, TypeBoolean:
		return t, nil
	default:
		return "", fmt.Errorf("unknown column type %q", s)
	}
}

// PostgresType returns the warehouse column type.
func (t ColumnType) PostgresType() string {
	switch t {
	case TypeFloat:
		return "DOUBLE PRECISION"
	case TypeNumber:
		return "BIGINT"
	case TypeBoolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// Column is one declared column.
type Column struct {
	Name string
	Type ColumnType
}

// Schema is the explicit column list for a dataset. Record keys not in the
// schema are dropped; missing keys become nulls.
type Schema struct {
	Name    string
	Columns []Column
}

// Validate checks the schema is usable by every sink.
func (s *Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema name is required")
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema %s has no columns", s.Name)
	}
	seen := make(map[string]bool, len(s.Columns))
	for i, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("schema %s: column %d has no name", s.Name, i)
		}
		if seen[c.Name] {
			return fmt.Errorf("schema %s: duplicate column %s", s.Name, c.Name)
		}
		seen[c.Name] = true
		if _, err := ParseColumnType(string(c.Type)); err != nil {
			return fmt.Errorf("schema %s: column %s: %w", s.Name, c.Name, err)
		}
	}
	return nil
}

// ColumnNames returns the column names in declaration order.
func (s *Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Values converts r into one value per column, in declaration order.
// A nil entry is a null.
func (s *Schema) Values(r Record) ([]any, error) {
	out := make([]any, len(s.Columns))
	for i, c := range s.Columns {
		v, err := Convert(c.Type, r[c.Name])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		out[i] = v
	}
	return out, nil
}

// Normalize returns a copy of r holding only schema columns with converted
// values.
func (s *Schema) Normalize(r Record) (Record, error) {
	values, err := s.Values(r)
	if err != nil {
		return nil, err
	}
	out := make(Record, len(s.Columns))
	for i, c := range s.Columns {
		out[c.Name] = values[i]
	}
	return out, nil
}

// Convert coerces a decoded JSON value to t. Nested objects and lists are
// JSON-encoded for STRING columns.
func Convert(t ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch t {
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case map[string]any, []any:
			data, err := json.Marshal(x)
			if err != nil {
				return nil, err
			}
			return string(data), nil
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		default:
			return fmt.Sprint(x), nil
		}

	case TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case json.Number:
			return x.Float64()
		case string:
			if x == "" {
				return nil, nil
			}
			return strconv.ParseFloat(x, 64)
		}

	case TypeNumber:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int64:
			return x, nil
		case float64:
			if x != math.Trunc(x) || math.IsInf(x, 0) {
				return nil, fmt.Errorf("value %v is not an integer", x)
			}
			return int64(x), nil
		case json.Number:
			return x.Int64()
		case string:
			if x == "" {
				return nil, nil
			}
			return strconv.ParseInt(x, 10, 64)
		}

	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			if x == "" {
				return nil, nil
			}
			return strconv.ParseBool(x)
		}

	default:
		return nil, fmt.Errorf("unknown column type %q", t)
	}

	return nil, fmt.Errorf("cannot convert %T to %s", v, t)
}

// NormalizeColumn upper-cases name and replaces spaces and double
// underscores with a single underscore.
func NormalizeColumn(name string) string {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, " ", "_")
	for strings.Contains(n, "__") {
		n = strings.ReplaceAll(n, "__", "_")
	}
	return n
}
