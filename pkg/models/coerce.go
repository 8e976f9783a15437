package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cell coercion rules shared by row writes, CSV import and code columns.
// Text follows spreadsheet conventions: "True"/"False" spellings parse as
// booleans, float-shaped text truncates into int columns, empty text is
// null. Vectors travel as JSON-encoded arrays.

// CoerceCell converts a wire value into the column's storage type. nil stays
// nil. JSON numbers arrive as float64 and are narrowed per dtype; strings go
// through CoerceCellText.
func CoerceCell(col *ColumnSchema, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	// JSON columns keep string values as strings; parsing happens only on
	// text import.
	if s, ok := v.(string); ok && col.Dtype != DtypeStr && col.Dtype != DtypeJSON {
		return CoerceCellText(col, s)
	}
	switch col.Dtype {
	case DtypeInt:
		switch x := v.(type) {
		case int:
			return x, nil
		case int64:
			return int(x), nil
		case float64:
			return int(x), nil
		}
	case DtypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		}
	case DtypeBool:
		if x, ok := v.(bool); ok {
			return x, nil
		}
	case DtypeStr:
		switch x := v.(type) {
		case string:
			return x, nil
		case bool:
			if x {
				return "True", nil
			}
			return "False", nil
		case float64:
			return strconv.FormatFloat(x, 'g', -1, 64), nil
		case int:
			return strconv.Itoa(x), nil
		case int64:
			return strconv.FormatInt(x, 10), nil
		}
	case DtypeImage, DtypeAudio, DtypeDocument:
		if x, ok := v.(string); ok {
			return x, nil
		}
	case DtypeDateTime:
		if x, ok := v.(time.Time); ok {
			return x.UTC().Format(time.RFC3339Nano), nil
		}
	case DtypeJSON:
		return v, nil
	case DtypeFloat32:
		switch x := v.(type) {
		case []float32:
			return checkVlen(col, x)
		case []any:
			vec := make([]float32, len(x))
			for i, e := range x {
				f, ok := e.(float64)
				if !ok {
					return nil, fmt.Errorf("column %q: vector element %d is not a number", col.ID, i)
				}
				vec[i] = float32(f)
			}
			return checkVlen(col, vec)
		case []float64:
			vec := make([]float32, len(x))
			for i, e := range x {
				vec[i] = float32(e)
			}
			return checkVlen(col, vec)
		}
	}
	return nil, fmt.Errorf("column %q: cannot store %T as %s", col.ID, v, col.Dtype)
}

// CoerceCellText converts text (CSV fields, code-runner output) into the
// column's storage type. Empty text is null.
func CoerceCellText(col *ColumnSchema, s string) (any, error) {
	if col.Dtype == DtypeStr {
		return s, nil
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, nil
	}
	switch col.Dtype {
	case DtypeInt:
		if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return int(i), nil
		}
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return int(f), nil
		}
		return nil, fmt.Errorf("column %q: %q is not an int", col.ID, s)
	case DtypeFloat:
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil, fmt.Errorf("column %q: %q is not a float", col.ID, s)
		}
		return f, nil
	case DtypeBool:
		b, err := strconv.ParseBool(trimmed)
		if err != nil {
			return nil, fmt.Errorf("column %q: %q is not a bool", col.ID, s)
		}
		return b, nil
	case DtypeImage, DtypeAudio, DtypeDocument:
		return s, nil
	case DtypeDateTime:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, trimmed); err == nil {
				return t.UTC().Format(time.RFC3339Nano), nil
			}
		}
		return nil, fmt.Errorf("column %q: %q is not an RFC 3339 timestamp", col.ID, s)
	case DtypeJSON:
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
			// Bare text round-trips as a JSON string.
			return s, nil
		}
		return v, nil
	case DtypeFloat32:
		var vec []float32
		if err := json.Unmarshal([]byte(trimmed), &vec); err != nil {
			return nil, fmt.Errorf("column %q: %q is not a vector", col.ID, s)
		}
		return checkVlen(col, vec)
	}
	return nil, fmt.Errorf("column %q: unknown dtype %s", col.ID, col.Dtype)
}

func checkVlen(col *ColumnSchema, vec []float32) (any, error) {
	if col.Vlen > 0 && len(vec) != col.Vlen {
		return nil, fmt.Errorf("column %q: vector has %d dims, want %d", col.ID, len(vec), col.Vlen)
	}
	return vec, nil
}

// CellText renders a stored cell value as prompt-interpolation text. Null
// cells render empty; vectors and unknown shapes fall back to JSON.
func CellText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
