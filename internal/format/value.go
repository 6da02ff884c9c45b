package format

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/dbporter/dbporter/internal/adapter"
)

// timeLayouts are accepted when parsing datetime fields, most specific
// first. Encoding always uses RFC 3339.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// encodeText renders a non-nil value as the CSV field text for its
// semantic type.
func encodeText(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return base64.StdEncoding.EncodeToString(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return fmt.Sprint(x), nil
	}
}

// encodeJSONValue normalizes a row value for JSON output: datetimes
// become RFC 3339 strings, binary becomes base64, NULL stays null.
func encodeJSONValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case float64:
		// JSON has no NaN/Inf; surface them as null rather than
		// producing invalid output.
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	default:
		return x
	}
}

// ConvertField maps a decoded field value onto a column's semantic
// type. CSV yields strings; JSON yields native values that may still
// need narrowing (e.g. RFC 3339 strings for datetimes).
func ConvertField(col *adapter.Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch col.Type {
	case adapter.TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return encodeText(v)

	case adapter.TypeInteger:
		switch x := v.(type) {
		case string:
			n, err := strconv.ParseInt(x, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("column %s: %q is not an integer", col.Name, x)
			}
			return n, nil
		case float64:
			return int64(x), nil
		case int64:
			return x, nil
		}

	case adapter.TypeFloat:
		switch x := v.(type) {
		case string:
			f, err := strconv.ParseFloat(x, 64)
			if err != nil {
				return nil, fmt.Errorf("column %s: %q is not a number", col.Name, x)
			}
			return f, nil
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		}

	case adapter.TypeBoolean:
		switch x := v.(type) {
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				return nil, fmt.Errorf("column %s: %q is not a boolean", col.Name, x)
			}
			return b, nil
		case bool:
			return x, nil
		}

	case adapter.TypeDatetime:
		if s, ok := v.(string); ok {
			for _, layout := range timeLayouts {
				if t, err := time.Parse(layout, s); err == nil {
					return t, nil
				}
			}
			return nil, fmt.Errorf("column %s: %q is not a timestamp", col.Name, s)
		}
		if t, ok := v.(time.Time); ok {
			return t, nil
		}

	case adapter.TypeBinary:
		if s, ok := v.(string); ok {
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("column %s: invalid base64: %w", col.Name, err)
			}
			return b, nil
		}
		if b, ok := v.([]byte); ok {
			return b, nil
		}

	case adapter.TypeDocument:
		switch x := v.(type) {
		case string:
			var doc any
			if err := json.Unmarshal([]byte(x), &doc); err != nil {
				return nil, fmt.Errorf("column %s: invalid JSON document: %w", col.Name, err)
			}
			return doc, nil
		default:
			return x, nil
		}
	}

	return nil, fmt.Errorf("column %s: cannot convert %T to %s", col.Name, v, col.Type)
}
