package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nineking424/nificdc-sub004/pkg/mapping"
)

// CoerceToType converts value to the universal target type. A nil value
// stays nil for every type. Lossy or impossible conversions return an
// error rather than a zero value.
func CoerceToType(value interface{}, target mapping.UniversalType) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	switch target {
	case "":
		return value, nil
	case mapping.TypeString, mapping.TypeText:
		return coerceString(value)
	case mapping.TypeInteger, mapping.TypeLong:
		return coerceInt(value)
	case mapping.TypeFloat, mapping.TypeDouble, mapping.TypeDecimal:
		return coerceFloat(value)
	case mapping.TypeBoolean:
		return coerceBool(value)
	case mapping.TypeDate:
		t, err := coerceTime(value)
		if err != nil {
			return nil, err
		}
		return t.Truncate(24 * time.Hour), nil
	case mapping.TypeTime, mapping.TypeDatetime, mapping.TypeTimestamp:
		return coerceTime(value)
	case mapping.TypeBinary:
		return coerceBinary(value)
	case mapping.TypeJSON:
		return coerceObject(value)
	case mapping.TypeArray:
		return coerceArray(value)
	default:
		return nil, fmt.Errorf("unsupported target type %q", target)
	}
}

func coerceString(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case time.Time:
		return v.Format(time.RFC3339), nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10), nil
		}
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("cannot encode %T as string: %v", value, err)
		}
		return string(b), nil
	default:
		return fmt.Sprintf("%v", value), nil
	}
}

func coerceInt(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows integer", v)
		}
		return int64(v), nil
	case float32:
		return floatToInt(float64(v))
	case float64:
		return floatToInt(v)
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to integer", v)
		}
		return floatToInt(f)
	case time.Time:
		return v.UnixMilli(), nil
	default:
		return nil, fmt.Errorf("cannot convert %T to integer", value)
	}
}

func floatToInt(f float64) (interface{}, error) {
	if f != math.Trunc(f) {
		return nil, fmt.Errorf("value %v has a fractional part", f)
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return nil, fmt.Errorf("value %v overflows integer", f)
	}
	return int64(f), nil
}

func coerceFloat(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case bool:
		if v {
			return 1.0, nil
		}
		return 0.0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to float", v)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to float", value)
	}
}

func coerceBool(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "y", "on":
			return true, nil
		case "false", "0", "no", "n", "off", "":
			return false, nil
		}
		return nil, fmt.Errorf("cannot convert %q to boolean", v)
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to boolean", value)
	}
}

func coerceTime(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case int64:
		return unixTime(v), nil
	case int:
		return unixTime(int64(v)), nil
	case float64:
		return unixTime(int64(v)), nil
	case string:
		for _, layout := range dateInputFormats {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as a timestamp", v)
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to timestamp", value)
	}
}

func coerceBinary(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("cannot convert %T to binary", value)
	}
}

func coerceObject(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case map[string]interface{}:
		return v, nil
	case string:
		var out interface{}
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return nil, fmt.Errorf("cannot parse %q as JSON: %v", truncateForError(v), err)
		}
		return out, nil
	default:
		return value, nil
	}
}

func coerceArray(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case []interface{}:
		return v, nil
	case []string:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	case string:
		trimmed := strings.TrimSpace(v)
		if strings.HasPrefix(trimmed, "[") {
			var out []interface{}
			if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
				return nil, fmt.Errorf("cannot parse %q as array: %v", truncateForError(v), err)
			}
			return out, nil
		}
		return []interface{}{v}, nil
	default:
		return []interface{}{value}, nil
	}
}

func truncateForError(s string) string {
	const max = 64
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
