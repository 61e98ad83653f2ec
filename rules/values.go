package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// normalizeRuleValue converts a raw rule value (typically decoded from
// JSON or loaded from storage) to the Go type the evaluator expects for
// the field type and operator
func normalizeRuleValue(rc RuleConstant, op Operator, raw any) (any, error) {
	if raw == nil {
		return nil, fmt.Errorf("value is required")
	}

	switch {
	case op == OpInLastDays || op == OpInNextDays:
		days, err := toNumber(raw)
		if err != nil {
			return nil, err
		}
		if days < 0 {
			return nil, fmt.Errorf("day count must not be negative")
		}
		return days, nil
	case rc.Type == TypeText && op == OpIn,
		rc.Type == TypeTextList && (op == OpContainsAny || op == OpContainsAll):
		list, err := toStringList(raw)
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("list value must not be empty")
		}
		return list, nil
	}

	switch rc.Type {
	case TypeNumber:
		return toNumber(raw)
	case TypeDate:
		return toDate(raw)
	case TypeText, TypeTextList:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %T", raw)
		}
		return s, nil
	case TypeBool:
		return toBool(raw)
	default:
		return nil, fmt.Errorf("unsupported field type %q", rc.Type)
	}
}

// coerceItemValue reads an item field as the declared type
func coerceItemValue(t ValueType, raw any) (any, error) {
	switch t {
	case TypeNumber:
		return toNumber(raw)
	case TypeDate:
		return toDate(raw)
	case TypeText:
		switch v := raw.(type) {
		case string:
			return v, nil
		case fmt.Stringer:
			return v.String(), nil
		}
		return nil, fmt.Errorf("expected a string, got %T", raw)
	case TypeTextList:
		return toStringList(raw)
	case TypeBool:
		return toBool(raw)
	default:
		return nil, fmt.Errorf("unsupported field type %q", t)
	}
}

func toNumber(raw any) (float64, error) {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int8:
		f = float64(v)
	case int16:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint:
		f = float64(v)
	case uint8:
		f = float64(v)
	case uint16:
		f = float64(v)
	case uint32:
		f = float64(v)
	case uint64:
		f = float64(v)
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", v)
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", v)
		}
		f = n
	default:
		return 0, fmt.Errorf("expected a number, got %T", raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("number must be finite")
	}
	return f, nil
}

// toDate normalizes every accepted date form to a UTC instant
func toDate(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), nil
	case *time.Time:
		if v == nil {
			return time.Time{}, fmt.Errorf("date is nil")
		}
		return v.UTC(), nil
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("invalid date %q", v)
	case int, int32, int64, float64, json.Number:
		secs, err := toNumber(v)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(int64(secs), 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("expected a date, got %T", raw)
	}
}

func toStringList(raw any) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for i, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("list element %d: expected a string, got %T", i, e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list of strings, got %T", raw)
	}
}

func toBool(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("invalid boolean %q", v)
		}
		return b, nil
	default:
		return false, fmt.Errorf("expected a boolean, got %T", raw)
	}
}
