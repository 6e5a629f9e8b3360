package wallet

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Deterministic JSON Encoder
//
// The v2 signable message is the canonical serialization of the payload:
// object keys sorted at every depth, no insignificant whitespace, numbers
// as IEEE-754 doubles in their shortest round-trip form. Both the signer
// and the verifier must run this exact encoder — relying on a JSON
// library's default field ordering breaks signature recovery the moment
// the client and server disagree.

// Canonicalize re-encodes arbitrary JSON into its canonical byte form.
func Canonicalize(raw []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return appendCanonical(nil, v)
}

// CanonicalizeValue canonicalizes a Go value by round-tripping it through
// encoding/json first, so struct tags and omitempty apply.
func CanonicalizeValue(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Canonicalize(raw)
}

func appendCanonical(b []byte, v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(b, "null"...), nil
	case bool:
		if val {
			return append(b, "true"...), nil
		}
		return append(b, "false"...), nil
	case float64:
		return appendNumber(b, val)
	case string:
		escaped, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(b, escaped...), nil
	case []interface{}:
		b = append(b, '[')
		for i, item := range val {
			if i > 0 {
				b = append(b, ',')
			}
			var err error
			if b, err = appendCanonical(b, item); err != nil {
				return nil, err
			}
		}
		return append(b, ']'), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b = append(b, '{')
		for i, k := range keys {
			if i > 0 {
				b = append(b, ',')
			}
			escaped, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			b = append(b, escaped...)
			b = append(b, ':')
			if b, err = appendCanonical(b, val[k]); err != nil {
				return nil, err
			}
		}
		return append(b, '}'), nil
	default:
		return nil, fmt.Errorf("canonicalize: unsupported type %T", v)
	}
}

// appendNumber renders integral doubles without a decimal point and
// everything else with strconv's shortest round-trip formatting.
func appendNumber(b []byte, f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("canonicalize: non-finite number")
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.AppendInt(b, int64(f), 10), nil
	}
	return strconv.AppendFloat(b, f, 'g', -1, 64), nil
}

// FormatCoord renders a coordinate the way the v1 legacy message frames
// it: shortest decimal-point form that round-trips.
func FormatCoord(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
