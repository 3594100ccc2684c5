package kv

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"regexp"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MarshalJSON writes an object with the one member that is set, so empty
// containers keep their type. B is written as standard base64.
func (av AttributeValue) MarshalJSON() ([]byte, error) {
	var member string
	var value any
	switch {
	case av.S != nil:
		member, value = "S", *av.S
	case av.N != nil:
		member, value = "N", *av.N
	case av.B != nil:
		member, value = "B", base64.StdEncoding.EncodeToString(av.B)
	case av.BOOL != nil:
		member, value = "BOOL", *av.BOOL
	case av.NULL:
		member, value = "NULL", true
	case av.M != nil:
		member, value = "M", av.M
	case av.L != nil:
		member, value = "L", av.L
	case av.SS != nil:
		member, value = "SS", av.SS
	default:
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any{member: value})
}

// UnmarshalJSON reads the form written by MarshalJSON.
func (av *AttributeValue) UnmarshalJSON(b []byte) error {
	var members map[string]jsoniter.RawMessage
	if err := json.Unmarshal(b, &members); err != nil {
		return err
	}
	if len(members) > 1 {
		return fmt.Errorf("attribute value has %d members, want one", len(members))
	}
	*av = AttributeValue{}
	for member, raw := range members {
		var err error
		switch member {
		case "S":
			av.S = new(string)
			err = json.Unmarshal(raw, av.S)
		case "N":
			av.N = new(string)
			err = json.Unmarshal(raw, av.N)
		case "B":
			var encoded string
			if err = json.Unmarshal(raw, &encoded); err == nil {
				av.B, err = base64.StdEncoding.DecodeString(encoded)
			}
			if av.B == nil {
				av.B = []byte{}
			}
		case "BOOL":
			av.BOOL = new(bool)
			err = json.Unmarshal(raw, av.BOOL)
		case "NULL":
			err = json.Unmarshal(raw, &av.NULL)
		case "M":
			err = json.Unmarshal(raw, &av.M)
			if av.M == nil {
				av.M = map[string]AttributeValue{}
			}
		case "L":
			err = json.Unmarshal(raw, &av.L)
			if av.L == nil {
				av.L = []AttributeValue{}
			}
		case "SS":
			err = json.Unmarshal(raw, &av.SS)
			if av.SS == nil {
				av.SS = []string{}
			}
		default:
			err = fmt.Errorf("unknown attribute type %q", member)
		}
		if err != nil {
			return fmt.Errorf("failed to decode %s attribute: %w", member, err)
		}
	}
	return nil
}

// EncodeItem serializes item to the JSON stored in the engine. A nil item
// encodes to nil.
func EncodeItem(item Item) ([]byte, error) {
	if item == nil {
		return nil, nil
	}
	b, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to encode item: %w", err)
	}
	return b, nil
}

// DecodeItem parses an item written by EncodeItem. Empty input decodes to nil.
func DecodeItem(b []byte) (Item, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var item Item
	if err := json.Unmarshal(b, &item); err != nil {
		return nil, fmt.Errorf("failed to decode item: %w", err)
	}
	return item, nil
}

// canonicalKey renders a key attribute as the text the engine indexes on.
// Numbers are normalized so that "1.50" and "1.5" address the same item.
func canonicalKey(name string, av AttributeValue, t ScalarType) (string, error) {
	switch t {
	case TypeString:
		if av.S == nil || *av.S == "" {
			return "", fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidKey, name)
		}
		return *av.S, nil
	case TypeNumber:
		if av.N == nil {
			return "", fmt.Errorf("%w: %s must be a number", ErrInvalidKey, name)
		}
		return canonicalNumber(name, *av.N)
	case TypeBinary:
		if len(av.B) == 0 {
			return "", fmt.Errorf("%w: %s must be non-empty binary", ErrInvalidKey, name)
		}
		return base64.StdEncoding.EncodeToString(av.B), nil
	default:
		return "", fmt.Errorf("%w: unknown key type %q for %s", ErrInvalidKey, t, name)
	}
}

// decimalNumber is the only number syntax accepted. big.Float alone would
// also take hex, binary exponents, underscores, "Inf" and "NaN".
var decimalNumber = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// Binary exponents bounding magnitudes to roughly 1e-130 .. 1e126.
const (
	minNumberExp = -432
	maxNumberExp = 419
)

func canonicalNumber(name, n string) (string, error) {
	if !decimalNumber.MatchString(n) {
		return "", fmt.Errorf("%w: %s is not a decimal number: %q", ErrInvalidKey, name, n)
	}
	f, ok := new(big.Float).SetPrec(256).SetString(n)
	if !ok || f.IsInf() {
		return "", fmt.Errorf("%w: %s is not a valid number: %q", ErrInvalidKey, name, n)
	}
	if f.Sign() == 0 {
		return "0", nil
	}
	if exp := f.MantExp(nil); exp < minNumberExp || exp > maxNumberExp {
		return "", fmt.Errorf("%w: %s is out of range: %q", ErrInvalidKey, name, n)
	}
	return f.Text('f', -1), nil
}

// keyValue converts a canonical key back to its attribute value.
func keyValue(s string, t ScalarType) (AttributeValue, error) {
	switch t {
	case TypeNumber:
		return Number(s), nil
	case TypeBinary:
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return AttributeValue{}, fmt.Errorf("failed to decode binary key: %w", err)
		}
		return Binary(b), nil
	default:
		return String(s), nil
	}
}
