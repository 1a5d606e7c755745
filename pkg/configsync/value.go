// Package configsync propagates versioned configuration items across
// the mesh with checksummed causal ordering per key and pluggable
// conflict resolution.
package configsync

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ValueKind tags a configuration value
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is a tagged JSON value. Modelling the shape explicitly (rather
// than interface{}) keeps canonicalization and equality total.
type Value struct {
	Kind   ValueKind
	Bool   bool
	Number float64
	Str    string
	Array  []Value
	Object map[string]Value
}

// Null returns the null value
func Null() Value { return Value{Kind: KindNull} }

// BoolValue wraps a bool
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// NumberValue wraps a number
func NumberValue(n float64) Value { return Value{Kind: KindNumber, Number: n} }

// StringValue wraps a string
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// ArrayValue wraps a slice
func ArrayValue(items ...Value) Value { return Value{Kind: KindArray, Array: items} }

// ObjectValue wraps a map
func ObjectValue(fields map[string]Value) Value { return Value{Kind: KindObject, Object: fields} }

// MarshalJSON renders the tagged value as plain JSON
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.Bool)
	case KindNumber:
		return json.Marshal(v.Number)
	case KindString:
		return json.Marshal(v.Str)
	case KindArray:
		if v.Array == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.Array)
	case KindObject:
		if v.Object == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.Object)
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.Kind)
	}
}

// UnmarshalJSON parses plain JSON into the tagged form
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*v = Null()
		return nil
	}

	switch trimmed[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case '[':
		var items []Value
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*v = Value{Kind: KindArray, Array: items}
	case '{':
		var fields map[string]Value
		if err := json.Unmarshal(data, &fields); err != nil {
			return err
		}
		*v = Value{Kind: KindObject, Object: fields}
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*v = NumberValue(n)
	}
	return nil
}

// Canonical renders the value as deterministic JSON: object keys
// sorted, numbers in shortest round-trip form. The same representation
// feeds every checksum in the mesh.
func (v Value) Canonical() string {
	var sb strings.Builder
	v.canonicalTo(&sb)
	return sb.String()
}

func (v Value) canonicalTo(sb *strings.Builder) {
	switch v.Kind {
	case KindNull:
		sb.WriteString("null")
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.Bool))
	case KindNumber:
		sb.WriteString(strconv.FormatFloat(v.Number, 'g', -1, 64))
	case KindString:
		data, _ := json.Marshal(v.Str)
		sb.Write(data)
	case KindArray:
		sb.WriteByte('[')
		for i, item := range v.Array {
			if i > 0 {
				sb.WriteByte(',')
			}
			item.canonicalTo(sb)
		}
		sb.WriteByte(']')
	case KindObject:
		keys := make([]string, 0, len(v.Object))
		for k := range v.Object {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			data, _ := json.Marshal(k)
			sb.Write(data)
			sb.WriteByte(':')
			v.Object[k].canonicalTo(sb)
		}
		sb.WriteByte('}')
	}
}

// Equal compares two values structurally via their canonical form
func (v Value) Equal(other Value) bool {
	return v.Canonical() == other.Canonical()
}
