package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ValueKind tags the native type carried by a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindNumber
	KindInteger
	KindBoolean
	KindString
)

// Value is the tagged scalar carried at the dynamic-payload boundary: a
// device property's measured value, or a coerced action field. Keeping a
// tagged union here (rather than bare `any`) lets SimulatedDevice dispatch on
// a device's native kind without repeated type assertions, per the
// descriptor/measurement contract in spec §3/§4.2.
type Value struct {
	kind ValueKind
	num  float64
	i    int64
	b    bool
	s    string
}

func Null() Value                 { return Value{kind: KindNull} }
func Number(v float64) Value      { return Value{kind: KindNumber, num: v} }
func Integer(v int64) Value       { return Value{kind: KindInteger, i: v} }
func Boolean(v bool) Value        { return Value{kind: KindBoolean, b: v} }
func String(v string) Value       { return Value{kind: KindString, s: v} }

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

// Float64 returns the value coerced to float64 for numeric/integer kinds,
// and 0 otherwise.
func (v Value) Float64() float64 {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindInteger:
		return float64(v.i)
	default:
		return 0
	}
}

func (v Value) Int64() int64 {
	switch v.kind {
	case KindInteger:
		return v.i
	case KindNumber:
		return int64(v.num)
	default:
		return 0
	}
}

func (v Value) Bool() bool { return v.kind == KindBoolean && v.b }

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindNumber:
		return fmt.Sprintf("%g", v.num)
	case KindInteger:
		return fmt.Sprintf("%d", v.i)
	case KindBoolean:
		return fmt.Sprintf("%t", v.b)
	default:
		return ""
	}
}

// FromAny coerces a decoded JSON value (bool/float64/string/nil; json.Number
// when a decoder uses UseNumber) into a Value, following the coercion order
// bool -> int -> string -> numeric described in spec §4.2 step 2.
func FromAny(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Boolean(t)
	case string:
		return String(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Integer(i)
		}
		f, _ := t.Float64()
		return Number(f)
	case float64:
		if t == float64(int64(t)) {
			return Integer(int64(t))
		}
		return Number(t)
	case int:
		return Integer(int64(t))
	case int64:
		return Integer(t)
	default:
		return Null()
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		return json.Marshal(v.num)
	case KindInteger:
		return json.Marshal(v.i)
	case KindBoolean:
		return json.Marshal(v.b)
	case KindString:
		return json.Marshal(v.s)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*v = Null()
		return nil
	}
	if bytes.Equal(data, []byte("true")) {
		*v = Boolean(true)
		return nil
	}
	if bytes.Equal(data, []byte("false")) {
		*v = Boolean(false)
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
		return nil
	}
	var i int64
	if err := json.Unmarshal(data, &i); err == nil {
		*v = Integer(i)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("model: cannot decode value from %q: %w", data, err)
	}
	*v = Number(f)
	return nil
}
