package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Field is the shape of one extracted contract value. It is always one of
// Absent, Object, Sequence or Primitive; use MatchField to branch on it.
type Field interface {
	isField()
}

// Absent is a missing or null value
type Absent struct{}

// Member is one key of an Object. Value is the raw JSON of the entry.
type Member struct {
	Key   string
	Value json.RawMessage
}

// Object is a JSON object with its keys in source order
type Object struct {
	Members []Member
}

// Sequence is a JSON array
type Sequence struct {
	Items []json.RawMessage
}

type PrimitiveKind int

const (
	PrimitiveString PrimitiveKind = iota
	PrimitiveNumber
	PrimitiveBool
)

// Primitive is a string, number or boolean scalar
type Primitive struct {
	Kind PrimitiveKind
	Str  string
	Num  float64
	Bool bool
}

func (Absent) isField()    {}
func (Object) isField()    {}
func (Sequence) isField()  {}
func (Primitive) isField() {}

// FieldCases handles every Field variant. Implementations must cover all
// four shapes, so adding a variant breaks every caller at compile time.
type FieldCases[T any] interface {
	Absent() T
	Object(Object) T
	Sequence(Sequence) T
	Primitive(Primitive) T
}

// MatchField dispatches f to the case for its variant. A nil Field is Absent.
func MatchField[T any](f Field, cases FieldCases[T]) T {
	switch v := f.(type) {
	case Object:
		return cases.Object(v)
	case Sequence:
		return cases.Sequence(v)
	case Primitive:
		return cases.Primitive(v)
	default:
		return cases.Absent()
	}
}

// ParseField classifies raw JSON into a Field. Empty input, null and
// anything that fails to parse are Absent.
func ParseField(raw json.RawMessage) Field {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Absent{}
	}

	switch raw[0] {
	case '{':
		obj, err := parseObject(raw)
		if err != nil {
			return Absent{}
		}
		return obj
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return Absent{}
		}
		return Sequence{Items: items}
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Absent{}
		}
		return Primitive{Kind: PrimitiveString, Str: s}
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Absent{}
		}
		return Primitive{Kind: PrimitiveBool, Bool: b}
	case 'n':
		return Absent{}
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return Absent{}
	}
	return Primitive{Kind: PrimitiveNumber, Num: n}
}

// parseObject decodes a JSON object keeping key order. A repeated key keeps
// its first position and its last value.
func parseObject(raw []byte) (Object, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return Object{}, err
	}

	obj := Object{Members: []Member{}}
	index := make(map[string]int)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Object{}, err
		}
		key, ok := tok.(string)
		if !ok {
			return Object{}, fmt.Errorf("unexpected object key %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return Object{}, err
		}
		if i, seen := index[key]; seen {
			obj.Members[i].Value = value
			continue
		}
		index[key] = len(obj.Members)
		obj.Members = append(obj.Members, Member{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return Object{}, err
	}
	return obj, nil
}

// String renders the scalar for display
func (p Primitive) String() string {
	switch p.Kind {
	case PrimitiveNumber:
		return FormatNumber(p.Num)
	case PrimitiveBool:
		return strconv.FormatBool(p.Bool)
	default:
		return p.Str
	}
}

// Truthy reports whether the scalar counts as present: a non-empty string,
// a non-zero number or true.
func (p Primitive) Truthy() bool {
	switch p.Kind {
	case PrimitiveNumber:
		return p.Num != 0 && !math.IsNaN(p.Num)
	case PrimitiveBool:
		return p.Bool
	default:
		return p.Str != ""
	}
}

// FormatNumber prints n without a trailing fraction when it is integral,
// switching to exponent notation only for very large or very small values.
func FormatNumber(n float64) string {
	abs := math.Abs(n)
	if abs != 0 && (abs >= 1e21 || abs < 1e-6) {
		return strconv.FormatFloat(n, 'g', -1, 64)
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}
