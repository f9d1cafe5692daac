package viewmodel

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/contractlens/backend/model"
)

// ErrMalformedRecord is returned by Decode when the payload is not JSON
var ErrMalformedRecord = errors.New("contract record is not valid JSON")

// Record is a contract payload as delivered by the extraction backend.
// Only the shapes are resolved here; no normalization has happened yet.
type Record struct {
	// Fields holds the six extracted fields keyed by model.Field* names.
	// Missing keys read as model.Absent.
	Fields map[string]model.Field
	// ConfidenceScores holds only the categories that carried a number
	ConfidenceScores map[string]float64
	Gaps             []string
	// Score is nil when the payload had no numeric score
	Score *float64
}

// Field returns the shape of the named field
func (r Record) Field(key string) model.Field {
	if f, ok := r.Fields[key]; ok && f != nil {
		return f
	}
	return model.Absent{}
}

// Decode parses a raw contract payload. Any well-formed JSON produces a
// record; a top level that is not an object reads as an empty record.
func Decode(data []byte) (Record, error) {
	if !json.Valid(data) {
		return Record{}, ErrMalformedRecord
	}

	rec := Record{
		Fields:           make(map[string]model.Field, len(model.FieldKeys)),
		ConfidenceScores: map[string]float64{},
		Gaps:             []string{},
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return rec, nil
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &top); err != nil {
		return Record{}, ErrMalformedRecord
	}

	for _, key := range model.FieldKeys {
		rec.Fields[key] = model.ParseField(top[key])
	}

	if obj, ok := model.ParseField(top["confidence_scores"]).(model.Object); ok {
		for _, m := range obj.Members {
			if v, ok := numeric(m.Value); ok {
				rec.ConfidenceScores[m.Key] = v
			}
		}
	}

	if seq, ok := model.ParseField(top["gaps"]).(model.Sequence); ok {
		for _, item := range seq.Items {
			if text, ok := gapText(item); ok {
				rec.Gaps = append(rec.Gaps, text)
			}
		}
	}

	if v, ok := numeric(top["score"]); ok {
		rec.Score = &v
	}

	return rec, nil
}

// FromExtraction builds a record from a stored extraction
func FromExtraction(e *model.Extraction) Record {
	rec := Record{
		Fields:           make(map[string]model.Field, len(model.FieldKeys)),
		ConfidenceScores: map[string]float64{},
		Gaps:             []string{},
	}
	if e == nil {
		return rec
	}

	rec.Fields = e.Fields()
	for k, v := range e.ConfidenceScores {
		rec.ConfidenceScores[k] = v
	}
	rec.Gaps = append(rec.Gaps, e.Gaps...)
	score := e.Score
	rec.Score = &score
	return rec
}

// numeric reads a JSON number, or a string holding one
func numeric(raw json.RawMessage) (float64, bool) {
	p, ok := model.ParseField(raw).(model.Primitive)
	if !ok {
		return 0, false
	}
	switch p.Kind {
	case model.PrimitiveNumber:
		return p.Num, true
	case model.PrimitiveString:
		v, err := strconv.ParseFloat(strings.TrimSpace(p.Str), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

// gapText keeps strings verbatim and renders anything else compactly.
// Nulls are dropped.
func gapText(raw json.RawMessage) (string, bool) {
	switch f := model.ParseField(raw).(type) {
	case model.Primitive:
		return f.String(), true
	case model.Object, model.Sequence:
		return compactJSON(raw), true
	}
	return "", false
}
