// Package scoring derives per-category confidence and gaps from an
// extraction and rolls them up into a weighted 0-100 contract score.
package scoring

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/contractlens/backend/model"
)

// Weights gives each confidence category its share of the 100 point score
var Weights = map[string]float64{
	model.CategoryFinancialCompleteness: 30,
	model.CategoryPartyIdentification:   25,
	model.CategoryPaymentTermsClarity:   20,
	model.CategorySLADefinition:         15,
	model.CategoryContactInformation:    10,
}

// categoryFields maps each category to the extracted field it is judged on
var categoryFields = map[string]string{
	model.CategoryFinancialCompleteness: model.FieldFinancialDetails,
	model.CategoryPartyIdentification:   model.FieldPartyIdentification,
	model.CategoryPaymentTermsClarity:   model.FieldPaymentStructure,
	model.CategorySLADefinition:         model.FieldServiceLevelAgreements,
	model.CategoryContactInformation:    model.FieldAccountInformation,
}

const (
	stringPresence = 0.9
	otherPresence  = 0.8
)

// Compute returns the weighted score for the given category confidences,
// rounded to two decimals. Missing categories count as zero.
func Compute(confidences map[string]float64) float64 {
	var score float64
	for _, key := range model.Categories {
		score += confidences[key] * Weights[key]
	}
	return roundTo(score, 2)
}

// Derive scores each category from the shape of its field and lists the
// fields that are missing outright. A confidence reported by the model for
// a category wins when it is higher than the derived one.
func Derive(fields map[string]model.Field, reported map[string]float64) (map[string]float64, []string) {
	scores := make(map[string]float64, len(model.Categories))
	gaps := []string{}

	for _, category := range model.Categories {
		fieldKey := categoryFields[category]
		field, ok := fields[fieldKey]
		if !ok || field == nil {
			field = model.Absent{}
		}

		judged := model.MatchField[judgement](field, presence{})
		if judged.gap {
			gaps = append(gaps, fieldKey)
		}

		final := judged.score
		if v, ok := reported[category]; ok && !math.IsNaN(v) {
			final = math.Max(final, v)
		}
		scores[category] = roundTo(math.Max(0, math.Min(1, final)), 3)
	}

	return scores, gaps
}

// Assemble turns the merged model output into a scored extraction.
// Reported confidences override derived ones key by key; derived gaps
// replace reported gaps unless none were found.
func Assemble(raw map[string]json.RawMessage) *model.Extraction {
	ext := &model.Extraction{}
	for _, key := range model.FieldKeys {
		if v, ok := raw[key]; ok {
			ext.SetField(key, v)
		}
	}

	reported := reportedConfidences(raw["confidence_scores"])
	derived, gaps := Derive(ext.Fields(), reported)

	merged := make(map[string]float64, len(derived)+len(reported))
	for k, v := range derived {
		merged[k] = v
	}
	for k, v := range reported {
		merged[k] = v
	}
	ext.ConfidenceScores = merged

	if len(gaps) > 0 {
		ext.Gaps = gaps
	} else {
		ext.Gaps = reportedGaps(raw["gaps"])
	}

	ext.Score = Compute(merged)
	return ext
}

type judgement struct {
	score float64
	gap   bool
}

// presence judges how complete a field looks from its shape alone
type presence struct{}

func (presence) Absent() judgement {
	return judgement{gap: true}
}

func (presence) Object(obj model.Object) judgement {
	if len(obj.Members) == 0 {
		return judgement{gap: true}
	}
	filled := 0
	for _, m := range obj.Members {
		if !blank(model.ParseField(m.Value)) {
			filled++
		}
	}
	return judgement{score: math.Min(1, float64(filled)/float64(len(obj.Members)))}
}

func (presence) Sequence(seq model.Sequence) judgement {
	if len(seq.Items) == 0 {
		return judgement{}
	}
	return judgement{score: otherPresence}
}

func (presence) Primitive(p model.Primitive) judgement {
	if p.Kind == model.PrimitiveString {
		if strings.TrimSpace(p.Str) == "" {
			return judgement{}
		}
		return judgement{score: stringPresence}
	}
	if !p.Truthy() {
		return judgement{}
	}
	return judgement{score: otherPresence}
}

// blank reports null, "", [] and {}. Zero and false are real values.
func blank(f model.Field) bool {
	switch v := f.(type) {
	case model.Object:
		return len(v.Members) == 0
	case model.Sequence:
		return len(v.Items) == 0
	case model.Primitive:
		return v.Kind == model.PrimitiveString && v.Str == ""
	}
	return true
}

func reportedConfidences(raw json.RawMessage) map[string]float64 {
	out := map[string]float64{}
	obj, ok := model.ParseField(raw).(model.Object)
	if !ok {
		return out
	}
	for _, m := range obj.Members {
		p, ok := model.ParseField(m.Value).(model.Primitive)
		if ok && p.Kind == model.PrimitiveNumber {
			out[m.Key] = p.Num
		}
	}
	return out
}

func reportedGaps(raw json.RawMessage) []string {
	out := []string{}
	seq, ok := model.ParseField(raw).(model.Sequence)
	if !ok {
		return out
	}
	for _, item := range seq.Items {
		if p, ok := model.ParseField(item).(model.Primitive); ok && p.Kind == model.PrimitiveString {
			out = append(out, p.Str)
		}
	}
	return out
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
