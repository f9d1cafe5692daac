// Package viewmodel turns a loosely typed contract record into the
// structure the detail view renders: per-section field rows with a
// confidence percentage, one total score and the list of gaps.
//
// Everything here is pure. Scores arrive either as fractions in [0,1] or
// as percentages in [0,100]; any value above 1 is read as a percentage.
package viewmodel

import (
	"encoding/json"
	"math"

	"github.com/contractlens/backend/model"
)

// Section keys in display order
const (
	SectionParties                = "parties"
	SectionAccountInformation     = "account_information"
	SectionFinancialDetails       = "financial_details"
	SectionPaymentStructure       = "payment_structure"
	SectionRevenueClassification  = "revenue_classification"
	SectionServiceLevelAgreements = "service_level_agreements"
)

// FieldEntry is one rendered row of a section
type FieldEntry struct {
	// Value is nil when the underlying field was missing
	Value      *string `json:"value"`
	Confidence int     `json:"confidence"`
	IsMissing  bool    `json:"is_missing"`
}

type Section struct {
	Key    string       `json:"key"`
	Label  string       `json:"label"`
	Fields []FieldEntry `json:"fields"`
}

// ViewModel is the fully resolved detail view of one contract
type ViewModel struct {
	Sections   []Section `json:"sections"`
	TotalScore int       `json:"total_score"`
	Gaps       []string  `json:"gaps"`
}

// Section looks up a section by key
func (vm ViewModel) Section(key string) (Section, bool) {
	for _, s := range vm.Sections {
		if s.Key == key {
			return s, true
		}
	}
	return Section{}, false
}

// confidenceSource picks the confidence value for a section from the
// resolved category fractions and the raw record
type confidenceSource func(categories map[string]float64, rec Record) float64

func category(key string) confidenceSource {
	return func(categories map[string]float64, _ Record) float64 {
		return categories[key]
	}
}

// rawSLA reads sla_definition straight from the record. Unlike the other
// sections it skips the uniform score fallback; consumers rely on that.
func rawSLA(_ map[string]float64, rec Record) float64 {
	return rec.ConfidenceScores[model.CategorySLADefinition]
}

func noConfidence(map[string]float64, Record) float64 { return 0 }

var sectionLayout = []struct {
	key        string
	label      string
	field      string
	confidence confidenceSource
}{
	{SectionParties, "Parties", model.FieldPartyIdentification, category(model.CategoryPartyIdentification)},
	{SectionAccountInformation, "Account Information", model.FieldAccountInformation, category(model.CategoryContactInformation)},
	{SectionFinancialDetails, "Financial Details", model.FieldFinancialDetails, category(model.CategoryFinancialCompleteness)},
	{SectionPaymentStructure, "Payment Structure", model.FieldPaymentStructure, category(model.CategoryPaymentTermsClarity)},
	{SectionRevenueClassification, "Revenue Classification", model.FieldRevenueClassification, noConfidence},
	{SectionServiceLevelAgreements, "Service Level Agreements", model.FieldServiceLevelAgreements, rawSLA},
}

// Normalize resolves a record into a view model. It never fails: missing
// or malformed parts degrade to missing rows and zero scores.
func Normalize(rec Record) ViewModel {
	categories := ResolveCategories(rec.ConfidenceScores, rec.Score)

	vm := ViewModel{
		Sections:   make([]Section, 0, len(sectionLayout)),
		TotalScore: totalScore(rec.Score, categories),
		Gaps:       make([]string, 0, len(rec.Gaps)),
	}
	vm.Gaps = append(vm.Gaps, rec.Gaps...)

	for _, layout := range sectionLayout {
		vm.Sections = append(vm.Sections, Section{
			Key:    layout.key,
			Label:  layout.label,
			Fields: BuildFieldEntries(rec.Field(layout.field), layout.confidence(categories, rec)),
		})
	}
	return vm
}

// NormalizeConfidence maps a raw confidence onto [0,1]. Values above 1 are
// percentages; a missing value is 0.
func NormalizeConfidence(v float64, present bool) float64 {
	if !present || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v /= 100
	}
	return clamp(v, 0, 1)
}

// ResolveCategories returns the fraction for each of the five categories.
// When none of them carries a positive value but the overall score does,
// every category takes the overall fraction.
func ResolveCategories(scores map[string]float64, score *float64) map[string]float64 {
	resolved := make(map[string]float64, len(model.Categories))
	var providedSum float64
	for _, key := range model.Categories {
		v, ok := scores[key]
		resolved[key] = NormalizeConfidence(v, ok)
		providedSum += resolved[key]
	}

	if providedSum != 0 {
		return resolved
	}

	var overall float64
	if score != nil {
		overall = NormalizeConfidence(*score, true)
	}
	if overall > 0 {
		for _, key := range model.Categories {
			resolved[key] = overall
		}
	}
	return resolved
}

// BuildFieldEntries flattens a field into display rows that all carry the
// same confidence. Absent, empty-object and empty-sequence fields yield a
// single missing row.
func BuildFieldEntries(f model.Field, confidence float64) []FieldEntry {
	return model.MatchField[[]FieldEntry](f, entryBuilder{confidence: percent(confidence)})
}

type entryBuilder struct {
	confidence int
}

func (b entryBuilder) missing() []FieldEntry {
	return []FieldEntry{{Confidence: b.confidence, IsMissing: true}}
}

func (b entryBuilder) entry(text string) FieldEntry {
	return FieldEntry{Value: &text, Confidence: b.confidence}
}

func (b entryBuilder) Absent() []FieldEntry {
	return b.missing()
}

func (b entryBuilder) Object(obj model.Object) []FieldEntry {
	if len(obj.Members) == 0 {
		return b.missing()
	}
	entries := make([]FieldEntry, 0, len(obj.Members))
	for _, m := range obj.Members {
		entries = append(entries, b.entry(m.Key+": "+memberText(m.Value)))
	}
	return entries
}

func (b entryBuilder) Sequence(seq model.Sequence) []FieldEntry {
	if len(seq.Items) == 0 {
		return b.missing()
	}
	entries := make([]FieldEntry, 0, len(seq.Items))
	for _, item := range seq.Items {
		entries = append(entries, b.entry(elementText(item)))
	}
	return entries
}

func (b entryBuilder) Primitive(p model.Primitive) []FieldEntry {
	return []FieldEntry{b.entry(p.String())}
}

// memberText renders an object member: nested objects and arrays as
// indented JSON, scalars as plain text.
func memberText(raw json.RawMessage) string {
	switch f := model.ParseField(raw).(type) {
	case model.Primitive:
		return f.String()
	case model.Object, model.Sequence:
		return indentedJSON(raw)
	}
	return rawText(raw)
}

// elementText renders a sequence element; composites stay on one line
func elementText(raw json.RawMessage) string {
	switch f := model.ParseField(raw).(type) {
	case model.Primitive:
		return f.String()
	case model.Object, model.Sequence:
		return compactJSON(raw)
	}
	return rawText(raw)
}

// totalScore reads the overall score as a percentage. Only when the record
// has no score at all does it fall back to the category average, so a real
// zero stays zero.
func totalScore(score *float64, categories map[string]float64) int {
	if score != nil {
		return percent(*score)
	}
	if len(categories) == 0 {
		return 0
	}

	var sum float64
	for _, key := range model.Categories {
		sum += categories[key]
	}
	return percent(sum / float64(len(model.Categories)))
}

// percent converts a fraction, or a value already above 1, to a whole
// percentage in [0,100]
func percent(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return int(clamp(round(v), 0, 100))
	}
	return int(clamp(round(v*100), 0, 100))
}

// round rounds half up, matching how scores are rounded for display
func round(v float64) float64 {
	return math.Floor(v + 0.5)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
