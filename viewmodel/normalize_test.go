package viewmodel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contractlens/backend/model"
)

func ptr(v float64) *float64 { return &v }

func values(entries []FieldEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Value == nil {
			out = append(out, "<nil>")
			continue
		}
		out = append(out, *e.Value)
	}
	return out
}

func mustDecode(t *testing.T, payload string) Record {
	t.Helper()
	rec, err := Decode([]byte(payload))
	require.NoError(t, err)
	return rec
}

func TestNormalizeConfidence(t *testing.T) {
	tests := []struct {
		name    string
		v       float64
		present bool
		want    float64
	}{
		{"absent", 0.7, false, 0},
		{"fraction", 0.42, true, 0.42},
		{"exactly one", 1, true, 1},
		{"percentage", 85, true, 0.85},
		{"full percentage", 100, true, 1},
		{"above hundred clamps", 250, true, 1},
		{"negative clamps", -0.3, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeConfidence(tt.v, tt.present)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

func TestBuildFieldEntriesMissingShapes(t *testing.T) {
	for _, raw := range []string{"", "null", "{}", "[]"} {
		t.Run("raw="+raw, func(t *testing.T) {
			entries := BuildFieldEntries(model.ParseField(json.RawMessage(raw)), 0.5)
			require.Len(t, entries, 1)
			assert.True(t, entries[0].IsMissing)
			assert.Nil(t, entries[0].Value)
			assert.Equal(t, 50, entries[0].Confidence)
		})
	}
}

func TestBuildFieldEntriesObject(t *testing.T) {
	entries := BuildFieldEntries(model.ParseField(json.RawMessage(`{"a":1,"b":2}`)), 0.5)

	require.Len(t, entries, 2)
	assert.Equal(t, []string{"a: 1", "b: 2"}, values(entries))
	for _, e := range entries {
		assert.Equal(t, 50, e.Confidence)
		assert.False(t, e.IsMissing)
	}
}

func TestBuildFieldEntriesObjectNestedValues(t *testing.T) {
	raw := `{"billing":{"city":"Austin","zip":"78701"},"contacts":["a","b"],"active":true,"note":null,"name":"ACME"}`
	entries := BuildFieldEntries(model.ParseField(json.RawMessage(raw)), 0.8)

	assert.Equal(t, []string{
		"billing: {\n  \"city\": \"Austin\",\n  \"zip\": \"78701\"\n}",
		"contacts: [\n  \"a\",\n  \"b\"\n]",
		"active: true",
		"note: null",
		"name: ACME",
	}, values(entries))
}

func TestBuildFieldEntriesObjectUnusualValues(t *testing.T) {
	raw := `{"cap":1e400,"owner":{"name":"Jos\u00e9","tags":["a\u0026b",[]]},"terms":[{"id":1e400}]}`
	entries := BuildFieldEntries(model.ParseField(json.RawMessage(raw)), 0.8)

	assert.Equal(t, []string{
		"cap: 1e400",
		"owner: {\n  \"name\": \"José\",\n  \"tags\": [\n    \"a&b\",\n    []\n  ]\n}",
		"terms: [\n  {\n    \"id\": 1e400\n  }\n]",
	}, values(entries))

	seq := BuildFieldEntries(model.ParseField(json.RawMessage(`[1e400, {"city":"M\u00fcnchen"}]`)), 0.8)
	assert.Equal(t, []string{"1e400", `{"city":"München"}`}, values(seq))
}

func TestBuildFieldEntriesSequence(t *testing.T) {
	entries := BuildFieldEntries(model.ParseField(json.RawMessage(`[1,2,3]`)), 0.9)

	require.Len(t, entries, 3)
	assert.Equal(t, []string{"1", "2", "3"}, values(entries))
	for _, e := range entries {
		assert.Equal(t, 90, e.Confidence)
	}

	mixed := BuildFieldEntries(model.ParseField(json.RawMessage(`["99.9% uptime", {"response": "4h"}, null]`)), 0.9)
	assert.Equal(t, []string{"99.9% uptime", `{"response":"4h"}`, "null"}, values(mixed))
}

func TestBuildFieldEntriesPrimitive(t *testing.T) {
	entries := BuildFieldEntries(model.ParseField(json.RawMessage(`"Net 30"`)), 0.25)
	require.Len(t, entries, 1)
	assert.Equal(t, "Net 30", *entries[0].Value)
	assert.Equal(t, 25, entries[0].Confidence)
}

func TestBuildFieldEntriesPercentInput(t *testing.T) {
	entries := BuildFieldEntries(model.ParseField(json.RawMessage(`"x"`)), 87.6)
	assert.Equal(t, 88, entries[0].Confidence)

	entries = BuildFieldEntries(model.Absent{}, 140)
	assert.Equal(t, 100, entries[0].Confidence)
}

func TestResolveCategoriesFallback(t *testing.T) {
	resolved := ResolveCategories(map[string]float64{}, ptr(0.8))

	require.Len(t, resolved, len(model.Categories))
	for _, key := range model.Categories {
		assert.InDelta(t, 0.8, resolved[key], 1e-9, key)
	}

	resolved = ResolveCategories(nil, ptr(72))
	for _, key := range model.Categories {
		assert.InDelta(t, 0.72, resolved[key], 1e-9, key)
	}
}

func TestResolveCategoriesNoFallback(t *testing.T) {
	scores := map[string]float64{model.CategoryFinancialCompleteness: 0.6}

	for _, score := range []*float64{nil, ptr(0), ptr(0.9), ptr(95)} {
		resolved := ResolveCategories(scores, score)
		assert.InDelta(t, 0.6, resolved[model.CategoryFinancialCompleteness], 1e-9)
		for _, key := range model.Categories[1:] {
			assert.Zero(t, resolved[key], key)
		}
	}
}

func TestResolveCategoriesZeroScore(t *testing.T) {
	resolved := ResolveCategories(map[string]float64{}, ptr(0))
	for _, key := range model.Categories {
		assert.Zero(t, resolved[key])
	}
}

func TestNormalizeTotalScore(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    int
	}{
		{"percentage score", `{"score": 45}`, 45},
		{"fraction score", `{"score": 0.45}`, 45},
		{"string score", `{"score": "72.4"}`, 72},
		{"above range clamps", `{"score": 180}`, 100},
		{
			name: "absent score averages categories",
			payload: `{"confidence_scores": {
				"financial_completeness": 0.2,
				"party_identification": 0.4,
				"payment_terms_clarity": 0.6,
				"sla_definition": 0.8,
				"contact_information": 1.0}}`,
			want: 60,
		},
		{"absent everything", `{}`, 0},
		{"present zero stays zero", `{"score": 0, "confidence_scores": {"financial_completeness": 0.9}}`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := Normalize(mustDecode(t, tt.payload))
			assert.Equal(t, tt.want, vm.TotalScore)
		})
	}
}

func TestNormalizeSections(t *testing.T) {
	rec := mustDecode(t, `{
		"party_identification": {"name": "ACME Corp", "counterparty": "Globex"},
		"account_information": {"billing": "123 Main St"},
		"financial_details": {"total": 1000},
		"payment_structure": "Net 30",
		"revenue_classification": {"type": "recurring"},
		"service_level_agreements": ["99.9% uptime", "4h response"],
		"confidence_scores": {
			"party_identification": 0.9,
			"contact_information": 70,
			"financial_completeness": 0.8,
			"payment_terms_clarity": 0.5,
			"sla_definition": 0.65
		},
		"gaps": ["Missing termination clause"],
		"score": 74.5
	}`)

	vm := Normalize(rec)

	require.Len(t, vm.Sections, 6)
	keys := make([]string, 0, len(vm.Sections))
	for _, s := range vm.Sections {
		keys = append(keys, s.Key)
	}
	assert.Equal(t, []string{
		SectionParties,
		SectionAccountInformation,
		SectionFinancialDetails,
		SectionPaymentStructure,
		SectionRevenueClassification,
		SectionServiceLevelAgreements,
	}, keys)

	parties, ok := vm.Section(SectionParties)
	require.True(t, ok)
	assert.Equal(t, "Parties", parties.Label)
	assert.Equal(t, []string{"name: ACME Corp", "counterparty: Globex"}, values(parties.Fields))
	assert.Equal(t, 90, parties.Fields[0].Confidence)

	account, _ := vm.Section(SectionAccountInformation)
	assert.Equal(t, 70, account.Fields[0].Confidence)

	financial, _ := vm.Section(SectionFinancialDetails)
	assert.Equal(t, []string{"total: 1000"}, values(financial.Fields))
	assert.Equal(t, 80, financial.Fields[0].Confidence)

	payment, _ := vm.Section(SectionPaymentStructure)
	assert.Equal(t, []string{"Net 30"}, values(payment.Fields))
	assert.Equal(t, 50, payment.Fields[0].Confidence)

	revenue, _ := vm.Section(SectionRevenueClassification)
	assert.Equal(t, 0, revenue.Fields[0].Confidence)

	sla, _ := vm.Section(SectionServiceLevelAgreements)
	require.Len(t, sla.Fields, 2)
	assert.Equal(t, 65, sla.Fields[1].Confidence)

	assert.Equal(t, 75, vm.TotalScore)
	assert.Equal(t, []string{"Missing termination clause"}, vm.Gaps)

	_, ok = vm.Section("unknown")
	assert.False(t, ok)
}

func TestNormalizeSLASkipsFallback(t *testing.T) {
	vm := Normalize(mustDecode(t, `{"service_level_agreements": {"uptime": "99.9"}, "confidence_scores": {}, "score": 0.8}`))

	parties, _ := vm.Section(SectionParties)
	assert.Equal(t, 80, parties.Fields[0].Confidence)
	assert.True(t, parties.Fields[0].IsMissing)

	sla, _ := vm.Section(SectionServiceLevelAgreements)
	require.Len(t, sla.Fields, 1)
	assert.Equal(t, "uptime: 99.9", *sla.Fields[0].Value)
	assert.Equal(t, 0, sla.Fields[0].Confidence)
}

func TestNormalizeSLAPercentPassthrough(t *testing.T) {
	vm := Normalize(mustDecode(t, `{"service_level_agreements": "Gold tier", "confidence_scores": {"sla_definition": 85}}`))

	sla, _ := vm.Section(SectionServiceLevelAgreements)
	assert.Equal(t, 85, sla.Fields[0].Confidence)
}

func TestNormalizeEmptyRecord(t *testing.T) {
	for _, payload := range []string{`{}`, `[]`, `"text"`, `null`, `42`} {
		t.Run(payload, func(t *testing.T) {
			vm := Normalize(mustDecode(t, payload))

			require.Len(t, vm.Sections, 6)
			for _, s := range vm.Sections {
				require.Len(t, s.Fields, 1, s.Key)
				assert.True(t, s.Fields[0].IsMissing)
				assert.Nil(t, s.Fields[0].Value)
				assert.Equal(t, 0, s.Fields[0].Confidence)
			}
			assert.Equal(t, 0, vm.TotalScore)
			assert.NotNil(t, vm.Gaps)
			assert.Empty(t, vm.Gaps)
		})
	}
}

func TestNormalizeZeroValueRecord(t *testing.T) {
	vm := Normalize(Record{})

	require.Len(t, vm.Sections, 6)
	assert.NotNil(t, vm.Gaps)
	assert.Equal(t, 0, vm.TotalScore)
}

func TestNormalizeGapsJSON(t *testing.T) {
	vm := Normalize(mustDecode(t, `{"gaps": []}`))

	out, err := json.Marshal(vm)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"gaps":[]`)
	assert.Contains(t, string(out), `"value":null`)
}

func TestNormalizeIsDeterministic(t *testing.T) {
	payload := `{
		"party_identification": {"b": 2, "a": {"nested": [1, 2]}},
		"service_level_agreements": [1, "two", {"three": 3}],
		"confidence_scores": {"party_identification": 0.33},
		"gaps": ["x", "y"]
	}`

	first, err := json.Marshal(Normalize(mustDecode(t, payload)))
	require.NoError(t, err)
	second, err := json.Marshal(Normalize(mustDecode(t, payload)))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
