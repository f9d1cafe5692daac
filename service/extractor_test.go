package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/contractlens/backend/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatCompletion(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "llama-3.1-8b-instant",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	}
}

// newLLMServer answers each chat completion with reply(prompt)
func newLLMServer(t *testing.T, reply func(prompt string) string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req struct {
			Model       string  `json:"model"`
			Temperature float64 `json:"temperature"`
			Messages    []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) || !assert.Len(t, req.Messages, 1) {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		assert.Equal(t, "llama-3.1-8b-instant", req.Model)
		assert.InDelta(t, 0.7, req.Temperature, 1e-9)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatCompletion(reply(req.Messages[0].Content)))
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func testLLMConfig(baseURL string) *config.LLMConfig {
	return &config.LLMConfig{
		BaseURL:        baseURL + "/",
		APIKey:         "test-key",
		Model:          "llama-3.1-8b-instant",
		Temperature:    0.7,
		TimeoutSeconds: 10,
	}
}

func TestExtractorMergesFieldGroups(t *testing.T) {
	server, calls := newLLMServer(t, func(prompt string) string {
		if strings.Contains(prompt, "party_identification, account_information, financial_details") {
			return "```json\n" + `{
				"party_identification": {"customer": "Acme Corp", "vendor": "Globex"},
				"account_information": null,
				"financial_details": {"total_value": 120000},
				"confidence_scores": {"party_identification": 0.9, "financial_completeness": 0.7},
				"gaps": ["Missing account contact"]
			}` + "\n```"
		}
		return `Here is the data: {
			"payment_structure": {"terms": "Net 30"},
			"revenue_classification": "recurring",
			"service_level_agreements": [],
			"confidence_scores": {"payment_terms_clarity": 0.8},
			"gaps": ["Missing account contact", "No SLA defined"]
		}`
	})

	ex := NewExtractor(testLLMConfig(server.URL))
	raw, err := ex.Extract(context.Background(), "MASTER SERVICES AGREEMENT between Acme Corp and Globex")
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())

	assert.JSONEq(t, `{"customer": "Acme Corp", "vendor": "Globex"}`, string(raw["party_identification"]))
	assert.JSONEq(t, `null`, string(raw["account_information"]))
	assert.JSONEq(t, `"recurring"`, string(raw["revenue_classification"]))
	assert.JSONEq(t, `{"party_identification": 0.9, "financial_completeness": 0.7, "payment_terms_clarity": 0.8}`,
		string(raw["confidence_scores"]))
	assert.JSONEq(t, `["Missing account contact", "No SLA defined"]`, string(raw["gaps"]))
}

func TestExtractorTruncatesInput(t *testing.T) {
	var longest atomic.Int32
	server, _ := newLLMServer(t, func(prompt string) string {
		idx := strings.Index(prompt, "Contract text:\n")
		body := strings.TrimSpace(prompt[idx+len("Contract text:\n"):])
		longest.Store(int32(len(body)))
		return `{}`
	})

	cfg := testLLMConfig(server.URL)
	cfg.MaxInputChars = 10
	_, err := NewExtractor(cfg).Extract(context.Background(), strings.Repeat("x", 500))
	require.NoError(t, err)
	assert.EqualValues(t, 10, longest.Load())
}

func TestExtractorErrors(t *testing.T) {
	t.Run("no api key", func(t *testing.T) {
		cfg := testLLMConfig("http://127.0.0.1:1")
		cfg.APIKey = ""
		_, err := NewExtractor(cfg).Extract(context.Background(), "text")
		assert.ErrorIs(t, err, ErrLLMNotConfigured)
	})

	t.Run("empty reply", func(t *testing.T) {
		server, _ := newLLMServer(t, func(string) string { return "  " })
		_, err := NewExtractor(testLLMConfig(server.URL)).Extract(context.Background(), "text")
		assert.ErrorIs(t, err, ErrEmptyCompletion)
	})

	t.Run("no json", func(t *testing.T) {
		server, _ := newLLMServer(t, func(string) string { return "I could not find any fields." })
		_, err := NewExtractor(testLLMConfig(server.URL)).Extract(context.Background(), "text")
		assert.ErrorIs(t, err, ErrNoJSONObject)
	})

	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"model not found","type":"invalid_request_error"}}`))
		}))
		defer server.Close()

		_, err := NewExtractor(testLLMConfig(server.URL)).Extract(context.Background(), "text")
		assert.Error(t, err)
	})
}

func TestRecoverJSON(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"plain", `{"a": 1}`, `{"a": 1}`},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"surrounding prose", `Sure! {"a": {"b": 2}} Hope this helps.`, `{"a": {"b": 2}}`},
		{"trailing commas", `{"a": [1, 2,], "b": {"c": 3,},}`, `{"a": [1, 2], "b": {"c": 3}}`},
		{"truncated", `{"a": {"b": [1, 2`, `{"a": {"b": [1, 2]}}`},
		{"comma inside string", `{"a": "x,}", "b": 1,}`, `{"a": "x,}", "b": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, err := recoverJSON(tt.reply)
			require.NoError(t, err)
			data, err := json.Marshal(obj)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}

	_, err := recoverJSON("no braces here")
	assert.ErrorIs(t, err, ErrNoJSONObject)

	_, err = recoverJSON(`{"a": nope}`)
	assert.Error(t, err)
}

func TestMergeGroups(t *testing.T) {
	merged, err := mergeGroups(
		map[string]json.RawMessage{
			"party_identification": json.RawMessage(`{"customer":"A"}`),
			"confidence_scores":    json.RawMessage(`{"party_identification":0.5}`),
			"gaps":                 json.RawMessage(`"not a list"`),
		},
		map[string]json.RawMessage{
			"party_identification": json.RawMessage(`{"customer":"B"}`),
			"confidence_scores":    json.RawMessage(`{"party_identification":0.9,"sla_definition":0.4}`),
		},
	)
	require.NoError(t, err)

	assert.JSONEq(t, `{"customer":"B"}`, string(merged["party_identification"]))
	assert.JSONEq(t, `{"party_identification":0.9,"sla_definition":0.4}`, string(merged["confidence_scores"]))
	_, hasGaps := merged["gaps"]
	assert.False(t, hasGaps)
}

func TestTruncateCountsCharacters(t *testing.T) {
	assert.Equal(t, "héll", truncate("héllo", 4))
	assert.Equal(t, "héllo", truncate("héllo", 0))
	assert.Equal(t, "héllo", truncate("héllo", 5))
}
