package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/contractlens/backend/config"
	"github.com/contractlens/backend/model"
	"github.com/contractlens/backend/pkg/logger"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/sync/errgroup"
)

const (
	keyConfidenceScores = "confidence_scores"
	keyGaps             = "gaps"
)

var (
	ErrLLMNotConfigured = errors.New("LLM API key not configured")
	ErrEmptyCompletion  = errors.New("no response from LLM")
	ErrNoJSONObject     = errors.New("no JSON object in LLM response")
)

// fieldGroups splits the six fields into two prompts; smaller prompts come
// back as valid JSON far more often
var fieldGroups = [][]string{
	{model.FieldPartyIdentification, model.FieldAccountInformation, model.FieldFinancialDetails},
	{model.FieldPaymentStructure, model.FieldRevenueClassification, model.FieldServiceLevelAgreements},
}

const promptTemplate = `
Extract the following fields from the contract text.
Return a JSON object with these keys:
%s.
For each field, if data is missing, set its value to null or an empty list/object as appropriate.
Also include a 'confidence_scores' object (field: score 0-1), and a 'gaps' array listing missing critical fields.
Return ONLY valid JSON. No markdown, no explanations, no backticks.

Contract text:
%s
`

// Extractor asks an OpenAI compatible chat model (Groq by default) to pull
// the contract fields out of the document text
type Extractor struct {
	client openai.Client
	config *config.LLMConfig
}

func NewExtractor(cfg *config.LLMConfig) *Extractor {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.TimeoutSeconds > 0 {
		opts = append(opts, option.WithRequestTimeout(time.Duration(cfg.TimeoutSeconds)*time.Second))
	}

	return &Extractor{
		client: openai.NewClient(opts...),
		config: cfg,
	}
}

// Extract runs one completion per field group concurrently and merges the
// JSON objects they return into a single raw extraction
func (e *Extractor) Extract(ctx context.Context, text string) (map[string]json.RawMessage, error) {
	if e.config.APIKey == "" {
		return nil, ErrLLMNotConfigured
	}
	text = truncate(text, e.config.MaxInputChars)

	results := make([]map[string]json.RawMessage, len(fieldGroups))
	g, gctx := errgroup.WithContext(ctx)
	for i, group := range fieldGroups {
		i, group := i, group
		g.Go(func() error {
			obj, err := e.complete(gctx, text, strings.Join(group, ", "))
			if err != nil {
				return fmt.Errorf("extract %s: %w", strings.Join(group, ","), err)
			}
			results[i] = obj
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return mergeGroups(results...)
}

func (e *Extractor) complete(ctx context.Context, text, fields string) (map[string]json.RawMessage, error) {
	prompt := fmt.Sprintf(promptTemplate, fields, text)
	logger.Debug(ctx, "calling LLM", "model", e.config.Model, "fields", fields, "prompt_chars", len(prompt))

	start := time.Now()
	resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: e.config.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(e.config.Temperature),
	})
	llmRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		llmRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		llmRequestsTotal.WithLabelValues("empty").Inc()
		return nil, ErrEmptyCompletion
	}

	obj, err := recoverJSON(resp.Choices[0].Message.Content)
	if err != nil {
		llmRequestsTotal.WithLabelValues("invalid_json").Inc()
		return nil, err
	}

	llmRequestsTotal.WithLabelValues("ok").Inc()
	logger.Debug(ctx, "LLM responded",
		"fields", fields,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return obj, nil
}

// truncate cuts text to at most limit characters; limit <= 0 keeps it whole
func truncate(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit])
}

// mergeGroups combines per-group objects. Later groups win for plain keys;
// confidence maps are merged key by key and gaps are concatenated without
// duplicates.
func mergeGroups(groups ...map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	merged := map[string]json.RawMessage{}
	confidences := map[string]json.RawMessage{}
	var gaps []json.RawMessage
	seenGaps := map[string]bool{}

	for _, group := range groups {
		for key, raw := range group {
			switch key {
			case keyConfidenceScores:
				var scores map[string]json.RawMessage
				if json.Unmarshal(raw, &scores) != nil {
					continue
				}
				for k, v := range scores {
					confidences[k] = v
				}
			case keyGaps:
				var items []json.RawMessage
				if json.Unmarshal(raw, &items) != nil {
					continue
				}
				for _, item := range items {
					var buf bytes.Buffer
					if json.Compact(&buf, item) != nil || seenGaps[buf.String()] {
						continue
					}
					seenGaps[buf.String()] = true
					gaps = append(gaps, item)
				}
			default:
				merged[key] = raw
			}
		}
	}

	if len(confidences) > 0 {
		data, err := json.Marshal(confidences)
		if err != nil {
			return nil, fmt.Errorf("merge confidence scores: %w", err)
		}
		merged[keyConfidenceScores] = data
	}
	if len(gaps) > 0 {
		data, err := json.Marshal(gaps)
		if err != nil {
			return nil, fmt.Errorf("merge gaps: %w", err)
		}
		merged[keyGaps] = data
	}
	return merged, nil
}

// recoverJSON pulls the outermost JSON object out of a model reply,
// repairing the common defects when it does not parse as is
func recoverJSON(reply string) (map[string]json.RawMessage, error) {
	text := stripFences(reply)

	start := strings.Index(text, "{")
	if start < 0 {
		return nil, ErrNoJSONObject
	}
	if end := strings.LastIndex(text, "}"); end > start {
		text = text[start : end+1]
	} else {
		text = text[start:]
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		return obj, nil
	}

	if err := json.Unmarshal([]byte(repairJSON(text)), &obj); err != nil {
		return nil, fmt.Errorf("invalid JSON from LLM: %w", err)
	}
	return obj, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:] // language tag
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}

// repairJSON drops trailing commas and closes brackets left open by a
// truncated reply. String contents are left untouched.
func repairJSON(s string) string {
	var out strings.Builder
	var stack []byte
	inString, escaped := false, false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			out.WriteByte(ch)
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case ',':
			if next := nextSignificant(s, i+1); next == '}' || next == ']' || next == 0 {
				continue
			}
		}
		out.WriteByte(ch)
	}

	if inString {
		out.WriteByte('"')
	}
	trimmed := strings.TrimRight(out.String(), " \t\r\n,")
	out.Reset()
	out.WriteString(trimmed)
	for i := len(stack) - 1; i >= 0; i-- {
		out.WriteByte(stack[i])
	}
	return out.String()
}

func nextSignificant(s string, from int) byte {
	for i := from; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return s[i]
		}
	}
	return 0
}
