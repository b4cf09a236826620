package generator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"civicinfo/internal/config"
	"civicinfo/internal/retriever"
)

func passages(texts ...string) []retriever.Passage {
	out := make([]retriever.Passage, len(texts))
	for i, t := range texts {
		out[i] = retriever.Passage{Number: i + 1, Text: t, ChunkID: "doc_c0001"}
	}
	return out
}

func TestBuildPromptDeterministic(t *testing.T) {
	p := passages("Apply online\nat the portal.", "Second passage.")
	a := BuildPrompt("en", "How do I apply?", p)
	b := BuildPrompt("en", "How do I apply?", p)
	require.Equal(t, a, b)
	require.Contains(t, a, "LANGUAGE: en")
	require.Contains(t, a, "1. Apply online at the portal.")
	require.Contains(t, a, "2. Second passage.")
	require.Contains(t, a, "QUESTION:\nHow do I apply?")
	require.True(t, strings.HasSuffix(a, "Answer briefly."))
}

func TestBuildPromptOrdersByNumber(t *testing.T) {
	p := []retriever.Passage{
		{Number: 2, Text: "second"},
		{Number: 1, Text: "first"},
	}
	out := BuildPrompt("en", "q", p)
	require.Less(t, strings.Index(out, "1. first"), strings.Index(out, "2. second"))
}

func TestValidateOutput(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		maxPass  int
		decision Decision
		lines    int
	}{
		{"accept single", "Apply at the portal. [1]", 1, DecisionAccept, 1},
		{"accept multi", "Apply at the portal. [1]\nBring your ID. [2]", 2, DecisionAccept, 2},
		{"refusal token", "NOT_ENOUGH_INFORMATION", 1, DecisionNotEnoughInformation, 0},
		{"missing citation", "Apply at the portal.", 1, DecisionInvalidOutput, 0},
		{"citation out of range", "Apply at the portal. [3]", 2, DecisionInvalidOutput, 0},
		{"citation zero", "Apply at the portal. [0]", 2, DecisionInvalidOutput, 0},
		{"url", "Visit https://portal.gov now. [1]", 1, DecisionInvalidOutput, 0},
		{"www", "Visit WWW.portal.gov now. [1]", 1, DecisionInvalidOutput, 0},
		{"empty", "", 1, DecisionInvalidOutput, 0},
		{"no passages", "Fine answer. [1]", 0, DecisionInvalidOutput, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			decision, lines := ValidateOutput(tc.raw, tc.maxPass)
			require.Equal(t, tc.decision, decision)
			require.Len(t, lines, tc.lines)
		})
	}
}

func TestValidateOutputKeepsLineVerbatim(t *testing.T) {
	decision, lines := ValidateOutput("  Apply at the portal. [1]  ", 1)
	require.Equal(t, DecisionAccept, decision)
	require.Equal(t, "Apply at the portal. [1]", lines[0].Text)
}

func TestClientGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req genReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Contains(t, req.Prompt, "PASSAGES:")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "Apply at the portal. [1]"})
	}))
	defer srv.Close()

	c := NewClient(config.GeneratorConfig{
		BaseURL: srv.URL, Model: "test-gen", MaxRetries: 1,
		RetryBaseDelay: time.Millisecond, Timeout: time.Second,
	})
	res, err := c.Generate(context.Background(), Request{
		RequestID: "r1", Language: "en", Question: "How do I apply?",
		Passages: passages("Apply at the portal."),
	})
	require.NoError(t, err)
	require.Equal(t, DecisionAccept, res.Decision)
	require.Len(t, res.AnswerLines, 1)
	require.Equal(t, "high", res.Confidence)
}

func TestClientGenerateRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "NOT_ENOUGH_INFORMATION"})
	}))
	defer srv.Close()

	c := NewClient(config.GeneratorConfig{BaseURL: srv.URL, Timeout: time.Second})
	res, err := c.Generate(context.Background(), Request{
		RequestID: "r1", Language: "en", Question: "q", Passages: passages("p"),
	})
	require.NoError(t, err)
	require.Equal(t, DecisionNotEnoughInformation, res.Decision)
}

func TestClientGenerateEmptyRequest(t *testing.T) {
	c := NewClient(config.GeneratorConfig{BaseURL: "http://unused", Timeout: time.Second})
	res, err := c.Generate(context.Background(), Request{RequestID: "r1"})
	require.NoError(t, err)
	require.Equal(t, DecisionInvalidOutput, res.Decision)
}
