// Package generator invokes the constrained text generator and validates
// its output against the grounding rules: per-line trailing citations
// within passage bounds and no URLs or file references.
package generator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"civicinfo/internal/logging"
	"civicinfo/internal/retriever"
)

// Decision is the generator verdict after validation.
type Decision int

const (
	DecisionAccept Decision = iota
	DecisionNotEnoughInformation
	DecisionInvalidOutput
)

func (d Decision) String() string {
	switch d {
	case DecisionAccept:
		return "ACCEPT"
	case DecisionNotEnoughInformation:
		return "NOT_ENOUGH_INFORMATION"
	default:
		return "INVALID_OUTPUT"
	}
}

// RefusalToken is the exact literal the generator must emit when the
// passages are insufficient.
const RefusalToken = "NOT_ENOUGH_INFORMATION"

// Line is one validated answer line, trailing citation included.
type Line struct {
	Text string `json:"text"`
}

// Request is a generation invocation.
type Request struct {
	RequestID string
	Language  string
	Question  string
	Passages  []retriever.Passage
}

// Result is the validated generation outcome.
type Result struct {
	RequestID   string
	Decision    Decision
	AnswerLines []Line
	Confidence  string
}

// Generator produces a grounded answer from passages. The HTTP client
// implements it; tests substitute fakes.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

var citationRe = regexp.MustCompile(`\[(\d+)\]\s*$`)

// disallowedSubstrings must never appear in generator output.
var disallowedSubstrings = []string{"http://", "https://", "www.", "file://"}

// systemPrompt is the deterministic instruction block sent ahead of the
// passages.
const systemPrompt = `SYSTEM INSTRUCTIONS:
- You MUST answer ONLY using the provided numbered passages.
- Each factual sentence MUST end with a citation in the exact form [n] where n is the passage number.
- Use ONLY the provided passage numbers. Do NOT invent or infer facts not present in the passages.
- Do NOT include URLs, filenames, page numbers, or any other metadata.
- If the passages do not contain enough information to answer, reply exactly: NOT_ENOUGH_INFORMATION
- Always answer in the same language as the user's query.
- Keep answers brief and simple.`

// BuildPrompt constructs the deterministic prompt: language header,
// instructions, numbered passages (newlines inside passage text collapsed),
// then the question.
func BuildPrompt(language, question string, passages []retriever.Passage) string {
	sorted := append([]retriever.Passage(nil), passages...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	parts := []string{"LANGUAGE: " + language, "", systemPrompt, "", "PASSAGES:"}
	for _, p := range sorted {
		text := strings.Join(strings.Fields(p.Text), " ")
		parts = append(parts, fmt.Sprintf("%d. %s", p.Number, text))
	}
	parts = append(parts, "", "QUESTION:", strings.TrimSpace(question), "", "Answer briefly.")
	return strings.Join(parts, "\n")
}

// MaxPassageNumber returns the highest passage number, 0 when none.
func MaxPassageNumber(passages []retriever.Passage) int {
	max := 0
	for _, p := range passages {
		if p.Number > max {
			max = p.Number
		}
	}
	return max
}

// ValidateOutput applies the strict output rules to raw generator text:
// the exact refusal token maps to NOT_ENOUGH_INFORMATION; otherwise every
// non-empty line must end with an in-range [n] citation and contain no
// disallowed substring.
func ValidateOutput(raw string, maxPassage int) (Decision, []Line) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DecisionInvalidOutput, nil
	}
	if raw == RefusalToken {
		return DecisionNotEnoughInformation, nil
	}

	var lines []string
	for _, ln := range strings.Split(raw, "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			lines = append(lines, ln)
		}
	}
	if len(lines) == 0 || maxPassage < 1 {
		return DecisionInvalidOutput, nil
	}

	out := make([]Line, 0, len(lines))
	for _, ln := range lines {
		if err := ValidateLine(ln, maxPassage); err != nil {
			logging.Log.WithField("line", ln).WithField("reason", err.Error()).Info("validation_failed")
			return DecisionInvalidOutput, nil
		}
		out = append(out, Line{Text: ln})
	}
	return DecisionAccept, out
}

// ValidateLine checks one answer line against the grounding rules.
func ValidateLine(line string, maxPassage int) error {
	m := citationRe.FindStringSubmatch(line)
	if m == nil {
		return fmt.Errorf("missing_citation")
	}
	cited, err := strconv.Atoi(m[1])
	if err != nil || cited < 1 || cited > maxPassage {
		return fmt.Errorf("citation_out_of_range")
	}
	lower := strings.ToLower(line)
	for _, s := range disallowedSubstrings {
		if strings.Contains(lower, s) {
			return fmt.Errorf("disallowed_substring")
		}
	}
	return nil
}
