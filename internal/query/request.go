package query

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	"civicinfo/internal/generator"
)

// Channels and languages accepted by the orchestrator.
var (
	allowedLanguages = map[string]bool{"en": true, "hi": true, "ta": true}
	allowedChannels  = map[string]bool{"web": true, "sms": true, "voice": true}
)

// Request is the canonical channel-agnostic request. Channel adapters
// produce exactly this shape.
type Request struct {
	RequestID     string            `json:"request_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Language      string            `json:"language"`
	Channel       string            `json:"channel"`
	Query         string            `json:"query"`
	Question      string            `json:"question,omitempty"` // accepted alias for query
	TopK          int               `json:"top_k,omitempty"`
	RawK          int               `json:"raw_k,omitempty"`
	Filters       map[string]string `json:"filters,omitempty"`
	ASRConfidence *float64          `json:"asr_confidence,omitempty"`
	Region        string            `json:"region,omitempty"`
}

// Citation hydrates one passage for the client.
type Citation struct {
	Citation  int            `json:"citation"`
	ChunkID   string         `json:"chunk_id"`
	SourceURL string         `json:"source_url,omitempty"`
	Meta      map[string]any `json:"meta"`
}

// Response is the orchestrator's reply; exactly one resolution leaves the
// core and request_id is always present.
type Response struct {
	RequestID     string           `json:"request_id"`
	Resolution    Resolution       `json:"resolution"`
	AnswerLines   []generator.Line `json:"answer_lines,omitempty"`
	Citations     []Citation       `json:"citations,omitempty"`
	Confidence    string           `json:"confidence,omitempty"`
	GuidanceKey   string           `json:"guidance_key,omitempty"`
	TopSimilarity float64          `json:"top_similarity,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// Validation errors for the request shape.
var (
	errInvalidLanguage      = errors.New("invalid_language")
	errInvalidChannel       = errors.New("invalid_channel")
	errEmptyQuery           = errors.New("empty_query")
	errMissingASRConfidence = errors.New("missing_asr_confidence")
)

// normalize trims, lowercases, applies the question alias, and generates
// a request id when absent. It mutates the request in place.
func (r *Request) normalize() {
	if r.RequestID == "" {
		r.RequestID = "r-" + uuid.NewString()
	}
	r.Language = strings.ToLower(strings.TrimSpace(r.Language))
	r.Channel = strings.ToLower(strings.TrimSpace(r.Channel))
	if strings.TrimSpace(r.Query) == "" {
		r.Query = r.Question
	}
	r.Query = strings.TrimSpace(r.Query)
}

// validate enforces the canonical request schema. A voice request without
// asr_confidence is a shape violation, not an ASR refusal.
func (r *Request) validate() error {
	if !allowedLanguages[r.Language] {
		return errInvalidLanguage
	}
	if !allowedChannels[r.Channel] {
		return errInvalidChannel
	}
	if r.Query == "" {
		return errEmptyQuery
	}
	if r.Channel == "voice" && r.ASRConfidence == nil {
		return errMissingASRConfidence
	}
	return nil
}
