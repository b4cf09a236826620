// Package audit appends one JSON record per request to the object store,
// keyed by date and request id. Audit failures never propagate to the
// response path.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"civicinfo/internal/logging"
	"civicinfo/internal/objectstore"
)

// Record is one per-request audit entry.
type Record struct {
	RequestID         string   `json:"request_id"`
	SessionID         string   `json:"session_id,omitempty"`
	Language          string   `json:"language,omitempty"`
	Channel           string   `json:"channel,omitempty"`
	Query             string   `json:"query,omitempty"`
	UsedChunkIDs      []string `json:"used_chunk_ids"`
	TopSimilarity     float64  `json:"top_similarity,omitempty"`
	Resolution        string   `json:"resolution"`
	GeneratorDecision string   `json:"generator_decision,omitempty"`
	GuidanceKey       string   `json:"guidance_key,omitempty"`
	TimingMS          int64    `json:"timing_ms"`
}

// Sink writes audit records. A nil store disables auditing with a log
// line per skipped write.
type Sink struct {
	store  objectstore.Store
	prefix string
	clock  func() time.Time
}

// NewSink constructs a Sink. Pass a nil store when auditing is not
// configured.
func NewSink(store objectstore.Store, prefix string, clock func() time.Time) *Sink {
	if clock == nil {
		clock = time.Now
	}
	return &Sink{store: store, prefix: prefix, clock: clock}
}

// Key returns the object key for a record written at the given time.
func (s *Sink) Key(requestID string, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s.json", s.prefix, at.UTC().Format("2006-01-02"), requestID)
}

// Write persists one record. Errors are returned for logging but callers
// must not fail the response on them.
func (s *Sink) Write(ctx context.Context, rec Record) error {
	if s.store == nil {
		logging.Log.WithField("request_id", rec.RequestID).WithField("reason", "no_audit_store").
			Info("audit_skipped")
		return nil
	}
	if rec.UsedChunkIDs == nil {
		rec.UsedChunkIDs = []string{}
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	key := s.Key(rec.RequestID, s.clock())
	if err := s.store.Put(ctx, key, bytes.NewReader(body), objectstore.PutOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("audit put %s: %w", key, err)
	}
	logging.Log.WithField("request_id", rec.RequestID).WithField("key", key).Info("audit_written")
	return nil
}
