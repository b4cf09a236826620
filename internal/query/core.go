package query

import (
	"context"
	"strings"
	"time"

	"civicinfo/internal/audit"
	"civicinfo/internal/config"
	"civicinfo/internal/generator"
	"civicinfo/internal/logging"
	"civicinfo/internal/retriever"
)

// PassageRetriever is the retrieval dependency of the orchestrator.
type PassageRetriever interface {
	Retrieve(ctx context.Context, req retriever.Request) (retriever.Result, error)
}

// Core is the channel-agnostic query pipeline; the sole component where
// policy lives. It owns explicit collaborator handles instead of
// process-wide singletons.
type Core struct {
	retriever PassageRetriever
	generator generator.Generator
	audit     *audit.Sink
	cfg       config.QueryConfig
	minSim    float64
	clock     func() time.Time
}

// NewCore constructs the orchestrator.
func NewCore(ret PassageRetriever, gen generator.Generator, sink *audit.Sink, qcfg config.QueryConfig, minSimilarity float64) *Core {
	return &Core{
		retriever: ret,
		generator: gen,
		audit:     sink,
		cfg:       qcfg,
		minSim:    minSimilarity,
		clock:     time.Now,
	}
}

// Handle runs validation, policy gates, retrieval, generation, output
// validation, citation hydration, and auditing for one request.
func (c *Core) Handle(ctx context.Context, req Request) Response {
	start := c.clock()
	req.normalize()
	log := logging.Log.WithField("request_id", req.RequestID)

	rec := audit.Record{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Language:  req.Language,
		Channel:   req.Channel,
	}
	finish := func(resp Response) Response {
		rec.Resolution = resp.Resolution.String()
		rec.GuidanceKey = resp.GuidanceKey
		rec.TimingMS = c.clock().Sub(start).Milliseconds()
		if err := c.audit.Write(ctx, rec); err != nil {
			log.WithField("error", err.Error()).Warn("audit_write_failed")
		}
		return resp
	}

	// 1. Shape validation.
	if err := req.validate(); err != nil {
		log.WithField("detail", err.Error()).Error("invalid_request_shape")
		return finish(Response{
			RequestID:   req.RequestID,
			Resolution:  ResolutionRefusal,
			GuidanceKey: GuidanceInvalidRequest,
		})
	}
	log = log.WithField("channel", req.Channel).WithField("language", req.Language)
	log.Info("request_start")

	// 2. ASR confidence gate (voice only).
	if req.Channel == "voice" && *req.ASRConfidence < c.cfg.ASRConfThreshold {
		log.WithField("asr_confidence", *req.ASRConfidence).Info("refuse_asr")
		return finish(Response{
			RequestID:   req.RequestID,
			Resolution:  ResolutionRefusal,
			GuidanceKey: GuidanceASRLowConfidence,
		})
	}

	// 3. Intent blocklist.
	if key := blockedIntent(req.Query); key != "" {
		log.WithField("guidance_key", key).Info("intent_blocked")
		return finish(Response{
			RequestID:   req.RequestID,
			Resolution:  ResolutionRefusal,
			GuidanceKey: key,
		})
	}

	// 4. Retrieval with a soft budget.
	retStart := c.clock()
	retRes, err := c.retriever.Retrieve(ctx, retriever.Request{
		RequestID: req.RequestID,
		Query:     req.Query,
		TopK:      req.TopK,
		RawK:      req.RawK,
		Filters:   req.Filters,
	})
	retElapsed := c.clock().Sub(retStart)
	if err != nil {
		log.WithField("error", err.Error()).Error("retriever_exception")
		return finish(Response{
			RequestID:  req.RequestID,
			Resolution: ResolutionInvalidOutput,
			Error:      "retrieval_failed",
		})
	}
	if retElapsed > c.cfg.EmbedSearchBudget {
		log.WithField("retrieval_ms", retElapsed.Milliseconds()).
			WithField("budget_ms", c.cfg.EmbedSearchBudget.Milliseconds()).Warn("retrieval_slow")
	}
	rec.UsedChunkIDs = retRes.ChunkIDs
	rec.TopSimilarity = retRes.TopSimilarity

	if len(retRes.Passages) == 0 {
		log.Info("no_candidates")
		rec.UsedChunkIDs = nil
		return finish(Response{RequestID: req.RequestID, Resolution: ResolutionNotEnoughInfo})
	}
	if retRes.TopSimilarity < c.minSim {
		log.WithField("top_similarity", retRes.TopSimilarity).WithField("min_similarity", c.minSim).
			Info("too_low_similarity")
		return finish(Response{
			RequestID:     req.RequestID,
			Resolution:    ResolutionNotEnoughInfo,
			TopSimilarity: retRes.TopSimilarity,
		})
	}

	// 5. Generation with a soft budget.
	genStart := c.clock()
	genRes, err := c.generator.Generate(ctx, generator.Request{
		RequestID: req.RequestID,
		Language:  req.Language,
		Question:  req.Query,
		Passages:  retRes.Passages,
	})
	genElapsed := c.clock().Sub(genStart)
	if err != nil {
		log.WithField("error", err.Error()).Error("generator_exception")
		return finish(Response{
			RequestID:  req.RequestID,
			Resolution: ResolutionInvalidOutput,
			Error:      "generator_failed",
		})
	}
	if genElapsed > c.cfg.GenBudget {
		log.WithField("gen_ms", genElapsed.Milliseconds()).
			WithField("budget_ms", c.cfg.GenBudget.Milliseconds()).Warn("generation_slow")
	}
	rec.GeneratorDecision = genRes.Decision.String()

	// 6. Generator output validation.
	if genRes.Decision == generator.DecisionNotEnoughInformation {
		log.Info("generator_refuse_no_info")
		return finish(Response{RequestID: req.RequestID, Resolution: ResolutionNotEnoughInfo})
	}
	lines, ok := validateAnswerLines(genRes, retRes.Passages)
	if !ok {
		log.Error("generator_invalid_output")
		return finish(Response{RequestID: req.RequestID, Resolution: ResolutionInvalidOutput})
	}

	// 7. Hydrate citations: one per passage; lines reference them by [n].
	citations := make([]Citation, 0, len(retRes.Passages))
	for _, p := range retRes.Passages {
		meta := p.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		citations = append(citations, Citation{
			Citation:  p.Number,
			ChunkID:   p.ChunkID,
			SourceURL: p.SourceURL,
			Meta:      meta,
		})
	}

	rec.Query = req.Query
	confidence := genRes.Confidence
	if confidence == "" {
		confidence = "high"
	}
	resp := Response{
		RequestID:   req.RequestID,
		Resolution:  ResolutionAnswer,
		AnswerLines: lines,
		Citations:   citations,
		Confidence:  confidence,
	}
	log.WithField("returned_lines", len(lines)).Info("request_complete")
	return finish(resp)
}

// validateAnswerLines re-applies the grounding rules to the generator's
// answer lines: every non-empty line must end with an in-range citation
// and contain no disallowed substring; zero usable lines fails.
func validateAnswerLines(genRes generator.Result, passages []retriever.Passage) ([]generator.Line, bool) {
	maxPass := generator.MaxPassageNumber(passages)
	if maxPass < 1 {
		return nil, false
	}
	var out []generator.Line
	for _, l := range genRes.AnswerLines {
		for _, ln := range strings.Split(l.Text, "\n") {
			ln = strings.TrimSpace(ln)
			if ln == "" {
				continue
			}
			if err := generator.ValidateLine(ln, maxPass); err != nil {
				logging.Log.WithField("line", ln).WithField("reason", err.Error()).Info("validation_failed")
				return nil, false
			}
			out = append(out, generator.Line{Text: ln})
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}
