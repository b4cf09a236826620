package query

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"civicinfo/internal/audit"
	"civicinfo/internal/config"
	"civicinfo/internal/generator"
	"civicinfo/internal/objectstore"
	"civicinfo/internal/retriever"
)

type fakeRetriever struct {
	result retriever.Result
	err    error
	calls  int
}

func (f *fakeRetriever) Retrieve(_ context.Context, req retriever.Request) (retriever.Result, error) {
	f.calls++
	res := f.result
	res.RequestID = req.RequestID
	return res, f.err
}

type fakeGenerator struct {
	result generator.Result
	err    error
	calls  int
}

func (f *fakeGenerator) Generate(_ context.Context, req generator.Request) (generator.Result, error) {
	f.calls++
	res := f.result
	res.RequestID = req.RequestID
	return res, f.err
}

func testQueryConfig() config.QueryConfig {
	return config.QueryConfig{
		ASRConfThreshold:  0.35,
		EmbedSearchBudget: 2500 * time.Millisecond,
		GenBudget:         4 * time.Second,
	}
}

func singlePassage() retriever.Result {
	return retriever.Result{
		Passages: []retriever.Passage{{
			Number:  1,
			ChunkID: "doc_c0001",
			Text:    "Apply online at the official portal.",
			Meta:    map[string]any{"trust_level": "gov"},
			Score:   0.9,
		}},
		ChunkIDs:      []string{"doc_c0001"},
		TopSimilarity: 0.9,
	}
}

func newTestCore(ret *fakeRetriever, gen *fakeGenerator, store objectstore.Store) *Core {
	sink := audit.NewSink(store, "audits", func() time.Time {
		return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	})
	return NewCore(ret, gen, sink, testQueryConfig(), 0.35)
}

func webRequest(query string) Request {
	return Request{Language: "en", Channel: "web", Query: query}
}

func TestHandleHappyPath(t *testing.T) {
	ret := &fakeRetriever{result: singlePassage()}
	gen := &fakeGenerator{result: generator.Result{
		Decision:    generator.DecisionAccept,
		AnswerLines: []generator.Line{{Text: "Apply online at the official portal. [1]"}},
		Confidence:  "high",
	}}
	store := objectstore.NewMemoryStore()
	core := newTestCore(ret, gen, store)

	resp := core.Handle(context.Background(), webRequest("How do I apply for myScheme?"))
	require.Equal(t, ResolutionAnswer, resp.Resolution)
	require.NotEmpty(t, resp.RequestID)
	require.Len(t, resp.AnswerLines, 1)
	require.Equal(t, "Apply online at the official portal. [1]", resp.AnswerLines[0].Text)
	require.Len(t, resp.Citations, 1)
	require.Equal(t, 1, resp.Citations[0].Citation)
	require.Equal(t, "doc_c0001", resp.Citations[0].ChunkID)
	require.Equal(t, "high", resp.Confidence)

	// audit record written with query and chunk ids
	b, err := objectstore.GetBytes(context.Background(), store, "audits/2026-08-01/"+resp.RequestID+".json")
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(b, &rec))
	require.Equal(t, "answer", rec["resolution"])
	require.Equal(t, "How do I apply for myScheme?", rec["query"])
	require.Equal(t, []any{"doc_c0001"}, rec["used_chunk_ids"])
	require.Equal(t, "ACCEPT", rec["generator_decision"])
}

func TestHandleInvalidShape(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"bad language", Request{Language: "fr", Channel: "web", Query: "q"}},
		{"bad channel", Request{Language: "en", Channel: "fax", Query: "q"}},
		{"empty query", Request{Language: "en", Channel: "web"}},
		{"voice missing asr", Request{Language: "en", Channel: "voice", Query: "q"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ret := &fakeRetriever{}
			gen := &fakeGenerator{}
			core := newTestCore(ret, gen, objectstore.NewMemoryStore())
			resp := core.Handle(context.Background(), tc.req)
			require.Equal(t, ResolutionRefusal, resp.Resolution)
			require.Equal(t, GuidanceInvalidRequest, resp.GuidanceKey)
			require.NotEmpty(t, resp.RequestID)
			require.Zero(t, ret.calls)
			require.Zero(t, gen.calls)
		})
	}
}

func TestHandleASRGate(t *testing.T) {
	ret := &fakeRetriever{result: singlePassage()}
	gen := &fakeGenerator{}
	core := newTestCore(ret, gen, objectstore.NewMemoryStore())

	conf := 0.20
	resp := core.Handle(context.Background(), Request{
		Language: "en", Channel: "voice", Query: "How do I apply?",
		ASRConfidence: &conf,
	})
	require.Equal(t, ResolutionRefusal, resp.Resolution)
	require.Equal(t, GuidanceASRLowConfidence, resp.GuidanceKey)
	require.Zero(t, ret.calls)

	// at-threshold confidence passes the gate
	gen.result = generator.Result{
		Decision:    generator.DecisionAccept,
		AnswerLines: []generator.Line{{Text: "Apply online. [1]"}},
	}
	conf = 0.35
	resp = core.Handle(context.Background(), Request{
		Language: "en", Channel: "voice", Query: "How do I apply?",
		ASRConfidence: &conf,
	})
	require.Equal(t, ResolutionAnswer, resp.Resolution)
}

func TestHandleIntentBlocklist(t *testing.T) {
	ret := &fakeRetriever{}
	gen := &fakeGenerator{}
	core := newTestCore(ret, gen, objectstore.NewMemoryStore())

	resp := core.Handle(context.Background(), webRequest("What medicine should I take for chest pain?"))
	require.Equal(t, ResolutionRefusal, resp.Resolution)
	require.Equal(t, GuidanceMedical, resp.GuidanceKey)
	require.Zero(t, ret.calls)
	require.Zero(t, gen.calls)

	resp = core.Handle(context.Background(), webRequest("Should I sue my landlord?"))
	require.Equal(t, GuidanceLegal, resp.GuidanceKey)
}

func TestHandleNoEvidence(t *testing.T) {
	ret := &fakeRetriever{result: retriever.Result{ChunkIDs: []string{}}}
	gen := &fakeGenerator{}
	core := newTestCore(ret, gen, objectstore.NewMemoryStore())

	resp := core.Handle(context.Background(), webRequest("Chemical formula for water?"))
	require.Equal(t, ResolutionNotEnoughInfo, resp.Resolution)
	require.Empty(t, resp.AnswerLines)
	require.Zero(t, gen.calls)
}

func TestHandleLowSimilarity(t *testing.T) {
	res := singlePassage()
	res.TopSimilarity = 0.1
	res.Passages[0].Score = 0.1
	ret := &fakeRetriever{result: res}
	gen := &fakeGenerator{}
	core := newTestCore(ret, gen, objectstore.NewMemoryStore())

	resp := core.Handle(context.Background(), webRequest("How do I apply?"))
	require.Equal(t, ResolutionNotEnoughInfo, resp.Resolution)
	require.InDelta(t, 0.1, resp.TopSimilarity, 1e-9)
	require.Zero(t, gen.calls)
}

func TestHandleRetrieverError(t *testing.T) {
	ret := &fakeRetriever{err: context.DeadlineExceeded}
	core := newTestCore(ret, &fakeGenerator{}, objectstore.NewMemoryStore())

	resp := core.Handle(context.Background(), webRequest("How do I apply?"))
	require.Equal(t, ResolutionInvalidOutput, resp.Resolution)
	require.Equal(t, "retrieval_failed", resp.Error)
}

func TestHandleGeneratorMissingCitation(t *testing.T) {
	ret := &fakeRetriever{result: singlePassage()}
	gen := &fakeGenerator{result: generator.Result{
		Decision:    generator.DecisionAccept,
		AnswerLines: []generator.Line{{Text: "Apply at the portal."}},
	}}
	core := newTestCore(ret, gen, objectstore.NewMemoryStore())

	resp := core.Handle(context.Background(), webRequest("How do I apply?"))
	require.Equal(t, ResolutionInvalidOutput, resp.Resolution)
}

func TestHandleGeneratorNotEnoughInfo(t *testing.T) {
	ret := &fakeRetriever{result: singlePassage()}
	gen := &fakeGenerator{result: generator.Result{Decision: generator.DecisionNotEnoughInformation}}
	core := newTestCore(ret, gen, objectstore.NewMemoryStore())

	resp := core.Handle(context.Background(), webRequest("How do I apply?"))
	require.Equal(t, ResolutionNotEnoughInfo, resp.Resolution)
}

func TestHandleGeneratorInvalidLines(t *testing.T) {
	ret := &fakeRetriever{result: singlePassage()}
	gen := &fakeGenerator{result: generator.Result{
		Decision:    generator.DecisionAccept,
		AnswerLines: []generator.Line{{Text: "Visit https://portal.gov today. [1]"}},
	}}
	core := newTestCore(ret, gen, objectstore.NewMemoryStore())

	resp := core.Handle(context.Background(), webRequest("How do I apply?"))
	require.Equal(t, ResolutionInvalidOutput, resp.Resolution)
}

func TestHandleQuestionAlias(t *testing.T) {
	ret := &fakeRetriever{result: singlePassage()}
	gen := &fakeGenerator{result: generator.Result{
		Decision:    generator.DecisionAccept,
		AnswerLines: []generator.Line{{Text: "Apply online. [1]"}},
	}}
	core := newTestCore(ret, gen, objectstore.NewMemoryStore())

	resp := core.Handle(context.Background(), Request{Language: "en", Channel: "web", Question: "How do I apply?"})
	require.Equal(t, ResolutionAnswer, resp.Resolution)
}

func TestResolutionJSON(t *testing.T) {
	b, err := json.Marshal(Response{RequestID: "r", Resolution: ResolutionNotEnoughInfo})
	require.NoError(t, err)
	require.Contains(t, string(b), `"resolution":"not_enough_info"`)

	var r Resolution
	require.NoError(t, json.Unmarshal([]byte(`"refusal"`), &r))
	require.Equal(t, ResolutionRefusal, r)
}
