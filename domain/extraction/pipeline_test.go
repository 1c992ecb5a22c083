package extraction

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/emergent.extract/internal/config"
	"github.com/emergent-company/emergent.extract/pkg/llm/gemini"
	"github.com/emergent-company/emergent.extract/pkg/sdk/graph"
)

type fakeLLM struct {
	content string
	err     error
	calls   atomic.Int32
}

func (f *fakeLLM) Call(ctx context.Context, system, user string) (*gemini.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &gemini.Result{
		Content:          f.content,
		PromptTokens:     100,
		CompletionTokens: 50,
		TotalTokens:      150,
		Cost:             0.0001,
	}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Extraction: config.ExtractionConfig{
			MinTextLength:          50,
			MaxTextBytes:           512000,
			WarnTextBytes:          102400,
			CheckCreateConcurrency: 20,
			SettleDelay:            time.Millisecond,
			SettleJitter:           time.Millisecond,
			RecheckDelay:           time.Millisecond,
			LookupRetries:          2,
			UpdateBatchSize:        1000,
			UpdateFireTimeout:      5 * time.Second,
			UpdateFireRetries:      1,
		},
	}
}

const chunkText = "Call me Ishmael. Some years ago, Captain Ahab sailed from Nantucket in pursuit of the white whale."

func newTestService(t *testing.T, g *fakeGraph, llm LLMClient) *Service {
	t.Helper()
	prompts, err := NewPromptRenderer()
	require.NoError(t, err)

	return NewService(
		testConfig(),
		llm,
		func(apiBase string) GraphAPI { return g },
		prompts,
		NewUpdateBuilder(slog.Default()),
		slog.Default(),
	)
}

func seedChunk(g *fakeGraph, id, text string) {
	g.chunks[id] = &graph.Entity{
		ID:   id,
		Type: "chunk",
		Properties: map[string]any{
			"label": "Chapter 1",
			"text":  text,
		},
	}
}

func TestProcessHappyPath(t *testing.T) {
	g := newFakeGraph()
	seedChunk(g, "chunk-1", chunkText)

	llm := &fakeLLM{content: `[
		{"operation": "create", "label": "Captain Ahab", "entity_type": "person", "description": "Captain of the Pequod", "properties": {"role": "captain", "home": "Nantucket"}}
	]`}

	svc := newTestService(t, g, llm)
	result := svc.Process(context.Background(), &JobRequest{
		TargetEntity:     "chunk-1",
		TargetCollection: "kb",
		APIBase:          "http://graph.test",
	})
	svc.Drain()

	require.Equal(t, "done", result.Status)
	require.Len(t, result.Output, 1)
	assert.Equal(t, int32(1), llm.calls.Load())
	assert.NotEmpty(t, result.Logs)

	surviving := g.surviving("kb", "captain ahab", "person")
	require.Len(t, surviving, 1)
	assert.Equal(t, surviving[0], result.Output[0])

	// One batch was fired containing entity provenance, the chunk backlink,
	// and the collection audit edge.
	require.Len(t, g.posted, 1)
	updates := g.posted[0]
	entity := findUpdate(t, updates, surviving[0])
	assert.Len(t, edgesByPredicate(entity, "extracted_from"), 1)
	chunk := findUpdate(t, updates, "chunk-1")
	assert.Len(t, edgesByPredicate(chunk, "extracted_entity"), 1)
	coll := findUpdate(t, updates, "kb")
	assert.Len(t, edgesByPredicate(coll, "contains"), 1)
}

func TestProcessMissingTarget(t *testing.T) {
	svc := newTestService(t, newFakeGraph(), &fakeLLM{})

	result := svc.Process(context.Background(), &JobRequest{APIBase: "http://graph.test"})
	require.Equal(t, "error", result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, "invalid_input", result.Error.Code)
}

func TestProcessUnknownEntity(t *testing.T) {
	svc := newTestService(t, newFakeGraph(), &fakeLLM{})

	result := svc.Process(context.Background(), &JobRequest{
		TargetEntity: "missing",
		APIBase:      "http://graph.test",
	})
	require.Equal(t, "error", result.Status)
	assert.Equal(t, "invalid_input", result.Error.Code)
}

func TestProcessShortTextRejectedBeforeLLM(t *testing.T) {
	g := newFakeGraph()
	seedChunk(g, "chunk-1", "too short")

	llm := &fakeLLM{content: "[]"}
	svc := newTestService(t, g, llm)

	result := svc.Process(context.Background(), &JobRequest{
		TargetEntity: "chunk-1",
		APIBase:      "http://graph.test",
	})
	require.Equal(t, "error", result.Status)
	assert.Equal(t, "invalid_input", result.Error.Code)
	assert.Equal(t, int32(0), llm.calls.Load(), "no LLM call for rejected input")
}

func TestProcessBoundaryTextLength(t *testing.T) {
	g := newFakeGraph()
	seedChunk(g, "chunk-49", strings.Repeat("a", 49))
	seedChunk(g, "chunk-50", strings.Repeat("a", 50))

	llm := &fakeLLM{content: "[]"}
	svc := newTestService(t, g, llm)

	rejected := svc.Process(context.Background(), &JobRequest{TargetEntity: "chunk-49", APIBase: "http://graph.test"})
	assert.Equal(t, "error", rejected.Status)

	accepted := svc.Process(context.Background(), &JobRequest{TargetEntity: "chunk-50", APIBase: "http://graph.test"})
	assert.Equal(t, "done", accepted.Status)
}

func TestProcessOversizeText(t *testing.T) {
	g := newFakeGraph()
	seedChunk(g, "chunk-1", strings.Repeat("x", 600*1024))

	llm := &fakeLLM{content: "[]"}
	svc := newTestService(t, g, llm)

	result := svc.Process(context.Background(), &JobRequest{
		TargetEntity: "chunk-1",
		APIBase:      "http://graph.test",
	})
	require.Equal(t, "error", result.Status)
	assert.Equal(t, "invalid_input", result.Error.Code)
	assert.Equal(t, int32(0), llm.calls.Load())
	assert.Equal(t, 0, g.createCalls, "no entities created for rejected input")
}

func TestProcessEmptyExtraction(t *testing.T) {
	g := newFakeGraph()
	seedChunk(g, "chunk-1", chunkText)

	svc := newTestService(t, g, &fakeLLM{content: "[]"})
	result := svc.Process(context.Background(), &JobRequest{
		TargetEntity:     "chunk-1",
		TargetCollection: "kb",
		APIBase:          "http://graph.test",
	})

	require.Equal(t, "done", result.Status)
	assert.Empty(t, result.Output)
	assert.Empty(t, g.posted)
}

func TestProcessLLMFailure(t *testing.T) {
	g := newFakeGraph()
	seedChunk(g, "chunk-1", chunkText)

	svc := newTestService(t, g, &fakeLLM{err: errors.New("all retries exhausted")})
	result := svc.Process(context.Background(), &JobRequest{
		TargetEntity: "chunk-1",
		APIBase:      "http://graph.test",
	})

	require.Equal(t, "error", result.Status)
	assert.Equal(t, "llm_error", result.Error.Code)
}

func TestProcessAutoCreatesReferencedLabels(t *testing.T) {
	g := newFakeGraph()
	seedChunk(g, "chunk-1", chunkText)

	// The model declares A but references B only as a relationship target.
	llm := &fakeLLM{content: `[
		{"operation": "create", "label": "Captain Ahab", "entity_type": "person", "description": "Captain", "properties": {"role": "captain", "ship": "Pequod"}},
		{"operation": "add_relationship", "subject": "Captain Ahab", "predicate": "hunts", "target": "Moby Dick", "description": "The pursuit"}
	]`}

	svc := newTestService(t, g, llm)
	result := svc.Process(context.Background(), &JobRequest{
		TargetEntity:     "chunk-1",
		TargetCollection: "kb",
		APIBase:          "http://graph.test",
	})
	svc.Drain()

	require.Equal(t, "done", result.Status)
	assert.Len(t, result.Output, 2)
	assert.Len(t, g.surviving("kb", "captain ahab", "person"), 1)
	assert.Len(t, g.surviving("kb", "moby dick", "entity"), 1, "referenced labels default to the generic entity type")

	// The relationship and its orphan back-edge made it into the batch.
	require.Len(t, g.posted, 1)
	subjectID := g.surviving("kb", "captain ahab", "person")[0]
	targetID := g.surviving("kb", "moby dick", "entity")[0]
	subject := findUpdate(t, g.posted[0], subjectID)
	hunts := edgesByPredicate(subject, "hunts")
	require.Len(t, hunts, 1)
	assert.Equal(t, targetID, hunts[0].Peer)
	target := findUpdate(t, g.posted[0], targetID)
	assert.Len(t, edgesByPredicate(target, "referenced_by"), 1)
}

func TestProcessTextFallbacks(t *testing.T) {
	g := newFakeGraph()
	g.chunks["chunk-content"] = &graph.Entity{
		ID:         "chunk-content",
		Type:       "chunk",
		Properties: map[string]any{"content": chunkText},
	}
	g.chunks["chunk-endpoint"] = &graph.Entity{
		ID:         "chunk-endpoint",
		Type:       "chunk",
		Properties: map[string]any{},
	}
	g.content["chunk-endpoint"] = chunkText

	svc := newTestService(t, g, &fakeLLM{content: "[]"})

	for _, id := range []string{"chunk-content", "chunk-endpoint"} {
		result := svc.Process(context.Background(), &JobRequest{
			TargetEntity: id,
			APIBase:      "http://graph.test",
		})
		assert.Equal(t, "done", result.Status, "chunk %s", id)
	}
}

func TestProcessGeneratesJobID(t *testing.T) {
	g := newFakeGraph()
	seedChunk(g, "chunk-1", chunkText)

	svc := newTestService(t, g, &fakeLLM{content: "[]"})
	req := &JobRequest{TargetEntity: "chunk-1", APIBase: "http://graph.test"}
	svc.Process(context.Background(), req)
	assert.NotEmpty(t, req.JobID)
}
