package extraction

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/emergent.extract/pkg/sdk/graph"
)

var testSource = SourceRef{ID: "chunk-1", Type: "chunk", Label: "Chapter 1"}

func findUpdate(t *testing.T, updates []graph.AdditiveUpdate, entityID string) *graph.AdditiveUpdate {
	t.Helper()
	for i := range updates {
		if updates[i].EntityID == entityID {
			return &updates[i]
		}
	}
	t.Fatalf("no update for entity %s", entityID)
	return nil
}

func edgesByPredicate(u *graph.AdditiveUpdate, predicate string) []graph.RelationshipAdd {
	var out []graph.RelationshipAdd
	for _, r := range u.RelationshipsAdd {
		if r.Predicate == predicate {
			out = append(out, r)
		}
	}
	return out
}

func TestBuildSingleNewEntity(t *testing.T) {
	b := NewUpdateBuilder(slog.Default())

	updates := b.Build(BuildInput{
		Parsed: &ParsedOperations{
			Creates: []CreateOp{{Label: "Captain Ahab", EntityType: "person"}},
		},
		Results: []*CheckCreateResult{
			{EntityID: "ent-1", IsNew: true, Label: "captain ahab", Type: "person"},
		},
		Source:     testSource,
		Collection: "kb",
	})

	// Entity update, chunk backlink, collection audit.
	require.Len(t, updates, 3)

	entity := findUpdate(t, updates, "ent-1")
	prov := edgesByPredicate(entity, "extracted_from")
	require.Len(t, prov, 1)
	assert.Equal(t, "chunk-1", prov[0].Peer)
	assert.Equal(t, testSource, prov[0].Properties["source"])

	chunk := findUpdate(t, updates, "chunk-1")
	backlinks := edgesByPredicate(chunk, "extracted_entity")
	require.Len(t, backlinks, 1)
	assert.Equal(t, "ent-1", backlinks[0].Peer)
	assert.Equal(t, "captain ahab", backlinks[0].PeerLabel)
	assert.Equal(t, "person", backlinks[0].Properties["entity_type"])

	coll := findUpdate(t, updates, "kb")
	contains := edgesByPredicate(coll, "contains")
	require.Len(t, contains, 1)
	assert.Equal(t, "chunk-1", contains[0].Peer)
	assert.Equal(t, "processed_chunk", contains[0].Properties["relationship_type"])
}

func TestBuildRelationshipWithOrphanTarget(t *testing.T) {
	b := NewUpdateBuilder(slog.Default())

	updates := b.Build(BuildInput{
		Parsed: &ParsedOperations{
			Creates: []CreateOp{
				{Label: "Captain Ahab", EntityType: "person"},
				{Label: "Moby Dick", EntityType: "animal"},
			},
			Relationships: []RelationshipOp{
				{Subject: "Captain Ahab", Predicate: "hunts", Target: "Moby Dick", Description: "The pursuit"},
			},
		},
		Results: []*CheckCreateResult{
			{EntityID: "ent-a", IsNew: true, Label: "captain ahab", Type: "person"},
			{EntityID: "ent-b", IsNew: true, Label: "moby dick", Type: "animal"},
		},
		Source:     testSource,
		Collection: "kb",
	})

	subject := findUpdate(t, updates, "ent-a")
	hunts := edgesByPredicate(subject, "hunts")
	require.Len(t, hunts, 1)
	assert.Equal(t, "ent-b", hunts[0].Peer)
	assert.Equal(t, "Moby Dick", hunts[0].PeerLabel)
	assert.Equal(t, "outgoing", hunts[0].Direction)
	assert.Equal(t, "The pursuit", hunts[0].Properties["description"])
	assert.Equal(t, 1.0, hunts[0].Properties["confidence"])
	assert.Equal(t, "Captain Ahab hunts Moby Dick", hunts[0].Properties["context"])

	// The orphan target gets a back-edge carrying the originating predicate.
	target := findUpdate(t, updates, "ent-b")
	refs := edgesByPredicate(target, "referenced_by")
	require.Len(t, refs, 1)
	assert.Equal(t, "ent-a", refs[0].Peer)
	assert.Equal(t, "hunts", refs[0].Properties["context"])

	// Both carry provenance.
	assert.Len(t, edgesByPredicate(subject, "extracted_from"), 1)
	assert.Len(t, edgesByPredicate(target, "extracted_from"), 1)
}

func TestBuildNoOrphanEdgeWhenTargetIsAlsoSubject(t *testing.T) {
	b := NewUpdateBuilder(slog.Default())

	updates := b.Build(BuildInput{
		Parsed: &ParsedOperations{
			Relationships: []RelationshipOp{
				{Subject: "A", Predicate: "knows", Target: "B"},
				{Subject: "B", Predicate: "knows", Target: "A"},
			},
		},
		Results: []*CheckCreateResult{
			{EntityID: "ent-a", Label: "a", Type: "entity"},
			{EntityID: "ent-b", Label: "b", Type: "entity"},
		},
		Source: testSource,
	})

	for _, id := range []string{"ent-a", "ent-b"} {
		u := findUpdate(t, updates, id)
		assert.Empty(t, edgesByPredicate(u, "referenced_by"))
	}
}

func TestBuildQuoteExtraction(t *testing.T) {
	b := NewUpdateBuilder(slog.Default())

	updates := b.Build(BuildInput{
		Parsed: &ParsedOperations{
			Relationships: []RelationshipOp{
				{
					Subject:    "Ishmael",
					Predicate:  "narrates",
					Target:     "Moby Dick",
					QuoteStart: "Call me",
					QuoteEnd:   "years ago",
				},
			},
		},
		Results: []*CheckCreateResult{
			{EntityID: "ent-i", Label: "ishmael", Type: "person"},
			{EntityID: "ent-m", Label: "moby dick", Type: "book"},
		},
		Source:    testSource,
		ChunkText: "Call me Ishmael. Some years ago - never mind how long precisely.",
	})

	subject := findUpdate(t, updates, "ent-i")
	edges := edgesByPredicate(subject, "narrates")
	require.Len(t, edges, 1)
	assert.Equal(t, "Call me Ishmael. Some years ago", edges[0].Properties["source_text"])
}

func TestBuildSkipsUnknownReferences(t *testing.T) {
	b := NewUpdateBuilder(slog.Default())

	updates := b.Build(BuildInput{
		Parsed: &ParsedOperations{
			Properties: []PropertyOp{
				{Entity: "Nobody", Key: "k", Value: "v"},
			},
			Relationships: []RelationshipOp{
				{Subject: "Nobody", Predicate: "knows", Target: "Captain Ahab"},
				{Subject: "Captain Ahab", Predicate: "knows", Target: "Nobody"},
			},
		},
		Results: []*CheckCreateResult{
			{EntityID: "ent-a", Label: "captain ahab", Type: "person"},
		},
		Source: testSource,
	})

	subject := findUpdate(t, updates, "ent-a")
	assert.Empty(t, edgesByPredicate(subject, "knows"))
	assert.Len(t, edgesByPredicate(subject, "extracted_from"), 1)
}

func TestBuildPropertyOps(t *testing.T) {
	b := NewUpdateBuilder(slog.Default())

	updates := b.Build(BuildInput{
		Parsed: &ParsedOperations{
			Properties: []PropertyOp{
				{Entity: "Captain Ahab", Key: "leg", Value: "whalebone"},
				{Entity: "captain  ahab", Key: "rank", Value: "captain"},
			},
		},
		Results: []*CheckCreateResult{
			{EntityID: "ent-a", Label: "captain ahab", Type: "person"},
		},
		Source: testSource,
	})

	subject := findUpdate(t, updates, "ent-a")
	assert.Equal(t, "whalebone", subject.Properties["leg"])
	assert.Equal(t, "captain", subject.Properties["rank"])
}

func TestSplitBatches(t *testing.T) {
	updates := make([]graph.AdditiveUpdate, 2500)

	batches := SplitBatches(updates, 1000)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 1000)
	assert.Len(t, batches[1], 1000)
	assert.Len(t, batches[2], 500)

	for _, b := range batches {
		assert.LessOrEqual(t, len(b), graph.MaxUpdateBatchSize)
	}

	assert.Nil(t, SplitBatches(nil, 1000))
}
