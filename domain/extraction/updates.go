package extraction

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/emergent-company/emergent.extract/pkg/logger"
	"github.com/emergent-company/emergent.extract/pkg/sdk/graph"
)

const (
	directionOutgoing = "outgoing"

	predicateExtractedFrom   = "extracted_from"
	predicateExtractedEntity = "extracted_entity"
	predicateReferencedBy    = "referenced_by"
	predicateContains        = "contains"
)

// UpdateBuilder converts parsed operations plus resolved entity ids into one
// consolidated additive-update batch, augmenting every touched entity with
// connectivity and provenance relationships.
type UpdateBuilder struct {
	log *slog.Logger
	now func() time.Time
}

// NewUpdateBuilder creates an update builder.
func NewUpdateBuilder(log *slog.Logger) *UpdateBuilder {
	return &UpdateBuilder{
		log: log.With(logger.Scope("extraction.updates")),
		now: time.Now,
	}
}

// BuildInput carries everything one build needs.
type BuildInput struct {
	Parsed     *ParsedOperations
	Results    []*CheckCreateResult
	Source     SourceRef
	ChunkText  string
	Collection string
}

// Build produces the additive updates for one extraction. Every check-create
// result receives an extracted_from provenance edge even when no operation
// touches it otherwise.
func (b *UpdateBuilder) Build(in BuildInput) []graph.AdditiveUpdate {
	idsByLabel := make(map[string]string, len(in.Results))
	typesByLabel := make(map[string]string, len(in.Results))
	for _, r := range in.Results {
		idsByLabel[r.Label] = r.EntityID
		typesByLabel[r.Label] = r.Type
	}

	byEntity := make(map[string]*graph.AdditiveUpdate, len(in.Results))
	order := make([]string, 0, len(in.Results))
	touch := func(id string) *graph.AdditiveUpdate {
		if u, ok := byEntity[id]; ok {
			return u
		}
		u := &graph.AdditiveUpdate{EntityID: id}
		byEntity[id] = u
		order = append(order, id)
		return u
	}

	// Seed with every resolved entity so provenance covers entities the
	// model declared but never referenced again.
	for _, r := range in.Results {
		touch(r.EntityID)
	}

	for _, prop := range in.Parsed.Properties {
		id, ok := idsByLabel[NormalizeLabel(prop.Entity)]
		if !ok {
			b.log.Warn("add_property references unknown entity, skipped",
				slog.String("entity", prop.Entity),
				slog.String("key", prop.Key))
			continue
		}
		u := touch(id)
		if u.Properties == nil {
			u.Properties = make(map[string]any)
		}
		u.Properties[prop.Key] = prop.Value
	}

	// firstReference remembers who referenced each orphan candidate first.
	type reference struct {
		subjectID string
		predicate string
	}
	hasOutgoing := make(map[string]bool)
	firstReference := make(map[string]reference)

	for _, rel := range in.Parsed.Relationships {
		subjectID, ok := idsByLabel[NormalizeLabel(rel.Subject)]
		if !ok {
			b.log.Warn("add_relationship references unknown subject, skipped",
				slog.String("subject", rel.Subject))
			continue
		}
		targetID, ok := idsByLabel[NormalizeLabel(rel.Target)]
		if !ok {
			b.log.Warn("add_relationship references unknown target, skipped",
				slog.String("target", rel.Target))
			continue
		}

		props := map[string]any{
			"description": rel.Description,
			"source":      in.Source,
			"context":     fmt.Sprintf("%s %s %s", rel.Subject, rel.Predicate, rel.Target),
			"confidence":  1.0,
		}
		if rel.QuoteStart != "" && rel.QuoteEnd != "" {
			if quote := ExtractQuote(in.ChunkText, rel.QuoteStart, rel.QuoteEnd); quote != "" {
				props["source_text"] = quote
			}
		}

		u := touch(subjectID)
		u.RelationshipsAdd = append(u.RelationshipsAdd, graph.RelationshipAdd{
			Predicate:  rel.Predicate,
			Peer:       targetID,
			PeerLabel:  rel.Target,
			Direction:  directionOutgoing,
			Properties: props,
		})

		hasOutgoing[subjectID] = true
		if _, seen := firstReference[targetID]; !seen {
			firstReference[targetID] = reference{subjectID: subjectID, predicate: rel.Predicate}
		}
	}

	// Orphan attachment: targets that are never subjects get a back-edge to
	// their first referrer, so every extracted entity has an outgoing edge.
	for targetID, ref := range firstReference {
		if hasOutgoing[targetID] {
			continue
		}
		u := touch(targetID)
		u.RelationshipsAdd = append(u.RelationshipsAdd, graph.RelationshipAdd{
			Predicate: predicateReferencedBy,
			Peer:      ref.subjectID,
			Direction: directionOutgoing,
			Properties: map[string]any{
				"context": ref.predicate,
				"source":  in.Source,
			},
		})
	}

	extractedAt := b.now().UTC().Format(time.RFC3339)

	// Provenance edge for every touched entity.
	for _, id := range order {
		byEntity[id].RelationshipsAdd = append(byEntity[id].RelationshipsAdd, graph.RelationshipAdd{
			Predicate: predicateExtractedFrom,
			Peer:      in.Source.ID,
			PeerLabel: in.Source.Label,
			Direction: directionOutgoing,
			Properties: map[string]any{
				"extracted_at": extractedAt,
				"source":       in.Source,
			},
		})
	}

	updates := make([]graph.AdditiveUpdate, 0, len(order)+2)
	for _, id := range order {
		updates = append(updates, *byEntity[id])
	}

	// Source backlinks: the chunk points at everything extracted from it.
	if len(in.Results) > 0 {
		backlink := graph.AdditiveUpdate{EntityID: in.Source.ID}
		for _, r := range in.Results {
			backlink.RelationshipsAdd = append(backlink.RelationshipsAdd, graph.RelationshipAdd{
				Predicate: predicateExtractedEntity,
				Peer:      r.EntityID,
				PeerLabel: r.Label,
				Direction: directionOutgoing,
				Properties: map[string]any{
					"extracted_at": extractedAt,
					"entity_type":  typesByLabel[r.Label],
				},
			})
		}
		updates = append(updates, backlink)
	}

	// Collection audit trail.
	if in.Collection != "" {
		updates = append(updates, graph.AdditiveUpdate{
			EntityID: in.Collection,
			RelationshipsAdd: []graph.RelationshipAdd{{
				Predicate: predicateContains,
				Peer:      in.Source.ID,
				PeerLabel: in.Source.Label,
				Direction: directionOutgoing,
				Properties: map[string]any{
					"relationship_type": "processed_chunk",
					"processed_at":      extractedAt,
				},
			}},
		})
	}

	return updates
}

// SplitBatches splits updates at the graph service's batch cap.
func SplitBatches(updates []graph.AdditiveUpdate, size int) [][]graph.AdditiveUpdate {
	if size <= 0 {
		size = graph.MaxUpdateBatchSize
	}
	var batches [][]graph.AdditiveUpdate
	for start := 0; start < len(updates); start += size {
		end := start + size
		if end > len(updates) {
			end = len(updates)
		}
		batches = append(batches, updates[start:end])
	}
	return batches
}
