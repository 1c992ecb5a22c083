package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emergent-company/emergent.extract/pkg/logger"
	"github.com/emergent-company/emergent.extract/pkg/sdk/graph"
	"github.com/emergent-company/emergent.extract/pkg/tracing"
)

// CheckCreateConfig tunes the race-resolution protocol.
type CheckCreateConfig struct {
	// SettleDelay is the base sleep after create, letting concurrent peers
	// finish their own create+index before the confirming lookup.
	SettleDelay time.Duration

	// SettleJitter is the upper bound of the random addition to each sleep,
	// desynchronizing cohorts of workers that started together.
	SettleJitter time.Duration

	// RecheckDelay is the base sleep before each confirming lookup retry.
	RecheckDelay time.Duration

	// LookupRetries bounds the confirming lookup retries taken while the
	// index still shows only our own entity.
	LookupRetries int

	// Concurrency caps in-flight check-create calls in a batch.
	Concurrency int
}

// DefaultCheckCreateConfig returns the production protocol timings.
func DefaultCheckCreateConfig() CheckCreateConfig {
	return CheckCreateConfig{
		SettleDelay:   100 * time.Millisecond,
		SettleJitter:  100 * time.Millisecond,
		RecheckDelay:  150 * time.Millisecond,
		LookupRetries: 2,
		Concurrency:   20,
	}
}

// CheckCreate performs idempotent entity upserts against an eventually
// consistent lookup index. Concurrent workers extracting the same label race
// on create; the protocol guarantees all racers independently agree on one
// surviving entity.
type CheckCreate struct {
	graph GraphAPI
	cfg   CheckCreateConfig
	log   *slog.Logger

	// sleep is swappable so tests run without real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCheckCreate creates a check-create engine bound to one graph client.
func NewCheckCreate(graphClient GraphAPI, cfg CheckCreateConfig, log *slog.Logger) *CheckCreate {
	return &CheckCreate{
		graph: graphClient,
		cfg:   cfg,
		log:   log.With(logger.Scope("extraction.checkcreate")),
		sleep: sleepCtx,
	}
}

// Run executes the protocol for one (collection, label, type) request.
//
// Lookup failures are treated as empty results: the protocol still completes
// and duplicate detection falls to the downstream resolver. Create failures
// are fatal. Delete failures on the loser path are logged and swallowed.
func (cc *CheckCreate) Run(ctx context.Context, collection, label, typ string) (*CheckCreateResult, error) {
	ctx, span := tracing.Start(ctx, "extraction.check_create")
	defer span.End()

	normalized := NormalizeLabel(label)
	if normalized == "" {
		return nil, fmt.Errorf("label %q normalizes to empty", label)
	}

	// Fast path: an entity already exists.
	existing := cc.lookup(ctx, collection, normalized, typ, 1)
	if len(existing) > 0 {
		return &CheckCreateResult{
			EntityID: existing[0].ID,
			IsNew:    false,
			Label:    normalized,
			Type:     typ,
		}, nil
	}

	// sync_index makes our entity observable to the confirming lookup, and
	// to every concurrent peer's confirming lookup.
	created, err := cc.graph.CreateEntity(ctx, &graph.CreateEntityRequest{
		Type:       typ,
		Collection: collection,
		Properties: map[string]any{"label": normalized},
		SyncIndex:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("create entity %q: %w", normalized, err)
	}

	if err := cc.sleep(ctx, cc.jittered(cc.cfg.SettleDelay)); err != nil {
		return nil, err
	}

	matches := cc.lookup(ctx, collection, normalized, typ, 10)
	for retry := 0; retry < cc.cfg.LookupRetries; retry++ {
		// Seeing only ourselves can mean we are alone, or that the index is
		// lagging behind a concurrent peer. Re-check before trusting it.
		if !(len(matches) == 1 && matches[0].ID == created.ID) {
			break
		}
		if err := cc.sleep(ctx, cc.jittered(cc.cfg.RecheckDelay)); err != nil {
			return nil, err
		}
		matches = cc.lookup(ctx, collection, normalized, typ, 10)
	}

	if len(matches) <= 1 {
		return &CheckCreateResult{
			EntityID: created.ID,
			IsNew:    true,
			Label:    normalized,
			Type:     typ,
		}, nil
	}

	// Deterministic tie-break: every racer sorts the same way and agrees on
	// the same winner without coordination.
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.Before(matches[j].CreatedAt)
		}
		return matches[i].ID < matches[j].ID
	})

	winner := matches[0]
	if winner.ID == created.ID {
		return &CheckCreateResult{
			EntityID: created.ID,
			IsNew:    true,
			Label:    normalized,
			Type:     typ,
		}, nil
	}

	racesDetected.Inc()
	cc.log.Info("creation race lost, deleting own entity",
		slog.String("label", normalized),
		slog.String("winner", winner.ID),
		slog.String("loser", created.ID),
	)
	if err := cc.graph.DeleteEntity(ctx, created.ID); err != nil {
		cc.log.Warn("failed to delete losing duplicate",
			slog.String("entity_id", created.ID),
			logger.Error(err),
		)
	}

	return &CheckCreateResult{
		EntityID: winner.ID,
		IsNew:    false,
		Label:    normalized,
		Type:     typ,
	}, nil
}

// RunBatch deduplicates the creates by (type, normalized label) and executes
// the protocol for each with bounded concurrency. Result order is undefined;
// callers key results by label.
func (cc *CheckCreate) RunBatch(ctx context.Context, collection string, creates []CreateOp) ([]*CheckCreateResult, error) {
	type key struct {
		typ   string
		label string
	}

	seen := make(map[key]CreateOp, len(creates))
	for _, c := range creates {
		k := key{typ: c.EntityType, label: NormalizeLabel(c.Label)}
		if k.label == "" {
			cc.log.Warn("skipping create with empty normalized label", slog.String("label", c.Label))
			continue
		}
		if _, dup := seen[k]; !dup {
			seen[k] = c
		}
	}

	results := make([]*CheckCreateResult, 0, len(seen))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cc.cfg.Concurrency)
	for _, c := range seen {
		g.Go(func() error {
			res, err := cc.Run(gctx, collection, c.Label, c.EntityType)
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// lookup wraps the graph lookup, degrading failures to an empty result.
func (cc *CheckCreate) lookup(ctx context.Context, collection, label, typ string, limit int) []graph.EntityRef {
	refs, err := cc.graph.LookupEntities(ctx, collection, label, typ, limit)
	if err != nil {
		cc.log.Warn("lookup failed, treating as not found",
			slog.String("label", label),
			slog.String("type", typ),
			logger.Error(err),
		)
		return nil
	}
	return refs
}

func (cc *CheckCreate) jittered(base time.Duration) time.Duration {
	if cc.cfg.SettleJitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(cc.cfg.SettleJitter)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
