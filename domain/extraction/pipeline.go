package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/emergent-company/emergent.extract/internal/config"
	"github.com/emergent-company/emergent.extract/pkg/apperror"
	"github.com/emergent-company/emergent.extract/pkg/logger"
	"github.com/emergent-company/emergent.extract/pkg/sdk/graph"
	"github.com/emergent-company/emergent.extract/pkg/tracing"
)

// Service runs extraction jobs end to end: fetch chunk, call the LLM, parse
// operations, dedupe entities through check-create, fire additive updates,
// and hand off the newly created ids.
type Service struct {
	cfg     *config.Config
	llm     LLMClient
	factory GraphClientFactory
	prompts *PromptRenderer
	builder *UpdateBuilder
	log     *slog.Logger

	// inflight tracks fire-and-forget update posts so shutdown can drain them.
	inflight sync.WaitGroup
}

// NewService creates the extraction service.
func NewService(
	cfg *config.Config,
	llm LLMClient,
	factory GraphClientFactory,
	prompts *PromptRenderer,
	builder *UpdateBuilder,
	log *slog.Logger,
) *Service {
	return &Service{
		cfg:     cfg,
		llm:     llm,
		factory: factory,
		prompts: prompts,
		builder: builder,
		log:     log.With(logger.Scope("extraction.service")),
	}
}

// jobLog collects host-visible log entries alongside slog output.
type jobLog struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (jl *jobLog) add(level, message string, fields map[string]any) {
	jl.mu.Lock()
	defer jl.mu.Unlock()
	jl.entries = append(jl.entries, LogEntry{
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	})
}

// Process runs one job and always returns a host-shaped result.
func (s *Service) Process(ctx context.Context, req *JobRequest) *JobResult {
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	start := time.Now()
	jl := &jobLog{}
	output, err := s.run(ctx, req, jl)
	jobDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		jobsProcessed.WithLabelValues("error").Inc()
		s.log.Error("extraction job failed",
			slog.String("job_id", req.JobID),
			logger.Error(err),
		)

		code := "internal"
		var appErr *apperror.Error
		if errors.As(err, &appErr) {
			code = appErr.Code
		}
		return &JobResult{
			Status: "error",
			Output: []string{},
			Error:  &JobError{Code: code, Message: err.Error()},
			Logs:   jl.entries,
		}
	}

	jobsProcessed.WithLabelValues("done").Inc()
	return &JobResult{
		Status: "done",
		Output: output,
		Logs:   jl.entries,
	}
}

func (s *Service) run(ctx context.Context, req *JobRequest, jl *jobLog) ([]string, error) {
	ctx, span := tracing.Start(ctx, "extraction.job")
	defer span.End()

	log := s.log.With(slog.String("job_id", req.JobID))

	if req.TargetEntity == "" {
		return nil, apperror.ErrInvalidInput.WithMessage("job has no target_entity")
	}
	if req.APIBase == "" {
		return nil, apperror.ErrInvalidInput.WithMessage("job has no api_base")
	}
	graphClient := s.factory(req.APIBase)

	// Step 1: fetch the chunk with relationship previews.
	fetchCtx, fetchSpan := tracing.Start(ctx, "extraction.fetch")
	entity, err := graphClient.GetEntity(fetchCtx, req.TargetEntity, true)
	if err != nil {
		fetchSpan.End()
		return nil, apperror.ErrInvalidInput.WithMessage(
			fmt.Sprintf("target entity %s not found", req.TargetEntity)).WithInternal(err)
	}

	// Step 2: resolve and bound the text.
	text, err := s.resolveText(fetchCtx, graphClient, entity)
	fetchSpan.End()
	if err != nil {
		return nil, err
	}
	if len(text) < s.cfg.Extraction.MinTextLength {
		return nil, apperror.ErrInvalidInput.WithMessage(
			fmt.Sprintf("chunk text too short: %d chars (minimum %d)", len(text), s.cfg.Extraction.MinTextLength))
	}
	if len(text) > s.cfg.Extraction.MaxTextBytes {
		return nil, apperror.ErrInvalidInput.WithMessage(
			fmt.Sprintf("chunk text too large: %d bytes (maximum %d)", len(text), s.cfg.Extraction.MaxTextBytes))
	}
	if len(text) > s.cfg.Extraction.WarnTextBytes {
		log.Warn("chunk text is unusually large", slog.Int("bytes", len(text)))
		jl.add("warn", "chunk text is unusually large", map[string]any{"bytes": len(text)})
	}

	// Step 3: compose prompts and call the LLM.
	entityCtx := buildEntityContext(entity)
	systemPrompt, err := s.prompts.SystemPrompt()
	if err != nil {
		return nil, fmt.Errorf("render system prompt: %w", err)
	}
	userPrompt, err := s.prompts.UserPrompt(entityCtx, text)
	if err != nil {
		return nil, fmt.Errorf("render user prompt: %w", err)
	}

	llmCtx, llmSpan := tracing.Start(ctx, "extraction.llm")
	llmResult, err := s.llm.Call(llmCtx, systemPrompt, userPrompt)
	llmSpan.End()
	if err != nil {
		return nil, apperror.ErrLLM.WithMessage("LLM extraction failed").WithInternal(err)
	}

	llmTokens.WithLabelValues("prompt").Add(float64(llmResult.PromptTokens))
	llmTokens.WithLabelValues("completion").Add(float64(llmResult.CompletionTokens))
	llmCost.Add(llmResult.Cost)
	jl.add("info", "LLM extraction complete", map[string]any{
		"prompt_tokens":     llmResult.PromptTokens,
		"completion_tokens": llmResult.CompletionTokens,
		"total_tokens":      llmResult.TotalTokens,
		"cost":              llmResult.Cost,
	})

	// Step 4: parse, then backfill creates for labels the model referenced
	// but never declared.
	parsed, err := ParseOperations(llmResult.Content)
	if err != nil {
		return nil, err
	}
	for _, w := range parsed.Warnings {
		log.Warn("operation validation", slog.String("warning", w))
	}

	declared := make(map[string]struct{}, len(parsed.Creates))
	for _, c := range parsed.Creates {
		declared[NormalizeLabel(c.Label)] = struct{}{}
	}
	for label := range CollectReferencedLabels(parsed) {
		normalized := NormalizeLabel(label)
		if normalized == "" {
			continue
		}
		if _, ok := declared[normalized]; ok {
			continue
		}
		declared[normalized] = struct{}{}
		parsed.Creates = append(parsed.Creates, CreateOp{Label: normalized, EntityType: "entity"})
		log.Debug("auto-created referenced label", slog.String("label", normalized))
	}

	if len(parsed.Creates) == 0 {
		log.Info("extraction produced no entities")
		jl.add("info", "extraction produced no entities", nil)
		return []string{}, nil
	}
	jl.add("info", "operations parsed", map[string]any{
		"creates":       len(parsed.Creates),
		"properties":    len(parsed.Properties),
		"relationships": len(parsed.Relationships),
		"warnings":      len(parsed.Warnings),
	})

	// Step 5: dedupe through check-create.
	checkCreate := NewCheckCreate(graphClient, CheckCreateConfig{
		SettleDelay:   s.cfg.Extraction.SettleDelay,
		SettleJitter:  s.cfg.Extraction.SettleJitter,
		RecheckDelay:  s.cfg.Extraction.RecheckDelay,
		LookupRetries: s.cfg.Extraction.LookupRetries,
		Concurrency:   s.cfg.Extraction.CheckCreateConcurrency,
	}, log)

	results, err := checkCreate.RunBatch(ctx, req.TargetCollection, parsed.Creates)
	if err != nil {
		return nil, apperror.ErrGraph.WithMessage("entity creation failed").WithInternal(err)
	}

	newCount := 0
	for _, r := range results {
		if r.IsNew {
			newCount++
		}
	}
	entitiesCreated.Add(float64(newCount))
	jl.add("info", "entities resolved", map[string]any{
		"total":  len(results),
		"new":    newCount,
		"reused": len(results) - newCount,
	})

	// Step 6: build and fire updates without awaiting.
	_, updatesSpan := tracing.Start(ctx, "extraction.updates")
	updates := s.builder.Build(BuildInput{
		Parsed:     parsed,
		Results:    results,
		Source:     sourceRefFor(entity),
		ChunkText:  text,
		Collection: req.TargetCollection,
	})
	s.fireUpdates(ctx, graphClient, req.JobID, updates)
	updatesSpan.End()
	jl.add("info", "additive updates dispatched", map[string]any{"updates": len(updates)})

	// Step 7: hand off only what this job created.
	output := make([]string, 0, newCount)
	for _, r := range results {
		if r.IsNew {
			output = append(output, r.EntityID)
		}
	}

	log.Info("extraction job complete",
		slog.Int("entities", len(results)),
		slog.Int("new_entities", newCount),
		slog.Int("updates", len(updates)),
	)
	return output, nil
}

// resolveText prefers inline text properties over the content endpoint.
func (s *Service) resolveText(ctx context.Context, graphClient GraphAPI, entity *graph.Entity) (string, error) {
	if text, ok := entity.Properties["text"].(string); ok && text != "" {
		return text, nil
	}
	if text, ok := entity.Properties["content"].(string); ok && text != "" {
		return text, nil
	}

	text, err := graphClient.GetEntityContent(ctx, entity.ID, "content")
	if err != nil {
		return "", apperror.ErrInvalidInput.WithMessage(
			fmt.Sprintf("entity %s has no resolvable text", entity.ID)).WithInternal(err)
	}
	return text, nil
}

// fireUpdates posts batches under a detached context so host cancellation
// after the job result never loses updates; the ingress upserts by
// (entity, predicate, peer), so retrying a batch is safe.
func (s *Service) fireUpdates(ctx context.Context, graphClient GraphAPI, jobID string, updates []graph.AdditiveUpdate) {
	batches := SplitBatches(updates, s.cfg.Extraction.UpdateBatchSize)

	for i, batch := range batches {
		s.inflight.Add(1)
		go func(i int, batch []graph.AdditiveUpdate) {
			defer s.inflight.Done()

			fireCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Extraction.UpdateFireTimeout)
			defer cancel()

			backoff := retry.WithMaxRetries(s.cfg.Extraction.UpdateFireRetries,
				retry.NewExponential(500*time.Millisecond))

			err := retry.Do(fireCtx, backoff, func(fireCtx context.Context) error {
				_, err := graphClient.PostAdditiveUpdates(fireCtx, batch)
				if err != nil {
					return retry.RetryableError(err)
				}
				return nil
			})
			if err != nil {
				updateBatches.WithLabelValues("failed").Inc()
				s.log.Error("additive update batch failed",
					slog.String("job_id", jobID),
					slog.Int("batch", i),
					slog.Int("size", len(batch)),
					logger.Error(err),
				)
				return
			}

			updateBatches.WithLabelValues("ok").Inc()
			s.log.Debug("additive update batch accepted",
				slog.String("job_id", jobID),
				slog.Int("batch", i),
				slog.Int("size", len(batch)),
			)
		}(i, batch)
	}
}

// Drain blocks until all fire-and-forget update posts have completed.
func (s *Service) Drain() {
	s.inflight.Wait()
}

func buildEntityContext(entity *graph.Entity) *EntityContext {
	ec := &EntityContext{
		ID:            entity.ID,
		Type:          entity.Type,
		Properties:    make(map[string]any, len(entity.Properties)),
		Relationships: entity.Relationships,
	}
	for k, v := range entity.Properties {
		switch k {
		case "label":
			ec.Label, _ = v.(string)
		case "description":
			ec.Description, _ = v.(string)
		case "text", "content":
			// omitted; the chunk body is passed separately
		default:
			ec.Properties[k] = v
		}
	}
	return ec
}

func sourceRefFor(entity *graph.Entity) SourceRef {
	label, _ := entity.Properties["label"].(string)
	return SourceRef{ID: entity.ID, Type: entity.Type, Label: label}
}
