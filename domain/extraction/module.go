package extraction

import (
	"context"
	"log/slog"

	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"github.com/emergent-company/emergent.extract/internal/config"
	"github.com/emergent-company/emergent.extract/pkg/llm/gemini"
	"github.com/emergent-company/emergent.extract/pkg/sdk/auth"
	"github.com/emergent-company/emergent.extract/pkg/sdk/graph"
)

var Module = fx.Module("extraction",
	fx.Provide(
		NewGeminiClient,
		provideLLM,
		NewGraphClientFactory,
		NewPromptRenderer,
		NewUpdateBuilder,
		NewService,
		NewHandler,
		provideJobRunner,
	),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(registerDrain),
)

// NewGeminiClient builds the LLM client from worker configuration.
func NewGeminiClient(cfg *config.Config, log *slog.Logger) (*gemini.Client, error) {
	return gemini.NewClient(gemini.Config{
		APIKey:              cfg.LLM.APIKey,
		Endpoint:            cfg.LLM.Endpoint,
		Model:               cfg.LLM.Model,
		AttemptTimeout:      cfg.LLM.AttemptTimeout,
		Temperature:         cfg.LLM.Temperature,
		MaxOutputTokens:     cfg.LLM.MaxOutputTokens,
		PromptTokenRate:     cfg.LLM.PromptTokenRate,
		CompletionTokenRate: cfg.LLM.CompletionTokenRate,
	},
		gemini.WithMaxRetries(cfg.LLM.MaxRetries),
		gemini.WithBaseDelay(cfg.LLM.RetryBaseDelay),
		gemini.WithMaxDelay(cfg.LLM.RetryMaxDelay),
		gemini.WithLogger(log),
	)
}

// NewGraphClientFactory mints per-job graph clients. Each job carries its own
// api_base; auth and the process-wide rate limit are shared.
func NewGraphClientFactory(cfg *config.Config) GraphClientFactory {
	authProvider := auth.NewAPIKeyProvider(cfg.Graph.APIKey)
	limiter := rate.NewLimiter(rate.Limit(cfg.Graph.RateLimit), cfg.Graph.RateBurst)

	return func(apiBase string) GraphAPI {
		return graph.NewClient(apiBase, authProvider, graph.WithRateLimiter(limiter))
	}
}

func provideLLM(c *gemini.Client) LLMClient { return c }

func provideJobRunner(s *Service) JobRunner { return s }

// registerDrain waits out in-flight fire-and-forget update posts on shutdown.
func registerDrain(lc fx.Lifecycle, s *Service) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			s.Drain()
			return nil
		},
	})
}
