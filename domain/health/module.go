package health

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/emergent-company/emergent.extract/pkg/syshealth"
)

var Module = fx.Module("health",
	fx.Provide(
		NewHandler,
		NewSystemMonitor,
	),
	fx.Invoke(RegisterRoutes),
)

// NewSystemMonitor provides the background system health monitor and ties it
// to the application lifecycle.
func NewSystemMonitor(lc fx.Lifecycle, log *slog.Logger) syshealth.Monitor {
	monitor := syshealth.NewMonitor(nil, log)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return monitor.Start()
		},
		OnStop: func(ctx context.Context) error {
			return monitor.Stop()
		},
	})

	return monitor
}
