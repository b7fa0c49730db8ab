// Command sweep-discounts activates and deactivates scheduled discounts once
// and exits. Use it from cron when the API server runs with the sweeper off.
package main

import (
	"context"

	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	appkg "github.com/xenking/discount-engine/internal/app"
)

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		cfg, err := appkg.LoadConfig()
		if err != nil {
			return err
		}
		return appkg.SweepOnce(ctx, lg, m, cfg)
	})
}
