package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"smallbiznis-messaging/pkg/config"
	"smallbiznis-messaging/pkg/db"
	"smallbiznis-messaging/pkg/gen"
	"smallbiznis-messaging/pkg/hashistack/secretmanager"
	"smallbiznis-messaging/pkg/health"
	"smallbiznis-messaging/pkg/logger"
	"smallbiznis-messaging/pkg/otelcol"
	"smallbiznis-messaging/pkg/profiling"
	"smallbiznis-messaging/pkg/redis"
	"smallbiznis-messaging/pkg/server"
	"smallbiznis-messaging/pkg/task"
	"smallbiznis-messaging/services/campaign"
	"smallbiznis-messaging/services/credit"
	"smallbiznis-messaging/services/idempotency"
	"smallbiznis-messaging/services/reconcile"
	"smallbiznis-messaging/services/sender"
)

// The api process accepts enqueue requests, serves short links and opt-outs,
// and owns schema migrations.
func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		db.Module,
		redis.Module,
		gen.Module,
		idempotency.Module,
		task.Client,
		credit.Module,
		campaign.Module,
		campaign.Routes,
		sender.Module,
		sender.Routes,
		reconcile.Module,
		reconcile.Routes,
		server.ProvideHTTPServer,
		health.Module,
		profiling.Module,
		fx.Invoke(migrate),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func migrate(db *gorm.DB) error {
	models := append(campaign.Models(), credit.Models()...)
	models = append(models, sender.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		zap.L().Error("[DB] Migration failed", zap.Error(err))
		return err
	}
	zap.L().Info("[DB] Schema migrated", zap.Int("tables", len(models)))
	return nil
}
