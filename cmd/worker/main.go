package main

import (
	"log"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

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
	"smallbiznis-messaging/pkg/taskname"
	"smallbiznis-messaging/services/campaign"
	"smallbiznis-messaging/services/credit"
	"smallbiznis-messaging/services/idempotency"
	"smallbiznis-messaging/services/reconcile"
	"smallbiznis-messaging/services/sender"
)

// The worker consumes send, repair, delivery and reconcile tasks and runs the
// periodic sweep. Its HTTP server only exposes health and metrics.
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
		task.Server,
		credit.Module,
		campaign.Module,
		sender.Module,
		reconcile.Module,
		reconcile.Scheduled,
		server.ProvideHTTPServer,
		health.Module,
		profiling.Module,
		fx.Invoke(registerHandlers),
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

func registerHandlers(mux *asynq.ServeMux, w *sender.Worker, rec *reconcile.Service) {
	mux.HandleFunc(taskname.CampaignBulkSend, w.HandleBulkSendTask)
	mux.HandleFunc(taskname.CampaignSingleSend, w.HandleSingleSendTask)
	mux.HandleFunc(taskname.CampaignPersistRepair, w.HandlePersistRepairTask)
	mux.HandleFunc(taskname.CampaignDeliveryCheck, w.HandleDeliveryCheckTask)
	mux.HandleFunc(taskname.CampaignReconcile, rec.HandleReconcileTask)
}
