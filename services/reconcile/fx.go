package reconcile

import (
	"smallbiznis-messaging/services/campaign"

	"go.uber.org/fx"
)

var Module = fx.Module("reconcile.module",
	fx.Provide(
		NewService,
		NewScheduler,
		provideCampaigns,
	),
)

// Scheduled starts the periodic sweep; only the worker process runs it.
var Scheduled = fx.Module("reconcile.scheduler",
	fx.Invoke(StartScheduler),
)

var Routes = fx.Module("reconcile.routes",
	fx.Invoke(RegisterRoutes),
)

func provideCampaigns(s *campaign.Service) Campaigns {
	return s
}
