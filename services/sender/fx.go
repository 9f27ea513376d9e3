package sender

import (
	"smallbiznis-messaging/services/campaign"

	"go.uber.org/fx"
)

var Module = fx.Module("sender.module",
	fx.Provide(
		NewHTTPProvider,
		provideProvider,
		NewLinkShortener,
		provideShortener,
		NewUnsubscribeSigner,
		NewBuilder,
		provideAggregator,
		NewWorker,
	),
)

var Routes = fx.Module("sender.routes",
	fx.Invoke(RegisterRoutes),
)

func provideAggregator(s *campaign.Service) Aggregator {
	return s
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&ShortLink{}}
}
