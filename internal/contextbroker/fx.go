package contextbroker

import "go.uber.org/fx"

var Module = fx.Module("contextbroker",
	fx.Provide(New),
)
