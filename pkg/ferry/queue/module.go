package queue

import "go.uber.org/fx"

// Module provides the relay-side pending queue.
var Module = fx.Options(
	fx.Provide(NewPendingQueue),
)
