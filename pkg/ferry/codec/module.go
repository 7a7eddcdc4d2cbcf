package codec

import "go.uber.org/fx"

// Module provides the chunked transfer codec.
var Module = fx.Options(
	fx.Provide(NewCodec),
)
