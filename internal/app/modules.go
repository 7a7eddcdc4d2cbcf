package app

import (
	"go.uber.org/fx"

	storage "github.com/kinegraph/pulseferry/pkg/ferry/adapter/storage"
	gcs "github.com/kinegraph/pulseferry/pkg/ferry/adapter/storage/gcs"
	local "github.com/kinegraph/pulseferry/pkg/ferry/adapter/storage/local"
	archive "github.com/kinegraph/pulseferry/pkg/ferry/archive"
	assembly "github.com/kinegraph/pulseferry/pkg/ferry/assembly"
	codec "github.com/kinegraph/pulseferry/pkg/ferry/codec"
	delivery "github.com/kinegraph/pulseferry/pkg/ferry/delivery"
	infraMetrics "github.com/kinegraph/pulseferry/pkg/ferry/infrastructure/metrics"
	intake "github.com/kinegraph/pulseferry/pkg/ferry/intake"
	netgate "github.com/kinegraph/pulseferry/pkg/ferry/netgate"
	platform "github.com/kinegraph/pulseferry/pkg/ferry/platform"
	producer "github.com/kinegraph/pulseferry/pkg/ferry/producer"
	queue "github.com/kinegraph/pulseferry/pkg/ferry/queue"
	sink "github.com/kinegraph/pulseferry/pkg/ferry/sink"
	status "github.com/kinegraph/pulseferry/pkg/ferry/status"
	supervisor "github.com/kinegraph/pulseferry/pkg/ferry/supervisor"
	transport "github.com/kinegraph/pulseferry/pkg/ferry/transport"
)

// captureModules composes the wrist-side agent. The single durable queue in
// this graph is the spool; the producer seals batches into it and the
// uploader drains it over the companion link.
func captureModules() fx.Option {
	return fx.Options(
		infraMetrics.Module,
		codec.Module,
		fx.Provide(queue.NewSpoolQueue),
		transport.ClientModule,
		platform.Module,
		producer.Module,
		supervisor.Module,
	)
}

// relayModules composes the companion-side relay. The single durable queue in
// this graph is the pending delivery queue; intake fills it from reassembled
// batches and the delivery engine drains it toward the remote sink.
func relayModules() fx.Option {
	return fx.Options(
		infraMetrics.Module,
		codec.Module,
		queue.Module,
		storage.Module,
		local.Module,
		gcs.Module,
		archive.Module,
		intake.Module,
		assembly.Module,
		transport.ServerModule,
		netgate.Module,
		sink.Module,
		status.Module,
		delivery.Module,
	)
}
