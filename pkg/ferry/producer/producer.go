// Package producer turns the capture stream into sealed batches and ships
// them to the companion relay. Samples accumulate until a count or interval
// bound seals them into an immutable batch, which is spooled to disk before
// the uploader leg moves it over the companion link. The sampling callback
// never touches the network; shipping runs on its own goroutine.
package producer

import (
	"context"
	"sync"
	"time"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/metrics"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/model"
	"github.com/kinegraph/pulseferry/pkg/ferry/queue"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

// Producer accumulates samples into batches and spools sealed batches for
// the uploader.
type Producer struct {
	spool      *queue.Queue
	recorder   metrics.MetricRecorder
	maxSamples int
	kick       chan struct{}

	mu  sync.Mutex
	buf []model.Sample
	seq uint64
}

// NewProducer creates the batch producer.
//
// Parameters:
//
//	cfg: The application configuration (batching bounds).
//	spool: The durable spool queue sealed batches land in.
//	recorder: The MetricRecorder for sealing events.
//
// Returns:
//
//	A pointer to the Producer.
func NewProducer(cfg *config.Config, spool *queue.Queue, recorder metrics.MetricRecorder) *Producer {
	maxSamples := cfg.Pulseferry.Capture.BatchMaxSamples
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &Producer{
		spool:      spool,
		recorder:   recorder,
		maxSamples: maxSamples,
		kick:       make(chan struct{}, 1),
	}
}

// HandleSample ingests one sample from the capture source. When the sample
// fills the batch, the batch is sealed and spooled inline; a disk flush
// every few hundred samples is cheap enough for the sampling callback, the
// network is not.
func (p *Producer) HandleSample(sample model.Sample) {
	p.mu.Lock()
	p.buf = append(p.buf, sample)
	var batch *model.Batch
	if len(p.buf) >= p.maxSamples {
		batch = p.sealLocked()
	}
	p.mu.Unlock()

	if batch != nil {
		p.persist(context.Background(), batch)
	}
}

// FlushInterval seals whatever has accumulated since the last seal. The
// interval ticker calls this so a quiet stretch never strands a partial
// batch in memory.
func (p *Producer) FlushInterval(ctx context.Context) {
	p.mu.Lock()
	batch := p.sealLocked()
	p.mu.Unlock()

	if batch != nil {
		p.persist(ctx, batch)
	}
}

// Buffered returns the number of samples awaiting the next seal.
func (p *Producer) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Kicks exposes the uploader wake channel. It carries one signal per spooled
// batch, coalesced.
func (p *Producer) Kicks() <-chan struct{} {
	return p.kick
}

// sealLocked builds an immutable batch from the buffered samples. The caller
// must hold p.mu. Returns nil when nothing is buffered.
func (p *Producer) sealLocked() *model.Batch {
	if len(p.buf) == 0 {
		return nil
	}
	now := time.Now()
	p.seq++
	batch := &model.Batch{
		BatchID:   model.NewBatchID(now, p.seq),
		CreatedAt: now.UnixMilli(),
		Samples:   p.buf,
	}
	p.buf = make([]model.Sample, 0, p.maxSamples)
	return batch
}

// persist spools a sealed batch and wakes the uploader. A spool failure is
// the one place the producer can lose data, so it is logged at full volume.
func (p *Producer) persist(ctx context.Context, batch *model.Batch) {
	p.recorder.RecordBatchSealed(ctx, len(batch.Samples))
	if _, err := p.spool.Enqueue(ctx, batch); err != nil {
		logger.Errorf("Failed to spool batch %s, its %d samples are lost: %v", batch.BatchID, len(batch.Samples), err)
		return
	}
	select {
	case p.kick <- struct{}{}:
	default:
	}
}
