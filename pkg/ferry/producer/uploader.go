package producer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kinegraph/pulseferry/pkg/ferry/codec"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/metrics"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
	"github.com/kinegraph/pulseferry/pkg/ferry/queue"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

// drainFallbackInterval bounds how long a spooled batch waits when a kick
// was missed or the link was down on the last pass.
const drainFallbackInterval = 15 * time.Second

// Uploader drains the spool through the chunk codec and the companion link.
// A batch is removed from the spool only after every chunk was confirmed;
// failures retry the whole batch, never individual chunks.
type Uploader struct {
	spool    *queue.Queue
	codec    *codec.Codec
	link     ports.CompanionLink
	recorder metrics.MetricRecorder
	retry    config.RetryConfig
}

// NewUploader creates the uploader leg.
//
// Parameters:
//
//	cfg: The application configuration (retry settings).
//	spool: The spool queue to drain.
//	c: The chunk codec.
//	link: The companion link chunks ship over.
//	recorder: The MetricRecorder for shipping events.
//
// Returns:
//
//	A pointer to the Uploader.
func NewUploader(cfg *config.Config, spool *queue.Queue, c *codec.Codec, link ports.CompanionLink,
	recorder metrics.MetricRecorder) *Uploader {
	return &Uploader{
		spool:    spool,
		codec:    c,
		link:     link,
		recorder: recorder,
		retry:    cfg.Pulseferry.Delivery.Retry,
	}
}

// Run drains the spool once immediately, then on every kick and on a
// fallback cadence, until the context ends. The immediate pass ships batches
// a previous run left behind.
func (u *Uploader) Run(ctx context.Context, kicks <-chan struct{}) {
	u.Drain(ctx)

	ticker := time.NewTicker(drainFallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-kicks:
		case <-ticker.C:
		}
		u.Drain(ctx)
	}
}

// Drain ships every spooled batch in FIFO order. A transient link failure
// stops the pass, the remaining entries wait for the next one; a rejected
// batch is dead-lettered and does not block the entries behind it.
//
// Parameters:
//
//	ctx: The context bounding the pass.
//
// Returns:
//
//	The number of batches shipped and removed from the spool.
func (u *Uploader) Drain(ctx context.Context) int {
	entries, err := u.spool.ListPending(ctx)
	if err != nil {
		logger.Errorf("Failed to list the spool: %v", err)
		return 0
	}

	shipped := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return shipped
		}
		ok, stop := u.ship(ctx, entry)
		if ok {
			shipped++
		}
		if stop {
			return shipped
		}
	}
	return shipped
}

// ship moves one spooled batch over the link, retrying the whole chunk
// sequence with capped exponential backoff. It reports whether the batch
// shipped and whether the pass should stop (the link is down, so the entries
// behind this one cannot do better).
func (u *Uploader) ship(ctx context.Context, entry queue.Entry) (bool, bool) {
	start := time.Now()

	chunks, err := u.codec.Split(entry.Batch)
	if err != nil {
		logger.Errorf("Batch %s cannot be encoded for transfer, dead-lettering it: %v", entry.Batch.BatchID, err)
		u.deadLetter(ctx, entry)
		u.recorder.RecordDuration(ctx, "spool_ship_duration", time.Since(start), map[string]string{"status": "unencodable"})
		return false, false
	}

	operation := func() (int, error) {
		for _, chunk := range chunks {
			if serr := u.link.SendChunk(ctx, chunk); serr != nil {
				if exception.IsPayloadRejected(serr) {
					return 0, backoff.Permanent(serr)
				}
				return 0, serr
			}
		}
		return len(chunks), nil
	}

	expo := backoff.NewExponentialBackOff()
	if d := time.Duration(u.retry.InitialInterval) * time.Millisecond; d > 0 {
		expo.InitialInterval = d
	}
	if d := time.Duration(u.retry.MaxInterval) * time.Millisecond; d > 0 {
		expo.MaxInterval = d
	}
	if u.retry.Factor > 0 {
		expo.Multiplier = u.retry.Factor
	}
	maxTries := u.retry.MaxAttempts
	if maxTries <= 0 {
		maxTries = 5
	}

	sent, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(maxTries)),
	)
	if err != nil {
		if exception.IsPayloadRejected(err) {
			logger.Errorf("Companion rejected batch %s, dead-lettering it: %v", entry.Batch.BatchID, err)
			u.deadLetter(ctx, entry)
			u.recorder.RecordDuration(ctx, "spool_ship_duration", time.Since(start), map[string]string{"status": "rejected"})
			return false, false
		}
		logger.Warnf("Batch %s did not ship after %d attempts, it stays spooled: %v", entry.Batch.BatchID, maxTries, err)
		u.recorder.RecordDuration(ctx, "spool_ship_duration", time.Since(start), map[string]string{"status": "unshipped"})
		return false, true
	}

	u.recorder.RecordDuration(ctx, "spool_ship_duration", time.Since(start), map[string]string{"status": "shipped"})
	if err := u.spool.Remove(ctx, entry.Key); err != nil {
		logger.Errorf("Shipped batch %s but failed to remove spool entry %s, it will be reshipped: %v",
			entry.Batch.BatchID, entry.Key, err)
		return true, false
	}
	logger.Debugf("Shipped batch %s in %d chunks.", entry.Batch.BatchID, sent)
	return true, false
}

func (u *Uploader) deadLetter(ctx context.Context, entry queue.Entry) {
	if err := u.spool.MoveToDeadLetter(ctx, entry.Key); err != nil {
		logger.Errorf("Failed to dead-letter spool entry %s: %v", entry.Key, err)
	}
}
