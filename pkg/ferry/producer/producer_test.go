package producer_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	metrics "github.com/kinegraph/pulseferry/pkg/ferry/core/metrics"
	model "github.com/kinegraph/pulseferry/pkg/ferry/core/model"
	producer "github.com/kinegraph/pulseferry/pkg/ferry/producer"
	queue "github.com/kinegraph/pulseferry/pkg/ferry/queue"
)

// newTestProducer builds a producer over a real spool in a temp dir.
func newTestProducer(t *testing.T, maxSamples int) (*producer.Producer, *queue.Queue) {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Pulseferry.DataDir = t.TempDir()
	cfg.Pulseferry.Capture.BatchMaxSamples = maxSamples
	spool, err := queue.NewSpoolQueue(cfg, metrics.NewNoOpMetricRecorder())
	require.NoError(t, err)
	return producer.NewProducer(cfg, spool, metrics.NewNoOpMetricRecorder()), spool
}

func sampleAt(ts int64) model.Sample {
	return model.Sample{Timestamp: ts, PrimaryValue: float64(ts) / 1000}
}

// TestHandleSample_SealsOnCountBound verifies the count bound seals and
// spools a batch inline while later samples start a fresh buffer.
func TestHandleSample_SealsOnCountBound(t *testing.T) {
	p, spool := newTestProducer(t, 4)
	ctx := context.Background()

	for i := int64(0); i < 4; i++ {
		p.HandleSample(sampleAt(1000 + i))
	}
	assert.Equal(t, 0, p.Buffered())

	entries, err := spool.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	batch := entries[0].Batch
	assert.NotEmpty(t, batch.BatchID)
	assert.NotZero(t, batch.CreatedAt)
	require.Len(t, batch.Samples, 4)
	for i := int64(0); i < 4; i++ {
		assert.Equal(t, 1000+i, batch.Samples[i].Timestamp)
	}

	select {
	case <-p.Kicks():
	default:
		t.Fatal("expected a kick after the seal")
	}

	// A partial refill stays buffered.
	p.HandleSample(sampleAt(2000))
	assert.Equal(t, 1, p.Buffered())
	depth, err := spool.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

// TestFlushInterval_SealsPartialBatch verifies the interval flush spools
// whatever accumulated and that an empty flush is a no-op.
func TestFlushInterval_SealsPartialBatch(t *testing.T) {
	p, spool := newTestProducer(t, 10)
	ctx := context.Background()

	p.HandleSample(sampleAt(1))
	p.HandleSample(sampleAt(2))
	p.FlushInterval(ctx)
	assert.Equal(t, 0, p.Buffered())

	entries, err := spool.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].Batch.Samples, 2)

	// Drain the kick, then verify an empty flush produces neither.
	select {
	case <-p.Kicks():
	default:
		t.Fatal("expected a kick after the seal")
	}
	p.FlushInterval(ctx)
	depth, err := spool.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
	select {
	case <-p.Kicks():
		t.Fatal("empty flush must not kick the uploader")
	default:
	}
}

// TestSealedBatches_AreSpooledFIFO verifies successive seals land in the
// spool in creation order.
func TestSealedBatches_AreSpooledFIFO(t *testing.T) {
	p, spool := newTestProducer(t, 10)
	ctx := context.Background()

	for round := int64(0); round < 3; round++ {
		p.HandleSample(sampleAt(round*100 + 1))
		p.HandleSample(sampleAt(round*100 + 2))
		p.FlushInterval(ctx)
	}

	entries, err := spool.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i := int64(0); i < 3; i++ {
		assert.Equal(t, i*100+1, entries[i].Batch.Samples[0].Timestamp)
	}
	assert.Less(t, entries[0].Batch.BatchID, entries[1].Batch.BatchID)
	assert.Less(t, entries[1].Batch.BatchID, entries[2].Batch.BatchID)
}

// TestHandleSample_ConcurrentCallersLoseNothing verifies no sample is
// dropped when several goroutines feed the producer.
func TestHandleSample_ConcurrentCallersLoseNothing(t *testing.T) {
	p, spool := newTestProducer(t, 16)
	ctx := context.Background()

	const workers, perWorker = 4, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				p.HandleSample(sampleAt(int64(w*perWorker + i)))
			}
		}(w)
	}
	wg.Wait()
	p.FlushInterval(ctx)

	entries, err := spool.ListPending(ctx)
	require.NoError(t, err)
	total := 0
	for _, e := range entries {
		total += len(e.Batch.Samples)
	}
	assert.Equal(t, workers*perWorker, total)
	assert.Equal(t, 0, p.Buffered())
}

// TestKicks_CoalesceWithoutBlocking verifies sealing never blocks on a full
// wake channel; multiple seals collapse into one pending kick.
func TestKicks_CoalesceWithoutBlocking(t *testing.T) {
	p, spool := newTestProducer(t, 2)

	for i := int64(0); i < 6; i++ {
		p.HandleSample(sampleAt(i))
	}

	depth, err := spool.Depth()
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	kicks := 0
	for {
		select {
		case <-p.Kicks():
			kicks++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, kicks)
}
