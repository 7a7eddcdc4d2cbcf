package transport_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinegraph/pulseferry/pkg/ferry/assembly"
	"github.com/kinegraph/pulseferry/pkg/ferry/codec"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/metrics"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/model"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
	"github.com/kinegraph/pulseferry/pkg/ferry/transport"
)

// capturingHandler records persisted batches, optionally failing first.
type capturingHandler struct {
	mu       sync.Mutex
	batches  []*model.Batch
	failures int
}

func (h *capturingHandler) OnBatchReady(ctx context.Context, batch *model.Batch) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failures > 0 {
		h.failures--
		return exception.NewPipelineError("intake", "persistence unavailable", nil, true)
	}
	h.batches = append(h.batches, batch)
	return nil
}

func (h *capturingHandler) persisted() []*model.Batch {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*model.Batch(nil), h.batches...)
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Pulseferry.DataDir = t.TempDir()
	cfg.Pulseferry.Chunking.MaxChunkBytes = 64
	cfg.Pulseferry.Chunking.CompressThresholdBytes = 128
	cfg.Pulseferry.Chunking.StaleTimeoutMs = 60000
	cfg.Pulseferry.Transport.Listen = "127.0.0.1:0"
	return cfg
}

// startRig boots a server over a loopback listener and returns a connected
// client plus the handler sitting behind the assembly store.
func startRig(t *testing.T, handler *capturingHandler) (*transport.Client, *transport.Server, *codec.Codec) {
	t.Helper()
	cfg := newTestConfig(t)

	c := codec.NewCodec(cfg)
	store, err := assembly.NewStore(cfg, c, handler, metrics.NewNoOpMetricRecorder(), metrics.NewNoOpTracer())
	require.NoError(t, err)

	srv := transport.NewServer(cfg, store, metrics.NewNoOpMetricRecorder())
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	clientCfg := newTestConfig(t)
	clientCfg.Pulseferry.Transport.Peer = srv.Addr()
	client := transport.NewClient(clientCfg, metrics.NewNoOpMetricRecorder())
	t.Cleanup(func() { client.Close() })

	return client, srv, c
}

func sampleBatch(id string, samples int) *model.Batch {
	b := &model.Batch{BatchID: id, CreatedAt: 1755700000000}
	for i := 0; i < samples; i++ {
		b.Samples = append(b.Samples, model.Sample{
			Timestamp:    1755700000000 + int64(i*40),
			PrimaryValue: float64(i) * 0.25,
		})
	}
	return b
}

func TestRoundTrip_SplitShipReassemble(t *testing.T) {
	handler := &capturingHandler{}
	client, _, c := startRig(t, handler)

	batch := sampleBatch("b-roundtrip", 40)
	chunks, err := c.Split(batch)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1, "test batch should split into multiple chunks")

	for _, chunk := range chunks {
		require.NoError(t, client.SendChunk(context.Background(), chunk))
	}

	persisted := handler.persisted()
	require.Len(t, persisted, 1)
	assert.Equal(t, batch.BatchID, persisted[0].BatchID)
	assert.Equal(t, batch.Samples, persisted[0].Samples)
}

func TestSendChunk_PersistenceFailureIsRetryable(t *testing.T) {
	handler := &capturingHandler{failures: 1}
	client, _, c := startRig(t, handler)

	batch := sampleBatch("b-retry", 40)
	chunks, err := c.Split(batch)
	require.NoError(t, err)

	var sendErr error
	for _, chunk := range chunks {
		if sendErr = client.SendChunk(context.Background(), chunk); sendErr != nil {
			break
		}
	}
	require.Error(t, sendErr)
	assert.True(t, exception.IsTemporary(sendErr))
	assert.Empty(t, handler.persisted())

	// The assembly survived the failed persistence, so retransmitting the
	// whole sequence succeeds.
	for _, chunk := range chunks {
		require.NoError(t, client.SendChunk(context.Background(), chunk))
	}
	assert.Len(t, handler.persisted(), 1)
}

func TestSendChunk_MalformedChunkIsRejected(t *testing.T) {
	handler := &capturingHandler{}
	client, _, _ := startRig(t, handler)

	err := client.SendChunk(context.Background(), model.Chunk{
		BatchID:     "b-bad",
		Index:       7,
		TotalChunks: 3,
		Payload:     []byte("x"),
	})
	require.Error(t, err)
	assert.True(t, exception.IsPayloadRejected(err))
}

func TestHeartbeatAndDiagnostic_FireAndForget(t *testing.T) {
	handler := &capturingHandler{}
	client, srv, _ := startRig(t, handler)

	hb := model.Heartbeat{Timestamp: 1755700000000, UptimeMs: 123456, Mode: model.ModeActive}
	require.NoError(t, client.SendHeartbeat(context.Background(), hb))
	require.NoError(t, client.SendDiagnostic(context.Background(), "wake_disruption", map[string]string{"releases": "4"}))

	// Heartbeats carry no reply; poll until the server's read loop has
	// processed the frame.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got, ok := srv.LastHeartbeat(); ok {
			assert.Equal(t, hb, got)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server never observed the heartbeat")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendChunk_UnreachablePeerIsRetryable(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Pulseferry.Transport.Peer = "127.0.0.1:1"
	client := transport.NewClient(cfg, metrics.NewNoOpMetricRecorder())

	err := client.SendChunk(context.Background(), model.Chunk{BatchID: "b-1", Index: 0, TotalChunks: 1})
	require.Error(t, err)
	assert.True(t, exception.IsTemporary(err))
}

func TestSendChunk_NoPeerConfiguredIsFatal(t *testing.T) {
	cfg := newTestConfig(t)
	client := transport.NewClient(cfg, metrics.NewNoOpMetricRecorder())

	err := client.SendChunk(context.Background(), model.Chunk{BatchID: "b-1", Index: 0, TotalChunks: 1})
	require.Error(t, err)
	assert.False(t, exception.IsTemporary(err))
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
}
