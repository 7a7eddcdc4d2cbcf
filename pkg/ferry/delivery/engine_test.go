package delivery_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/metrics"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/model"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
	"github.com/kinegraph/pulseferry/pkg/ferry/delivery"
	"github.com/kinegraph/pulseferry/pkg/ferry/netgate"
	"github.com/kinegraph/pulseferry/pkg/ferry/queue"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
)

// scriptedSink returns pre-programmed outcomes per batch, in call order.
type scriptedSink struct {
	mu        sync.Mutex
	pingErr   error
	outcomes  map[string][]error
	delivered []string
	blockOn   chan struct{}
	entered   chan struct{}
}

func (s *scriptedSink) Name() string { return "scripted" }

func (s *scriptedSink) Ping(ctx context.Context) error { return s.pingErr }

func (s *scriptedSink) Deliver(ctx context.Context, batch *model.Batch) error {
	if s.entered != nil {
		close(s.entered)
		s.entered = nil
	}
	if s.blockOn != nil {
		<-s.blockOn
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, batch.BatchID)
	if outcomes := s.outcomes[batch.BatchID]; len(outcomes) > 0 {
		err := outcomes[0]
		s.outcomes[batch.BatchID] = outcomes[1:]
		return err
	}
	return nil
}

func (s *scriptedSink) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.delivered...)
}

// stubProvider reports a fixed network state.
type stubProvider struct {
	info ports.NetworkInfo
	err  error
}

func (p *stubProvider) Current(ctx context.Context) (ports.NetworkInfo, error) {
	return p.info, p.err
}

// countingJournal tallies outcomes in memory.
type countingJournal struct {
	mu     sync.Mutex
	counts map[string]int
}

func (j *countingJournal) RecordOutcome(ctx context.Context, outcome string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.counts == nil {
		j.counts = make(map[string]int)
	}
	j.counts[outcome]++
	return nil
}

func (j *countingJournal) count(outcome string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.counts[outcome]
}

type testRig struct {
	engine  *delivery.Engine
	queue   *queue.Queue
	sink    *scriptedSink
	journal *countingJournal
	dlqDir  string
}

func newTestRig(t *testing.T, mutate func(cfg *config.Config), sink *scriptedSink, provider ports.NetworkStatusProvider) *testRig {
	t.Helper()

	cfg := &config.Config{}
	cfg.Pulseferry.DataDir = t.TempDir()
	cfg.Pulseferry.Delivery.Enabled = true
	cfg.Pulseferry.Delivery.MaxPerScan = 25
	cfg.Pulseferry.Queue.MaxFailures = 3
	if mutate != nil {
		mutate(cfg)
	}

	base := cfg.Pulseferry.DataDir
	dlqDir := filepath.Join(base, "deadletter")
	q, err := queue.NewQueue("pending", filepath.Join(base, "pending"), dlqDir,
		filepath.Join(base, "quarantine"), 0, metrics.NewNoOpMetricRecorder())
	require.NoError(t, err)

	if provider == nil {
		provider = &stubProvider{info: ports.NetworkInfo{Connected: true, LinkID: "aa:bb:cc", Name: "home"}}
	}
	gate := netgate.NewGate(cfg, provider)
	journal := &countingJournal{}
	engine := delivery.NewEngine(cfg, q, sink, gate, journal, metrics.NewNoOpMetricRecorder(), metrics.NewNoOpTracer())

	return &testRig{engine: engine, queue: q, sink: sink, journal: journal, dlqDir: dlqDir}
}

func (r *testRig) enqueue(t *testing.T, ids ...string) {
	t.Helper()
	for i, id := range ids {
		_, err := r.queue.Enqueue(context.Background(), &model.Batch{
			BatchID:   id,
			CreatedAt: int64(1000 + i),
			Samples:   []model.Sample{{Timestamp: int64(1000 + i), PrimaryValue: 1}},
		})
		require.NoError(t, err)
	}
}

func (r *testRig) depth(t *testing.T) int {
	t.Helper()
	n, err := r.queue.Depth()
	require.NoError(t, err)
	return n
}

func (r *testRig) deadLettered(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(r.dlqDir)
	require.NoError(t, err)
	return len(entries)
}

func rejection() error {
	return exception.NewPayloadRejectedError("sink", "sink rejected batch with status 400", nil)
}

func outage() error {
	return exception.NewPipelineError("sink", "sink failed batch with status 503", nil, true)
}

func TestProcessQueue_DeliversOldestFirstAndRemoves(t *testing.T) {
	sink := &scriptedSink{}
	rig := newTestRig(t, nil, sink, nil)
	rig.enqueue(t, "b-1", "b-2", "b-3")

	res, err := rig.engine.ProcessQueue(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 3, res.Delivered)
	assert.Equal(t, 0, rig.depth(t))
	assert.Equal(t, []string{"b-1", "b-2", "b-3"}, sink.calls())
	assert.Equal(t, 3, rig.journal.count("success"))
}

func TestProcessQueue_ClosedGateLeavesEverythingPending(t *testing.T) {
	sink := &scriptedSink{}
	provider := &stubProvider{info: ports.NetworkInfo{Connected: true, LinkID: "ff:ff:ff", Name: "coffee-shop"}}
	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.Pulseferry.Network.Allowed = []string{"aa:bb:cc", "home"}
	}, sink, provider)
	rig.enqueue(t, "b-1", "b-2", "b-3", "b-4", "b-5")

	for i := 0; i < 3; i++ {
		res, err := rig.engine.ProcessQueue(context.Background())
		require.NoError(t, err)
		assert.True(t, res.Deferred)
		assert.Equal(t, 0, res.Attempted)
	}

	assert.Equal(t, 5, rig.depth(t))
	assert.Equal(t, 0, rig.deadLettered(t))
	assert.Empty(t, sink.calls())
	assert.Equal(t, 3, rig.journal.count("deferred"))
}

func TestProcessQueue_UnreachableSinkDefers(t *testing.T) {
	sink := &scriptedSink{pingErr: exception.NewPipelineError("sink", "sink is unreachable", nil, true)}
	rig := newTestRig(t, nil, sink, nil)
	rig.enqueue(t, "b-1")

	res, err := rig.engine.ProcessQueue(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Deferred)
	assert.Equal(t, 1, rig.depth(t))
	assert.Empty(t, sink.calls())
}

func TestProcessQueue_ThreeConsecutiveFatalsDeadLetter(t *testing.T) {
	sink := &scriptedSink{outcomes: map[string][]error{
		"b-1": {rejection(), rejection(), rejection()},
	}}
	rig := newTestRig(t, nil, sink, nil)
	rig.enqueue(t, "b-1")

	for scan := 1; scan <= 2; scan++ {
		res, err := rig.engine.ProcessQueue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Fatal, "scan %d", scan)
		assert.Equal(t, 0, res.DeadLettered, "scan %d", scan)
		assert.Equal(t, 1, rig.depth(t), "scan %d", scan)
	}

	res, err := rig.engine.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Equal(t, 0, rig.depth(t))
	assert.Equal(t, 1, rig.deadLettered(t))
	assert.Equal(t, 3, rig.journal.count("fatal"))
	assert.Equal(t, 1, rig.journal.count("dead_lettered"))
}

func TestProcessQueue_RetryableResetsFailureCounter(t *testing.T) {
	// Two fatals, then a transient outage, then three more fatals. The
	// outage resets the consecutive-fatal count, so only the final three
	// fatals dead-letter the entry.
	sink := &scriptedSink{outcomes: map[string][]error{
		"b-1": {rejection(), rejection(), outage(), rejection(), rejection(), rejection()},
	}}
	rig := newTestRig(t, nil, sink, nil)
	rig.enqueue(t, "b-1")

	for scan := 1; scan <= 5; scan++ {
		res, err := rig.engine.ProcessQueue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, res.DeadLettered, "scan %d", scan)
		assert.Equal(t, 1, rig.depth(t), "scan %d", scan)
	}

	res, err := rig.engine.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Equal(t, 0, rig.depth(t))
	assert.Equal(t, 1, rig.deadLettered(t))
	assert.Equal(t, 1, rig.journal.count("retryable"))
	assert.Equal(t, 5, rig.journal.count("fatal"))
}

func TestProcessQueue_RecoversAfterTwoRejections(t *testing.T) {
	// Two rejections leave the entry one failure short of the budget; the
	// third attempt succeeds and the entry is removed, not dead-lettered.
	sink := &scriptedSink{outcomes: map[string][]error{
		"b-1": {rejection(), rejection()},
	}}
	rig := newTestRig(t, nil, sink, nil)
	rig.enqueue(t, "b-1")

	for scan := 1; scan <= 2; scan++ {
		res, err := rig.engine.ProcessQueue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Fatal, "scan %d", scan)
		assert.Equal(t, 1, rig.depth(t), "scan %d", scan)
	}

	res, err := rig.engine.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 0, rig.depth(t))
	assert.Equal(t, 0, rig.deadLettered(t))
	assert.Equal(t, 1, rig.journal.count("success"))
}

func TestProcessQueue_MixedOutcomesStayIndependent(t *testing.T) {
	sink := &scriptedSink{outcomes: map[string][]error{
		"b-2": {outage()},
		"b-3": {rejection()},
	}}
	rig := newTestRig(t, nil, sink, nil)
	rig.enqueue(t, "b-1", "b-2", "b-3")

	res, err := rig.engine.ProcessQueue(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Retryable)
	assert.Equal(t, 1, res.Fatal)
	assert.Equal(t, 2, rig.depth(t))

	entries, err := rig.queue.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b-2", entries[0].Batch.BatchID)
	assert.Equal(t, 0, entries[0].FailureCount)
	assert.Equal(t, "b-3", entries[1].Batch.BatchID)
	assert.Equal(t, 1, entries[1].FailureCount)
}

func TestProcessQueue_UnknownErrorIsRetryable(t *testing.T) {
	sink := &scriptedSink{outcomes: map[string][]error{
		"b-1": {errors.New("boom")},
	}}
	rig := newTestRig(t, nil, sink, nil)
	rig.enqueue(t, "b-1")

	res, err := rig.engine.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retryable)
	assert.Equal(t, 0, res.Fatal)
	assert.Equal(t, 1, rig.depth(t))

	res, err = rig.engine.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 0, rig.depth(t))
}

func TestProcessQueue_MaxPerScanCapsAttempts(t *testing.T) {
	sink := &scriptedSink{}
	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.Pulseferry.Delivery.MaxPerScan = 2
	}, sink, nil)
	rig.enqueue(t, "b-1", "b-2", "b-3", "b-4", "b-5")

	res, err := rig.engine.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, []string{"b-1", "b-2"}, sink.calls())
	assert.Equal(t, 3, rig.depth(t))

	res, err = rig.engine.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, []string{"b-1", "b-2", "b-3", "b-4"}, sink.calls())
	assert.Equal(t, 1, rig.depth(t))
}

func TestProcessQueue_ConcurrentScanIsSkipped(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	sink := &scriptedSink{blockOn: release, entered: entered}
	rig := newTestRig(t, nil, sink, nil)
	rig.enqueue(t, "b-1")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := rig.engine.ProcessQueue(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 1, res.Delivered)
	}()

	<-entered
	res, err := rig.engine.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(release)
	wg.Wait()
	assert.Equal(t, 0, rig.depth(t))
}
