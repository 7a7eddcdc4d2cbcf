package supervisor_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	metrics "github.com/kinegraph/pulseferry/pkg/ferry/core/metrics"
	model "github.com/kinegraph/pulseferry/pkg/ferry/core/model"
	ports "github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
	supervisor "github.com/kinegraph/pulseferry/pkg/ferry/supervisor"
)

type fakeWake struct {
	mu       sync.Mutex
	held     bool
	acquires int
}

func (w *fakeWake) Acquire(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.held = true
	w.acquires++
	return nil
}

func (w *fakeWake) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.held = false
	return nil
}

func (w *fakeWake) Held() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.held
}

func (w *fakeWake) drop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.held = false
}

type fakeSource struct {
	mu         sync.Mutex
	lastAt     time.Time
	subscribes int
}

func (s *fakeSource) Subscribe(ctx context.Context, h ports.SampleHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribes++
	return nil
}

func (s *fakeSource) LastSampleAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAt
}

type fakeLink struct {
	mu         sync.Mutex
	heartbeats []model.Heartbeat
	diags      []map[string]string
	hbErr      error
}

func (l *fakeLink) SendChunk(ctx context.Context, chunk model.Chunk) error { return nil }

func (l *fakeLink) SendHeartbeat(ctx context.Context, hb model.Heartbeat) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hbErr != nil {
		return l.hbErr
	}
	l.heartbeats = append(l.heartbeats, hb)
	return nil
}

func (l *fakeLink) SendDiagnostic(ctx context.Context, kind string, fields map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := map[string]string{"kind": kind}
	for k, v := range fields {
		d[k] = v
	}
	l.diags = append(l.diags, d)
	return nil
}

func (l *fakeLink) Close() error { return nil }

type fakeNotifier struct {
	mu          sync.Mutex
	disruptions []int
	transitions []string
}

func (n *fakeNotifier) NotifyWakeDisruption(ctx context.Context, releases int, window time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disruptions = append(n.disruptions, releases)
}

func (n *fakeNotifier) NotifyModeTransition(ctx context.Context, from, to model.OperatingMode, reason model.PauseReason) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitions = append(n.transitions, from.String()+">"+to.String()+":"+string(reason))
}

type rig struct {
	sup      *supervisor.Supervisor
	cfg      *config.Config
	wake     *fakeWake
	source   *fakeSource
	link     *fakeLink
	notifier *fakeNotifier
}

func newRig(t *testing.T, dataDir string) *rig {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Pulseferry.DataDir = dataDir

	r := &rig{
		cfg:      cfg,
		wake:     &fakeWake{held: true},
		source:   &fakeSource{lastAt: time.Now()},
		link:     &fakeLink{},
		notifier: &fakeNotifier{},
	}
	sup, err := supervisor.NewSupervisor(cfg, r.wake, r.source, func(model.Sample) {},
		r.link, r.notifier, metrics.NewNoOpMetricRecorder())
	require.NoError(t, err)
	r.sup = sup
	return r
}

// TestCheckIn_ReacquiresReleasedWake verifies an externally released wake
// resource is taken back without raising an alert below the threshold.
func TestCheckIn_ReacquiresReleasedWake(t *testing.T) {
	r := newRig(t, t.TempDir())
	ctx := context.Background()

	rep := r.sup.CheckIn(ctx, time.Now())
	assert.False(t, rep.WakeReacquired)

	r.wake.drop()
	rep = r.sup.CheckIn(ctx, time.Now())
	assert.True(t, rep.WakeReacquired)
	assert.False(t, rep.DisruptionAlerted)
	assert.True(t, r.wake.Held())
	assert.Empty(t, r.notifier.disruptions)
}

// TestCheckIn_AlertsOnRepeatedDisruption verifies the rolling-window
// threshold raises one alert per storm.
func TestCheckIn_AlertsOnRepeatedDisruption(t *testing.T) {
	r := newRig(t, t.TempDir())
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 2; i++ {
		r.wake.drop()
		rep := r.sup.CheckIn(ctx, base.Add(time.Duration(i)*time.Minute))
		assert.True(t, rep.WakeReacquired)
		assert.False(t, rep.DisruptionAlerted)
	}

	r.wake.drop()
	rep := r.sup.CheckIn(ctx, base.Add(2*time.Minute))
	assert.True(t, rep.DisruptionAlerted)
	require.Len(t, r.notifier.disruptions, 1)
	assert.Equal(t, 3, r.notifier.disruptions[0])

	// The window restarts after the alert; the next release alone is quiet.
	r.wake.drop()
	rep = r.sup.CheckIn(ctx, base.Add(3*time.Minute))
	assert.True(t, rep.WakeReacquired)
	assert.False(t, rep.DisruptionAlerted)
	assert.Len(t, r.notifier.disruptions, 1)
}

// TestCheckIn_ReleasesOutsideWindowDoNotAccumulate verifies old releases age
// out of the rolling window.
func TestCheckIn_ReleasesOutsideWindowDoNotAccumulate(t *testing.T) {
	r := newRig(t, t.TempDir())
	ctx := context.Background()
	base := time.Now()

	// Two releases, then a long quiet stretch past the 10 minute window.
	for i := 0; i < 2; i++ {
		r.wake.drop()
		r.sup.CheckIn(ctx, base.Add(time.Duration(i)*time.Minute))
	}
	r.wake.drop()
	rep := r.sup.CheckIn(ctx, base.Add(30*time.Minute))
	assert.True(t, rep.WakeReacquired)
	assert.False(t, rep.DisruptionAlerted)
	assert.Empty(t, r.notifier.disruptions)
}

// TestCheckIn_RestartsQuietCapture verifies a stale capture stream gets its
// handler re-registered, and a paused agent is left alone.
func TestCheckIn_RestartsQuietCapture(t *testing.T) {
	r := newRig(t, t.TempDir())
	ctx := context.Background()
	now := time.Now()

	// Fresh stream: nothing to do.
	rep := r.sup.CheckIn(ctx, now)
	assert.False(t, rep.CaptureRestarted)
	assert.Equal(t, 0, r.source.subscribes)

	// Stale stream while ACTIVE: re-register.
	r.source.mu.Lock()
	r.source.lastAt = now.Add(-3 * time.Minute)
	r.source.mu.Unlock()
	rep = r.sup.CheckIn(ctx, now)
	assert.True(t, rep.CaptureRestarted)
	assert.Equal(t, 1, r.source.subscribes)

	// Stale stream while PAUSED: expected quiet.
	r.sup.Pause(ctx, model.PauseReasonCharging)
	rep = r.sup.CheckIn(ctx, now)
	assert.False(t, rep.CaptureRestarted)
	assert.Equal(t, 1, r.source.subscribes)
}

// TestCheckIn_FreshBootIsNotAStall verifies a source that has produced
// nothing yet is measured from process start, not from the zero time.
func TestCheckIn_FreshBootIsNotAStall(t *testing.T) {
	r := newRig(t, t.TempDir())
	r.source.mu.Lock()
	r.source.lastAt = time.Time{}
	r.source.mu.Unlock()

	rep := r.sup.CheckIn(context.Background(), time.Now())
	assert.False(t, rep.CaptureRestarted)
	assert.Equal(t, 0, r.source.subscribes)
}

// TestCheckIn_HeartbeatCadence verifies heartbeats go out on their own
// interval, not on every check-in.
func TestCheckIn_HeartbeatCadence(t *testing.T) {
	r := newRig(t, t.TempDir())
	ctx := context.Background()
	base := time.Now()

	rep := r.sup.CheckIn(ctx, base)
	assert.True(t, rep.HeartbeatSent)

	rep = r.sup.CheckIn(ctx, base.Add(10*time.Second))
	assert.False(t, rep.HeartbeatSent)

	rep = r.sup.CheckIn(ctx, base.Add(70*time.Second))
	assert.True(t, rep.HeartbeatSent)

	require.Len(t, r.link.heartbeats, 2)
	hb := r.link.heartbeats[0]
	assert.Equal(t, base.UnixMilli(), hb.Timestamp)
	assert.Equal(t, model.ModeActive, hb.Mode)
	assert.Empty(t, hb.Extra)
}

// TestCheckIn_HeartbeatFailureRetriesNextPass verifies a lost heartbeat is
// retried on the following check-in instead of waiting a full interval.
func TestCheckIn_HeartbeatFailureRetriesNextPass(t *testing.T) {
	r := newRig(t, t.TempDir())
	ctx := context.Background()
	base := time.Now()

	r.link.mu.Lock()
	r.link.hbErr = context.DeadlineExceeded
	r.link.mu.Unlock()
	rep := r.sup.CheckIn(ctx, base)
	assert.False(t, rep.HeartbeatSent)

	r.link.mu.Lock()
	r.link.hbErr = nil
	r.link.mu.Unlock()
	rep = r.sup.CheckIn(ctx, base.Add(time.Second))
	assert.True(t, rep.HeartbeatSent)
	assert.Len(t, r.link.heartbeats, 1)
}

// TestCheckIn_PausedHeartbeatCarriesReason verifies the pause reason rides
// along in the heartbeat extras.
func TestCheckIn_PausedHeartbeatCarriesReason(t *testing.T) {
	r := newRig(t, t.TempDir())
	ctx := context.Background()

	r.sup.Pause(ctx, model.PauseReasonNotWorn)
	rep := r.sup.CheckIn(ctx, time.Now())
	require.True(t, rep.HeartbeatSent)

	require.Len(t, r.link.heartbeats, 1)
	hb := r.link.heartbeats[0]
	assert.Equal(t, model.ModePaused, hb.Mode)
	assert.Equal(t, string(model.PauseReasonNotWorn), hb.Extra["pause_reason"])
}

// TestPauseResume_TransitionsAndPersistence verifies the mode state machine
// announces transitions and survives a restart through the state file.
func TestPauseResume_TransitionsAndPersistence(t *testing.T) {
	dataDir := t.TempDir()
	r := newRig(t, dataDir)
	ctx := context.Background()

	assert.Equal(t, model.ModeActive, r.sup.Mode())

	r.sup.Pause(ctx, model.PauseReasonCharging)
	assert.Equal(t, model.ModePaused, r.sup.Mode())
	assert.Equal(t, model.PauseReasonCharging, r.sup.PauseReason())

	// Pausing again is a no-op: one transition, one diagnostic.
	r.sup.Pause(ctx, model.PauseReasonCharging)
	require.Len(t, r.notifier.transitions, 1)
	assert.Equal(t, "ACTIVE>PAUSED:CHARGING", r.notifier.transitions[0])
	require.Len(t, r.link.diags, 1)
	assert.Equal(t, "mode_transition", r.link.diags[0]["kind"])
	assert.Equal(t, "PAUSED", r.link.diags[0]["to"])

	// The state file carries the mode and reason.
	data, err := os.ReadFile(filepath.Join(r.cfg.Pulseferry.SupervisorDir(), "mode"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "PAUSED")

	// A restarted supervisor resumes PAUSED instead of defaulting to ACTIVE.
	r2 := newRig(t, dataDir)
	assert.Equal(t, model.ModePaused, r2.sup.Mode())
	assert.Equal(t, model.PauseReasonCharging, r2.sup.PauseReason())

	r2.sup.Resume(ctx)
	assert.Equal(t, model.ModeActive, r2.sup.Mode())
	assert.Equal(t, model.PauseReasonNone, r2.sup.PauseReason())

	r3 := newRig(t, dataDir)
	assert.Equal(t, model.ModeActive, r3.sup.Mode())
}
