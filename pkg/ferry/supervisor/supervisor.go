// Package supervisor keeps the capture agent alive and observable. A
// periodic check-in reacquires the wake resource when the platform takes it
// away, restarts a capture stream that went quiet, and emits heartbeats to
// the companion. The agent's operating mode survives restarts through a
// small state file.
package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/metrics"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/model"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/atomicfile"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

const (
	moduleName = "supervisor"

	// modeFileName is the state file under the supervisor directory that
	// carries the operating mode and pause reason across restarts.
	modeFileName = "mode"
)

// Report summarizes what one check-in did.
type Report struct {
	// WakeReacquired is true when the wake resource was found released and
	// taken back.
	WakeReacquired bool
	// DisruptionAlerted is true when external releases crossed the
	// threshold and an operator alert was raised.
	DisruptionAlerted bool
	// CaptureRestarted is true when the capture callback was re-registered
	// after a quiet stretch.
	CaptureRestarted bool
	// HeartbeatSent is true when a heartbeat went out this check-in.
	HeartbeatSent bool
}

// Supervisor owns the liveness loop and the operating mode state machine.
type Supervisor struct {
	wake     ports.WakeResource
	source   ports.SampleSource
	handler  ports.SampleHandler
	link     ports.CompanionLink
	notifier ports.Notifier
	recorder metrics.MetricRecorder

	freshness           time.Duration
	heartbeatInterval   time.Duration
	disruptionThreshold int
	disruptionWindow    time.Duration

	modePath  string
	startedAt time.Time

	mu            sync.Mutex
	mode          model.OperatingMode
	pauseReason   model.PauseReason
	releases      []time.Time
	lastHeartbeat time.Time
}

// NewSupervisor creates the liveness supervisor and restores the operating
// mode persisted by a previous run. A missing or unreadable state file
// defaults to ACTIVE.
//
// Parameters:
//
//	cfg: The application configuration (supervision cadences and thresholds).
//	wake: The platform wake resource to hold and verify.
//	source: The capture source whose freshness is supervised.
//	handler: The capture callback to re-register after a stall.
//	link: The companion link heartbeats and diagnostics go out on.
//	notifier: The operator alert surface.
//	recorder: The MetricRecorder for liveness events.
//
// Returns:
//
//	A pointer to the Supervisor, or an error if the state directory cannot
//	be created.
func NewSupervisor(cfg *config.Config, wake ports.WakeResource, source ports.SampleSource,
	handler ports.SampleHandler, link ports.CompanionLink, notifier ports.Notifier,
	recorder metrics.MetricRecorder) (*Supervisor, error) {
	dir := cfg.Pulseferry.SupervisorDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, exception.NewPipelineError(moduleName, "failed to create supervisor state directory "+dir, err, false)
	}

	sup := cfg.Pulseferry.Supervisor
	freshness := time.Duration(sup.FreshnessWindowSeconds) * time.Second
	if freshness <= 0 {
		freshness = 90 * time.Second
	}
	heartbeat := time.Duration(sup.HeartbeatIntervalSeconds) * time.Second
	if heartbeat <= 0 {
		heartbeat = 60 * time.Second
	}
	threshold := sup.DisruptionThreshold
	if threshold <= 0 {
		threshold = 3
	}
	window := time.Duration(sup.DisruptionWindowMinutes) * time.Minute
	if window <= 0 {
		window = 10 * time.Minute
	}

	s := &Supervisor{
		wake:                wake,
		source:              source,
		handler:             handler,
		link:                link,
		notifier:            notifier,
		recorder:            recorder,
		freshness:           freshness,
		heartbeatInterval:   heartbeat,
		disruptionThreshold: threshold,
		disruptionWindow:    window,
		modePath:            filepath.Join(dir, modeFileName),
		startedAt:           time.Now(),
		mode:                model.ModeActive,
	}
	s.restoreMode()
	return s, nil
}

// CheckIn runs one supervision pass: wake verification, capture freshness,
// heartbeat. Each remediation is independent; a failure in one never blocks
// the others.
//
// Parameters:
//
//	ctx: The context for the pass.
//	now: The pass timestamp; cadence decisions measure against it.
//
// Returns:
//
//	A Report of the remediations taken.
func (s *Supervisor) CheckIn(ctx context.Context, now time.Time) Report {
	var rep Report
	rep.WakeReacquired, rep.DisruptionAlerted = s.verifyWake(ctx, now)
	rep.CaptureRestarted = s.verifyCapture(ctx, now)
	rep.HeartbeatSent = s.emitHeartbeat(ctx, now)
	return rep
}

// verifyWake reacquires an externally released wake resource and raises an
// alert when releases cross the threshold within the rolling window.
func (s *Supervisor) verifyWake(ctx context.Context, now time.Time) (reacquired, alerted bool) {
	if s.wake.Held() {
		return false, false
	}

	if err := s.wake.Acquire(ctx); err != nil {
		logger.Errorf("Failed to reacquire the wake resource, will retry next check-in: %v", err)
		return false, false
	}
	logger.Warnf("Wake resource was released externally, reacquired it.")

	s.mu.Lock()
	cutoff := now.Add(-s.disruptionWindow)
	kept := s.releases[:0]
	for _, t := range s.releases {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.releases = append(kept, now)
	count := len(s.releases)
	if count >= s.disruptionThreshold {
		// Start a fresh window after alerting so one storm raises one alert.
		s.releases = nil
	}
	s.mu.Unlock()

	if count >= s.disruptionThreshold {
		s.notifier.NotifyWakeDisruption(ctx, count, s.disruptionWindow)
		s.recorder.RecordWakeDisruption(ctx)
		return true, true
	}
	return true, false
}

// verifyCapture re-registers the capture callback when the source went
// quiet while the agent is ACTIVE. A paused agent is expected to be quiet.
func (s *Supervisor) verifyCapture(ctx context.Context, now time.Time) bool {
	if s.Mode() != model.ModeActive {
		return false
	}

	last := s.source.LastSampleAt()
	if last.IsZero() {
		// No sample yet: measure the stall from process start.
		last = s.startedAt
	}
	if now.Sub(last) <= s.freshness {
		return false
	}

	logger.Warnf("Capture stream has been quiet for %s, re-registering the handler.", now.Sub(last).Truncate(time.Second))
	if err := s.source.Subscribe(ctx, s.handler); err != nil {
		logger.Errorf("Failed to re-register the capture handler: %v", err)
		return false
	}
	return true
}

// emitHeartbeat sends a liveness report to the companion on the heartbeat
// cadence. Loss is acceptable; a failed send is retried next check-in.
func (s *Supervisor) emitHeartbeat(ctx context.Context, now time.Time) bool {
	s.mu.Lock()
	due := s.lastHeartbeat.IsZero() || now.Sub(s.lastHeartbeat) >= s.heartbeatInterval
	mode := s.mode
	reason := s.pauseReason
	s.mu.Unlock()
	if !due {
		return false
	}

	hb := model.Heartbeat{
		Timestamp: now.UnixMilli(),
		UptimeMs:  now.Sub(s.startedAt).Milliseconds(),
		Mode:      mode,
	}
	if reason != model.PauseReasonNone {
		hb.Extra = map[string]string{"pause_reason": string(reason)}
	}

	if err := s.link.SendHeartbeat(ctx, hb); err != nil {
		logger.Warnf("Heartbeat did not go out, will retry next check-in: %v", err)
		return false
	}

	s.mu.Lock()
	s.lastHeartbeat = now
	s.mu.Unlock()
	s.recorder.RecordHeartbeat(ctx, mode.String())
	return true
}

// Pause moves the agent to PAUSED with the given reason. The transition is
// persisted, announced to the companion as a diagnostic and surfaced to the
// operator. Pausing an already paused agent is a no-op.
func (s *Supervisor) Pause(ctx context.Context, reason model.PauseReason) {
	s.transition(ctx, model.ModePaused, reason)
}

// Resume moves the agent back to ACTIVE.
func (s *Supervisor) Resume(ctx context.Context) {
	s.transition(ctx, model.ModeActive, model.PauseReasonNone)
}

// Mode returns the current operating mode.
func (s *Supervisor) Mode() model.OperatingMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// PauseReason returns the reason attached to the current pause, or
// PauseReasonNone while ACTIVE.
func (s *Supervisor) PauseReason() model.PauseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauseReason
}

func (s *Supervisor) transition(ctx context.Context, to model.OperatingMode, reason model.PauseReason) {
	s.mu.Lock()
	from := s.mode
	if from == to {
		s.mu.Unlock()
		return
	}
	s.mode = to
	s.pauseReason = reason
	s.mu.Unlock()

	s.persistMode(to, reason)
	s.notifier.NotifyModeTransition(ctx, from, to, reason)
	if err := s.link.SendDiagnostic(ctx, "mode_transition", map[string]string{
		"from":   from.String(),
		"to":     to.String(),
		"reason": string(reason),
	}); err != nil {
		logger.Warnf("Mode transition diagnostic did not go out: %v", err)
	}
	logger.Infof("Operating mode is now %s.", to)
}

// persistMode writes the mode state file. The agent keeps running on a
// write failure; only restart-resumption is lost.
func (s *Supervisor) persistMode(mode model.OperatingMode, reason model.PauseReason) {
	data := []byte(mode.String() + "\n" + string(reason) + "\n")
	if err := atomicfile.WriteFile(s.modePath, data, 0644); err != nil {
		logger.Errorf("Failed to persist operating mode %s: %v", mode, err)
	}
}

// restoreMode loads the persisted mode, defaulting to ACTIVE.
func (s *Supervisor) restoreMode() {
	data, err := os.ReadFile(s.modePath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warnf("Could not read the mode state file, starting ACTIVE: %v", err)
		}
		return
	}
	lines := strings.Split(string(data), "\n")
	s.mode = model.ParseOperatingMode(lines[0])
	if s.mode == model.ModePaused && len(lines) > 1 {
		s.pauseReason = model.PauseReason(strings.TrimSpace(lines[1]))
	}
	if s.mode != model.ModeActive {
		logger.Infof("Restored operating mode %s from the previous run.", s.mode)
	}
}
