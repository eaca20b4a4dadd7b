// Package monitor composes the detectors of one assessment session.
//
// An IntegrityMonitor is constructed by the host with its Options and
// Platform, started once, and stopped exactly once. It owns the media
// stream, the scheduler, the document listeners and the reporter, and
// releases all of them on Stop.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"examguard/internal/audio"
	"examguard/internal/behavior"
	"examguard/internal/capability"
	"examguard/internal/evidence"
	"examguard/internal/logging"
	"examguard/internal/media"
	"examguard/internal/netpolicy"
	"examguard/internal/reporter"
	"examguard/internal/scheduler"
	"examguard/internal/violation"
	"examguard/internal/vision"
)

// Task names.
const (
	TaskAnalysis    = "analysis"
	TaskDevTools    = "devtools"
	TaskEnvironment = "environment"
)

// Notice texts.
const (
	MsgLimitedProctoring = "Face detection not supported. Limited proctoring active."

	titleCameraAccess = "Camera Access"
	msgCameraMissing  = "Your browser does not support camera access."
	titleCameraError  = "Camera Error"
	msgCameraDenied   = "Cannot access camera. Please allow permission and refresh."
	titleEnabled      = "Proctoring Enabled"
	msgEnabled        = "Webcam monitoring is active (face recognition & movement)."
)

const closeTimeout = 2 * time.Second

var (
	ErrPermissionDenied = errors.New("monitor: camera permission denied")
	ErrUnsupported      = errors.New("monitor: camera capture not supported")
	ErrAlreadyStarted   = errors.New("monitor: already started")
	ErrStopped          = errors.New("monitor: stopped")
	ErrNotPaused        = errors.New("monitor: not paused")
)

// IntegrityMonitor is one proctoring session.
type IntegrityMonitor struct {
	opts     Options
	platform Platform
	logger   *slog.Logger
	now      func() time.Time

	reporter *reporter.Reporter
	behavior *behavior.Detector
	network  *netpolicy.Interceptor
	capturer *evidence.Capturer
	notifier reporter.Notifier

	mu        sync.Mutex
	profile   capability.Profile
	sess      *session
	starting  bool
	started   bool
	stopped   bool
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	stopError error
}

// New creates a monitor. Nothing is acquired until Start.
func New(opts Options, platform Platform) *IntegrityMonitor {
	opts = opts.normalized()

	logger := platform.Logger
	if logger == nil {
		logger = logging.Default().Logger
	}
	logger = logger.With("assessment_id", opts.AssessmentID, "candidate_id", opts.CandidateID)

	now := platform.Clock
	if now == nil {
		now = time.Now
	}
	notifier := platform.Notifier
	if notifier == nil {
		notifier = reporter.NotifierFunc(func(reporter.Notice) {})
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &IntegrityMonitor{
		opts:     opts,
		platform: platform,
		logger:   logger,
		now:      now,
		notifier: notifier,
		ctx:      ctx,
		cancel:   cancel,
	}

	if opts.Evidence && platform.Frames != nil {
		m.capturer = evidence.NewCapturerWithClock(opts.Snapshot, platform.Frames, now, logger)
	}

	deps := reporter.Deps{
		Client:      platform.HTTPClient,
		Notifier:    notifier,
		OnViolation: opts.OnViolation,
		OnPause:     m.pause,
		Signer:      platform.Signer,
		Metrics:     platform.Metrics,
		Logger:      logger,
	}
	if m.capturer != nil {
		deps.Snapshot = m.capturer.TryCapture
	}
	m.reporter = reporter.New(opts.Reporter, deps)

	m.behavior = behavior.NewDetector(behavior.Options{
		BlockClipboard:    opts.BlockClipboard,
		DevToolsThreshold: opts.DevToolsThreshold,
	}, m.emitFinding, logger)

	m.network = netpolicy.NewInterceptor(nil, opts.Network, m.emit, logger)
	return m
}

func (m *IntegrityMonitor) emit(t violation.Type, message string) {
	m.report(violation.New(m.opts.AssessmentID, m.opts.CandidateID, t, message, m.now()))
}

func (m *IntegrityMonitor) emitFinding(f behavior.Finding) {
	ev := violation.New(m.opts.AssessmentID, m.opts.CandidateID, f.Type, f.Message, m.now())
	if f.Data != nil {
		ev = ev.WithData(f.Data)
	}
	m.report(ev)
}

func (m *IntegrityMonitor) report(ev violation.Event) {
	m.reporter.Report(ev)
}

// Start probes capabilities, acquires the camera (and microphone when
// audio monitoring is on), registers the periodic checks and installs the
// document listeners. A permission failure leaves the monitor idle and may
// be retried.
func (m *IntegrityMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.stopped:
		m.mu.Unlock()
		return ErrStopped
	case m.started || m.starting:
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.starting = true
	m.mu.Unlock()

	sess, err := m.acquire(ctx)

	m.mu.Lock()
	m.starting = false
	if err == nil && m.stopped {
		err = ErrStopped
	}
	if err == nil {
		err = sess.vision.Run()
	}
	if err != nil {
		m.mu.Unlock()
		if sess != nil {
			sess.release(m.logger)
			sess.vision.Stop()
		}
		return err
	}
	if m.platform.Events != nil {
		sess.detach = m.platform.Events.Attach(m.listeners())
	}
	if err := sess.sched.Start(m.ctx); err != nil {
		m.mu.Unlock()
		sess.release(m.logger)
		sess.vision.Stop()
		return err
	}
	m.sess = sess
	m.started = true
	// The threshold may have been reached by behavior or network
	// violations while no session existed.
	pending := m.reporter.Paused()
	m.mu.Unlock()

	if pending && sess.vision.Pause() == nil {
		m.logger.Warn("assessment paused", "warnings", m.reporter.Warnings())
	}

	if sess.strategy == nil {
		m.notifier.Notify(reporter.Notice{Kind: reporter.NoticeInfo, Message: MsgLimitedProctoring})
		m.emit(violation.EnvironmentScan, MsgLimitedProctoring)
	} else {
		m.notifier.Notify(reporter.Notice{Kind: reporter.NoticeInfo, Title: titleEnabled, Message: msgEnabled})
	}
	m.logger.Info("monitor started",
		"strategy", sess.profile.Strategy().String(),
		"audio", sess.audio != nil,
		"tasks", sess.sched.Tasks())
	return nil
}

// session holds everything a successful Start acquired.
type session struct {
	profile  capability.Profile
	strategy vision.Strategy
	vision   *vision.Detector
	audio    *audio.Detector
	sched    *scheduler.Scheduler
	stream   media.Stream
	detach   func()
}

// release stops the scheduler, every track and the audio graph and removes
// the listeners. It must not be called with the monitor lock held since
// the scheduler waits for running tasks.
func (s *session) release(logger *slog.Logger) {
	if s.sched != nil {
		s.sched.Stop()
	}
	if s.stream != nil {
		media.StopAll(s.stream)
	}
	if s.audio != nil {
		if err := s.audio.Close(); err != nil {
			logger.Debug("audio close failed", "error", err)
		}
	}
	if s.detach != nil {
		s.detach()
		s.detach = nil
	}
}

func (m *IntegrityMonitor) acquire(ctx context.Context) (*session, error) {
	profile := capability.Probe(ctx, m.probes(), m.logger)
	strategy := m.strategy(profile.Strategy())

	m.mu.Lock()
	m.profile = profile
	m.mu.Unlock()

	det := vision.NewDetector(m.opts.visionConfig(), strategy, m.platform.Frames, m.platform.Overlay, m.logger)
	if err := det.Begin(); err != nil {
		return nil, err
	}
	if m.platform.Media == nil {
		det.Fail()
		m.notifier.Notify(reporter.Notice{Kind: reporter.NoticeError, Title: titleCameraAccess, Message: msgCameraMissing})
		return nil, ErrUnsupported
	}

	stream, err := m.platform.Media.GetUserMedia(ctx, media.Constraints{
		Video:       true,
		Audio:       m.opts.EnableAudioMonitoring,
		IdealWidth:  vision.DefaultFrameWidth,
		IdealHeight: vision.DefaultFrameHeight,
		FacingUser:  true,
	})
	if err != nil {
		det.Fail()
		m.logger.Warn("media acquisition failed", "error", err)
		m.notifier.Notify(reporter.Notice{Kind: reporter.NoticeError, Title: titleCameraError, Message: msgCameraDenied})
		switch {
		case errors.Is(err, media.ErrPermissionDenied):
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		case errors.Is(err, media.ErrUnsupported):
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		return nil, fmt.Errorf("monitor: acquire media: %w", err)
	}

	s := &session{profile: profile, strategy: strategy, vision: det, stream: stream}

	if m.opts.EnableAudioMonitoring && m.platform.AudioGraphs != nil {
		graph, err := m.platform.AudioGraphs.Open(stream, audio.DefaultFFTSize)
		if err != nil {
			m.logger.Warn("audio graph unavailable", "error", err)
		} else {
			s.audio = audio.NewDetector(graph, m.opts.AudioThreshold, m.logger)
		}
	}

	s.sched, err = m.schedule(s)
	return s, err
}

func (m *IntegrityMonitor) probes() capability.Probes {
	p := m.platform
	probes := capability.Probes{
		Camera:     p.Camera,
		Microphone: p.Microphone,
	}
	if p.NativeDetector != nil {
		probes.NativeFaceDetector = func() bool { return true }
	}
	if p.MeshModel != nil {
		loader := p.MeshLoader
		if loader == nil {
			loader = capability.LoadFunc(func(context.Context) error { return nil })
		}
		probes.Mesh = loader
	}
	if probes.Camera == nil && p.Media != nil {
		probes.Camera = func() bool { return true }
	}
	if probes.Microphone == nil && p.Media != nil {
		probes.Microphone = func() bool { return true }
	}
	return probes
}

func (m *IntegrityMonitor) strategy(s capability.Strategy) vision.Strategy {
	switch s {
	case capability.StrategyMesh:
		return &vision.MeshStrategy{Model: m.platform.MeshModel}
	case capability.StrategyNative:
		return &vision.NativeStrategy{Detector: m.platform.NativeDetector}
	default:
		return nil
	}
}

func (m *IntegrityMonitor) schedule(sess *session) (*scheduler.Scheduler, error) {
	s := scheduler.New(m.logger)
	if sess.strategy != nil || sess.audio != nil {
		err := s.Register(TaskAnalysis, m.opts.CheckInterval, func(ctx context.Context) {
			m.analyze(ctx, sess)
		})
		if err != nil {
			return nil, err
		}
	}
	if m.platform.Window != nil {
		if err := s.Register(TaskDevTools, m.opts.DevToolsInterval, func(context.Context) {
			m.behavior.PollDevTools(m.platform.Window)
		}); err != nil {
			return nil, err
		}
	}
	if m.platform.Environment != nil {
		if err := s.Register(TaskEnvironment, m.opts.EnvironmentInterval, m.checkEnvironment, scheduler.RunAtStart()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// analyze is one analysis tick: frame analysis, then the audio gate.
// Nothing runs while the assessment is paused.
func (m *IntegrityMonitor) analyze(ctx context.Context, sess *session) {
	det := sess.vision
	if det.State() != vision.StateRunning {
		return
	}

	if sess.strategy != nil {
		res := det.Analyze(ctx)
		var snap string
		for _, f := range res.Findings {
			ev := violation.New(m.opts.AssessmentID, m.opts.CandidateID, f.Type, f.Message, m.now())
			if m.capturer != nil && !f.Type.Informational() {
				// One snapshot of the judged frame serves every finding of the tick.
				if snap == "" {
					snap, _ = m.capturer.CaptureFrame(res.Frame)
				}
				if snap != "" {
					ev = ev.WithSnapshot(snap)
				}
			}
			m.report(ev)
		}
	}

	if sess.audio != nil && det.State() == vision.StateRunning {
		if t, msg, ok := sess.audio.Check(); ok {
			m.emit(t, msg)
		}
	}
}

func (m *IntegrityMonitor) checkEnvironment(ctx context.Context) {
	facts, err := m.platform.Environment.Facts(ctx)
	if err != nil {
		m.logger.Debug("environment facts unavailable", "error", err)
		return
	}
	m.behavior.CheckEnvironment(facts)
}

func (m *IntegrityMonitor) listeners() Listeners {
	b := m.behavior
	return Listeners{
		VisibilityChange: b.VisibilityChanged,
		Blur:             b.WindowBlurred,
		Clipboard:        b.Clipboard,
		ContextMenu:      b.ContextMenu,
		KeyDown:          b.KeyDown,
		KeyUp:            b.KeyUp,
		Console:          b.ConsoleUsed,
		WebSocket:        m.network.GuardWebSocket,
	}
}

func (m *IntegrityMonitor) current() *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// pause is the reporter's threshold callback.
func (m *IntegrityMonitor) pause() {
	sess := m.current()
	if sess == nil {
		return
	}
	if err := sess.vision.Pause(); err != nil {
		m.logger.Debug("pause ignored", "error", err)
		return
	}
	m.logger.Warn("assessment paused")
}

// Acknowledge dismisses the pause screen: the warning counter is reset and
// visual analysis resumes. Recorded violations are kept.
func (m *IntegrityMonitor) Acknowledge() error {
	m.mu.Lock()
	sess, stopped := m.sess, m.stopped
	m.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	m.reporter.Acknowledge()
	if sess == nil || sess.vision.State() != vision.StatePaused {
		return ErrNotPaused
	}
	if err := sess.vision.Resume(); err != nil {
		return err
	}
	m.logger.Info("assessment resumed")
	return nil
}

// Stop releases everything the monitor acquired: the scheduler, every
// media track, the audio graph, the listeners, the detector state and the
// reporter. Only the first call does work.
func (m *IntegrityMonitor) Stop() error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		sess := m.sess
		m.mu.Unlock()

		if sess != nil {
			sess.release(m.logger)
			sess.vision.Stop()
		}
		m.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		m.stopError = m.reporter.Close(ctx)
		m.logger.Info("monitor stopped", "violations", len(m.reporter.Events()))
	})
	return m.stopError
}

// State returns the visual detector state, Idle before a successful Start.
func (m *IntegrityMonitor) State() vision.State {
	m.mu.Lock()
	sess, stopped := m.sess, m.stopped
	m.mu.Unlock()
	if sess == nil {
		if stopped {
			return vision.StateStopped
		}
		return vision.StateIdle
	}
	return sess.vision.State()
}

// Profile returns the capability profile of the last Start.
func (m *IntegrityMonitor) Profile() capability.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// Trigger runs a periodic task once, synchronously.
func (m *IntegrityMonitor) Trigger(task string) (bool, error) {
	sess := m.current()
	if sess == nil {
		return false, scheduler.ErrUnknownTask
	}
	return sess.sched.Trigger(task)
}

// Tasks returns the registered periodic tasks.
func (m *IntegrityMonitor) Tasks() []string {
	sess := m.current()
	if sess == nil {
		return nil
	}
	return sess.sched.Tasks()
}

// Running reports whether the periodic checks are scheduled.
func (m *IntegrityMonitor) Running() bool {
	sess := m.current()
	return sess != nil && sess.sched.Running()
}

// Violations returns every violation recorded in this session.
func (m *IntegrityMonitor) Violations() []violation.Event { return m.reporter.Events() }

// Warnings returns the warning count.
func (m *IntegrityMonitor) Warnings() int { return m.reporter.Warnings() }

// Reporter exposes the session reporter.
func (m *IntegrityMonitor) Reporter() *reporter.Reporter { return m.reporter }

// Behavior exposes the behavioral detector for hosts that dispatch events
// directly instead of through an EventSource.
func (m *IntegrityMonitor) Behavior() *behavior.Detector { return m.behavior }

// Network returns the outbound policy interceptor for page traffic.
func (m *IntegrityMonitor) Network() *netpolicy.Interceptor { return m.network }

// Stream returns the acquired media stream, nil before Start.
func (m *IntegrityMonitor) Stream() media.Stream {
	if sess := m.current(); sess != nil {
		return sess.stream
	}
	return nil
}

// AudioClosed reports whether the audio graph was torn down. It is true
// when audio monitoring never started.
func (m *IntegrityMonitor) AudioClosed() bool {
	sess := m.current()
	return sess == nil || sess.audio == nil || sess.audio.Closed()
}

// AudioLevel returns the last measured RMS level, 0 without audio monitoring.
func (m *IntegrityMonitor) AudioLevel() float32 {
	sess := m.current()
	if sess == nil || sess.audio == nil {
		return 0
	}
	return sess.audio.Level()
}
