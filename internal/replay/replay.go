package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"examguard/internal/audio"
	"examguard/internal/behavior"
	"examguard/internal/capability"
	"examguard/internal/logging"
	"examguard/internal/media"
	"examguard/internal/monitor"
	"examguard/internal/reporter"
	"examguard/internal/violation"
	"examguard/internal/vision"
)

// Result is the outcome of a replayed scenario.
type Result struct {
	Scenario   string             `json:"scenario"`
	Started    bool               `json:"started"`
	StartError string             `json:"startError,omitempty"`
	Profile    capability.Profile `json:"profile"`
	Strategy   string             `json:"strategy"`
	// State is the detector state after the last step, before teardown.
	State      string            `json:"state"`
	Warnings   int               `json:"warnings"`
	Violations []violation.Event `json:"violations"`
	Notices    []reporter.Notice `json:"notices"`
	Steps      int               `json:"steps"`
}

// Count returns the number of recorded violations of type t.
func (r *Result) Count(t violation.Type) int {
	n := 0
	for _, ev := range r.Violations {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// Types returns the violation types in recording order.
func (r *Result) Types() []violation.Type {
	out := make([]violation.Type, len(r.Violations))
	for i, ev := range r.Violations {
		out[i] = ev.Type
	}
	return out
}

// clock is the virtual session clock. Every read advances it by one
// millisecond so findings never share a dedup fingerprint.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// AtLeast moves the clock forward to t when t is later.
func (c *clock) AtLeast(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

// faces is the scripted native face detector.
type faces struct {
	mu     sync.Mutex
	boxes  []vision.Rect
	width  int
	height int
}

func (f *faces) set(width, height int, boxes []vision.Rect) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if width > 0 {
		f.width = width
	}
	if height > 0 {
		f.height = height
	}
	f.boxes = boxes
}

func (f *faces) DetectFaces(context.Context, vision.Frame) ([]vision.Rect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]vision.Rect(nil), f.boxes...), nil
}

func (f *faces) CurrentFrame() (vision.Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return vision.Frame{Width: f.width, Height: f.height}, true
}

// level is a microphone whose samples alternate around silence at a fixed
// amplitude, so the RMS equals the amplitude.
type level struct {
	mu     sync.Mutex
	value  float32
	closed bool
}

func (l *level) set(v float64) {
	l.mu.Lock()
	l.value = float32(v)
	l.mu.Unlock()
}

func (l *level) FFTSize() int { return 256 }

func (l *level) TimeDomain(dst []float32) error {
	l.mu.Lock()
	v := l.value
	l.mu.Unlock()
	for i := range dst {
		if i%2 == 0 {
			dst[i] = v
		} else {
			dst[i] = -v
		}
	}
	return nil
}

func (l *level) Analyser() audio.Analyser { return l }

func (l *level) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *level) Open(media.Stream, int) (audio.Graph, error) { return l, nil }

// window reports scripted window metrics; unmeasurable until the first
// window step.
type window struct {
	mu  sync.Mutex
	m   behavior.WindowMetrics
	set bool
}

func (w *window) update(m behavior.WindowMetrics) {
	w.mu.Lock()
	w.m, w.set = m, true
	w.mu.Unlock()
}

func (w *window) WindowMetrics() (behavior.WindowMetrics, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.m, w.set
}

var errNoFacts = errors.New("replay: no environment facts yet")

const maxTriggerAttempts = 1000

type environment struct {
	mu    sync.Mutex
	facts *behavior.Facts
}

func (e *environment) update(f behavior.Facts) {
	e.mu.Lock()
	e.facts = &f
	e.mu.Unlock()
}

func (e *environment) Facts(context.Context) (behavior.Facts, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.facts == nil {
		return behavior.Facts{}, errNoFacts
	}
	return *e.facts, nil
}

type runner struct {
	sc      *Scenario
	m       *monitor.IntegrityMonitor
	bus     *monitor.EventBus
	clock   *clock
	faces   *faces
	audio   *level
	window  *window
	env     *environment
	notices *reporter.NoticeLog
	logger  *slog.Logger

	lastDown time.Time
}

// monitorOptions layers the scenario overrides on base. Replays never
// capture evidence, never reach a backend, and only steps drive the
// periodic tasks.
func (sc *Scenario) monitorOptions(base monitor.Options) monitor.Options {
	o := base
	o.AssessmentID = sc.AssessmentID
	o.CandidateID = sc.CandidateID
	o.Evidence = false
	o.CheckInterval = time.Hour
	o.DevToolsInterval = time.Hour
	o.EnvironmentInterval = time.Hour
	o.Reporter.BaseURL = ""
	o.OnViolation = nil

	so := sc.Options
	if so.MinFaceSizeRatio > 0 {
		o.MinFaceSizeRatio = so.MinFaceSizeRatio
	}
	if so.MaxFaces > 0 {
		o.MaxFaces = so.MaxFaces
	}
	if so.MovementThreshold > 0 {
		o.MovementThreshold = so.MovementThreshold
	}
	if so.EnableAudioMonitoring != nil {
		o.EnableAudioMonitoring = *so.EnableAudioMonitoring
	}
	if so.BlockClipboard != nil {
		o.BlockClipboard = *so.BlockClipboard
	}
	if so.AudioThreshold > 0 {
		o.AudioThreshold = so.AudioThreshold
	}
	if so.DevToolsThreshold > 0 {
		o.DevToolsThreshold = so.DevToolsThreshold
	}
	if so.MaxWarningsBeforePause != nil {
		o.MaxWarningsBeforePause = *so.MaxWarningsBeforePause
	}
	if so.BlockedDomains != nil {
		o.Network.Denylist = so.BlockedDomains
	}
	return o
}

func (r *runner) platform() monitor.Platform {
	caps := r.sc.Capabilities
	p := monitor.Platform{
		Media:       &media.MemDevices{Deny: caps.PermissionDenied},
		Frames:      r.faces,
		Events:      r.bus,
		Window:      r.window,
		Environment: r.env,
		Notifier:    r.notices,
		AudioGraphs: r.audio,
		Logger:      r.logger,
		Clock:       r.clock.Now,
	}
	camera, mic := flag(caps.Camera), flag(caps.Microphone)
	p.Camera = func() bool { return camera }
	p.Microphone = func() bool { return mic }
	if !camera {
		p.Media = nil
	}
	if flag(caps.FaceDetector) {
		p.NativeDetector = r.faces
	}
	return p
}

// Run replays sc with the default thresholds.
func Run(ctx context.Context, sc *Scenario, logger *slog.Logger) (*Result, error) {
	return RunWith(ctx, sc, monitor.DefaultOptions(sc.AssessmentID, sc.CandidateID), logger)
}

// RunWith replays sc against a fresh monitor built from base, usually the
// configured thresholds, and returns what it recorded. The scenario's own
// options take precedence over base. A monitor that fails to start still
// yields a Result; err is reserved for malformed scenarios and
// cancellation.
func RunWith(ctx context.Context, sc *Scenario, base monitor.Options, logger *slog.Logger) (*Result, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default().Logger
	}
	start := sc.Start
	if start.IsZero() {
		start = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	}

	r := &runner{
		sc:      sc,
		bus:     monitor.NewEventBus(),
		clock:   &clock{now: start},
		faces:   &faces{width: defaultFrameWidth, height: defaultFrameHeight},
		audio:   &level{},
		window:  &window{},
		env:     &environment{},
		notices: &reporter.NoticeLog{},
		logger:  logger.With("component", "replay", "scenario", sc.Name),
	}
	// A centered face that satisfies the default thresholds.
	r.faces.set(0, 0, []vision.Rect{{X: 220, Y: 140, Width: 200, Height: 200}})

	r.m = monitor.New(sc.monitorOptions(base), r.platform())
	defer r.m.Stop()

	res := &Result{Scenario: sc.Name}
	if err := r.m.Start(ctx); err != nil {
		r.logger.Info("monitor did not start", "error", err)
		res.StartError = err.Error()
		return r.finish(res), nil
	}
	res.Started = true

	for i, st := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.step(ctx, st); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, st.Kind(), err)
		}
		res.Steps++
	}
	return r.finish(res), nil
}

func (r *runner) finish(res *Result) *Result {
	res.Profile = r.m.Profile()
	res.Strategy = res.Profile.Strategy().String()
	res.State = r.m.State().String()
	res.Warnings = r.m.Warnings()
	res.Violations = r.m.Violations()
	res.Notices = r.notices.Notices()
	r.logger.Info("replay finished",
		"steps", res.Steps,
		"violations", len(res.Violations),
		"state", res.State,
	)
	return res
}

func repeat(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// trigger runs task n times. A run skipped because the start-time run of
// the same task is still in flight is retried.
func (r *runner) trigger(task string, n int) error {
	for i := 0; i < repeat(n); i++ {
		for attempt := 0; ; attempt++ {
			ran, err := r.m.Trigger(task)
			if err != nil {
				return fmt.Errorf("trigger %s: %w", task, err)
			}
			if ran {
				break
			}
			if attempt == maxTriggerAttempts {
				return fmt.Errorf("trigger %s: still in flight", task)
			}
			time.Sleep(time.Millisecond)
		}
	}
	return nil
}

func (r *runner) step(ctx context.Context, st Step) error {
	switch {
	case st.Faces != nil:
		boxes := make([]vision.Rect, len(st.Faces.Boxes))
		for i, b := range st.Faces.Boxes {
			boxes[i] = b.rect()
		}
		r.faces.set(st.Faces.Width, st.Faces.Height, boxes)
		return r.trigger(monitor.TaskAnalysis, st.Faces.Repeat)

	case st.Audio != nil:
		r.audio.set(st.Audio.Level)
		return r.trigger(monitor.TaskAnalysis, st.Audio.Repeat)

	case st.Key != nil:
		r.key(*st.Key)
		return nil

	case st.Event != "":
		r.event(st.Event)
		return nil

	case st.WebSocket != "":
		if err := r.bus.WebSocket(st.WebSocket); err != nil {
			r.logger.Debug("websocket refused", "url", st.WebSocket, "error", err)
		}
		return nil

	case st.Request != "":
		return r.request(ctx, st.Request)

	case st.Window != nil:
		r.window.update(st.Window.metrics())
		return r.trigger(monitor.TaskDevTools, 1)

	case st.Environment != nil:
		r.env.update(*st.Environment)
		return r.trigger(monitor.TaskEnvironment, 1)

	case st.Acknowledge:
		if err := r.m.Acknowledge(); err != nil && !errors.Is(err, monitor.ErrNotPaused) {
			return err
		}
		return nil

	case st.Tick != nil:
		task := st.Tick.Task
		if task == "" {
			task = monitor.TaskAnalysis
		}
		r.clock.Advance(st.Tick.Advance)
		return r.trigger(task, st.Tick.Count)
	}
	return ErrInvalidScenario
}

// key types k. Key-down times step by Flight from the previous key-down,
// independent of the session clock.
func (r *runner) key(k KeyStep) {
	dwell := k.Dwell
	if dwell == 0 {
		dwell = defaultDwell
	}
	for i := 0; i < repeat(k.Repeat); i++ {
		ev := behavior.KeyEvent{
			Key:      k.Key,
			Code:     k.Code,
			Ctrl:     k.Ctrl,
			Meta:     k.Meta,
			Shift:    k.Shift,
			Alt:      k.Alt,
			Pressure: k.Pressure,
		}
		if r.lastDown.IsZero() {
			r.lastDown = r.clock.Now()
		} else {
			r.lastDown = r.lastDown.Add(k.Flight)
		}
		ev.At = r.lastDown
		r.bus.KeyDown(ev)
		ev.At = r.lastDown.Add(dwell)
		r.bus.KeyUp(ev)
		r.clock.AtLeast(ev.At)
	}
}

func (r *runner) event(name string) {
	switch name {
	case EventVisibilityHidden:
		r.bus.Visibility(true)
	case EventVisibilityVisible:
		r.bus.Visibility(false)
	case EventBlur:
		r.bus.Blur()
	case EventCopy:
		r.bus.Clipboard(behavior.ClipboardCopy)
	case EventPaste:
		r.bus.Clipboard(behavior.ClipboardPaste)
	case EventCut:
		r.bus.Clipboard(behavior.ClipboardCut)
	case EventContextMenu:
		r.bus.ContextMenu()
	case EventConsole:
		r.bus.Console()
	}
}

// request pushes a page request through the network policy. Allowed
// requests are not sent.
func (r *runner) request(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	net := r.m.Network()
	if !net.Blocked(req.URL.Host) {
		r.logger.Debug("request allowed", "url", rawURL)
		return nil
	}
	if _, err := net.RoundTrip(req); err != nil {
		r.logger.Debug("request refused", "url", rawURL, "error", err)
	}
	return nil
}
