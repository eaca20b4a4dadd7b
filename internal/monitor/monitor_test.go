package monitor

import (
	"context"
	"errors"
	"image"
	"image/color"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examguard/internal/audio"
	"examguard/internal/behavior"
	"examguard/internal/evidence"
	"examguard/internal/media"
	"examguard/internal/reporter"
	"examguard/internal/violation"
	"examguard/internal/vision"
)

// stepClock advances one millisecond per call so consecutive findings
// never collapse into the same dedup fingerprint.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type boxes struct {
	mu    sync.Mutex
	faces []vision.Rect
}

func (b *boxes) set(faces ...vision.Rect) {
	b.mu.Lock()
	b.faces = faces
	b.mu.Unlock()
}

func (b *boxes) DetectFaces(context.Context, vision.Frame) ([]vision.Rect, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]vision.Rect(nil), b.faces...), nil
}

type level struct {
	value  atomic.Uint32
	closed atomic.Bool
}

func (l *level) FFTSize() int { return 8 }

func (l *level) TimeDomain(dst []float32) error {
	v := float32(l.value.Load()) / 100
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
func (l *level) Close() error             { l.closed.Store(true); return nil }

func (l *level) Open(media.Stream, int) (audio.Graph, error) { return l, nil }

type fixture struct {
	devices *media.MemDevices
	bus     *EventBus
	faces   *boxes
	notices *reporter.NoticeLog
	audio   *level
	clock   *stepClock
}

func newFixture() *fixture {
	f := &fixture{
		devices: &media.MemDevices{},
		bus:     NewEventBus(),
		faces:   &boxes{},
		notices: &reporter.NoticeLog{},
		audio:   &level{},
		clock:   &stepClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
	}
	f.faces.set(vision.Rect{X: 220, Y: 140, Width: 200, Height: 200})
	return f
}

func (f *fixture) platform() Platform {
	return Platform{
		Media: f.devices,
		Frames: vision.FrameSourceFunc(func() (vision.Frame, bool) {
			return vision.Frame{Width: 640, Height: 480}, true
		}),
		Events:         f.bus,
		Notifier:       f.notices,
		NativeDetector: f.faces,
		AudioGraphs:    f.audio,
		Clock:          f.clock.Now,
	}
}

func testOptions() Options {
	o := DefaultOptions("asmt-1", "cand-1")
	o.Evidence = false
	// Long enough that only Trigger drives the checks.
	o.CheckInterval = time.Hour
	o.DevToolsInterval = time.Hour
	o.EnvironmentInterval = time.Hour
	return o
}

func countType(events []violation.Event, t violation.Type) int {
	n := 0
	for _, ev := range events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func TestStartStopReleasesEverything(t *testing.T) {
	f := newFixture()
	opts := testOptions()
	opts.EnableAudioMonitoring = true
	m := New(opts, f.platform())

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, vision.StateRunning, m.State())
	assert.True(t, m.Running())
	assert.Equal(t, 1, f.bus.Attached())
	assert.Equal(t, 2, media.LiveTracks(m.Stream()), "video and audio tracks")
	assert.Equal(t, []string{TaskAnalysis}, m.Tasks())

	req := f.devices.Request[0]
	assert.True(t, req.Video)
	assert.True(t, req.Audio)
	assert.True(t, req.FacingUser)

	n := f.notices.Notices()
	require.NotEmpty(t, n)
	assert.Equal(t, titleEnabled, n[len(n)-1].Title)

	require.NoError(t, m.Stop())
	assert.Equal(t, vision.StateStopped, m.State())
	assert.False(t, m.Running())
	assert.Zero(t, f.bus.Attached())
	assert.Zero(t, media.LiveTracks(f.devices.Issued()...))
	assert.True(t, f.audio.closed.Load())
	assert.True(t, m.AudioClosed())

	require.NoError(t, m.Stop(), "second stop is a no-op")
	assert.ErrorIs(t, m.Start(context.Background()), ErrStopped)
}

func TestStartTwice(t *testing.T) {
	f := newFixture()
	m := New(testOptions(), f.platform())
	defer m.Stop()

	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)
	assert.Len(t, f.devices.Issued(), 1)
}

func TestPermissionDenied(t *testing.T) {
	f := newFixture()
	f.devices.Deny = true
	m := New(testOptions(), f.platform())
	defer m.Stop()

	err := m.Start(context.Background())
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, vision.StateIdle, m.State())
	assert.Zero(t, f.bus.Attached())
	assert.Empty(t, m.Violations())

	n := f.notices.Notices()
	require.Len(t, n, 1)
	assert.Equal(t, reporter.NoticeError, n[0].Kind)
	assert.Equal(t, titleCameraError, n[0].Title)

	f.devices.Deny = false
	require.NoError(t, m.Start(context.Background()), "a denied start can be retried")
	assert.Equal(t, vision.StateRunning, m.State())
}

func TestNoMediaDevices(t *testing.T) {
	f := newFixture()
	p := f.platform()
	p.Media = nil
	m := New(testOptions(), p)
	defer m.Stop()

	require.ErrorIs(t, m.Start(context.Background()), ErrUnsupported)
	n := f.notices.Notices()
	require.Len(t, n, 1)
	assert.Equal(t, titleCameraAccess, n[0].Title)
}

func TestLimitedProctoringWithoutDetectors(t *testing.T) {
	f := newFixture()
	p := f.platform()
	p.NativeDetector = nil
	m := New(testOptions(), p)
	defer m.Stop()

	require.NoError(t, m.Start(context.Background()))
	assert.NotContains(t, m.Tasks(), TaskAnalysis)

	events := m.Violations()
	require.Len(t, events, 1)
	assert.Equal(t, violation.EnvironmentScan, events[0].Type)
	assert.Equal(t, MsgLimitedProctoring, events[0].Message)
	assert.Zero(t, m.Warnings(), "informational")

	_, err := m.Trigger(TaskAnalysis)
	assert.Error(t, err)
}

func TestAudioOnlyAnalysis(t *testing.T) {
	f := newFixture()
	p := f.platform()
	p.NativeDetector = nil
	opts := testOptions()
	opts.EnableAudioMonitoring = true
	m := New(opts, p)
	defer m.Stop()

	require.NoError(t, m.Start(context.Background()))
	assert.Contains(t, m.Tasks(), TaskAnalysis)

	f.audio.value.Store(50)
	ran, err := m.Trigger(TaskAnalysis)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, countType(m.Violations(), violation.AudioNoise))
	assert.InDelta(t, 0.5, m.AudioLevel(), 0.01)
}

func TestPauseAtThresholdAndAcknowledge(t *testing.T) {
	f := newFixture()
	var seen atomic.Int32
	opts := testOptions()
	opts.MaxWarningsBeforePause = 2
	opts.OnViolation = func(violation.Event) { seen.Add(1) }
	m := New(opts, f.platform())
	defer m.Stop()
	require.NoError(t, m.Start(context.Background()))

	f.faces.set()
	for i := 0; i < 2; i++ {
		_, err := m.Trigger(TaskAnalysis)
		require.NoError(t, err)
	}
	assert.Equal(t, vision.StatePaused, m.State())
	assert.Equal(t, 2, countType(m.Violations(), violation.NoFace))
	assert.Equal(t, int32(2), seen.Load())

	n := f.notices.Notices()
	assert.True(t, n[len(n)-1].Blocking())

	// Paused: analysis ticks are no-ops.
	_, err := m.Trigger(TaskAnalysis)
	require.NoError(t, err)
	assert.Len(t, m.Violations(), 2)

	require.NoError(t, m.Acknowledge())
	assert.Equal(t, vision.StateRunning, m.State())
	assert.Zero(t, m.Warnings())
	assert.Len(t, m.Violations(), 2, "violations survive acknowledge")
	assert.ErrorIs(t, m.Acknowledge(), ErrNotPaused)

	_, err = m.Trigger(TaskAnalysis)
	require.NoError(t, err)
	assert.Equal(t, 3, countType(m.Violations(), violation.NoFace))
}

func TestBehaviorEventsFlowThroughBus(t *testing.T) {
	f := newFixture()
	opts := testOptions()
	opts.BlockClipboard = true
	opts.MaxWarningsBeforePause = 0
	m := New(opts, f.platform())
	defer m.Stop()
	require.NoError(t, m.Start(context.Background()))

	f.bus.Visibility(true)
	f.bus.Blur()
	assert.True(t, f.bus.Clipboard(behavior.ClipboardPaste).PreventDefault)
	assert.True(t, f.bus.ContextMenu().PreventDefault)
	assert.Error(t, f.bus.WebSocket("wss://chat.openai.com/socket"))

	events := m.Violations()
	assert.Equal(t, 1, countType(events, violation.TabSwitch))
	assert.Equal(t, 1, countType(events, violation.WindowBlur))
	assert.Equal(t, 1, countType(events, violation.CopyPasteAttempt))
	assert.Equal(t, 1, countType(events, violation.RightClick))
	assert.Equal(t, 1, countType(events, violation.WebSocket))

	require.NoError(t, m.Stop())
	f.bus.Blur()
	assert.Equal(t, 1, countType(m.Violations(), violation.WindowBlur), "no listeners after stop")
}

type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("backend unreachable")
}

func TestReportingFailureDoesNotAffectSession(t *testing.T) {
	f := newFixture()
	opts := testOptions()
	opts.Reporter.BaseURL = "http://backend.invalid"
	opts.MaxWarningsBeforePause = 0
	p := f.platform()
	p.HTTPClient = &http.Client{Transport: failingTransport{}}
	m := New(opts, p)
	require.NoError(t, m.Start(context.Background()))

	f.faces.set()
	for i := 0; i < 3; i++ {
		_, err := m.Trigger(TaskAnalysis)
		require.NoError(t, err)
	}
	assert.Equal(t, vision.StateRunning, m.State())
	assert.Equal(t, 3, m.Warnings())

	require.NoError(t, m.Stop())
	s := m.Reporter().Stats()
	assert.Equal(t, int64(3), s.Failed+s.Dropped)
	assert.Zero(t, s.Sent)
}

func TestThresholdReachedBeforeStartPausesSession(t *testing.T) {
	f := newFixture()
	f.devices.Deny = true
	m := New(testOptions(), f.platform())
	defer m.Stop()

	require.ErrorIs(t, m.Start(context.Background()), ErrPermissionDenied)
	for i := 0; i < reporter.DefaultMaxWarnings; i++ {
		m.Behavior().VisibilityChanged(true)
	}
	require.True(t, m.Reporter().Paused())
	assert.Equal(t, vision.StateIdle, m.State())

	f.devices.Deny = false
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, vision.StatePaused, m.State(), "warnings at threshold keep the session paused")

	f.faces.set()
	for i := 0; i < 5; i++ {
		_, err := m.Trigger(TaskAnalysis)
		require.NoError(t, err)
	}
	assert.Zero(t, countType(m.Violations(), violation.NoFace), "paused ticks analyze nothing")

	require.NoError(t, m.Acknowledge())
	assert.Equal(t, vision.StateRunning, m.State())
}

type blockingEnvironment struct {
	entered chan struct{}
	calls   atomic.Int32
}

func (e *blockingEnvironment) Facts(ctx context.Context) (behavior.Facts, error) {
	if e.calls.Add(1) == 1 {
		close(e.entered)
	}
	<-ctx.Done()
	return behavior.Facts{}, ctx.Err()
}

func TestInitialEnvironmentScanEndsWithStop(t *testing.T) {
	f := newFixture()
	env := &blockingEnvironment{entered: make(chan struct{})}
	p := f.platform()
	p.Environment = env
	m := New(testOptions(), p)

	require.NoError(t, m.Start(context.Background()))
	assert.Contains(t, m.Tasks(), TaskEnvironment)
	select {
	case <-env.entered:
	case <-time.After(time.Second):
		t.Fatal("environment scan did not run at start")
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, int32(1), env.calls.Load())
}

// swapAfterDetect replaces the live frame as soon as a detection returns,
// so any later read of the frame source sees different pixels.
type swapAfterDetect struct {
	*boxes
	swapped atomic.Bool
}

func (d *swapAfterDetect) DetectFaces(ctx context.Context, f vision.Frame) ([]vision.Rect, error) {
	faces, err := d.boxes.DetectFaces(ctx, f)
	d.swapped.Store(true)
	return faces, err
}

func solid(c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestAnalysisSnapshotIsJudgedFrame(t *testing.T) {
	f := newFixture()
	judged := solid(color.RGBA{200, 20, 20, 255})
	later := solid(color.RGBA{20, 20, 200, 255})
	det := &swapAfterDetect{boxes: f.faces}

	p := f.platform()
	p.NativeDetector = det
	p.Frames = vision.FrameSourceFunc(func() (vision.Frame, bool) {
		if det.swapped.Load() {
			return vision.Frame{Width: 640, Height: 480, Image: later}, true
		}
		return vision.Frame{Width: 640, Height: 480, Image: judged}, true
	})

	opts := testOptions()
	opts.Evidence = true
	m := New(opts, p)
	defer m.Stop()
	require.NoError(t, m.Start(context.Background()))

	f.faces.set()
	_, err := m.Trigger(TaskAnalysis)
	require.NoError(t, err)

	events := m.Violations()
	require.Equal(t, 1, countType(events, violation.NoFace))
	want, err := evidence.Encode(judged, opts.Snapshot.Quality)
	require.NoError(t, err)
	assert.Equal(t, want, events[len(events)-1].Snapshot)
}
