// Package vision implements the visual presence detector: periodic face
// analysis of the candidate's camera feed.
package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"

	"examguard/internal/logging"
	"examguard/internal/violation"
)

// State is the detector lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidTransition is returned for lifecycle calls made in the wrong state.
var ErrInvalidTransition = errors.New("vision: invalid state transition")

// Reviewer-facing messages.
const (
	MsgNoFace    = "No face detected. Please stay in view of the camera."
	MsgMultiFace = "Multiple faces detected. Please ensure only you are in frame."
	MsgOffScreen = "You appear far from camera or partially out of frame. Please stay centered."
	MsgMovement  = "Excessive movement detected. Please remain steady during the assessment."
)

// Config holds detection thresholds.
type Config struct {
	// MinFaceSizeRatio is the smallest face width / frame width accepted.
	// Smaller ratios (strictly) raise off_screen.
	MinFaceSizeRatio float64
	// MaxFaces is the number of faces tolerated before multi_face.
	MaxFaces int
	// MovementThreshold is the centroid drift in pixels that (strictly
	// exceeded) raises movement.
	MovementThreshold float64
	// CentroidResetMisses is the number of consecutive no_face ticks after
	// which the last centroid is forgotten.
	CentroidResetMisses int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MinFaceSizeRatio:    0.12,
		MaxFaces:            1,
		MovementThreshold:   28,
		CentroidResetMisses: 3,
	}
}

// Finding is one violation produced by a tick.
type Finding struct {
	Type    violation.Type
	Message string
}

// Result is the outcome of one analysis tick. Frame is the analyzed frame
// so evidence can be captured from the exact pixels that were judged.
type Result struct {
	Frame    Frame
	Faces    []Face
	Findings []Finding
	Skipped  bool
}

// Detector tracks faces across ticks.
type Detector struct {
	cfg      Config
	strategy Strategy
	frames   FrameSource
	overlay  OverlaySink
	logger   *slog.Logger

	inflight atomic.Bool
	calls    atomic.Int64

	mu          sync.Mutex
	state       State
	centroid    mgl64.Vec2
	hasCentroid bool
	misses      int
}

// NewDetector creates a detector. A nil strategy means no face analysis is
// possible; Analyze then never touches the frame source.
func NewDetector(cfg Config, strategy Strategy, frames FrameSource, overlay OverlaySink, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = logging.Default().Logger
	}
	if cfg.CentroidResetMisses <= 0 {
		cfg.CentroidResetMisses = 1
	}
	return &Detector{
		cfg:      cfg,
		strategy: strategy,
		frames:   frames,
		overlay:  overlay,
		logger:   logger,
	}
}

// State returns the current lifecycle state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Detector) transition(to State, from ...State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range from {
		if d.state == f {
			d.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.state, to)
}

// Begin enters Starting while media is being acquired.
func (d *Detector) Begin() error { return d.transition(StateStarting, StateIdle) }

// Fail returns from Starting to Idle after media acquisition failed.
func (d *Detector) Fail() error { return d.transition(StateIdle, StateStarting) }

// Run enters Running once media is live.
func (d *Detector) Run() error { return d.transition(StateRunning, StateStarting) }

// Pause suspends analysis.
func (d *Detector) Pause() error { return d.transition(StatePaused, StateRunning) }

// Resume continues analysis after an acknowledgement.
func (d *Detector) Resume() error { return d.transition(StateRunning, StatePaused) }

// Stop is terminal. Stopping twice is a no-op.
func (d *Detector) Stop() {
	d.mu.Lock()
	d.state = StateStopped
	d.mu.Unlock()
	d.clearOverlay()
}

// Analyses returns how many times the strategy has been invoked.
func (d *Detector) Analyses() int64 { return d.calls.Load() }

// Analyze runs one tick. It returns a skipped result when not running,
// when a previous tick is still in flight, or when no frame is ready.
// Strategy errors and panics drop the tick.
func (d *Detector) Analyze(ctx context.Context) (res Result) {
	if d.strategy == nil || d.State() != StateRunning {
		return Result{Skipped: true}
	}
	if !d.inflight.CompareAndSwap(false, true) {
		return Result{Skipped: true}
	}
	defer d.inflight.Store(false)

	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("frame analysis panicked", "strategy", d.strategy.Name(), "panic", r)
			res = Result{Skipped: true}
		}
	}()

	frame, ok := d.frames.CurrentFrame()
	if !ok {
		return Result{Skipped: true}
	}
	frame = frame.normalized()

	d.calls.Add(1)
	faces, err := d.strategy.Detect(ctx, frame)
	if err != nil {
		d.logger.Debug("frame analysis failed", "strategy", d.strategy.Name(), "error", err)
		return Result{Skipped: true}
	}

	res = d.evaluate(frame, faces)
	if d.State() != StateRunning {
		// Paused or stopped while the strategy was running.
		return Result{Skipped: true}
	}
	return res
}

func (d *Detector) evaluate(frame Frame, faces []Face) Result {
	res := Result{Frame: frame, Faces: faces}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(faces) == 0 {
		d.misses++
		if d.misses >= d.cfg.CentroidResetMisses {
			d.hasCentroid = false
		}
		res.Findings = append(res.Findings, Finding{violation.NoFace, MsgNoFace})
		d.drawLocked(Overlay{Width: frame.Width, Height: frame.Height})
		return res
	}
	d.misses = 0

	if len(faces) > d.cfg.MaxFaces {
		res.Findings = append(res.Findings, Finding{violation.MultiFace, MsgMultiFace})
	}

	pi := primaryIndex(faces)
	primary := faces[pi]

	ratio := primary.Box.Width / float64(frame.Width)
	if ratio < d.cfg.MinFaceSizeRatio {
		res.Findings = append(res.Findings, Finding{violation.OffScreen, MsgOffScreen})
	}

	center := primary.Box.Center()
	if d.hasCentroid {
		if center.Sub(d.centroid).Len() > d.cfg.MovementThreshold {
			res.Findings = append(res.Findings, Finding{violation.Movement, MsgMovement})
		}
	}
	d.centroid = center
	d.hasCentroid = true

	ov := Overlay{Width: frame.Width, Height: frame.Height, Primary: &primary.Box, KeyPoints: primary.KeyPoints}
	for i, f := range faces {
		if i != pi {
			ov.Others = append(ov.Others, f.Box)
		}
	}
	d.drawLocked(ov)
	return res
}

// LastCentroid returns the tracked centroid, if any.
func (d *Detector) LastCentroid() (mgl64.Vec2, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.centroid, d.hasCentroid
}

func (d *Detector) drawLocked(o Overlay) {
	if d.overlay != nil {
		d.overlay.DrawOverlay(o)
	}
}

func (d *Detector) clearOverlay() {
	if d.overlay != nil {
		d.overlay.DrawOverlay(Overlay{})
	}
}
