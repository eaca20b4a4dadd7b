package monitor

import (
	"log/slog"
	"net/http"
	"time"

	"examguard/internal/audio"
	"examguard/internal/behavior"
	"examguard/internal/capability"
	"examguard/internal/evidence"
	"examguard/internal/media"
	"examguard/internal/metrics"
	"examguard/internal/netpolicy"
	"examguard/internal/reporter"
	"examguard/internal/violation"
	"examguard/internal/vision"
)

// Cadences of the non-visual checks.
const (
	DefaultCheckInterval       = 1200 * time.Millisecond
	DefaultDevToolsInterval    = 500 * time.Millisecond
	DefaultEnvironmentInterval = 30 * time.Second
)

// Options is what the host page supplies at mount time.
type Options struct {
	AssessmentID string
	CandidateID  string

	MinFaceSizeRatio  float64
	MaxFaces          int
	MovementThreshold float64
	CheckInterval     time.Duration

	// Evidence attaches a snapshot of the current frame to violations.
	Evidence              bool
	EnableAudioMonitoring bool
	BlockClipboard        bool
	// MaxWarningsBeforePause is the pause threshold; 0 disables pausing.
	MaxWarningsBeforePause int

	// OnViolation is the host's in-page callback.
	OnViolation func(violation.Event)

	AudioThreshold      float64
	DevToolsThreshold   int
	DevToolsInterval    time.Duration
	EnvironmentInterval time.Duration
	CentroidResetMisses int
	Snapshot            evidence.Config
	Reporter            reporter.Config
	Network             netpolicy.Policy
}

// DefaultOptions returns the standard thresholds for an assessment.
func DefaultOptions(assessmentID, candidateID string) Options {
	vc := vision.DefaultConfig()
	return Options{
		AssessmentID:           assessmentID,
		CandidateID:            candidateID,
		MinFaceSizeRatio:       vc.MinFaceSizeRatio,
		MaxFaces:               vc.MaxFaces,
		MovementThreshold:      vc.MovementThreshold,
		CheckInterval:          DefaultCheckInterval,
		Evidence:               true,
		EnableAudioMonitoring:  false,
		BlockClipboard:         false,
		MaxWarningsBeforePause: reporter.DefaultMaxWarnings,
		AudioThreshold:         audio.DefaultThreshold,
		DevToolsThreshold:      behavior.DefaultDevToolsThreshold,
		DevToolsInterval:       DefaultDevToolsInterval,
		EnvironmentInterval:    DefaultEnvironmentInterval,
		CentroidResetMisses:    vc.CentroidResetMisses,
		Snapshot:               evidence.DefaultConfig(),
		Reporter:               reporter.DefaultConfig(),
	}
}

// normalized fills thresholds that have no meaningful zero value.
func (o Options) normalized() Options {
	vc := vision.DefaultConfig()
	if o.MinFaceSizeRatio <= 0 {
		o.MinFaceSizeRatio = vc.MinFaceSizeRatio
	}
	if o.MaxFaces <= 0 {
		o.MaxFaces = vc.MaxFaces
	}
	if o.MovementThreshold <= 0 {
		o.MovementThreshold = vc.MovementThreshold
	}
	if o.CentroidResetMisses <= 0 {
		o.CentroidResetMisses = vc.CentroidResetMisses
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = DefaultCheckInterval
	}
	if o.DevToolsInterval <= 0 {
		o.DevToolsInterval = DefaultDevToolsInterval
	}
	if o.EnvironmentInterval <= 0 {
		o.EnvironmentInterval = DefaultEnvironmentInterval
	}
	o.Reporter.MaxWarningsBeforePause = o.MaxWarningsBeforePause
	return o
}

func (o Options) visionConfig() vision.Config {
	return vision.Config{
		MinFaceSizeRatio:    o.MinFaceSizeRatio,
		MaxFaces:            o.MaxFaces,
		MovementThreshold:   o.MovementThreshold,
		CentroidResetMisses: o.CentroidResetMisses,
	}
}

// Platform is everything the monitor consumes from the host. Nil members
// disable the checks that need them.
type Platform struct {
	Media   media.Devices
	Frames  vision.FrameSource
	Overlay vision.OverlaySink
	Events  EventSource
	Window  behavior.WindowSource

	Environment behavior.EnvironmentSource
	Notifier    reporter.Notifier

	NativeDetector vision.NativeDetector
	MeshModel      vision.MeshModel
	// MeshLoader loads MeshModel on demand. A MeshModel without a loader is
	// treated as already loaded.
	MeshLoader capability.Loader
	AudioGraphs audio.GraphFactory

	// Camera and Microphone report device presence. Nil means "assume
	// present when Media is set".
	Camera     func() bool
	Microphone func() bool

	HTTPClient *http.Client
	Signer     *evidence.Signer
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Clock      func() time.Time
}
