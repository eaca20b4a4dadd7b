// Package replay drives a real integrity monitor through a scripted
// scenario of camera frames, audio levels, keystrokes and page events.
// It backs examguardctl replay and end-to-end tests.
package replay

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"examguard/internal/behavior"
	"examguard/internal/vision"
)

// Event step names.
const (
	EventVisibilityHidden  = "visibility_hidden"
	EventVisibilityVisible = "visibility_visible"
	EventBlur              = "blur"
	EventCopy              = "copy"
	EventPaste             = "paste"
	EventCut               = "cut"
	EventContextMenu       = "contextmenu"
	EventConsole           = "console"
)

var knownEvents = map[string]bool{
	EventVisibilityHidden:  true,
	EventVisibilityVisible: true,
	EventBlur:              true,
	EventCopy:              true,
	EventPaste:             true,
	EventCut:               true,
	EventContextMenu:       true,
	EventConsole:           true,
}

const (
	defaultDwell       = 90 * time.Millisecond
	defaultFrameWidth  = 640
	defaultFrameHeight = 480
)

// Scenario is one scripted session.
type Scenario struct {
	Name         string       `yaml:"name"`
	AssessmentID string       `yaml:"assessmentId"`
	CandidateID  string       `yaml:"candidateId"`
	Start        time.Time    `yaml:"start"`
	Options      Options      `yaml:"options"`
	Capabilities Capabilities `yaml:"capabilities"`
	Steps        []Step       `yaml:"steps"`
}

// Options overrides the base monitor thresholds. Zero numbers and absent
// flags keep the base value.
type Options struct {
	MinFaceSizeRatio      float64 `yaml:"minFaceSizeRatio"`
	MaxFaces              int     `yaml:"maxFaces"`
	MovementThreshold     float64 `yaml:"movementThreshold"`
	EnableAudioMonitoring *bool   `yaml:"enableAudioMonitoring"`
	AudioThreshold        float64 `yaml:"audioThreshold"`
	BlockClipboard        *bool   `yaml:"blockClipboard"`
	DevToolsThreshold     int     `yaml:"devToolsThreshold"`
	// MaxWarningsBeforePause is left at the default when absent; an explicit
	// 0 disables pausing.
	MaxWarningsBeforePause *int     `yaml:"maxWarningsBeforePause"`
	BlockedDomains         []string `yaml:"blockedDomains"`
}

// Capabilities describes the simulated platform. Absent flags default to
// present.
type Capabilities struct {
	FaceDetector     *bool `yaml:"faceDetector"`
	Camera           *bool `yaml:"camera"`
	Microphone       *bool `yaml:"microphone"`
	PermissionDenied bool  `yaml:"permissionDenied"`
}

func flag(b *bool) bool { return b == nil || *b }

// Box is a face bounding box in frame pixels.
type Box struct {
	X      float64 `yaml:"x"`
	Y      float64 `yaml:"y"`
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

func (b Box) rect() vision.Rect {
	return vision.Rect{X: b.X, Y: b.Y, Width: b.Width, Height: b.Height}
}

// FacesStep sets the detector output and runs the analysis task Repeat
// times.
type FacesStep struct {
	Width  int   `yaml:"width"`
	Height int   `yaml:"height"`
	Boxes  []Box `yaml:"boxes"`
	Repeat int   `yaml:"repeat"`
}

// AudioStep sets the microphone RMS level and runs the analysis task.
type AudioStep struct {
	Level  float64 `yaml:"level"`
	Repeat int     `yaml:"repeat"`
}

// KeyStep types one key Repeat times. Flight is the gap since the
// previous key-down; Dwell is how long the key is held.
type KeyStep struct {
	Key      string        `yaml:"key"`
	Code     int           `yaml:"code"`
	Dwell    time.Duration `yaml:"dwell"`
	Flight   time.Duration `yaml:"flight"`
	Ctrl     bool          `yaml:"ctrl"`
	Meta     bool          `yaml:"meta"`
	Shift    bool          `yaml:"shift"`
	Alt      bool          `yaml:"alt"`
	Pressure float64       `yaml:"pressure"`
	Repeat   int           `yaml:"repeat"`
}

// WindowStep sets the window metrics and runs one developer tools poll.
type WindowStep struct {
	OuterWidth  int `yaml:"outerWidth"`
	OuterHeight int `yaml:"outerHeight"`
	InnerWidth  int `yaml:"innerWidth"`
	InnerHeight int `yaml:"innerHeight"`
}

func (w WindowStep) metrics() behavior.WindowMetrics {
	return behavior.WindowMetrics{
		OuterWidth:  w.OuterWidth,
		OuterHeight: w.OuterHeight,
		InnerWidth:  w.InnerWidth,
		InnerHeight: w.InnerHeight,
	}
}

// TickStep advances the clock and runs a periodic task Count times.
type TickStep struct {
	Task    string        `yaml:"task"`
	Advance time.Duration `yaml:"advance"`
	Count   int           `yaml:"count"`
}

// Step is one scripted action. Exactly one field is set.
type Step struct {
	Faces       *FacesStep      `yaml:"faces,omitempty"`
	Audio       *AudioStep      `yaml:"audio,omitempty"`
	Key         *KeyStep        `yaml:"key,omitempty"`
	Event       string          `yaml:"event,omitempty"`
	WebSocket   string          `yaml:"websocket,omitempty"`
	Request     string          `yaml:"request,omitempty"`
	Window      *WindowStep     `yaml:"window,omitempty"`
	Environment *behavior.Facts `yaml:"environment,omitempty"`
	Acknowledge bool            `yaml:"acknowledge,omitempty"`
	Tick        *TickStep       `yaml:"tick,omitempty"`
}

func (s Step) kinds() []string {
	var k []string
	if s.Faces != nil {
		k = append(k, "faces")
	}
	if s.Audio != nil {
		k = append(k, "audio")
	}
	if s.Key != nil {
		k = append(k, "key")
	}
	if s.Event != "" {
		k = append(k, "event")
	}
	if s.WebSocket != "" {
		k = append(k, "websocket")
	}
	if s.Request != "" {
		k = append(k, "request")
	}
	if s.Window != nil {
		k = append(k, "window")
	}
	if s.Environment != nil {
		k = append(k, "environment")
	}
	if s.Acknowledge {
		k = append(k, "acknowledge")
	}
	if s.Tick != nil {
		k = append(k, "tick")
	}
	return k
}

// Kind names the step's action.
func (s Step) Kind() string {
	if k := s.kinds(); len(k) == 1 {
		return k[0]
	}
	return ""
}

var ErrInvalidScenario = errors.New("replay: invalid scenario")

// Validate checks identifiers and that every step names exactly one known
// action.
func (sc *Scenario) Validate() error {
	var problems []string
	if sc.AssessmentID == "" {
		problems = append(problems, "assessmentId is required")
	}
	if sc.CandidateID == "" {
		problems = append(problems, "candidateId is required")
	}
	for i, st := range sc.Steps {
		k := st.kinds()
		switch {
		case len(k) == 0:
			problems = append(problems, fmt.Sprintf("step %d: no action", i+1))
			continue
		case len(k) > 1:
			problems = append(problems, fmt.Sprintf("step %d: more than one action (%s)", i+1, strings.Join(k, ", ")))
			continue
		}
		if st.Event != "" && !knownEvents[st.Event] {
			problems = append(problems, fmt.Sprintf("step %d: unknown event %q", i+1, st.Event))
		}
		if st.Key != nil && st.Key.Key == "" && st.Key.Code == 0 {
			problems = append(problems, fmt.Sprintf("step %d: key needs key or code", i+1))
		}
		if st.Key != nil && (st.Key.Dwell < 0 || st.Key.Flight < 0) {
			problems = append(problems, fmt.Sprintf("step %d: negative key timing", i+1))
		}
		if st.Audio != nil && (st.Audio.Level < 0 || st.Audio.Level > 1) {
			problems = append(problems, fmt.Sprintf("step %d: audio level must be within [0,1]", i+1))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidScenario, strings.Join(problems, "; "))
	}
	return nil
}

// Parse decodes and validates a YAML scenario.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if sc.Name == "" {
		sc.Name = path
	}
	return sc, nil
}
