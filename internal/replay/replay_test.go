package replay

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examguard/internal/config"
	"examguard/internal/reporter"
	"examguard/internal/violation"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func run(t *testing.T, doc string) *Result {
	t.Helper()
	sc, err := Parse([]byte(doc))
	require.NoError(t, err)
	res, err := Run(context.Background(), sc, quiet)
	require.NoError(t, err)
	return res
}

func TestParseRejectsBadScenarios(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing ids", "steps: [{event: blur}]"},
		{"empty step", "assessmentId: a\ncandidateId: c\nsteps: [{}]"},
		{"two actions", "assessmentId: a\ncandidateId: c\nsteps: [{event: blur, acknowledge: true}]"},
		{"unknown event", "assessmentId: a\ncandidateId: c\nsteps: [{event: teleport}]"},
		{"keyless key", "assessmentId: a\ncandidateId: c\nsteps: [{key: {dwell: 10ms}}]"},
		{"loud audio", "assessmentId: a\ncandidateId: c\nsteps: [{audio: {level: 3}}]"},
		{"not yaml", "assessmentId: [unterminated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidScenario)
		})
	}
}

func TestPauseAndAcknowledge(t *testing.T) {
	res := run(t, `
name: pause
assessmentId: asmt-replay
candidateId: cand-1
start: 2026-04-01T09:00:00Z
options:
  maxWarningsBeforePause: 2
steps:
  - faces: {boxes: [], repeat: 2}
  - faces: {boxes: []}
  - acknowledge: true
  - faces:
      boxes: [{x: 220, y: 140, width: 200, height: 200}]
`)
	require.True(t, res.Started)
	assert.Equal(t, 4, res.Steps)
	assert.Equal(t, "native", res.Strategy)
	assert.Equal(t, 2, res.Count(violation.NoFace), "paused ticks record nothing")
	assert.Equal(t, "running", res.State)
	assert.Zero(t, res.Warnings)

	var paused bool
	for _, n := range res.Notices {
		if n.Title == reporter.TitlePaused {
			paused = true
		}
	}
	assert.True(t, paused)
	assert.Equal(t, time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC), res.Violations[0].Timestamp.Truncate(time.Minute))
}

func TestBehaviorScenario(t *testing.T) {
	res := run(t, `
assessmentId: asmt-replay
candidateId: cand-2
options:
  maxWarningsBeforePause: 0
  blockClipboard: true
steps:
  - event: visibility_hidden
  - event: blur
  - event: paste
  - event: contextmenu
  - event: console
  - websocket: wss://chat.openai.com/socket
  - request: https://stackoverflow.com/questions
  - request: https://example.edu/syllabus
  - key: {key: F12}
  - window: {outerWidth: 1400, outerHeight: 900, innerWidth: 1000, innerHeight: 900}
  - window: {outerWidth: 1400, outerHeight: 900, innerWidth: 1000, innerHeight: 900}
  - environment:
      user_agent: Mozilla/5.0 VirtualBox
      webgl_renderer: VMware SVGA 3D
      hardware_concurrency: 2
      screen: {width: 1920, height: 1080, availwidth: 1920, availheight: 1040}
`)
	require.True(t, res.Started)
	for _, typ := range []violation.Type{
		violation.TabSwitch,
		violation.WindowBlur,
		violation.CopyPasteAttempt,
		violation.RightClick,
		violation.ConsoleUsage,
		violation.WebSocket,
		violation.BlockedDomain,
		violation.DevToolsAttempt,
		violation.DevToolsOpen,
		violation.VirtualMachine,
		violation.EnvironmentScan,
	} {
		assert.Equal(t, 1, res.Count(typ), typ)
	}
	assert.Equal(t, "running", res.State)
}

func TestKeystrokeScenario(t *testing.T) {
	res := run(t, `
assessmentId: asmt-replay
candidateId: cand-3
steps:
  - key: {key: a, dwell: 100ms, flight: 200ms, repeat: 11}
  - key: {key: b, dwell: 600ms, flight: 200ms}
  - key: {key: c, dwell: 100ms, flight: 20ms, repeat: 8}
`)
	assert.GreaterOrEqual(t, res.Count(violation.KeystrokeAnomaly), 2)
	assert.Equal(t, 1, res.Count(violation.CopyPasteAttempt), "one burst, one finding")
}

func TestAudioScenario(t *testing.T) {
	res := run(t, `
assessmentId: asmt-replay
candidateId: cand-4
options:
  enableAudioMonitoring: true
steps:
  - audio: {level: 0.01}
  - audio: {level: 0.5, repeat: 2}
`)
	assert.Equal(t, 2, res.Count(violation.AudioNoise))
}

func TestStartFailures(t *testing.T) {
	res := run(t, `
assessmentId: asmt-replay
candidateId: cand-5
capabilities: {permissionDenied: true}
steps:
  - event: blur
`)
	assert.False(t, res.Started)
	assert.NotEmpty(t, res.StartError)
	assert.Zero(t, res.Steps)
	assert.Equal(t, "idle", res.State)

	res = run(t, `
assessmentId: asmt-replay
candidateId: cand-5
capabilities: {faceDetector: false}
steps:
  - event: blur
`)
	require.True(t, res.Started)
	assert.Equal(t, "none", res.Strategy)
	assert.Equal(t, 1, res.Count(violation.EnvironmentScan), "limited proctoring notice")
	assert.Equal(t, 1, res.Count(violation.WindowBlur))
}

func TestTickWithoutAnalysisTask(t *testing.T) {
	sc, err := Parse([]byte(`
assessmentId: asmt-replay
candidateId: cand-6
capabilities: {faceDetector: false}
steps:
  - tick: {advance: 2s}
`))
	require.NoError(t, err)
	_, err = Run(context.Background(), sc, quiet)
	assert.Error(t, err)
}

func TestLoadNamesScenarioAfterFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blur.yaml")
	require.NoError(t, os.WriteFile(path, []byte("assessmentId: a\ncandidateId: c\nsteps: [{event: blur}]\n"), 0o600))

	sc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, sc.Name)
	assert.Equal(t, "blur", sc.Steps[0].Kind())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfiguredThresholdsSeedReplay(t *testing.T) {
	const doc = `
assessmentId: asmt-replay
candidateId: cand-7
steps:
  - faces:
      boxes: [{x: 220, y: 140, width: 200, height: 200}]
`
	sc, err := Parse([]byte(doc))
	require.NoError(t, err)

	res, err := Run(context.Background(), sc, quiet)
	require.NoError(t, err)
	assert.Zero(t, res.Count(violation.OffScreen), "default ratio accepts a 200px face")

	cfg := config.DefaultConfig()
	cfg.Monitor.MinFaceSizeRatio = 0.5
	base := cfg.MonitorOptions("ignored", "ignored")
	res, err = RunWith(context.Background(), sc, base, quiet)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(violation.OffScreen), "configured ratio applies")
	assert.Equal(t, "asmt-replay", res.Violations[0].AssessmentID)

	sc.Options.MinFaceSizeRatio = 0.2
	res, err = RunWith(context.Background(), sc, base, quiet)
	require.NoError(t, err)
	assert.Zero(t, res.Count(violation.OffScreen), "scenario options override the configuration")
}
