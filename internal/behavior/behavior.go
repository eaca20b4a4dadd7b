// Package behavior implements the behavioral anomaly checks: page focus,
// clipboard, context menu, developer tools, keystroke dynamics and the
// environment scan.
//
// The checks are deliberately independent. Each is cheap and individually
// easy to defeat; together they are hard to defeat all at once. Handlers
// return a Decision telling the host bridge whether to cancel the
// platform's default action.
package behavior

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"examguard/internal/logging"
	"examguard/internal/violation"
)

// Finding is one violation produced by a check.
type Finding struct {
	Type    violation.Type
	Message string
	Data    map[string]any
}

// EmitFunc receives findings.
type EmitFunc func(Finding)

// Decision tells the host what to do with the originating event.
type Decision struct {
	PreventDefault bool
}

// ClipboardAction is a clipboard event kind.
type ClipboardAction string

const (
	ClipboardCopy  ClipboardAction = "copy"
	ClipboardCut   ClipboardAction = "cut"
	ClipboardPaste ClipboardAction = "paste"
)

// Legacy key codes used by hosts that do not report key names.
const (
	keyCodeI           = 73
	keyCodeJ           = 74
	keyCodeU           = 85
	keyCodeF12         = 123
	keyCodePrintScreen = 44
)

// KeyEvent is a keyboard event forwarded by the host.
type KeyEvent struct {
	Key      string
	Code     int
	Ctrl     bool
	Meta     bool
	Shift    bool
	Alt      bool
	Repeat   bool
	Pressure float64
	At       time.Time
}

func (e KeyEvent) primaryModifier() bool { return e.Ctrl || e.Meta }

func (e KeyEvent) is(name string, code int) bool {
	return strings.EqualFold(e.Key, name) || (e.Code != 0 && e.Code == code)
}

// Messages.
const (
	MsgTabSwitch        = "Tab switch detected. Please stay on the assessment tab."
	MsgWindowBlur       = "Window focus lost. Please remain focused on the assessment."
	MsgClipboardBlocked = "Copy/paste operation blocked"
	MsgRightClick       = "Right-click context menu blocked"
	MsgDevToolsAttempt  = "Developer tools access attempted"
	MsgDevToolsOpen     = "Developer tools detected as open"
	MsgScreenCapture    = "Print screen key blocked"
	MsgConsoleUsage     = "Console usage detected"
)

// Options configure the detector.
type Options struct {
	BlockClipboard    bool
	DevToolsThreshold int
}

// Detector dispatches host events to the individual checks.
type Detector struct {
	opts     Options
	emit     EmitFunc
	keys     *KeystrokeAnalyzer
	devtools *DevToolsWatcher
	env      *EnvironmentChecker
	logger   *slog.Logger
	now      func() time.Time
}

// NewDetector creates a detector that sends findings to emit.
func NewDetector(opts Options, emit EmitFunc, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = logging.Default().Logger
	}
	if emit == nil {
		emit = func(Finding) {}
	}
	return &Detector{
		opts:     opts,
		emit:     emit,
		keys:     NewKeystrokeAnalyzer(),
		devtools: NewDevToolsWatcher(opts.DevToolsThreshold),
		env:      NewEnvironmentChecker(),
		logger:   logger,
		now:      time.Now,
	}
}

// Keystrokes exposes the keystroke analyzer.
func (d *Detector) Keystrokes() *KeystrokeAnalyzer { return d.keys }

// Environment exposes the environment checker.
func (d *Detector) Environment() *EnvironmentChecker { return d.env }

func (d *Detector) report(t violation.Type, msg string) {
	d.emit(Finding{Type: t, Message: msg})
}

// VisibilityChanged handles page visibility changes.
func (d *Detector) VisibilityChanged(hidden bool) {
	if hidden {
		d.report(violation.TabSwitch, MsgTabSwitch)
	}
}

// WindowBlurred handles loss of window focus.
func (d *Detector) WindowBlurred() {
	d.report(violation.WindowBlur, MsgWindowBlur)
}

// Clipboard handles copy, cut and paste. Without clipboard blocking the
// action is allowed and not reported.
func (d *Detector) Clipboard(action ClipboardAction) Decision {
	if !d.opts.BlockClipboard {
		return Decision{}
	}
	d.report(violation.CopyPasteAttempt, MsgClipboardBlocked)
	return Decision{PreventDefault: true}
}

// ContextMenu handles right-click.
func (d *Detector) ContextMenu() Decision {
	d.report(violation.RightClick, MsgRightClick)
	return Decision{PreventDefault: true}
}

// KeyDown handles a key press.
func (d *Detector) KeyDown(e KeyEvent) Decision {
	at := e.At
	if at.IsZero() {
		at = d.now()
	}
	if !e.Repeat {
		d.keys.KeyDown(keyID(e), at, e.Pressure)
	}

	switch {
	case devToolsCombo(e):
		d.report(violation.DevToolsAttempt, MsgDevToolsAttempt)
		return Decision{PreventDefault: true}
	case e.is("PrintScreen", keyCodePrintScreen):
		d.report(violation.ScreenCapture, MsgScreenCapture)
		return Decision{PreventDefault: true}
	case d.opts.BlockClipboard && e.primaryModifier() && clipboardShortcut(e.Key):
		d.report(violation.KeyboardShortcut, fmt.Sprintf("Keyboard shortcut %s blocked", strings.ToLower(e.Key)))
		return Decision{PreventDefault: true}
	}
	return Decision{}
}

// KeyUp handles a key release and runs the keystroke analysis.
func (d *Detector) KeyUp(e KeyEvent) {
	at := e.At
	if at.IsZero() {
		at = d.now()
	}
	for _, f := range d.keys.KeyUp(keyID(e), at) {
		d.emit(f)
	}
}

// ConsoleUsed handles an observed console write.
func (d *Detector) ConsoleUsed() {
	d.report(violation.ConsoleUsage, MsgConsoleUsage)
}

// PollDevTools runs one developer tools poll.
func (d *Detector) PollDevTools(src WindowSource) {
	if src == nil {
		return
	}
	m, ok := src.WindowMetrics()
	if !ok {
		return
	}
	if d.devtools.Observe(m) {
		d.report(violation.DevToolsOpen, MsgDevToolsOpen)
	}
}

// CheckEnvironment runs the environment heuristics over f.
func (d *Detector) CheckEnvironment(f Facts) {
	findings := d.env.Check(f)
	if scan, ok := d.env.Last(); ok {
		d.logger.Debug("environment scanned",
			"risk_score", scan.RiskScore,
			"virtual_machine", scan.VirtualMachine,
			"findings", len(findings))
	}
	for _, finding := range findings {
		d.emit(finding)
	}
}

func devToolsCombo(e KeyEvent) bool {
	if e.is("F12", keyCodeF12) {
		return true
	}
	if !e.primaryModifier() {
		return false
	}
	if e.Shift && (e.is("i", keyCodeI) || e.is("j", keyCodeJ)) {
		return true
	}
	return e.is("u", keyCodeU)
}

func clipboardShortcut(key string) bool {
	switch strings.ToLower(key) {
	case "a", "c", "v", "x":
		return true
	}
	return false
}

// keyID normalizes the key identity so shift state does not split a
// down/up pair.
func keyID(e KeyEvent) string {
	if e.Key != "" {
		return strings.ToLower(e.Key)
	}
	return fmt.Sprintf("code:%d", e.Code)
}
