package behavior

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"

	"examguard/internal/violation"
)

// Screen describes the display as reported by the platform.
type Screen struct {
	Width       int `json:"width"`
	Height      int `json:"height"`
	AvailWidth  int `json:"availWidth"`
	AvailHeight int `json:"availHeight"`
	ColorDepth  int `json:"colorDepth"`
}

// Facts are the raw environment observations supplied by the host.
type Facts struct {
	UserAgent           string   `json:"userAgent" yaml:"user_agent"`
	Language            string   `json:"language" yaml:"language"`
	Platform            string   `json:"platform" yaml:"platform"`
	Timezone            string   `json:"timezone" yaml:"timezone"`
	CookieEnabled       bool     `json:"cookieEnabled" yaml:"cookie_enabled"`
	DoNotTrack          string   `json:"doNotTrack" yaml:"do_not_track"`
	HardwareConcurrency int      `json:"hardwareConcurrency" yaml:"hardware_concurrency"`
	MaxTouchPoints      int      `json:"maxTouchPoints" yaml:"max_touch_points"`
	Screen              Screen   `json:"screen" yaml:"screen"`
	InnerWidth          int      `json:"innerWidth" yaml:"inner_width"`
	OrientationAPI      bool     `json:"orientationApi" yaml:"orientation_api"`
	WebGLRenderer       string   `json:"webglRenderer" yaml:"webgl_renderer"`
	Webdriver           bool     `json:"webdriver" yaml:"webdriver"`
	Phantom             bool     `json:"phantom" yaml:"phantom"`
	PagePort            string   `json:"pagePort" yaml:"page_port"`
	ConnectionType      string   `json:"connectionType" yaml:"connection_type"`
	EffectiveType       string   `json:"effectiveType" yaml:"effective_type"`
	ExtensionMarkers    []string `json:"extensionMarkers" yaml:"extension_markers"`
	// TimingProbe is the duration of a fixed tight loop.
	TimingProbe time.Duration `json:"timingProbe" yaml:"timing_probe"`
	// ClockSkew is the discrepancy between wall and monotonic clocks over
	// the same interval.
	ClockSkew time.Duration `json:"clockSkew" yaml:"clock_skew"`
}

// EnvironmentSource gathers Facts.
type EnvironmentSource interface {
	Facts(ctx context.Context) (Facts, error)
}

// Indicator names, in evaluation order.
const (
	IndicatorScreenMismatch   = "screen_mismatch"
	IndicatorRemoteAccess     = "remote_access_agent"
	IndicatorVirtualizationUA = "virtualization_agent"
	IndicatorWebGLRenderer    = "webgl_renderer"
	IndicatorSlowTiming       = "slow_timing"
	IndicatorLowConcurrency   = "low_concurrency"
)

// VMIndicatorThreshold is the number of indicators that flags a virtual machine.
const VMIndicatorThreshold = 3

var (
	virtualizationUA = regexp.MustCompile(`(?i)VMware|VirtualBox|QEMU|Xen|Parallels`)
	webglVM          = regexp.MustCompile(`(?i)VMware|VirtualBox|QEMU|Parallels|Virtual`)

	remoteAccessPatterns = []string{
		"teamviewer", "anydesk", "chrome-remote-desktop", "vnc", "rdp",
		"logmein", "gotomeeting", "zoom", "skype", "discord",
	}
	proxyPorts = []string{"8080", "3128", "8888", "9050"}

	commonResolutions = []string{
		"1920x1080", "1366x768", "1536x864", "1440x900", "1280x720",
		"1024x768", "800x600", "1280x1024", "1600x900", "2560x1440",
	}
)

const (
	slowTimingThreshold = 100 * time.Millisecond
	clockSkewThreshold  = 10 * time.Millisecond
)

// VMIndicators evaluates every virtual machine indicator in order.
func VMIndicators(f Facts) *orderedmap.OrderedMap[string, bool] {
	ind := orderedmap.NewOrderedMap[string, bool]()
	ind.Set(IndicatorScreenMismatch, f.Screen.AvailWidth != f.Screen.Width || f.Screen.AvailHeight != f.Screen.Height)
	ind.Set(IndicatorRemoteAccess, len(remoteAccessAgents(f)) > 0)
	ind.Set(IndicatorVirtualizationUA, virtualizationUA.MatchString(f.UserAgent))
	ind.Set(IndicatorWebGLRenderer, f.WebGLRenderer != "" && webglVM.MatchString(f.WebGLRenderer))
	ind.Set(IndicatorSlowTiming, f.TimingProbe > slowTimingThreshold)
	ind.Set(IndicatorLowConcurrency, f.HardwareConcurrency > 0 && f.HardwareConcurrency <= 2)
	return ind
}

// CountIndicators returns how many indicators are set.
func CountIndicators(ind *orderedmap.OrderedMap[string, bool]) int {
	n := 0
	for _, k := range ind.Keys() {
		if v, _ := ind.Get(k); v {
			n++
		}
	}
	return n
}

// FormatIndicators renders the set indicators as "[a b]".
func FormatIndicators(ind *orderedmap.OrderedMap[string, bool]) string {
	var hit []string
	for _, k := range ind.Keys() {
		if v, _ := ind.Get(k); v {
			hit = append(hit, k)
		}
	}
	return "[" + strings.Join(hit, " ") + "]"
}

func remoteAccessAgents(f Facts) []string {
	var found []string
	ua := strings.ToLower(f.UserAgent)
	for _, p := range remoteAccessPatterns {
		if strings.Contains(ua, p) {
			found = append(found, fmt.Sprintf("Potential %s detected", p))
		}
	}
	if f.Webdriver {
		found = append(found, "WebDriver automation detected")
	}
	if f.Phantom {
		found = append(found, "PhantomJS detected")
	}
	return found
}

// ScreenResolution is the scan's resolution assessment.
type ScreenResolution struct {
	Width      int  `json:"width"`
	Height     int  `json:"height"`
	Suspicious bool `json:"suspicious"`
}

// ScanResult is the periodic environment scan report.
type ScanResult struct {
	MultipleMonitors    bool             `json:"multipleMonitors"`
	SuspiciousProcesses []string         `json:"suspiciousProcesses"`
	NetworkProxy        bool             `json:"networkProxy"`
	BrowserExtensions   []string         `json:"browserExtensions"`
	VirtualMachine      bool             `json:"virtualMachine"`
	ScreenResolution    ScreenResolution `json:"screenResolution"`
	BrowserFingerprint  string           `json:"browserFingerprint"`
	RiskScore           int              `json:"riskScore"`
	Indicators          map[string]bool  `json:"indicators"`
}

// Map converts the result to the generic structure carried in violation data.
func (r ScanResult) Map() map[string]any {
	raw, err := json.Marshal(r)
	if err != nil {
		return map[string]any{"riskScore": r.RiskScore}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"riskScore": r.RiskScore}
	}
	return m
}

// Scan builds the environment report from f.
func Scan(f Facts) ScanResult {
	res := ScanResult{
		MultipleMonitors:    multipleMonitors(f),
		SuspiciousProcesses: nonNil(remoteAccessAgents(f)),
		NetworkProxy:        networkProxy(f),
		BrowserExtensions:   nonNil(slices.Clone(f.ExtensionMarkers)),
		VirtualMachine:      scanVM(f),
		ScreenResolution:    screenResolution(f.Screen),
		BrowserFingerprint:  fingerprint(f),
	}

	ind := VMIndicators(f)
	res.Indicators = make(map[string]bool, ind.Len())
	for _, k := range ind.Keys() {
		v, _ := ind.Get(k)
		res.Indicators[k] = v
	}

	res.RiskScore = RiskScore(res)
	return res
}

// RiskScore weights the scan findings.
func RiskScore(r ScanResult) int {
	score := 0
	if r.MultipleMonitors {
		score += 15
	}
	score += 20 * len(r.SuspiciousProcesses)
	if r.NetworkProxy {
		score += 25
	}
	score += 10 * len(r.BrowserExtensions)
	if r.VirtualMachine {
		score += 30
	}
	if r.ScreenResolution.Suspicious {
		score += 10
	}
	return score
}

func multipleMonitors(f Facts) bool {
	checks := []bool{
		f.Screen.AvailWidth != f.Screen.Width,
		f.Screen.AvailHeight != f.Screen.Height,
		f.InnerWidth > 0 && f.Screen.Width != f.InnerWidth,
		f.OrientationAPI,
	}
	n := 0
	for _, c := range checks {
		if c {
			n++
		}
	}
	return n >= 2
}

func networkProxy(f Facts) bool {
	if f.ConnectionType != "" {
		return f.ConnectionType == "cellular" && f.EffectiveType == "4g"
	}
	return slices.Contains(proxyPorts, f.PagePort)
}

// scanVM is the scan's coarser virtualization check: two of five signals.
func scanVM(f Facts) bool {
	checks := []bool{
		f.HardwareConcurrency > 0 && f.HardwareConcurrency <= 2,
		f.TimingProbe > slowTimingThreshold,
		f.Screen.ColorDepth > 0 && f.Screen.ColorDepth < 24,
		f.WebGLRenderer != "" && webglVM.MatchString(f.WebGLRenderer),
		f.ClockSkew > clockSkewThreshold || f.ClockSkew < -clockSkewThreshold,
	}
	n := 0
	for _, c := range checks {
		if c {
			n++
		}
	}
	return n >= 2
}

func screenResolution(s Screen) ScreenResolution {
	res := fmt.Sprintf("%dx%d", s.Width, s.Height)
	return ScreenResolution{
		Width:      s.Width,
		Height:     s.Height,
		Suspicious: !slices.Contains(commonResolutions, res) || s.Width < 1024 || s.Height < 768,
	}
}

func fingerprint(f Facts) string {
	fp := struct {
		UserAgent           string `json:"userAgent"`
		Language            string `json:"language"`
		Platform            string `json:"platform"`
		CookieEnabled       bool   `json:"cookieEnabled"`
		DoNotTrack          string `json:"doNotTrack"`
		HardwareConcurrency int    `json:"hardwareConcurrency"`
		MaxTouchPoints      int    `json:"maxTouchPoints"`
		ScreenResolution    string `json:"screenResolution"`
		ColorDepth          int    `json:"colorDepth"`
		Timezone            string `json:"timezone"`
	}{
		UserAgent:           f.UserAgent,
		Language:            f.Language,
		Platform:            f.Platform,
		CookieEnabled:       f.CookieEnabled,
		DoNotTrack:          f.DoNotTrack,
		HardwareConcurrency: f.HardwareConcurrency,
		MaxTouchPoints:      f.MaxTouchPoints,
		ScreenResolution:    fmt.Sprintf("%dx%d", f.Screen.Width, f.Screen.Height),
		ColorDepth:          f.Screen.ColorDepth,
		Timezone:            f.Timezone,
	}
	raw, _ := json.Marshal(fp)
	return base64.StdEncoding.EncodeToString(raw)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// EnvironmentChecker runs the periodic environment check. The
// virtual_machine finding is produced at most once per session; the scan
// report is produced on every run.
type EnvironmentChecker struct {
	mu         sync.Mutex
	vmReported bool
	last       *ScanResult
}

// NewEnvironmentChecker creates a checker.
func NewEnvironmentChecker() *EnvironmentChecker {
	return &EnvironmentChecker{}
}

// MsgEnvironmentScan is the message attached to scan reports.
const MsgEnvironmentScan = "Periodic environment scan report"

// Check evaluates f and returns the findings: an optional virtual_machine
// violation followed by the informational scan report.
func (c *EnvironmentChecker) Check(f Facts) []Finding {
	ind := VMIndicators(f)
	hits := CountIndicators(ind)
	scan := Scan(f)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = &scan

	var out []Finding
	if hits >= VMIndicatorThreshold && !c.vmReported {
		c.vmReported = true
		out = append(out, Finding{
			Type:    violation.VirtualMachine,
			Message: fmt.Sprintf("Virtual machine environment detected (%d indicators)", hits),
			Data:    map[string]any{"indicators": FormatIndicators(ind)},
		})
	}
	out = append(out, Finding{
		Type:    violation.EnvironmentScan,
		Message: MsgEnvironmentScan,
		Data:    scan.Map(),
	})
	return out
}

// Last returns the most recent scan, if any.
func (c *EnvironmentChecker) Last() (ScanResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return ScanResult{}, false
	}
	return *c.last, true
}
