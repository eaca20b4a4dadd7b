package behavior

import (
	"sync"
	"time"

	"examguard/internal/violation"
)

// Keystroke analysis parameters.
const (
	// KeystrokeWindow is the number of samples retained.
	KeystrokeWindow = 100
	// StatsWindow is the number of recent samples the rolling means cover.
	StatsWindow = 10

	dwellHigh  = 3.0
	dwellLow   = 0.3
	flightHigh = 4.0
	flightLow  = 0.2

	// FastFlight is the flight time under which a keystroke counts toward
	// the fast-paste signature.
	FastFlight = 50 * time.Millisecond
	// FastBurst is how many fast keystrokes within StatsWindow form the
	// signature.
	FastBurst = 6
)

const (
	MsgDwellAnomaly  = "Unusual key dwell time detected"
	MsgFlightAnomaly = "Unusual typing rhythm detected"
	MsgFastPaste     = "Potential copy-paste activity detected"
)

// KeystrokeSample is one completed key-down/key-up pair.
type KeystrokeSample struct {
	Key  string
	Down time.Time
	// Dwell is the time the key was held.
	Dwell time.Duration
	// Flight is the gap since the previous key-down. HasFlight is false for
	// the first key of a session.
	Flight    time.Duration
	HasFlight bool
	// Pressure is the coarse key force, 1 when the platform has none.
	Pressure float64
}

type pendingKey struct {
	down      time.Time
	flight    time.Duration
	hasFlight bool
	pressure  float64
}

// KeystrokeAnalyzer keeps a rolling window of samples and flags samples
// that deviate from the recent typing rhythm.
type KeystrokeAnalyzer struct {
	mu       sync.Mutex
	samples  []KeystrokeSample
	pending  map[string]pendingKey
	lastDown time.Time
	hasDown  bool
	// inBurst is set while the fast-paste signature holds, so one burst
	// produces one finding.
	inBurst bool
}

// NewKeystrokeAnalyzer creates an empty analyzer.
func NewKeystrokeAnalyzer() *KeystrokeAnalyzer {
	return &KeystrokeAnalyzer{
		samples: make([]KeystrokeSample, 0, KeystrokeWindow),
		pending: make(map[string]pendingKey),
	}
}

// KeyDown starts a sample. Auto-repeat downs for a held key are ignored.
func (a *KeystrokeAnalyzer) KeyDown(key string, at time.Time, pressure float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, held := a.pending[key]; held {
		return
	}
	if pressure <= 0 {
		pressure = 1
	}
	p := pendingKey{down: at, pressure: pressure}
	if a.hasDown {
		p.flight = at.Sub(a.lastDown)
		p.hasFlight = true
	}
	a.pending[key] = p
	a.lastDown = at
	a.hasDown = true
}

// KeyUp completes the sample started by the matching KeyDown and analyzes
// it. A key-up without a key-down is ignored.
func (a *KeystrokeAnalyzer) KeyUp(key string, at time.Time) []Finding {
	a.mu.Lock()
	p, ok := a.pending[key]
	if ok {
		delete(a.pending, key)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}

	return a.Record(KeystrokeSample{
		Key:       key,
		Down:      p.down,
		Dwell:     at.Sub(p.down),
		Flight:    p.flight,
		HasFlight: p.hasFlight,
		Pressure:  p.pressure,
	})
}

// Record analyzes a completed sample against the previous StatsWindow
// samples, then appends it. At most one keystroke_anomaly is produced per
// sample; the fast-paste signature is reported separately.
func (a *KeystrokeAnalyzer) Record(s KeystrokeSample) []Finding {
	a.mu.Lock()
	defer a.mu.Unlock()

	var findings []Finding
	if len(a.samples) >= StatsWindow {
		if f, ok := rhythmAnomaly(a.samples[len(a.samples)-StatsWindow:], s); ok {
			findings = append(findings, f)
		}
	}

	a.samples = append(a.samples, s)
	if len(a.samples) > KeystrokeWindow {
		a.samples = append(a.samples[:0], a.samples[len(a.samples)-KeystrokeWindow:]...)
	}

	if fastBurst(a.samples) {
		if !a.inBurst {
			a.inBurst = true
			findings = append(findings, Finding{Type: violation.CopyPasteAttempt, Message: MsgFastPaste})
		}
	} else {
		a.inBurst = false
	}
	return findings
}

func rhythmAnomaly(prior []KeystrokeSample, s KeystrokeSample) (Finding, bool) {
	var dwellSum, flightSum time.Duration
	flights := 0
	for _, p := range prior {
		dwellSum += p.Dwell
		if p.HasFlight {
			flightSum += p.Flight
			flights++
		}
	}

	meanDwell := float64(dwellSum) / float64(len(prior))
	if meanDwell > 0 {
		d := float64(s.Dwell)
		if d > meanDwell*dwellHigh || d < meanDwell*dwellLow {
			return Finding{Type: violation.KeystrokeAnomaly, Message: MsgDwellAnomaly}, true
		}
	}

	if s.HasFlight && flights > 0 {
		meanFlight := float64(flightSum) / float64(flights)
		f := float64(s.Flight)
		if meanFlight > 0 && (f > meanFlight*flightHigh || f < meanFlight*flightLow) {
			return Finding{Type: violation.KeystrokeAnomaly, Message: MsgFlightAnomaly}, true
		}
	}
	return Finding{}, false
}

func fastBurst(samples []KeystrokeSample) bool {
	start := len(samples) - StatsWindow
	if start < 0 {
		start = 0
	}
	fast := 0
	for _, s := range samples[start:] {
		if s.HasFlight && s.Flight < FastFlight {
			fast++
		}
	}
	return fast >= FastBurst
}

// Samples returns a copy of the retained window.
func (a *KeystrokeAnalyzer) Samples() []KeystrokeSample {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]KeystrokeSample(nil), a.samples...)
}

// Reset clears all state.
func (a *KeystrokeAnalyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = a.samples[:0]
	a.pending = make(map[string]pendingKey)
	a.hasDown = false
	a.inBurst = false
}
