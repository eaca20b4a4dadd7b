package behavior

import "sync"

// DefaultDevToolsThreshold is the window chrome size, in pixels, above which
// a docked developer tools panel is assumed.
const DefaultDevToolsThreshold = 160

// WindowMetrics are the outer and inner window dimensions.
type WindowMetrics struct {
	OuterWidth  int
	OuterHeight int
	InnerWidth  int
	InnerHeight int
}

// WindowSource reports the current window metrics. ok is false when the
// host cannot measure the window.
type WindowSource interface {
	WindowMetrics() (m WindowMetrics, ok bool)
}

// DevToolsWatcher detects the closed-to-open transition of a docked
// developer tools panel.
type DevToolsWatcher struct {
	mu        sync.Mutex
	threshold int
	open      bool
}

// NewDevToolsWatcher creates a watcher. threshold <= 0 selects the default.
func NewDevToolsWatcher(threshold int) *DevToolsWatcher {
	if threshold <= 0 {
		threshold = DefaultDevToolsThreshold
	}
	return &DevToolsWatcher{threshold: threshold}
}

// Observe records one poll and reports whether the panel just opened.
func (w *DevToolsWatcher) Observe(m WindowMetrics) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	open := m.OuterWidth-m.InnerWidth > w.threshold || m.OuterHeight-m.InnerHeight > w.threshold
	opened := open && !w.open
	w.open = open
	return opened
}

// Open reports the last observed state.
func (w *DevToolsWatcher) Open() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.open
}
