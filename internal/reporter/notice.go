package reporter

import "sync"

// NoticeKind classifies a user-facing notice.
type NoticeKind int

const (
	// NoticeInfo is a transient informational banner.
	NoticeInfo NoticeKind = iota
	// NoticeWarning is the transient toast shown for each violation.
	NoticeWarning
	// NoticeError is a transient error banner, e.g. permission denied.
	NoticeError
	// NoticePaused is the blocking acknowledgement screen.
	NoticePaused
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeInfo:
		return "info"
	case NoticeWarning:
		return "warning"
	case NoticeError:
		return "error"
	case NoticePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Notice texts.
const (
	TitleWarning = "Proctoring Warning"
	TitlePaused  = "Assessment Paused"
	MsgPaused    = "Too many violations. Please acknowledge and resume."
)

// Notice is a message for the candidate.
type Notice struct {
	Kind    NoticeKind
	Title   string
	Message string
}

// Blocking reports whether the notice must be acknowledged.
func (n Notice) Blocking() bool { return n.Kind == NoticePaused }

// Notifier displays notices. Implementations must not block.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// NoticeLog is a Notifier that records notices, for headless hosts.
type NoticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (l *NoticeLog) Notify(n Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notices = append(l.notices, n)
}

// Notices returns a copy of the recorded notices.
func (l *NoticeLog) Notices() []Notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Notice(nil), l.notices...)
}
