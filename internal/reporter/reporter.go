// Package reporter is the single sink for violations of a monitor session.
//
// Report records a violation locally, drives the warning counter and the
// candidate-facing notices, and queues the backend POST. Delivery happens
// on a worker goroutine; transport failures are logged and dropped and
// never reach the detector that raised the violation.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/zeebo/xxh3"

	"examguard/internal/evidence"
	"examguard/internal/logging"
	"examguard/internal/metrics"
	"examguard/internal/violation"
)

// Endpoint paths.
const (
	EventPath    = "/api/proctoring/event"
	SecurityPath = "/api/proctoring/violation"
)

// Defaults.
const (
	DefaultQueueSize = 64
	DefaultTimeout   = 10 * time.Second
	DefaultDedupSize = 256
)

var (
	ErrClosed       = errors.New("reporter: closed")
	ErrQueueFull    = errors.New("reporter: queue full")
	ErrDrainTimeout = errors.New("reporter: drain timed out")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Path   string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("reporter: %s returned status %d", e.Path, e.Status)
}

// Config configures a Reporter.
type Config struct {
	// BaseURL is the backend origin. Empty keeps every report local.
	BaseURL      string
	EventPath    string
	SecurityPath string
	// MirrorToSecurityEndpoint additionally sends every violation in the
	// secondary shape.
	MirrorToSecurityEndpoint bool
	// MaxWarningsBeforePause is the pause threshold; 0 disables pausing.
	MaxWarningsBeforePause int
	QueueSize              int
	Timeout                time.Duration
	DedupSize              int
}

// DefaultConfig returns the reporter defaults.
func DefaultConfig() Config {
	return Config{
		EventPath:              EventPath,
		SecurityPath:           SecurityPath,
		MaxWarningsBeforePause: DefaultMaxWarnings,
		QueueSize:              DefaultQueueSize,
		Timeout:                DefaultTimeout,
		DedupSize:              DefaultDedupSize,
	}
}

// Deps are the reporter's collaborators. Every field is optional.
type Deps struct {
	Client   *http.Client
	Notifier Notifier
	// OnViolation is the host's in-page callback.
	OnViolation func(violation.Event)
	// OnPause is invoked once when the counter reaches the threshold.
	OnPause func()
	// Snapshot supplies evidence for non-informational violations.
	Snapshot func() (string, bool)
	Signer   *evidence.Signer
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Stats are delivery counters.
type Stats struct {
	Reported int64
	Deduped  int64
	Sent     int64
	Failed   int64
	Dropped  int64
}

type job struct {
	path         string
	assessmentID string
	body         []byte
}

// Reporter is the violation sink of one session.
type Reporter struct {
	cfg     Config
	deps    Deps
	client  *http.Client
	logger  *slog.Logger
	counter *WarningCounter

	mu     sync.Mutex
	events []violation.Event
	seen   map[uint64]struct{}
	ring   []uint64
	next   int

	queue     chan job
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	reported atomic.Int64
	deduped  atomic.Int64
	sent     atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
}

// New creates a reporter and starts its delivery worker.
func New(cfg Config, deps Deps) *Reporter {
	def := DefaultConfig()
	if cfg.EventPath == "" {
		cfg.EventPath = def.EventPath
	}
	if cfg.SecurityPath == "" {
		cfg.SecurityPath = def.SecurityPath
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = def.DedupSize
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	logger := deps.Logger
	if logger == nil {
		logger = logging.Default().Logger
	}
	client := deps.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if deps.Notifier == nil {
		deps.Notifier = NotifierFunc(func(Notice) {})
	}

	r := &Reporter{
		cfg:     cfg,
		deps:    deps,
		client:  client,
		logger:  logger.With("component", "reporter"),
		counter: NewWarningCounter(cfg.MaxWarningsBeforePause),
		seen:    make(map[uint64]struct{}, cfg.DedupSize),
		ring:    make([]uint64, cfg.DedupSize),
		queue:   make(chan job, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	go r.worker()
	return r
}

// Report records ev. It never blocks on the network and never panics into
// the caller. It returns false when ev was a duplicate or the reporter
// failed internally.
func (r *Reporter) Report(ev violation.Event) (accepted bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("report panicked", "type", ev.Type, "panic", p)
			hub := sentry.CurrentHub().Clone()
			hub.ConfigureScope(func(scope *sentry.Scope) {
				scope.SetTag("assessment_id", ev.AssessmentID)
				scope.SetTag("violation_type", string(ev.Type))
			})
			hub.Recover(p)
			accepted = false
		}
	}()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Severity == "" {
		ev.Severity = violation.Classify(ev.Type)
	}
	if !r.remember(fingerprint(ev)) {
		r.deduped.Add(1)
		if r.deps.Metrics != nil {
			r.deps.Metrics.ReportsDeduped.Inc()
		}
		return false
	}

	informational := ev.Type.Informational()
	if ev.Snapshot == "" && !informational && r.deps.Snapshot != nil {
		if snap, ok := r.deps.Snapshot(); ok {
			ev = ev.WithSnapshot(snap)
		}
	}

	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.reported.Add(1)
	r.deps.Metrics.RecordViolation(ev.Type)

	var count int
	var pausedNow bool
	if !informational {
		count, pausedNow = r.counter.Increment()
	}

	r.logger.Info("violation",
		"type", ev.Type,
		"severity", ev.Severity,
		"warnings", count,
		"assessment_id", ev.AssessmentID)

	if r.deps.OnViolation != nil {
		r.callHost(ev)
	}
	if !informational {
		r.deps.Notifier.Notify(Notice{Kind: NoticeWarning, Title: TitleWarning, Message: ev.Message})
	}

	r.enqueueFor(ev)

	if pausedNow {
		r.logger.Warn("warning threshold reached", "warnings", count, "max", r.counter.Max())
		if r.deps.OnPause != nil {
			r.deps.OnPause()
		}
		r.deps.Notifier.Notify(Notice{Kind: NoticePaused, Title: TitlePaused, Message: MsgPaused})
	}
	return true
}

// callHost runs the host callback; a panicking callback is logged.
func (r *Reporter) callHost(ev violation.Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("violation callback panicked", "panic", p)
		}
	}()
	r.deps.OnViolation(ev)
}

func (r *Reporter) enqueueFor(ev violation.Event) {
	if r.cfg.BaseURL == "" {
		return
	}
	if ev.Type.Informational() {
		r.enqueue(r.cfg.SecurityPath, ev.AssessmentID, ev.SecurityPayload())
		return
	}
	r.enqueue(r.cfg.EventPath, ev.AssessmentID, ev.EventPayload())
	if r.cfg.MirrorToSecurityEndpoint {
		mirror := ev
		mirror.Data = nil
		r.enqueue(r.cfg.SecurityPath, ev.AssessmentID, mirror.SecurityPayload())
	}
}

func (r *Reporter) enqueue(path, assessmentID string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("marshal report", "path", path, "error", err)
		return
	}
	if r.closed.Load() {
		r.dropped.Add(1)
		return
	}

	defer func() {
		// Send on a queue closed by a concurrent Close.
		if recover() != nil {
			r.dropped.Add(1)
		}
	}()
	select {
	case r.queue <- job{path: path, assessmentID: assessmentID, body: body}:
		if r.deps.Metrics != nil {
			r.deps.Metrics.QueueDepth.Set(int64(len(r.queue)))
		}
	default:
		r.dropped.Add(1)
		if r.deps.Metrics != nil {
			r.deps.Metrics.ReportsDropped.Inc()
		}
		r.logger.Warn("report dropped", "path", path, "error", ErrQueueFull)
	}
}

func (r *Reporter) worker() {
	defer close(r.done)
	defer sentry.Recover()

	for j := range r.queue {
		start := time.Now()
		err := r.deliver(j)
		r.deps.Metrics.RecordReport(time.Since(start), err)
		if err != nil {
			r.failed.Add(1)
			r.logger.Warn("report delivery failed", "path", j.path, "error", err)
			continue
		}
		r.sent.Add(1)
	}
}

func (r *Reporter) deliver(j job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			sentry.CurrentHub().Recover(p)
			err = fmt.Errorf("reporter: delivery panicked: %v", p)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+j.path, bytes.NewReader(j.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.deps.Signer != nil {
		sig, err := r.deps.Signer.Sign(j.assessmentID, j.body)
		if err != nil {
			return err
		}
		req.Header.Set(evidence.SignatureHeader, sig)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode/100 != 2 {
		return &StatusError{Path: j.path, Status: resp.StatusCode}
	}
	return nil
}

// remember adds fp to the recent set, evicting the oldest entry. It
// returns false when fp was already present.
func (r *Reporter) remember(fp uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.seen[fp]; dup {
		return false
	}
	if old := r.ring[r.next]; old != 0 {
		delete(r.seen, old)
	}
	r.ring[r.next] = fp
	r.next = (r.next + 1) % len(r.ring)
	r.seen[fp] = struct{}{}
	return true
}

// fingerprint identifies an event by type, message and millisecond
// timestamp, so a listener attached twice cannot double-report.
func fingerprint(ev violation.Event) uint64 {
	var b strings.Builder
	b.WriteString(ev.AssessmentID)
	b.WriteByte('|')
	b.WriteString(string(ev.Type))
	b.WriteByte('|')
	b.WriteString(ev.Message)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(ev.Timestamp.UnixMilli(), 10))
	fp := xxh3.HashString(b.String())
	if fp == 0 {
		fp = 1
	}
	return fp
}

// Acknowledge resets the warning counter after the candidate dismissed the
// pause screen. Recorded violations are kept.
func (r *Reporter) Acknowledge() {
	r.counter.Reset()
	r.logger.Info("warnings acknowledged")
}

// Warnings returns the current warning count.
func (r *Reporter) Warnings() int { return r.counter.Count() }

// Paused reports whether the warning threshold has been reached.
func (r *Reporter) Paused() bool { return r.counter.Paused() }

// Counter exposes the warning counter.
func (r *Reporter) Counter() *WarningCounter { return r.counter }

// Events returns a copy of every recorded violation.
func (r *Reporter) Events() []violation.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]violation.Event(nil), r.events...)
}

// Stats returns the delivery counters.
func (r *Reporter) Stats() Stats {
	return Stats{
		Reported: r.reported.Load(),
		Deduped:  r.deduped.Load(),
		Sent:     r.sent.Load(),
		Failed:   r.failed.Load(),
		Dropped:  r.dropped.Load(),
	}
}

// Close stops accepting deliveries and waits for queued ones until ctx is
// done. Local recording keeps working after Close.
func (r *Reporter) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.queue)
	})
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrDrainTimeout, ctx.Err())
	}
}
