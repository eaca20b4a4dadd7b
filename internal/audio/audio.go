// Package audio implements the microphone energy gate. It computes RMS
// energy over the analyser's time-domain buffer and flags loud
// environments. There is no speech recognition and no content inspection.
package audio

import (
	"log/slog"
	"sync"

	"github.com/chewxy/math32"

	"examguard/internal/logging"
	"examguard/internal/media"
	"examguard/internal/violation"
)

// Defaults.
const (
	DefaultFFTSize   = 2048
	DefaultThreshold = 0.08
)

// MsgAudioNoise is the reviewer-facing message.
const MsgAudioNoise = "Significant audio detected. Please ensure a quiet environment."

// Analyser exposes a time-domain buffer normalized to [-1, 1].
type Analyser interface {
	// FFTSize is the number of samples per read.
	FFTSize() int
	// TimeDomain fills dst with the most recent samples.
	TimeDomain(dst []float32) error
}

// Graph is an opened audio processing graph bound to a microphone track.
type Graph interface {
	Analyser() Analyser
	Close() error
}

// GraphFactory opens a graph on the microphone track of stream.
type GraphFactory interface {
	Open(stream media.Stream, fftSize int) (Graph, error)
}

// ByteAnalyser adapts an 8-bit unsigned sample source (silence is 128),
// the format browsers expose, to Analyser.
type ByteAnalyser struct {
	Size int
	Read func(dst []byte) error

	buf []byte
}

func (b *ByteAnalyser) FFTSize() int { return b.Size }

func (b *ByteAnalyser) TimeDomain(dst []float32) error {
	if cap(b.buf) < len(dst) {
		b.buf = make([]byte, len(dst))
	}
	raw := b.buf[:len(dst)]
	if err := b.Read(raw); err != nil {
		return err
	}
	for i, v := range raw {
		dst[i] = (float32(v) - 128) / 128
	}
	return nil
}

// RMS returns the root-mean-square of samples. An empty buffer is silent.
func RMS(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float32
	for _, v := range samples {
		sum += v * v
	}
	return math32.Sqrt(sum / float32(len(samples)))
}

// Detector runs the energy gate.
type Detector struct {
	mu        sync.Mutex
	graph     Graph
	analyser  Analyser
	threshold float32
	buf       []float32
	closed    bool
	logger    *slog.Logger

	lastLevel float32
}

// NewDetector wraps an opened graph. threshold <= 0 selects the default.
func NewDetector(graph Graph, threshold float64, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = logging.Default().Logger
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	a := graph.Analyser()
	size := a.FFTSize()
	if size <= 0 {
		size = DefaultFFTSize
	}
	return &Detector{
		graph:     graph,
		analyser:  a,
		threshold: float32(threshold),
		buf:       make([]float32, size),
		logger:    logger,
	}
}

// Check samples the analyser once and returns a finding when the RMS level
// strictly exceeds the threshold. Read failures are logged and treated as
// silence.
func (d *Detector) Check() (violation.Type, string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return "", "", false
	}
	if err := d.analyser.TimeDomain(d.buf); err != nil {
		d.logger.Debug("audio read failed", "error", err)
		return "", "", false
	}
	d.lastLevel = RMS(d.buf)
	if d.lastLevel > d.threshold {
		return violation.AudioNoise, MsgAudioNoise, true
	}
	return "", "", false
}

// Level returns the RMS level measured by the last Check.
func (d *Detector) Level() float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastLevel
}

// Close closes the graph. Subsequent calls are no-ops.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.graph.Close()
}

// Closed reports whether Close has been called.
func (d *Detector) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
