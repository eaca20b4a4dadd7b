// Package evidence captures frame snapshots for violation reports and
// provides the digest and request signature used to tie a stored snapshot
// back to the client that sent it.
//
// Snapshots are JPEG data URLs. Capture is rate-limited with a token bucket
// so a burst of violations cannot turn the reporter into a video uplink.
package evidence

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"

	"examguard/internal/logging"
	"examguard/internal/security"
	"examguard/internal/vision"
)

// Defaults.
const (
	DefaultQuality = 70
	DefaultRate    = 1.0
	DefaultBurst   = 3

	// DataURLPrefix is the prefix of every snapshot.
	DataURLPrefix = "data:image/jpeg;base64,"
)

var (
	ErrNoImage     = errors.New("evidence: frame has no image")
	ErrRateLimited = errors.New("evidence: snapshot rate limited")
)

// Encode renders img as a JPEG data URL. quality <= 0 selects DefaultQuality.
func Encode(img image.Image, quality int) (string, error) {
	if img == nil {
		return "", ErrNoImage
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("evidence: encode jpeg: %w", err)
	}
	return DataURLPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Digest returns the hex BLAKE2b-256 of the decoded snapshot bytes. A value
// that is not a base64 data URL is hashed as-is.
func Digest(snapshot string) string {
	data := []byte(snapshot)
	if d, err := security.ParseImageDataURL(snapshot, 0); err == nil {
		data = d.Data
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Config configures a Capturer.
type Config struct {
	Quality int
	Rate    float64
	Burst   int
}

// DefaultConfig returns the capture defaults.
func DefaultConfig() Config {
	return Config{Quality: DefaultQuality, Rate: DefaultRate, Burst: DefaultBurst}
}

// Capturer grabs the current frame of a FrameSource as a snapshot.
type Capturer struct {
	frames  vision.FrameSource
	limiter *security.RateLimiter
	quality int
	logger  *slog.Logger
}

// NewCapturer creates a capturer. A nil frames source yields a capturer
// that never produces snapshots.
func NewCapturer(cfg Config, frames vision.FrameSource, logger *slog.Logger) *Capturer {
	return NewCapturerWithClock(cfg, frames, time.Now, logger)
}

// NewCapturerWithClock is NewCapturer with an injected clock for the
// rate limiter.
func NewCapturerWithClock(cfg Config, frames vision.FrameSource, clock security.Clock, logger *slog.Logger) *Capturer {
	if logger == nil {
		logger = logging.Default().Logger
	}
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	return &Capturer{
		frames:  frames,
		limiter: security.NewRateLimiterWithClock(cfg.Rate, cfg.Burst, clock),
		quality: cfg.Quality,
		logger:  logger,
	}
}

// Capture returns a snapshot of the current frame. Any failure returns an
// error and the caller omits the snapshot.
func (c *Capturer) Capture() (string, error) {
	if c == nil || c.frames == nil {
		return "", ErrNoImage
	}
	frame, ok := c.frames.CurrentFrame()
	if !ok {
		return "", ErrNoImage
	}
	return c.CaptureFrame(frame)
}

// CaptureFrame encodes frame, typically the one an analysis tick judged.
// It shares the rate limit with Capture.
func (c *Capturer) CaptureFrame(frame vision.Frame) (string, error) {
	if c == nil || frame.Image == nil {
		return "", ErrNoImage
	}
	if !c.limiter.Allow() {
		return "", ErrRateLimited
	}
	snap, err := Encode(frame.Image, c.quality)
	if err != nil {
		c.logger.Warn("snapshot encode failed", "error", err)
		return "", err
	}
	return snap, nil
}

// TryCapture is Capture without the error.
func (c *Capturer) TryCapture() (string, bool) {
	snap, err := c.Capture()
	return snap, err == nil
}
