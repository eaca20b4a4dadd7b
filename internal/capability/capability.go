// Package capability probes which detection primitives the host platform
// offers and selects the face analysis strategy for the session.
//
// Probing never fails. Any probe that errors or panics degrades the
// corresponding capability to false.
package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"examguard/internal/logging"
)

// Strategy is the face analysis tier selected for a session.
type Strategy int

const (
	// StrategyNone means no face analysis is possible.
	StrategyNone Strategy = iota
	// StrategyNative uses the platform's bounding-box face detector.
	StrategyNative
	// StrategyMesh uses the loadable face landmark model.
	StrategyMesh
)

func (s Strategy) String() string {
	switch s {
	case StrategyNative:
		return "native"
	case StrategyMesh:
		return "mesh"
	default:
		return "none"
	}
}

// Profile is the immutable result of probing.
type Profile struct {
	HasNativeFaceDetector bool `json:"hasNativeFaceDetector"`
	HasMeshFallback       bool `json:"hasMeshFallback"`
	HasCamera             bool `json:"hasCamera"`
	HasMicrophone         bool `json:"hasMicrophone"`
}

// Strategy picks the strongest available tier. The landmark model is
// preferred when loadable since it also yields key points.
func (p Profile) Strategy() Strategy {
	switch {
	case p.HasMeshFallback:
		return StrategyMesh
	case p.HasNativeFaceDetector:
		return StrategyNative
	default:
		return StrategyNone
	}
}

// Loader loads the optional landmark model.
type Loader interface {
	Load(ctx context.Context) error
}

// Probes are the platform checks consulted by Probe. Nil checks count as absent.
type Probes struct {
	NativeFaceDetector func() bool
	Camera             func() bool
	Microphone         func() bool
	Mesh               Loader
}

// Probe evaluates every check and returns the resulting profile.
func Probe(ctx context.Context, probes Probes, logger *slog.Logger) Profile {
	if logger == nil {
		logger = logging.Default().Logger
	}

	p := Profile{
		HasNativeFaceDetector: safeCheck(logger, "native_face_detector", probes.NativeFaceDetector),
		HasCamera:             safeCheck(logger, "camera", probes.Camera),
		HasMicrophone:         safeCheck(logger, "microphone", probes.Microphone),
	}
	if probes.Mesh != nil {
		err := safeLoad(ctx, probes.Mesh)
		if err != nil {
			logger.Debug("face mesh unavailable", "error", err)
		}
		p.HasMeshFallback = err == nil
	}

	logger.Info("capabilities probed",
		"native", p.HasNativeFaceDetector,
		"mesh", p.HasMeshFallback,
		"camera", p.HasCamera,
		"microphone", p.HasMicrophone,
		"strategy", p.Strategy().String(),
	)
	return p
}

func safeCheck(logger *slog.Logger, name string, check func() bool) (ok bool) {
	if check == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("capability probe panicked", "probe", name, "panic", r)
			ok = false
		}
	}()
	return check()
}

func safeLoad(ctx context.Context, l Loader) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("load panicked: %v", r)
		}
	}()
	return l.Load(ctx)
}

// LoadFunc adapts a function to Loader.
type LoadFunc func(ctx context.Context) error

func (f LoadFunc) Load(ctx context.Context) error { return f(ctx) }

// CachedLoader memoizes a successful load. Failed loads are retried on the
// next call, so a transient network error does not disable the model for
// the rest of the process.
type CachedLoader struct {
	mu     sync.Mutex
	load   Loader
	loaded bool
	calls  int
}

// NewCachedLoader wraps l.
func NewCachedLoader(l Loader) *CachedLoader {
	return &CachedLoader{load: l}
}

// Load calls the wrapped loader unless a previous call succeeded.
func (c *CachedLoader) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.calls++
	if err := c.load.Load(ctx); err != nil {
		return err
	}
	c.loaded = true
	return nil
}

// Loaded reports whether the model has been loaded.
func (c *CachedLoader) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

// Attempts returns how many times the wrapped loader was invoked.
func (c *CachedLoader) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
