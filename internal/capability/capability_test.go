package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func yes() bool { return true }
func no() bool  { return false }

func TestProbeStrategySelection(t *testing.T) {
	ok := LoadFunc(func(context.Context) error { return nil })
	fail := LoadFunc(func(context.Context) error { return errors.New("cdn unreachable") })

	tests := []struct {
		name   string
		probes Probes
		want   Strategy
	}{
		{"mesh preferred", Probes{NativeFaceDetector: yes, Mesh: ok}, StrategyMesh},
		{"native when mesh fails", Probes{NativeFaceDetector: yes, Mesh: fail}, StrategyNative},
		{"native without loader", Probes{NativeFaceDetector: yes}, StrategyNative},
		{"none", Probes{NativeFaceDetector: no, Mesh: fail}, StrategyNone},
		{"nil probes", Probes{}, StrategyNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Probe(context.Background(), tt.probes, nil)
			assert.Equal(t, tt.want, p.Strategy())
		})
	}
}

func TestProbePanicsDegrade(t *testing.T) {
	boom := func() bool { panic("navigator is undefined") }
	panicky := LoadFunc(func(context.Context) error { panic("script error") })

	var p Profile
	require.NotPanics(t, func() {
		p = Probe(context.Background(), Probes{
			NativeFaceDetector: boom,
			Camera:             yes,
			Microphone:         boom,
			Mesh:               panicky,
		}, nil)
	})
	assert.False(t, p.HasNativeFaceDetector)
	assert.False(t, p.HasMeshFallback)
	assert.True(t, p.HasCamera)
	assert.False(t, p.HasMicrophone)
	assert.Equal(t, StrategyNone, p.Strategy())
}

func TestCachedLoader(t *testing.T) {
	failures := 1
	inner := LoadFunc(func(context.Context) error {
		if failures > 0 {
			failures--
			return errors.New("timeout")
		}
		return nil
	})
	c := NewCachedLoader(inner)
	ctx := context.Background()

	assert.Error(t, c.Load(ctx))
	assert.False(t, c.Loaded())

	require.NoError(t, c.Load(ctx))
	require.NoError(t, c.Load(ctx))
	assert.True(t, c.Loaded())
	assert.Equal(t, 2, c.Attempts(), "successful load must be cached")
}

func TestCachedLoaderCanceled(t *testing.T) {
	c := NewCachedLoader(LoadFunc(func(context.Context) error { return nil }))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, c.Load(ctx), context.Canceled)
	assert.Equal(t, 0, c.Attempts())
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "mesh", StrategyMesh.String())
	assert.Equal(t, "native", StrategyNative.String())
	assert.Equal(t, "none", StrategyNone.String())
}
