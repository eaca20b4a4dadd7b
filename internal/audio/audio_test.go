package audio

import (
	"errors"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examguard/internal/violation"
)

type constAnalyser struct {
	size  int
	value float32
	err   error
}

func (c *constAnalyser) FFTSize() int { return c.size }

func (c *constAnalyser) TimeDomain(dst []float32) error {
	if c.err != nil {
		return c.err
	}
	for i := range dst {
		// Alternate sign so the signal is zero-mean with RMS == value.
		if i%2 == 0 {
			dst[i] = c.value
		} else {
			dst[i] = -c.value
		}
	}
	return nil
}

type fakeGraph struct {
	a      Analyser
	closes int
}

func (g *fakeGraph) Analyser() Analyser { return g.a }
func (g *fakeGraph) Close() error       { g.closes++; return nil }

func TestRMS(t *testing.T) {
	assert.Zero(t, RMS(nil))
	assert.InDelta(t, 0.5, RMS([]float32{0.5, -0.5, 0.5, -0.5}), 1e-6)
	assert.InDelta(t, math32.Sqrt(0.5), RMS([]float32{1, 0}), 1e-6)
}

func TestDetectorThreshold(t *testing.T) {
	tests := []struct {
		name  string
		level float32
		want  bool
	}{
		{"silence", 0, false},
		{"quiet room", 0.03, false},
		{"speech", 0.2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &fakeGraph{a: &constAnalyser{size: DefaultFFTSize, value: tt.level}}
			d := NewDetector(g, 0, nil)
			typ, msg, ok := d.Check()
			assert.Equal(t, tt.want, ok)
			if tt.want {
				assert.Equal(t, violation.AudioNoise, typ)
				assert.Equal(t, MsgAudioNoise, msg)
			}
			assert.InDelta(t, tt.level, d.Level(), 1e-4)
		})
	}
}

func TestDetectorReadErrorIsSilence(t *testing.T) {
	g := &fakeGraph{a: &constAnalyser{size: 16, err: errors.New("context suspended")}}
	d := NewDetector(g, 0.01, nil)
	_, _, ok := d.Check()
	assert.False(t, ok)
}

func TestDetectorClose(t *testing.T) {
	g := &fakeGraph{a: &constAnalyser{size: 16, value: 0.9}}
	d := NewDetector(g, 0, nil)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.Equal(t, 1, g.closes)
	assert.True(t, d.Closed())

	_, _, ok := d.Check()
	assert.False(t, ok, "closed detector never fires")
}

func TestByteAnalyser(t *testing.T) {
	a := &ByteAnalyser{Size: 4, Read: func(dst []byte) error {
		copy(dst, []byte{128, 192, 64, 0})
		return nil
	}}
	buf := make([]float32, 4)
	require.NoError(t, a.TimeDomain(buf))
	assert.Equal(t, []float32{0, 0.5, -0.5, -1}, buf)
	assert.Equal(t, 4, a.FFTSize())

	g := &fakeGraph{a: &ByteAnalyser{Size: 8, Read: func(dst []byte) error {
		for i := range dst {
			dst[i] = 128
		}
		return nil
	}}}
	_, _, ok := NewDetector(g, 0, nil).Check()
	assert.False(t, ok, "flat 8-bit signal is silence")
}
