package vision

import (
	"image"

	"github.com/go-gl/mathgl/mgl64"
)

// Default analysis resolution, used when a source does not report one.
const (
	DefaultFrameWidth  = 640
	DefaultFrameHeight = 480
)

// Rect is an axis-aligned box in frame pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns width*height.
func (r Rect) Area() float64 { return r.Width * r.Height }

// Center returns the box centroid.
func (r Rect) Center() mgl64.Vec2 {
	return mgl64.Vec2{r.X + r.Width/2, r.Y + r.Height/2}
}

// Bounds converts r to an integer rectangle for rasterization.
func (r Rect) Bounds() image.Rectangle {
	return image.Rect(int(r.X), int(r.Y), int(r.X+r.Width), int(r.Y+r.Height))
}

// Landmark is a face mesh point normalized to [0,1] on both axes.
type Landmark struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z,omitempty"`
}

// Face is one detected face.
type Face struct {
	Box Rect
	// KeyPoints are pixel positions of the nose tip, eyes, forehead and chin.
	// Empty for detectors that only produce boxes.
	KeyPoints []mgl64.Vec2
}

// Frame is one video frame handed to a strategy.
type Frame struct {
	Width  int
	Height int
	// Image holds the pixels. It may be nil for detectors that read the
	// frame out of band; evidence capture is skipped in that case.
	Image image.Image
}

func (f Frame) normalized() Frame {
	if f.Width <= 0 || f.Height <= 0 {
		if f.Image != nil {
			b := f.Image.Bounds()
			f.Width, f.Height = b.Dx(), b.Dy()
		}
	}
	if f.Width <= 0 {
		f.Width = DefaultFrameWidth
	}
	if f.Height <= 0 {
		f.Height = DefaultFrameHeight
	}
	return f
}

// FrameSource yields the current video frame. ok is false while the video
// has no decodable data yet.
type FrameSource interface {
	CurrentFrame() (frame Frame, ok bool)
}

// FrameSourceFunc adapts a function to FrameSource.
type FrameSourceFunc func() (Frame, bool)

func (f FrameSourceFunc) CurrentFrame() (Frame, bool) { return f() }

// primaryIndex returns the index of the largest-area face. The first face
// wins ties.
func primaryIndex(faces []Face) int {
	best := 0
	for i := 1; i < len(faces); i++ {
		if faces[i].Box.Area() > faces[best].Box.Area() {
			best = i
		}
	}
	return best
}
