package vision

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/go-gl/mathgl/mgl64"
)

// Overlay describes the live annotation for one tick. An overlay with no
// primary box clears the display.
type Overlay struct {
	Width     int
	Height    int
	Primary   *Rect
	Others    []Rect
	KeyPoints []mgl64.Vec2
}

// OverlaySink receives overlays. Hosts forward them to their canvas.
type OverlaySink interface {
	DrawOverlay(o Overlay)
}

// OverlayFunc adapts a function to OverlaySink.
type OverlayFunc func(Overlay)

func (f OverlayFunc) DrawOverlay(o Overlay) { f(o) }

var (
	primaryColor   = color.NRGBA{R: 16, G: 185, B: 129, A: 178}
	secondaryColor = color.NRGBA{R: 234, G: 179, B: 8, A: 178}
	keyPointColor  = color.NRGBA{R: 59, G: 130, B: 246, A: 230}
)

const (
	strokeWidth    = 2
	keyPointRadius = 3
)

// RenderOverlay rasterizes o onto dst. dst is cleared first.
func RenderOverlay(dst draw.Image, o Overlay) {
	draw.Draw(dst, dst.Bounds(), image.Transparent, image.Point{}, draw.Src)

	for _, r := range o.Others {
		strokeRect(dst, r.Bounds(), secondaryColor)
	}
	if o.Primary != nil {
		strokeRect(dst, o.Primary.Bounds(), primaryColor)
	}
	for _, p := range o.KeyPoints {
		fillDot(dst, int(p.X()), int(p.Y()), keyPointRadius, keyPointColor)
	}
}

func strokeRect(dst draw.Image, r image.Rectangle, c color.Color) {
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+strokeWidth),
		image.Rect(r.Min.X, r.Max.Y-strokeWidth, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+strokeWidth, r.Max.Y),
		image.Rect(r.Max.X-strokeWidth, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), src, image.Point{}, draw.Over)
	}
}

func fillDot(dst draw.Image, cx, cy, radius int, c color.Color) {
	b := dst.Bounds()
	for y := cy - radius; y <= cy+radius; y++ {
		for x := cx - radius; x <= cx+radius; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy > radius*radius {
				continue
			}
			if (image.Point{X: x, Y: y}).In(b) {
				dst.Set(x, y, c)
			}
		}
	}
}
