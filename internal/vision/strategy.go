package vision

import (
	"context"
	"errors"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Strategy turns a frame into zero or more faces.
type Strategy interface {
	Name() string
	Detect(ctx context.Context, frame Frame) ([]Face, error)
}

// NativeDetector is a platform face detector producing pixel boxes.
type NativeDetector interface {
	DetectFaces(ctx context.Context, frame Frame) ([]Rect, error)
}

// NativeStrategy wraps a bounding-box detector.
type NativeStrategy struct {
	Detector NativeDetector
}

func (s *NativeStrategy) Name() string { return "native" }

func (s *NativeStrategy) Detect(ctx context.Context, frame Frame) ([]Face, error) {
	if s.Detector == nil {
		return nil, errors.New("vision: native detector not set")
	}
	boxes, err := s.Detector.DetectFaces(ctx, frame)
	if err != nil {
		return nil, err
	}
	faces := make([]Face, 0, len(boxes))
	for _, b := range boxes {
		faces = append(faces, Face{Box: b})
	}
	return faces, nil
}

// MeshModel is a face landmark model. Each returned set holds the mesh
// points of one face, normalized to [0,1].
type MeshModel interface {
	EstimateFaces(ctx context.Context, frame Frame) ([][]Landmark, error)
}

// Mesh landmark indices drawn on the overlay.
var KeyLandmarks = []int{
	1,   // nose tip
	33,  // left eye
	263, // right eye
	168, // forehead
	199, // chin
}

// MeshStrategy wraps a landmark model.
type MeshStrategy struct {
	Model MeshModel
}

func (s *MeshStrategy) Name() string { return "mesh" }

func (s *MeshStrategy) Detect(ctx context.Context, frame Frame) ([]Face, error) {
	if s.Model == nil {
		return nil, errors.New("vision: mesh model not set")
	}
	sets, err := s.Model.EstimateFaces(ctx, frame)
	if err != nil {
		return nil, err
	}
	faces := make([]Face, 0, len(sets))
	for _, set := range sets {
		if len(set) == 0 {
			continue
		}
		faces = append(faces, meshFace(set, float64(frame.Width), float64(frame.Height)))
	}
	return faces, nil
}

// meshFace converts normalized landmarks to a pixel box clamped to the frame.
func meshFace(set []Landmark, w, h float64) Face {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range set {
		x, y := p.X*w, p.Y*h
		minX = math.Min(minX, x)
		maxX = math.Max(maxX, x)
		minY = math.Min(minY, y)
		maxY = math.Max(maxY, y)
	}
	minX = math.Max(0, minX)
	minY = math.Max(0, minY)
	maxX = math.Min(w, maxX)
	maxY = math.Min(h, maxY)

	face := Face{Box: Rect{
		X:      minX,
		Y:      minY,
		Width:  math.Max(0, maxX-minX),
		Height: math.Max(0, maxY-minY),
	}}
	for _, idx := range KeyLandmarks {
		if idx < len(set) {
			face.KeyPoints = append(face.KeyPoints, mgl64.Vec2{set[idx].X * w, set[idx].Y * h})
		}
	}
	return face
}
