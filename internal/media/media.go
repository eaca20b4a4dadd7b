// Package media models the camera and microphone handles the monitor
// acquires from the host, and the teardown contract that goes with them.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Errors returned by Devices implementations.
var (
	// ErrPermissionDenied means the user rejected the camera/microphone prompt.
	ErrPermissionDenied = errors.New("media: permission denied")
	// ErrUnsupported means the platform has no media capture at all.
	ErrUnsupported = errors.New("media: capture not supported")
)

// Kind is the track media kind.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// ReadyState mirrors the track lifecycle: live until stopped, then ended.
type ReadyState string

const (
	Live  ReadyState = "live"
	Ended ReadyState = "ended"
)

// Track is one capture track.
type Track interface {
	Kind() Kind
	ReadyState() ReadyState
	Stop()
}

// Stream groups the tracks acquired by one request.
type Stream interface {
	Tracks() []Track
}

// Constraints select what to capture.
type Constraints struct {
	Video       bool
	Audio       bool
	IdealWidth  int
	IdealHeight int
	FacingUser  bool
}

// Devices acquires capture streams. GetUserMedia may block on a permission
// prompt and must honor ctx.
type Devices interface {
	GetUserMedia(ctx context.Context, c Constraints) (Stream, error)
}

// StopAll stops every track of every stream and reports how many tracks
// were still live.
func StopAll(streams ...Stream) int {
	stopped := 0
	for _, s := range streams {
		if s == nil {
			continue
		}
		for _, t := range s.Tracks() {
			if t.ReadyState() == Live {
				stopped++
			}
			t.Stop()
		}
	}
	return stopped
}

// LiveTracks counts tracks that have not ended.
func LiveTracks(streams ...Stream) int {
	n := 0
	for _, s := range streams {
		if s == nil {
			continue
		}
		for _, t := range s.Tracks() {
			if t.ReadyState() != Ended {
				n++
			}
		}
	}
	return n
}

// MemTrack is an in-process Track used by replay and tests.
type MemTrack struct {
	mu    sync.Mutex
	kind  Kind
	state ReadyState
}

// NewMemTrack returns a live track.
func NewMemTrack(kind Kind) *MemTrack {
	return &MemTrack{kind: kind, state: Live}
}

func (t *MemTrack) Kind() Kind { return t.kind }

func (t *MemTrack) ReadyState() ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *MemTrack) Stop() {
	t.mu.Lock()
	t.state = Ended
	t.mu.Unlock()
}

// MemStream is an in-process Stream.
type MemStream struct {
	tracks []Track
}

// NewMemStream creates a stream holding the given tracks.
func NewMemStream(tracks ...Track) *MemStream {
	return &MemStream{tracks: tracks}
}

func (s *MemStream) Tracks() []Track { return s.tracks }

// MemDevices hands out MemStreams and remembers every stream it issued.
type MemDevices struct {
	mu      sync.Mutex
	Deny    bool
	issued  []Stream
	Request []Constraints
}

func (d *MemDevices) GetUserMedia(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Request = append(d.Request, c)
	if d.Deny {
		return nil, fmt.Errorf("getUserMedia: %w", ErrPermissionDenied)
	}
	var tracks []Track
	if c.Video {
		tracks = append(tracks, NewMemTrack(KindVideo))
	}
	if c.Audio {
		tracks = append(tracks, NewMemTrack(KindAudio))
	}
	s := NewMemStream(tracks...)
	d.issued = append(d.issued, s)
	return s, nil
}

// Issued returns every stream handed out so far.
func (d *MemDevices) Issued() []Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Stream(nil), d.issued...)
}
