// Package media acquires and releases local camera, microphone and screen
// tracks and exposes them as pion local tracks.
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var (
	ErrPermissionDenied  = errors.New("media: permission denied")
	ErrDeviceUnavailable = errors.New("media: device unavailable")
)

// Kind is the media type of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Source is what a track captures.
type Source string

const (
	SourceMicrophone Source = "microphone"
	SourceCamera     Source = "camera"
	SourceScreen     Source = "screen"
)

// DeviceError is a failure to acquire a capture source. It is terminal for
// starting a call.
type DeviceError struct {
	Source Source
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Source, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Track is one local media track.
type Track interface {
	ID() string
	Kind() Kind
	Source() Source
	// Enabled reports whether media is sent. A disabled track keeps its
	// sender and negotiation but sends nothing.
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the capture device. It does not fire OnEnded.
	Stop()
	Stopped() bool
	// OnEnded is called once if the source ends on its own, e.g. the OS
	// "stop sharing" control.
	OnEnded(fn func())
	Local() webrtc.TrackLocal
}

// Stream groups the tracks of one acquisition.
type Stream struct {
	Tracks []Track
}

// Audio returns the audio tracks.
func (s *Stream) Audio() []Track { return s.byKind(KindAudio) }

// Video returns the first video track or nil.
func (s *Stream) Video() Track {
	if v := s.byKind(KindVideo); len(v) > 0 {
		return v[0]
	}
	return nil
}

func (s *Stream) byKind(k Kind) []Track {
	if s == nil {
		return nil
	}
	var out []Track
	for _, t := range s.Tracks {
		if t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.Tracks {
		t.Stop()
	}
}

// Stopped reports whether every track is stopped.
func (s *Stream) Stopped() bool {
	if s == nil {
		return true
	}
	for _, t := range s.Tracks {
		if !t.Stopped() {
			return false
		}
	}
	return true
}

// Device acquires capture streams. Both calls block until the platform grants
// or refuses access, bounded by ctx.
type Device interface {
	// UserMedia returns a camera + microphone stream.
	UserMedia(ctx context.Context) (*Stream, error)
	// DisplayMedia returns a screen-capture stream with one video track.
	DisplayMedia(ctx context.Context) (*Stream, error)
}
