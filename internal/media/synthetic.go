package media

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
)

var (
	// opusSilence is one 20ms Opus frame of silence.
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	// vp8Filler stands in for an encoded frame; receivers only count packets.
	vp8Filler = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}
)

// generator emits a fixed payload at a fixed rate.
type generator struct {
	payload  []byte
	interval time.Duration

	once     sync.Once
	closed   chan struct{}
	finished chan struct{}
	finOnce  sync.Once
}

func newGenerator(payload []byte, interval time.Duration) *generator {
	return &generator{
		payload:  payload,
		interval: interval,
		closed:   make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (g *generator) Read() (pmedia.Sample, error) {
	select {
	case <-g.closed:
		return pmedia.Sample{}, io.EOF
	case <-g.finished:
		return pmedia.Sample{}, io.EOF
	case <-time.After(g.interval):
	}
	return pmedia.Sample{Data: g.payload, Duration: g.interval}, nil
}

func (g *generator) Close() error {
	g.once.Do(func() { close(g.closed) })
	return nil
}

// finish ends the source as if the platform revoked it.
func (g *generator) finish() {
	g.finOnce.Do(func() { close(g.finished) })
}

// SyntheticDevice produces generated tracks without touching hardware. It is
// the device on platforms without capture drivers and in tests.
type SyntheticDevice struct {
	// Interval between generated samples, 20ms when zero.
	Interval time.Duration
	// UserErr and DisplayErr, when set, are returned as DeviceErrors.
	UserErr    error
	DisplayErr error

	mu       sync.Mutex
	streams  []*Stream
	displays []*generator
}

func NewSyntheticDevice() *SyntheticDevice {
	return &SyntheticDevice{}
}

func (d *SyntheticDevice) interval() time.Duration {
	if d.Interval > 0 {
		return d.Interval
	}
	return 20 * time.Millisecond
}

func (d *SyntheticDevice) UserMedia(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &DeviceError{Source: SourceCamera, Err: err}
	}
	d.mu.Lock()
	userErr := d.UserErr
	d.mu.Unlock()
	if userErr != nil {
		return nil, &DeviceError{Source: SourceCamera, Err: userErr}
	}

	streamID := uuid.New().String()
	audio, err := newSampleTrack(KindAudio, SourceMicrophone, webrtc.MimeTypeOpus, streamID,
		newGenerator(opusSilence, d.interval()))
	if err != nil {
		return nil, &DeviceError{Source: SourceMicrophone, Err: err}
	}
	video, err := newSampleTrack(KindVideo, SourceCamera, webrtc.MimeTypeVP8, streamID,
		newGenerator(vp8Filler, d.interval()))
	if err != nil {
		audio.Stop()
		return nil, &DeviceError{Source: SourceCamera, Err: err}
	}

	s := &Stream{Tracks: []Track{audio, video}}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *SyntheticDevice) DisplayMedia(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &DeviceError{Source: SourceScreen, Err: err}
	}
	d.mu.Lock()
	displayErr := d.DisplayErr
	d.mu.Unlock()
	if displayErr != nil {
		return nil, &DeviceError{Source: SourceScreen, Err: displayErr}
	}

	gen := newGenerator(vp8Filler, d.interval())
	video, err := newSampleTrack(KindVideo, SourceScreen, webrtc.MimeTypeVP8, uuid.New().String(), gen)
	if err != nil {
		return nil, &DeviceError{Source: SourceScreen, Err: err}
	}

	s := &Stream{Tracks: []Track{video}}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.displays = append(d.displays, gen)
	d.mu.Unlock()
	return s, nil
}

// StopSharing ends every display stream from the platform side, like the
// OS "stop sharing" button.
func (d *SyntheticDevice) StopSharing() {
	d.mu.Lock()
	gens := d.displays
	d.displays = nil
	d.mu.Unlock()
	for _, g := range gens {
		g.finish()
	}
}

// Streams returns every stream handed out so far.
func (d *SyntheticDevice) Streams() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Stream(nil), d.streams...)
}

// AllStopped reports whether every handed-out track has been released.
func (d *SyntheticDevice) AllStopped() bool {
	for _, s := range d.Streams() {
		if !s.Stopped() {
			return false
		}
	}
	return true
}
