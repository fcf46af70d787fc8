//go:build linux

package media

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
)

// CaptureDevice captures camera, microphone and screen through
// pion/mediadevices (V4L2, malgo and X11 on Linux), encoding VP8 and Opus.
type CaptureDevice struct {
	selector *mediadevices.CodecSelector
}

func NewCaptureDevice() (*CaptureDevice, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &CaptureDevice{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (d *CaptureDevice) UserMedia(ctx context.Context) (*Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only; some cameras emit malformed MJPEG.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		},
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	return d.acquire(ctx, SourceCamera, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetUserMedia(constraints)
	})
}

func (d *CaptureDevice) DisplayMedia(ctx context.Context) (*Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.Float(10)
		},
	}
	return d.acquire(ctx, SourceScreen, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetDisplayMedia(constraints)
	})
}

type acquired struct {
	stream mediadevices.MediaStream
	err    error
}

func (d *CaptureDevice) acquire(ctx context.Context, source Source, get func() (mediadevices.MediaStream, error)) (*Stream, error) {
	done := make(chan acquired, 1)
	go func() {
		s, err := get()
		done <- acquired{s, err}
	}()

	var res acquired
	select {
	case res = <-done:
	case <-ctx.Done():
		// Release whatever the driver hands back after we gave up.
		go func() {
			if late := <-done; late.err == nil {
				for _, t := range late.stream.GetTracks() {
					t.Close()
				}
			}
		}()
		return nil, &DeviceError{Source: source, Err: ctx.Err()}
	}
	if res.err != nil {
		return nil, &DeviceError{Source: source, Err: fmt.Errorf("%w: %v", ErrDeviceUnavailable, res.err)}
	}

	streamID := source.streamID()
	out := &Stream{}
	for _, mt := range res.stream.GetTracks() {
		t, err := wrapCaptured(mt, source, streamID)
		if err != nil {
			out.Stop()
			for _, rest := range res.stream.GetTracks() {
				rest.Close()
			}
			return nil, &DeviceError{Source: source, Err: err}
		}
		out.Tracks = append(out.Tracks, t)
	}
	return out, nil
}

func (s Source) streamID() string {
	return "local-" + string(s)
}

func wrapCaptured(mt mediadevices.Track, source Source, streamID string) (Track, error) {
	kind, mime, src := KindVideo, webrtc.MimeTypeVP8, source
	if mt.Kind() == webrtc.RTPCodecTypeAudio {
		kind, mime, src = KindAudio, webrtc.MimeTypeOpus, SourceMicrophone
	}
	r, err := mt.NewEncodedReader(mime)
	if err != nil {
		return nil, fmt.Errorf("%s encoder: %w", mime, err)
	}
	return newSampleTrack(kind, src, mime, streamID, &encodedReader{track: mt, r: r, last: time.Now()})
}

// encodedReader adapts a mediadevices encoder to SampleReader.
type encodedReader struct {
	track mediadevices.Track
	r     mediadevices.EncodedReadCloser
	last  time.Time
}

func (e *encodedReader) Read() (pmedia.Sample, error) {
	buf, release, err := e.r.Read()
	if err != nil {
		return pmedia.Sample{}, io.EOF
	}
	defer release()

	now := time.Now()
	s := pmedia.Sample{
		Data:     append([]byte(nil), buf.Data...),
		Duration: now.Sub(e.last),
	}
	e.last = now
	return s, nil
}

func (e *encodedReader) Close() error {
	e.r.Close()
	return e.track.Close()
}
