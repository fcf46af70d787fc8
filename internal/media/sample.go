package media

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
)

// SampleReader produces encoded samples for a track. Read returns io.EOF
// when the source ends.
type SampleReader interface {
	Read() (pmedia.Sample, error)
	Close() error
}

// sampleTrack pumps a SampleReader into a TrackLocalStaticSample.
type sampleTrack struct {
	id     string
	kind   Kind
	source Source
	local  *webrtc.TrackLocalStaticSample
	reader SampleReader

	enabled atomic.Bool
	stopped atomic.Bool

	mu      sync.Mutex
	onEnded []func()
	ended   bool
}

func newSampleTrack(kind Kind, source Source, mime, streamID string, r SampleReader) (*sampleTrack, error) {
	id := string(source) + "-" + uuid.New().String()
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &sampleTrack{
		id:     id,
		kind:   kind,
		source: source,
		local:  local,
		reader: r,
	}
	t.enabled.Store(true)
	go t.pump()
	return t, nil
}

func (t *sampleTrack) ID() string               { return t.id }
func (t *sampleTrack) Kind() Kind               { return t.kind }
func (t *sampleTrack) Source() Source           { return t.source }
func (t *sampleTrack) Enabled() bool            { return t.enabled.Load() }
func (t *sampleTrack) SetEnabled(enabled bool)  { t.enabled.Store(enabled) }
func (t *sampleTrack) Stopped() bool            { return t.stopped.Load() }
func (t *sampleTrack) Local() webrtc.TrackLocal { return t.local }

func (t *sampleTrack) Stop() {
	if t.stopped.Swap(true) {
		return
	}
	t.reader.Close()
}

func (t *sampleTrack) OnEnded(fn func()) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		fn()
		return
	}
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

func (t *sampleTrack) pump() {
	for {
		s, err := t.reader.Read()
		if err != nil {
			t.end(err)
			return
		}
		if t.enabled.Load() {
			// Samples written before the track is bound are dropped.
			t.local.WriteSample(s)
		}
	}
}

// end marks a track whose source ended. Callbacks fire only when the end was
// not caused by Stop.
func (t *sampleTrack) end(err error) {
	if t.stopped.Swap(true) {
		return
	}
	t.reader.Close()

	t.mu.Lock()
	t.ended = true
	fns := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
