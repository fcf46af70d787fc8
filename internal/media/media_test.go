package media

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSyntheticUserMedia(t *testing.T) {
	d := NewSyntheticDevice()
	s, err := d.UserMedia(context.Background())
	if err != nil {
		t.Fatalf("UserMedia: %v", err)
	}
	if len(s.Audio()) != 1 || s.Video() == nil {
		t.Fatalf("tracks = %+v", s.Tracks)
	}
	if s.Video().Source() != SourceCamera || s.Audio()[0].Source() != SourceMicrophone {
		t.Error("wrong sources")
	}
	if s.Video().Local().Kind().String() != "video" {
		t.Errorf("local kind = %s", s.Video().Local().Kind())
	}

	s.Stop()
	if !s.Stopped() || !d.AllStopped() {
		t.Error("stream not stopped")
	}
}

func TestSetEnabled(t *testing.T) {
	d := NewSyntheticDevice()
	s, _ := d.UserMedia(context.Background())
	defer s.Stop()

	a := s.Audio()[0]
	if !a.Enabled() {
		t.Fatal("new track disabled")
	}
	a.SetEnabled(false)
	if a.Enabled() {
		t.Error("SetEnabled(false) ignored")
	}
	if a.Stopped() {
		t.Error("disabling must not stop the track")
	}
}

func TestDeviceErrors(t *testing.T) {
	d := NewSyntheticDevice()
	d.UserErr = ErrPermissionDenied

	_, err := d.UserMedia(context.Background())
	var de *DeviceError
	if !errors.As(err, &de) || de.Source != SourceCamera {
		t.Fatalf("err = %v, want DeviceError for camera", err)
	}
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("err = %v does not wrap ErrPermissionDenied", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewSyntheticDevice().DisplayMedia(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("canceled acquisition err = %v", err)
	}
}

func TestStopSharingFiresOnEnded(t *testing.T) {
	d := NewSyntheticDevice()
	s, err := d.DisplayMedia(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ended := make(chan struct{})
	s.Video().OnEnded(func() { close(ended) })

	d.StopSharing()
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("OnEnded not fired")
	}
	if !s.Video().Stopped() {
		t.Error("ended track not stopped")
	}
}

func TestStopDoesNotFireOnEnded(t *testing.T) {
	d := NewSyntheticDevice()
	s, _ := d.DisplayMedia(context.Background())
	fired := make(chan struct{}, 1)
	s.Video().OnEnded(func() { fired <- struct{}{} })

	s.Stop()
	select {
	case <-fired:
		t.Fatal("OnEnded fired for Stop")
	case <-time.After(100 * time.Millisecond):
	}
}
