//go:build !linux

package media

import (
	"context"
	"fmt"
)

// CaptureDevice has no capture drivers on this platform; every acquisition
// fails with ErrDeviceUnavailable.
type CaptureDevice struct{}

func NewCaptureDevice() (*CaptureDevice, error) {
	return nil, fmt.Errorf("%w: no capture drivers on this platform", ErrDeviceUnavailable)
}

func (d *CaptureDevice) UserMedia(ctx context.Context) (*Stream, error) {
	return nil, &DeviceError{Source: SourceCamera, Err: ErrDeviceUnavailable}
}

func (d *CaptureDevice) DisplayMedia(ctx context.Context) (*Stream, error) {
	return nil, &DeviceError{Source: SourceScreen, Err: ErrDeviceUnavailable}
}
