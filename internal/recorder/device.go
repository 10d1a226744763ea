package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-accent/internal/config"
)

var (
	// ErrPermissionDenied is returned by Device.Open when microphone access is refused.
	ErrPermissionDenied = errors.New("microphone access denied")
	// ErrDeviceBusy is returned when the capture device is already held.
	ErrDeviceBusy = errors.New("capture device already in use")
	// ErrNoAudio is returned by Stop when the capture produced no data.
	ErrNoAudio = errors.New("recording contained no audio")
	// ErrReset is returned by Start when Reset interrupted the permission request.
	ErrReset = errors.New("recording reset before capture started")
)

// Device abstracts the platform microphone.
type Device interface {
	// Supports reports whether the device can encode mediaType.
	Supports(mediaType string) bool
	// DefaultMediaType is the encoding used when no preferred type is supported.
	DefaultMediaType() string
	// Open acquires an exclusive hold on the microphone.
	Open(ctx context.Context) (Stream, error)
}

// Stream is an acquired capture handle.
type Stream interface {
	// Start begins capturing, delivering data to onData roughly every timeslice.
	Start(mediaType string, timeslice time.Duration, onData func([]byte)) error
	// Stop ends capture. Pending data is delivered through onData before Stop returns.
	Stop() error
	// Release drops the device hold. It is safe to call more than once.
	Release() error
}

// NewDevice builds the capture device selected by cfg.Mode.
func NewDevice(cfg config.RecorderConfig) (Device, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockDevice(cfg.SupportedTypes, cfg.DefaultMediaType), nil
	case "exec":
		return NewExecDevice(cfg)
	default:
		return nil, fmt.Errorf("unsupported recorder mode %q", cfg.Mode)
	}
}
