package recorder

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockDevice produces synthetic audio bytes on every timeslice. It enforces
// the exclusive hold a real microphone has.
type MockDevice struct {
	supported   map[string]struct{}
	defaultType string

	mu   sync.Mutex
	held bool
	deny bool
}

func NewMockDevice(supported []string, defaultType string) *MockDevice {
	set := make(map[string]struct{}, len(supported))
	for _, t := range supported {
		set[t] = struct{}{}
	}
	return &MockDevice{supported: set, defaultType: defaultType}
}

// Deny makes subsequent Open calls fail with ErrPermissionDenied.
func (d *MockDevice) Deny(deny bool) {
	d.mu.Lock()
	d.deny = deny
	d.mu.Unlock()
}

// Held reports whether a stream currently holds the device.
func (d *MockDevice) Held() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.held
}

func (d *MockDevice) Supports(mediaType string) bool {
	_, ok := d.supported[mediaType]
	return ok
}

func (d *MockDevice) DefaultMediaType() string { return d.defaultType }

func (d *MockDevice) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deny {
		return nil, ErrPermissionDenied
	}
	if d.held {
		return nil, ErrDeviceBusy
	}
	d.held = true
	return &mockStream{device: d}, nil
}

func (d *MockDevice) release() {
	d.mu.Lock()
	d.held = false
	d.mu.Unlock()
}

type mockStream struct {
	device *MockDevice

	mu       sync.Mutex
	onData   func([]byte)
	stop     chan struct{}
	done     chan struct{}
	seq      int
	released bool
}

func (s *mockStream) Start(mediaType string, timeslice time.Duration, onData func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return fmt.Errorf("mock stream already started")
	}
	s.onData = onData
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(mediaType, timeslice, s.stop, s.done)
	return nil
}

// run owns stop and done for its lifetime; Stop clears the fields without
// touching this goroutine.
func (s *mockStream) run(mediaType string, timeslice time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			s.emit(mediaType)
			return
		case <-ticker.C:
			s.emit(mediaType)
		}
	}
}

func (s *mockStream) emit(mediaType string) {
	s.seq++
	s.onData([]byte(fmt.Sprintf("[%s chunk %d]", mediaType, s.seq)))
}

func (s *mockStream) Stop() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop = nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (s *mockStream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	s.device.release()
	return nil
}
