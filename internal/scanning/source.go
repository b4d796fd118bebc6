package scanning

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

var (
	// ErrSourceBusy is returned when a second capture is opened on a source
	ErrSourceBusy = errors.New("capture source already open")
	// ErrNotCapturing is returned when a frame arrives with no capture open
	ErrNotCapturing = errors.New("no capture in progress")
	// ErrFrameDropped is reported when frames arrive faster than the capture rate
	ErrFrameDropped = errors.New("frame dropped")
)

// DefaultFPS matches the frame rate the mobile scanner is configured with
const DefaultFPS = 10

// Source produces decoded code text for as long as a capture handle is open.
// onDecoded and onError may be called from any goroutine.
type Source interface {
	Open(onDecoded func(raw string), onError func(err error)) (Handle, error)
}

// Handle is an open capture on a Source
type Handle interface {
	// Release stops the capture and frees the underlying device
	Release() error
}

// FrameSource is a Source fed with frames pushed by a client camera.
// At most one capture is open at a time.
type FrameSource struct {
	scanner Scanner
	fps     float64

	mu     sync.Mutex
	active *frameHandle
}

// NewFrameSource creates a FrameSource that reads frames with the given scanner
func NewFrameSource(scanner Scanner, fps float64) *FrameSource {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return &FrameSource{
		scanner: scanner,
		fps:     fps,
	}
}

// Open starts a capture
func (f *FrameSource) Open(onDecoded func(string), onError func(error)) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.active != nil {
		return nil, ErrSourceBusy
	}
	h := &frameHandle{
		source:    f,
		limiter:   rate.NewLimiter(rate.Limit(f.fps), 1),
		onDecoded: onDecoded,
		onError:   onError,
	}
	f.active = h
	return h, nil
}

// Feed hands one captured frame to the open capture. Scan failures are
// reported through the capture's error callback, not returned.
func (f *FrameSource) Feed(data []byte, contentType string) error {
	f.mu.Lock()
	h := f.active
	f.mu.Unlock()

	if h == nil {
		return ErrNotCapturing
	}
	h.feed(data, contentType)
	return nil
}

func (f *FrameSource) release(h *frameHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == h {
		f.active = nil
	}
}

type frameHandle struct {
	source    *FrameSource
	limiter   *rate.Limiter
	onDecoded func(string)
	onError   func(error)
	released  atomic.Bool
}

func (h *frameHandle) feed(data []byte, contentType string) {
	if !h.limiter.Allow() {
		h.onError(ErrFrameDropped)
		return
	}

	code, err := h.source.scanner.ScanCode(data, contentType)
	if err != nil {
		h.onError(fmt.Errorf("scanning frame: %w", err))
		return
	}
	// The capture may have been stopped while the model was reading the frame
	if h.released.Load() {
		return
	}
	h.onDecoded(code)
}

// Release stops the capture. Releasing twice is harmless.
func (h *frameHandle) Release() error {
	if h.released.Swap(true) {
		return nil
	}
	h.source.release(h)
	return nil
}
