package payment

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/zombor/fare-wallet/internal/scanning"
)

// CaptureState is the state of the capture session
type CaptureState string

const (
	CaptureIdle      CaptureState = "idle"
	CaptureCapturing CaptureState = "capturing"
	// CaptureDecoded means a code was read and is being handed to the pipeline.
	// The capture handle is already released in this state.
	CaptureDecoded CaptureState = "decoded"
)

// Capture owns the live scanning session: at most one capture handle is
// open, and the first decoded code stops the capture before it is processed.
type Capture struct {
	source  scanning.Source
	handoff func(raw string)
	metrics *Metrics

	mu     sync.Mutex
	state  CaptureState
	handle scanning.Handle
	// generation identifies the open capture; callbacks from older ones are stale
	generation uint64
}

// NewCapture creates an idle capture session that hands decoded codes to handoff
func NewCapture(source scanning.Source, handoff func(raw string), metrics *Metrics) *Capture {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Capture{
		source:  source,
		handoff: handoff,
		metrics: metrics,
		state:   CaptureIdle,
	}
}

// State returns the current capture state
func (c *Capture) State() CaptureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start opens a capture. It fails with ErrCaptureActive unless idle.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != CaptureIdle {
		return ErrCaptureActive
	}
	generation := c.generation + 1
	handle, err := c.source.Open(func(raw string) { c.decoded(generation, raw) }, c.failed)
	if err != nil {
		return fmt.Errorf("opening capture source: %w", err)
	}
	c.generation = generation
	c.handle = handle
	c.state = CaptureCapturing
	c.metrics.captureEvent("started")
	return nil
}

// Stop ends a running capture. It is a no-op unless capturing. A failure to
// release the handle is logged and the session still returns to idle.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != CaptureCapturing {
		return
	}
	c.releaseLocked()
	c.state = CaptureIdle
	c.metrics.captureEvent("stopped")
}

func (c *Capture) releaseLocked() {
	if c.handle == nil {
		return
	}
	if err := c.handle.Release(); err != nil {
		slog.Warn("Failed to release capture handle", "error", err)
	}
	c.handle = nil
}

// decoded is the capture → decoded → idle transition. Codes read by an
// earlier capture are dropped even when a new one is running.
func (c *Capture) decoded(generation uint64, raw string) {
	c.mu.Lock()
	if c.state != CaptureCapturing || c.generation != generation {
		c.mu.Unlock()
		c.metrics.captureEvent("late_decode")
		slog.Debug("Dropping decode from stopped capture")
		return
	}
	c.state = CaptureDecoded
	c.releaseLocked()
	c.mu.Unlock()
	c.metrics.captureEvent("decoded")

	c.handoff(raw)

	c.mu.Lock()
	c.state = CaptureIdle
	c.mu.Unlock()
}

// failed swallows capture errors; sources report them for nearly every frame
func (c *Capture) failed(err error) {
	c.metrics.captureEvent("error")
	slog.Debug("Capture error", "error", err)
}
