package capture

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied means the platform refused microphone access.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")
	// ErrDeviceUnavailable means there is no audio input to open.
	ErrDeviceUnavailable = errors.New("capture: no audio input device")
	// ErrBusy is returned by Start while a capture is already in progress.
	ErrBusy = errors.New("capture: already recording")
)

// State is the engine lifecycle: Idle -> Recording -> Finalizing -> Idle.
type State int32

const (
	Idle State = iota
	Recording
	Finalizing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Finalizing:
		return "finalizing"
	}
	return "unknown"
}

// Segment is one finished utterance. Data is every chunk the platform
// delivered during the capture, concatenated in delivery order.
type Segment struct {
	Data     []byte
	Encoding string
	Chunks   int
	Duration time.Duration
}

// Microphone is the platform audio-input capability.
type Microphone interface {
	// Open acquires the input. Failures wrap ErrPermissionDenied or
	// ErrDeviceUnavailable.
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open audio input. Implementations must be safe for
// concurrent use by the engine's collector and monitor goroutines.
type Stream interface {
	// Chunks delivers encoded audio in capture order. It is closed once
	// Close has flushed pending data, or when the input ends on its own.
	Chunks() <-chan []byte
	// Window copies the most recent samples, normalized to [-1, 1], into dst
	// and returns how many were written.
	Window(dst []float32) int
	// Encoding is the container/codec identifier of the chunk bytes.
	Encoding() string
	// Close releases the input.
	Close() error
}

// Config holds the silence-detection parameters.
type Config struct {
	SilenceThreshold float64       // RMS on the normalized scale; 0.0012-0.0015 works for laptop mics
	SilenceWindow    time.Duration // continuous quiet before auto stop
	TickInterval     time.Duration // monitor period, about one display refresh
	WindowSize       int           // samples per RMS window
	FlushTimeout     time.Duration // max wait for the stream to drain on stop
}

// DefaultConfig matches the browser client: 2048-sample analyser window,
// 0.0015 threshold, 2 s of silence.
func DefaultConfig() Config {
	return Config{
		SilenceThreshold: 0.0015,
		SilenceWindow:    2000 * time.Millisecond,
		TickInterval:     16 * time.Millisecond,
		WindowSize:       2048,
		FlushTimeout:     2 * time.Second,
	}
}

// Events lets the host react to engine output.
type Events struct {
	// OnSegment receives each finished segment exactly once, after the
	// engine is back to Idle, so a handler may Start the next capture.
	OnSegment func(Segment)
	// OnState observes every state transition.
	OnState func(State)
}
