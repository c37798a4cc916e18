package audio

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"

	"github.com/abishek-ctrl/tutor-ed/internal/capture"
)

// LiveInput is a capture.Microphone for transports that push audio as it
// arrives (WebSocket frames, decoded WebRTC packets). Audio fed while no
// capture is open is discarded.
type LiveInput struct {
	rate   int
	window int

	mu        sync.Mutex
	connected bool
	denied    bool
	tap       *PCMStream
}

func NewLiveInput(rate, window int) *LiveInput {
	return &LiveInput{rate: rate, window: window}
}

// SetConnected marks whether a client audio source is attached. Detaching
// ends any open capture.
func (in *LiveInput) SetConnected(on bool) {
	in.mu.Lock()
	in.connected = on
	var t *PCMStream
	if !on {
		t, in.tap = in.tap, nil
	}
	in.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
}

// SetPermission records the client's microphone permission answer.
func (in *LiveInput) SetPermission(granted bool) {
	in.mu.Lock()
	in.denied = !granted
	in.mu.Unlock()
}

// Feed forwards PCM16LE to the open capture, if any.
func (in *LiveInput) Feed(pcm []byte) {
	in.mu.Lock()
	t := in.tap
	in.mu.Unlock()
	if t != nil {
		t.Write(pcm)
	}
}

func (in *LiveInput) Open(ctx context.Context) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.denied {
		return nil, capture.ErrPermissionDenied
	}
	if !in.connected {
		return nil, capture.ErrDeviceUnavailable
	}
	t := NewPCMStream(in.rate, in.window)
	t.onClose = func() {
		in.mu.Lock()
		if in.tap == t {
			in.tap = nil
		}
		in.mu.Unlock()
	}
	in.tap = t
	return t, nil
}

// ReaderInput reads raw PCM16LE from r (for example `arecord -f S16_LE -r
// 16000 -c 1 -t raw`). Reading starts on the first Open and the input
// becomes unavailable once r is exhausted.
type ReaderInput struct {
	*LiveInput
	r         io.Reader
	chunkSize int
	connect   sync.Once
	start     sync.Once
}

// NewReaderInput reads 100 ms chunks at rate.
func NewReaderInput(r io.Reader, rate, window int) *ReaderInput {
	return &ReaderInput{
		LiveInput: NewLiveInput(rate, window),
		r:         r,
		chunkSize: rate / 10 * 2,
	}
}

func (in *ReaderInput) Open(ctx context.Context) (capture.Stream, error) {
	in.connect.Do(func() { in.SetConnected(true) })
	st, err := in.LiveInput.Open(ctx)
	if err == nil {
		in.start.Do(func() { go in.pump() })
	}
	return st, err
}

func (in *ReaderInput) pump() {
	buf := make([]byte, in.chunkSize)
	for {
		n, err := io.ReadFull(in.r, buf)
		if n > 0 {
			in.Feed(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				log.Printf("audio: read input: %v", err)
			}
			in.SetConnected(false)
			return
		}
	}
}
