package rtc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
)

type fakeTrack struct{ writes int32 }

func (f *fakeTrack) WriteSample(s media.Sample) error {
	atomic.AddInt32(&f.writes, 1)
	return nil
}

func newTestWriter(ft *fakeTrack, capacity int) *OpusPacedWriter {
	return &OpusPacedWriter{
		track:        ft,
		frameSamples: opusFrameSamples,
		frames:       make(chan []byte, capacity),
		stopCh:       make(chan struct{}),
	}
}

func TestOpusPacedWriter_PacerWritesFrames(t *testing.T) {
	ft := &fakeTrack{}
	w := newTestWriter(ft, 8)
	done := make(chan struct{})
	go func() { w.pacer(); close(done) }()

	for i := 0; i < 3; i++ {
		w.pushFrame([]byte{0x01, 0x02})
	}

	time.Sleep(50 * time.Millisecond)
	w.Close()
	<-done

	if atomic.LoadInt32(&ft.writes) == 0 {
		t.Fatalf("expected pacer to write at least one frame")
	}
}

func TestOpusPacedWriter_ResetDrains(t *testing.T) {
	w := newTestWriter(&fakeTrack{}, 8)
	w.pcmBuf = []int16{1, 2, 3}
	w.frames <- []byte{0x01}
	w.frames <- []byte{0x02}
	w.Reset()
	select {
	case <-w.frames:
		t.Fatalf("expected frames channel to be drained")
	default:
	}
	if len(w.pcmBuf) != 0 {
		t.Fatalf("expected pcmBuf to be reset, got len=%d", len(w.pcmBuf))
	}
}

func TestOpusPacedWriter_WaitIdle(t *testing.T) {
	ft := &fakeTrack{}
	w := newTestWriter(ft, 8)
	go w.pacer()
	defer w.Close()

	for i := 0; i < 3; i++ {
		w.pushFrame([]byte{0x01})
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.WaitIdle(ctx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	if got := atomic.LoadInt32(&ft.writes); got < 2 {
		t.Fatalf("expected queued frames to be written, got %d", got)
	}
}

func TestOpusPacedWriter_WaitIdleHonoursContext(t *testing.T) {
	w := newTestWriter(&fakeTrack{}, 8)
	w.frames <- []byte{0x01} // no pacer, never drains
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := w.WaitIdle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestOpusPlayer_RejectsBadAudio(t *testing.T) {
	p := &opusPlayer{w: newTestWriter(&fakeTrack{}, 8)}
	if err := p.Play(context.Background(), []byte("not a wav")); err == nil {
		t.Fatalf("expected error for non-WAV input")
	}
}

func TestParseICEServers(t *testing.T) {
	def := parseICEServers("")
	if len(def) != 1 || def[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("unexpected default servers: %+v", def)
	}
	got := parseICEServers(`[{"urls":["turn:turn.example.com:3478"],"username":"u","credential":"p"}]`)
	if len(got) != 1 || got[0].URLs[0] != "turn:turn.example.com:3478" || got[0].Username != "u" {
		t.Fatalf("unexpected servers: %+v", got)
	}
	if bad := parseICEServers("{nope"); len(bad) != 1 {
		t.Fatalf("expected fallback for invalid json, got %+v", bad)
	}
}
