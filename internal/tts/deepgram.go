package tts

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

// Tutor replies are synthesized one sentence at a time, so a chunk's
// audio arrives in a short burst. The wait for a chunk scales with its
// length and stops once the socket has been quiet for the idle window.
const (
	defaultIdleWindow = 300 * time.Millisecond
	defaultMaxWait    = 8 * time.Second
	baseWait          = 2 * time.Second
	waitPerRune       = 60 * time.Millisecond
	pollInterval      = 50 * time.Millisecond
)

// DeepgramClient synthesizes speech over Deepgram's websocket speak API.
type DeepgramClient struct {
	apiKey     string
	model      string
	sampleRate int
	encoding   string

	// IdleWindow ends a chunk once no audio has arrived for this long
	// after the first frame.
	IdleWindow time.Duration
	// MaxWait caps the wait for a single chunk.
	MaxWait time.Duration
}

func NewDeepgramClient(apiKey, model string) *DeepgramClient {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &DeepgramClient{
		apiKey:     apiKey,
		model:      model,
		sampleRate: SampleRate,
		encoding:   "linear16",
		IdleWindow: defaultIdleWindow,
		MaxWait:    defaultMaxWait,
	}
}

// Synthesize returns the whole chunk as a 48 kHz mono WAV file.
func (d *DeepgramClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	pcmCh, errCh := d.StreamPCM48k(ctx, text)
	return collectWAV(ctx, pcmCh, errCh)
}

// waitFor is how long to wait for the audio of text.
func (d *DeepgramClient) waitFor(text string) time.Duration {
	w := baseWait + time.Duration(utf8.RuneCountInString(text))*waitPerRune
	if d.MaxWait > 0 && w > d.MaxWait {
		w = d.MaxWait
	}
	return w
}

// audioClock remembers when the last audio frame arrived.
type audioClock struct{ last atomic.Int64 }

func (c *audioClock) mark(t time.Time) { c.last.Store(t.UnixNano()) }

// quietFor reports whether audio has started and then stopped for d.
func (c *audioClock) quietFor(now time.Time, d time.Duration) bool {
	last := c.last.Load()
	return last != 0 && now.Sub(time.Unix(0, last)) > d
}

// StreamPCM48k streams 48 kHz PCM16LE as Deepgram produces it.
func (d *DeepgramClient) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)

	go func() {
		defer close(pcmCh)
		defer close(errCh)

		if d.apiKey == "" {
			errCh <- fmt.Errorf("deepgram: API key missing")
			return
		}
		if strings.TrimSpace(text) == "" {
			return
		}

		var clock audioClock
		cb := &speakCallback{onBinary: func(data []byte) error {
			if len(data) == 0 {
				return nil
			}
			clock.mark(time.Now())
			b := make([]byte, len(data))
			copy(b, data)
			select {
			case pcmCh <- b:
			case <-ctx.Done():
			}
			return nil
		}}

		options := &clientinterfaces.WSSpeakOptions{
			Model:      d.model,
			Encoding:   d.encoding,
			SampleRate: d.sampleRate,
		}
		dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
		if err != nil {
			errCh <- fmt.Errorf("deepgram: create ws client: %w", err)
			return
		}
		var stopOnce sync.Once
		stop := func() { stopOnce.Do(dg.Stop) }
		defer stop()

		if ok := dg.Connect(); !ok {
			errCh <- fmt.Errorf("deepgram: connect failed")
			return
		}
		if err := dg.SpeakWithText(text); err != nil {
			errCh <- fmt.Errorf("deepgram: speak text: %w", err)
			return
		}
		if err := dg.Flush(); err != nil {
			log.Printf("deepgram: flush error: %v", err)
		}

		idle := d.IdleWindow
		if idle <= 0 {
			idle = defaultIdleWindow
		}
		deadline := time.NewTimer(d.waitFor(text))
		defer deadline.Stop()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-deadline.C:
				log.Printf("deepgram: gave up waiting for audio after %s", d.waitFor(text))
				return
			case now := <-ticker.C:
				if clock.quietFor(now, idle) {
					return
				}
			}
		}
	}()

	return pcmCh, errCh
}

type speakCallback struct{ onBinary func([]byte) error }

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
