// Package capture records one utterance at a time from a microphone and
// ends it automatically after a stretch of silence.
package capture

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

// RMS returns the root-mean-square amplitude of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// cycle is one in-progress recording.
type cycle struct {
	stream    Stream
	startedAt time.Time

	mu     sync.Mutex
	chunks [][]byte
	size   int
	sealed bool

	lastLoud time.Time // monitor goroutine only

	done    chan struct{} // closed when finalizing starts
	drained chan struct{} // closed when the collector has seen the end of Chunks
	result  chan Segment
}

func (c *cycle) add(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}
	c.chunks = append(c.chunks, chunk)
	c.size += len(chunk)
}

func (c *cycle) seal() ([]byte, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
	out := make([]byte, 0, c.size)
	for _, ch := range c.chunks {
		out = append(out, ch...)
	}
	return out, len(c.chunks)
}

// Engine owns the microphone for one capture at a time.
type Engine struct {
	mic Microphone
	cfg Config
	ev  Events

	mu       sync.Mutex
	state    State
	starting bool
	cur      *cycle
}

func NewEngine(mic Microphone, cfg Config, ev Events) *Engine {
	def := DefaultConfig()
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = def.SilenceThreshold
	}
	if cfg.SilenceWindow <= 0 {
		cfg.SilenceWindow = def.SilenceWindow
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	return &Engine{mic: mic, cfg: cfg, ev: ev}
}

// State reports the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start opens the microphone and begins recording. It returns ErrBusy
// unless the engine is Idle, and the Open error (state stays Idle) if the
// input cannot be acquired. Cancelling ctx stops the recording like Stop.
func (e *Engine) Start(ctx context.Context) error {
	_, err := e.start(ctx)
	return err
}

func (e *Engine) start(ctx context.Context) (*cycle, error) {
	e.mu.Lock()
	if e.state != Idle || e.starting {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	e.starting = true
	e.mu.Unlock()

	stream, err := e.mic.Open(ctx)

	e.mu.Lock()
	e.starting = false
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("open microphone: %w", err)
	}
	now := time.Now()
	c := &cycle{
		stream:    stream,
		startedAt: now,
		lastLoud:  now,
		done:      make(chan struct{}),
		drained:   make(chan struct{}),
		result:    make(chan Segment, 1),
	}
	e.cur = c
	e.state = Recording
	e.mu.Unlock()

	e.notify(Recording)
	go e.collect(c)
	go e.monitor(ctx, c)
	return c, nil
}

// Stop ends the current recording and delivers its segment. It is a no-op
// unless the engine is Recording.
func (e *Engine) Stop() {
	e.mu.Lock()
	c := e.cur
	e.mu.Unlock()
	if c != nil {
		e.stopCycle(c)
	}
}

// Capture records one utterance and waits for it to finish, by silence,
// by Stop from another goroutine, or by ctx cancellation (in which case
// the partial segment is returned along with ctx.Err()).
func (e *Engine) Capture(ctx context.Context) (Segment, error) {
	c, err := e.start(ctx)
	if err != nil {
		return Segment{}, err
	}
	seg := <-c.result
	if err := ctx.Err(); err != nil {
		return seg, err
	}
	return seg, nil
}

func (e *Engine) collect(c *cycle) {
	for chunk := range c.stream.Chunks() {
		if len(chunk) == 0 {
			continue
		}
		c.add(chunk)
	}
	close(c.drained)
	// The input may end by itself (client hung up); treat it as a stop.
	e.stopCycle(c)
}

func (e *Engine) monitor(ctx context.Context, c *cycle) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	buf := make([]float32, e.cfg.WindowSize)
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			e.stopCycle(c)
			return
		case now := <-ticker.C:
			if n := c.stream.Window(buf); n > 0 && RMS(buf[:n]) > e.cfg.SilenceThreshold {
				c.lastLoud = now
			}
			if now.Sub(c.lastLoud) >= e.cfg.SilenceWindow {
				e.stopCycle(c)
				return
			}
		}
	}
}

// stopCycle moves c from Recording to Finalizing; only the first caller
// proceeds to finalize.
func (e *Engine) stopCycle(c *cycle) {
	e.mu.Lock()
	if e.cur != c || e.state != Recording {
		e.mu.Unlock()
		return
	}
	e.state = Finalizing
	e.mu.Unlock()

	e.notify(Finalizing)
	e.finalize(c)
}

func (e *Engine) finalize(c *cycle) {
	close(c.done)
	if err := c.stream.Close(); err != nil {
		log.Printf("capture: close stream: %v", err)
	}
	select {
	case <-c.drained:
	case <-time.After(e.cfg.FlushTimeout):
		log.Printf("capture: stream did not drain within %s; finalizing with what arrived", e.cfg.FlushTimeout)
	}

	data, n := c.seal()
	seg := Segment{
		Data:     data,
		Encoding: c.stream.Encoding(),
		Chunks:   n,
		Duration: time.Since(c.startedAt),
	}

	e.mu.Lock()
	e.cur = nil
	e.state = Idle
	e.mu.Unlock()
	e.notify(Idle)

	c.result <- seg
	if e.ev.OnSegment != nil {
		e.ev.OnSegment(seg)
	}
}

func (e *Engine) notify(s State) {
	if e.ev.OnState != nil {
		e.ev.OnState(s)
	}
}
