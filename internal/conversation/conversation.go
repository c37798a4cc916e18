// Package conversation binds a capture engine to a tutor for one connected
// client. Transports feed it microphone audio and control commands and
// forward the events it emits.
package conversation

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/abishek-ctrl/tutor-ed/internal/account"
	"github.com/abishek-ctrl/tutor-ed/internal/audio"
	"github.com/abishek-ctrl/tutor-ed/internal/capture"
	"github.com/abishek-ctrl/tutor-ed/internal/sessionstore"
	"github.com/abishek-ctrl/tutor-ed/internal/tutor"
)

// DefaultSessionName names the session created for a user who has none.
const DefaultSessionName = "New Session"

// Event is sent to the client as JSON.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	State     string `json:"state,omitempty"`
	Status    string `json:"status,omitempty"`
	Emotion   string `json:"emotion,omitempty"`
	Role      string `json:"role,omitempty"`
	Text      string `json:"text,omitempty"`
	Muted     *bool  `json:"muted,omitempty"`
}

// Command is a control message from the client.
type Command struct {
	Type    string `json:"type"`
	Granted *bool  `json:"granted,omitempty"`
	Muted   *bool  `json:"muted,omitempty"`
	Text    string `json:"text,omitempty"`
}

// ParseCommand accepts either a JSON object or a bare command word such as
// "stop" or "barge-in".
func ParseCommand(b []byte) (Command, error) {
	raw := strings.TrimSpace(string(b))
	if raw == "" {
		return Command{}, errors.New("empty command")
	}
	var cmd Command
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			return Command{}, fmt.Errorf("invalid command: %w", err)
		}
	} else {
		cmd.Type = raw
	}
	cmd.Type = strings.ToLower(strings.TrimSpace(cmd.Type))
	switch cmd.Type {
	case "stop-speaking", "cancel", "barge-in":
		cmd.Type = "interrupt"
	case "unmute":
		f := false
		cmd.Type, cmd.Muted = "mute", &f
	case "mute":
		if cmd.Muted == nil {
			t := true
			cmd.Muted = &t
		}
	}
	return cmd, nil
}

// Options configures a Conversation.
type Options struct {
	User      account.User
	Store     *sessionstore.Store
	SessionID string
	Muted     bool

	Tutor   tutor.Config
	Capture capture.Config

	// HandsFree restarts capture after every turn and drops segments that
	// never rose above the silence threshold.
	HandsFree bool

	Emit func(Event)
}

// Conversation is the per-connection state of a voice client.
type Conversation struct {
	ID    string
	Input *audio.LiveInput

	mu        sync.Mutex
	sessionID string

	opts   Options
	engine *capture.Engine
	tutor  *tutor.Tutor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewID returns a sortable connection id.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// New resolves the target session (the requested one, else the newest,
// else a fresh one) and prepares the engine. Nothing is recorded until
// Start or a "start" command.
func New(ctx context.Context, opts Options) (*Conversation, error) {
	if opts.Store == nil {
		return nil, errors.New("conversation: no session store")
	}
	if opts.Emit == nil {
		opts.Emit = func(Event) {}
	}
	if opts.Capture.WindowSize <= 0 {
		def := capture.DefaultConfig()
		if opts.Capture.SilenceThreshold > 0 {
			def.SilenceThreshold = opts.Capture.SilenceThreshold
		}
		if opts.Capture.SilenceWindow > 0 {
			def.SilenceWindow = opts.Capture.SilenceWindow
		}
		opts.Capture = def
	}
	sessionID, err := resolveSession(opts.Store, opts.SessionID)
	if err != nil {
		return nil, err
	}

	c := &Conversation{
		ID:        NewID(),
		Input:     audio.NewLiveInput(audio.SampleRate, opts.Capture.WindowSize),
		sessionID: sessionID,
		opts:      opts,
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.engine = capture.NewEngine(c.Input, opts.Capture, capture.Events{
		OnState:   func(s capture.State) { c.emit(Event{Type: "state", State: s.String()}) },
		OnSegment: c.onSegment,
	})
	c.tutor = tutor.New(opts.Tutor, opts.Store, opts.User, tutor.Events{
		OnStatus: func(s tutor.Status) { c.emit(Event{Type: "status", Status: string(s)}) },
		OnMessage: func(id string, m sessionstore.Message) {
			c.emit(Event{Type: "message", SessionID: id, Role: string(m.Role), Text: m.Text})
		},
		OnEmotion: func(e tutor.Emotion) { c.emit(Event{Type: "emotion", Emotion: string(e)}) },
		OnNotice:  func(text string) { c.emit(Event{Type: "notice", Text: text}) },
	})
	c.tutor.SetMuted(opts.Muted)
	return c, nil
}

func resolveSession(store *sessionstore.Store, want string) (string, error) {
	if want != "" {
		if _, ok := store.Get(want); ok {
			return want, nil
		}
	}
	if all := store.Sessions(); len(all) > 0 {
		return all[0].ID, nil
	}
	s, err := store.Create(sessionstore.Draft{Name: DefaultSessionName})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return s.ID, nil
}

// SessionID is the session new turns are recorded in.
func (c *Conversation) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Ready announces the conversation to the client.
func (c *Conversation) Ready() {
	m := c.tutor.Muted()
	c.emit(Event{Type: "ready", SessionID: c.SessionID(), Status: string(tutor.StatusReady), Muted: &m})
}

// Engine exposes the capture engine.
func (c *Conversation) Engine() *capture.Engine { return c.engine }

// Tutor exposes the turn runner.
func (c *Conversation) Tutor() *tutor.Tutor { return c.tutor }

// Start begins capturing an utterance, reporting input problems to the
// client as notices.
func (c *Conversation) Start() error {
	err := c.engine.Start(c.ctx)
	switch {
	case err == nil:
	case errors.Is(err, capture.ErrPermissionDenied):
		c.emit(Event{Type: "notice", Text: "Microphone access was denied"})
	case errors.Is(err, capture.ErrDeviceUnavailable):
		c.emit(Event{Type: "notice", Text: "No microphone is connected"})
	case errors.Is(err, capture.ErrBusy):
	default:
		c.emit(Event{Type: "notice", Text: "Could not start recording: " + err.Error()})
	}
	return err
}

// Handle applies one client command.
func (c *Conversation) Handle(cmd Command) {
	switch cmd.Type {
	case "mic":
		granted := cmd.Granted == nil || *cmd.Granted
		c.Input.SetPermission(granted)
		c.Input.SetConnected(granted)
	case "start":
		_ = c.Start()
	case "stop":
		c.engine.Stop()
	case "mute":
		muted := cmd.Muted != nil && *cmd.Muted
		c.tutor.SetMuted(muted)
		if muted {
			c.tutor.Interrupt()
		}
		c.emit(Event{Type: "muted", Muted: &muted})
	case "interrupt":
		c.tutor.Interrupt()
	case "text":
		c.goTurn(func(ctx context.Context) (tutor.Turn, error) {
			return c.tutor.HandleText(ctx, c.SessionID(), cmd.Text)
		})
	case "session":
		if _, ok := c.opts.Store.Get(cmd.Text); ok {
			c.mu.Lock()
			c.sessionID = cmd.Text
			c.mu.Unlock()
			c.emit(Event{Type: "ready", SessionID: cmd.Text})
		} else {
			c.emit(Event{Type: "notice", Text: "Session not found"})
		}
	default:
		log.Printf("[%s] unknown command %q", c.ID, cmd.Type)
	}
}

func (c *Conversation) onSegment(seg capture.Segment) {
	if c.ctx.Err() != nil {
		return
	}
	if c.opts.HandsFree && !loud(seg, c.opts.Capture) {
		c.restart()
		return
	}
	c.goTurn(func(ctx context.Context) (tutor.Turn, error) {
		return c.tutor.HandleSegment(ctx, c.SessionID(), seg)
	})
}

func (c *Conversation) goTurn(run func(context.Context) (tutor.Turn, error)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		turn, err := run(c.ctx)
		switch {
		case errors.Is(err, tutor.ErrBusy):
			c.emit(Event{Type: "notice", Text: "Still answering the previous question"})
		case err != nil:
			log.Printf("[%s] turn: %v", c.ID, err)
		case turn.Interrupted:
			log.Printf("[%s] reply interrupted after %q", c.ID, turn.Spoken)
		}
		c.restart()
	}()
}

func (c *Conversation) restart() {
	if !c.opts.HandsFree || c.ctx.Err() != nil {
		return
	}
	if err := c.engine.Start(c.ctx); err != nil && !errors.Is(err, capture.ErrBusy) {
		log.Printf("[%s] restart capture: %v", c.ID, err)
	}
}

// Close stops capture and any playback and waits for running turns.
func (c *Conversation) Close() {
	c.cancel()
	c.engine.Stop()
	c.tutor.Interrupt()
	c.Input.SetConnected(false)
	c.wg.Wait()
}

func (c *Conversation) emit(ev Event) {
	c.opts.Emit(ev)
}

// loud reports whether any analysis window of seg exceeds the threshold.
func loud(seg capture.Segment, cfg capture.Config) bool {
	if _, _, ok := audio.ParseL16(seg.Encoding); !ok {
		return true
	}
	samples := audio.Samples(seg.Data)
	win := make([]float32, 0, cfg.WindowSize)
	for i, s := range samples {
		win = append(win, float32(s)/32768)
		if len(win) == cfg.WindowSize || i == len(samples)-1 {
			if capture.RMS(win) > cfg.SilenceThreshold {
				return true
			}
			win = win[:0]
		}
	}
	return false
}
