// Package tutor runs conversational turns: transcribe, record, answer,
// record, speak.
package tutor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/abishek-ctrl/tutor-ed/internal/account"
	"github.com/abishek-ctrl/tutor-ed/internal/capture"
	"github.com/abishek-ctrl/tutor-ed/internal/sessionstore"
	"github.com/abishek-ctrl/tutor-ed/internal/tutorapi"
)

// chunkReply splits an assistant reply into sentence-like chunks so each
// one can be synthesized and played while the next is prepared.
// Splits on '.', '?', '!' and newlines, retaining punctuation.
func chunkReply(reply string) []string {
	txt := strings.TrimSpace(reply)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	for _, r := range txt {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			chunk := strings.TrimSpace(b.String())
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			b.Reset()
		case '\n', '\r':
			chunk := strings.TrimSpace(b.String())
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	tail := strings.TrimSpace(b.String())
	if tail != "" {
		chunks = append(chunks, tail)
	}
	return chunks
}

// Config wires the remote services. Synthesizer, Player and Archiver are
// optional.
type Config struct {
	Transcriber Transcriber
	Chatter     Chatter
	Synthesizer Synthesizer
	Player      Player
	Archiver    Archiver
	ShortAnswer bool
	// CallTimeout bounds each remote call.
	CallTimeout time.Duration
	// Turns is shared by every Tutor that may touch the same sessions.
	// Nil gives the Tutor a private one.
	Turns *Turns
}

// Tutor runs one turn at a time for a single user.
type Tutor struct {
	cfg   Config
	store *sessionstore.Store
	user  account.User
	ev    Events

	mu          sync.Mutex
	busy        bool
	muted       bool
	speakCancel context.CancelFunc
	interrupted bool
}

func New(cfg Config, store *sessionstore.Store, user account.User, ev Events) *Tutor {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.Turns == nil {
		cfg.Turns = NewTurns()
	}
	return &Tutor{cfg: cfg, store: store, user: user, ev: ev}
}

func (t *Tutor) SetMuted(m bool) {
	t.mu.Lock()
	t.muted = m
	t.mu.Unlock()
}

func (t *Tutor) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

// Busy reports whether a turn is in flight.
func (t *Tutor) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busy
}

// Interrupt stops playback of the current reply. The rest of the turn is
// unaffected. It reports whether anything was playing.
func (t *Tutor) Interrupt() bool {
	t.mu.Lock()
	cancel := t.speakCancel
	if cancel != nil {
		t.interrupted = true
	}
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		return true
	}
	return false
}

// HandleSegment runs a turn for a captured utterance.
func (t *Tutor) HandleSegment(ctx context.Context, sessionID string, seg capture.Segment) (Turn, error) {
	if !t.begin(sessionID) {
		return Turn{}, ErrBusy
	}
	defer t.end(sessionID)

	if _, ok := t.store.Get(sessionID); !ok {
		return Turn{}, t.notice(ErrNoSession, "Voice recognition failed: session not found")
	}
	if t.cfg.Archiver != nil {
		go t.archive(context.WithoutCancel(ctx), sessionID, seg)
	}

	t.status(StatusTranscribing)
	t.emotion(Thinking)
	cctx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	text, err := t.cfg.Transcriber.Transcribe(cctx, seg, t.user.Email)
	cancel()
	if err != nil {
		return Turn{}, t.remote("stt", "Voice recognition failed", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, t.notice(ErrNoSpeech, "Voice recognition failed: No speech detected")
	}
	return t.respond(ctx, sessionID, text)
}

// HandleText runs a turn for typed input. Blank input is ignored.
func (t *Tutor) HandleText(ctx context.Context, sessionID, text string) (Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, ErrNoSpeech
	}
	if !t.begin(sessionID) {
		return Turn{}, ErrBusy
	}
	defer t.end(sessionID)
	if _, ok := t.store.Get(sessionID); !ok {
		return Turn{}, t.notice(ErrNoSession, "Chat failed: session not found")
	}
	t.emotion(Thinking)
	return t.respond(ctx, sessionID, text)
}

func (t *Tutor) respond(ctx context.Context, sessionID, text string) (Turn, error) {
	turn := Turn{SessionID: sessionID, User: text}

	before, _ := t.store.Get(sessionID)
	userMsg := sessionstore.Message{Role: sessionstore.RoleUser, Text: text}
	if ok, err := t.store.UpdateFunc(sessionID, sessionstore.AppendMessages(userMsg)); err != nil {
		return turn, t.notice(fmt.Errorf("save message: %w", err), "Chat failed: could not save message")
	} else if !ok {
		return turn, t.notice(ErrNoSession, "Chat failed: session not found")
	}
	t.message(sessionID, userMsg)

	t.status(StatusThinking)
	cctx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	reply, err := t.cfg.Chatter.Chat(cctx, tutorapi.ChatRequest{
		Message:      text,
		SessionID:    sessionID,
		Name:         t.user.Name,
		Email:        t.user.Email,
		ShortAnswer:  t.cfg.ShortAnswer,
		SelectedDocs: before.SelectedDocs,
		History:      before.Messages,
	})
	cancel()
	if err != nil {
		return turn, t.remote("chat", "Chat failed", err)
	}
	turn.Reply = strings.TrimSpace(reply.Text)
	turn.Citations = reply.Citations
	turn.Emotion = EmotionFor(reply.Emotion)

	asstMsg := sessionstore.Message{Role: sessionstore.RoleAssistant, Text: turn.Reply}
	if _, err := t.store.UpdateFunc(sessionID, sessionstore.AppendMessages(asstMsg)); err != nil {
		return turn, t.notice(fmt.Errorf("save message: %w", err), "Chat failed: could not save reply")
	}
	t.message(sessionID, asstMsg)
	t.emotion(turn.Emotion)

	if t.Muted() || t.cfg.Synthesizer == nil || t.cfg.Player == nil {
		return turn, nil
	}
	spoken, interrupted, err := t.speak(ctx, turn.Reply)
	turn.Spoken, turn.Interrupted = spoken, interrupted
	if err != nil {
		return turn, t.remote("tts", "Speech playback failed", err)
	}
	t.emotion(Smiling)
	return turn, nil
}

// speak synthesizes and plays reply chunk by chunk until done or
// interrupted, returning the text that was actually played.
func (t *Tutor) speak(ctx context.Context, reply string) (string, bool, error) {
	sctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.speakCancel = cancel
	t.interrupted = false
	t.mu.Unlock()
	defer func() {
		cancel()
		t.mu.Lock()
		t.speakCancel = nil
		t.mu.Unlock()
	}()

	t.status(StatusSpeaking)
	t.emotion(Speaking)

	var spoken []string
	for _, chunk := range chunkReply(reply) {
		if t.wasInterrupted() {
			break
		}
		wav, err := t.cfg.Synthesizer.Synthesize(sctx, chunk)
		if err != nil {
			if t.wasInterrupted() {
				break
			}
			return strings.Join(spoken, " "), false, err
		}
		if err := t.cfg.Player.Play(sctx, wav); err != nil {
			if t.wasInterrupted() {
				break
			}
			return strings.Join(spoken, " "), false, err
		}
		if t.wasInterrupted() {
			break
		}
		spoken = append(spoken, chunk)
	}
	return strings.Join(spoken, " "), t.wasInterrupted(), nil
}

func (t *Tutor) wasInterrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interrupted
}

func (t *Tutor) archive(ctx context.Context, sessionID string, seg capture.Segment) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := t.cfg.Archiver.Archive(ctx, t.user.Email, sessionID, seg); err != nil {
		log.Printf("[%s] archive utterance: %v", sessionID, err)
	}
}

// begin claims this Tutor and the session. Both must be free.
func (t *Tutor) begin(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.busy {
		return false
	}
	if !t.cfg.Turns.acquire(t.store.UserKey(), sessionID) {
		return false
	}
	t.busy = true
	return true
}

func (t *Tutor) end(sessionID string) {
	t.cfg.Turns.release(t.store.UserKey(), sessionID)
	t.mu.Lock()
	t.busy = false
	t.mu.Unlock()
	t.status(StatusReady)
}

// remote wraps a service failure, shows the sad face and tells the user.
func (t *Tutor) remote(service, prefix string, err error) error {
	rerr := &RemoteError{Service: service, Err: err}
	if errors.Is(err, context.Canceled) {
		return rerr
	}
	log.Printf("%s error: %v", service, err)
	return t.notice(rerr, prefix+": "+err.Error())
}

func (t *Tutor) notice(err error, text string) error {
	t.emotion(Sad)
	if t.ev.OnNotice != nil {
		t.ev.OnNotice(text)
	}
	return err
}

func (t *Tutor) status(s Status) {
	if t.ev.OnStatus != nil {
		t.ev.OnStatus(s)
	}
}

func (t *Tutor) emotion(e Emotion) {
	if t.ev.OnEmotion != nil {
		t.ev.OnEmotion(e)
	}
}

func (t *Tutor) message(sessionID string, m sessionstore.Message) {
	if t.ev.OnMessage != nil {
		t.ev.OnMessage(sessionID, m)
	}
}
