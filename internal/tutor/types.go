package tutor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/abishek-ctrl/tutor-ed/internal/capture"
	"github.com/abishek-ctrl/tutor-ed/internal/sessionstore"
	"github.com/abishek-ctrl/tutor-ed/internal/tutorapi"
)

// Transcriber turns a captured utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, seg capture.Segment, email string) (string, error)
}

// Chatter answers a user message within a session.
type Chatter interface {
	Chat(ctx context.Context, in tutorapi.ChatRequest) (tutorapi.ChatReply, error)
}

// Synthesizer returns WAV audio for text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Player delivers WAV audio to the user. Play blocks until the audio has
// been handed off or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, wav []byte) error
}

// Archiver keeps a copy of each captured utterance.
type Archiver interface {
	Archive(ctx context.Context, userKey, sessionID string, seg capture.Segment) error
}

var (
	// ErrBusy is returned while another turn is in flight.
	ErrBusy = errors.New("tutor: a turn is already in progress")
	// ErrNoSpeech means the utterance transcribed to nothing.
	ErrNoSpeech = errors.New("tutor: no speech detected")
	// ErrNoSession means the target session does not exist.
	ErrNoSession = errors.New("tutor: session not found")
)

// RemoteError is a failure of one of the remote services (stt, chat, tts).
type RemoteError struct {
	Service string
	Err     error
}

func (e *RemoteError) Error() string { return fmt.Sprintf("%s failed: %v", e.Service, e.Err) }
func (e *RemoteError) Unwrap() error { return e.Err }

// Emotion is the mascot expression shown for a reply.
type Emotion string

const (
	Smiling  Emotion = "smiling"
	Thinking Emotion = "thinking"
	Speaking Emotion = "speaking"
	Sad      Emotion = "sad"
)

// EmotionFor maps a chat backend label to an Emotion. Unknown labels smile.
func EmotionFor(label string) Emotion {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "happy", "encouraging", "neutral", "smiling":
		return Smiling
	case "thinking", "clarifying":
		return Thinking
	case "explaining", "speaking":
		return Speaking
	case "sad":
		return Sad
	}
	return Smiling
}

// Status is the coarse progress of a turn.
type Status string

const (
	StatusReady        Status = "ready"
	StatusTranscribing Status = "transcribing"
	StatusThinking     Status = "thinking"
	StatusSpeaking     Status = "speaking"
)

// Events lets a transport mirror the turn to its client. Every field is
// optional.
type Events struct {
	OnStatus  func(Status)
	OnMessage func(sessionID string, m sessionstore.Message)
	OnEmotion func(Emotion)
	OnNotice  func(text string)
}

// Turn is the outcome of one exchange.
type Turn struct {
	SessionID   string
	User        string
	Reply       string
	Emotion     Emotion
	Citations   []tutorapi.Citation
	Spoken      string
	Interrupted bool
}
