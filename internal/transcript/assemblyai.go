// Package transcript transcribes captured utterances with AssemblyAI's
// streaming API.
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abishek-ctrl/tutor-ed/internal/audio"
	"github.com/abishek-ctrl/tutor-ed/internal/capture"
	"github.com/abishek-ctrl/tutor-ed/internal/tutorapi"
)

const defaultURL = "wss://streaming.assemblyai.com/v3/ws"

// chunkBytes is 100 ms of 16 kHz PCM16; the API accepts 50-1000 ms frames.
const chunkBytes = audio.SampleRate / 10 * 2

// AssemblyAI message types
type BeginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type TurnMessage struct {
	Type           string `json:"type"`
	TurnOrder      int    `json:"turn_order"`
	Transcript     string `json:"transcript"`
	EndOfTurn      bool   `json:"end_of_turn"`
	TurnFormatted  bool   `json:"turn_is_formatted"`
	AudioStartTime int64  `json:"audio_start_time,omitempty"`
	AudioEndTime   int64  `json:"audio_end_time,omitempty"`
}

type TerminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// AssemblyAI transcribes one segment per streaming session: it streams the
// audio, asks the service to terminate and joins the turns it reported.
type AssemblyAI struct {
	APIKey string
	URL    string
	Dialer *websocket.Dialer
	// Timeout bounds a whole session, including the wait for Termination.
	Timeout time.Duration
}

func NewAssemblyAI(apiKey string) *AssemblyAI {
	return &AssemblyAI{
		APIKey:  apiKey,
		URL:     defaultURL,
		Dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		Timeout: 30 * time.Second,
	}
}

// turns accumulates the latest transcript of every turn by order.
type turns struct {
	mu       sync.Mutex
	text     map[int]string
	err      error
	finished bool
}

func (t *turns) joined() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	orders := make([]int, 0, len(t.text))
	for o := range t.text {
		orders = append(orders, o)
	}
	sort.Ints(orders)
	parts := make([]string, 0, len(orders))
	for _, o := range orders {
		if s := strings.TrimSpace(t.text[o]); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

func (a *AssemblyAI) Transcribe(ctx context.Context, seg capture.Segment, _ string) (string, error) {
	if a.APIKey == "" {
		return "", fmt.Errorf("AssemblyAI API key is empty")
	}
	pcm, err := pcm16k(seg)
	if err != nil {
		return "", err
	}
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("format_turns", "true")
	params.Set("encoding", "pcm_s16le")
	base := a.URL
	if base == "" {
		base = defaultURL
	}
	wsURL := base + "?" + params.Encode()

	dialer := a.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, http.Header{"Authorization": {a.APIKey}})
	if err != nil {
		if resp != nil {
			return "", &tutorapi.ServiceError{Service: "assemblyai", Status: resp.StatusCode, Body: err.Error()}
		}
		return "", fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}
	defer conn.Close()

	// Unblock the reader when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	acc := &turns{text: make(map[int]string)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				acc.mu.Lock()
				if acc.err == nil && ctx.Err() == nil {
					acc.err = fmt.Errorf("assemblyai: read: %w", err)
				}
				acc.mu.Unlock()
				return
			}
			if acc.process(message) {
				acc.mu.Lock()
				acc.finished = true
				acc.mu.Unlock()
				return
			}
		}
	}()

	for off := 0; off < len(pcm); off += chunkBytes {
		end := off + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return "", fmt.Errorf("assemblyai: send audio: %w", err)
		}
	}
	if err := conn.WriteJSON(map[string]string{"type": "Terminate"}); err != nil {
		return "", fmt.Errorf("assemblyai: terminate: %w", err)
	}

	<-done
	acc.mu.Lock()
	err, finished := acc.err, acc.finished
	acc.mu.Unlock()
	if err != nil {
		return "", err
	}
	if !finished {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("assemblyai: session ended without termination")
	}
	return acc.joined(), nil
}

// process handles one server message and reports whether the session is over.
func (t *turns) process(message []byte) bool {
	var baseMsg map[string]interface{}
	if err := json.Unmarshal(message, &baseMsg); err != nil {
		log.Printf("assemblyai: error unmarshaling message: %v", err)
		return false
	}
	msgType, _ := baseMsg["type"].(string)
	switch msgType {
	case "Begin":
		var msg BeginMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			log.Printf("assemblyai: session began: ID=%s", msg.ID)
		}
	case "Turn":
		var msg TurnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("assemblyai: error unmarshaling Turn message: %v", err)
			return false
		}
		t.mu.Lock()
		if msg.Transcript != "" {
			t.text[msg.TurnOrder] = msg.Transcript
		}
		t.mu.Unlock()
	case "Termination":
		var msg TerminationMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			log.Printf("assemblyai: session terminated: AudioDuration=%.2fs, SessionDuration=%.2fs", msg.AudioDurationSeconds, msg.SessionDurationSeconds)
		}
		return true
	case "Error":
		var msg ErrorMessage
		_ = json.Unmarshal(message, &msg)
		t.mu.Lock()
		t.err = &tutorapi.ServiceError{Service: "assemblyai", Body: msg.Error}
		t.mu.Unlock()
		return true
	default:
		log.Printf("assemblyai: unknown message type: %s", msgType)
	}
	return false
}

var errUnsupported = errors.New("assemblyai: unsupported segment encoding")

// pcm16k converts a segment to mono 16 kHz PCM16LE.
func pcm16k(seg capture.Segment) ([]byte, error) {
	var (
		pcm      []byte
		rate, ch int
	)
	if r, c, ok := audio.ParseL16(seg.Encoding); ok {
		pcm, rate, ch = seg.Data, r, c
	} else if strings.HasPrefix(seg.Encoding, "audio/wav") || strings.HasPrefix(seg.Encoding, "audio/x-wav") {
		var err error
		pcm, rate, ch, err = audio.DecodeWAV(seg.Data)
		if err != nil {
			return nil, err
		}
	} else {
		return nil, fmt.Errorf("%w: %q", errUnsupported, seg.Encoding)
	}
	if ch != 1 {
		return nil, fmt.Errorf("%w: %d channels", errUnsupported, ch)
	}
	return audio.Resample(pcm, rate, audio.SampleRate), nil
}
