// Package voice serves the browser voice client over a WebSocket. Binary
// frames carry 16 kHz mono PCM16LE microphone audio one way and WAV
// replies the other; text frames carry JSON commands and events.
package voice

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abishek-ctrl/tutor-ed/internal/account"
	"github.com/abishek-ctrl/tutor-ed/internal/capture"
	"github.com/abishek-ctrl/tutor-ed/internal/conversation"
	"github.com/abishek-ctrl/tutor-ed/internal/sessionstore"
	"github.com/abishek-ctrl/tutor-ed/internal/tutor"
)

const writeWait = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients are served from a different origin in development.
		return true
	},
}

// Handler accepts voice connections. Connections share Tutor.Turns, so
// two sockets on one session cannot run turns at once; a nil Turns is
// created on first use.
type Handler struct {
	Sessions *sessionstore.Registry
	Tutor    tutor.Config
	Capture  capture.Config

	turnsOnce sync.Once
}

// conn serializes writes; gorilla/websocket allows one concurrent writer.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) writeBinary(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

// Play sends a WAV reply as one binary frame.
func (c *conn) Play(ctx context.Context, wav []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.writeBinary(wav)
}

// ServeHTTP upgrades the request. The user is identified by the email and
// name query parameters; session selects the conversation to continue and
// handsfree=1 keeps the microphone open between turns.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user := account.User{Name: q.Get("name"), Email: q.Get("email")}
	if user.Email == "" {
		http.Error(w, "email is required", http.StatusBadRequest)
		return
	}
	store, err := h.Sessions.For(user.Email)
	if err != nil {
		log.Printf("voice: load sessions for %s: %v", user.Email, err)
		http.Error(w, "could not load sessions", http.StatusInternalServerError)
		return
	}

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer func() { _ = ws.Close() }()
	c := &conn{ws: ws}

	h.turnsOnce.Do(func() {
		if h.Tutor.Turns == nil {
			h.Tutor.Turns = tutor.NewTurns()
		}
	})
	tcfg := h.Tutor
	tcfg.Player = c
	convo, err := conversation.New(context.Background(), conversation.Options{
		User:      user,
		Store:     store,
		SessionID: q.Get("session"),
		Muted:     q.Get("muted") == "1",
		Tutor:     tcfg,
		Capture:   h.Capture,
		HandsFree: q.Get("handsfree") == "1",
		Emit: func(ev conversation.Event) {
			if err := c.writeJSON(ev); err != nil {
				log.Printf("voice: write %s event: %v", ev.Type, err)
			}
		},
	})
	if err != nil {
		log.Printf("voice: %v", err)
		_ = c.writeJSON(conversation.Event{Type: "notice", Text: "Could not open a session"})
		return
	}
	defer convo.Close()
	log.Printf("[%s] voice connected: user=%s session=%s", convo.ID, user.Email, convo.SessionID())
	convo.Ready()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
				log.Printf("[%s] ws read: %v", convo.ID, err)
			}
			break
		}
		switch mt {
		case websocket.BinaryMessage:
			convo.Input.Feed(data)
		case websocket.TextMessage:
			cmd, err := conversation.ParseCommand(data)
			if err != nil {
				log.Printf("[%s] %v", convo.ID, err)
				continue
			}
			convo.Handle(cmd)
		}
	}
	log.Printf("[%s] voice disconnected", convo.ID)
}
