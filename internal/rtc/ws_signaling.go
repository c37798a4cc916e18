package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"

	"github.com/abishek-ctrl/tutor-ed/internal/conversation"
)

// signalMessage is the trickle-ICE signaling format.
// Types: "auth", "offer", "answer", "candidate", "ice-complete", "bye", "error".
type signalMessage struct {
	Type string `json:"type"`
	// auth
	Password string `json:"password,omitempty"`
	// offer/answer
	SDP string `json:"sdp,omitempty"`
	// offer
	Caller *Caller `json:"caller,omitempty"`
	// candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	// error
	Error string `json:"error,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// signalConn serializes writes from the ICE callback and the handler.
type signalConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *signalConn) write(m signalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(m)
}

func (c *signalConn) fail(err error) error {
	return c.write(signalMessage{Type: "error", Error: err.Error()})
}

// ServeWebSocket upgrades to WebSocket and performs offer/answer + trickle ICE signaling.
// It expects messages: auth(optional) -> offer -> candidates... and responds with answer + candidates.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request, authPassword string) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer func() { _ = ws.Close() }()
	conn := &signalConn{ws: ws}

	// Authorization: Bearer <pwd>, ?password=..., or a first message of type auth.
	if authPassword != "" && !CheckAuthHeaderOrQuery(r, authPassword) {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			_ = conn.fail(errors.New("auth required"))
			return
		}
		if mt != websocket.TextMessage {
			_ = conn.fail(errors.New("invalid auth frame"))
			return
		}
		var m signalMessage
		if jerr := json.Unmarshal(data, &m); jerr != nil || strings.ToLower(m.Type) != "auth" || m.Password != authPassword {
			_ = conn.fail(errors.New("unauthorized"))
			return
		}
	}

	var offer signalMessage
	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			log.Printf("ws read error before offer: %v", rerr)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m signalMessage
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		if strings.ToLower(m.Type) == "offer" && m.SDP != "" {
			offer = m
			break
		}
		if strings.ToLower(m.Type) == "bye" {
			return
		}
	}
	caller := Caller{Email: r.URL.Query().Get("email"), Name: r.URL.Query().Get("name"), SessionID: r.URL.Query().Get("session")}
	if offer.Caller != nil {
		caller = *offer.Caller
	}
	if caller.Email == "" {
		_ = conn.fail(errors.New("caller email is required"))
		return
	}
	store, err := h.Sessions.For(caller.Email)
	if err != nil {
		_ = conn.fail(fmt.Errorf("load sessions: %w", err))
		return
	}

	pc, outTrack, err := h.newPeer()
	if err != nil {
		_ = conn.fail(err)
		return
	}
	defer func() { _ = pc.Close() }()

	callID := conversation.NewID()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = conn.write(signalMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		_ = conn.write(signalMessage{Type: "candidate", Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})

	if err := h.attachMediaHandlers(callID, pc, outTrack, caller, store); err != nil {
		_ = conn.fail(err)
		return
	}

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		_ = conn.fail(err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = conn.fail(err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = conn.fail(err)
		return
	}
	local := pc.LocalDescription()
	if local == nil {
		_ = conn.fail(errors.New("no local description"))
		return
	}
	if err := conn.write(signalMessage{Type: "answer", SDP: local.SDP}); err != nil {
		log.Printf("[%s] ws write answer error: %v", callID, err)
		return
	}

	// Remote trickle candidates until the client leaves.
	for {
		_, data, rerr := ws.ReadMessage()
		if rerr != nil {
			return
		}
		var m signalMessage
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		switch strings.ToLower(m.Type) {
		case "candidate":
			if m.Candidate == "" {
				continue
			}
			if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex}); err != nil {
				log.Printf("[%s] add candidate: %v", callID, err)
			}
		case "bye":
			log.Printf("[%s] caller hung up", callID)
			return
		}
	}
}

// CheckAuthHeaderOrQuery accepts the shared password as ?password=, a
// Bearer token or an X-Auth-Token header.
func CheckAuthHeaderOrQuery(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		tok := strings.TrimSpace(ah[len("Bearer "):])
		if tok == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}
