package rtc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/abishek-ctrl/tutor-ed/internal/account"
	"github.com/abishek-ctrl/tutor-ed/internal/audio"
	"github.com/abishek-ctrl/tutor-ed/internal/capture"
	"github.com/abishek-ctrl/tutor-ed/internal/conversation"
	"github.com/abishek-ctrl/tutor-ed/internal/sessionstore"
	"github.com/abishek-ctrl/tutor-ed/internal/tutor"
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Caller identifies who is calling and which session to continue.
type Caller struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	SessionID string `json:"sessionId,omitempty"`
	Muted     bool   `json:"muted,omitempty"`
}

// Handler manages WebRTC peer connections. Each call gets a hands-free
// conversation: the caller's Opus audio is decoded into the capture
// engine and spoken replies go back on an Opus track. With no ICEServers
// only host candidates are gathered.
type Handler struct {
	Sessions   *sessionstore.Registry
	Tutor      tutor.Config
	Capture    capture.Config
	ICEServers []webrtc.ICEServer
}

func NewHandler(sessions *sessionstore.Registry, tcfg tutor.Config, ccfg capture.Config, iceServersJSON string) *Handler {
	if tcfg.Turns == nil {
		tcfg.Turns = tutor.NewTurns()
	}
	return &Handler{Sessions: sessions, Tutor: tcfg, Capture: ccfg, ICEServers: parseICEServers(iceServersJSON)}
}

// HandleOffer accepts an SDP offer and returns an SDP answer with all
// candidates gathered.
func (h *Handler) HandleOffer(ctx context.Context, caller Caller, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}
	if caller.Email == "" {
		return SessionDescription{}, errors.New("caller email is required")
	}
	store, err := h.Sessions.For(caller.Email)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("load sessions: %w", err)
	}

	peerConnection, outTrack, err := h.newPeer()
	if err != nil {
		return SessionDescription{}, err
	}
	callID := conversation.NewID()
	if err := h.attachMediaHandlers(callID, peerConnection, outTrack, caller, store); err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := peerConnection.SetRemoteDescription(remoteOffer); err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	answer, err := peerConnection.CreateAnswer(nil)
	if err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(peerConnection)
	if err := peerConnection.SetLocalDescription(answer); err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		_ = peerConnection.Close()
		return SessionDescription{}, ctx.Err()
	}
	local := peerConnection.LocalDescription()
	if local == nil {
		_ = peerConnection.Close()
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// newPeer prepares a PeerConnection with codecs, interceptors and the
// outgoing tutor audio track.
func (h *Handler) newPeer() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: h.ICEServers})
	if err != nil {
		return nil, nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"tutor-audio", "tutor",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, outTrack, nil
}

// attachMediaHandlers wires the control channel, the remote audio track
// and cleanup for one call.
func (h *Handler) attachMediaHandlers(callID string, peerConnection *webrtc.PeerConnection, outTrack *webrtc.TrackLocalStaticSample, caller Caller, store *sessionstore.Store) error {
	paced, err := NewOpusPacedWriter(outTrack)
	if err != nil {
		return fmt.Errorf("opus encoder: %w", err)
	}

	var dcPtr atomic.Pointer[webrtc.DataChannel]
	tcfg := h.Tutor
	tcfg.Player = &opusPlayer{w: paced}
	convo, err := conversation.New(context.Background(), conversation.Options{
		User:      account.User{Name: caller.Name, Email: caller.Email},
		Store:     store,
		SessionID: caller.SessionID,
		Muted:     caller.Muted,
		Tutor:     tcfg,
		Capture:   h.Capture,
		HandsFree: true,
		Emit: func(ev conversation.Event) {
			dc := dcPtr.Load()
			if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if err := dc.SendText(string(b)); err != nil {
				log.Printf("[%s] control send error: %v", callID, err)
			}
		},
	})
	if err != nil {
		paced.Close()
		return err
	}

	var closeOnce sync.Once
	cleanup := func() {
		closeOnce.Do(func() {
			convo.Close()
			paced.FlushTail()
			time.AfterFunc(400*time.Millisecond, func() { paced.Close() })
			_ = peerConnection.Close()
		})
	}

	peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] PeerConnection state: %s", callID, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			go cleanup()
		}
	})
	peerConnection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("[%s] ICE state: %s", callID, state.String())
	})
	peerConnection.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		dcPtr.Store(dc)
		dc.OnOpen(func() {
			log.Printf("[%s] Control channel opened", callID)
			convo.Ready()
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			cmd, err := conversation.ParseCommand(msg.Data)
			if err != nil {
				log.Printf("[%s] %v", callID, err)
				return
			}
			if cmd.Type == "interrupt" || (cmd.Type == "mute" && cmd.Muted != nil && *cmd.Muted) {
				paced.Reset()
			}
			convo.Handle(cmd)
		})
	})

	peerConnection.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] Remote audio track received: codec=%s", callID, remote.Codec().MimeType)

		dec, derr := opus.NewDecoder(audio.SampleRate, 1)
		if derr != nil {
			log.Printf("[%s] Opus decoder error: %v", callID, derr)
			return
		}
		go readyCue(paced)

		convo.Input.SetPermission(true)
		convo.Input.SetConnected(true)
		if err := convo.Start(); err != nil {
			log.Printf("[%s] capture start error: %v", callID, err)
		}

		go func() {
			defer convo.Input.SetConnected(false)
			samples := make([]int16, 1920)
			for {
				pkt, _, readErr := remote.ReadRTP()
				if readErr != nil {
					log.Printf("[%s] RTP read error: %v", callID, readErr)
					return
				}
				if len(pkt.Payload) == 0 {
					continue
				}
				n, decErr := dec.Decode(pkt.Payload, samples)
				if decErr != nil {
					log.Printf("[%s] Opus decode error: %v", callID, decErr)
					continue
				}
				pcm := make([]byte, n*2)
				for i := 0; i < n; i++ {
					binary.LittleEndian.PutUint16(pcm[i*2:], uint16(samples[i]))
				}
				convo.Input.Feed(pcm)
			}
		}()
	})
	return nil
}

// opusPlayer plays WAV replies through the paced Opus writer and blocks
// until they have been sent.
type opusPlayer struct {
	w *OpusPacedWriter
}

func (p *opusPlayer) Play(ctx context.Context, wav []byte) error {
	pcm, rate, ch, err := audio.DecodeWAV(wav)
	if err != nil {
		return err
	}
	if ch != 1 {
		return fmt.Errorf("rtc: cannot play %d-channel audio", ch)
	}
	pcm = audio.Resample(pcm, rate, opusSampleRate)
	const slice = opusFrameSamples * 2
	for off := 0; off < len(pcm); off += slice {
		if err := ctx.Err(); err != nil {
			p.w.Reset()
			return err
		}
		end := off + slice
		if end > len(pcm) {
			end = len(pcm)
		}
		p.w.WritePCM(pcm[off:end])
	}
	p.w.FlushTail()
	if err := p.w.WaitIdle(ctx); err != nil {
		p.w.Reset()
		return err
	}
	return nil
}

// readyCue plays a short 440 Hz tone so the caller knows the line is live.
func readyCue(w *OpusPacedWriter) {
	const duration = 200 * time.Millisecond
	samplesTotal := int(opusSampleRate * duration / time.Second)
	tone := make([]int16, samplesTotal)
	phase := 0.0
	phaseInc := 2 * math.Pi * 440.0 / opusSampleRate
	for i := range tone {
		tone[i] = int16(6000.0 * sinf(&phase, phaseInc))
	}
	w.WritePCM(audio.PCM(tone))
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

// sinf returns sin(*phase) and advances the phase.
func sinf(phase *float64, inc float64) float64 {
	v := math.Sin(*phase)
	*phase += inc
	return v
}
