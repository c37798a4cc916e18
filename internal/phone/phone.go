// Package phone lets a caller talk to the tutor over a Twilio voice call.
// Each utterance is captured by Twilio's <Record> verb, which ends after
// two seconds of silence, and the reply is read back with <Say>.
package phone

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/abishek-ctrl/tutor-ed/internal/account"
	"github.com/abishek-ctrl/tutor-ed/internal/capture"
	"github.com/abishek-ctrl/tutor-ed/internal/sessionstore"
	"github.com/abishek-ctrl/tutor-ed/internal/tutor"
)

// silenceTimeout is the <Record> timeout in seconds, the phone-side
// silence window.
const silenceTimeout = "2"

type Config struct {
	AccountSID string
	AuthToken  string
	// BaseURL is the public origin Twilio calls back on; when empty it is
	// derived from the request.
	BaseURL string
}

// recordingAPI is the part of the Twilio REST API used to clean up.
type recordingAPI interface {
	DeleteRecording(sid string, params *twilioApi.DeleteRecordingParams) error
}

type Service struct {
	config     Config
	sessions   *sessionstore.Registry
	tutor      tutor.Config
	validator  client.RequestValidator
	recordings recordingAPI
	httpClient *http.Client

	// UserFor maps the caller's number to a user. The default keys the
	// caller's data by their number.
	UserFor func(from string) account.User

	mu    sync.Mutex
	calls map[string]string // CallSid -> session id
}

// New builds the service. Speech synthesis is left to Twilio, so any
// Synthesizer or Player in tcfg is ignored.
func New(config Config, sessions *sessionstore.Registry, tcfg tutor.Config) *Service {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: config.AccountSID,
		Password: config.AuthToken,
	})
	tcfg.Synthesizer, tcfg.Player = nil, nil
	if tcfg.Turns == nil {
		tcfg.Turns = tutor.NewTurns()
	}
	return &Service{
		config:     config,
		sessions:   sessions,
		tutor:      tcfg,
		validator:  client.NewRequestValidator(config.AuthToken),
		recordings: rest.Api,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		UserFor: func(from string) account.User {
			return account.User{Name: "Caller", Email: from}
		},
		calls: make(map[string]string),
	}
}

func (s *Service) RegisterHandlers(e *echo.Echo) {
	e.POST("/twilio/voice", s.handleVoice, s.authMiddleware)
	e.POST("/twilio/recording-complete", s.handleRecordingComplete, s.authMiddleware)
	e.POST("/twilio/status", s.handleStatus, s.authMiddleware)
}

func (s *Service) handleVoice(c echo.Context) error {
	params := c.Get("twilioParams").(map[string]string)
	callSID, from := params["CallSid"], params["From"]
	log.Printf("[%s] call from %s", callSID, from)

	user := s.UserFor(from)
	store, err := s.sessions.For(user.Email)
	if err != nil {
		log.Printf("[%s] load sessions: %v", callSID, err)
		return s.respond(c, &twiml.VoiceSay{Message: "Sorry, the tutor is unavailable right now."}, &twiml.VoiceHangup{})
	}
	sess, err := store.Create(sessionstore.Draft{Name: "Phone call " + time.Now().Format("Jan 2 15:04")})
	if err != nil {
		log.Printf("[%s] create session: %v", callSID, err)
		return s.respond(c, &twiml.VoiceSay{Message: "Sorry, the tutor is unavailable right now."}, &twiml.VoiceHangup{})
	}
	s.mu.Lock()
	s.calls[callSID] = sess.ID
	s.mu.Unlock()

	greeting := "Hi! I'm your tutor. Ask me anything, and pause when you're done."
	if first := user.FirstName(); first != "" && first != "Caller" {
		greeting = fmt.Sprintf("Hi %s! I'm your tutor. Ask me anything, and pause when you're done.", first)
	}
	return s.respond(c, &twiml.VoiceSay{Message: greeting}, s.record(c.Request()))
}

func (s *Service) handleRecordingComplete(c echo.Context) error {
	params := c.Get("twilioParams").(map[string]string)
	callSID := params["CallSid"]
	recordingURL, recordingSID := params["RecordingUrl"], params["RecordingSid"]
	log.Printf("[%s] recording complete: SID=%s duration=%ss", callSID, recordingSID, params["RecordingDuration"])

	if recordingURL == "" {
		s.forget(callSID)
		return s.respond(c, &twiml.VoiceHangup{})
	}
	defer func() {
		if recordingSID == "" {
			return
		}
		go func() {
			if err := s.recordings.DeleteRecording(recordingSID, nil); err != nil {
				log.Printf("[%s] delete recording %s: %v", callSID, recordingSID, err)
			}
		}()
	}()

	s.mu.Lock()
	sessionID, ok := s.calls[callSID]
	s.mu.Unlock()
	if !ok {
		log.Printf("[%s] no session for call", callSID)
		return s.respond(c, &twiml.VoiceSay{Message: "Sorry, I lost track of our conversation. Goodbye."}, &twiml.VoiceHangup{})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 60*time.Second)
	defer cancel()
	wav, err := s.downloadRecording(ctx, recordingURL)
	if err != nil {
		log.Printf("[%s] download recording: %v", callSID, err)
		return s.respond(c, &twiml.VoiceSay{Message: "Sorry, I couldn't hear that. Please try again."}, s.record(c.Request()))
	}

	user := s.UserFor(params["From"])
	store, err := s.sessions.For(user.Email)
	if err != nil {
		log.Printf("[%s] load sessions: %v", callSID, err)
		return s.respond(c, &twiml.VoiceSay{Message: "Sorry, the tutor is unavailable right now."}, &twiml.VoiceHangup{})
	}
	t := tutor.New(s.tutor, store, user, tutor.Events{
		OnNotice: func(text string) { log.Printf("[%s] %s", callSID, text) },
	})
	turn, err := t.HandleSegment(ctx, sessionID, capture.Segment{Data: wav, Encoding: "audio/wav", Chunks: 1})
	switch {
	case errors.Is(err, tutor.ErrNoSpeech):
		return s.respond(c, &twiml.VoiceSay{Message: "Sorry, I didn't catch that. Could you say it again?"}, s.record(c.Request()))
	case err != nil:
		log.Printf("[%s] turn: %v", callSID, err)
		return s.respond(c, &twiml.VoiceSay{Message: "Sorry, something went wrong. Please ask again."}, s.record(c.Request()))
	}
	log.Printf("[%s] USER: %s", callSID, turn.User)
	log.Printf("[%s] ASSISTANT: %s", callSID, turn.Reply)
	return s.respond(c, &twiml.VoiceSay{Message: turn.Reply}, s.record(c.Request()))
}

// handleStatus forgets a call once Twilio reports it finished.
func (s *Service) handleStatus(c echo.Context) error {
	params := c.Get("twilioParams").(map[string]string)
	switch params["CallStatus"] {
	case "completed", "busy", "failed", "no-answer", "canceled":
		s.forget(params["CallSid"])
		log.Printf("[%s] call ended: %s", params["CallSid"], params["CallStatus"])
	}
	return c.String(http.StatusOK, "OK")
}

func (s *Service) forget(callSID string) {
	s.mu.Lock()
	delete(s.calls, callSID)
	s.mu.Unlock()
}

func (s *Service) record(r *http.Request) *twiml.VoiceRecord {
	return &twiml.VoiceRecord{
		Action:    s.buildURL(r, "/twilio/recording-complete"),
		Method:    "POST",
		Timeout:   silenceTimeout,
		MaxLength: "60",
		PlayBeep:  "false",
		Trim:      "trim-silence",
	}
}

func (s *Service) respond(c echo.Context, verbs ...twiml.Element) error {
	response, err := twiml.Voice(verbs)
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/xml")
	return c.String(http.StatusOK, response)
}

func (s *Service) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.config.AuthToken == "" {
			return c.String(http.StatusInternalServerError, "Missing TWILIO_AUTH_TOKEN")
		}

		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return c.String(http.StatusBadRequest, "Failed to read body")
		}

		formData, err := url.ParseQuery(string(body))
		if err != nil {
			return c.String(http.StatusBadRequest, "Failed to parse form")
		}

		params := make(map[string]string)
		for key, values := range formData {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}

		signature := c.Request().Header.Get("X-Twilio-Signature")
		requestURL := s.buildURL(c.Request(), c.Request().URL.RequestURI())

		if !s.validator.Validate(requestURL, params, signature) {
			return c.String(http.StatusUnauthorized, "Invalid signature")
		}

		c.Set("twilioParams", params)
		return next(c)
	}
}

func (s *Service) downloadRecording(ctx context.Context, recordingURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", recordingURL+".wav", nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(s.config.AccountSID, s.config.AuthToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download recording failed: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (s *Service) buildURL(r *http.Request, path string) string {
	if s.config.BaseURL != "" {
		return strings.TrimRight(s.config.BaseURL, "/") + path
	}
	scheme := "https"
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
		if strings.Contains(host, "localhost") || strings.Contains(host, "127.0.0.1") {
			scheme = "http"
		}
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, path)
}
