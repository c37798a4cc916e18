package phone

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/abishek-ctrl/tutor-ed/internal/audio"
	"github.com/abishek-ctrl/tutor-ed/internal/capture"
	"github.com/abishek-ctrl/tutor-ed/internal/kv"
	"github.com/abishek-ctrl/tutor-ed/internal/sessionstore"
	"github.com/abishek-ctrl/tutor-ed/internal/tutor"
	"github.com/abishek-ctrl/tutor-ed/internal/tutorapi"
)

const token = "secret-token"

type fakeSTT struct{ text string }

func (f fakeSTT) Transcribe(ctx context.Context, seg capture.Segment, email string) (string, error) {
	if seg.Encoding != "audio/wav" {
		return "", nil
	}
	return f.text, nil
}

type fakeChat struct{}

func (fakeChat) Chat(ctx context.Context, in tutorapi.ChatRequest) (tutorapi.ChatReply, error) {
	return tutorapi.ChatReply{Text: "Photosynthesis turns light into sugar.", Emotion: "explaining"}, nil
}

type fakeRecordings struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeRecordings) DeleteRecording(sid string, params *twilioApi.DeleteRecordingParams) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, sid)
	f.mu.Unlock()
	return nil
}

func (f *fakeRecordings) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func sign(fullURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := fullURL
	for _, k := range keys {
		data += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type fixture struct {
	e    *echo.Echo
	svc  *Service
	reg  *sessionstore.Registry
	recs *fakeRecordings
}

func newFixture(t *testing.T, transcript string) *fixture {
	t.Helper()
	reg := sessionstore.NewRegistry(kv.NewMemory())
	svc := New(Config{AccountSID: "AC123", AuthToken: token}, reg, tutor.Config{
		Transcriber: fakeSTT{text: transcript},
		Chatter:     fakeChat{},
	})
	recs := &fakeRecordings{}
	svc.recordings = recs
	e := echo.New()
	svc.RegisterHandlers(e)
	return &fixture{e: e, svc: svc, reg: reg, recs: recs}
}

func (f *fixture) post(t *testing.T, path string, params map[string]string, signed bool) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Host = "tutor.example.com"
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signed {
		req.Header.Set("X-Twilio-Signature", sign("https://tutor.example.com"+path, params))
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func recordingServer(t *testing.T) *httptest.Server {
	t.Helper()
	wav := audio.EncodeWAV(make([]byte, 1600), 8000, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.HasSuffix(r.URL.Path, ".wav") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wav)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAuth_RejectsBadSignature(t *testing.T) {
	f := newFixture(t, "hi")
	rec := f.post(t, "/twilio/voice", map[string]string{"CallSid": "CA1", "From": "+15550001"}, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuth_MissingToken(t *testing.T) {
	reg := sessionstore.NewRegistry(kv.NewMemory())
	svc := New(Config{}, reg, tutor.Config{})
	e := echo.New()
	svc.RegisterHandlers(e)
	req := httptest.NewRequest(http.MethodPost, "/twilio/voice", strings.NewReader(""))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestVoice_GreetsAndRecords(t *testing.T) {
	f := newFixture(t, "hi")
	rec := f.post(t, "/twilio/voice", map[string]string{"CallSid": "CA1", "From": "+15550001"}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, want := range []string{"<Say>", "<Record", `timeout="2"`, `action="https://tutor.example.com/twilio/recording-complete"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("TwiML missing %q: %s", want, body)
		}
	}
	store, _ := f.reg.For("+15550001")
	if n := len(store.Sessions()); n != 1 {
		t.Fatalf("expected one session for the caller, got %d", n)
	}
}

func TestRecordingComplete_AnswersAndRecordsAgain(t *testing.T) {
	f := newFixture(t, "what is photosynthesis")
	recSrv := recordingServer(t)

	f.post(t, "/twilio/voice", map[string]string{"CallSid": "CA1", "From": "+15550001"}, true)
	rec := f.post(t, "/twilio/recording-complete", map[string]string{
		"CallSid":      "CA1",
		"From":         "+15550001",
		"RecordingUrl": recSrv.URL + "/Recordings/RE1",
		"RecordingSid": "RE1",
	}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Photosynthesis turns light into sugar.") || !strings.Contains(body, "<Record") {
		t.Fatalf("unexpected TwiML: %s", body)
	}

	store, _ := f.reg.For("+15550001")
	msgs := store.Sessions()[0].Messages
	if len(msgs) != 2 || msgs[0].Text != "what is photosynthesis" || msgs[1].Role != sessionstore.RoleAssistant {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	deadline := time.Now().Add(time.Second)
	for len(f.recs.list()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := f.recs.list(); len(got) != 1 || got[0] != "RE1" {
		t.Fatalf("expected recording RE1 to be deleted, got %v", got)
	}
}

func TestRecordingComplete_NoSpeech(t *testing.T) {
	f := newFixture(t, "   ")
	recSrv := recordingServer(t)
	f.post(t, "/twilio/voice", map[string]string{"CallSid": "CA2", "From": "+15550002"}, true)
	rec := f.post(t, "/twilio/recording-complete", map[string]string{
		"CallSid":      "CA2",
		"From":         "+15550002",
		"RecordingUrl": recSrv.URL + "/Recordings/RE2",
		"RecordingSid": "RE2",
	}, true)
	if !strings.Contains(rec.Body.String(), "catch that") {
		t.Fatalf("expected a retry prompt, got %s", rec.Body.String())
	}
	store, _ := f.reg.For("+15550002")
	if n := len(store.Sessions()[0].Messages); n != 0 {
		t.Fatalf("expected no messages, got %d", n)
	}
}

func TestRecordingComplete_UnknownCallHangsUp(t *testing.T) {
	f := newFixture(t, "hi")
	rec := f.post(t, "/twilio/recording-complete", map[string]string{
		"CallSid":      "CA404",
		"RecordingUrl": "https://api.twilio.com/x",
	}, true)
	if !strings.Contains(rec.Body.String(), "<Hangup") {
		t.Fatalf("expected hangup, got %s", rec.Body.String())
	}
}

func TestStatus_ForgetsCall(t *testing.T) {
	f := newFixture(t, "hi")
	f.post(t, "/twilio/voice", map[string]string{"CallSid": "CA3", "From": "+15550003"}, true)
	f.post(t, "/twilio/status", map[string]string{"CallSid": "CA3", "CallStatus": "completed"}, true)
	f.svc.mu.Lock()
	_, ok := f.svc.calls["CA3"]
	f.svc.mu.Unlock()
	if ok {
		t.Fatalf("expected call to be forgotten")
	}
}

func TestBuildURL_PrefersBaseURL(t *testing.T) {
	svc := &Service{config: Config{BaseURL: "https://public.example.com/"}}
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	if got := svc.buildURL(r, "/twilio/voice"); got != "https://public.example.com/twilio/voice" {
		t.Fatalf("unexpected url %q", got)
	}
	svc.config.BaseURL = ""
	r.Host = "localhost:8080"
	if got := svc.buildURL(r, "/x"); got != "http://localhost:8080/x" {
		t.Fatalf("unexpected url %q", got)
	}
}
