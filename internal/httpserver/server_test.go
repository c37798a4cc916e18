package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abishek-ctrl/tutor-ed/internal/capture"
	"github.com/abishek-ctrl/tutor-ed/internal/config"
	"github.com/abishek-ctrl/tutor-ed/internal/kv"
	"github.com/abishek-ctrl/tutor-ed/internal/sessionstore"
	"github.com/abishek-ctrl/tutor-ed/internal/tutor"
	"github.com/abishek-ctrl/tutor-ed/internal/tutorapi"
)

type fakeChat struct{ err error }

func (f fakeChat) Chat(ctx context.Context, in tutorapi.ChatRequest) (tutorapi.ChatReply, error) {
	if f.err != nil {
		return tutorapi.ChatReply{}, f.err
	}
	return tutorapi.ChatReply{Text: "You said " + in.Message, Emotion: "happy"}, nil
}

// gatedChat blocks the first chat call until release is closed.
type gatedChat struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedChat) Chat(ctx context.Context, in tutorapi.ChatRequest) (tutorapi.ChatReply, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return tutorapi.ChatReply{Text: "re " + in.Message}, nil
}

type fakeSTT struct{}

func (fakeSTT) Transcribe(ctx context.Context, seg capture.Segment, email string) (string, error) {
	return "", nil
}

type fakeDocs struct {
	mu       sync.Mutex
	docs     []tutorapi.Document
	uploaded []string
	deleted  [][]string
}

func (f *fakeDocs) ListDocuments(ctx context.Context, email string) ([]tutorapi.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tutorapi.Document(nil), f.docs...), nil
}

func (f *fakeDocs) UploadDocuments(ctx context.Context, email string, files []tutorapi.File) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, file := range files {
		b, _ := io.ReadAll(file.Data)
		f.uploaded = append(f.uploaded, file.Name+":"+string(b))
		f.docs = append(f.docs, tutorapi.Document{Source: file.Name})
	}
	return 3 * len(files), nil
}

func (f *fakeDocs) DeleteDocuments(ctx context.Context, email string, names ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, names)
	if len(names) == 0 {
		f.docs = nil
		return nil
	}
	kept := f.docs[:0]
	for _, d := range f.docs {
		drop := false
		for _, n := range names {
			drop = drop || d.Source == n
		}
		if !drop {
			kept = append(kept, d)
		}
	}
	f.docs = kept
	return nil
}

func (f *fakeDocs) HasData(ctx context.Context, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs) > 0, nil
}

type fixture struct {
	srv  *Server
	reg  *sessionstore.Registry
	docs *fakeDocs
}

func newFixture(t *testing.T, cfg config.Config, chat tutor.Chatter) *fixture {
	t.Helper()
	reg := sessionstore.NewRegistry(kv.NewMemory())
	docs := &fakeDocs{}
	srv := New(cfg, Services{
		Sessions: reg,
		Docs:     docs,
		Tutor:    tutor.Config{Transcriber: fakeSTT{}, Chatter: chat},
	})
	return &fixture{srv: srv, reg: reg, docs: docs}
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, body)
	r.Header.Set(userEmailHeader, "Ada@Example.com")
	r.Header.Set(userNameHeader, "Ada Lovelace")
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	f.srv.Router.ServeHTTP(w, r)
	return w
}

func (f *fixture) doJSON(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, method, path, strings.NewReader(body), "application/json")
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestServer_Healthz(t *testing.T) {
	srv := New(config.Config{}, Services{})
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRtcAuthOK(t *testing.T) {
	// Missing expected -> accept
	if !rtcAuthOK(nil, "") {
		t.Fatalf("expected true when expected empty")
	}
	r := httptest.NewRequest(http.MethodGet, "/?password=secret", nil)
	if !rtcAuthOK(r, "secret") {
		t.Fatalf("expected true with query password")
	}
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "tok")
	if !rtcAuthOK(r2, "tok") {
		t.Fatalf("expected true with X-Auth-Token")
	}
	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "Bearer abc")
	if !rtcAuthOK(r3, "abc") {
		t.Fatalf("expected true with Authorization bearer")
	}
}

func TestRtcAuthOK_BearerCaseInsensitivePrefix(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "bearer abc")
	if !rtcAuthOK(r, "abc") {
		t.Fatalf("expected true with lowercase bearer prefix")
	}
}

func TestRtcAuthOK_NegativeCases(t *testing.T) {
	r1 := httptest.NewRequest(http.MethodGet, "/?password=wrong", nil)
	if rtcAuthOK(r1, "secret") {
		t.Fatalf("expected false with wrong query token")
	}
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "nope")
	if rtcAuthOK(r2, "secret") {
		t.Fatalf("expected false with wrong X-Auth-Token")
	}
	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "Bearer nope")
	if rtcAuthOK(r3, "secret") {
		t.Fatalf("expected false with wrong bearer token")
	}
}

func TestCall_MethodNotAllowed(t *testing.T) {
	srv := New(config.Config{}, Services{})
	r := httptest.NewRequest(http.MethodGet, "/api/call", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestCall_BadJSON(t *testing.T) {
	srv := New(config.Config{}, Services{})
	r := httptest.NewRequest(http.MethodPost, "/api/call", strings.NewReader("not-json"))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCall_Unauthorized(t *testing.T) {
	srv := New(config.Config{AuthPassword: "secret"}, Services{})
	r := httptest.NewRequest(http.MethodPost, "/api/call", strings.NewReader("{}"))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	r2 := httptest.NewRequest(http.MethodPost, "/api/call?password=wrong", strings.NewReader("{}"))
	r2.Header.Set("Content-Type", "application/json")
	w2 := httptest.NewRecorder()
	srv.Router.ServeHTTP(w2, r2)
	if w2.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w2.Code)
	}
}

func TestSessions_RequireEmail(t *testing.T) {
	srv := New(config.Config{}, Services{})
	r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSessions_CRUD(t *testing.T) {
	f := newFixture(t, config.Config{}, fakeChat{})

	w := f.doJSON(t, http.MethodPost, "/api/sessions", `{"name":"Biology"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decode[sessionstore.Session](t, w)
	if created.ID == "" || created.Name != "Biology" {
		t.Fatalf("unexpected session %+v", created)
	}

	w = f.doJSON(t, http.MethodPost, "/api/sessions", `{}`)
	if got := decode[sessionstore.Session](t, w); got.Name != "New Session" {
		t.Fatalf("expected default name, got %q", got.Name)
	}

	w = f.do(t, http.MethodGet, "/api/sessions", nil, "")
	if list := decode[[]sessionstore.Session](t, w); len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}

	w = f.doJSON(t, http.MethodPatch, "/api/sessions/"+created.ID, `{"name":"Botany","selectedDocs":["leaf.pdf"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d", w.Code)
	}
	patched := decode[sessionstore.Session](t, w)
	if patched.Name != "Botany" || len(patched.SelectedDocs) != 1 || patched.CreatedAt != created.CreatedAt {
		t.Fatalf("unexpected patched session %+v", patched)
	}

	w = f.do(t, http.MethodGet, "/api/sessions/"+created.ID, nil, "")
	if got := decode[sessionstore.Session](t, w); got.Name != "Botany" {
		t.Fatalf("expected renamed session, got %+v", got)
	}

	w = f.do(t, http.MethodDelete, "/api/sessions/"+created.ID, nil, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", w.Code)
	}
	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		w = f.do(t, method, "/api/sessions/"+created.ID, nil, "")
		if w.Code != http.StatusNotFound {
			t.Fatalf("%s after delete: expected 404, got %d", method, w.Code)
		}
	}
	w = f.doJSON(t, http.MethodPatch, "/api/sessions/missing", `{"name":"x"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("patch missing: expected 404, got %d", w.Code)
	}

	// The store is keyed by the lowercased email.
	store, _ := f.reg.For("ada@example.com")
	if n := len(store.Sessions()); n != 1 {
		t.Fatalf("expected one stored session, got %d", n)
	}
}

func TestChat_RunsTurn(t *testing.T) {
	f := newFixture(t, config.Config{}, fakeChat{})
	sess := decode[sessionstore.Session](t, f.doJSON(t, http.MethodPost, "/api/sessions", `{}`))

	w := f.doJSON(t, http.MethodPost, "/api/sessions/"+sess.ID+"/chat", `{"text":"  hello  "}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[chatResponse](t, w)
	if resp.User != "hello" || resp.Reply != "You said hello" || resp.Emotion != tutor.Smiling {
		t.Fatalf("unexpected reply %+v", resp)
	}
	store, _ := f.reg.For("ada@example.com")
	got, _ := store.Get(sess.ID)
	if len(got.Messages) != 2 || got.Messages[1].Role != sessionstore.RoleAssistant {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
}

func TestChat_ErrorStatuses(t *testing.T) {
	f := newFixture(t, config.Config{}, fakeChat{})
	sess := decode[sessionstore.Session](t, f.doJSON(t, http.MethodPost, "/api/sessions", `{}`))

	if w := f.doJSON(t, http.MethodPost, "/api/sessions/"+sess.ID+"/chat", `{"text":"   "}`); w.Code != http.StatusBadRequest {
		t.Fatalf("blank text: expected 400, got %d", w.Code)
	}
	if w := f.doJSON(t, http.MethodPost, "/api/sessions/nope/chat", `{"text":"hi"}`); w.Code != http.StatusNotFound {
		t.Fatalf("missing session: expected 404, got %d", w.Code)
	}

	failing := newFixture(t, config.Config{}, fakeChat{err: errors.New("boom")})
	sess = decode[sessionstore.Session](t, failing.doJSON(t, http.MethodPost, "/api/sessions", `{}`))
	if w := failing.doJSON(t, http.MethodPost, "/api/sessions/"+sess.ID+"/chat", `{"text":"hi"}`); w.Code != http.StatusBadGateway {
		t.Fatalf("chat failure: expected 502, got %d", w.Code)
	}
}

func TestChat_OverlappingTurnsOnOneSession(t *testing.T) {
	chat := &gatedChat{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, config.Config{}, chat)
	sess := decode[sessionstore.Session](t, f.doJSON(t, http.MethodPost, "/api/sessions", `{}`))
	path := "/api/sessions/" + sess.ID + "/chat"

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() { first <- f.doJSON(t, http.MethodPost, path, `{"text":"one"}`) }()
	select {
	case <-chat.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first turn never reached the chat backend")
	}

	if w := f.doJSON(t, http.MethodPost, path, `{"text":"two"}`); w.Code != http.StatusConflict {
		t.Fatalf("overlapping turn: expected 409, got %d: %s", w.Code, w.Body.String())
	}
	close(chat.release)
	if w := <-first; w.Code != http.StatusOK {
		t.Fatalf("first turn: expected 200, got %d", w.Code)
	}

	store, _ := f.reg.For("ada@example.com")
	got, _ := store.Get(sess.ID)
	want := []sessionstore.Message{
		{Role: sessionstore.RoleUser, Text: "one"},
		{Role: sessionstore.RoleAssistant, Text: "re one"},
	}
	if len(got.Messages) != len(want) {
		t.Fatalf("unexpected transcript %+v", got.Messages)
	}
	for i := range want {
		if got.Messages[i] != want[i] {
			t.Fatalf("unexpected transcript %+v", got.Messages)
		}
	}

	if w := f.doJSON(t, http.MethodPost, path, `{"text":"two"}`); w.Code != http.StatusOK {
		t.Fatalf("turn after the first finished: expected 200, got %d", w.Code)
	}
}

func TestDocs_ListReconcilesSelections(t *testing.T) {
	f := newFixture(t, config.Config{}, fakeChat{})
	f.docs.docs = []tutorapi.Document{{Source: "leaf.pdf"}}
	sess := decode[sessionstore.Session](t, f.doJSON(t, http.MethodPost, "/api/sessions", `{"selectedDocs":["leaf.pdf","gone.pdf"]}`))
	untouched := decode[sessionstore.Session](t, f.doJSON(t, http.MethodPost, "/api/sessions", `{"selectedDocs":["leaf.pdf"]}`))

	w := f.do(t, http.MethodGet, "/api/docs", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[docsResponse](t, w)
	if len(resp.Docs) != 1 || resp.Reconciled != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	store, _ := f.reg.For("ada@example.com")
	got, _ := store.Get(sess.ID)
	if len(got.SelectedDocs) != 1 || got.SelectedDocs[0] != "leaf.pdf" {
		t.Fatalf("expected stale selection dropped, got %v", got.SelectedDocs)
	}
	got, _ = store.Get(untouched.ID)
	if len(got.SelectedDocs) != 1 {
		t.Fatalf("expected untouched selection, got %v", got.SelectedDocs)
	}
}

func TestDocs_UploadPassesFilesThrough(t *testing.T) {
	f := newFixture(t, config.Config{}, fakeChat{})
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("files", "notes.txt")
	_, _ = fw.Write([]byte("cells divide"))
	_ = mw.Close()

	w := f.do(t, http.MethodPost, "/api/docs", &body, mw.FormDataContentType())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode[map[string]int](t, w); got["upserted_chunks"] != 3 {
		t.Fatalf("unexpected response %v", got)
	}
	if len(f.docs.uploaded) != 1 || f.docs.uploaded[0] != "notes.txt:cells divide" {
		t.Fatalf("unexpected uploads %v", f.docs.uploaded)
	}

	w = f.do(t, http.MethodGet, "/api/user/has-data", nil, "")
	if got := decode[map[string]bool](t, w); !got["has_data"] {
		t.Fatalf("expected has_data after upload")
	}
}

func TestDocs_DeleteAllClearsSelections(t *testing.T) {
	f := newFixture(t, config.Config{}, fakeChat{})
	f.docs.docs = []tutorapi.Document{{Source: "a.pdf"}, {Source: "b.pdf"}}
	sess := decode[sessionstore.Session](t, f.doJSON(t, http.MethodPost, "/api/sessions", `{"selectedDocs":["a.pdf","b.pdf"]}`))

	w := f.do(t, http.MethodDelete, "/api/docs?name=a.pdf", nil, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	store, _ := f.reg.For("ada@example.com")
	got, _ := store.Get(sess.ID)
	if len(got.SelectedDocs) != 1 || got.SelectedDocs[0] != "b.pdf" {
		t.Fatalf("expected only b.pdf selected, got %v", got.SelectedDocs)
	}

	f.do(t, http.MethodDelete, "/api/docs", nil, "")
	got, _ = store.Get(sess.ID)
	if len(got.SelectedDocs) != 0 {
		t.Fatalf("expected no selections, got %v", got.SelectedDocs)
	}
	if last := f.docs.deleted[len(f.docs.deleted)-1]; len(last) != 0 {
		t.Fatalf("expected delete-all, got %v", last)
	}
}

func TestDocs_NotConfigured(t *testing.T) {
	srv := New(config.Config{}, Services{})
	r := httptest.NewRequest(http.MethodGet, "/api/docs?email=a@example.com", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}
