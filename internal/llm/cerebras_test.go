package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abishek-ctrl/tutor-ed/internal/sessionstore"
	"github.com/abishek-ctrl/tutor-ed/internal/tutorapi"
)

func TestCerebras_NoKey(t *testing.T) {
	c := NewCerebrasClient("", "model")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Chat(ctx, tutorapi.ChatRequest{Message: "hi"}); err == nil {
		t.Fatalf("expected error with missing key")
	}
}

func TestCerebras_HTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("not-json")) }},
		{"empty_choices", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(200)
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			c := testClient(srv)
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if _, err := c.Generate(ctx, "hi"); err == nil {
				t.Fatalf("expected error; got nil")
			}
		})
	}
}

func TestCerebras_Non2xxIsServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(429) }))
	defer srv.Close()
	_, err := testClient(srv).Chat(context.Background(), tutorapi.ChatRequest{Message: "hi"})
	var se *tutorapi.ServiceError
	if !errors.As(err, &se) || se.Status != 429 || se.Service != "cerebras" {
		t.Fatalf("expected cerebras ServiceError, got %v", err)
	}
}

func TestCerebras_ChatAnswersThenClassifies(t *testing.T) {
	var calls atomic.Int32
	var firstPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionsRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if calls.Add(1) == 1 {
			firstPrompt = req.Messages[len(req.Messages)-1].Content
			_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" Entropy measures disorder. "}}]}`))
			return
		}
		if req.MaxTokens != 8 {
			t.Errorf("classifier max_tokens = %d", req.MaxTokens)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Explaining."}}]}`))
	}))
	defer srv.Close()

	reply, err := testClient(srv).Chat(context.Background(), tutorapi.ChatRequest{
		Message:     "and entropy?",
		SessionID:   "s1",
		ShortAnswer: true,
		History: []sessionstore.Message{
			{Role: sessionstore.RoleUser, Text: "what is heat"},
			{Role: sessionstore.RoleAssistant, Text: "Energy in transit."},
		},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply.Text != "Entropy measures disorder." || reply.Emotion != "explaining" || reply.SessionID != "s1" {
		t.Fatalf("reply = %+v", reply)
	}
	if !strings.Contains(firstPrompt, "[USER] what is heat\n[ASSISTANT] Energy in transit.\n[USER] and entropy?") {
		t.Fatalf("history missing from prompt: %q", firstPrompt)
	}
	if !strings.HasPrefix(firstPrompt, conciseInstruction) {
		t.Fatalf("short answer instruction missing")
	}
}

func TestCerebras_UnknownEmotionFallsBackToNeutral(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Sure."}}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ecstatic"}}]}`))
	}))
	defer srv.Close()

	reply, err := testClient(srv).Chat(context.Background(), tutorapi.ChatRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply.Emotion != "neutral" {
		t.Fatalf("emotion = %q", reply.Emotion)
	}
}

func TestBuildConversationPrompt_EndsWithUser(t *testing.T) {
	got := buildConversationPrompt(nil, "hello")
	if got != "[USER] hello" {
		t.Fatalf("got %q", got)
	}
}

func testClient(srv *httptest.Server) *CerebrasClient {
	c := NewCerebrasClient("key", "model")
	c.HTTPClient = &http.Client{Timeout: 1 * time.Second, Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		req.URL.Scheme = "http"
		req.URL.Host = srv.Listener.Addr().String()
		return http.DefaultTransport.RoundTrip(req)
	})}
	return c
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
