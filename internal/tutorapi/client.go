// Package tutorapi talks to the tutor's RAG backend: speech-to-text,
// retrieval-augmented chat, text-to-speech and the per-user document store.
package tutorapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/abishek-ctrl/tutor-ed/internal/audio"
	"github.com/abishek-ctrl/tutor-ed/internal/capture"
	"github.com/abishek-ctrl/tutor-ed/internal/sessionstore"
)

// ServiceError is a non-2xx reply from the backend.
type ServiceError struct {
	Service string
	Status  int
	Body    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s error: status=%d body=%s", e.Service, e.Status, e.Body)
}

type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	Voice      string
}

func NewClient(baseURL, voice string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Voice:      voice,
	}
}

type ChatRequest struct {
	Message      string   `json:"message"`
	SessionID    string   `json:"session_id,omitempty"`
	Name         string   `json:"name,omitempty"`
	Email        string   `json:"email,omitempty"`
	ShortAnswer  bool     `json:"short_answer"`
	SelectedDocs []string `json:"selected_docs,omitempty"`

	// History is the session transcript before Message. The backend keeps
	// its own memory per session id, so it is not sent; local chat
	// backends build their prompt from it.
	History []sessionstore.Message `json:"-"`
}

type Citation struct {
	ID     string `json:"id"`
	Source string `json:"source"`
}

type ChatReply struct {
	SessionID string     `json:"session_id,omitempty"`
	Text      string     `json:"text"`
	Emotion   string     `json:"emotion"`
	Citations []Citation `json:"citations,omitempty"`
}

type Document struct {
	Source  string `json:"source"`
	Snippet string `json:"snippet,omitempty"`
}

// File is one document to upload.
type File struct {
	Name string
	Data io.Reader
}

// Transcribe uploads seg as a WAV file and returns the plain-text transcript.
func (c *Client) Transcribe(ctx context.Context, seg capture.Segment, email string) (string, error) {
	wav, err := audio.SegmentWAV(seg)
	if err != nil {
		return "", err
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(wav); err != nil {
		return "", err
	}
	if email != "" {
		_ = mw.WriteField("email", email)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	b, err := c.do(ctx, "stt", http.MethodPost, "/stt", nil, mw.FormDataContentType(), &body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (c *Client) Chat(ctx context.Context, in ChatRequest) (ChatReply, error) {
	reqBody, _ := json.Marshal(in)
	b, err := c.do(ctx, "chat", http.MethodPost, "/chat", nil, "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return ChatReply{}, err
	}
	var out ChatReply
	if err := json.Unmarshal(b, &out); err != nil {
		return ChatReply{}, fmt.Errorf("chat: decode reply: %w", err)
	}
	out.Text = strings.TrimSpace(out.Text)
	return out, nil
}

type ttsRequest struct {
	Text   string `json:"text"`
	Voice  string `json:"voice,omitempty"`
	Format string `json:"format"`
}

// Synthesize returns WAV audio for text.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	reqBody, _ := json.Marshal(ttsRequest{Text: text, Voice: c.Voice, Format: "wav"})
	return c.do(ctx, "tts", http.MethodPost, "/tts", nil, "application/json", bytes.NewReader(reqBody))
}

func (c *Client) ListDocuments(ctx context.Context, email string) ([]Document, error) {
	q := url.Values{"email": {email}}
	b, err := c.do(ctx, "docs", http.MethodGet, "/docs/list", q, "", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Docs []Document `json:"docs"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("docs: decode list: %w", err)
	}
	return out.Docs, nil
}

// UploadDocuments returns the number of chunks the backend indexed.
func (c *Client) UploadDocuments(ctx context.Context, email string, files []File) (int, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("email", email)
	for _, f := range files {
		fw, err := mw.CreateFormFile("files", f.Name)
		if err != nil {
			return 0, err
		}
		if _, err := io.Copy(fw, f.Data); err != nil {
			return 0, fmt.Errorf("docs: read %s: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return 0, err
	}
	b, err := c.do(ctx, "docs", http.MethodPost, "/docs/upload", nil, mw.FormDataContentType(), &body)
	if err != nil {
		return 0, err
	}
	var out struct {
		Upserted int `json:"upserted_chunks"`
	}
	_ = json.Unmarshal(b, &out)
	return out.Upserted, nil
}

// DeleteDocuments removes the named documents, or all of the user's
// documents when names is empty.
func (c *Client) DeleteDocuments(ctx context.Context, email string, names ...string) error {
	q := url.Values{"email": {email}}
	for _, n := range names {
		q.Add("file_names", n)
	}
	_, err := c.do(ctx, "docs", http.MethodDelete, "/docs/delete", q, "", nil)
	return err
}

func (c *Client) HasData(ctx context.Context, email string) (bool, error) {
	b, err := c.do(ctx, "user", http.MethodGet, "/user/has-data", url.Values{"email": {email}}, "", nil)
	if err != nil {
		return false, err
	}
	var out struct {
		HasData bool `json:"has_data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return false, fmt.Errorf("user: decode has-data: %w", err)
	}
	return out.HasData, nil
}

func (c *Client) do(ctx context.Context, service, method, path string, q url.Values, contentType string, body io.Reader) ([]byte, error) {
	endpoint := c.BaseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", service, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", service, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ServiceError{Service: service, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return b, nil
}
