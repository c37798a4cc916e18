package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/abishek-ctrl/tutor-ed/internal/sessionstore"
	"github.com/abishek-ctrl/tutor-ed/internal/tutorapi"
)

const defaultEndpoint = "https://api.cerebras.ai/v1/chat/completions"

const tutorSystemPrompt = "You are Momo, a friendly and encouraging AI tutor for undergraduate STEM topics. " +
	"Explain concepts clearly and keep a supportive tone. Do not include citation markers."

const conciseInstruction = "Answer concisely in 1-3 short sentences. Be direct and to the point."

// Emotions are the labels the classifier may answer with.
var Emotions = []string{"happy", "thinking", "explaining", "clarifying", "neutral", "encouraging"}

const emotionPrompt = `You are a concise classifier. Given the assistant's answer below, return exactly one word (only the word) that best describes the emotional state or intent of the assistant. Choose one of: %s.

Answer:
-----
%s
-----
Respond with exactly one word from the list. No punctuation.`

type CerebrasClient struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
	Endpoint   string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      chatMessage `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

func NewCerebrasClient(apiKey, model string) *CerebrasClient {
	return &CerebrasClient{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		APIKey:     apiKey,
		Model:      model,
		Endpoint:   defaultEndpoint,
	}
}

// Chat answers in.Message with the session history as context and labels
// the answer with an emotion. A failed classification falls back to
// "neutral" instead of failing the turn.
func (c *CerebrasClient) Chat(ctx context.Context, in tutorapi.ChatRequest) (tutorapi.ChatReply, error) {
	user := buildConversationPrompt(in.History, in.Message)
	if in.ShortAnswer {
		user = conciseInstruction + "\n\n" + user
	}
	if len(in.SelectedDocs) > 0 {
		user = "The student is studying: " + strings.Join(in.SelectedDocs, ", ") + ".\n\n" + user
	}
	system := tutorSystemPrompt
	if name := strings.TrimSpace(in.Name); name != "" {
		system += " The student's name is " + name + "."
	}

	answer, err := c.complete(ctx, []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, 0)
	if err != nil {
		return tutorapi.ChatReply{}, err
	}
	emotion, err := c.ClassifyEmotion(ctx, answer)
	if err != nil {
		log.Printf("cerebras: emotion classification failed, defaulting to neutral: %v", err)
		emotion = "neutral"
	}
	return tutorapi.ChatReply{SessionID: in.SessionID, Text: answer, Emotion: emotion}, nil
}

// ClassifyEmotion returns one of Emotions for answer; unexpected labels
// become "neutral".
func (c *CerebrasClient) ClassifyEmotion(ctx context.Context, answer string) (string, error) {
	label, err := c.complete(ctx, []chatMessage{
		{Role: "system", Content: "You are an accurate classifier that outputs exactly one label."},
		{Role: "user", Content: fmt.Sprintf(emotionPrompt, strings.Join(Emotions, ", "), answer)},
	}, 8)
	if err != nil {
		return "", err
	}
	label = strings.ToLower(strings.Trim(label, " .!\n\t\"'"))
	for _, e := range Emotions {
		if label == e {
			return e, nil
		}
	}
	log.Printf("cerebras: unexpected emotion label %q", label)
	return "neutral", nil
}

// Generate answers a single prompt without history.
func (c *CerebrasClient) Generate(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, []chatMessage{
		{Role: "system", Content: tutorSystemPrompt},
		{Role: "user", Content: prompt},
	}, 0)
}

func (c *CerebrasClient) complete(ctx context.Context, messages []chatMessage, maxTokens int) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("cerebras api key missing")
	}
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	zero := 0.0
	reqBody, _ := json.Marshal(chatCompletionsRequest{Model: c.Model, Messages: messages, Temperature: &zero, MaxTokens: maxTokens})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", &tutorapi.ServiceError{Service: "cerebras", Status: resp.StatusCode, Body: string(b)}
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", err
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("cerebras: empty choices")
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}

// buildConversationPrompt formats previous turns plus the latest user text
// with [USER]/[ASSISTANT] labels; the last line is always [USER].
func buildConversationPrompt(history []sessionstore.Message, latest string) string {
	var b strings.Builder
	for _, m := range history {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(string(m.Role)))
		b.WriteString("] ")
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	b.WriteString("[USER] ")
	b.WriteString(latest)
	return b.String()
}
