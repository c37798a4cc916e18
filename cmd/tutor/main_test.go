package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abishek-ctrl/tutor-ed/internal/capture"
	"github.com/abishek-ctrl/tutor-ed/internal/config"
	"github.com/abishek-ctrl/tutor-ed/internal/kv"
	"github.com/abishek-ctrl/tutor-ed/internal/llm"
	"github.com/abishek-ctrl/tutor-ed/internal/sessionstore"
	"github.com/abishek-ctrl/tutor-ed/internal/transcript"
	"github.com/abishek-ctrl/tutor-ed/internal/tts"
	"github.com/abishek-ctrl/tutor-ed/internal/tutor"
	"github.com/abishek-ctrl/tutor-ed/internal/tutorapi"
)

func run(t *testing.T, dbFile string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--db", dbFile}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestTutorConfig_Defaults(t *testing.T) {
	api := tutorapi.NewClient("http://localhost:8000", "")
	tc, err := tutorConfig(config.Config{}, api)
	require.NoError(t, err)
	assert.Same(t, api, tc.Transcriber)
	assert.Same(t, api, tc.Chatter)
	assert.Same(t, api, tc.Synthesizer)
	assert.Nil(t, tc.Archiver)
}

func TestTutorConfig_AlternativeBackends(t *testing.T) {
	api := tutorapi.NewClient("http://localhost:8000", "")
	tc, err := tutorConfig(config.Config{
		Transcriber:   "assemblyai",
		AssemblyAIKey: "aai",
		ChatBackend:   "cerebras",
		CerebrasKey:   "cb",
		SynthBackend:  "deepgram",
		DeepgramKey:   "dg",
	}, api)
	require.NoError(t, err)
	assert.IsType(t, &transcript.AssemblyAI{}, tc.Transcriber)
	assert.IsType(t, &llm.CerebrasClient{}, tc.Chatter)
	assert.IsType(t, &tts.DeepgramClient{}, tc.Synthesizer)

	tc, err = tutorConfig(config.Config{SynthBackend: "elevenlabs", ElevenLabsKey: "el"}, api)
	require.NoError(t, err)
	assert.IsType(t, &tts.ElevenLabsClient{}, tc.Synthesizer)

	tc, err = tutorConfig(config.Config{SynthBackend: "none"}, api)
	require.NoError(t, err)
	assert.Nil(t, tc.Synthesizer)
}

func TestTutorConfig_Errors(t *testing.T) {
	api := tutorapi.NewClient("http://localhost:8000", "")
	for _, cfg := range []config.Config{
		{Transcriber: "assemblyai"},
		{ChatBackend: "cerebras"},
		{SynthBackend: "deepgram"},
		{SynthBackend: "elevenlabs"},
		{Transcriber: "whisper"},
		{ChatBackend: "gpt"},
		{SynthBackend: "espeak"},
	} {
		_, err := tutorConfig(cfg, api)
		assert.Error(t, err, "%+v", cfg)
	}
}

func TestCaptureConfig(t *testing.T) {
	cc := captureConfig(config.Config{})
	assert.Equal(t, capture.DefaultConfig(), cc)

	cc = captureConfig(config.Config{VADThreshold: 0.01, VADSilence: 3 * time.Second})
	assert.Equal(t, 0.01, cc.SilenceThreshold)
	assert.Equal(t, 3*time.Second, cc.SilenceWindow)
}

func TestCommands_LoginSessionsMute(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "tutor.db")

	_, err := run(t, dbFile, "sessions", "list")
	require.ErrorIs(t, err, errNotLoggedIn)

	out, err := run(t, dbFile, "login", "--name", "Ada Lovelace", "--email", "Ada@Example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "ada@example.com")

	out, err = run(t, dbFile, "sessions", "new", "Biology", "--docs", "leaf.pdf")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	out, err = run(t, dbFile, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "Biology")

	out, err = run(t, dbFile, "sessions", "show", id)
	require.NoError(t, err)
	assert.Contains(t, out, "docs: leaf.pdf")

	out, err = run(t, dbFile, "mute", "on")
	require.NoError(t, err)
	assert.Contains(t, out, "Mute is on")
	out, err = run(t, dbFile, "mute")
	require.NoError(t, err)
	assert.Contains(t, out, "Mute is on")

	_, err = run(t, dbFile, "sessions", "delete", id)
	require.NoError(t, err)
	_, err = run(t, dbFile, "sessions", "show", id)
	assert.Error(t, err)

	_, err = run(t, dbFile, "logout")
	require.NoError(t, err)
	_, err = run(t, dbFile, "sessions", "list")
	assert.ErrorIs(t, err, errNotLoggedIn)
}

func TestPickSession(t *testing.T) {
	store, err := sessionstore.Load(kv.NewMemory(), "ada@example.com")
	require.NoError(t, err)

	id, err := pickSession(store, "")
	require.NoError(t, err)
	assert.Len(t, store.Sessions(), 1)

	again, err := pickSession(store, "")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	_, err = pickSession(store, "missing")
	assert.Error(t, err)
}

type scriptedCapture struct {
	segs []capture.Segment
}

func (s *scriptedCapture) Capture(ctx context.Context) (capture.Segment, error) {
	if len(s.segs) == 0 {
		return capture.Segment{}, capture.ErrDeviceUnavailable
	}
	seg := s.segs[0]
	s.segs = s.segs[1:]
	return seg, nil
}

type recordingHandler struct {
	calls int
	err   error
}

func (h *recordingHandler) HandleSegment(ctx context.Context, sessionID string, seg capture.Segment) (tutor.Turn, error) {
	h.calls++
	return tutor.Turn{}, h.err
}

func TestListenLoop(t *testing.T) {
	engine := &scriptedCapture{segs: []capture.Segment{{Chunks: 2}, {}, {Chunks: 1}}}
	h := &recordingHandler{err: tutor.ErrNoSpeech}
	require.NoError(t, listenLoop(context.Background(), engine, h, "s1"))
	assert.Equal(t, 2, h.calls, "empty segments are skipped and no-speech keeps listening")

	engine = &scriptedCapture{segs: []capture.Segment{{Chunks: 1}, {Chunks: 1}}}
	h = &recordingHandler{err: errors.New("save message: disk full")}
	assert.Error(t, listenLoop(context.Background(), engine, h, "s1"))
	assert.Equal(t, 1, h.calls)
}

func TestFilePlayer(t *testing.T) {
	dir := t.TempDir()
	p := &filePlayer{dir: dir}
	require.NoError(t, p.Play(context.Background(), []byte("RIFF")))
	require.NoError(t, p.Play(context.Background(), []byte("RIFF")))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, p.Play(ctx, []byte("RIFF")))
}
