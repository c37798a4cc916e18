package main

import (
	"fmt"
	"log"

	"github.com/abishek-ctrl/tutor-ed/internal/archive"
	"github.com/abishek-ctrl/tutor-ed/internal/capture"
	"github.com/abishek-ctrl/tutor-ed/internal/config"
	"github.com/abishek-ctrl/tutor-ed/internal/llm"
	"github.com/abishek-ctrl/tutor-ed/internal/transcript"
	"github.com/abishek-ctrl/tutor-ed/internal/tts"
	"github.com/abishek-ctrl/tutor-ed/internal/tutor"
	"github.com/abishek-ctrl/tutor-ed/internal/tutorapi"
)

// tutorConfig picks the transcriber, chat and speech backends named in
// cfg. Anything left at "tutor" goes to the RAG service.
func tutorConfig(cfg config.Config, api *tutorapi.Client) (tutor.Config, error) {
	var tc tutor.Config

	switch cfg.Transcriber {
	case "", "tutor":
		tc.Transcriber = api
	case "assemblyai":
		if cfg.AssemblyAIKey == "" {
			return tc, fmt.Errorf("TRANSCRIBER=assemblyai needs ASSEMBLYAI_API_KEY")
		}
		tc.Transcriber = transcript.NewAssemblyAI(cfg.AssemblyAIKey)
	default:
		return tc, fmt.Errorf("unknown TRANSCRIBER %q", cfg.Transcriber)
	}

	switch cfg.ChatBackend {
	case "", "tutor":
		tc.Chatter = api
	case "cerebras":
		if cfg.CerebrasKey == "" {
			return tc, fmt.Errorf("CHAT_BACKEND=cerebras needs CEREBRAS_API_KEY")
		}
		tc.Chatter = llm.NewCerebrasClient(cfg.CerebrasKey, cfg.CerebrasModelID)
	default:
		return tc, fmt.Errorf("unknown CHAT_BACKEND %q", cfg.ChatBackend)
	}

	switch cfg.SynthBackend {
	case "", "tutor":
		tc.Synthesizer = api
	case "deepgram":
		if cfg.DeepgramKey == "" {
			return tc, fmt.Errorf("SYNTH_BACKEND=deepgram needs DEEPGRAM_API_KEY")
		}
		tc.Synthesizer = tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramModel)
	case "elevenlabs":
		if cfg.ElevenLabsKey == "" {
			return tc, fmt.Errorf("SYNTH_BACKEND=elevenlabs needs ELEVENLABS_API_KEY")
		}
		tc.Synthesizer = tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
	case "none":
	default:
		return tc, fmt.Errorf("unknown SYNTH_BACKEND %q", cfg.SynthBackend)
	}

	if cfg.SupabaseURL != "" && cfg.SupabaseKey != "" {
		up, err := archive.NewSupabase(archive.Config{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseKey,
			Bucket:         cfg.SupabaseBucket,
		})
		if err != nil {
			log.Printf("archive disabled: %v", err)
		} else {
			tc.Archiver = archive.New(up)
		}
	}
	return tc, nil
}

func captureConfig(cfg config.Config) capture.Config {
	cc := capture.DefaultConfig()
	if cfg.VADThreshold > 0 {
		cc.SilenceThreshold = cfg.VADThreshold
	}
	if cfg.VADSilence > 0 {
		cc.SilenceWindow = cfg.VADSilence
	}
	return cc
}
