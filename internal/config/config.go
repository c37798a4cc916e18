package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const defaultICEServersJSON = `[{"urls":["stun:stun.l.google.com:19302"]}]`

// Config holds application configuration.
type Config struct {
	HTTPAddress  string
	AuthPassword string

	TutorAPIBase string
	TutorVoice   string
	DBPath       string

	// Backend selection: "tutor" uses the RAG service for everything.
	Transcriber  string
	ChatBackend  string
	SynthBackend string

	AssemblyAIKey     string
	CerebrasKey       string
	CerebrasModelID   string
	DeepgramKey       string
	DeepgramModel     string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	ICEServersJSON string

	TwilioAccountSID string
	TwilioAuthToken  string
	BaseURL          string

	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string

	VADThreshold float64
	VADSilence   time.Duration
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	err := godotenv.Load()
	if err != nil {
		log.Println("Error loading .env file")
	}

	cfg := Config{
		HTTPAddress:       getenv("HTTP_ADDRESS", ":8080"),
		AuthPassword:      os.Getenv("AUTH_PASSWORD"),
		TutorAPIBase:      getenv("TUTOR_API_BASE", "http://localhost:8000"),
		TutorVoice:        os.Getenv("TUTOR_VOICE"),
		DBPath:            getenv("TUTOR_DB_PATH", "tutor.db"),
		Transcriber:       getenv("TRANSCRIBER", "tutor"),
		ChatBackend:       getenv("CHAT_BACKEND", "tutor"),
		SynthBackend:      getenv("SYNTH_BACKEND", "tutor"),
		AssemblyAIKey:     os.Getenv("ASSEMBLYAI_API_KEY"),
		CerebrasKey:       os.Getenv("CEREBRAS_API_KEY"),
		CerebrasModelID:   getenv("CEREBRAS_MODEL_ID", "gpt-oss-120b"),
		DeepgramKey:       os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:     getenv("DEEPGRAM_MODEL", "aura-2-thalia-en"),
		ElevenLabsKey:     os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),
		ICEServersJSON:    getenv("ICE_SERVERS_JSON", defaultICEServersJSON),
		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		BaseURL:           os.Getenv("BASE_URL"),
		SupabaseURL:       os.Getenv("SUPABASE_URL"),
		SupabaseKey:       os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:    getenv("SUPABASE_BUCKET", "tutor-utterances"),
		VADThreshold:      getfloat("VAD_THRESHOLD", 0.0015),
		VADSilence:        time.Duration(getfloat("VAD_SILENCE_MS", 2000)) * time.Millisecond,
	}

	if cfg.Transcriber == "assemblyai" && cfg.AssemblyAIKey == "" {
		log.Println("Warning: ASSEMBLYAI_API_KEY not set - transcription will not work")
	}
	if cfg.ChatBackend == "cerebras" && cfg.CerebrasKey == "" {
		log.Println("Warning: CEREBRAS_API_KEY not set - LLM will not work")
	}
	switch cfg.SynthBackend {
	case "deepgram":
		if cfg.DeepgramKey == "" {
			log.Println("Warning: DEEPGRAM_API_KEY not set - TTS will not work")
		}
	case "elevenlabs":
		if cfg.ElevenLabsKey == "" {
			log.Println("Warning: ELEVENLABS_API_KEY not set - TTS will not work")
		}
		if cfg.ElevenLabsVoiceID == "" {
			log.Println("Warning: ELEVENLABS_VOICE_ID not set - set a concrete voice ID from your ElevenLabs dashboard")
		}
	}
	if cfg.TwilioAuthToken == "" {
		log.Println("Warning: TWILIO_AUTH_TOKEN not set - phone webhooks will be rejected")
	}
	if cfg.SupabaseURL == "" || cfg.SupabaseKey == "" {
		log.Println("Warning: SUPABASE_URL or SUPABASE_SERVICE_ROLE_KEY not set - utterances will not be archived")
	}

	log.Printf("config: HTTP_ADDRESS=%s TUTOR_API_BASE=%s backends=%s/%s/%s", cfg.HTTPAddress, cfg.TutorAPIBase, cfg.Transcriber, cfg.ChatBackend, cfg.SynthBackend)
	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getfloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		log.Printf("Warning: invalid %s=%q, using %v", key, v, def)
		return def
	}
	return f
}
