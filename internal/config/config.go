package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/voice-assistant-lab/internal/logging"
)

// Config holds every tunable of the voice pipeline. All values come from the
// environment with sensible defaults; Load reads an optional .env file first.
type Config struct {
	// Segmentation
	NoiseFloorRMS     int           // frame RMS at or above this counts as voiced
	SegmentCheckEvery time.Duration // periodic utterance-cut check interval
	SilenceAfter      time.Duration // silence needed after voice before a cut
	MaxUtterance      time.Duration // force a cut past this much buffered audio
	MaxSilentBuffer   time.Duration // drop never-voiced buffers past this size
	HandoffCeiling    time.Duration // force-clear a stuck hand-off after this

	// Gating
	WakeWords          []string
	TerminationPhrases []string
	ConversationWindow time.Duration

	// Pipeline timeouts
	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration
	SynthesizeTimeout time.Duration
	MaxPlaybackWait   time.Duration
	SettleDelay       time.Duration

	// TimeoutApology, when non-empty, is spoken after a generation timeout
	// instead of returning to idle silently.
	TimeoutApology string

	// Transcript
	TranscriptMax     int
	TranscriptTTL     time.Duration
	PromptHistorySize int

	// Rooms
	RoomIdleTimeout time.Duration

	// Collaborator endpoints
	WhisperURL     string
	WhisperToken   string
	STTLanguage    string
	TTSURL         string
	TTSAuthToken   string
	AmbiencePath   string
	PanelAddr      string
	DiscordToken   string
	GuildID        string
	VoiceChannelID string
}

// Load reads an optional .env file and builds the Config from the
// environment. A missing .env is not an error.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logging.Debugw("config: no .env file loaded", "err", err)
	}
	return FromEnv()
}

// FromEnv builds a Config purely from environment variables.
func FromEnv() Config {
	return Config{
		NoiseFloorRMS:     envInt("VAD_RMS_THRESHOLD", 450),
		SegmentCheckEvery: envDuration("SEGMENT_CHECK_MS", 300*time.Millisecond),
		SilenceAfter:      envDuration("SILENCE_AFTER_MS", 1200*time.Millisecond),
		MaxUtterance:      envDuration("MAX_UTTERANCE_MS", 12*time.Second),
		MaxSilentBuffer:   envDuration("MAX_SILENT_BUFFER_MS", 10*time.Second),
		HandoffCeiling:    envDuration("HANDOFF_CEILING_MS", 40*time.Second),

		WakeWords:          envList("WAKE_WORDS", []string{"bot", "computer", "assistant"}),
		TerminationPhrases: envList("TERMINATION_PHRASES", []string{"disconnect", "stop listening"}),
		ConversationWindow: envDuration("CONVERSATION_WINDOW_MS", 60*time.Second),

		TranscribeTimeout: envDuration("STT_TIMEOUT_MS", 15*time.Second),
		GenerateTimeout:   envDuration("LLM_TIMEOUT_MS", 25*time.Second),
		SynthesizeTimeout: envDuration("TTS_TIMEOUT_MS", 10*time.Second),
		MaxPlaybackWait:   envDuration("MAX_PLAYBACK_WAIT_MS", 60*time.Second),
		SettleDelay:       envDuration("SETTLE_DELAY_MS", 250*time.Millisecond),

		TimeoutApology: strings.TrimSpace(os.Getenv("TIMEOUT_APOLOGY")),

		TranscriptMax:     envInt("TRANSCRIPT_MAX", 20),
		TranscriptTTL:     envDuration("TRANSCRIPT_TTL_MS", 5*time.Minute),
		PromptHistorySize: envInt("PROMPT_HISTORY", 10),

		RoomIdleTimeout: envDuration("ROOM_IDLE_TIMEOUT_MS", 10*time.Minute),

		WhisperURL:     strings.TrimSpace(os.Getenv("WHISPER_URL")),
		WhisperToken:   strings.TrimSpace(os.Getenv("WHISPER_AUTH_TOKEN")),
		STTLanguage:    strings.TrimSpace(os.Getenv("STT_LANGUAGE")),
		TTSURL:         strings.TrimSpace(os.Getenv("TTS_URL")),
		TTSAuthToken:   strings.TrimSpace(os.Getenv("TTS_AUTH_TOKEN")),
		AmbiencePath:   strings.TrimSpace(os.Getenv("AMBIENCE_PATH")),
		PanelAddr:      envString("PANEL_ADDR", ""),
		DiscordToken:   strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN")),
		GuildID:        strings.TrimSpace(os.Getenv("GUILD_ID")),
		VoiceChannelID: strings.TrimSpace(os.Getenv("VOICE_CHANNEL_ID")),
	}
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logging.Warnw("config: invalid integer, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads a millisecond count from the environment.
func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		logging.Warnw("config: invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func envList(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.ToLower(strings.TrimSpace(p)); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
