package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/bwmarrin/discordgo"
	"github.com/voice-assistant-lab/internal/config"
	"github.com/voice-assistant-lab/internal/logging"
	"github.com/voice-assistant-lab/internal/persona"
	"github.com/voice-assistant-lab/internal/status"
	"github.com/voice-assistant-lab/internal/stt"
	"github.com/voice-assistant-lab/internal/tts"
	"github.com/voice-assistant-lab/internal/voice"
	"github.com/voice-assistant-lab/llm"
)

func main() {
	sugar := logging.Init()

	cfg := config.Load()
	if cfg.DiscordToken == "" {
		sugar.Fatal("DISCORD_BOT_TOKEN required")
	}

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		sugar.Fatalf("discordgo.New: %v", err)
	}
	// Guilds + GuildVoiceStates are enough to map joins, leaves, and mute
	// state for voice work.
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	sugar.Infow("opening discord session", "intents", dg.Identify.Intents)
	if err := dg.Open(); err != nil {
		sugar.Fatalf("discord session open failed: %v", err)
	}

	// Status hub for the web panel, served when PANEL_ADDR is set.
	hub := status.NewHub()
	var panelSrv *http.Server
	if cfg.PanelAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		panelSrv = &http.Server{Addr: cfg.PanelAddr, Handler: mux}
		go func() {
			sugar.Infow("status panel listening", "addr", cfg.PanelAddr)
			if err := panelSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				sugar.Warnf("status panel server: %v", err)
			}
		}()
	}

	var ambience *voice.Audio
	if cfg.AmbiencePath != "" {
		if b, err := os.ReadFile(cfg.AmbiencePath); err != nil {
			sugar.Warnw("ambience clip unavailable", "path", cfg.AmbiencePath, "err", err)
		} else if a, err := tts.DecodeWAV(b); err != nil {
			sugar.Warnw("ambience clip not decodable", "path", cfg.AmbiencePath, "err", err)
		} else {
			ambience = a
		}
	}

	orch := voice.NewOrchestrator(voice.Options{
		Segmenter: voice.SegmenterConfig{
			NoiseFloorRMS:   cfg.NoiseFloorRMS,
			CheckEvery:      cfg.SegmentCheckEvery,
			SilenceAfter:    cfg.SilenceAfter,
			MaxUtterance:    cfg.MaxUtterance,
			MaxSilentBuffer: cfg.MaxSilentBuffer,
			HandoffCeiling:  cfg.HandoffCeiling,
		},
		Playback: voice.PlaybackConfig{
			Ambience:        ambience,
			MaxPlaybackWait: cfg.MaxPlaybackWait,
			SettleDelay:     cfg.SettleDelay,
		},
		WakeWords:          cfg.WakeWords,
		TerminationPhrases: cfg.TerminationPhrases,
		ConversationWindow: cfg.ConversationWindow,
		TranscribeTimeout:  cfg.TranscribeTimeout,
		GenerateTimeout:    cfg.GenerateTimeout,
		SynthesizeTimeout:  cfg.SynthesizeTimeout,
		TimeoutApology:     cfg.TimeoutApology,
		TranscriptMax:      cfg.TranscriptMax,
		TranscriptTTL:      cfg.TranscriptTTL,
		PromptHistory:      cfg.PromptHistorySize,
		RoomIdleTimeout:    cfg.RoomIdleTimeout,
	}, voice.Deps{
		STT:      stt.NewClient(cfg.WhisperURL, cfg.WhisperToken, cfg.STTLanguage),
		LLM:      llm.NewClientFromEnv(),
		TTS:      tts.NewClient(cfg.TTSURL, cfg.TTSAuthToken),
		Status:   hub,
		Personas: persona.NewEngine(),
		Names:    voice.NewDiscordResolver(dg),
	})

	if cfg.GuildID != "" && cfg.VoiceChannelID != "" {
		sugar.Infow("joining voice channel", "guild", cfg.GuildID, "channel", cfg.VoiceChannelID)
		tr, err := voice.NewDiscordTransport(dg, cfg.GuildID, cfg.VoiceChannelID)
		if err != nil {
			sugar.Fatalf("voice join failed: %v", err)
		}
		if _, err := orch.JoinRoom(cfg.GuildID, tr); err != nil {
			sugar.Fatalf("room join failed: %v", err)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	sugar.Infow("shutdown signal received, closing resources")

	orch.Close()
	hub.Close()
	if panelSrv != nil {
		_ = panelSrv.Close()
	}
	if err := dg.Close(); err != nil {
		sugar.Warnf("discord session close error: %v", err)
	}
	if l := zap.L(); l != nil {
		_ = l.Sync()
	}
	sugar.Info("shutdown complete")
}
