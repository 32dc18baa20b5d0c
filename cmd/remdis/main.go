// Command remdis wires the spoken-dialogue modules together: mic capture,
// ASR, VAP, the turn-taking controller, the Text-VAP backchannel adapter,
// the silence watchdog, TTS synthesis and speaker playback, and the UI
// bridge, all communicating over a single in-process bus.Bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"

	"github.com/remdis-go/remdis/internal/config"
	"github.com/remdis-go/remdis/internal/prompts"
	"github.com/remdis-go/remdis/internal/uiserver"
	"github.com/remdis-go/remdis/pkg/bus"
	"github.com/remdis-go/remdis/pkg/dialogue"
	"github.com/remdis-go/remdis/pkg/intention"
	"github.com/remdis-go/remdis/pkg/iu"
	"github.com/remdis-go/remdis/pkg/llmstream"
	"github.com/remdis-go/remdis/pkg/module"
	"github.com/remdis-go/remdis/pkg/orchestrator"
	"github.com/remdis-go/remdis/pkg/providers/asr"
	llmProvider "github.com/remdis-go/remdis/pkg/providers/llm"
	sttProvider "github.com/remdis-go/remdis/pkg/providers/stt"
	ttsProvider "github.com/remdis-go/remdis/pkg/providers/tts"
	"github.com/remdis-go/remdis/pkg/providers/vap"
	"github.com/remdis-go/remdis/pkg/textvap"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code named in the external interfaces:
// 0 on a clean shutdown, 64 for an invalid configuration, 69 if the bus
// transport could not be reached within its retry budget, 70 for anything
// else (recovered here so a stray panic does not dump a raw Go trace to
// a user-facing terminal).
func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "remdis: fatal: %v\n", r)
			code = exitPanic
		}
	}()

	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "remdis: no .env file found, using process environment")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "remdis: %v: %v\n", ErrConfigInvalid, err)
		return exitConfigInvalid
	}

	logger := newLogger(cfg.Server.LogLevel)

	promptBuilder, err := prompts.Load(cfg.Server.PromptsDir)
	if err != nil {
		logger.Error("remdis: prompt templates", "error", err)
		return exitConfigInvalid
	}

	// The in-process bus.Bus can't actually fail to construct; the
	// ErrBusUnavailable/exitBusUnavailable path exists for a future
	// out-of-process transport that reconnects with a retry budget before
	// giving up.
	b := bus.New()
	b.SetLogger(logger)

	stt, err := selectSTT(cfg)
	if err != nil {
		logger.Error("remdis: asr provider", "error", err)
		return exitConfigInvalid
	}
	llmStreamer, llmForSuggestions, err := selectLLM(cfg)
	if err != nil {
		logger.Error("remdis: llm provider", "error", err)
		return exitConfigInvalid
	}
	tts, err := selectTTS(cfg)
	if err != nil {
		logger.Error("remdis: tts provider", "error", err)
		return exitConfigInvalid
	}

	lang := orchestrator.LanguageEn
	voice := orchestrator.VoiceF1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialogueCfg := dialogue.DefaultConfig()
	dialogueCfg.VAPThreshold = cfg.VAP.Threshold
	dialogueCfg.BargeInStability = cfg.Dialogue.BargeInStability
	dialogueCfg.HistoryLength = cfg.Dialogue.HistoryLength
	dialogueCfg.MaxMessagesInContext = cfg.Dialogue.MaxMessagesInContext
	dialogueCfg.ResponseGenerationTimeout = cfg.Dialogue.ResponseGenerationTimeout()
	dialogueCfg.MaxSilenceTime = cfg.Dialogue.MaxSilenceTime()
	dialogueCfg.MaxTimeoutNum = cfg.Intention.MaxTimeoutNum
	dialogueCfg.BlockTime = cfg.Intention.BlockTime()
	dialogueCfg.SplitPattern = cfg.ChatGPT.SplitPattern
	dialogueCfg.MaxVerbalBackchannelNum = cfg.TextVAP.MaxVerbalBackchannelNum
	dialogueCfg.Backchannels = cfg.Dialogue.Backchannels

	controller := dialogue.New(b, llmStreamer, promptBuilder, dialogueCfg, logger.With("module", "dialogue"))
	watchdog := intention.New(b, dialogueCfg.MaxSilenceTime, dialogueCfg.MaxSilenceTime/10)
	suggester := textvap.New(b, llmForSuggestions, promptBuilder, logger.With("module", "textvap")).
		WithInterval(cfg.TextVAP.Interval)
	asrAdapter := asr.New(b, stt, lang, logger.With("module", "asr"))
	vapAdapter := vap.New(b, orchestrator.NewRMSVAD(0.02, 500*time.Millisecond), 0.2)
	ttsAdapter := ttsProvider.New(b, tts, voice, lang, logger.With("module", "tts"))

	modules := []*module.Base{
		module.Run(ctx, b, &module.Base{Name: "dialogue", Logger: logger}, controller,
			dialogue.TopicASRPartial, dialogue.TopicASRCommit, dialogue.TopicVAP, dialogue.TopicIntent, dialogue.TopicBackchannel),
		module.Run(ctx, b, &module.Base{Name: "intention", Logger: logger}, watchdog,
			intention.TopicASRPartial, intention.TopicASRCommit, intention.TopicSystemState, intention.TopicTTSAudio),
		module.Run(ctx, b, &module.Base{Name: "textvap", Logger: logger}, suggester, textvap.TopicASRPartial),
		module.Run(ctx, b, &module.Base{Name: "asr", Logger: logger}, asrAdapter, asr.TopicAudio),
		module.Run(ctx, b, &module.Base{Name: "vap", Logger: logger}, vapAdapter, vap.TopicAudio),
		module.Run(ctx, b, &module.Base{Name: "tts", Logger: logger}, ttsAdapter, ttsProvider.TopicText),
	}

	ui := uiserver.New(b, logger.With("module", "uiserver"))
	go ui.Run(ctx)
	httpServer := &http.Server{Addr: cfg.Server.UIListenAddr, Handler: ui}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("remdis: ui server", "error", err)
		}
	}()

	audioCancel, err := startAudio(ctx, b, logger)
	if err != nil {
		logger.Error("remdis: audio device", "error", err)
		return exitConfigInvalid
	}
	defer audioCancel()

	logger.Info("remdis started", "ui_addr", cfg.Server.UIListenAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("remdis shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	for _, m := range modules {
		m.Shutdown()
	}
	cancel()

	return exitOK
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func selectSTT(cfg *config.Config) (orchestrator.STTProvider, error) {
	name := cfg.Providers.ASR.Name
	if name == "" {
		name = "groq"
	}
	key := os.Getenv(cfg.Providers.ASR.APIKeyEnv)

	switch name {
	case "openai":
		if key == "" {
			return nil, fmt.Errorf("%w: %s must be set for openai asr", ErrASRFailed, cfg.Providers.ASR.APIKeyEnv)
		}
		return sttProvider.NewOpenAISTT(key, orDefault(cfg.Providers.ASR.Model, "whisper-1")), nil
	case "deepgram":
		if key == "" {
			return nil, fmt.Errorf("%w: %s must be set for deepgram asr", ErrASRFailed, cfg.Providers.ASR.APIKeyEnv)
		}
		return sttProvider.NewDeepgramSTT(key), nil
	case "assemblyai":
		if key == "" {
			return nil, fmt.Errorf("%w: %s must be set for assemblyai asr", ErrASRFailed, cfg.Providers.ASR.APIKeyEnv)
		}
		return sttProvider.NewAssemblyAISTT(key), nil
	case "groq":
		if key == "" {
			return nil, fmt.Errorf("%w: %s must be set for groq asr", ErrASRFailed, cfg.Providers.ASR.APIKeyEnv)
		}
		return sttProvider.NewGroqSTT(key, orDefault(cfg.Providers.ASR.Model, "whisper-large-v3-turbo")), nil
	default:
		return nil, fmt.Errorf("%w: unrecognized asr provider %q", ErrASRFailed, name)
	}
}

// selectLLM returns two collaborators: a true streaming dialogue.LLMStreamer
// for the turn-taking controller's speculative response generation, and a
// (possibly one-shot) dialogue.LLMStreamer for the Text-VAP suggestion
// adapter, which only ever reads a call to completion before parsing it.
// The latter is built on pkg/providers/llm's non-streaming Complete, since
// a single blocking call is a better fit for that adapter's rate-limited,
// whole-response label-prefix parse than token-by-token SSE parsing would be.
func selectLLM(cfg *config.Config) (dialogue.LLMStreamer, dialogue.LLMStreamer, error) {
	name := cfg.Providers.LLM.Name
	if name == "" {
		name = "groq"
	}
	key := os.Getenv(cfg.Providers.LLM.APIKeyEnv)
	if key == "" {
		return nil, nil, fmt.Errorf("%w: %s must be set for %s llm", ErrConfigInvalid, cfg.Providers.LLM.APIKeyEnv, name)
	}

	var streaming dialogue.LLMStreamer
	var oneShot orchestrator.LLMProvider

	switch name {
	case "openai":
		model := orDefault(cfg.Providers.LLM.Model, "gpt-4o")
		streaming = llmstream.NewOpenAIStream(key, model)
		oneShot = llmProvider.NewOpenAILLM(key, model)
	case "groq":
		model := orDefault(cfg.Providers.LLM.Model, "llama-3.3-70b-versatile")
		streaming = llmstream.NewGroqStream(key, model)
		oneShot = llmProvider.NewGroqLLM(key, model)
	case "anthropic":
		model := orDefault(cfg.Providers.LLM.Model, "claude-3-5-sonnet-20241022")
		streaming = llmstream.NewAnthropicStream(key, model)
		oneShot = llmProvider.NewAnthropicLLM(key, model)
	case "google":
		// No streaming adapter exists for Google's wire format; fall back
		// to a one-shot stream built on the non-streaming provider for
		// both collaborators.
		model := orDefault(cfg.Providers.LLM.Model, "gemini-1.5-flash")
		oneShot = llmProvider.NewGoogleLLM(key, model)
		streaming = newOneShotLLM(oneShot)
	default:
		return nil, nil, fmt.Errorf("%w: unrecognized llm provider %q", ErrConfigInvalid, name)
	}

	return streaming, newOneShotLLM(oneShot), nil
}

func selectTTS(cfg *config.Config) (orchestrator.TTSProvider, error) {
	name := cfg.Providers.TTS.Name
	if name == "" {
		name = "lokutor"
	}
	key := os.Getenv(cfg.Providers.TTS.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("%w: %s must be set for %s tts", ErrTTSFailed, cfg.Providers.TTS.APIKeyEnv, name)
	}

	switch name {
	case "lokutor":
		return ttsProvider.NewLokutorTTS(key), nil
	default:
		return nil, fmt.Errorf("%w: unrecognized tts provider %q", ErrTTSFailed, name)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// startAudio opens the mic/speaker duplex device and starts the playback
// drain goroutine. The returned func tears both down.
func startAudio(ctx context.Context, b *bus.Bus, logger *slog.Logger) (func(), error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}

	audio := newAudioIO(b, 0.02)

	device, err := malgo.InitDevice(mctx.Context, newDuplexDeviceConfig(), malgo.DeviceCallbacks{
		Data: audio.onSamples,
	})
	if err != nil {
		mctx.Uninit()
		return nil, err
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		return nil, err
	}

	playbackClient := bus.NewClient(b, ttsProvider.TopicTTSAudio)
	go func() {
		for {
			u, ok := playbackClient.Next(ctx)
			if !ok {
				return
			}
			if u.DataType != iu.TTSAudio {
				continue
			}
			switch u.UpdateType {
			case iu.Add:
				audio.enqueuePlayback(u.Payload)
			case iu.Revoke:
				audio.clearPlayback()
			}
		}
	}()

	return func() {
		playbackClient.Close()
		device.Uninit()
		mctx.Uninit()
		logger.Info("audio device closed")
	}, nil
}
