// Command gemlive is an interactive voice client for the Gemini Live API:
// microphone audio streams up, spoken replies stream down, and typed
// lines on stdin become text turns in the same conversation.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voxkit/gemlive/pkg/audio"
	"github.com/voxkit/gemlive/pkg/config"
	"github.com/voxkit/gemlive/pkg/funcs"
	"github.com/voxkit/gemlive/pkg/live/session"
	"github.com/voxkit/gemlive/pkg/live/transport"
)

type options struct {
	configPath        string
	model             string
	voice             string
	systemInstruction string
	initialMessage    string
	initialDelaySecs  float64
	audioInput        bool
	audioOutput       bool
	textOutput        bool
	search            bool
	codeExecution     bool
	screenCaptureFPS  float64
	noSpeaker         bool
	debug             bool
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	// .env is a convenience for local runs; a missing file is fine.
	_ = godotenv.Load()

	var opt options
	flag.StringVar(&opt.configPath, "config", "", "Path to YAML config file (optional; flags override file values)")
	flag.StringVar(&opt.model, "model", "", "Model to use (default: models/gemini-2.0-flash-exp)")
	flag.StringVar(&opt.voice, "voice", "", "Prebuilt voice name (default: Charon)")
	flag.StringVar(&opt.systemInstruction, "system-instruction", "", "System instruction text (optional)")
	flag.StringVar(&opt.initialMessage, "initial-message", "", "Text turn to send automatically once the session is ready (optional)")
	flag.Float64Var(&opt.initialDelaySecs, "initial-message-delay", 0, "Seconds to wait before sending --initial-message (default: 0)")
	flag.BoolVar(&opt.audioInput, "audio-input", true, "Stream microphone audio to the model (default: true)")
	flag.BoolVar(&opt.audioOutput, "audio-output", true, "Request spoken replies (default: true)")
	flag.BoolVar(&opt.textOutput, "text-output", false, "Request text replies instead of audio (default: false)")
	flag.BoolVar(&opt.search, "search", false, "Enable the Google Search tool (default: false)")
	flag.BoolVar(&opt.codeExecution, "code-execution", false, "Enable the code execution tool (default: false)")
	flag.Float64Var(&opt.screenCaptureFPS, "screen-capture-fps", 0, "Send screen captures at this frame rate; 0 disables (default: 0)")
	flag.BoolVar(&opt.noSpeaker, "no-speaker", false, "Do not open the playback device; audio replies are discarded")
	flag.BoolVar(&opt.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	cfg := config.Default()
	if opt.configPath != "" {
		loaded, err := config.Load(opt.configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load config:", err)
			return 2
		}
		cfg = loaded
	}
	applyFileConfig(&opt, cfg, explicit)

	if opt.screenCaptureFPS < 0 {
		fmt.Fprintln(os.Stderr, "--screen-capture-fps must be >= 0")
		return 2
	}
	if opt.initialDelaySecs < 0 {
		fmt.Fprintln(os.Stderr, "--initial-message-delay must be >= 0")
		return 2
	}

	apiKey := strings.TrimSpace(os.Getenv("GOOGLE_API_KEY"))
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "missing GOOGLE_API_KEY (set it in the environment or a .env file)")
		return 2
	}

	level := slog.LevelInfo
	if opt.debug || strings.EqualFold(cfg.Log.Level, "debug") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := funcs.NewRegistry()
	if err := funcs.RegisterBuiltins(registry, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "register functions:", err)
		return 1
	}

	sess, cleanup, err := buildSession(ctx, opt, cfg, apiKey, registry, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	if err := sess.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "session error:", err)
		return 1
	}
	return 0
}

// applyFileConfig fills options from the config file for every flag the
// user did not set explicitly on the command line.
func applyFileConfig(opt *options, cfg *config.Config, explicit map[string]bool) {
	if !explicit["model"] {
		opt.model = cfg.Session.Model
	}
	if !explicit["voice"] {
		opt.voice = cfg.Session.Voice
	}
	if !explicit["system-instruction"] && cfg.Session.SystemInstruction != "" {
		opt.systemInstruction = cfg.Session.SystemInstruction
	}
	if !explicit["initial-message"] && cfg.Session.InitialMessage != "" {
		opt.initialMessage = cfg.Session.InitialMessage
	}
	if !explicit["initial-message-delay"] && cfg.Session.InitialDelaySecs > 0 {
		opt.initialDelaySecs = cfg.Session.InitialDelaySecs
	}
	if !explicit["audio-input"] {
		opt.audioInput = *cfg.Audio.Input
	}
	if !explicit["audio-output"] {
		opt.audioOutput = *cfg.Session.AudioOutput
	}
	if !explicit["text-output"] {
		opt.textOutput = cfg.Session.TextOutput
	}
	if !explicit["search"] {
		opt.search = cfg.Session.Search
	}
	if !explicit["code-execution"] {
		opt.codeExecution = cfg.Session.CodeExecution
	}
	if !explicit["screen-capture-fps"] {
		opt.screenCaptureFPS = cfg.Video.ScreenCaptureFPS
	}
	if !explicit["no-speaker"] {
		opt.noSpeaker = cfg.Audio.DisableSpeaker
	}
}

// buildSession wires the devices, tools, and transport into a session.
// The returned cleanup releases device handles; call it after Run
// returns.
func buildSession(ctx context.Context, opt options, cfg *config.Config, apiKey string, registry *funcs.Registry, logger *slog.Logger) (*session.Session, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	deps := session.Dependencies{
		Dial: func(ctx context.Context) (session.Transport, error) {
			return transport.Dial(ctx, transport.Config{
				APIKey: apiKey,
				Logger: logger,
			})
		},
		Functions:    registry,
		Declarations: registry.Declarations(),
		Output:       os.Stdout,
		Logger:       logger,
		Config: session.Config{
			Model:               opt.model,
			Voice:               opt.voice,
			SystemInstruction:   opt.systemInstruction,
			InitialMessage:      opt.initialMessage,
			InitialMessageDelay: time.Duration(opt.initialDelaySecs * float64(time.Second)),
			AudioOutput:         opt.audioOutput,
			TextOutput:          opt.textOutput,
			DisableSpeaker:      opt.noSpeaker,
			Search:              opt.search,
			CodeExecution:       opt.codeExecution,
			ScreenCaptureFPS:    opt.screenCaptureFPS,
			MicSampleRate:       cfg.Audio.MicRate,
			SpeakerSampleRate:   cfg.Audio.SpeakerRate,
		},
	}

	if opt.audioInput {
		engine, err := audio.NewEngine()
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("audio engine: %w", err)
		}
		cleanups = append(cleanups, engine.Close)

		mic, err := engine.NewMicrophone(cfg.Audio.MicRate, cfg.Audio.ChunkMillis)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("microphone: %w", err)
		}
		cleanups = append(cleanups, mic.Close)
		deps.Microphone = mic
	}

	if opt.screenCaptureFPS > 0 {
		screen, err := audio.NewScreenCapture()
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("screen capture: %w", err)
		}
		deps.Screen = screen
	}

	textIn := make(chan string)
	go readStdinLines(ctx, textIn)
	deps.TextIn = textIn

	sess, err := session.New(deps)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	// The session normalizes modality conflicts, so the effective config
	// decides whether a playback sink exists, not the raw flags.
	if effective := sess.Config(); effective.AudioOutput && !effective.DisableSpeaker {
		speaker, err := audio.NewSpeaker(cfg.Audio.SpeakerRate, sess.Playback())
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("speaker: %w", err)
		}
		cleanups = append(cleanups, func() { _ = speaker.Close() })
	}

	return sess, cleanup, nil
}

// readStdinLines forwards typed lines until stdin closes, then closes
// the channel so the session ends cleanly on EOF (Ctrl-D).
func readStdinLines(ctx context.Context, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case out <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}
