// Package session implements the realtime session protocol engine: the
// handshake state machine over the persistent connection, inbound event
// routing, the duplex audio buffering discipline, and the tool-call
// request/response cycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/voxkit/gemlive/pkg/live/protocol"
	"github.com/voxkit/gemlive/pkg/live/transport"
)

// State is the session lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitSetup
	StateStreaming
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitSetup:
		return "await_setup"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transport is the persistent duplex frame connection. The session is the
// sole owner of both ends.
type Transport interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Config is the immutable session configuration, fixed at construction.
type Config struct {
	Model             string
	Voice             string
	SystemInstruction string

	// InitialMessage, when set, is sent as the first user turn after
	// SetupComplete, delayed by InitialMessageDelay.
	InitialMessage      string
	InitialMessageDelay time.Duration

	// AudioOutput and TextOutput are mutually exclusive response
	// modalities. When both are requested, text output is dropped with a
	// warning.
	AudioOutput bool
	TextOutput  bool

	Search        bool
	CodeExecution bool

	// DisableSpeaker declares that no playback sink will pull from the
	// buffer. Inbound audio is then dropped after validation instead of
	// accumulating unplayed.
	DisableSpeaker bool

	ScreenCaptureFPS float64

	MicSampleRate     int
	SpeakerSampleRate int

	ToolTimeout         time.Duration
	DiagnosticsInterval time.Duration
}

// Dependencies wires the session to its external collaborators.
type Dependencies struct {
	// Dial opens the Transport. Required.
	Dial func(ctx context.Context) (Transport, error)

	// Microphone supplies capture chunks; nil disables audio input.
	Microphone AudioSource
	// Screen supplies encoded frames; nil (or ScreenCaptureFPS <= 0)
	// disables the video relay.
	Screen FrameSource

	// Functions resolves and invokes declared functions; nil when no
	// functions are registered.
	Functions FunctionInvoker
	// Declarations is the declared function tool set for setup.
	Declarations []*genai.FunctionDeclaration

	// TextIn delivers locally originated text turns. Closing the channel
	// ends the session, mirroring end-of-input on the local console.
	TextIn <-chan string

	// Output receives user-visible conversation text.
	Output io.Writer

	Logger *slog.Logger
	Config Config
}

// Session drives one single-shot interactive run. It is not restartable;
// callers needing resilience re-run a fresh session.
type Session struct {
	id           string
	cfg          Config
	dial         func(ctx context.Context) (Transport, error)
	mic          AudioSource
	screen       FrameSource
	functions    FunctionInvoker
	declarations []*genai.FunctionDeclaration
	textIn       <-chan string
	output       io.Writer
	logger       *slog.Logger

	playback *PlaybackBuffer

	state     atomic.Int32
	streaming sync.Once

	conn       Transport
	dispatcher *toolDispatcher

	cancel context.CancelFunc
	wg     sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// New validates and normalizes the configuration and builds a session in
// the Idle state.
func New(deps Dependencies) (*Session, error) {
	if deps.Dial == nil {
		return nil, fmt.Errorf("dial function is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Output == nil {
		deps.Output = os.Stdout
	}

	cfg := deps.Config
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "models/gemini-2.0-flash-exp"
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = "Charon"
	}
	if cfg.MicSampleRate <= 0 {
		cfg.MicSampleRate = 16000
	}
	if cfg.SpeakerSampleRate <= 0 {
		cfg.SpeakerSampleRate = 24000
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	if cfg.DiagnosticsInterval <= 0 {
		cfg.DiagnosticsInterval = 2 * time.Second
	}
	if cfg.AudioOutput && cfg.TextOutput {
		deps.Logger.Warn("audio output and text output cannot both be enabled; disabling text output")
		cfg.TextOutput = false
	}
	if !cfg.AudioOutput && !cfg.TextOutput {
		cfg.AudioOutput = true
	}

	id := uuid.NewString()[:8]
	s := &Session{
		id:           id,
		cfg:          cfg,
		dial:         deps.Dial,
		mic:          deps.Microphone,
		screen:       deps.Screen,
		functions:    deps.Functions,
		declarations: deps.Declarations,
		textIn:       deps.TextIn,
		output:       deps.Output,
		logger:       deps.Logger.With("session", id),
		playback:     NewPlaybackBuffer(),
	}
	s.state.Store(int32(StateIdle))
	return s, nil
}

// State reports the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Playback returns the buffer the speaker sink pulls from.
func (s *Session) Playback() *PlaybackBuffer {
	return s.playback
}

// Config returns the effective (normalized) configuration.
func (s *Session) Config() Config {
	return s.cfg
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.logger.Debug("state", "state", st.String())
}

// Run connects, performs the setup handshake, and streams until the
// context is canceled, the local text channel closes, or the connection
// ends. It returns nil on a clean local shutdown.
func (s *Session) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	s.setState(StateConnecting)
	conn, err := s.dial(runCtx)
	if err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("connect: %w", err)
	}
	s.conn = conn
	s.dispatcher = &toolDispatcher{
		invoker: s.functions,
		send:    conn.Send,
		logger:  s.logger,
		timeout: s.cfg.ToolTimeout,
	}

	setupFrame, err := protocol.EncodeSetup(s.setupMessage())
	if err != nil {
		s.setState(StateFailed)
		_ = conn.Close()
		return fmt.Errorf("build setup: %w", err)
	}
	if err := conn.Send(setupFrame); err != nil {
		s.setState(StateFailed)
		_ = conn.Close()
		return fmt.Errorf("send setup: %w", err)
	}
	s.setState(StateAwaitSetup)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.receiveLoop(runCtx)
	}()

	if s.textIn != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.textLoop(runCtx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.diagnosticsLoop(runCtx)
	}()

	<-runCtx.Done()
	s.setState(StateClosing)

	// Relays and dispatches observe the canceled context; closing the
	// transport unblocks the receive loop. The dispatcher is drained only
	// after the receive loop exits so no new dispatch can race the wait.
	// Device handles are released by the caller once Run returns and no
	// task touches them anymore.
	_ = conn.Close()
	s.wg.Wait()
	s.dispatcher.waitIdle()
	s.playback.Clear()

	s.errMu.Lock()
	err = s.err
	s.errMu.Unlock()
	if err != nil {
		s.setState(StateFailed)
		return err
	}
	s.setState(StateClosed)
	return nil
}

// fail records the first task error and triggers shutdown. Later errors
// during teardown are logged only.
func (s *Session) fail(task string, err error) {
	s.logger.Error("task failed", "task", task, "error", err)
	s.errMu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("%s: %w", task, err)
	}
	s.errMu.Unlock()
	s.shutdown()
}

// shutdown requests a clean stop without recording an error.
func (s *Session) shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) setupMessage() protocol.Setup {
	var modalities []string
	if s.cfg.AudioOutput {
		modalities = append(modalities, protocol.ModalityAudio)
	}
	if s.cfg.TextOutput {
		modalities = append(modalities, protocol.ModalityText)
	}

	setup := protocol.Setup{
		Model: s.cfg.Model,
		GenerationConfig: protocol.GenerationConfig{
			ResponseModalities: modalities,
			SpeechConfig: protocol.SpeechConfig{
				VoiceConfig: protocol.VoiceConfig{
					PrebuiltVoiceConfig: protocol.PrebuiltVoiceConfig{VoiceName: s.cfg.Voice},
				},
			},
		},
		Tools: []protocol.Tool{},
	}
	if strings.TrimSpace(s.cfg.SystemInstruction) != "" {
		setup.SystemInstruction = &protocol.SystemInstruction{
			Parts: []protocol.TextPart{{Text: s.cfg.SystemInstruction}},
		}
	}
	if s.cfg.Search {
		setup.Tools = append(setup.Tools, protocol.Tool{GoogleSearch: &protocol.GoogleSearch{}})
	}
	if s.cfg.CodeExecution {
		setup.Tools = append(setup.Tools, protocol.Tool{CodeExecution: &protocol.CodeExecution{}})
	}
	if len(s.declarations) > 0 {
		setup.Tools = append(setup.Tools, protocol.Tool{FunctionDeclarations: s.declarations})
	}
	return setup
}

func (s *Session) receiveLoop(ctx context.Context) {
	for {
		data, err := s.conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, transport.ErrClosed) {
				s.logger.Info("connection closed by service")
				s.shutdown()
				return
			}
			s.fail("receive", err)
			return
		}
		s.handleMessage(ctx, data)
	}
}

func (s *Session) handleMessage(ctx context.Context, data []byte) {
	msg, err := protocol.DecodeServerMessage(data)
	if err != nil {
		s.logger.Warn("dropping undecodable frame", "error", err)
		return
	}
	switch {
	case msg.SetupComplete != nil:
		s.onSetupComplete(ctx)
	case msg.ServerContent != nil:
		s.onServerContent(*msg.ServerContent)
	case msg.ToolCall != nil:
		s.dispatcher.dispatch(ctx, *msg.ToolCall)
	}
}

// onSetupComplete moves the session to Streaming and starts the producer
// tasks. The capture relay must not run before this point: no mic chunk
// may be sent ahead of the service's readiness.
func (s *Session) onSetupComplete(ctx context.Context) {
	s.streaming.Do(func() {
		s.setState(StateStreaming)
		fmt.Fprintln(s.output, "Ready: say something to Gemini")

		if s.cfg.InitialMessage != "" {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.sendInitialMessage(ctx)
			}()
		}

		if s.mic != nil {
			relay := &captureRelay{
				source: s.mic,
				mime:   protocol.PCMMime(s.cfg.MicSampleRate),
				send:   s.conn.Send,
				fail:   s.fail,
				logger: s.logger,
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				relay.run(ctx)
			}()
		}

		if s.screen != nil && s.cfg.ScreenCaptureFPS > 0 {
			relay := &videoRelay{
				source:   s.screen,
				interval: time.Duration(float64(time.Second) / s.cfg.ScreenCaptureFPS),
				send:     s.conn.Send,
				fail:     s.fail,
				logger:   s.logger,
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				relay.run(ctx)
			}()
		}
	})
}

func (s *Session) sendInitialMessage(ctx context.Context) {
	if s.cfg.InitialMessageDelay > 0 {
		timer := time.NewTimer(s.cfg.InitialMessageDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
	s.sendText(ctx, s.cfg.InitialMessage)
}

func (s *Session) onServerContent(sc protocol.ServerContent) {
	if sc.Interrupted {
		// Barge-in: drop all queued but unplayed audio immediately.
		s.logger.Info("interrupted by server")
		s.playback.Clear()
		return
	}

	if sc.GroundingMetadata != nil {
		for _, chunk := range sc.GroundingMetadata.GroundingChunks {
			if chunk.Web != nil && chunk.Web.Title != "" {
				fmt.Fprintf(s.output, "  <- %s\n", chunk.Web.Title)
			}
		}
	}

	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			switch {
			case part.Text != "":
				fmt.Fprintf(s.output, "  <- %s\n", part.Text)
			case part.InlineData != nil:
				s.appendAudio(part.InlineData)
			case len(part.ExecutableCode) > 0:
				// Forwarded to output only; never executed locally.
				fmt.Fprintf(s.output, "  <- executableCode: %s\n", part.ExecutableCode)
			}
		}
	}

	if sc.TurnComplete {
		s.logger.Debug("model turn complete")
	}
}

func (s *Session) appendAudio(blob *protocol.Blob) {
	mimeType, rate, err := protocol.ParseAudioMime(blob.MimeType)
	if err != nil || mimeType != "audio/pcm" || rate != s.cfg.SpeakerSampleRate {
		s.logger.Warn("unsupported mime type or sample rate", "mime", blob.MimeType)
		return
	}
	pcm, err := blob.DecodeBytes()
	if err != nil {
		s.logger.Warn("dropping undecodable audio chunk", "error", err)
		return
	}
	// With no sink pulling on the playback clock, appended audio would
	// only accumulate; drop it instead.
	if !s.cfg.AudioOutput || s.cfg.DisableSpeaker {
		s.logger.Debug("discarding audio chunk, no playback sink", "bytes", len(pcm))
		return
	}
	s.playback.Append(pcm)
}

func (s *Session) textLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-s.textIn:
			if !ok {
				s.logger.Info("text input closed")
				s.shutdown()
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			s.sendText(ctx, line)
		}
	}
}

// sendText wraps one local text line as a complete user turn.
func (s *Session) sendText(ctx context.Context, text string) {
	fmt.Fprintf(s.output, "  -> %s\n", text)
	frame, err := protocol.EncodeTextTurn(text)
	if err != nil {
		s.fail("text", err)
		return
	}
	if err := s.conn.Send(frame); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.fail("text", err)
	}
}

// diagnosticsLoop periodically reports how much audio sits unplayed.
func (s *Session) diagnosticsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DiagnosticsInterval)
	defer ticker.Stop()
	bytesPerSecond := s.cfg.SpeakerSampleRate * 2
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.playback.Len(); n > 0 {
				s.logger.Info("playback buffer",
					"seconds", float64(n)/float64(bytesPerSecond))
			}
		}
	}
}
