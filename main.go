package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"parley/convo"
	"parley/core"
	"parley/pipeline"
	"parley/services/gemini"
	"parley/services/openai"
	"parley/services/wsvoice"
	"parley/storage"
	"parley/utils/text"
	"parley/voice"
)

func main() {
	dbPath := pflag.StringP("db", "d", "parley.db", "Path to the SQLite database")
	provider := pflag.StringP("service", "s", "gemini", "Inference provider (gemini|openai)")
	model := pflag.StringP("model", "m", "", "Override the provider's default model")
	voiceURL := pflag.String("voice-url", "", "Websocket voice endpoint; enables /voice and spoken replies")
	micPath := pflag.String("mic", "", "Path to a 16-bit mono PCM source (e.g. a FIFO fed by arecord)")
	speak := pflag.Bool("speak", false, "Narrate assistant replies through the voice endpoint")
	envFile := pflag.StringP("env", "e", ".env", "Env file path")
	pflag.Parse()

	logger := core.GetLogger()

	if err := godotenv.Load(*envFile); err != nil {
		logger.Debug("no env file loaded", "path", *envFile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.NewSQLite(*dbPath)
	if err != nil {
		logger.Fatal("failed to open database", "error", err)
	}
	defer db.Close()

	// A key from the environment seeds the store once; a stored key wins.
	if key := os.Getenv("PARLEY_API_KEY"); key != "" {
		if _, err := db.Get(ctx); errors.Is(err, core.ErrMissingCredential) {
			if err := db.SetCredential(ctx, key); err != nil {
				logger.Warn("failed to store credential from environment", "error", err)
			}
		}
	}

	store := convo.NewStore()
	if history, err := db.LoadTranscript(ctx); err != nil {
		logger.Warn("failed to load transcript", "error", err)
	} else if len(history) > 0 {
		store.Restore(history)
		fmt.Printf("restored %d messages\n", len(history))
	}

	service := buildService(*provider, *model, logger)
	controller := buildVoice(ctx, *voiceURL, *micPath, logger)

	cfg := pipeline.DefaultConfig()
	cfg.SpeakReplies = *speak

	sink := &consoleSink{ctx: ctx, db: db, logger: logger}
	pipe := pipeline.New(ctx, store, service, db, controller, sink, cfg, logger)

	// Recognized utterances flow through the same send path as typed input.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case transcript := <-controller.Transcripts():
				fmt.Printf("(heard) %s\n", transcript)
				submit(pipe, transcript)
			case notice := <-controller.Notices():
				fmt.Printf("voice: %v\n", notice)
			}
		}
	}()

	runREPL(ctx, pipe, store, db, controller)
	controller.Close()
	logger.Info("shutting down")
}

func runREPL(ctx context.Context, pipe *pipeline.Pipeline, store *convo.Store, db *storage.SQLiteStore, controller *voice.Controller) {
	fmt.Println("parley: type a message, /voice to talk, /help for commands")
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "/quit" || line == "/exit":
			return
		case line == "/help":
			fmt.Println("/voice  toggle voice capture")
			fmt.Println("/clear  forget the conversation")
			fmt.Println("/key K  store the API key")
			fmt.Println("/quit   exit")
		case line == "/clear":
			store.Clear()
			if err := db.ClearTranscript(ctx); err != nil {
				fmt.Printf("failed to clear stored transcript: %v\n", err)
			}
			fmt.Println("conversation cleared")
		case strings.HasPrefix(line, "/key"):
			key := strings.TrimSpace(strings.TrimPrefix(line, "/key"))
			if key == "" {
				fmt.Println("usage: /key <api-key>")
				continue
			}
			if err := db.SetCredential(ctx, key); err != nil {
				fmt.Printf("failed to store key: %v\n", err)
				continue
			}
			fmt.Println("key stored")
		case line == "/voice":
			if err := controller.StartCapture(); err != nil {
				if errors.Is(err, core.ErrUnsupportedCapture) {
					fmt.Println("voice input is not available (set --voice-url and --mic)")
				} else {
					fmt.Printf("voice: %v\n", err)
				}
				continue
			}
			if controller.State() == voice.StateListening {
				fmt.Println("listening... /voice again to stop")
			}
		default:
			if line != "" {
				submit(pipe, line)
			}
		}
	}
}

// submit maps precondition failures onto user-facing notices. Turn outcomes
// arrive asynchronously through the sink.
func submit(pipe *pipeline.Pipeline, input string) {
	switch err := pipe.Submit(input); {
	case err == nil:
	case errors.Is(err, core.ErrPipelineBusy):
		fmt.Println("still waiting on the previous reply")
	case errors.Is(err, core.ErrMissingCredential):
		fmt.Println("no API key stored; set one with /key or PARLEY_API_KEY")
	case errors.Is(err, core.ErrInvalidMessage):
	default:
		fmt.Printf("send failed: %v\n", err)
	}
}

func buildService(provider, model string, logger *core.Logger) pipeline.InferenceService {
	switch provider {
	case "gemini":
		return gemini.NewClient(gemini.Config{Model: model}, logger)
	case "openai":
		return openai.NewClient(openai.Config{Model: model}, logger)
	default:
		logger.Fatal("unknown inference provider", "provider", provider)
		return nil
	}
}

// buildVoice assembles the controller from whatever devices the flags enable.
// Without --voice-url there are no devices and /voice reports unsupported.
func buildVoice(ctx context.Context, voiceURL, micPath string, logger *core.Logger) *voice.Controller {
	var capture voice.CaptureDevice
	var output voice.OutputDevice

	if voiceURL != "" {
		cfg := wsvoice.Config{CaptureURL: voiceURL, SpeakURL: voiceURL}
		if micPath != "" {
			source, err := os.Open(micPath)
			if err != nil {
				logger.Warn("failed to open PCM source, voice capture disabled", "path", micPath, "error", err)
			} else {
				capture = wsvoice.NewCaptureDevice(cfg, source, logger)
			}
		}
		output = wsvoice.NewOutputDevice(cfg, logger)
	}

	return voice.NewController(ctx, capture, output, logger)
}

// consoleSink persists both sides of a turn and renders assistant replies.
type consoleSink struct {
	ctx    context.Context
	db     *storage.SQLiteStore
	logger *core.Logger
}

func (s *consoleSink) TurnStarted(userMsg core.Message) {
	if err := s.db.SaveMessage(s.ctx, userMsg); err != nil {
		s.logger.Warn("failed to persist user message", "error", err)
	}
}

func (s *consoleSink) TurnCompleted(reply core.Message) {
	if err := s.db.SaveMessage(s.ctx, reply); err != nil {
		s.logger.Warn("failed to persist assistant message", "error", err)
	}
	if reply.ErrorFlag {
		fmt.Printf("\n%s%s%s\n> ", ansiRed, reply.Text, ansiReset)
		return
	}
	fmt.Printf("\n%s\n> ", renderANSI(text.ParseDisplay(reply.Text)))
}

const (
	ansiReset  = "\x1b[0m"
	ansiBold   = "\x1b[1m"
	ansiItalic = "\x1b[3m"
	ansiCode   = "\x1b[7m"
	ansiRed    = "\x1b[31m"
)

// renderANSI maps display segments onto terminal attributes. The structured
// segments are the only markup that ever reaches the terminal; literal text
// is printed as-is.
func renderANSI(segs []text.Segment) string {
	var b strings.Builder
	for _, seg := range segs {
		switch seg.Kind {
		case text.SegmentBold, text.SegmentQuotedBold:
			b.WriteString(ansiBold)
			b.WriteString(seg.Text)
			b.WriteString(ansiReset)
		case text.SegmentItalic:
			b.WriteString(ansiItalic)
			b.WriteString(seg.Text)
			b.WriteString(ansiReset)
		case text.SegmentCode:
			b.WriteString(ansiCode)
			b.WriteString(seg.Text)
			b.WriteString(ansiReset)
		case text.SegmentLineBreak:
			b.WriteByte('\n')
		default:
			b.WriteString(seg.Text)
		}
	}
	return b.String()
}
