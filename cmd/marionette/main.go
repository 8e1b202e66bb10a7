package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/marionette/pkg/api"
	"github.com/go-go-golems/marionette/pkg/chatclient"
	"github.com/go-go-golems/marionette/pkg/config"
	"github.com/go-go-golems/marionette/pkg/persistence/transcriptstore"
)

type rootFlags struct {
	configPath   string
	logLevel     string
	serverURL    string
	websocketURL string
	agentID      string
	transcriptDB string
}

func main() {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "marionette",
		Short: "Client-side chat engine keeping a transcript consistent across websocket and HTTP fallback",
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML config file")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (trace..panic)")
	pf.StringVar(&flags.serverURL, "server", "", "backend base URL")
	pf.StringVar(&flags.websocketURL, "ws", "", "realtime channel URL (empty disables realtime)")
	pf.StringVar(&flags.agentID, "agent", "", "agent id (skips the interactive picker)")
	pf.StringVar(&flags.transcriptDB, "transcript-db", "", "SQLite file archiving delivered messages")

	rootCmd.AddCommand(newChatCommand(flags))

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func newChatCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session against the configured backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel)
			return runChat(cmd.Context(), cfg)
		},
	}
}

func loadConfig(flags *rootFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return cfg, err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.serverURL != "" {
		cfg.ServerURL = flags.serverURL
	}
	if flags.websocketURL != "" {
		cfg.WebsocketURL = flags.websocketURL
	}
	if flags.agentID != "" {
		cfg.AgentID = flags.agentID
	}
	if flags.transcriptDB != "" {
		cfg.TranscriptDB = flags.transcriptDB
	}
	return cfg, nil
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func runChat(parentCtx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := api.NewClient(cfg.ServerURL)
	engine, err := chatclient.NewEngine(chatclient.EngineConfig{
		WebsocketURL: cfg.WebsocketURL,
		Backend:      backend,
	})
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	var archive transcriptstore.Store
	if cfg.TranscriptDB != "" {
		dsn, err := transcriptstore.SQLiteDSNForFile(cfg.TranscriptDB)
		if err != nil {
			return err
		}
		archive, err = transcriptstore.NewSQLiteStore(dsn)
		if err != nil {
			return errors.Wrap(err, "open transcript archive")
		}
		defer func() { _ = archive.Close() }()
	}

	engine.Start(ctx)
	if err := engine.Bootstrap(ctx); err != nil {
		return errors.Wrap(err, "bootstrap")
	}

	store := engine.Store()
	if cfg.AgentID != "" {
		engine.SelectAgent(cfg.AgentID)
	} else if store.SelectedAgentID() == "" {
		if id, ok := pickAgent(store.Agents()); ok {
			engine.SelectAgent(id)
		}
	}

	fmt.Printf("session: %s  (type /help for commands)\n", store.CurrentSessionID())

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return renderLoop(ctx, store, archive) })
	eg.Go(func() error { return inputLoop(ctx, engine) })
	return eg.Wait()
}

// pickAgent prompts for one agent id out of the roster.
func pickAgent(agents []chatclient.Agent) (string, bool) {
	if len(agents) == 0 || !isatty.IsTerminal(os.Stdin.Fd()) {
		return "", false
	}
	valid := map[string]bool{}
	fmt.Println("available agents:")
	for _, a := range agents {
		valid[a.ID] = true
		fmt.Printf("  %s - %s\n", a.ID, a.Name)
	}

	ui := &input.UI{Writer: os.Stdout, Reader: os.Stdin}
	answer, err := ui.Ask("agent id (empty for fallback-only sends)", &input.Options{
		Default: agents[0].ID,
		Loop:    true,
		ValidateFunc: func(answer string) error {
			if answer == "" || valid[answer] {
				return nil
			}
			return errors.Errorf("unknown agent %q", answer)
		},
	})
	if err != nil || answer == "" {
		return "", false
	}
	return answer, true
}

// renderLoop prints transcript changes and archives delivered messages.
func renderLoop(ctx context.Context, store *chatclient.Store, archive transcriptstore.Store) error {
	printed := map[string]string{}
	archived := map[string]bool{}

	render := func() {
		sid := store.CurrentSessionID()
		for _, m := range store.Messages(sid) {
			if m.IsStreaming {
				continue
			}
			key := m.ID + "/" + string(m.Status)
			if printed[m.ID] == key {
				continue
			}
			printed[m.ID] = key
			printMessage(m)
			if archive != nil && m.Status == chatclient.StatusDelivered && !archived[m.ID] {
				archived[m.ID] = true
				err := archive.Save(ctx, transcriptstore.Entry{
					SessionID:   m.SessionID,
					MessageID:   m.ID,
					Role:        string(m.Role),
					AgentName:   m.AgentName,
					Content:     m.Content,
					CreatedAtMs: m.CreatedAt.UnixMilli(),
				})
				if err != nil {
					log.Warn().Err(err).Msg("transcript archive save failed")
				}
			}
		}
		if e := store.LastError(); e != nil && e.Recoverable {
			log.Warn().Str("code", e.Code).Msg(e.Message)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-store.Changes():
			render()
		}
	}
}

func printMessage(m chatclient.Message) {
	switch {
	case m.Status == chatclient.StatusError:
		fmt.Printf("[%s] failed: %s\n", m.Role, m.ErrorMessage)
	case m.Role == chatclient.RoleAssistant:
		name := m.AgentName
		if name == "" {
			name = "assistant"
		}
		fmt.Printf("%s> %s\n", name, m.Content)
	}
}

// inputLoop reads user input and drives the engine.
func inputLoop(ctx context.Context, engine *chatclient.Engine) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		if ctx.Err() != nil {
			return nil
		}
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := runCommand(ctx, engine, line); quit {
				return nil
			}
			continue
		}
		if _, err := engine.Send(ctx, line, nil); err != nil {
			log.Warn().Err(err).Msg("send failed")
		}
	}
}

func runCommand(ctx context.Context, engine *chatclient.Engine, line string) bool {
	store := engine.Store()
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true
	case "/help":
		fmt.Println("/sessions /new [agent] /switch <id> /delete <id> /feedback <msg-id> up|down /reconnect /quit")
	case "/sessions":
		for _, s := range store.Sessions() {
			marker := " "
			if s.ID == store.CurrentSessionID() {
				marker = "*"
			}
			fmt.Printf("%s %s  %s (%d messages)\n", marker, s.ID, s.Title, s.MessageCount)
		}
	case "/new":
		agentID := ""
		if len(fields) > 1 {
			agentID = fields[1]
		}
		if sess, err := engine.NewSession(ctx, agentID); err == nil {
			fmt.Printf("session: %s\n", sess.ID)
		}
	case "/switch":
		if len(fields) > 1 {
			if err := engine.SelectSession(ctx, fields[1]); err != nil {
				log.Warn().Err(err).Msg("switch failed")
			}
		}
	case "/delete":
		if len(fields) > 1 {
			if err := engine.DeleteSession(ctx, fields[1]); err != nil {
				log.Warn().Err(err).Msg("delete failed")
			}
		}
	case "/feedback":
		if len(fields) > 2 {
			fb := chatclient.FeedbackThumbsUp
			if fields[2] == "down" {
				fb = chatclient.FeedbackThumbsDown
			}
			if err := engine.Feedback(ctx, store.CurrentSessionID(), fields[1], fb); err != nil {
				log.Warn().Err(err).Msg("feedback failed")
			}
		}
	case "/reconnect":
		if err := engine.Reconnect(ctx); err != nil {
			log.Warn().Err(err).Msg("reconnect failed")
		}
	default:
		fmt.Println("unknown command; /help lists commands")
	}
	return false
}
