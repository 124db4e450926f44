// Command ace is the interactive terminal assistant's entry point: it
// wires config, credentials, the tool registry, the external bridge, the
// history store, and the Conversation Loop together, then drives the
// Event Bus to a plain stdout renderer (§6 CLI surface; the TUI rendering
// widgets themselves are out of scope per §1).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ace-cli/ace/internal/config"
	"github.com/ace-cli/ace/internal/delta"
	"github.com/ace-cli/ace/internal/engine"
	"github.com/ace-cli/ace/internal/eventbus"
	"github.com/ace-cli/ace/internal/history"
	"github.com/ace-cli/ace/internal/mcpbridge"
	"github.com/ace-cli/ace/internal/provider"
	"github.com/ace-cli/ace/internal/shell"
	"github.com/ace-cli/ace/internal/tools"
)

// version is the engine's reported version for --version.
const version = "0.1.0"

// quotaPollInterval paces the best-effort background quota poller (§6,
// §12) — infrequent enough to stay out of the model's critical path.
const quotaPollInterval = 5 * time.Minute

func main() {
	os.Exit(run())
}

func run() int {
	flagModel := flag.String("model", "", "override session model")
	flagPlan := flag.Bool("plan", false, "start in read-only PLAN mode")
	flagTheme := flag.String("theme", "", "cosmetic theme name (rendering collaborator setting)")
	flagVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *flagVersion {
		fmt.Println("ace", version)
		return 0
	}
	_ = flagTheme // cosmetic only; no rendering collaborator in this binary

	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to setup logging: %v\n", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading credentials: %v\n", err)
		return 1
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = creds.GetAPIKey("ace")
	}

	model := cfg.Model
	if *flagModel != "" {
		model = *flagModel
	}

	mode := tools.ModeBuilder
	if *flagPlan {
		mode = tools.ModePlan
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting working directory: %v\n", err)
		return 1
	}

	dataDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error preparing data directory: %v\n", err)
		return 1
	}
	store, err := history.Open(filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening history store: %v\n", err)
		return 1
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge := mcpbridge.New(ctx, cfg.ExternalServers)
	defer bridge.Close()

	tracker := delta.New(store.DB())
	registry := buildRegistry(cwd, bridge, cfg, tracker)
	executor := tools.NewExecutor(registry)
	prov := provider.NewClient(cfg.Endpoint, apiKey)

	sess, hist, err := resolveSession(store, model)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving session: %v\n", err)
		return 1
	}

	bus := eventbus.New()
	loop := engine.New(prov, registry, executor, store, bus, tracker, mode, cwd, model, sess, hist)

	renderDone := make(chan struct{})
	go renderEvents(bus, renderDone)

	quotaDone := make(chan struct{})
	go func() {
		pollQuota(ctx, prov, bus)
		close(quotaDone)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	fmt.Printf("ace — session %s (%s mode, model %s)\n", loop.Session.ID, modeLabel(mode), model)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			break
		}
		if err := loop.ProcessTurn(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "[turn error: %v]\n", err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	cancel()
	<-quotaDone
	bus.Close()
	<-renderDone
	return 0
}

// pollQuota is the best-effort background poller of §6/§12: it runs
// outside the Conversation Loop and only ever surfaces a SystemNotice, it
// never influences a turn in progress.
func pollQuota(ctx context.Context, prov *provider.Client, bus *eventbus.Bus) {
	ticker := time.NewTicker(quotaPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := prov.FetchQuota(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("quota poll failed")
				continue
			}
			for _, m := range status.ModelRemains {
				if m.CurrentIntervalTotalCount > 0 && m.CurrentIntervalUsageCount >= m.CurrentIntervalTotalCount {
					bus.Publish(eventbus.Event{Kind: eventbus.SystemNotice, Text: fmt.Sprintf(
						"Quota exhausted for this interval (resets in %dms).", m.RemainsTimeMS)})
				}
			}
		}
	}
}

func modeLabel(m tools.Mode) string {
	if m == tools.ModePlan {
		return "PLAN"
	}
	return "BUILDER"
}

// loadConfig resolves config.json from the data directory, falling back to
// ./config.json only when the data directory has none, per §6.
func loadConfig() (*config.Config, error) {
	path := filepath.Join(".", "config.json")
	if dataDir, err := config.DataDir(); err == nil {
		dataDirPath := filepath.Join(dataDir, "config.json")
		if _, statErr := os.Stat(dataDirPath); statErr == nil {
			path = dataDirPath
		}
	}
	return config.Load(path)
}

// buildRegistry assembles the 8 built-in tools plus the external bridge.
func buildRegistry(cwd string, bridge *mcpbridge.Bridge, cfg *config.Config, tracker *delta.Tracker) *tools.Registry {
	sh := shell.New(cwd, nil)
	builtins := []tools.Tool{
		tools.NewReadFileTool(cwd),
		tools.NewWriteFileTool(cwd, tracker),
		tools.NewEditFileTool(cwd, tracker),
		tools.NewGlobTool(cwd),
		tools.NewGrepTool(cwd),
		tools.NewListDirectoryTool(cwd),
		tools.NewBashTool(sh),
		tools.NewWebSearchTool(cfg.WebSearchEndpoint, cfg.WebSearchAPIKey),
	}
	return tools.NewRegistry(builtins, bridge)
}

// resolveSession continues the most recent session if one exists,
// otherwise creates a fresh one.
func resolveSession(store *history.Store, model string) (*history.Session, []history.Message, error) {
	id, err := store.LatestSessionID()
	if err != nil {
		return nil, nil, err
	}
	if id == "" {
		sess, err := store.CreateSession(model)
		if err != nil {
			return nil, nil, err
		}
		return sess, nil, nil
	}
	msgs, err := store.LoadMessages(id)
	if err != nil {
		return nil, nil, err
	}
	sessions, err := store.ListSessions()
	if err != nil {
		return nil, nil, err
	}
	for _, s := range sessions {
		if s.ID == id {
			sess := s.Session
			return &sess, msgs, nil
		}
	}
	sess, err := store.CreateSession(model)
	return sess, nil, err
}

// renderEvents is the plain stdout EB consumer standing in for the
// rendering widgets collaborator (out of scope per §1).
func renderEvents(bus *eventbus.Bus, done chan<- struct{}) {
	defer close(done)
	for ev := range bus.Events() {
		switch ev.Kind {
		case eventbus.StreamStart:
			// No visual cue in a plain line-printing consumer; a richer
			// rendering collaborator would show a spinner here.
		case eventbus.ContentDelta:
			fmt.Print(ev.Text)
		case eventbus.ReasoningDelta:
			// Reasoning is not printed inline by default; a richer
			// rendering collaborator would show it in a side pane.
		case eventbus.ToolCallSnapshot:
			// Live preview only; nothing to render without a widget.
		case eventbus.AssistantFinalized:
			fmt.Println()
		case eventbus.ToolStart:
			fmt.Printf("\n[tool] %s...\n", ev.Name)
		case eventbus.ToolEnd:
			fmt.Printf("[tool] %s: %s\n", ev.CallID, ev.Status)
		case eventbus.TokenUsage:
			// Polled separately by a status-line collaborator in a richer UI.
		case eventbus.SystemNotice:
			fmt.Printf("\n[notice] %s\n", ev.Text)
		case eventbus.Error:
			fmt.Printf("\n[error] %s\n", ev.Text)
		case eventbus.TurnDone:
			fmt.Println()
		}
	}
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return err
	}
	logFile := filepath.Join(logDir, "ace.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	return nil
}
