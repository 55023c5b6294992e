// ABOUTME: Entry point for the courier-gateway server
// ABOUTME: Loads configuration, wires the store and gateway, and runs until signaled

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/courier-gateway/internal/config"
	"github.com/2389/courier-gateway/internal/gateway"
	"github.com/2389/courier-gateway/internal/message"
	"github.com/2389/courier-gateway/internal/session"
	"github.com/2389/courier-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                      _
  ___ ___  _   _ _ __(_) ___ _ __      __ _  __ _| |_ _____      ____ _ _   _
 / __/ _ \| | | | '__| |/ _ \ '__|____/ _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| (_) | |_| | |  | |  __/ | |____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \___\___/ \__,_|_|  |_|\___|_|       \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                      |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: COURIER_CONFIG env var > XDG_CONFIG_HOME/courier/gateway.yaml > ~/.config/courier/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COURIER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "courier", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: courier-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the gateway server")
		fmt.Println("  health   Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting courier-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COURIER_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}
	defer s.Close()

	gw, err := gateway.New(cfg, gateway.Collaborators{
		Store:    s,
		Executor: echoExecutor{},
		Pairer:   openPairer{},
	}, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	// Until real channel adapters attach over their transports, a loopback
	// adapter keeps the readiness endpoint honest and lets the pipeline be
	// exercised end to end.
	gw.RegisterAdapter("loopback", loopbackAdapter{logger: logger})

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s: %s\n", resp.Status, string(body))
	return nil
}

// echoExecutor is a stand-in agent executor that echoes the user's text.
// Real deployments plug an LLM-backed executor in here.
type echoExecutor struct{}

func (echoExecutor) RunTurn(ctx context.Context, s *session.Session, text string) (string, error) {
	s.AppendTurn(session.RoleUser, text)
	reply := "echo: " + text
	s.AppendTurn(session.RoleAssistant, reply)
	s.AddUsage(int64(len(text)), int64(len(reply)))
	return reply, nil
}

func (e echoExecutor) RunTurnStream(ctx context.Context, s *session.Session, text string) (<-chan gateway.TurnEvent, error) {
	reply, err := e.RunTurn(ctx, s, text)
	if err != nil {
		return nil, err
	}
	events := make(chan gateway.TurnEvent, 2)
	events <- gateway.TurnEvent{Kind: gateway.TurnTextDelta, Text: reply}
	events <- gateway.TurnEvent{Kind: gateway.TurnDone, Text: reply}
	close(events)
	return events, nil
}

// openPairer approves every sender. Channels with a pairing policy need a
// real pairing collaborator wired in instead.
type openPairer struct{}

func (openPairer) IsApproved(channelID, senderID string) bool { return true }

func (openPairer) GenerateCode(channelID, senderID string) (string, error) {
	return "", fmt.Errorf("pairing not configured")
}

// loopbackAdapter logs deliveries instead of sending them anywhere.
type loopbackAdapter struct {
	logger *slog.Logger
}

func (a loopbackAdapter) Send(ctx context.Context, msg *message.Outbound) error {
	a.logger.Info("loopback delivery", "recipient_id", msg.RecipientID, "text", msg.Text)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	_, err := os.Stdout.WriteString(buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandler := &colorHandler{
		level:  h.level,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
	return newHandler
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newHandler := &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
	return newHandler
}
