// ABOUTME: Entry point for coven-relay
// ABOUTME: Loads config, opens the session store, and runs the Matrix and HTTP frontends

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/api"
	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/dispatch"
	"github.com/2389/coven-relay/internal/frontend/matrix"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/store"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
                                                  _
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: COVEN_RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.yaml > ~/.config/coven/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "relay.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                   Start the relay")
		fmt.Println("  health                  Check the HTTP frontend's health")
		fmt.Println("  exchanges USER [LIMIT]  List a user's recent exchanges (sqlite store only)")
		fmt.Println("  version                 Print the version")
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
	case "exchanges":
		err = runExchanges(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
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
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Backend:   %s\n", cfg.Backend.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s", cfg.Store.Driver)
	if cfg.Store.Driver == config.StoreDriverMemory {
		yellow.Print(" (not persistent)")
	}
	fmt.Println()
	if cfg.Frontends.Matrix.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Matrix:    %s\n", cfg.Frontends.Matrix.UserID)
	}
	if cfg.Frontends.HTTP.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Frontends.HTTP.Addr)
	}
	if len(cfg.Dispatch.AllowedChats) > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Access:    %d allowed chats\n", len(cfg.Dispatch.AllowedChats))
	}
	fmt.Println()

	sessions, exchangeLog, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer sessions.Close()

	client := backend.NewClient(backend.Options{
		BaseURL:              cfg.Backend.BaseURL,
		Credential:           cfg.Backend.Credential,
		RequestTimeout:       cfg.Backend.RequestTimeout,
		ProvisionBackoff:     cfg.Session.ProvisionBackoff,
		MaxProvisionAttempts: cfg.Session.MaxProvisionAttempts,
		ProvisionTimeout:     cfg.Session.ProvisionTimeout,
		Logger:               logger,
	})

	svc, err := relay.New(relay.Options{
		Backend:          client,
		Store:            sessions,
		ExchangeLog:      exchangeLog,
		MaxRollbacks:     cfg.Session.MaxRollbacks,
		Window:           cfg.Session.Window,
		RefreshThreshold: cfg.Session.RefreshThreshold,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	seen := dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize)
	defer seen.Close()

	dispatcher := dispatch.New(dispatch.Options{
		Relay:        svc,
		AdminID:      cfg.Dispatch.AdminID,
		AllowedChats: cfg.Dispatch.AllowedChats,
		GroupPrefix:  cfg.Dispatch.GroupPrefix,
		Dedupe:       seen,
		Logger:       logger,
	})

	logger.Info("starting coven-relay",
		"config", configPath,
		"store", cfg.Store.Driver,
		"window", cfg.Session.Window,
		"refresh_threshold", cfg.Session.RefreshThreshold,
	)

	return runFrontends(ctx, cfg, dispatcher, logger)
}

// openStore creates the configured session store. The exchange log is nil
// for drivers that do not keep one.
func openStore(ctx context.Context, cfg *config.Config) (store.SessionStore, store.ExchangeLog, error) {
	prefix := cfg.Session.KeyPrefix
	switch cfg.Store.Driver {
	case config.StoreDriverSQLite:
		s, err := store.NewSQLiteStore(cfg.Store.SQLitePath, prefix)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return s, s, nil
	case config.StoreDriverRedis:
		s, err := store.NewRedisStore(ctx, store.RedisOptions{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
			Prefix:   prefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("opening redis store: %w", err)
		}
		return s, nil, nil
	default:
		return store.NewMemoryStore(prefix), nil, nil
	}
}

// runFrontends runs every enabled frontend until ctx is cancelled or one fails.
func runFrontends(ctx context.Context, cfg *config.Config, d *dispatch.Dispatcher, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type runner interface {
		Run(ctx context.Context) error
	}
	var runners []runner

	if cfg.Frontends.Matrix.Enabled {
		bridge, err := matrix.NewBridge(matrix.Config{
			Homeserver:  cfg.Frontends.Matrix.Homeserver,
			UserID:      cfg.Frontends.Matrix.UserID,
			AccessToken: cfg.Frontends.Matrix.AccessToken,
		}, d, logger)
		if err != nil {
			return err
		}
		runners = append(runners, bridge)
	}
	if cfg.Frontends.HTTP.Enabled {
		runners = append(runners, api.NewServer(cfg.Frontends.HTTP.Addr, d, logger))
	}

	errCh := make(chan error, len(runners))
	for _, r := range runners {
		go func() {
			errCh <- r.Run(ctx)
		}()
	}

	var errs []error
	for range runners {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
			cancel()
		}
	}
	return errors.Join(errs...)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.Frontends.HTTP.Enabled {
		return fmt.Errorf("the HTTP frontend is not enabled")
	}

	url := fmt.Sprintf("http://%s/health", cfg.Frontends.HTTP.Addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runExchanges(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: coven-relay exchanges USER [LIMIT]")
	}
	limit := 20
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid limit %q: %w", args[1], err)
		}
		limit = n
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Store.Driver != config.StoreDriverSQLite {
		return fmt.Errorf("exchange history is only kept by the sqlite store")
	}

	s, err := store.NewSQLiteStore(cfg.Store.SQLitePath, cfg.Session.KeyPrefix)
	if err != nil {
		return fmt.Errorf("opening sqlite store: %w", err)
	}
	defer s.Close()

	records, err := s.ListExchanges(ctx, args[0], limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no exchanges recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tCONVERSATION\tPROMPT\tREPLY\tELAPSED\tPERSISTED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%t\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			r.ConversationID, r.PromptChars, r.ReplyChars, r.Elapsed.Round(time.Millisecond), r.Persisted)
	}
	return w.Flush()
}
