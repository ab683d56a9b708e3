// ABOUTME: Entry point for the postbox command line tool
// ABOUTME: Wires configuration, logging and the storage backend into cobra subcommands

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/2389/coven-postbox/internal/config"
	"github.com/2389/coven-postbox/internal/notify"
	"github.com/2389/coven-postbox/internal/store"
)

// Version is set at build time.
var version = "dev"

// rootOptions holds the global flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func main() {
	// A missing .env is normal.
	_ = godotenv.Load(".env")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "postbox",
		Short:         "Messenger persistence and delivery core",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (yaml or toml)")

	cmd.AddCommand(newContactsCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newDirectCommand(opts))
	cmd.AddCommand(newPostCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newWipeCommand(opts))
	cmd.AddCommand(newRunCommand(opts))

	return cmd
}

// getConfigPath returns the config file to load, or "" to use defaults.
// Priority: --config flag > POSTBOX_CONFIG env var > XDG_CONFIG_HOME/postbox/config.yaml
// The XDG location is only used when the file exists.
func getConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if envPath := os.Getenv("POSTBOX_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	path := filepath.Join(configDir, "postbox", "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// getDataPath returns the directory holding the default database.
// Priority: XDG_DATA_HOME/postbox > ~/.local/share/postbox
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "postbox")
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	path := getConfigPath(opts.configPath)
	if path == "" {
		cfg := config.Default()
		cfg.Database.Path = filepath.Join(getDataPath(), "postbox.db")
		return cfg, nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// openBackend builds the configured backend. Open failures are also
// reported on reporter so that subscribers see them.
func openBackend(cfg config.DatabaseConfig, reporter notify.Reporter, logger *slog.Logger) (store.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemoryStore(), nil
	case config.BackendSQLite:
		s, err := store.NewSQLiteStore(cfg.Path,
			store.WithDriver(cfg.Driver),
			store.WithBusyTimeout(cfg.BusyTimeout),
			store.WithLogger(logger),
		)
		if err != nil {
			if reporter != nil {
				reporter.Report(notify.SourceBackend, err)
			}
			return nil, fmt.Errorf("opening store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// env is everything a subcommand needs once config has been resolved.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	stream  *notify.Stream
	backend store.Backend
}

func (e *env) Close() error {
	e.stream.Close()
	return e.backend.Close()
}

// setup loads config, builds the logger and opens the backend.
// Callers must Close the returned env.
func setup(cmd *cobra.Command, opts *rootOptions) (*env, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	logger := setupLogger(cfg.Logging, cmd.ErrOrStderr())
	stream := notify.NewStream(cfg.Notify.Buffer, nil, logger)

	backend, err := openBackend(cfg.Database, stream, logger)
	if err != nil {
		stream.Close()
		return nil, err
	}

	return &env{cfg: cfg, logger: logger, stream: stream, backend: backend}, nil
}

var errUsage = errors.New("invalid arguments")
