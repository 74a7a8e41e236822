// Command scansync runs the offline-first sync engine: a serve mode with
// the local diagnostics HTTP surface, plus one-shot subcommands for
// syncing, inspecting the queue, and checking usage.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/scansync/engine"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	ConfigPath string
	DBPath     string
	RemoteURL  string
	Verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "scansync",
		Short:         "Offline-first sync engine for ingredient analysis",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", env("SCANSYNC_CONFIG", ""), "path to YAML config")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", env("SCANSYNC_DB", ""), "path to SQLite database")
	cmd.PersistentFlags().StringVar(&opts.RemoteURL, "remote", env("SCANSYNC_REMOTE", ""), "remote service base URL")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newUsageCommand(opts))

	return cmd
}

// loadConfig merges the YAML file (if any) with flag/env overrides.
func loadConfig(opts *rootOptions) (*engine.Config, error) {
	cfg := &engine.Config{}
	if opts.ConfigPath != "" {
		loaded, err := engine.LoadConfigFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", opts.ConfigPath, err)
		}
		cfg = loaded
	}
	if opts.DBPath != "" {
		cfg.DBPath = opts.DBPath
	}
	if opts.RemoteURL != "" {
		cfg.Remote.BaseURL = opts.RemoteURL
	}
	return cfg, nil
}

func setupLogging(verbose bool) *slog.Logger {
	lvl := slog.LevelInfo
	if verbose {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func openEngine(opts *rootOptions) (*engine.Engine, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	return engine.New(cfg, engine.Options{Logger: setupLogging(opts.Verbose)})
}

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr string
	var startOffline bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with the local diagnostics HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			e, err := openEngine(root)
			if err != nil {
				return err
			}
			defer e.Close()

			e.Start(ctx)
			if !startOffline {
				e.SetOnline(true)
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           e.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutCancel()
				srv.Shutdown(shutCtx)
			}()

			slog.Info("scansync: serving", "addr", addr, "offline", startOffline)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", env("SCANSYNC_ADDR", "127.0.0.1:8710"), "listen address")
	cmd.Flags().BoolVar(&startOffline, "offline", false, "start in offline mode")
	return cmd
}

func newSyncCommand(root *rootOptions) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(root)
			if err != nil {
				return err
			}
			defer e.Close()
			e.SetOnline(true)
			waitOnline(e)

			stats, err := e.Sync(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", env("SCANSYNC_OWNER", ""), "owner id (required)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newQueueCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the durable request queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending queue entries oldest-first",
		RunE: func(c *cobra.Command, args []string) error {
			e, err := openEngine(root)
			if err != nil {
				return err
			}
			defer e.Close()

			entries, err := e.QueueEntries(c.Context())
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "process",
		Short: "Drain the queue against the remote service",
		RunE: func(c *cobra.Command, args []string) error {
			e, err := openEngine(root)
			if err != nil {
				return err
			}
			defer e.Close()
			e.SetOnline(true)
			waitOnline(e)

			res, err := e.ProcessQueueIfIdle(c.Context())
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	})

	return cmd
}

func newUsageCommand(root *rootOptions) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show an owner's quota status",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(root)
			if err != nil {
				return err
			}
			defer e.Close()
			e.SetOnline(true)
			waitOnline(e)

			st, err := e.GetUsageStatus(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", env("SCANSYNC_OWNER", ""), "owner id (required)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

// waitOnline blocks through the connectivity debounce window so one-shot
// commands get the online code paths.
func waitOnline(e *engine.Engine) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !e.Online() {
		time.Sleep(50 * time.Millisecond)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
