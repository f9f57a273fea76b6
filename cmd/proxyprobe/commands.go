package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/proxyprobe"
	"github.com/loykin/proxyprobe/internal/logger"
	"github.com/loykin/proxyprobe/internal/results"
	"github.com/loykin/proxyprobe/internal/subscription"
	"github.com/loykin/proxyprobe/pkg/client"
)

// setup loads the config and installs the application logger.
func setup(g *GlobalFlags) (*proxyprobe.Config, *slog.Logger, io.Closer, error) {
	cfg, err := proxyprobe.LoadConfig(g.ConfigPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error loading config: %w", err)
	}
	log, closer := logger.New(cfg.Log)
	slog.SetDefault(log)
	return cfg, log, closer, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func createServeCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sweep loop, the results API and the metrics endpoint",
		Long: `Run sweeps forever at the configured interval. The results API and the
metrics endpoint are started when enabled in the config. SIGINT/SIGTERM stop
the loop after the current attempt has cleaned up.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, closer, err := setup(g)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			e, err := proxyprobe.New(cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return e.Serve(ctx)
		},
	}
}

func createSweepCommand(g *GlobalFlags) *cobra.Command {
	f := &SweepFlags{}
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Probe every manifest entry once and exit",
		Long: `Probe every manifest entry once, write the snapshot and exit.
With --api-url the sweep is requested from a running server instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.APIUrl != "" {
				c := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
				if err := c.TriggerSweep(cmd.Context()); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "sweep requested")
				return nil
			}
			cfg, log, closer, err := setup(g)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			e, err := proxyprobe.New(cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			sum, err := e.SweepOnce(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sweep %s: %d entries, %d online, %d offline in %s\n",
				sum.Result, sum.Entries, sum.Online, sum.Offline, sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "results API of a running server, e.g. http://127.0.0.1:7070/api")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "API request timeout")
	return cmd
}

func createStatusCommand(g *GlobalFlags) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest results",
		Long: `Show the latest results sorted by delay, read from the snapshot file or,
with --api-url, from a running server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch f.Status {
			case "", string(results.StatusOnline), string(results.StatusOffline):
			default:
				return fmt.Errorf("--status must be online or offline")
			}
			snap, err := loadSnapshot(cmd.Context(), g, f)
			if err != nil {
				return err
			}
			if f.Status != "" {
				snap = filterStatus(snap, results.Status(f.Status))
			}
			if f.JSON {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			return printTable(cmd.OutOrStdout(), snap)
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "only show online or offline results")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print the snapshot as JSON")
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "results API of a running server")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "API request timeout")
	return cmd
}

func loadSnapshot(ctx context.Context, g *GlobalFlags, f *StatusFlags) (results.Snapshot, error) {
	if f.APIUrl != "" {
		c := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
		return c.Results(ctx, f.Status)
	}
	cfg, err := proxyprobe.LoadConfig(g.ConfigPath)
	if err != nil {
		return results.Snapshot{}, fmt.Errorf("error loading config: %w", err)
	}
	snap, err := results.ReadSnapshot(cfg.Results.File)
	if errors.Is(err, os.ErrNotExist) {
		return results.Snapshot{}, fmt.Errorf("no results yet at %s; run a sweep first", cfg.Results.File)
	}
	return snap, err
}

func createImportCommand(g *GlobalFlags) *cobra.Command {
	f := &ImportFlags{}
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Fetch a subscription feed into the manifest directory",
		Long: `Fetch a subscription feed and write one engine config per line plus
config_list.json into the manifest directory. Without --url the subscription_url
setting is used, then the URL remembered from the previous import.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, closer, err := setup(g)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			dir := cfg.Manifest.Dir
			url := firstNonEmpty(f.URL, cfg.SubscriptionURL, subscription.LoadURL(dir))
			if url == "" {
				return fmt.Errorf("no subscription URL: pass --url or set subscription_url")
			}
			lines, err := subscription.Fetch(cmd.Context(), &http.Client{Timeout: f.Timeout}, url)
			if err != nil {
				return err
			}
			n, err := subscription.Import(lines, &subscription.JSONConverter{}, dir, log)
			if err != nil {
				return err
			}
			if err := subscription.SaveURL(dir, url); err != nil {
				log.Warn("Failed to remember subscription URL", "error", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d configs into %s\n", n, len(lines), dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.URL, "url", "", "subscription URL")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", subscription.FetchTimeout, "fetch timeout")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "proxyprobe", version)
		},
	}
}
