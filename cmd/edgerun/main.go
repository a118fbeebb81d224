// Command edgerun runs the local emulator: `serve` starts the long-running
// HTTP server with every configured binding wired up, `dev` runs the same
// server under another name (it does not watch .dev.vars for changes),
// `trigger` fires a one-shot cron trigger against a running instance through
// its /__scheduled endpoint, and `migrate` applies the shared store's schema
// without starting the server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/evalgo/edgerun/internal/adapter"
	"github.com/evalgo/edgerun/internal/config"
	"github.com/evalgo/edgerun/internal/httpserver"
	"github.com/evalgo/edgerun/internal/logging"
	"github.com/evalgo/edgerun/internal/store"
	"github.com/evalgo/edgerun/internal/tracing"
)

var (
	flagConfigFile  string
	flagEnvironment string
	flagDataDir     string
	flagLogLevel    string
	flagHTTPAddr    string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "edgerun",
		Short: "Local emulator for serverless edge handlers and their stateful bindings",
	}

	root.PersistentFlags().StringVar(&flagConfigFile, "config", "", "path to the project config file")
	root.PersistentFlags().StringVar(&flagEnvironment, "env", "", "named environment overlay to apply")
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "override the configured data directory")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().StringVar(&flagHTTPAddr, "http-addr", "", "override the configured HTTP listen address")

	root.AddCommand(newServeCommand(false))
	root.AddCommand(newServeCommand(true))
	root.AddCommand(newTriggerCommand())
	root.AddCommand(newMigrateCommand())

	return root
}

func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	return config.Load(config.Options{
		ConfigFile:  flagConfigFile,
		Environment: flagEnvironment,
		Flags:       flags,
	})
}

func newServeCommand(dev bool) *cobra.Command {
	use := "serve"
	short := "Run the HTTP server with all configured bindings"
	if dev {
		use = "dev"
		short = "Run the HTTP server in development mode"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			log := logging.New(logging.Config{
				Level:   logging.Level(strings.ToLower(cfg.LogLevel)),
				Format:  cfg.LogFormat,
				Service: cfg.Name,
			})

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			b, err := adapter.Build(ctx, log, cfg)
			if err != nil {
				return fmt.Errorf("building bindings: %w", err)
			}
			defer b.Close()

			log.AddHook(logging.NewStoreHook(storeSink{b.Store}, cfg.Name))

			provider, err := tracing.NewProvider(ctx, b.Store, tracing.Config{
				ServiceName:   cfg.Name,
				ServiceID:     cfg.Name,
				Version:       "dev",
				Environment:   cfg.Environment,
				Enabled:       cfg.OTELEnabled,
				OTLPEndpoint:  cfg.OTELEndpoint,
				SamplingRatio: cfg.OTELSamplingRatio,
			})
			if err != nil {
				return fmt.Errorf("bootstrapping tracing: %w", err)
			}
			defer provider.Shutdown(context.Background())

			server := httpserver.New(log, b, func(c echo.Context, bindings *adapter.Bindings) error {
				return c.String(http.StatusNotImplemented, "no fetch handler registered for this project")
			}, func(ctx context.Context, cronExpr string, scheduledTime time.Time, bindings *adapter.Bindings) error {
				log.WithField("cron", cronExpr).Info("edgerun: no scheduled handler registered for this project")
				return nil
			})

			go b.RunBackgroundLoops(ctx, log)

			log.WithField("addr", cfg.HTTPAddr).Info("edgerun: listening")
			return server.ListenAndServe(ctx, cfg.HTTPAddr)
		},
	}
}

func newTriggerCommand() *cobra.Command {
	var cronExpr string

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Fire a one-shot cron trigger against a running dev server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cronExpr == "" {
				return fmt.Errorf("--cron is required")
			}

			target := fmt.Sprintf("http://%s/__scheduled?cron=%s", strippedAddr(cfg.HTTPAddr), url.QueryEscape(cronExpr))
			resp, err := http.Get(target)
			if err != nil {
				return fmt.Errorf("triggering: %w", err)
			}
			defer resp.Body.Close()
			fmt.Printf("trigger response: %s\n", resp.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression to simulate")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the shared store's schema without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			s, err := store.Open(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer s.Close()
			fmt.Println("edgerun: schema migrations applied")
			return nil
		},
	}
}

func strippedAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

// storeSink adapts *store.Store to logging.EntrySink.
type storeSink struct {
	s *store.Store
}

func (ss storeSink) WriteLogEntry(e logging.LogEntry) error {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return err
	}
	_, err = ss.s.DB.Exec(`
		INSERT INTO log_entries (timestamp, level, service, message, trace_id, span_id, fields)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Timestamp.Unix(), e.Level, e.Service, e.Message, e.TraceID, e.SpanID, string(fields))
	return err
}
