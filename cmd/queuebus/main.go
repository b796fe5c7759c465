package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/glimte/queuebus"
	"github.com/glimte/queuebus/config"
	"github.com/glimte/queuebus/health"
	"github.com/glimte/queuebus/messaging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type globalFlags struct {
	configPath string
	transport  string
	url        string
	service    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:           "queuebus",
		Short:         "Run and talk to a queuebus parity service",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVarP(&flags.transport, "transport", "t", "", "Transport kind: memory, rabbitmq or redis")
	rootCmd.PersistentFlags().StringVarP(&flags.url, "url", "u", "", "Transport URL")
	rootCmd.PersistentFlags().StringVarP(&flags.service, "service", "s", "", "Service name")

	rootCmd.AddCommand(newServeCmd(&flags), newAskCmd(&flags), newPurgeCmd(&flags))
	return rootCmd
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(flags *globalFlags) (config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	} else {
		cfg.ApplyEnv()
	}

	if flags.transport != "" {
		cfg.Transport.Kind = flags.transport
	}
	if flags.url != "" {
		cfg.Transport.URL = flags.url
	}
	if flags.service != "" {
		cfg.Service = flags.service
	}
	return cfg, cfg.Validate()
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Answer GetParity requests until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if flags.service == "" && flags.configPath == "" {
				cfg.Service = "parity"
			}
			logger := cfg.NewLogger(os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			types, err := parityTypes()
			if err != nil {
				return err
			}
			client, err := queuebus.NewClient(ctx, cfg,
				queuebus.WithLogger(logger),
				queuebus.WithTypes(types),
				queuebus.WithHandlers(parityHandler(logger)),
			)
			if err != nil {
				return err
			}

			unsubscribe := client.Bus().OnFault(func(ev messaging.FaultEvent) {
				logger.Warn("fault", "reason", ev.Reason, "queue", ev.Queue, "typeTag", ev.TypeTag, "messageId", ev.MessageID, "error", ev.Err)
			})
			defer unsubscribe()

			if err := client.Start(ctx); err != nil {
				_ = client.Close(context.Background())
				return err
			}

			srv := newHTTPServer(cfg.HTTP.Addr, client.Health())
			if srv != nil {
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("http server failed", "addr", srv.Addr, "error", err)
						stop()
					}
				}()
				logger.Info("http listening", "addr", srv.Addr)
			}

			logger.Info("serving", "queue", client.Bus().InputQueue(), "transport", cfg.Transport.Kind)
			<-ctx.Done()
			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace.Duration+5*time.Second)
			defer cancel()
			if srv != nil {
				_ = srv.Shutdown(shutdownCtx)
			}
			return client.Close(shutdownCtx)
		},
	}
}

func newHTTPServer(addr string, registry *health.Registry) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))
	mux.Handle("/livez", health.LivenessHandler())
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func newAskCmd(flags *globalFlags) *cobra.Command {
	var (
		id      int
		queue   string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Ask the parity service whether a number is even",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if flags.service == "" && flags.configPath == "" {
				cfg.Service = "parity-cli"
			}
			cfg.HTTP.Addr = ""
			logger := cfg.NewLogger(os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			types, err := parityTypes()
			if err != nil {
				return err
			}
			client, err := queuebus.NewClient(ctx, cfg,
				queuebus.WithLogger(logger),
				queuebus.WithTypes(types),
				queuebus.WithPrometheusRegisterer(nil),
			)
			if err != nil {
				return err
			}
			defer client.Close(context.Background())
			if err := client.Start(ctx); err != nil {
				return err
			}

			reply, err := client.Bus().Request(ctx, &GetParity{ID: id},
				messaging.To(queue),
				messaging.Timeout(timeout),
			)
			if err != nil {
				return err
			}
			p, ok := reply.Payload.(*Parity)
			if !ok {
				return fmt.Errorf("unexpected reply %T", reply.Payload)
			}
			word := "odd"
			if p.Even {
				word = "even"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d is %s\n", p.ID, word)
			return nil
		},
	}
	cmd.Flags().IntVar(&id, "id", 0, "Number to ask about")
	cmd.Flags().StringVarP(&queue, "queue", "q", "parity-queue", "Queue the parity service consumes")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for the reply")
	return cmd
}

func newPurgeCmd(flags *globalFlags) *cobra.Command {
	var (
		queue   string
		typeTag string
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove queued messages, optionally only those of one type",
		RunE: func(cmd *cobra.Command, args []string) error {
			if queue == "" {
				return errors.New("--queue is required")
			}
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger := cfg.NewLogger(os.Stderr)

			client, err := queuebus.NewClient(cmd.Context(), cfg,
				queuebus.WithLogger(logger),
				queuebus.WithPrometheusRegisterer(nil),
			)
			if err != nil {
				return err
			}
			defer client.Close(context.Background())

			n, err := client.Bus().Purge(cmd.Context(), queue, typeTag)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d messages from %s\n", n, queue)
			return nil
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Queue to purge")
	cmd.Flags().StringVar(&typeTag, "type", "", "Only purge messages with this type tag")
	return cmd
}
