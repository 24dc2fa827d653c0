package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cdcstream/internal/config"
	"cdcstream/internal/constants"
	"cdcstream/internal/logger"
	"cdcstream/pkg/logging"
)

var (
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   constants.ServiceName,
		Short: "CDC stream processor",
		Long:  "Consumes change events from Kafka, enriches them per topic and republishes them to Kafka and Kinesis",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (defaults and environment are used when empty)")

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the stream processor",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog()

			if configFile == "" {
				configFile = os.Getenv("CONFIG_FILE")
				if configFile == "" {
					earlyLog.Warn("No config file given, using defaults and environment")
				}
			}

			cfg, err := config.Load(configFile)
			if err != nil {
				earlyLog.Warn("Failed to load config: %v", err)
				return err
			}

			log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				earlyLog.Warn("Failed to init logger: %v", err)
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.InfowCtx(ctx, "Starting stream processor",
				"topics", cfg.Processing.Topics,
				"brokers", cfg.Broker.Kafka.Brokers,
			)

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.Errorw("Failed to initialize application", "error", err)
				shutdownErr := app.Shutdown(context.Background())
				return errors.Join(fmt.Errorf("initialize: %w", err), shutdownErr)
			}

			log.InfowCtx(ctx, "Service running")
			runErr := app.Run(ctx)
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				log.ErrorwCtx(ctx, "Service stopped with error", "error", runErr)
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout*2)
			defer shutdownCancel()
			if err := app.Shutdown(shutdownCtx); err != nil {
				log.Errorw("Shutdown finished with errors", "error", err)
				return err
			}

			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return runErr
			}
			log.Infow("Service shutdown complete")
			return nil
		},
	}
}
