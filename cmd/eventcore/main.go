package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ledfleet/eventcore"
	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/internal/config"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "eventcore",
		Short: "LED fleet event delivery core",
		Long: `eventcore consumes fleet domain events from RabbitMQ, classifies them
and pushes the resulting envelopes to connected users over websockets.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file (default eventcore.yaml when present)")

	load := func() (*config.Config, *slog.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		if cfg.App.Version == "dev" {
			cfg.App.Version = version
		}
		logger := cfg.NewLogger()
		slog.SetDefault(logger)
		return cfg, logger, nil
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume events and serve websocket clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}

	var (
		eventType string
		eventID   string
		orgID     int64
		receiver  int64
		sender    int64
		title     string
		content   string
		priority  string
		metadata  map[string]string
		fromFile  string
	)
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a domain event to the events exchange",
		Long:  "Publish one event, either built from flags or read as JSON from --file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}

			var event *contracts.Event
			if fromFile != "" {
				body, err := os.ReadFile(fromFile)
				if err != nil {
					return fmt.Errorf("failed to read event file: %w", err)
				}
				if event, err = contracts.DecodeEvent(body); err != nil {
					return err
				}
			} else {
				if eventType == "" {
					return errors.New("--type is required without --file")
				}
				event = &contracts.Event{
					ID:        eventID,
					Type:      eventType,
					Title:     title,
					Content:   content,
					Priority:  priority,
					Metadata:  parseMetadata(metadata),
					MaxRetry:  contracts.DefaultMaxRetry,
					CreatedAt: time.Now().UTC(),
				}
				if orgID != 0 {
					event.OrgID = contracts.Int64(orgID)
				}
				if receiver != 0 {
					event.ReceiverID = contracts.Int64(receiver)
				}
				if sender != 0 {
					event.SenderID = contracts.Int64(sender)
				}
			}
			if event.ID == "" {
				event.ID = uuid.New().String()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			core, err := eventcore.New(ctx, cfg, eventcore.WithLogger(logger))
			if err != nil {
				return err
			}
			defer core.Close()

			if err := core.Connect(ctx); err != nil {
				return err
			}
			key, err := core.Publish(ctx, event)
			if err != nil {
				return err
			}
			fmt.Printf("Published %s as %s\n", event.ID, key)
			return nil
		},
	}
	publishCmd.Flags().StringVarP(&eventType, "type", "t", "", "event type, e.g. DEVICE_OFFLINE")
	publishCmd.Flags().StringVar(&eventID, "id", "", "event id (generated when empty)")
	publishCmd.Flags().Int64Var(&orgID, "org", 0, "organization id")
	publishCmd.Flags().Int64Var(&receiver, "receiver", 0, "receiving user id")
	publishCmd.Flags().Int64Var(&sender, "sender", 0, "sending user id")
	publishCmd.Flags().StringVar(&title, "title", "", "event title")
	publishCmd.Flags().StringVar(&content, "content", "", "event content")
	publishCmd.Flags().StringVar(&priority, "priority", "", "LOW, NORMAL, HIGH, URGENT or CRITICAL")
	publishCmd.Flags().StringToStringVarP(&metadata, "meta", "m", nil, "metadata key=value pairs")
	publishCmd.Flags().StringVarP(&fromFile, "file", "f", "", "read the event as JSON from a file")

	deadLetterCmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dlq"},
		Short:   "Inspect dead-lettered events",
	}

	deadLetterGetCmd := &cobra.Command{
		Use:   "get <event-id>",
		Short: "Show the dead-letter record of an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			core, err := eventcore.New(cmd.Context(), cfg, eventcore.WithLogger(logger))
			if err != nil {
				return err
			}
			defer core.Close()

			rec, found, err := core.DeadLetters().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no dead-letter record for %s", args[0])
			}
			return printJSON(rec)
		},
	}

	var day string
	deadLetterStatsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show dead-letter counts for one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			when := time.Now()
			if day != "" {
				if when, err = time.Parse("2006-01-02", day); err != nil {
					return fmt.Errorf("invalid --day: %w", err)
				}
			}

			core, err := eventcore.New(cmd.Context(), cfg, eventcore.WithLogger(logger))
			if err != nil {
				return err
			}
			defer core.Close()

			stats, err := core.DeadLetters().Stats(cmd.Context(), when)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
	deadLetterStatsCmd.Flags().StringVar(&day, "day", "", "day as YYYY-MM-DD (default today, UTC)")

	deadLetterCmd.AddCommand(deadLetterGetCmd, deadLetterStatsCmd)
	rootCmd.AddCommand(serveCmd, publishCmd, deadLetterCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	core, err := eventcore.New(ctx, cfg, eventcore.WithLogger(logger))
	if err != nil {
		return err
	}
	defer core.Close()

	if err := core.Connect(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           core.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return core.Run(ctx)
	})
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// parseMetadata keeps numeric and boolean flag values typed so classifiers
// read them the same way as producer JSON
func parseMetadata(raw map[string]string) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = n
			continue
		}
		if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
			continue
		}
		out[k] = v
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
