// Package main provides the CLI entrypoint for viva.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ent0n29/viva/internal/app"
	"github.com/ent0n29/viva/internal/config"
	"github.com/ent0n29/viva/internal/observability"
	"github.com/ent0n29/viva/internal/protocol"
	"github.com/ent0n29/viva/internal/session"
)

var (
	envFile string

	runStudent     string
	runInstruction string
	runRecord      string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "viva",
		Short:        "Live audio dialogue engine for oral examinations",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("load env file: %w", err)
				}
				return nil
			}
			_ = godotenv.Load()
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load (default: .env if present)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newReplayCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one session on the local audio devices",
		Args:  cobra.NoArgs,
		RunE:  runSession,
	}
	cmd.Flags().StringVar(&runStudent, "student", "", "student identifier")
	cmd.Flags().StringVar(&runInstruction, "instruction", "", "system instruction for the examiner")
	cmd.Flags().StringVar(&runRecord, "record", "", "write captured audio to this WAV file")
	return cmd
}

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <events.jsonl>",
		Short: "Feed a recorded event log through the session pipeline",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplay,
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	built.Sessions.StartJanitor(ctx, 5*time.Second)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.BindAddr).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.WithError(err).Error("listen error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
		_ = httpServer.Close()
	}
	if err := built.Cleanup(); err != nil {
		logger.WithError(err).Warn("cleanup incomplete")
	}
	logger.Info("shutdown complete")
	return nil
}

func runSession(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.WithError(err).Warn("cleanup incomplete")
		}
	}()

	c := built.Launcher.NewSession(session.StartRequest{
		StudentID:         runStudent,
		SystemInstruction: runInstruction,
		RecordPath:        runRecord,
	})
	finals := make(chan session.Final, 1)
	c.OnFinal(func(f session.Final) { finals <- f })
	if err := built.Sessions.Add(runStudent, c); err != nil {
		return err
	}

	notes, unsubscribe := c.Subscribe()
	defer unsubscribe()
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session %s live, press Ctrl+C to end\n", c.ID())
	go printNotifications(out, notes, logger)

	select {
	case <-ctx.Done():
		_ = c.End()
	case <-c.Done():
	}
	<-c.Done()

	select {
	case f := <-finals:
		app.PrintFinal(out, f)
	default:
	}
	return nil
}

func printNotifications(out io.Writer, notes <-chan session.Notification, log *logrus.Logger) {
	for n := range notes {
		switch msg := n.Payload.(type) {
		case protocol.TurnCommitted:
			fmt.Fprintf(out, "%s: %s\n", msg.Speaker, msg.Text)
		case protocol.BargeIn:
			fmt.Fprintf(out, "(barge-in: %s)\n", msg.InterpretationType)
		case protocol.ErrorEvent:
			log.WithField("code", msg.Code).Error(msg.Detail)
		}
	}
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	events, err := app.ReadEventLog(f)
	if err != nil {
		return err
	}

	launcher := app.NewLauncher(cfg, nil, nil, nil, nil, logrus.NewEntry(logger))
	final, err := launcher.Replay(cmd.Context(), events)
	if err != nil {
		return err
	}
	app.PrintFinal(cmd.OutOrStdout(), final)
	return nil
}
