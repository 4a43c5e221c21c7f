package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/turnlog/internal/api"
	"github.com/user/turnlog/internal/delivery"
	"github.com/user/turnlog/internal/telegram"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the turnlog daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "turnlog.pid")
}

func writePIDFile(dataDir string) (string, error) {
	path := pidPath(dataDir)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	pidFile, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidFile)

	if err := s.Start(ctx); err != nil {
		return err
	}

	slog.Info("turnlog started",
		"data_dir", cfg.DataDir,
		"storage", cfg.Storage.Driver,
		"counter", cfg.Counter.Driver,
		"queue", cfg.Queue.Driver,
		"max_concurrent", cfg.MaxConcurrent,
		"max_tool_rounds", cfg.MaxToolRounds,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"pid_file", pidFile,
	)

	// Replies for runs without a caller waiting go back by session key.
	deliveryReg := delivery.NewRegistry()
	s.gateway.SetDeliverer(deliveryReg)

	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, s.gateway, s.log, s.sessions)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		deliveryReg.Register("telegram:", adapter.Deliver)
		go adapter.Start(ctx)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	if cfg.HTTP.Enabled {
		srv := api.NewServer(s.sessions, s.log, s.messages, s.hub, s.gateway, s.allocator)
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.HTTP.Listen); err != nil {
				slog.Error("http server error", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			cancel()
			s.Close()
			os.Remove(pidFile)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				return fmt.Errorf("re-exec: %w", err)
			}
		}
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
