// Package main provides the hgpusher binary: the worker that consumes
// apply jobs, lands their patches on a mercurial branch and reports
// the push outcome back to the orchestrator.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relengtools/autoland/bugzilla"
	"github.com/relengtools/autoland/bus"
	"github.com/relengtools/autoland/config"
	"github.com/relengtools/autoland/directory"
	"github.com/relengtools/autoland/hg"
	"github.com/relengtools/autoland/pusher"
	"github.com/relengtools/autoland/store"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "hgpusher"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPaths []string
		logLevel    string
		workRoot    string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Autoland patch pusher",
		Long: `hgpusher consumes apply jobs from the bus. For each job it clones
the target branch, imports the patches as a queue, rewrites the commit
messages with reviewer and approver credits and pushes the result,
retrying with escalating cleanup. Multiple instances may share one
working root; each claims its own locked subdirectory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPaths, logLevel, workRoot)
		},
	}

	cmd.Flags().StringArrayVarP(&configPaths, "config", "c", nil,
		"Config file path (YAML, repeatable; later files win)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info",
		"Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&workRoot, "work-root", "",
		"Override the working directory root")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "purge-queue",
		Short: "Drop all pending apply jobs on the pusher subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			return purgeQueue(configPaths, logLevel)
		},
	})

	return cmd
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func run(configPaths []string, logLevel, workRoot string) error {
	logger := newLogger(logLevel)

	cfg, err := config.NewLoader(logger).Load(configPaths...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pusherCfg := pusher.DefaultConfig()
	pusherCfg.WorkRoot = cfg.Hg.WorkDir
	pusherCfg.DefaultTrySyntax = cfg.Hg.DefaultTrySyntax
	pusherCfg.TBPLURL = cfg.Hg.TBPLURL
	if workRoot != "" {
		pusherCfg.WorkRoot = workRoot
	}

	ctx := context.Background()

	db, err := store.Open(cfg.Database.AutolandURL)
	if err != nil {
		return err
	}
	defer db.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.Ping(pingCtx); err != nil {
		return fmt.Errorf("autoland database unreachable: %w", err)
	}

	busClient, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer busClient.Close()

	tracker := bugzilla.NewClient(cfg.Bugzilla, logger)
	groups := directory.NewClient(cfg.Directory, logger)
	runner := hg.NewExecutor(cfg.Hg, logger)

	component, err := pusher.New(pusherCfg, busClient, tracker, groups, db, runner, logger)
	if err != nil {
		return err
	}

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := component.Start(signalCtx); err != nil {
		return err
	}
	logger.Info("Pusher ready", slog.String("version", Version))

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")
	return component.Stop()
}

// purgeQueue empties the pusher's job subject after an interactive
// confirmation, mirroring a queue reset during incident recovery.
func purgeQueue(configPaths []string, logLevel string) error {
	logger := newLogger(logLevel)

	cfg, err := config.NewLoader(logger).Load(configPaths...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Printf("Purge all pending messages for %q on stream %s? [y/N]: ",
		bus.KeyPusher, cfg.Bus.Stream)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read confirmation: %w", err)
	}
	if answer := strings.ToLower(strings.TrimSpace(answer)); answer != "y" && answer != "yes" {
		fmt.Println("Aborted.")
		return nil
	}

	ctx := context.Background()
	busClient, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer busClient.Close()

	if err := busClient.Purge(ctx, bus.KeyPusher); err != nil {
		return err
	}
	fmt.Println("Queue purged.")
	return nil
}
