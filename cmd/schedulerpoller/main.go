// Package main provides the schedulerpoller binary: the outcome
// classifier that watches the build scheduler database, decides the
// fate of each landed revision and reports it to the bug and the bus.
// Besides the long-running daemon mode it supports one-shot queries
// for a single revision or a bounded time window.
package main

import (
	"context"
	"fmt"
	"io"
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
	"github.com/relengtools/autoland/classifier"
	"github.com/relengtools/autoland/config"
	"github.com/relengtools/autoland/store"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "schedulerpoller"

	timeLayout = "2006-01-02T15:04:05"
)

type options struct {
	configPaths []string
	logLevel    string
	logFile     string

	branch    string
	revision  string
	startTime string
	endTime   string
	cacheDir  string

	noMessages bool
	flagCheck  bool
	dryRun     bool
}

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
	var opts options

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Autoland build outcome classifier",
		Long: `schedulerpoller reads finished build sets from the scheduler
database and classifies each revision as passed, failed or timed out.
With --revision or --start-time/--end-time it runs one query and
exits; otherwise it polls forever, posting summary comments and
reporting terminal outcomes on the bus.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(&opts)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.configPaths, "config", "c", nil,
		"Config file path (YAML, repeatable; later files win)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info",
		"Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&opts.logFile, "log-file", "",
		"Append logs to this file instead of stderr")
	cmd.Flags().StringVarP(&opts.branch, "branch", "b", "",
		"Override the branch to poll")
	cmd.Flags().StringVarP(&opts.revision, "revision", "r", "",
		"Poll one revision and exit")
	cmd.Flags().StringVar(&opts.startTime, "start-time", "",
		"Window start (YYYY-MM-DDTHH:MM:SS), requires --end-time")
	cmd.Flags().StringVar(&opts.endTime, "end-time", "",
		"Window end (YYYY-MM-DDTHH:MM:SS), requires --start-time")
	cmd.Flags().StringVar(&opts.cacheDir, "cache-dir", "",
		"Override the revision cache directory")
	cmd.Flags().BoolVar(&opts.noMessages, "no-messages", false,
		"Do not report outcomes on the bus")
	cmd.Flags().BoolVar(&opts.flagCheck, "flag-check", false,
		"Only treat pushes with --post-to-bugzilla in their try syntax as reportable")
	cmd.Flags().BoolVarP(&opts.dryRun, "dry-run", "n", false,
		"Log comments and retriggers instead of performing them")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func newLogger(logLevel, logFile string) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	out := io.Writer(os.Stderr)
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, nil
}

func run(opts *options) error {
	logger, err := newLogger(opts.logLevel, opts.logFile)
	if err != nil {
		return err
	}

	cfg, err := config.NewLoader(logger).Load(opts.configPaths...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.branch != "" {
		cfg.Classifier.Branch = opts.branch
	}
	if opts.cacheDir != "" {
		cfg.Classifier.CacheDir = opts.cacheDir
	}
	if (opts.startTime == "") != (opts.endTime == "") {
		return fmt.Errorf("--start-time and --end-time must be given together")
	}

	ctx := context.Background()

	builds, err := store.OpenBuildStore(cfg.Database.SchedulerURL)
	if err != nil {
		return err
	}
	defer builds.Close()

	tracker := bugzilla.NewClient(cfg.Bugzilla, logger)
	retrigger := classifier.NewSelfServe(cfg.Classifier.SelfServe, logger)

	var publisher classifier.Publisher
	if !opts.noMessages {
		busClient, err := bus.Connect(ctx, cfg.Bus, logger)
		if err != nil {
			return err
		}
		defer busClient.Close()
		publisher = busClient
	}

	poller := classifier.NewPoller(cfg.Classifier, builds, tracker, retrigger, publisher, logger)
	poller.FlagCheck = opts.flagCheck
	poller.DryRun = opts.dryRun

	switch {
	case opts.revision != "":
		return pollRevision(ctx, poller, opts.revision)
	case opts.startTime != "":
		return pollWindow(ctx, poller, opts.startTime, opts.endTime)
	}

	// Daemon mode only reports pushes that asked for it.
	poller.FlagCheck = true
	component := classifier.NewComponent(poller, logger)

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := component.Start(signalCtx); err != nil {
		return err
	}
	logger.Info("Classifier ready",
		slog.String("version", Version),
		slog.String("branch", cfg.Classifier.Branch))

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")
	return component.Stop()
}

func pollRevision(ctx context.Context, poller *classifier.Poller, revision string) error {
	info, err := poller.PollByRevision(ctx, revision)
	if err != nil {
		return err
	}
	fmt.Printf("Revision %s: %s\n", info.Revision, info.Status)
	if info.Discard {
		fmt.Println("Push is not reportable, discarded.")
		return nil
	}
	if !info.Complete {
		fmt.Println("Build set still in progress.")
		return nil
	}
	if info.Message != "" {
		fmt.Println(info.Message)
	}
	return nil
}

func pollWindow(ctx context.Context, poller *classifier.Poller, startArg, endArg string) error {
	start, err := time.Parse(timeLayout, startArg)
	if err != nil {
		return fmt.Errorf("parse --start-time: %w", err)
	}
	end, err := time.Parse(timeLayout, endArg)
	if err != nil {
		return fmt.Errorf("parse --end-time: %w", err)
	}
	if err := poller.ValidateWindow(start, end); err != nil {
		return err
	}

	incomplete, err := poller.PollByTimeRange(ctx, start, end)
	if err != nil {
		return err
	}
	if len(incomplete) == 0 {
		fmt.Println("All revisions in the window are complete.")
		return nil
	}
	fmt.Printf("Incomplete revisions (%d):\n", len(incomplete))
	for _, rev := range incomplete {
		fmt.Printf("\t%s\n", rev)
	}
	return nil
}
