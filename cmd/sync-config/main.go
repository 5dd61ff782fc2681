package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/482F/sync-config/internal/config"
	"github.com/482F/sync-config/internal/generate"
	"github.com/482F/sync-config/internal/git"
	"github.com/482F/sync-config/internal/sync"
	"github.com/482F/sync-config/internal/usererr"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool

	initFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		reportError(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sync-config",
	Short: "Keep a repository in sync with a template repository",
	Long: `sync-config replays the commits of a template repository onto a local mirror
branch, rewriting paths according to the configured folder rules and
evaluating *.gen.ts / *.gen.js generators, then merges the mirror into the
checked out branch.

Run it from the root of the consuming repository. The configuration is read
from sync-config.yaml (or .yml, .json5, .jsonc, .json) in that directory.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if err := cobra.NoArgs(cmd, args); err != nil {
			return usererr.Wrap(err, "invalid arguments")
		}
		return nil
	},
	RunE:          runSync,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Init writes the default configuration into the current directory. An existing
configuration file is never overwritten.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "sync-config %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is sync-config.yaml in the current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the template commits that would be replayed without changing anything")

	initCmd.Flags().StringVar(&initFormat, "format", string(config.FormatYAML), "config file format (yaml, json5)")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usererr.Wrap(err, "invalid flags")
	})
	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	cfg, err := loadConfig(logger, root)
	if err != nil {
		return err
	}

	gitClient := git.NewShellClient(root,
		git.WithSSHKey(cfg.Auth.SSHKeyFile),
		git.WithHTTPSToken(cfg.Auth.HTTPSTokenFile),
		git.WithLogger(logger))
	evaluator, err := generate.NewCommandEvaluator(cfg.Generator.Runtime, logger)
	if err != nil {
		return usererr.Wrap(err, "invalid generator configuration")
	}

	engine := sync.NewEngine(cfg, root, gitClient, evaluator, logger, dryRun)

	res, err := engine.Run(ctx)
	if err != nil {
		if usererr.Is(err) {
			logger.Debug("sync failed", "error", err)
		} else {
			logger.Error("sync failed", "error", err)
		}
		return err
	}
	if dryRun {
		out := cmd.OutOrStdout()
		for _, c := range res.Pending {
			_, _ = fmt.Fprintf(out, "%s %s\n", git.ShortHash(c.Hash), c.Subject())
		}
	}
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	format := config.Format(initFormat)
	if format != config.FormatYAML && format != config.FormatJSON5 {
		return usererr.New("unknown format %q (must be %s or %s)", initFormat, config.FormatYAML, config.FormatJSON5)
	}

	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	path, written, err := config.WriteDefault(dir, format)
	if err != nil {
		return err
	}
	if written {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", path)
	} else {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "config file already exists: %s\n", path)
	}
	return nil
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// loadConfig reads --config, or the well-known config file in dir
func loadConfig(logger *slog.Logger, dir string) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		found, err := config.Find(dir)
		if err != nil {
			return nil, err
		}
		configPath = found
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.Repository.URL,
		"branch", cfg.Repository.Branch,
		"folders", len(cfg.Folders),
		"merge_mode", cfg.MergeMode,
		"auth", cfg.AuthMethod(),
		"runtime", cfg.Generator.Runtime)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// reportError prints user errors on one line and everything else with its
// full chain of wrapped errors. The cause of a user error is left to the
// debug log.
func reportError(w io.Writer, err error) {
	var ue *usererr.Error
	if errors.As(err, &ue) {
		msg := ue.Msg
		var se *sync.StageError
		if errors.As(err, &se) {
			msg = string(se.Stage) + ": " + msg
		}
		_, _ = fmt.Fprintf(w, "[ERROR] %s\n", strings.Join(strings.Fields(msg), " "))
		return
	}
	_, _ = fmt.Fprintln(w, "[UNEXPECTED ERROR]")
	writeChain(w, err, 1)
}

func writeChain(w io.Writer, err error, depth int) {
	indent := strings.Repeat("  ", depth)
	for err != nil {
		_, _ = fmt.Fprintf(w, "%s%T: %v\n", indent, err, err)
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				writeChain(w, inner, depth+1)
			}
			return
		default:
			err = errors.Unwrap(err)
		}
	}
}
