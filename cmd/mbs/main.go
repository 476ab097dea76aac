// Package main provides the mbs binary entry point.
// Mbs is a module build orchestrator: it expands modulemd manifests
// into pinned build variants, schedules their components in batches
// against a build system, and tracks every build through an
// append-only state trace.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
	appName = "mbs"
)

func main() {
	// Add panic recovery
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
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Module build orchestrator",
		Long: `Mbs orchestrates module builds: it expands a modulemd manifest into
fully pinned build variants, submits their components to the build
system in dependency-ordered batches, and drives each build through
its lifecycle from a message-driven event loop.

All state lives in a SQLite store; the bus only carries notifications.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(daemonCmd(&configPath, &logLevel))
	cmd.AddCommand(submitCmd(&configPath, &logLevel))
	cmd.AddCommand(cancelCmd(&configPath, &logLevel))
	cmd.AddCommand(buildCmd(&configPath, &logLevel))

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})

	return cmd
}

func daemonCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the build orchestration daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			return runDaemon(cfg, logger)
		},
	}
}

func submitCmd(configPath, logLevel *string) *cobra.Command {
	var opts submitOptions
	cmd := &cobra.Command{
		Use:   "submit <modulemd.yaml>",
		Short: "Submit a module build to a running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			return runSubmit(cfg, logger, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.Owner, "owner", os.Getenv("USER"), "Submitting user")
	cmd.Flags().StringVar(&opts.SCMURL, "scm-url", "", "Source control URL of the module")
	cmd.Flags().StringVar(&opts.Strategy, "rebuild-strategy", "", "Rebuild strategy override")
	cmd.Flags().BoolVar(&opts.Strict, "strict-streams", false, "Fail when stream expansion is ambiguous")
	cmd.Flags().StringArrayVar(&opts.Streams, "default-stream", nil, "Default stream per module (name:stream, repeatable)")
	cmd.Flags().StringVar(&opts.Name, "module-name", "", "Override the manifest's module name (needs allow_name_override_from_scm)")
	cmd.Flags().StringVar(&opts.Stream, "module-stream", "", "Override the manifest's stream (needs allow_stream_override_from_scm)")
	return cmd
}

func cancelCmd(configPath, logLevel *string) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "cancel <name:stream:version:context>",
		Short: "Cancel an in-flight module build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			return runCancel(cfg, logger, args[0], user)
		},
	}
	cmd.Flags().StringVar(&user, "user", os.Getenv("USER"), "Requesting user")
	return cmd
}

func buildCmd(configPath, logLevel *string) *cobra.Command {
	var opts submitOptions
	cmd := &cobra.Command{
		Use:   "build <modulemd.yaml>",
		Short: "Build a module locally, without a daemon or message bus",
		Long: `Build runs the whole orchestration in-process: the manifest is
expanded and scheduled against the mock build system over an in-memory
transport, and the command blocks until every variant reaches a
terminal state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			return runLocalBuild(cfg, logger, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.Owner, "owner", os.Getenv("USER"), "Submitting user")
	cmd.Flags().StringVar(&opts.Strategy, "rebuild-strategy", "", "Rebuild strategy override")
	cmd.Flags().BoolVar(&opts.Strict, "strict-streams", false, "Fail when stream expansion is ambiguous")
	cmd.Flags().StringArrayVar(&opts.Streams, "default-stream", nil, "Default stream per module (name:stream, repeatable)")
	cmd.Flags().StringVar(&opts.Name, "module-name", "", "Override the manifest's module name (needs allow_name_override_from_scm)")
	cmd.Flags().StringVar(&opts.Stream, "module-stream", "", "Override the manifest's stream (needs allow_stream_override_from_scm)")
	return cmd
}
