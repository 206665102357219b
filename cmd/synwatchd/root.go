// Package cmd implements the synwatchd command line: flag parsing and
// startup, grounded on the teacher's cmd.Run/printUsage/ExitCodeError
// shape, pared down to what a single-purpose daemon needs — no
// bubbletea TUI, no subcommand sprawl, just flag.
package cmd

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ftahirops/synwatchd/internal/config"
	"github.com/ftahirops/synwatchd/internal/supervisor"

	"flag"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0"

// ExitCodeError signals a non-zero exit code without calling os.Exit
// directly, so Run stays testable.
type ExitCodeError struct{ Code int }

func (e ExitCodeError) Error() string { return fmt.Sprintf("exit %d", e.Code) }

func printUsage() {
	fmt.Fprintf(os.Stderr, `synwatchd v%s — TCP SYN-flood detection and mitigation daemon

Usage:
  synwatchd [OPTIONS]

Options:
  -config PATH   Path to config.toml (default: $XDG_CONFIG_HOME/synwatchd/config.toml)
  -version       Print version and exit

synwatchd runs in the foreground; manage it with your service supervisor
of choice (systemd, runit, ...). Send SIGHUP to reload configuration and
the whitelist file without restarting, SIGINT/SIGTERM to shut down.
`, Version)
}

// Run parses flags and runs the daemon until it exits or is signalled
// to stop.
func Run() error {
	var cfgPath string
	var showVersion bool

	flag.StringVar(&cfgPath, "config", config.DefaultPath(), "path to config.toml")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if showVersion {
		fmt.Printf("synwatchd v%s\n", Version)
		return nil
	}
	if cfgPath == "" {
		fmt.Fprintln(os.Stderr, "Error: no config path given and none could be derived (use -config)")
		return ExitCodeError{Code: 2}
	}

	log, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: logger init: %v\n", err)
		return ExitCodeError{Code: 1}
	}
	defer log.Sync()

	return runDaemon(cfgPath, log)
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}

func runDaemon(cfgPath string, log *zap.Logger) error {
	ctx := context.Background()
	sup, err := supervisor.New(ctx, cfgPath, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitCodeError{Code: 1}
	}
	return sup.Run(ctx)
}
