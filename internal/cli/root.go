package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"salvo/internal/clock"
	"salvo/internal/config"
	"salvo/internal/session"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// NewRootCommand creates the root command for the salvo CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "salvo",
		Short:         "Fire timed bursts of requests at an announced release instant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultPath := os.Getenv("SALVO_CONFIG")
	if defaultPath == "" {
		defaultPath = "salvo.yaml"
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", defaultPath, "config file (env SALVO_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log.level (trace|debug|info|warn|error)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewClockCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))

	return cmd
}

// Error tags a fatal error with the component that raised it.
type Error struct {
	Component string
	Err       error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Component, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func fail(component string, err error) error { return &Error{Component: component, Err: err} }

// ExitCode maps a command error to a process status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	case errors.Is(err, config.ErrInvalid):
		return 2
	case errors.Is(err, session.ErrExpired), errors.Is(err, session.ErrCommand):
		return 3
	default:
		return 1
	}
}

// Hint returns operator guidance for a fatal error, if there is any.
func Hint(err error) string {
	switch {
	case errors.Is(err, session.ErrExpired):
		return "the session is no longer accepted; run the login helper again and restart"
	case errors.Is(err, session.ErrCommand):
		return "the login helper failed; check session.login in the config"
	case errors.Is(err, config.ErrInvalid):
		return "fix the configuration file and retry"
	}
	return ""
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fail("config", err)
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	return cfg, nil
}

// setupLogging mirrors console output to an optional JSON log file.
func setupLogging(cfg config.Log, stdout io.Writer) (io.Closer, error) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fail("config", &config.Error{Field: "log.level", Reason: err.Error()})
	}
	zerolog.SetGlobalLevel(level)

	var console io.Writer = zerolog.ConsoleWriter{Out: stdout, TimeFormat: "15:04:05.000"}
	if cfg.JSON {
		console = stdout
	}
	if cfg.File == "" {
		log.Logger = zerolog.New(console).With().Timestamp().Logger()
		return nopCloser{}, nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fail("config", &config.Error{Field: "log.file", Reason: err.Error()})
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, f)).With().Timestamp().Logger()
	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newSynchronizer(cfg config.Clock, onSync func(clock.Offset)) *clock.Synchronizer {
	return clock.New(clock.Options{
		Server:           cfg.Server,
		Timeout:          cfg.Timeout,
		FailureThreshold: cfg.FailureThreshold,
		Cooldown:         cfg.Cooldown,
		OnSync:           onSync,
	})
}
