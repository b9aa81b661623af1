package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"salvo/internal/api"
	"salvo/internal/config"
	"salvo/internal/dispatch"
	"salvo/internal/journal"
	"salvo/internal/metrics"
	"salvo/internal/scheduler"
	"salvo/internal/session"
)

func NewRunCommand(root *RootOptions) *cobra.Command {
	var (
		statusAddr, journalPath string
		debug                   bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync the clock, arm, and fire at the configured targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			if statusAddr != "" {
				cfg.Status.Addr = statusAddr
			}
			if journalPath != "" {
				cfg.Journal.Path = journalPath
			}
			if debug {
				cfg.Status.Debug = true
			}
			closer, err := setupLogging(cfg.Log, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sum, err := Run(ctx, cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped: %s after %d attempts in %d batches; succeeded=%v\n",
				sum.Reason, sum.Attempts, sum.Batches, sum.Succeeded)
			return nil
		},
	}
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "serve /status and /metrics on this address")
	cmd.Flags().StringVar(&journalPath, "journal", "", "record attempts to this SQLite file")
	cmd.Flags().BoolVar(&debug, "debug", false, "serve pprof under /debug/pprof on the status server")
	return cmd
}

// Run wires the components from cfg and drives one burst. The session is
// released on every return path.
func Run(ctx context.Context, cfg *config.Config) (scheduler.Summary, error) {
	collector := metrics.NewCollector()
	syncer := newSynchronizer(cfg.Clock, collector.ObserveClock)

	if _, err := syncer.Sync(ctx); err != nil {
		if ctx.Err() != nil {
			return scheduler.Summary{Reason: scheduler.StopCanceled}, ctx.Err()
		}
		log.Warn().Err(err).Msg("continuing on the local clock")
	}

	fireAt, err := cfg.FireInstant(time.Now().Add(syncer.Offset().Value))
	if err != nil {
		return scheduler.Summary{}, fail("config", err)
	}
	policy := cfg.Policy(fireAt)

	cookies, err := resolveCookies(ctx, cfg.Session)
	if err != nil {
		return scheduler.Summary{}, fail("session", err)
	}
	sess, err := session.NewHTTP(session.Options{
		BaseURL:  cfg.Request.BaseURL,
		Cookies:  cookies,
		PoolSize: cfg.Request.PoolSize,
		Timeout:  cfg.Request.Timeout,
	})
	if err != nil {
		return scheduler.Summary{}, fail("session", err)
	}
	defer sess.Close()
	if *cfg.Session.Warm {
		if err := sess.Warm(ctx); err != nil {
			log.Warn().Err(err).Msg("connection warm-up failed")
		} else {
			log.Info().Str("base_url", cfg.Request.BaseURL).Msg("connection pool warmed up")
		}
	}

	runID := journal.NewRunID()
	items := cfg.Items()
	tracker := api.NewTracker(runID, items, fireAt, policy.StartAt())
	observers := []scheduler.Observer{collector, tracker}

	var (
		jr  journal.Journal
		rec *journal.Recorder
	)
	if cfg.Journal.Path != "" {
		db, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return scheduler.Summary{}, fail("journal", err)
		}
		defer db.Close()
		jr = journal.NewSQLite(db)
		off := syncer.Offset()
		if _, err := jr.StartRun(ctx, journal.Run{
			ID: runID, Goal: cfg.Goal, Targets: len(items), Concurrency: cfg.Concurrency.MaxTasks,
			FireAt: fireAt, ClockOffset: off.Value, ClockSynced: off.Synced,
		}); err != nil {
			return scheduler.Summary{}, fail("journal", err)
		}
		rec = journal.NewRecorder(jr, runID)
		observers = append(observers, rec)
	}

	if cfg.Status.Addr != "" {
		srv := &http.Server{Addr: cfg.Status.Addr, Handler: api.NewServerWithDebug(tracker, syncer.Offset, collector.Handler(), jr, cfg.Status.Debug)}
		go func() {
			log.Info().Str("addr", cfg.Status.Addr).Msg("status server starting")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("status server")
			}
		}()
		defer func() {
			ctxTimeout, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctxTimeout)
		}()
	}

	d := dispatch.New(sess, cfg.DispatchOptions(runID))
	burst := scheduler.New(syncer, d, policy, observers...)

	log.Info().Str("run_id", runID).Int("targets", len(items)).Str("goal", string(cfg.Goal)).Msg("run starting")
	sum, err := burst.Run(ctx, items)

	if jr != nil {
		_ = rec.Close()
		if n := rec.Dropped(); n > 0 {
			log.Warn().Int64("batches", n).Msg("journal is missing batches dropped under load")
		}
		if ferr := jr.FinishRun(context.Background(), runID, string(sum.Reason), time.Now()); ferr != nil {
			log.Error().Err(ferr).Msg("journal finish failed")
		}
	}
	switch {
	case err == nil:
		return sum, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Warn().Msg("interrupted")
		return sum, err
	case errors.Is(err, session.ErrExpired):
		return sum, fail("session", err)
	default:
		return sum, fail("scheduler", err)
	}
}

// resolveCookies merges, lowest precedence first: config cookies, the cookie
// env var, the login helper's output.
func resolveCookies(ctx context.Context, cfg config.Session) (map[string]string, error) {
	out := map[string]string{}
	for k, v := range cfg.Cookies {
		out[k] = v
	}
	if raw := os.Getenv(cfg.CookieEnv); raw != "" {
		m, err := session.ParseCookies(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cfg.CookieEnv, err)
		}
		for k, v := range m {
			out[k] = v
		}
	}
	if cfg.Login.Command != "" {
		m, err := cfg.Login.Cookies(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range m {
			out[k] = v
		}
	}
	if len(out) == 0 {
		log.Warn().Msg("no session cookies supplied; firing unauthenticated")
	} else {
		log.Info().Int("cookies", len(out)).Msg("session loaded")
	}
	return out, nil
}
