package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"basin/internal/health"
	"basin/internal/logging"
	"basin/internal/metrics"
	"basin/internal/session"
	"basin/internal/watcher"
)

var (
	watchPaths   []string
	watchSession string
	watchGoal    string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Capture workspace changes into a session",
	Long: `Watch the configured workspace directories and record every settled
file change into a session as it happens. Runs until interrupted.

Records go to your open session; without one, a session is started
with the --goal text. When the config enables metrics, the registry is
served over HTTP for the lifetime of the watch.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		defer logging.RecoverPanic()

		env, err := openRepoEnv()
		if err != nil {
			return err
		}
		defer env.close()

		paths := watchPaths
		if len(paths) == 0 {
			paths = env.cfg.Watch.Paths
		}
		if len(paths) == 0 {
			return errors.New("nothing to watch: set watch.paths in the config or pass --path")
		}

		owner, err := agentID()
		if err != nil {
			return err
		}
		sessionID, started, err := watchTarget(env, owner)
		if err != nil {
			return err
		}
		if started {
			env.journal(func(a *logging.ActivityLog) error {
				return a.SessionStarted(sessionID.String(), owner.String(), watchGoal)
			})
			fmt.Printf("Started session %s for capture\n", shortID(sessionID.String()))
		}

		w, err := watcher.New(watcher.Config{
			Paths:           paths,
			IncludePatterns: env.cfg.Watch.IncludePatterns,
			ExcludePatterns: env.cfg.Watch.ExcludePatterns,
			Debounce:        time.Duration(env.cfg.Watch.DebounceMs) * time.Millisecond,
			MaxFileSize:     env.cfg.Watch.MaxFileSize,
			Recursive:       env.cfg.Watch.Recursive,
			FollowSymlinks:  env.cfg.Watch.FollowSymlinks,
			Logger:          env.logger.WithComponent("watcher").Logger,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		basinMetrics := metrics.GetMetrics()
		checker := watchChecker(env, paths)
		if env.cfg.Metrics.Enabled {
			shutdown := serveMetrics(env, checker)
			defer shutdown()
		}

		capturer := watcher.NewCapturer(env.repo, watcher.CapturerConfig{
			SessionID: sessionID,
			Logger:    env.logger.WithComponent("capture").Logger,
			Metrics:   basinMetrics,
			Activity:  env.activity,
		})

		if err := w.Start(); err != nil {
			return err
		}
		defer func() { _ = w.Stop() }()
		checker.SetReady(true)

		go func() {
			for err := range w.Errors() {
				env.logger.Warn("watch error", "error", err)
			}
		}()

		fmt.Printf("Watching %d directories into session %s (Ctrl-C to stop)\n",
			len(paths), shortID(sessionID.String()))

		runErr := capturer.Run(ctx, w.Events())
		fmt.Printf("Captured %d changes\n", capturer.Captured())
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			return runErr
		}
		return nil
	},
}

// watchTarget picks the session captures are recorded into: --session,
// the owner's open session, or a fresh one.
func watchTarget(env *cmdEnv, owner uuid.UUID) (uuid.UUID, bool, error) {
	if watchSession != "" {
		meta, err := resolveSession(env.repo, watchSession)
		if err != nil {
			return uuid.Nil, false, err
		}
		if meta.State != session.StateOpen {
			return uuid.Nil, false, fmt.Errorf("session %s is %s, not open", shortID(meta.ID.String()), meta.State)
		}
		return meta.ID, false, nil
	}

	if meta, err := openSessionFor(env.repo, owner); err == nil {
		return meta.ID, false, nil
	}
	id, err := env.repo.StartSession(watchGoal, owner)
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}

// watchChecker assembles the health probes for a capture run: the
// repository must serve its head tree, the object store must accept
// writes, the indexes must answer, and the watched directories should
// still exist (their loss degrades capture rather than failing it).
func watchChecker(env *cmdEnv, paths []string) *health.Checker {
	checker := health.NewChecker()
	checker.RegisterFunc("repository", true, health.FuncCheck(func(ctx context.Context) error {
		_, err := env.repo.HeadTree()
		return err
	}))
	checker.RegisterFunc("storage", true, health.WritableCheck(filepath.Join(env.repo.Root(), "objects")))
	checker.RegisterFunc("index", true, health.FuncCheck(func(ctx context.Context) error {
		_, err := env.repo.Index().Stats()
		return err
	}))
	for _, path := range paths {
		checker.RegisterFunc("workspace:"+path, false, health.DirCheck(path))
	}
	return checker
}

// serveMetrics exposes the metrics registry and health probes over
// HTTP. The returned function shuts the server down and blocks until
// it is gone.
func serveMetrics(env *cmdEnv, checker *health.Checker) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Default().HTTPHandler())
	mux.Handle("/healthz", checker.LivenessHandler())
	mux.Handle("/readyz", checker.ReadinessHandler())
	mux.Handle("/health", checker.Handler())

	srv := &http.Server{
		Addr:              env.cfg.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		env.logger.Info("metrics listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			env.logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-done
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringSliceVar(&watchPaths, "path", nil, "Directory to watch (repeatable, overrides config)")
	watchCmd.Flags().StringVar(&watchSession, "session", "", "Record into this open session")
	watchCmd.Flags().StringVar(&watchGoal, "goal", "workspace capture", "Goal for the session started when none is open")
}
