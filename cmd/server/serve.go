package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/webchat-dispatcher/internal/api"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/artifacts"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/browser"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/config"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/dispatch"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/jobs"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/logx"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/profiles"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/proxy"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/ratelimit"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/session"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/storage"
)

// jobDrainTimeout bounds how long shutdown waits for in-flight jobs.
const jobDrainTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logx.Init(cfg.LogLevel)
			defer logx.Sync()
			return serve(cmd.Context(), cfg)
		},
	}
}

// newLauncher picks the browser backend for the configured mode.
func newLauncher(cfg *config.Config) (browser.Launcher, func(), error) {
	switch cfg.BrowserMode {
	case config.ModeDocker:
		cl, err := browser.NewContainerLauncher()
		if err != nil {
			return nil, nil, err
		}
		return cl, func() { _ = cl.Close() }, nil
	case config.ModeRemote:
		return &browser.LocalLauncher{DebuggerURL: cfg.DebuggerURL}, func() {}, nil
	}
	return &browser.LocalLauncher{Bin: cfg.ChromeBin}, func() {}, nil
}

func sessionOptions(cfg *config.Config) session.Options {
	opts := session.DefaultOptions()
	opts.Headless = cfg.IsHeadless()
	opts.UserDataDir = cfg.UserDataDir
	opts.StartTimeout = cfg.StartTimeout
	opts.StopTimeout = cfg.StopTimeout
	opts.ProbeTimeout = cfg.ProbeTimeout
	opts.RestartPause = cfg.RestartPause
	opts.Login.TargetURL = cfg.TargetURL
	opts.Login.StaleAfter = cfg.QRStaleAfter
	opts.Login.LoginTimeout = cfg.LoginTimeout
	return opts
}

func dispatchOptions(cfg *config.Config) dispatch.Options {
	opts := dispatch.DefaultOptions()
	opts.SendDelay = cfg.SendDelay
	opts.ComposeWait = cfg.ComposeWait
	return opts
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logx.L()
	log.Infow("starting", "env", cfg.Env, "browser_mode", cfg.BrowserMode, "headless", cfg.IsHeadless())

	db, err := storage.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	jobStore := jobs.NewStore(db)
	if err := jobStore.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate jobs: %w", err)
	}
	profileStore := profiles.NewStore(db)
	if err := profileStore.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate profiles: %w", err)
	}

	store, err := artifacts.NewStore(cfg.ArtifactsDir)
	if err != nil {
		return err
	}

	launcher, closeLauncher, err := newLauncher(cfg)
	if err != nil {
		return err
	}
	defer closeLauncher()

	sessionMgr := session.NewManager(launcher, store, sessionOptions(cfg))
	dispatcher := dispatch.New(dispatchOptions(cfg))
	runner := jobs.NewRunner(jobStore, sessionMgr, dispatcher, cfg.JobTimeout)

	rateLimiter := ratelimit.NewLimiter(cfg.SendRatePerHour, cfg.SendBurst)
	go sweepLimiter(ctx, rateLimiter)

	handler := api.NewHandler(sessionMgr, dispatcher, runner, profileStore, store, logx.Recent())
	router := handler.SetupRoutes(proxy.NewServer(sessionMgr), rateLimiter)

	// No WriteTimeout: the debug websocket is long lived.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infow("http_listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	log.Infow("shutting_down")

	// Each stage gets its own budget so slow jobs cannot starve the browser teardown.
	withBudget := func(d time.Duration, fn func(context.Context) error) error {
		ctx, cancel := context.WithTimeout(context.Background(), d)
		defer cancel()
		return fn(ctx)
	}

	if err := withBudget(10*time.Second, srv.Shutdown); err != nil {
		log.Warnw("http_shutdown_failed", "err", err)
	}
	if err := withBudget(jobDrainTimeout, runner.Wait); err != nil {
		log.Warnw("jobs_still_running", "err", err)
	}
	if err := withBudget(cfg.StopTimeout+5*time.Second, sessionMgr.Shutdown); err != nil {
		log.Warnw("session_shutdown_failed", "err", err)
	}

	log.Infow("stopped")
	return nil
}

func sweepLimiter(ctx context.Context, l *ratelimit.Limiter) {
	t := time.NewTicker(10 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := l.Sweep(time.Hour); n > 0 {
				logx.L().Debugw("rate_limiter_swept", "removed", n)
			}
		}
	}
}
