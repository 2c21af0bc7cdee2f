package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"meetcast/internal/browser"
	"meetcast/internal/config"
	"meetcast/internal/control"
	"meetcast/internal/journal"
	"meetcast/internal/recorder"
	"meetcast/internal/server"
	"meetcast/internal/transcoder"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the recorder until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(sigCtx, cfg, ctx.logger())
		},
	}
}

// transport is a control channel the dispatcher writes to.
type transport interface {
	control.Sender
	SetHandler(h control.Handler)
}

func runServe(ctx context.Context, cfg *config.Config, log hclog.Logger) error {
	lock, err := acquireLock(cfg.Recorder.LockFile)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	chromePath, err := browser.FindChrome(cfg.Recorder.ChromeBin)
	if err != nil {
		return err
	}
	ffmpeg := transcoder.NewFFmpeg(cfg.Recorder.FFmpegBin, log.Named("ffmpeg"))
	if err := ffmpeg.CheckAvailable(ctx); err != nil {
		return err
	}

	publishers := recorder.Publishers{}
	var journalHealth server.HealthChecker
	if cfg.Journal.Enabled() {
		j, err := journal.New(ctx, journal.Config{
			URI:        cfg.Journal.MongoURI,
			Database:   cfg.Journal.Database,
			Collection: cfg.Journal.Collection,
		}, log.Named("journal"))
		if err != nil {
			return err
		}
		defer j.Close()
		publishers = append(publishers, j)
		journalHealth = j
	}

	controlLog := log.Named("control")
	var (
		out    transport
		hub    *control.Hub
		client *control.Client
	)
	if cfg.Control.Mode == config.ModeListen {
		hub = control.NewHub(controlLog)
		out = hub
	} else {
		client = control.NewClient(control.ClientConfig{
			URL:        cfg.Control.SocketURL,
			Token:      cfg.Control.Secret,
			MinBackoff: cfg.Control.MinBackoff.Duration,
			MaxBackoff: cfg.Control.MaxBackoff.Duration,
		}, controlLog)
		out = client
	}

	dispatcher := control.NewDispatcher(out, controlLog)
	session := recorder.New(recorderConfig(cfg), recorder.Deps{
		Browsers: &browser.Launcher{
			ExecPath:  chromePath,
			NoSandbox: cfg.Recorder.NoSandbox,
			Log:       log.Named("browser"),
		},
		Transcoder: ffmpeg,
		Publisher:  append(recorder.Publishers{dispatcher}, publishers...),
		Log:        log.Named("session"),
	})
	dispatcher.Bind(session)
	out.SetHandler(dispatcher)

	srv := server.New(cfg, server.Deps{
		Recorder: session,
		Journal:  journalHealth,
		Hub:      hub,
		Log:      log.Named("http"),
	})
	srv.RegisterFiberRoutes()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionDone := make(chan error, 1)
	go func() { sessionDone <- session.Run(runCtx) }()

	var wg sync.WaitGroup
	if hub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Run(runCtx)
		}()
	}
	if client != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := client.Run(runCtx); err != nil {
				log.Error("control client stopped", "error", err)
			}
		}()
	}

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- srv.Listen(cfg.Server.Addr())
	}()
	log.Info("recorder started",
		"addr", cfg.Server.Addr(),
		"control", cfg.Control.Mode,
		"output_dir", cfg.Recorder.OutputDir,
		"chrome", chromePath,
		"journal", cfg.Journal.Enabled(),
	)

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down gracefully, press Ctrl+C again to force")
	case err := <-listenErr:
		if err != nil {
			serveErr = fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer shutdownCancel()
	if err := srv.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn("server forced to shutdown", "error", err)
	}

	// Ending the session tears down a live recording.
	cancel()
	if err := <-sessionDone; err != nil {
		log.Error("recording session stopped with error", "error", err)
	}
	wg.Wait()

	log.Info("server exiting")
	return serveErr
}

// acquireLock makes sure no other recorder shares this output.
func acquireLock(path string) (*flock.Flock, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create lock dir: %w", err)
		}
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another recorder instance holds %s", path)
	}
	return lock, nil
}

func recorderConfig(cfg *config.Config) recorder.Config {
	r := cfg.Recorder
	return recorder.Config{
		OutputDir: r.OutputDir,
		Launch: recorder.LaunchOptions{
			WindowWidth:  r.WindowWidth,
			WindowHeight: r.WindowHeight,
			Headless:     r.Headless,
		},
		Page: recorder.PageOptions{
			ViewportWidth:  r.ViewportWidth,
			ViewportHeight: r.ViewportHeight,
		},
		Headers:           r.PageHeaders(),
		StepTimeout:       r.StepTimeout.Duration,
		NavigationTimeout: r.NavigationTimeout.Duration,
		ShutdownGrace:     r.ShutdownGrace.Duration,
		PublishTimeout:    r.PublishTimeout.Duration,
		DrainTimeout:      2 * time.Second,
	}
}
