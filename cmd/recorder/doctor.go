package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"meetcast/internal/browser"
	"meetcast/internal/config"
	"meetcast/internal/journal"
	"meetcast/internal/transcoder"
)

var errDoctorFailed = errors.New("one or more checks failed")

type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the recorder can run on this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			checkCtx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return runDoctor(checkCtx, cmd.OutOrStdout(), doctorChecks(cfg))
		},
	}
}

func doctorChecks(cfg *config.Config) []doctorCheck {
	checks := []doctorCheck{
		{name: "configuration", run: func(context.Context) (string, error) {
			return cfg.Control.Mode + " mode", cfg.Validate()
		}},
		{name: "ffmpeg", run: func(ctx context.Context) (string, error) {
			return transcoder.NewFFmpeg(cfg.Recorder.FFmpegBin, nil).Version(ctx)
		}},
		{name: "chrome", run: func(context.Context) (string, error) {
			return browser.FindChrome(cfg.Recorder.ChromeBin)
		}},
		{name: "output dir", run: func(context.Context) (string, error) {
			return cfg.Recorder.OutputDir, checkWritable(cfg.Recorder.OutputDir)
		}},
		{name: "instance lock", run: func(context.Context) (string, error) {
			return cfg.Recorder.LockFile, checkLockFree(cfg.Recorder.LockFile)
		}},
	}
	if cfg.Journal.Enabled() {
		checks = append(checks, doctorCheck{name: "journal", run: func(ctx context.Context) (string, error) {
			j, err := journal.New(ctx, journal.Config{
				URI:        cfg.Journal.MongoURI,
				Database:   cfg.Journal.Database,
				Collection: cfg.Journal.Collection,
			}, nil)
			if err != nil {
				return "", err
			}
			defer j.Close()
			health := j.Health(ctx)
			if msg := health["error"]; msg != "" {
				return "", errors.New(msg)
			}
			return health["message"], nil
		}})
	}
	return checks
}

// runDoctor runs every check, printing one line each.
func runDoctor(ctx context.Context, out io.Writer, checks []doctorCheck) error {
	failed := false
	for _, check := range checks {
		detail, err := check.run(ctx)
		if err != nil {
			failed = true
			fmt.Fprintf(out, "FAIL  %-14s %v\n", check.name, err)
			continue
		}
		fmt.Fprintf(out, "ok    %-14s %s\n", check.name, detail)
	}
	if failed {
		return errDoctorFailed
	}
	return nil
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkLockFree(path string) error {
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("another recorder instance is running")
	}
	return lock.Unlock()
}
