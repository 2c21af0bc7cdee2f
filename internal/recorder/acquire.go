package recorder

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
)

// acquire runs the start sequence. On failure everything created so far is
// released in teardown order and an *AcquisitionError is returned.
func (s *Session) acquire(ctx context.Context, targetURL string) (*bundle, error) {
	b := &bundle{
		id:        s.newID(),
		targetURL: targetURL,
		outputDir: s.cfg.OutputDir,
	}
	log := s.log.With("attempt", b.id)

	fail := func(step Step, err error) (*bundle, error) {
		if ctx.Err() != nil {
			err = errors.Wrap(ErrSuperseded, err.Error())
		}
		log.Error("acquisition failed, rolling back", "step", string(step), "error", err)
		if rerr := s.release(b, "rollback"); rerr != nil {
			log.Warn("rollback finished with errors", "error", rerr)
		}
		return nil, &AcquisitionError{Step: step, Err: err}
	}

	if err := os.MkdirAll(b.outputDir, 0o755); err != nil {
		return fail(StepOutputDir, err)
	}

	err := s.step(ctx, s.cfg.StepTimeout, func(ctx context.Context) error {
		browser, err := s.browsers.Launch(ctx, s.cfg.Launch)
		b.browser = browser
		return err
	})
	if err != nil {
		return fail(StepLaunch, err)
	}
	log.Debug("browser launched")

	err = s.step(ctx, s.cfg.StepTimeout, func(ctx context.Context) error {
		page, err := b.browser.NewPage(ctx, s.cfg.Page)
		b.page = page
		return err
	})
	if err != nil {
		return fail(StepOpenPage, err)
	}

	if len(s.cfg.Headers) > 0 {
		err = s.step(ctx, s.cfg.StepTimeout, func(ctx context.Context) error {
			return b.page.SetExtraHeaders(ctx, s.cfg.Headers)
		})
		if err != nil {
			return fail(StepHeaders, err)
		}
	}

	err = s.step(ctx, s.cfg.NavigationTimeout, func(ctx context.Context) error {
		return b.page.Navigate(ctx, targetURL)
	})
	if err != nil {
		return fail(StepNavigate, err)
	}
	log.Debug("page loaded", "url", targetURL)

	err = s.step(ctx, s.cfg.StepTimeout, func(ctx context.Context) error {
		capture, err := b.page.OpenCapture(ctx, CaptureOptions{Audio: true, Video: true})
		b.capture = capture
		return err
	})
	if err != nil {
		return fail(StepCapture, err)
	}

	err = s.step(ctx, s.cfg.StepTimeout, func(ctx context.Context) error {
		proc, err := s.engine.Start(ctx, b.outputDir)
		b.proc = proc
		return err
	})
	if err != nil {
		return fail(StepTranscoder, err)
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.startedAt = time.Now()

	b.pumpDone = make(chan struct{})
	go func(in io.WriteCloser, capture io.Reader) {
		defer close(b.pumpDone)
		n, err := io.Copy(in, capture)
		log.Debug("capture pump finished", "bytes", n, "error", err)
	}(b.proc.Input(), b.capture)

	detector := &ReadinessDetector{
		Marker: s.engine.ReadinessMarker(b.outputDir),
		Log:    s.log.Named("ffmpeg").With("attempt", b.id),
	}
	b.watchDone = make(chan struct{})
	go func(ctx context.Context, id string, diag io.Reader) {
		defer close(b.watchDone)
		err := detector.Watch(ctx, diag, func() { s.signalReady(ctx, id) })
		if err != nil && ctx.Err() == nil {
			log.Warn("diagnostic stream read failed", "error", err)
		}
		// diagnostics only end with the process
		s.signalExited(ctx, id)
	}(b.ctx, b.id, b.proc.Diagnostics())

	go func(ctx context.Context, id string, exited <-chan struct{}) {
		select {
		case <-exited:
			s.signalExited(ctx, id)
		case <-ctx.Done():
		}
	}(b.ctx, b.id, b.proc.Exited())

	return b, nil
}

// step runs fn under its own timeout derived from ctx.
func (s *Session) step(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(stepCtx)
}
