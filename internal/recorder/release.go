package recorder

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// release tears a bundle down in the fixed order: capture, transcoder input,
// transcoder process, page, browser, output dir. Every step runs even when an
// earlier one failed; the combined error is only for logging.
func (s *Session) release(b *bundle, reason string) error {
	log := s.log.With("attempt", b.id, "reason", reason)
	var result *multierror.Error
	record := func(what string, err error) {
		if err == nil {
			return
		}
		log.Warn("teardown step failed", "step", what, "error", err)
		result = multierror.Append(result, errors.Wrap(err, what))
	}

	if b.cancel != nil {
		b.cancel()
	}

	if b.capture != nil {
		record("close capture", s.bounded(s.cfg.StepTimeout, b.capture.Close))
	}

	if b.proc != nil {
		record("close transcoder input", s.bounded(s.cfg.StepTimeout, b.proc.Input().Close))
		waitClosed(b.pumpDone, s.cfg.DrainTimeout)

		grace := s.cfg.ShutdownGrace
		record("stop transcoder", s.bounded(grace+s.cfg.StepTimeout, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), grace)
			defer cancel()
			return b.proc.Shutdown(ctx)
		}))
		waitClosed(b.watchDone, s.cfg.DrainTimeout)
	}

	if b.page != nil {
		record("close page", s.bounded(s.cfg.StepTimeout, b.page.Close))
	}

	if b.browser != nil {
		record("close browser", s.bounded(s.cfg.StepTimeout, b.browser.Close))
	}

	record("remove output", s.discardOutput(b.outputDir, b.id))

	log.Info("recording resources released")
	return result.ErrorOrNil()
}

// discardOutput moves dir out of the way synchronously and deletes it in the
// background, so the next attempt can recreate dir immediately.
func (s *Session) discardOutput(dir, id string) error {
	tomb := fmt.Sprintf("%s.discard-%s", dir, id)
	if err := os.Rename(dir, tomb); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		s.log.Warn("could not move output aside, removing in place", "dir", dir, "error", err)
		return s.removeAll(dir)
	}
	go func() {
		if err := s.removeAll(tomb); err != nil {
			s.log.Warn("error deleting stream folder", "dir", tomb, "error", err)
			return
		}
		s.log.Debug("stream folder deleted", "dir", tomb)
	}()
	return nil
}

// bounded runs fn and gives up waiting after d. fn keeps running in the
// background if it overruns.
func (s *Session) bounded(d time.Duration, fn func() error) error {
	errc := make(chan error, 1)
	go func() { errc <- fn() }()
	select {
	case err := <-errc:
		return err
	case <-time.After(d):
		return errors.Errorf("gave up after %s", d)
	}
}

func waitClosed(ch <-chan struct{}, d time.Duration) {
	if ch == nil {
		return
	}
	select {
	case <-ch:
	case <-time.After(d):
	}
}
