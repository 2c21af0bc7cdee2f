package browser

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"meetcast/internal/recorder"
)

// page is one Chrome tab.
type page struct {
	ctx    context.Context
	cancel context.CancelFunc
	idle   *idleTracker
	log    hclog.Logger

	mu      sync.Mutex
	capture *captureStream

	closeOnce sync.Once
	closeErr  error
}

func (p *page) handleEvent(ev interface{}) {
	p.idle.handle(ev)

	p.mu.Lock()
	c := p.capture
	p.mu.Unlock()
	if c != nil {
		c.handleEvent(ev)
	}
}

func (p *page) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	h := make(network.Headers, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	rctx, cancel := scoped(ctx, p.ctx)
	defer cancel()
	return errors.Wrap(chromedp.Run(rctx, network.SetExtraHTTPHeaders(h)), "set extra headers")
}

// Navigate loads url and then waits until no more than two requests have
// been in flight for half a second.
func (p *page) Navigate(ctx context.Context, url string) error {
	rctx, cancel := scoped(ctx, p.ctx)
	defer cancel()

	p.idle.reset()
	if err := chromedp.Run(rctx, chromedp.Navigate(url)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Wrapf(ctxErr, "navigate to %s", url)
		}
		return errors.Wrapf(err, "navigate to %s", url)
	}
	if err := p.idle.wait(ctx, idleQuietPeriod); err != nil {
		return errors.Wrap(err, "wait for network idle")
	}
	p.log.Debug("network idle", "url", url)
	return nil
}

func (p *page) OpenCapture(ctx context.Context, opts recorder.CaptureOptions) (recorder.CaptureStream, error) {
	if !opts.Audio && !opts.Video {
		return nil, errors.New("capture needs audio or video")
	}

	c := newCaptureStream(p, p.log.Named("capture"))
	p.mu.Lock()
	p.capture = c
	p.mu.Unlock()

	rctx, cancel := scoped(ctx, p.ctx)
	defer cancel()

	var started bool
	err := chromedp.Run(rctx,
		runtime.AddBinding(bindingName),
		chromedp.Evaluate(buildCaptureScript(opts), &started, func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
			return ep.WithAwaitPromise(true).WithUserGesture(true)
		}),
	)
	if err == nil && !started {
		err = errors.New("media recorder did not start")
	}
	if err != nil {
		c.page = nil
		c.Close()
		p.mu.Lock()
		p.capture = nil
		p.mu.Unlock()
		return nil, errors.Wrap(err, "open capture")
	}
	p.log.Info("tab capture started", "audio", opts.Audio, "video", opts.Video)
	return c, nil
}

// Close closes the tab.
func (p *page) Close() error {
	p.closeOnce.Do(func() {
		if err := chromedp.Cancel(p.ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.closeErr = errors.Wrap(err, "close page")
		}
		p.cancel()
	})
	return p.closeErr
}
