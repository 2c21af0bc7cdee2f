package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"meetcast/internal/recorder"
)

var (
	_ recorder.BrowserLauncher = (*Launcher)(nil)
	_ recorder.Browser         = (*chrome)(nil)
	_ recorder.Page            = (*page)(nil)
	_ recorder.CaptureStream   = (*captureStream)(nil)
)

// Launcher starts Chrome processes.
type Launcher struct {
	ExecPath string
	// NoSandbox is needed when running as root inside a container.
	NoSandbox bool
	Log       hclog.Logger
}

// Launch starts a new Chrome process. The process outlives ctx, which only
// bounds the startup.
func (l *Launcher) Launch(ctx context.Context, opts recorder.LaunchOptions) (recorder.Browser, error) {
	log := l.Log
	if log == nil {
		log = hclog.NewNullLogger()
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions(opts)...)
	bctx, bcancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(devtoolsLogf(log, hclog.Trace)),
		chromedp.WithErrorf(devtoolsLogf(log, hclog.Debug)),
	)

	if err := runBounded(ctx, bctx, allocCancel); err != nil {
		bcancel()
		allocCancel()
		return nil, errors.Wrap(err, "launch chrome")
	}

	log.Info("chrome launched", "exec", l.ExecPath, "width", opts.WindowWidth, "height", opts.WindowHeight)
	return &chrome{
		ctx:         bctx,
		cancel:      bcancel,
		allocCancel: allocCancel,
		log:         log,
	}, nil
}

func (l *Launcher) allocatorOptions(opts recorder.LaunchOptions) []chromedp.ExecAllocatorOption {
	options := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if l.ExecPath != "" {
		options = append(options, chromedp.ExecPath(l.ExecPath))
	}
	if opts.Headless {
		options = append(options, chromedp.Flag("headless", "new"))
	} else {
		options = append(options, chromedp.Flag("headless", false))
	}
	if opts.WindowWidth > 0 && opts.WindowHeight > 0 {
		options = append(options, chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight))
	}
	if l.NoSandbox {
		options = append(options, chromedp.NoSandbox)
	}
	return append(options,
		chromedp.Flag("mute-audio", false),
		chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
		chromedp.Flag("auto-accept-this-tab-capture", true),
		chromedp.Flag("use-fake-ui-for-media-stream", true),
		chromedp.Flag("enable-usermedia-screen-capturing", true),
		chromedp.Flag("allow-http-screen-capture", true),
	)
}

// chrome is a running browser.
type chrome struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	log         hclog.Logger

	closeOnce sync.Once
	closeErr  error
}

func (b *chrome) NewPage(ctx context.Context, opts recorder.PageOptions) (recorder.Page, error) {
	pctx, pcancel := chromedp.NewContext(b.ctx)
	p := &page{
		ctx:    pctx,
		cancel: pcancel,
		idle:   newIdleTracker(),
		log:    b.log.Named("page"),
	}
	chromedp.ListenTarget(pctx, p.handleEvent)

	actions := []chromedp.Action{network.Enable()}
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		actions = append(actions, chromedp.EmulateViewport(int64(opts.ViewportWidth), int64(opts.ViewportHeight)))
	}
	if err := runBounded(ctx, pctx, pcancel, actions...); err != nil {
		pcancel()
		return nil, errors.Wrap(err, "open page")
	}
	return p, nil
}

// Close shuts the browser down and waits for the process to exit.
func (b *chrome) Close() error {
	b.closeOnce.Do(func() {
		if err := chromedp.Cancel(b.ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.closeErr = errors.Wrap(err, "close chrome")
		}
		b.cancel()
		b.allocCancel()
		b.log.Debug("chrome closed")
	})
	return b.closeErr
}

// runBounded runs actions on target, cancelling target when ctx ends first.
// It is used for the first run on a chromedp context, which creates the
// browser or tab that the context then owns.
func runBounded(ctx, target context.Context, cancel context.CancelFunc, actions ...chromedp.Action) error {
	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(target, actions...)
	if !stop() {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}

// scoped derives a context from a chromedp context that is also cancelled
// with ctx. Cancelling it aborts the running action only.
func scoped(ctx, target context.Context) (context.Context, context.CancelFunc) {
	sctx, cancel := context.WithCancel(target)
	stop := context.AfterFunc(ctx, cancel)
	return sctx, func() {
		stop()
		cancel()
	}
}

func devtoolsLogf(log hclog.Logger, level hclog.Level) func(string, ...interface{}) {
	return func(format string, args ...interface{}) {
		log.Log(level, fmt.Sprintf(format, args...))
	}
}
