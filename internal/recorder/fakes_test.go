package recorder

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

var errInjected = errors.New("injected failure")

// trace records the order of calls across all fakes and tracks how many
// browsers are alive at once.
type trace struct {
	mu       sync.Mutex
	calls    []string
	live     int
	maxLive  int
	launches int
}

func (tr *trace) add(call string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.calls = append(tr.calls, call)
}

func (tr *trace) snapshot() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]string, len(tr.calls))
	copy(out, tr.calls)
	return out
}

func (tr *trace) reset() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.calls = nil
}

func (tr *trace) opened() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.launches++
	tr.live++
	if tr.live > tr.maxLive {
		tr.maxLive = tr.live
	}
}

func (tr *trace) closed() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.live--
}

func (tr *trace) counts() (live, maxLive, launches int) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.live, tr.maxLive, tr.launches
}

// fixture wires fake collaborators into a running session.
type fixture struct {
	tr        *trace
	launcher  *fakeLauncher
	engine    *fakeEngine
	publisher *fakePublisher
	outputDir string
}

type fakeLauncher struct {
	tr     *trace
	failAt Step
	// navigate, when set, replaces the default navigation behaviour.
	navigate func(ctx context.Context) error
	// entered receives a value every time Navigate is called.
	entered chan struct{}
}

func (l *fakeLauncher) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	l.tr.add("browser.launch")
	if l.failAt == StepLaunch {
		return nil, errInjected
	}
	l.tr.opened()
	return &fakeBrowser{l: l}, nil
}

type fakeBrowser struct {
	l    *fakeLauncher
	once sync.Once
}

func (b *fakeBrowser) NewPage(ctx context.Context, opts PageOptions) (Page, error) {
	b.l.tr.add("page.open")
	if b.l.failAt == StepOpenPage {
		return nil, errInjected
	}
	return &fakePage{l: b.l}, nil
}

func (b *fakeBrowser) Close() error {
	b.l.tr.add("browser.close")
	b.once.Do(b.l.tr.closed)
	return nil
}

type fakePage struct {
	l *fakeLauncher
}

func (p *fakePage) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	p.l.tr.add("page.headers")
	if p.l.failAt == StepHeaders {
		return errInjected
	}
	return nil
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.l.tr.add("page.navigate")
	if p.l.entered != nil {
		select {
		case p.l.entered <- struct{}{}:
		default:
		}
	}
	if p.l.navigate != nil {
		return p.l.navigate(ctx)
	}
	if p.l.failAt == StepNavigate {
		return errInjected
	}
	return nil
}

func (p *fakePage) OpenCapture(ctx context.Context, opts CaptureOptions) (CaptureStream, error) {
	p.l.tr.add("capture.open")
	if p.l.failAt == StepCapture {
		return nil, errInjected
	}
	pr, pw := io.Pipe()
	return &fakeCapture{tr: p.l.tr, r: pr, w: pw}, nil
}

func (p *fakePage) Close() error {
	p.l.tr.add("page.close")
	return nil
}

type fakeCapture struct {
	tr *trace
	r  *io.PipeReader
	w  *io.PipeWriter
}

func (c *fakeCapture) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *fakeCapture) Close() error {
	c.tr.add("capture.close")
	return c.w.Close()
}

type fakeEngine struct {
	tr   *trace
	fail bool

	mu    sync.Mutex
	procs []*fakeProc
}

func (e *fakeEngine) Start(ctx context.Context, outputDir string) (TranscoderProcess, error) {
	e.tr.add("transcoder.start")
	if e.fail {
		return nil, errInjected
	}
	dr, dw := io.Pipe()
	p := &fakeProc{tr: e.tr, diagR: dr, diagW: dw, exited: make(chan struct{})}
	e.mu.Lock()
	e.procs = append(e.procs, p)
	e.mu.Unlock()
	return p, nil
}

func (e *fakeEngine) ReadinessMarker(outputDir string) string {
	return "Opening '" + filepath.Join(outputDir, "stream.m3u8.tmp") + "'"
}

func (e *fakeEngine) last() *fakeProc {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.procs) == 0 {
		return nil
	}
	return e.procs[len(e.procs)-1]
}

type fakeProc struct {
	tr    *trace
	diagR *io.PipeReader
	diagW *io.PipeWriter

	exited   chan struct{}
	exitOnce sync.Once
}

func (p *fakeProc) Input() io.WriteCloser { return &fakeStdin{tr: p.tr} }

func (p *fakeProc) Diagnostics() io.Reader { return p.diagR }

func (p *fakeProc) Exited() <-chan struct{} { return p.exited }

func (p *fakeProc) Shutdown(ctx context.Context) error {
	p.tr.add("transcoder.shutdown")
	p.exit()
	return p.diagW.Close()
}

func (p *fakeProc) exit() {
	p.exitOnce.Do(func() { close(p.exited) })
}

// crash ends the process on its own, closing its diagnostics like a dying
// transcoder would.
func (p *fakeProc) crash() {
	p.exit()
	p.diagW.Close()
}

// emit writes a diagnostic line as the transcoder would.
func (p *fakeProc) emit(t *testing.T, line string) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		_, err := io.WriteString(p.diagW, line)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("emit %q: %v", line, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("emit %q: reader is not consuming diagnostics", line)
	}
}

type fakeStdin struct {
	tr *trace
}

func (w *fakeStdin) Write(p []byte) (int, error) { return len(p), nil }

func (w *fakeStdin) Close() error {
	w.tr.add("transcoder.stdin.close")
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	statuses []Status
}

func (p *fakePublisher) PublishStatus(ctx context.Context, st Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, st)
	return nil
}

func (p *fakePublisher) all() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, len(p.statuses))
	copy(out, p.statuses)
	return out
}

func (p *fakePublisher) flags() []bool {
	var out []bool
	for _, st := range p.all() {
		out = append(out, st.IsRecording)
	}
	return out
}

func (p *fakePublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = nil
}

// newTestSession starts a session on fakes and stops it when the test ends.
func newTestSession(t *testing.T, tweak func(*fixture, *Config)) (*Session, *fixture) {
	t.Helper()
	tr := &trace{}
	f := &fixture{
		tr:        tr,
		launcher:  &fakeLauncher{tr: tr},
		engine:    &fakeEngine{tr: tr},
		publisher: &fakePublisher{},
		outputDir: filepath.Join(t.TempDir(), "stream"),
	}
	cfg := Config{
		OutputDir:         f.outputDir,
		Headers:           map[string]string{"authorization": "Bearer test"},
		StepTimeout:       2 * time.Second,
		NavigationTimeout: 2 * time.Second,
		ShutdownGrace:     time.Second,
		DrainTimeout:      500 * time.Millisecond,
		PublishTimeout:    time.Second,
	}
	if tweak != nil {
		tweak(f, &cfg)
	}
	s := New(cfg, Deps{
		Browsers:   f.launcher,
		Transcoder: f.engine,
		Publisher:  f.publisher,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-s.Done():
		case <-time.After(5 * time.Second):
			t.Error("session did not shut down")
		}
	})
	return s, f
}

// after returns the calls recorded after the first occurrence of marker.
func after(calls []string, marker string) []string {
	for i, c := range calls {
		if c == marker {
			return calls[i+1:]
		}
	}
	return nil
}
