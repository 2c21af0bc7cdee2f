package recorder

import (
	"context"
	"io"
)

// LaunchOptions configures the browser process.
type LaunchOptions struct {
	WindowWidth  int
	WindowHeight int
	Headless     bool
}

// PageOptions configures a new page.
type PageOptions struct {
	ViewportWidth  int
	ViewportHeight int
}

// CaptureOptions selects the tracks of a capture stream.
type CaptureOptions struct {
	Audio bool
	Video bool
}

// BrowserLauncher starts browser instances.
type BrowserLauncher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// Browser is a running browser process. Closing it closes its pages.
type Browser interface {
	NewPage(ctx context.Context, opts PageOptions) (Page, error)
	Close() error
}

// Page is a browser tab that can be navigated and captured.
type Page interface {
	SetExtraHeaders(ctx context.Context, headers map[string]string) error
	// Navigate loads url and returns once the network has gone mostly idle.
	Navigate(ctx context.Context, url string) error
	OpenCapture(ctx context.Context, opts CaptureOptions) (CaptureStream, error)
	Close() error
}

// CaptureStream is a live byte feed of the page's audio and video. Close
// stops production; pending reads return io.EOF afterwards.
type CaptureStream interface {
	io.ReadCloser
}

// TranscoderEngine spawns transcoding processes writing into an output dir.
type TranscoderEngine interface {
	Start(ctx context.Context, outputDir string) (TranscoderProcess, error)
	// ReadinessMarker is the diagnostic substring printed once the output
	// container in outputDir has been opened.
	ReadinessMarker(outputDir string) string
}

// TranscoderProcess is a running transcoder.
type TranscoderProcess interface {
	Input() io.WriteCloser
	Diagnostics() io.Reader
	// Exited is closed once the process has ended, for whatever reason.
	Exited() <-chan struct{}
	// Shutdown interrupts the process and waits for it to exit. When ctx
	// expires before that, the process is killed.
	Shutdown(ctx context.Context) error
}

// StatusPublisher delivers status events to controllers.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, st Status) error
}

// Publishers fans a status out to several publishers.
type Publishers []StatusPublisher

func (ps Publishers) PublishStatus(ctx context.Context, st Status) error {
	var firstErr error
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := p.PublishStatus(ctx, st); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
