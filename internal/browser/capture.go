package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"meetcast/internal/recorder"
)

const (
	bindingName = "__recorderChunk"
	// chunkInterval is the MediaRecorder timeslice in milliseconds.
	chunkInterval = 250
	// chunkBacklog bounds the chunks buffered between DevTools and ffmpeg.
	chunkBacklog = 1024
	stopTimeout  = 2 * time.Second
)

// captureScript starts a MediaRecorder on the current tab and ships every
// chunk base64 encoded through the binding. An empty payload marks the end.
const captureScript = `(async () => {
  const stream = await navigator.mediaDevices.getDisplayMedia({
    video: %[1]t ? { frameRate: 30 } : false,
    audio: %[2]t,
    preferCurrentTab: true,
    selfBrowserSurface: 'include',
  });
  const mimeType = ['video/webm;codecs=vp8,opus', 'video/webm']
    .find((t) => MediaRecorder.isTypeSupported(t));
  const rec = new MediaRecorder(stream, { mimeType });
  let chain = Promise.resolve();
  rec.ondataavailable = (e) => {
    if (!e.data || e.data.size === 0) return;
    chain = chain.then(async () => {
      const buf = new Uint8Array(await e.data.arrayBuffer());
      let bin = '';
      for (let i = 0; i < buf.length; i += 0x8000) {
        bin += String.fromCharCode.apply(null, buf.subarray(i, i + 0x8000));
      }
      window.%[3]s(btoa(bin));
    });
  };
  rec.onstop = () => {
    chain = chain.then(() => window.%[3]s(''));
    stream.getTracks().forEach((t) => t.stop());
  };
  window.__recorderStop = () => {
    if (rec.state !== 'inactive') rec.stop();
  };
  rec.start(%[4]d);
  return true;
})()`

const stopScript = `window.__recorderStop && window.__recorderStop(), true`

func buildCaptureScript(opts recorder.CaptureOptions) string {
	return fmt.Sprintf(captureScript, opts.Video, opts.Audio, bindingName, chunkInterval)
}

// captureStream turns binding calls into a byte stream.
type captureStream struct {
	page *page
	log  hclog.Logger

	pr *io.PipeReader
	pw *io.PipeWriter

	mu      sync.Mutex
	chunks  chan []byte
	closed  bool
	dropped int

	pumpDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newCaptureStream(p *page, log hclog.Logger) *captureStream {
	pr, pw := io.Pipe()
	c := &captureStream{
		page:     p,
		log:      log,
		pr:       pr,
		pw:       pw,
		chunks:   make(chan []byte, chunkBacklog),
		pumpDone: make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *captureStream) pump() {
	defer close(c.pumpDone)
	for chunk := range c.chunks {
		if _, err := c.pw.Write(chunk); err != nil {
			c.log.Debug("capture consumer went away", "error", err)
			// Keep draining so the producer never blocks.
			for range c.chunks {
			}
			return
		}
	}
	c.pw.Close()
}

// handleEvent receives DevTools events for the page.
func (c *captureStream) handleEvent(ev interface{}) {
	e, ok := ev.(*runtime.EventBindingCalled)
	if !ok || e.Name != bindingName {
		return
	}
	if e.Payload == "" {
		c.log.Debug("media recorder stopped")
		c.finish()
		return
	}
	data, err := base64.StdEncoding.DecodeString(e.Payload)
	if err != nil {
		c.log.Warn("dropping undecodable capture chunk", "error", err)
		return
	}
	c.push(data)
}

func (c *captureStream) push(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.chunks <- data:
	default:
		c.dropped++
		if c.dropped == 1 || c.dropped%100 == 0 {
			c.log.Warn("capture backlog full, dropping chunks", "dropped", c.dropped)
		}
	}
}

// finish ends the byte stream once every queued chunk has been written.
func (c *captureStream) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.chunks)
}

func (c *captureStream) Read(p []byte) (int, error) {
	return c.pr.Read(p)
}

// Close stops the recorder in the page and ends the stream. Queued chunks
// nobody reads are discarded.
func (c *captureStream) Close() error {
	c.closeOnce.Do(func() {
		if c.page != nil {
			ctx, cancel := context.WithTimeout(c.page.ctx, stopTimeout)
			var ok bool
			if err := chromedp.Run(ctx, chromedp.Evaluate(stopScript, &ok)); err != nil {
				c.closeErr = errors.Wrap(err, "stop media recorder")
			}
			cancel()
		}
		c.finish()
		// Readers see EOF; a pump blocked in Write gets ErrClosedPipe.
		c.pw.CloseWithError(io.EOF)
		<-c.pumpDone
	})
	return c.closeErr
}
