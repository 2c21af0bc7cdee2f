package browser

import (
	"context"
	"encoding/base64"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetcast/internal/recorder"
)

func TestFindChrome(t *testing.T) {
	found := func(names ...string) func(string) (string, error) {
		return func(name string) (string, error) {
			for _, n := range names {
				if n == name {
					return "/usr/bin/" + name, nil
				}
			}
			return "", errors.New("not found")
		}
	}

	tests := []struct {
		name    string
		look    func(string) (string, error)
		want    string
		wantErr bool
	}{
		{name: "chromium-browser first", look: found("google-chrome", "chromium-browser"), want: "/usr/bin/chromium-browser"},
		{name: "google chrome", look: found("google-chrome"), want: "/usr/bin/google-chrome"},
		{name: "stable channel", look: found("google-chrome-stable"), want: "/usr/bin/google-chrome-stable"},
		{name: "nothing installed", look: found(), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := findChrome("linux", tt.look)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrChromeNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	explicit, err := FindChrome("/opt/chrome")
	require.NoError(t, err)
	assert.Equal(t, "/opt/chrome", explicit)
}

func TestIdleTracker(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := newIdleTracker()
	tr.now = func() time.Time { return now }
	tr.reset()

	assert.False(t, tr.idle(idleQuietPeriod))
	now = now.Add(idleQuietPeriod)
	assert.True(t, tr.idle(idleQuietPeriod), "no requests at all counts as idle")

	for _, id := range []network.RequestID{"1", "2", "3"} {
		tr.handle(&network.EventRequestWillBeSent{RequestID: id})
	}
	now = now.Add(time.Second)
	assert.False(t, tr.idle(idleQuietPeriod), "three requests in flight")

	tr.handle(&network.EventLoadingFinished{RequestID: "1"})
	assert.False(t, tr.idle(idleQuietPeriod), "quiet period just started")
	now = now.Add(idleQuietPeriod / 2)
	tr.handle(&network.EventLoadingFailed{RequestID: "unknown"})
	assert.False(t, tr.idle(idleQuietPeriod))
	now = now.Add(idleQuietPeriod / 2)
	assert.True(t, tr.idle(idleQuietPeriod), "two requests in flight for the whole period")

	tr.handle(&network.EventRequestWillBeSent{RequestID: "4"})
	assert.False(t, tr.idle(idleQuietPeriod))
	tr.handle(&runtime.EventBindingCalled{Name: bindingName})
	assert.False(t, tr.idle(idleQuietPeriod))
}

func TestIdleTracker_WaitHonoursContext(t *testing.T) {
	tr := newIdleTracker()
	for _, id := range []network.RequestID{"1", "2", "3"} {
		tr.started(id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.wait(ctx, idleQuietPeriod), context.DeadlineExceeded)

	tr.finished("1")
	require.NoError(t, tr.wait(context.Background(), 10*time.Millisecond))
}

func TestCaptureStream(t *testing.T) {
	c := newCaptureStream(nil, hclog.NewNullLogger())

	send := func(payload string) {
		c.handleEvent(&runtime.EventBindingCalled{Name: bindingName, Payload: payload})
	}
	send(base64.StdEncoding.EncodeToString([]byte("webm-header ")))
	send("!!not base64!!")
	c.handleEvent(&runtime.EventBindingCalled{Name: "otherBinding", Payload: "aWdub3JlZA=="})
	send(base64.StdEncoding.EncodeToString([]byte("cluster")))
	send("")
	send(base64.StdEncoding.EncodeToString([]byte("after end")))

	data, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "webm-header cluster", string(data))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestCaptureStream_CloseUnblocksReader(t *testing.T) {
	c := newCaptureStream(nil, hclog.NewNullLogger())

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, c)
		done <- err
	}()

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reader still blocked after Close")
	}

	n, err := c.Read(make([]byte, 16))
	assert.Zero(t, n)
	assert.Equal(t, io.EOF, err)

	// Late chunks after close are ignored.
	c.push([]byte("late"))
}

func TestCaptureStream_CloseWithPendingRead(t *testing.T) {
	c := newCaptureStream(nil, hclog.NewNullLogger())

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := c.Read(make([]byte, 16))
		done <- err
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		assert.Equal(t, io.EOF, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending read still blocked after Close")
	}
}

func TestCaptureStream_DropsWhenBacklogFull(t *testing.T) {
	c := newCaptureStream(nil, hclog.NewNullLogger())
	defer c.Close()

	// Nobody reads, so the pump blocks on its first write and the channel fills.
	for i := 0; i < chunkBacklog+10; i++ {
		c.push([]byte("x"))
	}
	c.mu.Lock()
	dropped := c.dropped
	c.mu.Unlock()
	assert.GreaterOrEqual(t, dropped, 9)
}

func TestBuildCaptureScript(t *testing.T) {
	script := buildCaptureScript(recorder.CaptureOptions{Audio: true, Video: true})
	assert.Contains(t, script, "window."+bindingName+"(btoa(bin))")
	assert.Contains(t, script, "video: true ?")
	assert.Contains(t, script, "audio: true,")
	assert.Contains(t, script, "rec.start(250)")
	assert.False(t, strings.Contains(script, "%!"), "format verbs must all be consumed")
}
