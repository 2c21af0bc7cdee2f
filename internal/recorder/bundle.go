package recorder

import (
	"context"
	"time"
)

// bundle holds the live resources of one recording attempt. Only the session
// goroutine touches it.
type bundle struct {
	id        string
	targetURL string
	outputDir string
	startedAt time.Time

	browser Browser
	page    Page
	capture CaptureStream
	proc    TranscoderProcess

	// ctx scopes the goroutines attached to the bundle.
	ctx       context.Context
	cancel    context.CancelFunc
	pumpDone  chan struct{}
	watchDone chan struct{}
}
