package browser

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
)

const (
	// idleMaxInflight and idleQuietPeriod define "networkidle2": at most two
	// requests in flight for half a second.
	idleMaxInflight = 2
	idleQuietPeriod = 500 * time.Millisecond
	idlePoll        = 50 * time.Millisecond
)

// idleTracker follows the page's network requests to detect quiescence.
type idleTracker struct {
	mu          sync.Mutex
	inflight    map[network.RequestID]struct{}
	quietSince  time.Time
	maxInflight int
	now         func() time.Time
}

func newIdleTracker() *idleTracker {
	t := &idleTracker{
		inflight:    make(map[network.RequestID]struct{}),
		maxInflight: idleMaxInflight,
		now:         time.Now,
	}
	t.quietSince = t.now()
	return t
}

// handle consumes a DevTools event. Unrelated events are ignored.
func (t *idleTracker) handle(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.started(e.RequestID)
	case *network.EventLoadingFinished:
		t.finished(e.RequestID)
	case *network.EventLoadingFailed:
		t.finished(e.RequestID)
	}
}

func (t *idleTracker) started(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight[id] = struct{}{}
	if len(t.inflight) > t.maxInflight {
		t.quietSince = time.Time{}
	}
}

func (t *idleTracker) finished(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inflight[id]; !ok {
		return
	}
	delete(t.inflight, id)
	if len(t.inflight) <= t.maxInflight && t.quietSince.IsZero() {
		t.quietSince = t.now()
	}
}

// reset forgets earlier requests before a new navigation.
func (t *idleTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight = make(map[network.RequestID]struct{})
	t.quietSince = t.now()
}

// idle reports whether the network has been quiet for at least quiet.
func (t *idleTracker) idle(quiet time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.quietSince.IsZero() {
		return false
	}
	return t.now().Sub(t.quietSince) >= quiet
}

// wait blocks until the network is idle or ctx is done.
func (t *idleTracker) wait(ctx context.Context, quiet time.Duration) error {
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()
	for {
		if t.idle(quiet) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
