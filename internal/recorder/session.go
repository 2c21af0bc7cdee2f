// Package recorder implements the recording session controller: a single
// serialized state machine that owns the browser, the capture stream and the
// transcoder of at most one recording at a time.
package recorder

import (
	"context"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Config holds the fixed parameters of every recording attempt.
type Config struct {
	OutputDir string
	Launch    LaunchOptions
	Page      PageOptions
	// Headers are sent with every request the page makes.
	Headers map[string]string

	StepTimeout       time.Duration
	NavigationTimeout time.Duration
	ShutdownGrace     time.Duration
	DrainTimeout      time.Duration
	PublishTimeout    time.Duration
	QueueSize         int
}

func (c *Config) applyDefaults() {
	if c.OutputDir == "" {
		c.OutputDir = "public/stream"
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Second
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 60 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 2 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
}

// Deps are the collaborators a session drives.
type Deps struct {
	Browsers   BrowserLauncher
	Transcoder TranscoderEngine
	Publisher  StatusPublisher
	Log        hclog.Logger
}

// CommandKind identifies a session command.
type CommandKind int

const (
	CommandStart CommandKind = iota
	CommandStop
	CommandStatus
	CommandDisconnect
)

func (k CommandKind) String() string {
	switch k {
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	case CommandStatus:
		return "status"
	case CommandDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// preempts reports whether enqueueing the command cancels an acquisition
// that is still in flight.
func (k CommandKind) preempts() bool {
	return k == CommandStart || k == CommandStop || k == CommandDisconnect
}

// Command is a request to the session.
type Command struct {
	Kind      CommandKind
	TargetURL string
}

// Result is the outcome of one command.
type Result struct {
	Snapshot Snapshot
	// Noop is set when the command had nothing to act on.
	Noop   bool
	Detail string
	Err    error
}

type envelope struct {
	Command
	reply chan Result
}

// Session is the recording state machine. Commands are processed one at a
// time by Run; all other methods are safe for concurrent use.
type Session struct {
	cfg       Config
	browsers  BrowserLauncher
	engine    TranscoderEngine
	publisher StatusPublisher
	log       hclog.Logger

	cmds   chan envelope
	ready  chan string
	exited chan string
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	snap     Snapshot
	inflight context.CancelFunc

	// Owned by the Run goroutine.
	state         State
	bundle        *bundle
	targetURL     string
	readySignaled bool
	lastErr       error

	newID     func() string
	removeAll func(string) error
}

// New returns an idle session. Run must be called for it to process commands.
func New(cfg Config, deps Deps) *Session {
	cfg.applyDefaults()
	log := deps.Log
	if log == nil {
		log = hclog.NewNullLogger()
	}
	s := &Session{
		cfg:       cfg,
		browsers:  deps.Browsers,
		engine:    deps.Transcoder,
		publisher: deps.Publisher,
		log:       log,
		cmds:      make(chan envelope, cfg.QueueSize),
		ready:     make(chan string, 1),
		exited:    make(chan string, 1),
		done:      make(chan struct{}),
		state:     StateIdle,
		newID:     uuid.NewString,
		removeAll: os.RemoveAll,
	}
	s.refreshSnapshot()
	return s
}

// Run processes commands until ctx is cancelled. A live recording is torn
// down before Run returns.
func (s *Session) Run(ctx context.Context) error {
	defer s.once.Do(func() { close(s.done) })
	s.log.Info("recording session ready", "output_dir", s.cfg.OutputDir)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case env := <-s.cmds:
			env.reply <- s.handle(ctx, env.Command)
		case id := <-s.ready:
			s.handleReady(id)
		case id := <-s.exited:
			s.handleExited(id)
		}
	}
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Enqueue queues cmd and returns the channel its result is delivered on.
// Start, Stop and Disconnect cancel an acquisition that is still in flight.
func (s *Session) Enqueue(ctx context.Context, cmd Command) (<-chan Result, error) {
	env := envelope{Command: cmd, reply: make(chan Result, 1)}
	if cmd.Kind.preempts() {
		s.cancelInflight()
	}
	select {
	case s.cmds <- env:
		return env.reply, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do enqueues cmd and waits for its result.
func (s *Session) Do(ctx context.Context, cmd Command) (Result, error) {
	reply, err := s.Enqueue(ctx, cmd)
	if err != nil {
		return Result{}, err
	}
	select {
	case res := <-reply:
		return res, res.Err
	case <-s.done:
		select {
		case res := <-reply:
			return res, res.Err
		default:
			return Result{}, ErrClosed
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (s *Session) Start(ctx context.Context, targetURL string) (Result, error) {
	return s.Do(ctx, Command{Kind: CommandStart, TargetURL: targetURL})
}

func (s *Session) Stop(ctx context.Context) (Result, error) {
	return s.Do(ctx, Command{Kind: CommandStop})
}

func (s *Session) Status(ctx context.Context) (Result, error) {
	return s.Do(ctx, Command{Kind: CommandStatus})
}

func (s *Session) Disconnect(ctx context.Context) (Result, error) {
	return s.Do(ctx, Command{Kind: CommandDisconnect})
}

// Snapshot returns the last published state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Session) handle(ctx context.Context, cmd Command) Result {
	s.log.Debug("processing command", "command", cmd.Kind.String(), "state", s.state.String())
	switch cmd.Kind {
	case CommandStart:
		return s.handleStart(ctx, cmd.TargetURL)
	case CommandStop:
		return s.handleStop("stop")
	case CommandDisconnect:
		return s.handleStop("disconnect")
	case CommandStatus:
		s.publish("status")
		return Result{Snapshot: s.Snapshot()}
	default:
		return Result{Snapshot: s.Snapshot(), Noop: true, Detail: "unknown command"}
	}
}

func (s *Session) handleStart(ctx context.Context, target string) Result {
	target = strings.TrimSpace(target)
	if err := validateTarget(target); err != nil {
		s.log.Warn("ignoring start command", "target", target, "error", err)
		return Result{Snapshot: s.Snapshot(), Noop: true, Detail: err.Error(), Err: err}
	}

	if s.bundle != nil {
		s.log.Info("recording is already running, stopping it first", "attempt", s.bundle.id)
		s.teardown("restart", StateIdle)
	}

	s.log.Info("starting recording", "target", target)
	s.targetURL = target
	s.lastErr = nil
	s.state = StateStarting
	s.refreshSnapshot()

	attemptCtx, cancel := context.WithCancel(ctx)
	s.setInflight(cancel)
	b, err := s.acquire(attemptCtx, target)
	s.setInflight(nil)
	cancel()

	if err != nil {
		s.lastErr = err
		if errors.Is(err, ErrSuperseded) {
			s.state = StateIdle
			s.refreshSnapshot()
			s.publish("superseded")
			return Result{Snapshot: s.Snapshot(), Detail: "start superseded", Err: err}
		}
		s.state = StateFaulted
		s.refreshSnapshot()
		s.publish("acquisition failed")
		return Result{Snapshot: s.Snapshot(), Detail: "start failed", Err: err}
	}

	s.bundle = b
	s.readySignaled = false
	s.state = StateRecording
	s.refreshSnapshot()
	s.log.Info("started recording", "attempt", b.id)
	s.publish("acquired")
	return Result{Snapshot: s.Snapshot()}
}

func (s *Session) handleStop(reason string) Result {
	if s.bundle == nil {
		s.log.Info("no recording is running", "reason", reason, "state", s.state.String())
		return Result{Snapshot: s.Snapshot(), Noop: true, Detail: "nothing to stop"}
	}
	s.teardown(reason, StateIdle)
	return Result{Snapshot: s.Snapshot()}
}

func (s *Session) handleReady(id string) {
	if s.bundle == nil || s.bundle.id != id || s.state != StateRecording || s.readySignaled {
		s.log.Debug("ignoring stale readiness signal", "attempt", id)
		return
	}
	s.readySignaled = true
	s.refreshSnapshot()
	s.log.Info("recording started and manifest is ready", "attempt", id)
	s.publish("ready")
}

// handleExited faults the session when the transcoder of the current
// recording ends without being asked to.
func (s *Session) handleExited(id string) {
	if s.bundle == nil || s.bundle.id != id || s.state != StateRecording {
		s.log.Debug("ignoring stale exit signal", "attempt", id)
		return
	}
	s.log.Error("transcoder exited while recording, releasing resources", "attempt", id)
	s.lastErr = ErrTranscoderExited
	s.teardown("transcoder exited", StateFaulted)
}

// teardown releases the current bundle and settles in final.
func (s *Session) teardown(reason string, final State) {
	b := s.bundle
	s.state = StateStopping
	s.refreshSnapshot()

	if err := s.release(b, reason); err != nil {
		s.log.Warn("teardown finished with errors", "attempt", b.id, "error", err)
	}

	s.bundle = nil
	s.readySignaled = false
	s.state = final
	s.refreshSnapshot()
	s.log.Info("recording stopped", "attempt", b.id, "reason", reason)
	s.publish(reason)
}

func (s *Session) shutdown() {
	if s.bundle != nil {
		s.teardown("shutdown", StateIdle)
	}
	s.log.Info("recording session closed")
}

// signalReady hands a readiness event to the session goroutine unless the
// bundle has been cancelled in the meantime.
func (s *Session) signalReady(ctx context.Context, id string) {
	select {
	case s.ready <- id:
	case <-ctx.Done():
	case <-s.done:
	}
}

// signalExited reports that the bundle's transcoder or diagnostics ended.
// Nothing is sent once the bundle has been cancelled by a teardown.
func (s *Session) signalExited(ctx context.Context, id string) {
	if ctx.Err() != nil {
		return
	}
	select {
	case s.exited <- id:
	case <-ctx.Done():
	case <-s.done:
	}
}

func (s *Session) publish(reason string) {
	if s.publisher == nil {
		return
	}
	snap := s.Snapshot()
	st := Status{
		IsRecording: s.state == StateRecording,
		State:       s.state,
		AttemptID:   snap.AttemptID,
		TargetURL:   s.targetURL,
		Reason:      reason,
		At:          time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
	defer cancel()
	if err := s.publisher.PublishStatus(ctx, st); err != nil {
		s.log.Warn("failed to publish status", "reason", reason, "error", err)
	}
}

func (s *Session) refreshSnapshot() {
	snap := Snapshot{
		State:       s.state,
		StateName:   s.state.String(),
		IsRecording: s.state == StateRecording,
		Ready:       s.readySignaled,
		TargetURL:   s.targetURL,
	}
	if s.bundle != nil && s.state.holdsBundle() {
		snap.AttemptID = s.bundle.id
		started := s.bundle.startedAt
		snap.StartedAt = &started
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

func (s *Session) setInflight(cancel context.CancelFunc) {
	s.mu.Lock()
	s.inflight = cancel
	s.mu.Unlock()
}

func (s *Session) cancelInflight() {
	s.mu.Lock()
	cancel := s.inflight
	s.mu.Unlock()
	if cancel != nil {
		s.log.Debug("cancelling in-flight acquisition")
		cancel()
	}
}

func validateTarget(target string) error {
	if target == "" {
		return errors.Wrap(ErrInvalidTarget, "empty url")
	}
	u, err := url.Parse(target)
	if err != nil {
		return errors.Wrap(ErrInvalidTarget, err.Error())
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Wrapf(ErrInvalidTarget, "unsupported url %q", target)
	}
	return nil
}
