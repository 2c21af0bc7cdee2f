package control

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"meetcast/internal/recorder"
)

// Commander accepts session commands.
type Commander interface {
	Enqueue(ctx context.Context, cmd recorder.Command) (<-chan recorder.Result, error)
	Done() <-chan struct{}
}

// Sender delivers an encoded frame to the connected controllers.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// Handler consumes what a transport receives.
type Handler interface {
	Handle(ctx context.Context, data []byte) error
	Disconnected(ctx context.Context)
}

// Dispatcher translates frames into session commands and session status
// into frames.
type Dispatcher struct {
	out     Sender
	session Commander
	log     hclog.Logger
}

var (
	_ Handler                  = (*Dispatcher)(nil)
	_ recorder.StatusPublisher = (*Dispatcher)(nil)
)

func NewDispatcher(out Sender, log hclog.Logger) *Dispatcher {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Dispatcher{out: out, log: log}
}

// Bind attaches the session commands are sent to. It must be called before
// the transport starts delivering frames.
func (d *Dispatcher) Bind(session Commander) {
	d.session = session
}

// Handle decodes one frame and queues its command. It returns once the
// command is queued so frames keep their order; the outcome is only logged.
func (d *Dispatcher) Handle(ctx context.Context, data []byte) error {
	cmd, err := Decode(data)
	if err != nil {
		d.log.Warn("ignoring control frame", "error", err)
		return err
	}
	return d.enqueue(ctx, cmd)
}

// Disconnected stops a running recording when the controller goes away.
func (d *Dispatcher) Disconnected(ctx context.Context) {
	d.log.Info("controller disconnected, cleaning up resources")
	if err := d.enqueue(ctx, recorder.Command{Kind: recorder.CommandDisconnect}); err != nil {
		d.log.Warn("could not queue disconnect", "error", err)
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, cmd recorder.Command) error {
	if d.session == nil {
		return errors.New("dispatcher is not bound to a session")
	}
	d.log.Info("received command", "command", cmd.Kind.String(), "target", cmd.TargetURL)
	reply, err := d.session.Enqueue(ctx, cmd)
	if err != nil {
		return errors.Wrapf(err, "queue %s", cmd.Kind)
	}
	go d.await(cmd, reply)
	return nil
}

func (d *Dispatcher) await(cmd recorder.Command, reply <-chan recorder.Result) {
	select {
	case res := <-reply:
		switch {
		case res.Err != nil:
			d.log.Warn("command failed", "command", cmd.Kind.String(), "state", res.Snapshot.StateName, "error", res.Err)
		case res.Noop:
			d.log.Info("command had no effect", "command", cmd.Kind.String(), "detail", res.Detail)
		default:
			d.log.Debug("command done", "command", cmd.Kind.String(), "state", res.Snapshot.StateName)
		}
	case <-d.session.Done():
	}
}

// PublishStatus sends st to the controllers as a recorderStatus frame.
func (d *Dispatcher) PublishStatus(ctx context.Context, st recorder.Status) error {
	data, err := EncodeStatus(st)
	if err != nil {
		return errors.Wrap(err, "encode status")
	}
	if d.out == nil {
		return nil
	}
	return d.out.Send(ctx, data)
}
