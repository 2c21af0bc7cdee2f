// Package control connects the recording session to remote controllers over
// websockets.
package control

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"meetcast/internal/recorder"
)

// Event names on the wire.
const (
	EventStartRecording    = "startRecording"
	EventStopRecording     = "stopRecording"
	EventGetStatus         = "getStatus"
	EventGetRecorderStatus = "getRecorderStatus"
	EventRecorderStatus    = "recorderStatus"
)

// ErrUnknownEvent is returned for frames with an unrecognised type.
var ErrUnknownEvent = errors.New("unknown event type")

// Message is the envelope of every frame.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StartPayload is the payload of startRecording. Older controllers send the
// page as meetUrl.
type StartPayload struct {
	TargetURL string `json:"targetUrl,omitempty"`
	MeetURL   string `json:"meetUrl,omitempty"`
}

// URL returns the page to record.
func (p StartPayload) URL() string {
	if u := strings.TrimSpace(p.TargetURL); u != "" {
		return u
	}
	return strings.TrimSpace(p.MeetURL)
}

// StatusPayload is the payload of recorderStatus.
type StatusPayload struct {
	IsRecording bool   `json:"isRecording"`
	State       string `json:"state,omitempty"`
	AttemptID   string `json:"attemptId,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Decode parses a frame into a command.
func Decode(data []byte) (recorder.Command, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return recorder.Command{}, errors.Wrap(err, "decode frame")
	}

	switch msg.Type {
	case EventStartRecording:
		var p StartPayload
		if len(msg.Payload) > 0 && string(msg.Payload) != "null" {
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				return recorder.Command{}, errors.Wrap(err, "decode startRecording payload")
			}
		}
		return recorder.Command{Kind: recorder.CommandStart, TargetURL: p.URL()}, nil
	case EventStopRecording:
		return recorder.Command{Kind: recorder.CommandStop}, nil
	case EventGetStatus, EventGetRecorderStatus:
		return recorder.Command{Kind: recorder.CommandStatus}, nil
	default:
		return recorder.Command{}, errors.Wrapf(ErrUnknownEvent, "%q", msg.Type)
	}
}

// EncodeStatus builds the recorderStatus frame for st.
func EncodeStatus(st recorder.Status) ([]byte, error) {
	payload, err := json.Marshal(StatusPayload{
		IsRecording: st.IsRecording,
		State:       st.State.String(),
		AttemptID:   st.AttemptID,
		Reason:      st.Reason,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: EventRecorderStatus, Payload: payload})
}
