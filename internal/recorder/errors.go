package recorder

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidTarget is returned for a start command without a usable URL.
	ErrInvalidTarget = errors.New("invalid target url")
	// ErrClosed is returned once the session loop has exited.
	ErrClosed = errors.New("recording session closed")
	// ErrSuperseded marks an acquisition cancelled by a newer command.
	ErrSuperseded = errors.New("acquisition superseded by newer command")
	// ErrTranscoderExited is recorded when the transcoder ends while recording.
	ErrTranscoderExited = errors.New("transcoder exited unexpectedly")
)

// Step names an acquisition step.
type Step string

const (
	StepOutputDir  Step = "output_dir"
	StepLaunch     Step = "launch_browser"
	StepOpenPage   Step = "open_page"
	StepHeaders    Step = "set_headers"
	StepNavigate   Step = "navigate"
	StepCapture    Step = "open_capture"
	StepTranscoder Step = "start_transcoder"
)

// AcquisitionError reports which step of a start sequence failed.
type AcquisitionError struct {
	Step Step
	Err  error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Step, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }
