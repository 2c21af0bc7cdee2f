package recorder

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// maxDiagnosticLine caps the memory held for a single diagnostic line. Longer
// lines are handed out as fragments.
const maxDiagnosticLine = 64 * 1024

// ReadinessDetector watches transcoder diagnostics for the line announcing
// that the output container has been opened.
type ReadinessDetector struct {
	Marker string
	Log    hclog.Logger
}

// Watch scans r line by line and calls onReady on the first line containing
// the marker. onReady is never called after ctx is done. Once ctx is done the
// remaining input is drained without inspection so the writer never blocks on
// a full pipe; Watch returns at EOF or on a read error.
func (d *ReadinessDetector) Watch(ctx context.Context, r io.Reader, onReady func()) error {
	log := d.Log
	if log == nil {
		log = hclog.NewNullLogger()
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxDiagnosticLine)
	scanner.Split(splitDiagnosticLines)

	fired := false
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		log.Trace(line)

		if fired || d.Marker == "" || !strings.Contains(line, d.Marker) {
			continue
		}
		fired = true
		log.Debug("output container opened", "marker", d.Marker)
		if ctx.Err() == nil {
			onReady()
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	_, err := io.Copy(io.Discard, r)
	return err
}

// splitDiagnosticLines splits on '\n' or '\r' since ffmpeg rewrites its
// progress line with carriage returns.
func splitDiagnosticLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if len(data) >= maxDiagnosticLine || atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
