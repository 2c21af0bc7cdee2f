// Package transcoder runs ffmpeg as the HLS encoder of a recording.
package transcoder

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"meetcast/internal/recorder"
)

const (
	// PlaylistName is the manifest written into the output dir.
	PlaylistName = "stream.m3u8"
	// InitSegmentName is the fMP4 initialization segment.
	InitSegmentName = "init.mp4"
	// SegmentPattern is the media segment file name template.
	SegmentPattern = "segment_%05d.m4s"
)

var (
	_ recorder.TranscoderEngine  = (*FFmpeg)(nil)
	_ recorder.TranscoderProcess = (*Process)(nil)
)

// FFmpeg spawns ffmpeg processes that read a WebM capture from stdin and
// write fMP4 HLS segments.
type FFmpeg struct {
	path string
	log  hclog.Logger
}

// NewFFmpeg returns an engine using the binary at path ("ffmpeg" when empty).
func NewFFmpeg(path string, log hclog.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &FFmpeg{path: path, log: log}
}

// Path returns the configured binary.
func (f *FFmpeg) Path() string {
	return f.path
}

// CheckAvailable checks that ffmpeg can be executed and reports a version.
func (f *FFmpeg) CheckAvailable(ctx context.Context) error {
	_, err := f.Version(ctx)
	return err
}

// Version returns the first line of `ffmpeg -version`.
func (f *FFmpeg) Version(ctx context.Context) (string, error) {
	output, err := exec.CommandContext(ctx, f.path, "-version").Output()
	if err != nil {
		return "", errors.Wrap(err, "ffmpeg not found")
	}

	line, _, _ := strings.Cut(string(output), "\n")
	line = strings.TrimSpace(line)
	if !strings.Contains(line, "ffmpeg version") {
		return "", errors.Errorf("ffmpeg not properly installed: unexpected version output %q", line)
	}
	return line, nil
}

// Args returns the command line for a recording into outputDir.
func Args(outputDir string) []string {
	return []string{
		"-hide_banner",
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-g", "120",
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-f", "hls",
		"-hls_time", "4",
		"-hls_list_size", "0",
		"-hls_flags", "program_date_time+append_list+split_by_time",
		"-hls_segment_type", "fmp4",
		"-hls_fmp4_init_filename", InitSegmentName,
		"-hls_segment_filename", filepath.Join(outputDir, SegmentPattern),
		filepath.Join(outputDir, PlaylistName),
	}
}

// ReadinessMarker is the line fragment ffmpeg's HLS muxer logs when it opens
// the temporary manifest for the first time.
func (f *FFmpeg) ReadinessMarker(outputDir string) string {
	return "Opening '" + filepath.Join(outputDir, PlaylistName) + ".tmp'"
}

// Start spawns ffmpeg writing into outputDir. The process outlives ctx; ctx
// only aborts the spawn itself.
func (f *FFmpeg) Start(ctx context.Context, outputDir string) (recorder.TranscoderProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(f.path, Args(outputDir)...)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "ffmpeg stdin")
	}

	// stderr goes through an os.Pipe rather than StderrPipe so Wait never
	// closes it under the reader.
	diagR, diagW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, errors.Wrap(err, "ffmpeg stderr")
	}
	cmd.Stderr = diagW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		diagR.Close()
		diagW.Close()
		return nil, errors.Wrapf(err, "failed to start %s", f.path)
	}
	diagW.Close()

	p := newProcess(cmd, stdin, diagR, f.log.With("pid", cmd.Process.Pid))
	p.log.Info("ffmpeg started", "output_dir", outputDir)
	return p, nil
}
