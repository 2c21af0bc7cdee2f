//go:build unix

package transcoder

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript installs an executable shell script standing in for ffmpeg.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestArgs(t *testing.T) {
	args := Args("public/stream")

	assert.Equal(t, []string{"-hide_banner", "-i", "pipe:0"}, args[:3])
	assert.Equal(t, "public/stream/stream.m3u8", args[len(args)-1])

	flags := map[string]string{}
	for i := 0; i+1 < len(args); i++ {
		if strings.HasPrefix(args[i], "-") {
			flags[args[i]] = args[i+1]
		}
	}
	tests := []struct {
		flag  string
		value string
	}{
		{"-c:v", "libx264"},
		{"-preset", "ultrafast"},
		{"-tune", "zerolatency"},
		{"-g", "120"},
		{"-sc_threshold", "0"},
		{"-f", "hls"},
		{"-hls_time", "4"},
		{"-hls_list_size", "0"},
		{"-hls_flags", "program_date_time+append_list+split_by_time"},
		{"-hls_segment_type", "fmp4"},
		{"-hls_fmp4_init_filename", "init.mp4"},
		{"-hls_segment_filename", "public/stream/segment_%05d.m4s"},
	}
	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			assert.Equal(t, tt.value, flags[tt.flag])
		})
	}
}

func TestReadinessMarker(t *testing.T) {
	f := NewFFmpeg("", nil)
	assert.Equal(t, "ffmpeg", f.Path())
	assert.Equal(t, "Opening 'public/stream/stream.m3u8.tmp'", f.ReadinessMarker("public/stream"))
	assert.Equal(t, "Opening 'public/stream/stream.m3u8.tmp'", f.ReadinessMarker("public/stream/"))
}

func TestVersion(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		want    string
		wantErr bool
	}{
		{
			name:   "valid",
			script: "echo 'ffmpeg version 6.1.1 Copyright (c) 2000-2023'\necho 'built with gcc'\n",
			want:   "ffmpeg version 6.1.1 Copyright (c) 2000-2023",
		},
		{
			name:    "unexpected output",
			script:  "echo 'not the droid'\n",
			wantErr: true,
		},
		{
			name:    "fails",
			script:  "exit 1\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFFmpeg(writeScript(t, tt.script), nil)
			got, err := f.Version(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
				assert.Error(t, f.CheckAvailable(context.Background()))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := NewFFmpeg(filepath.Join(t.TempDir(), "missing"), nil).Version(context.Background())
	assert.Error(t, err)
}

func TestStart_ShutdownOnInterrupt(t *testing.T) {
	script := `trap 'echo "interrupted" >&2; exit 255' INT
echo "Opening '$1' for writing" >&2
while :; do sleep 1; done
`
	f := NewFFmpeg(writeScript(t, script), nil)

	proc, err := f.Start(context.Background(), t.TempDir())
	require.NoError(t, err)

	scanner := bufio.NewScanner(proc.Diagnostics())
	require.True(t, scanner.Scan())
	assert.Contains(t, scanner.Text(), "Opening '-hide_banner' for writing")

	_, err = io.WriteString(proc.Input(), "some bytes")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, proc.Shutdown(ctx))

	p := proc.(*Process)
	assert.Equal(t, 255, p.ExitCode())
}

func TestStart_KillAfterGrace(t *testing.T) {
	script := `trap '' INT
echo ready >&2
sleep 30
`
	f := NewFFmpeg(writeScript(t, script), nil)

	proc, err := f.Start(context.Background(), t.TempDir())
	require.NoError(t, err)

	scanner := bufio.NewScanner(proc.Diagnostics())
	require.True(t, scanner.Scan())
	require.Equal(t, "ready", scanner.Text())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = proc.Shutdown(ctx)
	assert.ErrorIs(t, err, ErrKilled)
	assert.Less(t, time.Since(start), 5*time.Second)

	select {
	case <-proc.(*Process).Exited():
	default:
		t.Fatal("process should have been reaped")
	}
}

func TestStart_CancelledContext(t *testing.T) {
	f := NewFFmpeg(writeScript(t, "exit 0\n"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Start(ctx, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStart_MissingBinary(t *testing.T) {
	f := NewFFmpeg(filepath.Join(t.TempDir(), "missing"), nil)
	_, err := f.Start(context.Background(), t.TempDir())
	assert.Error(t, err)
}
