package recorder

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMarker = "Opening 'out/stream.m3u8.tmp'"

func TestReadinessDetector_Watch(t *testing.T) {
	tests := []struct {
		name  string
		input string
		fires int32
	}{
		{
			name:  "marker on its own line",
			input: "Input #0\n[hls @ 0x1] " + testMarker + " for writing\n",
			fires: 1,
		},
		{
			name:  "repeated marker fires once",
			input: testMarker + "\n" + testMarker + "\n" + testMarker + "\n",
			fires: 1,
		},
		{
			name:  "carriage return progress lines",
			input: "frame=1\rframe=2\r" + testMarker + "\rframe=3\r",
			fires: 1,
		},
		{
			name:  "marker without trailing newline",
			input: "noise\n" + testMarker,
			fires: 1,
		},
		{
			name:  "no marker",
			input: "Opening 'out/segment_00000.m4s' for writing\n",
			fires: 0,
		},
		{
			name:  "empty stream",
			input: "",
			fires: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fired atomic.Int32
			d := &ReadinessDetector{Marker: testMarker}
			err := d.Watch(context.Background(), strings.NewReader(tt.input), func() { fired.Add(1) })
			require.NoError(t, err)
			assert.Equal(t, tt.fires, fired.Load())
		})
	}
}

func TestReadinessDetector_PartialWrites(t *testing.T) {
	pr, pw := io.Pipe()
	fired := make(chan struct{}, 4)
	d := &ReadinessDetector{Marker: testMarker}

	done := make(chan error, 1)
	go func() {
		done <- d.Watch(context.Background(), pr, func() { fired <- struct{}{} })
	}()

	line := "[hls @ 0x1] " + testMarker + " for writing\n"
	for i := 0; i < len(line); i += 3 {
		end := i + 3
		if end > len(line) {
			end = len(line)
		}
		_, err := io.WriteString(pw, line[i:end])
		require.NoError(t, err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("marker split across writes was not detected")
	}

	require.NoError(t, pw.Close())
	require.NoError(t, <-done)
	assert.Empty(t, fired)
}

func TestReadinessDetector_OverlongLine(t *testing.T) {
	long := strings.Repeat("x", 3*maxDiagnosticLine+17)
	input := long + "\n" + testMarker + "\n"

	var fired atomic.Int32
	d := &ReadinessDetector{Marker: testMarker}
	err := d.Watch(context.Background(), strings.NewReader(input), func() { fired.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, int32(1), fired.Load())
}

func TestReadinessDetector_NoFireAfterCancel(t *testing.T) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	var fired atomic.Int32
	d := &ReadinessDetector{Marker: testMarker}
	done := make(chan error, 1)
	go func() {
		done <- d.Watch(ctx, pr, func() { fired.Add(1) })
	}()

	_, err := io.WriteString(pw, "noise\n")
	require.NoError(t, err)
	cancel()

	// Writes after cancellation must still be consumed.
	for i := 0; i < 50; i++ {
		_, err := io.WriteString(pw, testMarker+"\n")
		require.NoError(t, err)
	}
	require.NoError(t, pw.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("detector did not return after the stream closed")
	}
	assert.Equal(t, int32(0), fired.Load())
}

func TestSplitDiagnosticLines(t *testing.T) {
	scanner := bufio.NewScanner(strings.NewReader("a\r\nb\rc\n\nd"))
	scanner.Split(splitDiagnosticLines)

	var tokens []string
	for scanner.Scan() {
		tokens = append(tokens, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"a", "", "b", "c", "", "d"}, tokens)
}
