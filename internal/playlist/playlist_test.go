package playlist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const livePlaylist = `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-MAP:URI="init.mp4"
#EXT-X-PROGRAM-DATE-TIME:2026-10-18T10:00:00.000+0000
#EXTINF:4.000000,
segment_00000.m4s
#EXT-X-PROGRAM-DATE-TIME:2026-10-18T10:00:04.000+0000
#EXTINF:4.000000,
segment_00001.m4s
#EXT-X-PROGRAM-DATE-TIME:2026-10-18T10:00:08.000+0000
#EXTINF:2.500000,
segment_00002.m4s
`

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		segments int
		duration float64
		ended    bool
	}{
		{name: "live", input: livePlaylist, segments: 3, duration: 10.5},
		{name: "finished", input: livePlaylist + "#EXT-X-ENDLIST\n", segments: 3, duration: 10.5, ended: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse(strings.NewReader(tt.input))
			require.NoError(t, err)
			assert.True(t, s.Available)
			assert.Equal(t, tt.segments, s.Segments)
			assert.InDelta(t, tt.duration, s.Duration, 0.001)
			assert.Equal(t, tt.ended, s.Ended)
			assert.Equal(t, "segment_00002.m4s", s.LastSegment)
			assert.Equal(t, "init.mp4", s.InitSegment)
			assert.InDelta(t, 4, s.TargetDuration, 0.001)
			require.NotNil(t, s.LastSegmentAt)
			assert.True(t, s.LastSegmentAt.Equal(time.Date(2026, 10, 18, 10, 0, 10, 500_000_000, time.UTC)))
		})
	}
}

func TestParse_RejectsMasterPlaylist(t *testing.T) {
	master := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1280000\nlow.m3u8\n"
	_, err := Parse(strings.NewReader(master))
	assert.Error(t, err)
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()

	s, err := Inspect(dir, "stream.m3u8")
	require.NoError(t, err)
	assert.False(t, s.Available)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "stream.m3u8"), []byte(livePlaylist), 0o644))
	s, err = Inspect(dir, "stream.m3u8")
	require.NoError(t, err)
	assert.True(t, s.Available)
	assert.Equal(t, 3, s.Segments)
}
