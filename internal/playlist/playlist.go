// Package playlist summarizes the HLS manifest a recording is producing.
package playlist

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/grafov/m3u8"
	"github.com/pkg/errors"
)

// Summary describes a media playlist.
type Summary struct {
	Available      bool       `json:"available"`
	Segments       int        `json:"segments"`
	Duration       float64    `json:"durationSeconds"`
	TargetDuration float64    `json:"targetDuration,omitempty"`
	InitSegment    string     `json:"initSegment,omitempty"`
	LastSegment    string     `json:"lastSegment,omitempty"`
	LastSegmentAt  *time.Time `json:"lastSegmentAt,omitempty"`
	Ended          bool       `json:"ended"`
}

// Inspect reads dir/name. A missing manifest is not an error; the summary
// is then marked unavailable.
func Inspect(dir, name string) (Summary, error) {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return Summary{}, nil
		}
		return Summary{}, errors.Wrap(err, "open playlist")
	}
	defer f.Close()
	return Parse(f)
}

// Parse summarizes a media playlist.
func Parse(r io.Reader) (Summary, error) {
	p, listType, err := m3u8.DecodeFrom(r, false)
	if err != nil {
		return Summary{}, errors.Wrap(err, "decode playlist")
	}
	if listType != m3u8.MEDIA {
		return Summary{}, errors.New("not a media playlist")
	}
	media, ok := p.(*m3u8.MediaPlaylist)
	if !ok {
		return Summary{}, errors.New("not a media playlist")
	}

	s := Summary{
		Available:      true,
		TargetDuration: media.TargetDuration,
		Ended:          media.Closed,
	}
	if media.Map != nil {
		s.InitSegment = media.Map.URI
	}
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		s.Segments++
		s.Duration += seg.Duration
		s.LastSegment = seg.URI
		if seg.Map != nil && s.InitSegment == "" {
			s.InitSegment = seg.Map.URI
		}
		if !seg.ProgramDateTime.IsZero() {
			at := seg.ProgramDateTime.Add(time.Duration(seg.Duration * float64(time.Second)))
			s.LastSegmentAt = &at
		}
	}
	return s, nil
}
