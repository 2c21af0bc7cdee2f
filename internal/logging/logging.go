// Package logging builds the process-wide hclog logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/mattn/go-isatty"
)

// Options selects level and output format. Format is one of auto, json and
// text; auto writes JSON unless the output is a terminal.
type Options struct {
	Name   string
	Level  string
	Format string
	Output io.Writer
}

// New returns the root logger. Components take sub-loggers via Named.
func New(opts Options) hclog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	name := opts.Name
	if name == "" {
		name = "meetcast"
	}

	level := hclog.LevelFromString(strings.TrimSpace(opts.Level))
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	json := false
	switch strings.ToLower(opts.Format) {
	case "json":
		json = true
	case "text":
	default:
		json = !isTerminal(out)
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:            name,
		Level:           level,
		Output:          out,
		JSONFormat:      json,
		Color:           colorOption(json, out),
		IncludeLocation: level <= hclog.Debug,
	})
}

func colorOption(json bool, out io.Writer) hclog.ColorOption {
	if json || !isTerminal(out) {
		return hclog.ColorOff
	}
	return hclog.AutoColor
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
