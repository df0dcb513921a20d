// Package vxlog builds the structured logger shared by every vixy
// component. Logging setup is a non-goal at the protocol level (spec.md §1)
// but the library choices that back it are carried from the teacher: slog as
// the base, go-colorable/go-isatty for a TTY-aware handler, and lumberjack
// for optional rotating file output.
package vxlog

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"golang.org/x/exp/slog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// Level is the minimum level logged.
	Level slog.Level
	// JSON forces a JSON handler even on a terminal.
	JSON bool
	// File, if non-empty, also writes rotated log files via lumberjack.
	File string
}

// New builds a *slog.Logger per Options. When stdout is a terminal and JSON
// is not forced, records use slog's text format written through
// go-colorable's stdout (no color codes are added); otherwise they are
// plain JSON. A non-empty File receives the same records in the same format
// as stdout.
func New(opts Options) *slog.Logger {
	var writers []io.Writer

	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	useColor := !opts.JSON && isatty.IsTerminal(os.Stdout.Fd())
	var out io.Writer = os.Stdout
	if useColor {
		out = colorable.NewColorableStdout()
	}
	if len(writers) == 0 {
		writers = []io.Writer{out}
	} else {
		writers = append(writers, out)
	}

	w := io.MultiWriter(writers...)

	var handler slog.Handler
	hOpts := &slog.HandlerOptions{Level: opts.Level}
	if useColor {
		handler = slog.NewTextHandler(w, hOpts)
	} else {
		handler = slog.NewJSONHandler(w, hOpts)
	}
	return slog.New(handler)
}

// TypeOf returns a LogValuer that reports the concrete type of v as
// determined by the %T fmt verb, for logging opaque upstream frames whose
// JSON shape didn't parse as expected.
func TypeOf(v any) slog.LogValuer {
	return concreteTypeValue{v}
}

type concreteTypeValue struct{ v any }

func (v concreteTypeValue) LogValue() slog.Value {
	return slog.StringValue(fmt.Sprintf("%T", v.v))
}
