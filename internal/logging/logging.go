// Package logging builds the slog loggers handed to every component.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	EnvDebug     = "WLCAPTURE_DEBUG"
	EnvDebugFile = "WLCAPTURE_DEBUG_FILE"
)

type Options struct {
	Level slog.Level
	JSON  bool
	// Output defaults to stderr.
	Output io.Writer
}

func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	ho := &slog.HandlerOptions{Level: opts.Level, ReplaceAttr: plainErrors}
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(out, ho))
	}
	return slog.New(slog.NewTextHandler(out, ho))
}

// plainErrors logs errors by message. The text handler formats values with
// %+v, which prints a stack trace for every wrapped error.
func plainErrors(_ []string, a slog.Attr) slog.Attr {
	if err, ok := a.Value.Any().(error); ok && a.Value.Kind() == slog.KindAny {
		a.Value = slog.StringValue(err.Error())
	}
	return a
}

// Discard drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// FromEnv logs at debug level when WLCAPTURE_DEBUG=1, otherwise at warn.
// WLCAPTURE_DEBUG_FILE redirects output to an append-only file. The returned
// closer releases that file.
func FromEnv() (*slog.Logger, io.Closer) {
	opts := Options{Level: slog.LevelWarn}
	if strings.TrimSpace(os.Getenv(EnvDebug)) == "1" {
		opts.Level = slog.LevelDebug
	}

	var closer io.Closer = nopCloser{}
	if p := strings.TrimSpace(os.Getenv(EnvDebugFile)); p != "" {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "wlcapture debug log open failed: %v\n", err)
		} else {
			opts.Output = f
			closer = f
		}
	}
	return New(opts), closer
}

// ParseLevel accepts debug, info, warn and error, case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.TrimSpace(s)))
	return l, err
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
