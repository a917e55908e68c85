// Package logging provides slog field helpers shared across components so
// every log line from the DAL core carries the same vocabulary.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// New configures the process logger the way cmd/daloraclehub selects it:
// JSON in production, text when dev is requested.
func New(level string, dev bool) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if dev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// Fields is a builder for a consistent set of structured log attributes.
type Fields map[string]any

// NewFields returns an empty Fields builder.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(name string) Fields {
	f["operation"] = name
	return f
}

func (f Fields) Project(projectID string) Fields {
	f["project_id"] = projectID
	return f
}

func (f Fields) Round(round int) Fields {
	f["round"] = round
	return f
}

func (f Fields) Resource(kind, name string) Fields {
	f["resource_type"] = kind
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

// Args flattens Fields into an alternating key/value slice for slog.
func (f Fields) Args() []any {
	args := make([]any, 0, len(f)*2)
	for k, v := range f {
		args = append(args, k, v)
	}
	return args
}
