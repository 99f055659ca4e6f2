// Package logging provides the engine's operator-facing diagnostic logger:
// a colorized slog.Handler distinct from the exact-format
// per-spec event log (see package eventlog), which is what the testable
// properties actually parse.
package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/fatih/color"
)

var bufPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// Options configures a PrettyHandler.
type Options struct {
	SlogOpts       slog.HandlerOptions
	UseColor       bool
	ShowSource     bool
	TimeFormat     string
	LevelWidth     int
	FieldSeparator string
}

// DefaultOptions returns sensible defaults for an interactive terminal.
func DefaultOptions() Options {
	return Options{
		SlogOpts:       slog.HandlerOptions{Level: slog.LevelInfo},
		UseColor:       true,
		ShowSource:     false,
		TimeFormat:     "15:04:05",
		LevelWidth:     5,
		FieldSeparator: " | ",
	}
}

// PrettyHandler is a slog.Handler that writes one colorized, human-readable
// line per record: timestamp, level, optional source, message, then
// JSON-encoded attributes.
type PrettyHandler struct {
	opts   Options
	writer io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr

	colorTime    func(...any) string
	colorLevel   map[slog.Level]func(...any) string
	colorMessage func(...any) string
	colorSource  func(...any) string
	colorFields  func(...any) string
}

func NewPrettyHandler(w io.Writer, opts *Options) *PrettyHandler {
	if opts == nil {
		d := DefaultOptions()
		opts = &d
	}
	if opts.TimeFormat == "" {
		opts.TimeFormat = "15:04:05"
	}
	if opts.LevelWidth < 4 {
		opts.LevelWidth = 5
	}
	if opts.FieldSeparator == "" {
		opts.FieldSeparator = " | "
	}

	h := &PrettyHandler{
		opts:   *opts,
		writer: w,
		mu:     &sync.Mutex{},
	}
	h.initColorFuncs()
	return h
}

func (h *PrettyHandler) initColorFuncs() {
	if !h.opts.UseColor {
		noColor := func(a ...any) string { return fmt.Sprint(a...) }
		h.colorTime, h.colorMessage, h.colorSource, h.colorFields = noColor, noColor, noColor, noColor
		h.colorLevel = map[slog.Level]func(...any) string{
			slog.LevelDebug: noColor, slog.LevelInfo: noColor,
			slog.LevelWarn: noColor, slog.LevelError: noColor,
		}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorMessage = color.New(color.FgCyan).SprintFunc()
	h.colorSource = color.New(color.FgHiBlack).SprintFunc()
	h.colorFields = color.New(color.FgWhite).SprintFunc()
	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed).SprintFunc(),
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.SlogOpts.Level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	h.mu.Lock()
	defer h.mu.Unlock()

	buf.WriteString(h.colorTime(r.Time.Format(h.opts.TimeFormat)))
	buf.WriteString(h.opts.FieldSeparator)

	level := strings.ToUpper(r.Level.String())
	level = fmt.Sprintf("%-*s", h.opts.LevelWidth, level)
	if fn, ok := h.colorLevel[r.Level]; ok {
		buf.WriteString(fn(level))
	} else {
		buf.WriteString(level)
	}
	buf.WriteString(h.opts.FieldSeparator)

	if h.opts.ShowSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.Function != "" {
			buf.WriteString(h.colorSource(fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)))
			buf.WriteString(h.opts.FieldSeparator)
		}
	}

	buf.WriteString(h.colorMessage(r.Message))

	attrs := make(map[string]any)
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	if len(attrs) > 0 {
		b, err := json.Marshal(attrs)
		if err != nil {
			return fmt.Errorf("logging: marshal attrs: %w", err)
		}
		buf.WriteString(h.opts.FieldSeparator)
		buf.WriteString(h.colorFields(string(b)))
	}

	buf.WriteByte('\n')
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	nh := &PrettyHandler{
		opts:   h.opts,
		writer: h.writer,
		mu:     h.mu,
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
	nh.initColorFuncs()
	return nh
}

func (h *PrettyHandler) WithGroup(_ string) slog.Handler {
	// Flat attribute layout only; this engine never nests logger groups.
	return h
}
