package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ANSI color codes
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Gray   = "\033[37m"
)

type ConsoleHandler struct {
	mu    sync.Mutex
	out   io.Writer
	level *slog.LevelVar
}

func NewConsoleHandler(out io.Writer, level *slog.LevelVar) *ConsoleHandler {
	return &ConsoleHandler{out: out, level: level}
}

func (h *ConsoleHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *ConsoleHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	levelColor := Reset
	switch r.Level {
	case slog.LevelDebug:
		levelColor = Gray
	case slog.LevelInfo:
		levelColor = Green
	case slog.LevelWarn:
		levelColor = Yellow
	case slog.LevelError:
		levelColor = Red
	}

	attrs := ""
	r.Attrs(func(a slog.Attr) bool {
		attrs += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
		return true
	})

	timeStr := r.Time.Format(time.TimeOnly)
	msg := fmt.Sprintf("%s%s%s [%s] %s%s\n", levelColor, r.Level.String()[:4], Reset, timeStr, r.Message, attrs)

	_, err := h.out.Write([]byte(msg))
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	return h
}

// FileHandler writes JSON records to app.json in the configured directory.
// The underlying file can be swapped at runtime when the log directory
// setting changes.
type FileHandler struct {
	mu    sync.Mutex
	level *slog.LevelVar
	dir   string
	file  *os.File
	json  slog.Handler
}

func NewFileHandler(dir string, level *slog.LevelVar) (*FileHandler, error) {
	h := &FileHandler{level: level}
	if err := h.open(dir); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *FileHandler) open(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "app.json"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if h.file != nil {
		h.file.Close()
	}
	h.dir = dir
	h.file = f
	h.json = slog.NewJSONHandler(f, nil)
	return nil
}

// Redirect moves the JSON stream to a new directory
func (h *FileHandler) Redirect(dir string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if dir == "" || dir == h.dir {
		return nil
	}
	return h.open(dir)
}

func (h *FileHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	return h.file.Close()
}

func (h *FileHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *FileHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.json.Handle(ctx, r)
}

func (h *FileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *FileHandler) WithGroup(name string) slog.Handler {
	return h
}

type FanoutHandler struct {
	handlers []slog.Handler
}

func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			_ = handler.Handle(ctx, r)
		}
	}
	return nil
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithAttrs(attrs)
	}
	return &FanoutHandler{handlers: newHandlers}
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithGroup(name)
	}
	return &FanoutHandler{handlers: newHandlers}
}

// Manager owns the level var and the file handler so the settings layer
// can retune logging without rebuilding loggers held by callers.
type Manager struct {
	Level *slog.LevelVar
	file  *FileHandler
}

// New creates the process logger: JSON in file + colored console
func New(consoleOutput io.Writer, dir string) (*slog.Logger, *Manager, error) {
	level := &slog.LevelVar{}
	level.Set(slog.LevelInfo)

	fileHandler, err := NewFileHandler(dir, level)
	if err != nil {
		return nil, nil, err
	}
	consoleHandler := NewConsoleHandler(consoleOutput, level)

	handler := &FanoutHandler{
		handlers: []slog.Handler{fileHandler, consoleHandler},
	}

	return slog.New(handler), &Manager{Level: level, file: fileHandler}, nil
}

// Reconfigure applies a settings change to the live logger
func (m *Manager) Reconfigure(level, dir string) error {
	m.Level.Set(ParseLevel(level))
	return m.file.Redirect(dir)
}

// Close releases the file handler
func (m *Manager) Close() error {
	return m.file.Close()
}

// ParseLevel maps a settings level string to a slog level. Unknown values
// fall back to INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
