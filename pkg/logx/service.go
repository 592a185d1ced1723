package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./relaybot.log"

// Service owns the sinks behind every Logger it hands out. Apply rebuilds
// them at runtime; derived loggers pick up the change on their next entry.
type Service struct {
	mu   sync.Mutex
	file *os.File
	tg   *telegramSink

	root    atomic.Pointer[zerolog.Logger]
	secrets atomic.Pointer[strings.Replacer]
}

// New creates the logging service, applies cfg and returns the root Logger.
func New(cfg Config, sender Sender) (*Service, Logger) {
	setGlobals()
	s := &Service{tg: newTelegramSink(sender)}
	s.Apply(cfg)
	return s, Logger{src: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{src: s} }

// SetTelegramTarget points the Telegram sink at a chat (0 disables it).
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	s.tg.setTarget(chatID, threadID)
}

// SetRedactions masks every occurrence of the given secrets in all sinks.
// Values shorter than 8 bytes are ignored.
func (s *Service) SetRedactions(secrets ...string) {
	var pairs []string
	for _, v := range secrets {
		if v = strings.TrimSpace(v); len(v) >= 8 {
			pairs = append(pairs, v, "[redacted]")
		}
	}
	if len(pairs) == 0 {
		s.secrets.Store(nil)
		return
	}
	s.secrets.Store(strings.NewReplacer(pairs...))
}

// Apply swaps outputs and levels. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}
	if s.tg.configure(cfg.Telegram) {
		outs = append(outs, s.tg)
	}
	if len(outs) == 0 {
		outs = append(outs, consoleWriter(os.Stdout))
	}

	w := &redactWriter{next: zerolog.MultiLevelWriter(outs...), secrets: &s.secrets}
	zl := newRoot(w, parseLevel(cfg.Level, zerolog.InfoLevel))
	s.root.Store(&zl)
}

// Close stops the Telegram sink and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()

	s.tg.stop()
	if f != nil {
		return f.Close()
	}
	return nil
}

// redactWriter rewrites secrets before any sink sees the entry.
type redactWriter struct {
	next    zerolog.LevelWriter
	secrets *atomic.Pointer[strings.Replacer]
}

func (w *redactWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *redactWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	r := w.secrets.Load()
	if r == nil {
		return w.next.WriteLevel(level, p)
	}
	if _, err := w.next.WriteLevel(level, []byte(r.Replace(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
