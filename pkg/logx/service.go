package logx

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Admin   AdminConfig
}

// FileConfig writes JSON lines into Dir/<Prefix>_YYYY-MM-DD.log.
type FileConfig struct {
	Enabled bool
	Dir     string
	Prefix  string
}

// AdminConfig forwards records at or above MinLevel to the admin chat.
type AdminConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// AdminSender delivers a plain text message to the admin chat.
type AdminSender interface {
	SendAdmin(ctx context.Context, text string) error
}

// Service owns the live zerolog root and its sinks. Apply rebuilds the root
// without invalidating loggers handed out earlier.
type Service struct {
	mu    sync.Mutex
	root  atomic.Pointer[zerolog.Logger]
	file  *dailyFile
	admin *adminSink

	stdout io.Writer
}

// New applies cfg and returns the service with its root Logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{
		file:   &dailyFile{now: time.Now},
		admin:  newAdminSink(),
		stdout: os.Stdout,
	}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) zl() zerolog.Logger {
	if p := s.root.Load(); p != nil {
		return *p
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{src: s} }

// SetAdminSender attaches the admin chat. Records logged earlier are not
// replayed.
func (s *Service) SetAdminSender(sender AdminSender) { s.admin.setSender(sender) }

// Apply rebuilds outputs and levels. With no output enabled, records go to
// the console.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.file.configure(cfg.File)
	s.admin.configure(cfg.Admin)

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(s.stdout))
	}
	if cfg.File.Enabled {
		outs = append(outs, s.file)
	}
	if cfg.Admin.Enabled {
		outs = append(outs, s.admin)
	}
	if len(outs) == 0 {
		outs = append(outs, consoleWriter(s.stdout))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close stops the admin forwarder and closes the log file.
func (s *Service) Close() error {
	s.admin.close()
	return s.file.close()
}
