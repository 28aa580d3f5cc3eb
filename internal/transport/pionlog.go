package transport

import (
	"sync"

	golog "github.com/ipfs/go-log/v2"
	"github.com/pion/logging"
)

// LoggerFactory hands pion subsystem loggers backed by go-log, named
// "pion-<scope>" so their level can be set as a group.
type LoggerFactory struct{}

var (
	levelMu   sync.Mutex
	pionLevel = "warn"
)

func (LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	name := "pion-" + scope
	l := golog.Logger(name)
	levelMu.Lock()
	_ = golog.SetLogLevel(name, pionLevel)
	levelMu.Unlock()
	return leveled{l}
}

type leveled struct {
	l *golog.ZapEventLogger
}

func (p leveled) Trace(msg string)                          { p.l.Debug(msg) }
func (p leveled) Tracef(format string, args ...interface{}) { p.l.Debugf(format, args...) }
func (p leveled) Debug(msg string)                          { p.l.Debug(msg) }
func (p leveled) Debugf(format string, args ...interface{}) { p.l.Debugf(format, args...) }
func (p leveled) Info(msg string)                           { p.l.Info(msg) }
func (p leveled) Infof(format string, args ...interface{})  { p.l.Infof(format, args...) }
func (p leveled) Warn(msg string)                           { p.l.Warn(msg) }
func (p leveled) Warnf(format string, args ...interface{})  { p.l.Warnf(format, args...) }
func (p leveled) Error(msg string)                          { p.l.Error(msg) }
func (p leveled) Errorf(format string, args ...interface{}) { p.l.Errorf(format, args...) }

// SetupLogging sends go-log output to stderr; stdout carries CALL_EVENT lines.
func SetupLogging(level string) error {
	cfg := golog.GetConfig()
	cfg.Stderr = true
	cfg.Stdout = false
	cfg.Format = golog.PlaintextOutput
	golog.SetupLogging(cfg)
	return SetPionLevel(level)
}

// SetPionLevel sets the level of every pion subsystem logger, including the
// ones created later.
func SetPionLevel(level string) error {
	if _, err := golog.LevelFromString(level); err != nil {
		return err
	}
	levelMu.Lock()
	pionLevel = level
	levelMu.Unlock()
	return golog.SetLogLevelRegex("pion-.*", level)
}
