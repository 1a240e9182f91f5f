// Package xlog wraps zap with the logging conventions shared by our game
// services: a console core in dev, rotated files in prod, runtime level
// switching, and package-level helpers so call sites stay terse.
package xlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timeFormat = "2006/01/02 15:04:05.000"

type Mode int32

const (
	ModeDev Mode = iota
	ModeProd
)

type Config struct {
	Mode       Mode
	AppName    string
	Level      string // debug/info/warn/error
	Directory  string // file output directory, prod only
	FormatJSON bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func DefaultConfig() *Config {
	return &Config{
		Mode:       ModeDev,
		AppName:    "holdem-live",
		Level:      "debug",
		Directory:  "./logs",
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 7,
		Compress:   true,
	}
}

type Logger struct {
	log   *zap.Logger
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

func New(c *Config) *Logger {
	if c == nil {
		c = DefaultConfig()
	}
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		panic(fmt.Errorf("xlog: invalid level %q: %w", c.Level, err))
	}

	cores := []zapcore.Core{newConsoleCore(level)}
	if c.Mode == ModeProd && c.Directory != "" {
		cores = append(cores, newFileCore(c, level))
	}

	log := zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zap.PanicLevel),
	)
	return &Logger{log: log, sugar: log.Sugar(), level: level}
}

func newConsoleCore(level zapcore.LevelEnabler) zapcore.Core {
	encoder := zapcore.NewConsoleEncoder(newEncoderConfig())
	return zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
}

func newFileCore(c *Config, level zapcore.LevelEnabler) zapcore.Core {
	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.Directory, c.AppName+".log"),
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   c.Compress,
		LocalTime:  true,
	}
	encoder := zapcore.NewConsoleEncoder(newEncoderConfig())
	if c.FormatJSON {
		encoder = zapcore.NewJSONEncoder(newEncoderConfig())
	}
	return zapcore.NewCore(encoder, zapcore.AddSync(writer), level)
}

func newEncoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout(timeFormat)
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	ec.EncodeCaller = zapcore.ShortCallerEncoder
	return ec
}

func (l *Logger) GetLevel() string { return l.level.String() }

func (l *Logger) SetLevel(level string) {
	if err := l.level.UnmarshalText([]byte(level)); err != nil {
		l.sugar.Warnf("invalid log level %q: %v", level, err)
	}
}

func (l *Logger) Zap() *zap.Logger { return l.log }

func (l *Logger) Close() error { return l.log.Sync() }

// package-level logger, swappable once at boot.

var global atomic.Pointer[Logger]

func init() { global.Store(New(DefaultConfig())) }

func SetLogger(l *Logger) {
	if l != nil {
		global.Store(l)
	}
}

func Debugf(format string, args ...any) { global.Load().sugar.Debugf(format, args...) }
func Infof(format string, args ...any)  { global.Load().sugar.Infof(format, args...) }
func Warnf(format string, args ...any)  { global.Load().sugar.Warnf(format, args...) }
func Errorf(format string, args ...any) { global.Load().sugar.Errorf(format, args...) }
func Fatalf(format string, args ...any) { global.Load().sugar.Fatalf(format, args...) }
