package utils

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// Logger тонкая обертка над zap с printf-style методами
type Logger struct {
	level LogLevel
	base  *zap.Logger
	sugar *zap.SugaredLogger
}

var defaultLogger *Logger

func init() {
	defaultLogger = NewLogger("info")
}

func parseLevel(levelStr string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewLogger создает production логгер (JSON) с указанным уровнем
func NewLogger(levelStr string) *Logger {
	level := parseLevel(levelStr)

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level.zapLevel())
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	base, err := config.Build()
	if err != nil {
		base = zap.NewNop()
	}
	return FromZap(base, level)
}

// FromZap оборачивает готовый zap.Logger (например zaptest/observer в тестах)
func FromZap(base *zap.Logger, level LogLevel) *Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return &Logger{
		level: level,
		base:  base,
		sugar: base.Sugar(),
	}
}

// NewNopLogger логгер без вывода
func NewNopLogger() *Logger {
	return FromZap(zap.NewNop(), ERROR)
}

// Named возвращает логгер компонента
func (l *Logger) Named(name string) *Logger {
	return FromZap(l.base.Named(name), l.level)
}

// With добавляет structured поля
func (l *Logger) With(fields ...zap.Field) *Logger {
	return FromZap(l.base.With(fields...), l.level)
}

// Zap возвращает базовый zap.Logger
func (l *Logger) Zap() *zap.Logger {
	return l.base
}

func (l *Logger) Debug(format string, v ...interface{}) {
	l.sugar.Debugf(format, v...)
}

func (l *Logger) Info(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

func (l *Logger) Warn(format string, v ...interface{}) {
	l.sugar.Warnf(format, v...)
}

func (l *Logger) Error(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
}

// Sync сбрасывает буферы
func (l *Logger) Sync() error {
	return l.base.Sync()
}

// SetDefault заменяет глобальный логгер
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// Default возвращает глобальный логгер
func Default() *Logger {
	return defaultLogger
}

// Global logging functions
func LogDebug(msg string) {
	defaultLogger.Debug("%s", msg)
}

func LogInfo(msg string) {
	defaultLogger.Info("%s", msg)
}

func LogWarn(msg string) {
	defaultLogger.Warn("%s", msg)
}

func LogError(msg string) {
	defaultLogger.Error("%s", msg)
}
