package logger

import (
    "sort"
    "sync"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
)

// Package logger provides the process-wide structured JSON logger.
// The *J variants take an event name plus a flat field map; plain variants
// log a bare message. Output is one JSON object per line on stderr.

var (
    mu  sync.RWMutex
    log *zap.Logger
)

func init() {
    cfg := zap.NewProductionConfig()
    cfg.Encoding = "json"
    cfg.EncoderConfig.TimeKey = "ts"
    cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
    cfg.DisableCaller = true
    cfg.DisableStacktrace = true
    l, err := cfg.Build()
    if err != nil {
        l = zap.NewNop()
    }
    log = l
}

// SetLevel raises the global minimum level ("debug", "info", "warn", "error").
// A level below the current one has no effect, so "debug" is ignored under
// the default info level.
func SetLevel(level string) {
    var lvl zapcore.Level
    if err := lvl.Set(level); err != nil {
        return
    }
    mu.Lock()
    defer mu.Unlock()
    log = log.WithOptions(zap.IncreaseLevel(lvl))
}

func fieldsOf(kv map[string]any) []zap.Field {
    keys := make([]string, 0, len(kv))
    for k := range kv {
        keys = append(keys, k)
    }
    sort.Strings(keys)
    fs := make([]zap.Field, 0, len(keys))
    for _, k := range keys {
        fs = append(fs, zap.Any(k, kv[k]))
    }
    return fs
}

func get() *zap.Logger { mu.RLock(); defer mu.RUnlock(); return log }

func Info(msg string)  { get().Info(msg) }
func Warn(msg string)  { get().Warn(msg) }
func Error(msg string) { get().Error(msg) }

// InfoJ logs an event with structured fields.
func InfoJ(event string, kv map[string]any) { get().Info(event, fieldsOf(kv)...) }

// WarnJ logs a warning event with structured fields.
func WarnJ(event string, kv map[string]any) { get().Warn(event, fieldsOf(kv)...) }

// ErrorJ logs an error event with structured fields.
func ErrorJ(event string, kv map[string]any) { get().Error(event, fieldsOf(kv)...) }

// DebugJ logs a debug event with structured fields.
func DebugJ(event string, kv map[string]any) { get().Debug(event, fieldsOf(kv)...) }
