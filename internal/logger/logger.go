// Package logger is the engine's single slog entry point: a text handler
// to stdout with a shortened time format, level controlled by the DEBUG
// environment variable or the config file's debug field.
package logger

import (
	"log/slog"
	"os"
)

var Log *slog.Logger

func init() {
	Log = slog.New(newHandler(false))
	slog.SetDefault(Log)
}

// Init (re-)configures the global logger's level.
func Init(debug bool) {
	Log = slog.New(newHandler(debug))
	slog.SetDefault(Log)
}

func newHandler(debug bool) slog.Handler {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05.000"))
			}
			return a
		},
	})
}

// With returns a child logger scoped to a component, e.g.
// logger.With("component", "ptyhost").
func With(args ...any) *slog.Logger {
	return Log.With(args...)
}

func Debug(msg string, args ...any) { Log.Debug(msg, args...) }
func Info(msg string, args ...any)  { Log.Info(msg, args...) }
func Warn(msg string, args ...any)  { Log.Warn(msg, args...) }
func Error(msg string, args ...any) { Log.Error(msg, args...) }
