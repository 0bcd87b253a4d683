// Package log is a leveled wrapper around the standard library logger.
//
// Levels, from most to least severe: fatal, error, warning, info, debug.
// The default level is info; override it with SetLevel, SetLevelByString,
// or the LOG_LEVEL environment variable.
package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
)

const (
	Ldate         = log.Ldate
	Llongfile     = log.Llongfile
	Lmicroseconds = log.Lmicroseconds
	Lshortfile    = log.Lshortfile
	LstdFlags     = log.LstdFlags
	Ltime         = log.Ltime
)

type Level int

const (
	LevelNone Level = iota
	LevelFatal
	LevelError
	LevelWarning
	LevelInfo
	LevelDebug
)

var std = New(os.Stderr, "")

func init() {
	SetFlags(Ldate | Ltime | Lshortfile)
	SetHighlighting(runtime.GOOS != "windows")
}

type Logger struct {
	out          *log.Logger
	level        Level
	highlighting bool
}

func New(w io.Writer, prefix string) *Logger {
	level := LevelInfo
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		level = StringToLevel(l)
	}
	return &Logger{out: log.New(w, prefix, LstdFlags), level: level, highlighting: true}
}

func StringToLevel(s string) Level {
	switch s {
	case "fatal":
		return LevelFatal
	case "error":
		return LevelError
	case "warn", "warning":
		return LevelWarning
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	}
	return LevelDebug
}

func levelTag(level Level) (name string, color string) {
	switch level {
	case LevelFatal, LevelError:
		return levelName(level), "[0;31"
	case LevelWarning:
		return "warning", "[0;33"
	case LevelDebug:
		return "debug", "[0;36"
	default:
		return levelName(level), "[0;37"
	}
}

func levelName(level Level) string {
	switch level {
	case LevelFatal:
		return "fatal"
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	}
	return "unknown"
}

func (l *Logger) SetLevel(level Level)      { l.level = level }
func (l *Logger) SetLevelByString(s string) { l.level = StringToLevel(s) }
func (l *Logger) SetHighlighting(on bool)   { l.highlighting = on }
func (l *Logger) SetFlags(flags int)        { l.out.SetFlags(flags) }
func (l *Logger) Flags() int                { return l.out.Flags() }

func (l *Logger) output(level Level, format string, v ...interface{}) {
	if level > l.level {
		return
	}
	tag, color := levelTag(level)
	msg := fmt.Sprintf(format, v...)
	if l.highlighting {
		msg = "\033" + color + "m[" + tag + "] " + msg + "\033[0m"
	} else {
		msg = "[" + tag + "] " + msg
	}
	l.out.Output(4, msg)
}

func (l *Logger) Debug(v ...interface{})                 { l.output(LevelDebug, "%v", fmt.Sprintln(v...)) }
func (l *Logger) Debugf(format string, v ...interface{}) { l.output(LevelDebug, format, v...) }
func (l *Logger) Info(v ...interface{})                  { l.output(LevelInfo, "%v", fmt.Sprintln(v...)) }
func (l *Logger) Infof(format string, v ...interface{})  { l.output(LevelInfo, format, v...) }
func (l *Logger) Warn(v ...interface{})                  { l.output(LevelWarning, "%v", fmt.Sprintln(v...)) }
func (l *Logger) Warnf(format string, v ...interface{})  { l.output(LevelWarning, format, v...) }
func (l *Logger) Error(v ...interface{})                 { l.output(LevelError, "%v", fmt.Sprintln(v...)) }
func (l *Logger) Errorf(format string, v ...interface{}) { l.output(LevelError, format, v...) }

func (l *Logger) Fatal(v ...interface{}) {
	l.output(LevelFatal, "%v", fmt.Sprintln(v...))
	os.Exit(1)
}

func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.output(LevelFatal, format, v...)
	os.Exit(1)
}

func (l *Logger) Panic(v ...interface{})                 { l.out.Panic(v...) }
func (l *Logger) Panicf(format string, v ...interface{}) { l.out.Panicf(format, v...) }

// Package-level helpers forwarding to the shared logger.

func SetLevel(level Level)      { std.SetLevel(level) }
func GetLevel() Level           { return std.level }
func SetLevelByString(s string) { std.SetLevelByString(s) }
func SetHighlighting(on bool)   { std.SetHighlighting(on) }
func SetFlags(flags int)        { std.SetFlags(flags) }

func Debug(v ...interface{})                 { std.Debug(v...) }
func Debugf(format string, v ...interface{}) { std.Debugf(format, v...) }
func Info(v ...interface{})                  { std.Info(v...) }
func Infof(format string, v ...interface{})  { std.Infof(format, v...) }
func Warn(v ...interface{})                  { std.Warn(v...) }
func Warnf(format string, v ...interface{})  { std.Warnf(format, v...) }
func Error(v ...interface{})                 { std.Error(v...) }
func Errorf(format string, v ...interface{}) { std.Errorf(format, v...) }
func Fatal(v ...interface{})                 { std.Fatal(v...) }
func Fatalf(format string, v ...interface{}) { std.Fatalf(format, v...) }
func Panic(v ...interface{})                 { std.Panic(v...) }
func Panicf(format string, v ...interface{}) { std.Panicf(format, v...) }
