package lib

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LogDirectory = "logs"
	LogFileName  = "log"
)

/*
	Leveled, colored logging. Every consensus component logs through LoggerI, engines of different
	shard groups share one writer and are told apart by their prefix.
*/

// LoggerI defines the interface for various logging levels and formatted output
type LoggerI interface {
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
	Fatal(msg string)
	Print(msg string)
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	Printf(format string, args ...interface{})
	// WithPrefix returns a logger sharing the writer and level that tags each line with prefix
	WithPrefix(prefix string) LoggerI
}

const (
	DebugLevel int32 = -4
	InfoLevel  int32 = 0
	WarnLevel  int32 = 4
	ErrorLevel int32 = 8
)

const (
	Reset = iota
	RED
	GREEN
	YELLOW
	BLUE
	GRAY
)

var (
	_ LoggerI = &Logger{}
)

// LoggerConfig holds configuration settings for the logger, including logging level and output writer
type LoggerConfig struct {
	Level  int32 `json:"level"`
	Prefix string
	Out    io.Writer
}

// Logger is the concrete implementation of LoggerI, managing log output based on configuration
type Logger struct {
	config LoggerConfig
	mu     *sync.Mutex // serializes writes of loggers sharing an output
}

// Debug() logs a message at the Debug level with blue color
func (l *Logger) Debug(msg string) {
	if l.config.Level <= DebugLevel {
		l.write(colorString(BLUE, "DEBUG: "+l.prefixed(msg)))
	}
}

// Info() logs a message at the Info level with green color
func (l *Logger) Info(msg string) {
	if l.config.Level <= InfoLevel {
		l.write(colorString(GREEN, "INFO: "+l.prefixed(msg)))
	}
}

// Warn() logs a message at the Warn level with yellow color
func (l *Logger) Warn(msg string) {
	if l.config.Level <= WarnLevel {
		l.write(colorString(YELLOW, "WARN: "+l.prefixed(msg)))
	}
}

// Error() logs a message at the Error level with red color
func (l *Logger) Error(msg string) {
	if l.config.Level <= ErrorLevel {
		l.write(colorString(RED, "ERROR: "+l.prefixed(msg)))
	}
}

// Print() logs a message without any specific log level or color
func (l *Logger) Print(msg string) { l.write(l.prefixed(msg)) }

// Fatal() logs an error message and terminates the program
func (l *Logger) Fatal(msg string) {
	l.write(colorString(RED, "FATAL: "+l.prefixed(msg)))
	os.Exit(1)
}

// Debugf() logs a formatted message at the Debug level with blue color
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.config.Level <= DebugLevel {
		l.Debug(fmt.Sprintf(format, args...))
	}
}

// Infof() logs a formatted message at the Info level with green color
func (l *Logger) Infof(format string, args ...interface{}) {
	if l.config.Level <= InfoLevel {
		l.Info(fmt.Sprintf(format, args...))
	}
}

// Warnf() logs a formatted message at the Warn level with yellow color
func (l *Logger) Warnf(format string, args ...interface{}) {
	if l.config.Level <= WarnLevel {
		l.Warn(fmt.Sprintf(format, args...))
	}
}

// Errorf() logs a formatted message at the Error level with red color
func (l *Logger) Errorf(format string, args ...interface{}) {
	if l.config.Level <= ErrorLevel {
		l.Error(fmt.Sprintf(format, args...))
	}
}

// Fatalf() logs a formatted error message and terminates the program
func (l *Logger) Fatalf(format string, args ...interface{}) { l.Fatal(fmt.Sprintf(format, args...)) }

// Printf() logs a formatted message without any specific log level or color
func (l *Logger) Printf(format string, args ...interface{}) { l.Print(fmt.Sprintf(format, args...)) }

// WithPrefix() returns a child logger, prefixes accumulate
func (l *Logger) WithPrefix(prefix string) LoggerI {
	cfg := l.config
	if cfg.Prefix != "" {
		cfg.Prefix = cfg.Prefix + " " + prefix
	} else {
		cfg.Prefix = prefix
	}
	return &Logger{config: cfg, mu: l.mu}
}

func (l *Logger) prefixed(msg string) string {
	if l.config.Prefix == "" {
		return msg
	}
	return "[" + l.config.Prefix + "] " + msg
}

// write() outputs the log message with a timestamp to the configured writer
func (l *Logger) write(msg string) {
	timeColored := colorString(GRAY, time.Now().Format(time.StampMilli))
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.config.Out.Write([]byte(fmt.Sprintf("%s %s\n", timeColored, msg))); err != nil {
		fmt.Println(err.Error())
	}
}

// NewLogger() creates a new Logger instance with the specified configuration and optional data directory path
// when no writer is configured, logs go to stdout and an auto rotating file under the data directory
func NewLogger(config LoggerConfig, dataDirPath ...string) LoggerI {
	if config.Out == nil {
		if len(dataDirPath) == 0 || dataDirPath[0] == "" {
			dataDirPath = []string{DefaultDataDirPath()}
		}
		logPath := filepath.Join(dataDirPath[0], LogDirectory, LogFileName)
		if _, err := os.Stat(logPath); errors.Is(err, os.ErrNotExist) {
			if err = os.MkdirAll(filepath.Join(dataDirPath[0], LogDirectory), os.ModePerm); err != nil {
				panic(err)
			}
		}
		logFile := &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    1, // megabyte
			MaxBackups: 1500,
			MaxAge:     14, // days
			Compress:   true,
		}
		config.Out = io.MultiWriter(os.Stdout, logFile)
	}
	return &Logger{config: config, mu: &sync.Mutex{}}
}

// NewDefaultLogger() creates a Logger with default settings, logging at the Debug level to stdout
func NewDefaultLogger() LoggerI {
	return NewLogger(LoggerConfig{
		Level: DebugLevel,
		Out:   os.Stdout,
	})
}

// NewNullLogger() creates a Logger that discards all log output
func NewNullLogger() LoggerI {
	return NewLogger(LoggerConfig{
		Level: ErrorLevel + 1,
		Out:   io.Discard,
	})
}

// colorString() returns a string with color applied, preserving line breaks
func colorString(c int, msg string) string {
	arr := strings.Split(msg, "\n")
	for i, part := range arr {
		arr[i] = cString(c, part)
	}
	return strings.Join(arr, "\n")
}

// cString() returns a string with a specific color applied
func cString(c int, msg string) string {
	switch c {
	case BLUE:
		return color.BlueString(msg)
	case RED:
		return color.RedString(msg)
	case YELLOW:
		return color.YellowString(msg)
	case GREEN:
		return color.GreenString(msg)
	case GRAY:
		return color.HiBlackString(msg)
	default:
		return color.WhiteString(msg)
	}
}
