package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level is a log severity.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// ParseLevel maps a config string to a Level; unknown strings mean INFO.
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return DEBUG
	case "warn", "WARN", "warning":
		return WARN
	case "error", "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Logger writes every record to a file and promotes INFO and above to the
// console. Before Init, INFO and above go to stderr so library code can log
// from tests; DEBUG records are dropped.
type Logger struct {
	mu         sync.Mutex
	fileLogger *log.Logger
	consoleLog *log.Logger
	level      Level
	logFile    *os.File
}

var (
	defaultLogger *Logger
	once          sync.Once
	fallback      = log.New(os.Stderr, "", 0)
)

// Init sets up the global logger writing to <dir>/<prefix>.log.
func Init(dir string, level Level, prefix string) error {
	var initErr error
	once.Do(func() {
		if err := os.MkdirAll(dir, 0755); err != nil {
			initErr = fmt.Errorf("logger: create log dir: %w", err)
			return
		}
		if prefix == "" {
			prefix = "dfreplica"
		}
		path := filepath.Join(dir, prefix+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			initErr = fmt.Errorf("logger: open log file: %w", err)
			return
		}
		defaultLogger = &Logger{
			fileLogger: log.New(f, "", 0),
			consoleLog: log.New(os.Stdout, "", 0),
			level:      level,
			logFile:    f,
		}
	})
	return initErr
}

// Close flushes and closes the log file.
func Close() {
	if defaultLogger == nil || defaultLogger.logFile == nil {
		return
	}
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	_ = defaultLogger.logFile.Close()
	defaultLogger.logFile = nil
}

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	line := fmt.Sprintf("%s [%s] %s",
		time.Now().Format("2006-01-02 15:04:05.000"),
		levelNames[level],
		fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile != nil {
		l.fileLogger.Println(line)
	}
	if level >= INFO {
		l.consoleLog.Println(line)
	}
}

func logf(level Level, format string, args ...interface{}) {
	if defaultLogger == nil {
		if level >= INFO {
			fallback.Printf("[%s] %s", levelNames[level], fmt.Sprintf(format, args...))
		}
		return
	}
	defaultLogger.logf(level, format, args...)
}

// Debugf logs at DEBUG.
func Debugf(format string, args ...interface{}) { logf(DEBUG, format, args...) }

// Infof logs at INFO.
func Infof(format string, args ...interface{}) { logf(INFO, format, args...) }

// Warnf logs at WARN.
func Warnf(format string, args ...interface{}) { logf(WARN, format, args...) }

// Errorf logs at ERROR.
func Errorf(format string, args ...interface{}) { logf(ERROR, format, args...) }
