package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// ringSize bounds the in-memory history replayed to new subscribers.
const ringSize = 1000

// Entry is one recorded log line, kept in the replay ring and delivered
// to live subscribers.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger is a leveled logger instance. Every emitted line is also recorded
// in a bounded ring buffer and fanned out to registered subscribers; a new
// subscriber first receives the ring contents, then live entries.
type Logger struct {
	level LogLevel
	mu    sync.RWMutex

	ringMu  sync.Mutex
	ring    [ringSize]Entry
	ringLen int
	ringPos int
	subs    map[int]chan Entry
	nextSub int
}

// New creates a new Logger instance with the specified level
func New(level string) *Logger {
	return &Logger{
		level: ParseLogLevel(level),
		subs:  make(map[int]chan Entry),
	}
}

// getDefaultLogger returns the singleton default logger
func getDefaultLogger() *Logger {
	once.Do(func() {
		defaultLogger = &Logger{
			level: INFO,
			subs:  make(map[int]chan Entry),
		}
	})
	return defaultLogger
}

// ParseLogLevel converts string to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLogLevel sets the global default log level (package-level)
func SetLogLevel(level string) {
	getDefaultLogger().SetLevel(level)
}

// GetLogLevel returns current log level as string (package-level)
func GetLogLevel() string {
	return getDefaultLogger().GetLevel()
}

// SetLevel sets this logger instance's level
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = ParseLogLevel(level)
}

// GetLevel returns this logger instance's level as string
func (l *Logger) GetLevel() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	switch l.level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// shouldLog checks if message should be logged at current level
func (l *Logger) shouldLog(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

// logMessage formats the line, writes it to the process log, records it in
// the ring, and delivers it to live subscribers. Subscribers that cannot
// keep up have entries dropped rather than blocking the logging path.
func (l *Logger) logMessage(level string, format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	log.Printf("[%s] %s", level, message)

	entry := Entry{Time: time.Now(), Level: level, Message: message}

	l.ringMu.Lock()
	l.ring[l.ringPos] = entry
	l.ringPos = (l.ringPos + 1) % ringSize
	if l.ringLen < ringSize {
		l.ringLen++
	}
	for _, ch := range l.subs {
		select {
		case ch <- entry:
		default:
		}
	}
	l.ringMu.Unlock()
}

// Recent returns up to limit entries from the ring, oldest first.
// limit <= 0 returns the full ring contents.
func (l *Logger) Recent(limit int) []Entry {
	l.ringMu.Lock()
	defer l.ringMu.Unlock()

	if limit <= 0 || limit > l.ringLen {
		limit = l.ringLen
	}
	out := make([]Entry, 0, limit)
	start := l.ringPos - limit
	if start < 0 {
		start += ringSize
	}
	for i := 0; i < limit; i++ {
		out = append(out, l.ring[(start+i)%ringSize])
	}
	return out
}

// Subscribe registers a live log consumer. The returned history slice holds
// the ring contents at subscription time (oldest first); entries logged
// afterwards arrive on the channel. The cancel function must be called when
// the consumer is done.
func (l *Logger) Subscribe(buffer int) (history []Entry, ch <-chan Entry, cancel func()) {
	if buffer <= 0 {
		buffer = 64
	}
	c := make(chan Entry, buffer)

	l.ringMu.Lock()
	history = l.snapshotLocked()
	if l.subs == nil {
		l.subs = make(map[int]chan Entry)
	}
	id := l.nextSub
	l.nextSub++
	l.subs[id] = c
	l.ringMu.Unlock()

	cancel = func() {
		l.ringMu.Lock()
		if _, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(c)
		}
		l.ringMu.Unlock()
	}
	return history, c, cancel
}

func (l *Logger) snapshotLocked() []Entry {
	out := make([]Entry, 0, l.ringLen)
	start := l.ringPos - l.ringLen
	if start < 0 {
		start += ringSize
	}
	for i := 0; i < l.ringLen; i++ {
		out = append(out, l.ring[(start+i)%ringSize])
	}
	return out
}

// Instance methods (for use with struct fields like s.logger.Info())

// Debug logs debug level messages
func (l *Logger) Debug(format string, v ...interface{}) {
	if l.shouldLog(DEBUG) {
		l.logMessage("DEBUG", format, v...)
	}
}

// Info logs info level messages
func (l *Logger) Info(format string, v ...interface{}) {
	if l.shouldLog(INFO) {
		l.logMessage("INFO", format, v...)
	}
}

// Warn logs warning level messages
func (l *Logger) Warn(format string, v ...interface{}) {
	if l.shouldLog(WARN) {
		l.logMessage("WARN", format, v...)
	}
}

// Error logs error level messages
func (l *Logger) Error(format string, v ...interface{}) {
	if l.shouldLog(ERROR) {
		l.logMessage("ERROR", format, v...)
	}
}

// Package-level functions (for direct use like logger.Info())

// Debug logs debug level messages (package-level)
func Debug(format string, v ...interface{}) {
	getDefaultLogger().Debug(format, v...)
}

// Info logs info level messages (package-level)
func Info(format string, v ...interface{}) {
	getDefaultLogger().Info(format, v...)
}

// Warn logs warning level messages (package-level)
func Warn(format string, v ...interface{}) {
	getDefaultLogger().Warn(format, v...)
}

// Error logs error level messages (package-level)
func Error(format string, v ...interface{}) {
	getDefaultLogger().Error(format, v...)
}

// Fatal logs an error level message and exits the process (package-level)
func Fatal(format string, v ...interface{}) {
	getDefaultLogger().Error(format, v...)
	os.Exit(1)
}

// Recent returns recent entries from the default logger's ring (package-level)
func Recent(limit int) []Entry {
	return getDefaultLogger().Recent(limit)
}

// Subscribe attaches a consumer to the default logger (package-level)
func Subscribe(buffer int) ([]Entry, <-chan Entry, func()) {
	return getDefaultLogger().Subscribe(buffer)
}
