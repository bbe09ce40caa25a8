package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
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
	FATAL
)

var (
	levelNames = map[LogLevel]string{
		DEBUG: "DEBUG",
		INFO:  "INFO",
		WARN:  "WARN",
		ERROR: "ERROR",
		FATAL: "FATAL",
	}

	currentLevel = INFO
	sink         *fileSink
	mu           sync.RWMutex
)

type fileSink struct {
	file         *os.File
	path         string
	maxSizeBytes int64
	currentSize  int64
	rotateMu     sync.Mutex
}

// Entry is the JSON shape written to the log file for each record.
type Entry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// EnableFileLogging mirrors records to a JSON-lines file. When maxSizeMB is
// positive the file rotates once it crosses that size.
func EnableFileLogging(path string, maxSizeMB int) error {
	mu.Lock()
	defer mu.Unlock()

	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	var size int64
	if stat, err := file.Stat(); err == nil {
		size = stat.Size()
	}

	if sink != nil && sink.file != nil {
		sink.file.Close()
	}
	sink = &fileSink{
		file:         file,
		path:         path,
		maxSizeBytes: int64(maxSizeMB) * 1024 * 1024,
		currentSize:  size,
	}
	return nil
}

func DisableFileLogging() {
	mu.Lock()
	defer mu.Unlock()
	if sink != nil && sink.file != nil {
		sink.file.Close()
	}
	sink = nil
}

func (fs *fileSink) rotate() error {
	fs.rotateMu.Lock()
	defer fs.rotateMu.Unlock()

	fs.file.Close()
	rotated := fmt.Sprintf("%s.%s", fs.path, time.Now().Format("20060102-150405"))
	if err := os.Rename(fs.path, rotated); err != nil {
		if file, openErr := os.OpenFile(fs.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); openErr == nil {
			fs.file = file
		}
		return fmt.Errorf("rotate log file: %w", err)
	}

	file, err := os.OpenFile(fs.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	fs.file = file
	fs.currentSize = 0
	return nil
}

func logMessage(level LogLevel, component, message string, fields map[string]any) {
	if level < GetLevel() {
		return
	}

	entry := Entry{
		Level:     levelNames[level],
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Component: component,
		Message:   message,
		Fields:    fields,
	}

	mu.RLock()
	fs := sink
	mu.RUnlock()

	if fs != nil && fs.file != nil {
		if fs.maxSizeBytes > 0 && fs.currentSize >= fs.maxSizeBytes {
			if err := fs.rotate(); err != nil {
				log.Printf("log rotation failed: %v", err)
			}
		}
		if data, err := json.Marshal(entry); err == nil {
			if n, writeErr := fs.file.WriteString(string(data) + "\n"); writeErr == nil {
				fs.currentSize += int64(n)
			}
		}
	}

	var fieldStr string
	if len(fields) > 0 {
		fieldStr = " " + formatFields(fields)
	}
	componentStr := ""
	if component != "" {
		componentStr = fmt.Sprintf(" %s:", component)
	}
	log.Printf("[%s] [%s]%s %s%s", entry.Timestamp, entry.Level, componentStr, message, fieldStr)

	if level == FATAL {
		os.Exit(1)
	}
}

func formatFields(fields map[string]any) string {
	parts := make([]string, 0, len(fields))
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return fmt.Sprintf("{%s}", strings.Join(parts, ", "))
}

func Debug(message string)                    { logMessage(DEBUG, "", message, nil) }
func DebugC(component, message string)        { logMessage(DEBUG, component, message, nil) }
func DebugCF(component, message string, fields map[string]any) {
	logMessage(DEBUG, component, message, fields)
}

func Info(message string)             { logMessage(INFO, "", message, nil) }
func InfoC(component, message string) { logMessage(INFO, component, message, nil) }
func InfoCF(component, message string, fields map[string]any) {
	logMessage(INFO, component, message, fields)
}

func Warn(message string)             { logMessage(WARN, "", message, nil) }
func WarnC(component, message string) { logMessage(WARN, component, message, nil) }
func WarnCF(component, message string, fields map[string]any) {
	logMessage(WARN, component, message, fields)
}

func Error(message string)             { logMessage(ERROR, "", message, nil) }
func ErrorC(component, message string) { logMessage(ERROR, component, message, nil) }
func ErrorCF(component, message string, fields map[string]any) {
	logMessage(ERROR, component, message, fields)
}

func Fatal(message string) { logMessage(FATAL, "", message, nil) }
func FatalCF(component, message string, fields map[string]any) {
	logMessage(FATAL, component, message, fields)
}
