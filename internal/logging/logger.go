package logging

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// InitLogger configures the global logger to write JSON lines to stdout and,
// when file is set, to a size-rotated log file.
func InitLogger(file string, maxSizeMB, maxBackups, maxAgeDays int, compress bool, level string) {
	var writers []io.Writer
	writers = append(writers, os.Stdout)

	if file != "" {
		if err := ensureLogDir(file); err != nil {
			// Logging to stdout still works; report and carry on.
			_, _ = os.Stderr.WriteString("cannot create log dir: " + err.Error() + "\n")
		} else {
			writers = append(writers, &lumberjack.Logger{
				Filename:   file,
				MaxSize:    maxSizeMB,
				MaxBackups: maxBackups,
				MaxAge:     maxAgeDays,
				Compress:   compress,
			})
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339
	l := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Logger().
		Level(parseLevel(level))

	mu.Lock()
	logger = l
	mu.Unlock()
}

func ensureLogDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// SetLogLevel changes the level of the global logger. Unknown levels fall back to info.
func SetLogLevel(level string) {
	mu.Lock()
	logger = logger.Level(parseLevel(level))
	mu.Unlock()
}

// SetLoggerForTest replaces the global logger.
func SetLoggerForTest(l zerolog.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debug logs msg with key/value pairs at debug level.
func Debug(msg string, kv ...any) {
	l := current()
	withFields(l.Debug(), kv).Msg(msg)
}

// Info logs msg with key/value pairs at info level.
func Info(msg string, kv ...any) {
	l := current()
	withFields(l.Info(), kv).Msg(msg)
}

// Warn logs msg with key/value pairs at warn level.
func Warn(msg string, kv ...any) {
	l := current()
	withFields(l.Warn(), kv).Msg(msg)
}

// Error logs msg with key/value pairs at error level.
func Error(msg string, kv ...any) {
	l := current()
	withFields(l.Error(), kv).Msg(msg)
}

func withFields(e *zerolog.Event, kv []any) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		switch v := kv[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	// A trailing key without a value is kept so it is not silently lost.
	if len(kv)%2 == 1 {
		if key, ok := kv[len(kv)-1].(string); ok {
			e = e.Str("dangling_key", key)
		}
	}
	return e
}
