// Package logger wires zerolog to a console writer plus a daily log file
// under the config dir (logs/cyberdriver-YYYY-MM-DD.log).
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// dailyFileWriter appends to logs/cyberdriver-<date>.log, reopening the
// file when the date rolls over. Writes are best effort: a full disk or a
// missing directory must never take the agent down.
type dailyFileWriter struct {
	mu   sync.Mutex
	dir  string
	date string
	file *os.File
}

func (w *dailyFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	date := time.Now().Format("2006-01-02")
	if w.file == nil || date != w.date {
		if w.file != nil {
			_ = w.file.Close()
			w.file = nil
		}
		if err := os.MkdirAll(w.dir, 0o755); err != nil {
			return len(p), nil
		}
		path := filepath.Join(w.dir, fmt.Sprintf("cyberdriver-%s.log", date))
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return len(p), nil
		}
		w.file = file
		w.date = date
	}
	if _, err := w.file.Write(p); err != nil {
		return len(p), nil
	}
	return len(p), nil
}

// Setup configures the global zerolog logger. debug controls the level;
// SetDebug re-levels it later without reconfiguring writers.
func Setup(logDir string, debug bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	writers := []io.Writer{console}
	if logDir != "" {
		writers = append(writers, &dailyFileWriter{dir: logDir})
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	SetDebug(debug)
}

// SetDebug toggles between debug and info level at runtime.
func SetDebug(debug bool) {
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// NewestLogTail returns up to maxLines trailing lines of the most recently
// modified .log file in dir. Empty string when there are no logs yet.
func NewestLogTail(dir string, maxLines int) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	var newestPath string
	var newestTime time.Time
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newestPath == "" || info.ModTime().After(newestTime) {
			newestPath = filepath.Join(dir, entry.Name())
			newestTime = info.ModTime()
		}
	}
	if newestPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(newestPath)
	if err != nil {
		return "", err
	}
	lines := splitLines(string(data))
	if len(lines) <= maxLines {
		return string(data), nil
	}
	out := ""
	for i, line := range lines[len(lines)-maxLines:] {
		if i > 0 {
			out += "\n"
		}
		out += line
	}
	return out, nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
