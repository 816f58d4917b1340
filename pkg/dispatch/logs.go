package dispatch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/goalflow/pkg/cache"
	"github.com/openfroyo/goalflow/pkg/goal"
)

// logLocation returns the log file of a goal epoch and the URL it is served at.
// Both are empty when no log directory is configured.
func (d *Dispatcher) logLocation(inst *goal.Instance) (path, url string) {
	if d.opts.LogDir == "" {
		return "", ""
	}
	name := fmt.Sprintf("%s-%d.log", cache.Sanitize(inst.Key().String()), inst.Epoch)
	path = filepath.Join(d.opts.LogDir, inst.GoalSetID, name)

	if d.opts.LogBaseURL != "" {
		return path, strings.TrimRight(d.opts.LogBaseURL, "/") + "/" + inst.GoalSetID + "/" + name
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return path, "file://" + filepath.ToSlash(path)
}

// openLog opens the goal log for appending. With no log directory output is discarded.
func openLog(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopCloser{io.Discard}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open goal log: %w", err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// tail returns the last n lines of the log file.
func tail(path string, n int) string {
	if path == "" || n <= 0 {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
