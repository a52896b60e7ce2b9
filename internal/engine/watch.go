package engine

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// waitForMarker blocks until the file at logPath contains marker. It is
// used in queue submit mode, where the submit command returns immediately
// and the scheduler writes the log from another process. Directory write
// events trigger a re-scan; a poll ticker backs them up because network
// filesystems drop notifications.
func waitForMarker(ctx context.Context, logPath, marker string, pollInterval time.Duration) error {
	if fileContainsMarker(logPath, marker) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the parent dir: the log file may not exist yet.
	if err := watcher.Add(filepath.Dir(logPath)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(logPath), err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for %s", ErrTimeout, logPath)
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher closed while waiting for %s", logPath)
			}
			if event.Name != logPath {
				continue
			}
			if fileContainsMarker(logPath, marker) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if ok && err != nil {
				// Fall back to polling only.
				continue
			}
		case <-ticker.C:
			if fileContainsMarker(logPath, marker) {
				return nil
			}
		}
	}
}

func fileContainsMarker(path, marker string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), marker) {
			return true
		}
	}
	return false
}
