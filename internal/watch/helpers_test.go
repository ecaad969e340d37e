package watch

import (
	"testing"

	"github.com/fsnotify/fsnotify"
)

func newTestWatcher(t *testing.T) (*fsnotify.Watcher, error) {
	t.Helper()
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { _ = fsw.Close() })
	return fsw, nil
}
