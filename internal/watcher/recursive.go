package watcher

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"go.uber.org/zap"
)

// addTree registers dir and its subdirectories with the monitor and returns
// the regular files found below dir.
func (w *Watcher) addTree(m *monitor, dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			w.logger.Debug("skip unreadable path", zap.String("path", path), zap.Error(err))
			return nil
		}
		if !entry.IsDir() {
			if entry.Type().IsRegular() {
				files = append(files, path)
			}
			return nil
		}
		if path != dir && w.skipDir(entry.Name()) {
			return filepath.SkipDir
		}
		if err := m.fs.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
