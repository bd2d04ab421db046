package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch reloads f whenever its file is written and calls onChange after every
// successful reload. It runs until ctx is cancelled.
//
// The parent directory is watched so that editors replacing the file through a
// rename are noticed too. A reload that fails keeps the previous values.
func Watch(ctx context.Context, f *File, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	path := filepath.Clean(f.Path())
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	logrus.WithField("path", path).Debug("watching config for changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if err := f.Load(); err != nil {
				logrus.WithError(err).Error("config reload failed, keeping previous config")
				continue
			}

			logrus.WithField("path", path).Info("config reloaded")
			if onChange != nil {
				onChange()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logrus.WithError(err).Error("config watcher error")
		}
	}
}
