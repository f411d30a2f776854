package config

import (
	"context"
	"os"
	"time"
)

type watcher struct {
	path     string
	lastMod  time.Time
	onUpdate func(*Config)
}

// check applies the file if it changed since the last applied version. Files
// that fail to load are left for the next tick.
func (w *watcher) check() bool {
	info, err := os.Stat(w.path)
	if err != nil || !info.ModTime().After(w.lastMod) {
		return false
	}
	cfg, err := Load(w.path)
	if err != nil {
		return false
	}
	w.lastMod = info.ModTime()
	w.onUpdate(cfg)
	return true
}

// Watch polls the config file and passes every changed, valid version to
// onUpdate until ctx is done. The current file is not re-applied.
func Watch(ctx context.Context, path string, interval time.Duration, onUpdate func(*Config)) error {
	if path == "" {
		path = "configs/config.yaml"
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if onUpdate == nil {
		return nil
	}

	w := &watcher{path: path, lastMod: info.ModTime(), onUpdate: onUpdate}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.check()
			}
		}
	}()
	return nil
}
