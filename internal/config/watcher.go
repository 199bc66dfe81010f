package config

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors the config file and invokes onChange with the freshly loaded
// config on every write. Falls back to mtime polling when fsnotify cannot be
// set up (network mounts, missing file at startup).
func Watch(ctx context.Context, path string, onChange func(*Config)) {
	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			log.Printf("config watcher: reload failed: %v", err)
			return
		}
		onChange(cfg)
	}

	watcher, err := fsnotify.NewWatcher()
	usePolling := false
	if err != nil {
		log.Printf("config watcher: fsnotify failed (%v), falling back to polling", err)
		usePolling = true
	} else if err := watcher.Add(path); err != nil {
		log.Printf("config watcher: cannot watch %s (%v), falling back to polling", path, err)
		watcher.Close()
		usePolling = true
	}

	if usePolling {
		go pollLoop(ctx, path, reload)
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					// Editors often truncate-then-write; let the write settle.
					time.Sleep(100 * time.Millisecond)
					reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config watcher: %v", err)
			}
		}
	}()
}

func pollLoop(ctx context.Context, path string, reload func()) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	var lastMod time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if mod, ok := statMtime(path); ok && mod.After(lastMod) {
				lastMod = mod
				reload()
			}
		}
	}
}

func statMtime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}
