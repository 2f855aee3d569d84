package dap

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/kcide/kcdap/pkg/logflags"
)

// fileWatcher reports the first change of each of a set of files.
// The parent directories are watched so that files replaced by a rename,
// as editors and assemblers do, are still noticed.
type fileWatcher struct {
	w      *fsnotify.Watcher
	log    logflags.Logger
	notify func(path string)
	// files maps the watched files to whether their change was reported.
	// Only the loop goroutine accesses it.
	files map[string]bool
	done  chan struct{}
}

func newFileWatcher(log logflags.Logger, notify func(path string), files ...string) (*fileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	fw := &fileWatcher{
		w:      w,
		log:    log,
		notify: notify,
		files:  make(map[string]bool),
		done:   make(chan struct{}),
	}
	dirs := make(map[string]bool)
	for _, file := range files {
		file = filepath.Clean(file)
		fw.files[file] = false
		dir := filepath.Dir(file)
		if dirs[dir] {
			continue
		}
		dirs[dir] = true
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, err
		}
	}
	go fw.loop()
	return fw, nil
}

func (fw *fileWatcher) loop() {
	defer close(fw.done)
	for {
		select {
		case ev, ok := <-fw.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Clean(ev.Name)
			reported, watched := fw.files[name]
			if !watched || reported {
				continue
			}
			fw.files[name] = true
			fw.log.Debugf("%s: %s", name, ev.Op)
			fw.notify(name)
		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			fw.log.Debugf("file watcher: %v", err)
		}
	}
}

// Close stops the watcher and waits for the loop to exit.
func (fw *fileWatcher) Close() error {
	err := fw.w.Close()
	<-fw.done
	return err
}
