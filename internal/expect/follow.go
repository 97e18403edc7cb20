package expect

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Follower tails a file that another process is still writing, like
// `tail -F`. Only data written after Follow is returned. Read blocks until new
// data is appended or Close is called; a truncated or replaced file is read
// again from its start.
type Follower struct {
	path    string
	file    *os.File
	info    os.FileInfo
	offset  int64
	watcher *fsnotify.Watcher

	changed chan struct{}
	errs    chan error

	closeOnce sync.Once
	closed    chan struct{}
}

// Follow starts tailing path at its current end. path may not exist yet, in
// which case everything written to it once created is returned.
func Follow(path string) (*Follower, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	f := &Follower{
		path:    path,
		watcher: watcher,
		changed: make(chan struct{}, 1),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}

	// open after the watch is in place so no write is missed in between
	if err := f.open(); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	if f.file != nil {
		end, err := f.file.Seek(0, io.SeekEnd)
		if err != nil {
			_ = f.file.Close()
			_ = watcher.Close()
			return nil, fmt.Errorf("seek %s: %w", path, err)
		}
		f.offset = end
	}

	go f.run()
	return f, nil
}

func (f *Follower) run() {
	target := filepath.Clean(f.path)
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			select {
			case f.changed <- struct{}{}:
			default:
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			select {
			case f.errs <- err:
			default:
			}
		}
	}
}

// open opens path from its start if it exists. A missing file is not an error.
func (f *Follower) open() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	f.file, f.info, f.offset = file, info, 0
	return nil
}

// rewind starts over when the file at path was replaced or truncated below
// the current offset. It reports whether there is new content to read.
func (f *Follower) rewind() (bool, error) {
	info, err := os.Stat(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if !os.SameFile(info, f.info) {
		_ = f.file.Close()
		f.file = nil
		return true, f.open()
	}
	if info.Size() < f.offset {
		if _, err := f.file.Seek(0, io.SeekStart); err != nil {
			return false, err
		}
		f.offset = 0
		return true, nil
	}
	return false, nil
}

func (f *Follower) Read(b []byte) (int, error) {
	for {
		if f.file == nil {
			if err := f.open(); err != nil {
				return 0, err
			}
		}

		if f.file != nil {
			n, err := f.file.Read(b)
			if n > 0 {
				f.offset += int64(n)
				return n, nil
			}
			if err != nil && err != io.EOF {
				return 0, err
			}
			restarted, err := f.rewind()
			if err != nil {
				return 0, fmt.Errorf("follow %s: %w", f.path, err)
			}
			if restarted {
				continue
			}
		}

		select {
		case <-f.changed:
		case err := <-f.errs:
			return 0, fmt.Errorf("watch %s: %w", f.path, err)
		case <-f.closed:
			if f.file != nil {
				_ = f.file.Close()
				f.file = nil
			}
			return 0, io.EOF
		}
	}
}

// Close stops following; pending and future reads return io.EOF.
func (f *Follower) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.closed)
		err = f.watcher.Close()
	})
	return err
}
