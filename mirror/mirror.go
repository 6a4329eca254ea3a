// Package mirror watches local directories and pushes file changes
// into a remote workspace.
package mirror

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

const (
	debounceInterval = 500 * time.Millisecond
	syncConcurrency  = 4
)

// excludedDirs are directories never mirrored.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// FileWriter is the remote side of a mirror. *sandkit.Client
// implements it.
type FileWriter interface {
	WriteFile(ctx context.Context, path, content string) error
	Mkdir(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
}

// Mirror manages one watcher per mirrored local directory.
type Mirror struct {
	writer FileWriter
	logger *slog.Logger

	mu      sync.Mutex
	mirrors map[string]*dirMirror // local dir → state
}

type dirMirror struct {
	ctx       context.Context
	localDir  string
	remoteDir string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu      sync.Mutex
	pending map[string]*time.Timer // per-path debounce
}

// New creates a mirror pushing through writer. logger may be nil.
func New(writer FileWriter, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		writer:  writer,
		logger:  logger,
		mirrors: make(map[string]*dirMirror),
	}
}

// Watch uploads the current content of localDir under remoteDir, then
// keeps pushing changes until Unwatch or Shutdown. ctx bounds the
// initial sync and every later push.
func (m *Mirror) Watch(ctx context.Context, localDir, remoteDir string) error {
	info, err := os.Stat(localDir)
	if err != nil {
		return fmt.Errorf("local directory does not exist: %s", localDir)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", localDir)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dm := &dirMirror{
		ctx:       ctx,
		localDir:  localDir,
		remoteDir: remoteDir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		pending:   make(map[string]*time.Timer),
	}

	if err := addDirsRecursive(fsW, localDir); err != nil {
		fsW.Close()
		return err
	}

	if err := m.initialSync(ctx, dm); err != nil {
		fsW.Close()
		return err
	}

	m.mu.Lock()
	m.mirrors[localDir] = dm
	m.mu.Unlock()

	go m.watchLoop(dm)
	return nil
}

// Unwatch stops mirroring a local directory.
func (m *Mirror) Unwatch(localDir string) {
	m.mu.Lock()
	dm, ok := m.mirrors[localDir]
	if ok {
		delete(m.mirrors, localDir)
	}
	m.mu.Unlock()

	if ok {
		close(dm.cancel)
		dm.fsWatcher.Close()
	}
}

// Shutdown stops all mirrors.
func (m *Mirror) Shutdown() {
	m.mu.Lock()
	dirs := make([]string, 0, len(m.mirrors))
	for dir := range m.mirrors {
		dirs = append(dirs, dir)
	}
	m.mu.Unlock()

	for _, dir := range dirs {
		m.Unwatch(dir)
	}
}

// initialSync pushes every mirrorable file already present.
func (m *Mirror) initialSync(ctx context.Context, dm *dirMirror) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(syncConcurrency)

	err := filepath.WalkDir(dm.localDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths.
		}

		name := d.Name()
		if d.IsDir() {
			if path != dm.localDir && (excludedDirs[name] || isHidden(name)) {
				return filepath.SkipDir
			}
			return nil
		}
		if isHidden(name) {
			return nil
		}

		g.Go(func() error {
			return m.push(ctx, dm, path)
		})
		return nil
	})
	if err != nil {
		return err
	}
	return g.Wait()
}

// watchLoop processes fsnotify events with per-path debouncing.
func (m *Mirror) watchLoop(dm *dirMirror) {
	for {
		select {
		case <-dm.cancel:
			dm.mu.Lock()
			for _, timer := range dm.pending {
				timer.Stop()
			}
			dm.mu.Unlock()
			return

		case event, ok := <-dm.fsWatcher.Events:
			if !ok {
				return
			}
			m.handleEvent(dm, event)

		case err, ok := <-dm.fsWatcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("mirror watcher error", "dir", dm.localDir, "error", err)
		}
	}
}

func (m *Mirror) handleEvent(dm *dirMirror, event fsnotify.Event) {
	base := filepath.Base(event.Name)
	if excludedDirs[base] || isHidden(base) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			dm.fsWatcher.Add(event.Name)
			if remote, err := dm.remotePath(event.Name); err == nil {
				if err := m.writer.Mkdir(dm.ctx, remote); err != nil {
					m.logger.Warn("remote mkdir failed", "path", remote, "error", err)
				}
			}
			return
		}
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		if remote, err := dm.remotePath(event.Name); err == nil {
			if err := m.writer.Remove(dm.ctx, remote); err != nil {
				m.logger.Warn("remote remove failed", "path", remote, "error", err)
			}
		}
		return
	}

	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
		m.debouncePush(dm, event.Name)
	}
}

// debouncePush schedules a push for path, resetting any pending one.
func (m *Mirror) debouncePush(dm *dirMirror, path string) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if timer, ok := dm.pending[path]; ok {
		timer.Stop()
	}
	dm.pending[path] = time.AfterFunc(debounceInterval, func() {
		dm.mu.Lock()
		delete(dm.pending, path)
		dm.mu.Unlock()

		if err := m.push(dm.ctx, dm, path); err != nil {
			m.logger.Warn("mirror push failed", "path", path, "error", err)
		}
	})
}

// push uploads one local file to its remote path.
func (m *Mirror) push(ctx context.Context, dm *dirMirror, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Deleted between event and push.
		}
		return err
	}

	remote, err := dm.remotePath(path)
	if err != nil {
		return err
	}
	return m.writer.WriteFile(ctx, remote, string(data))
}

// remotePath maps a local path under the mirrored root to its remote
// counterpart.
func (dm *dirMirror) remotePath(path string) (string, error) {
	rel, err := filepath.Rel(dm.localDir, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(filepath.Join(dm.remoteDir, rel)), nil
}

// addDirsRecursive adds a directory and its subdirectories to an
// fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if path != dir && (excludedDirs[name] || isHidden(name)) {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
