// Package override reads and writes the manual focus override signal,
// z_updates.yaml. The operator writes it at any time; the acquisition loop
// only reads it.
package override

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/drew-sinha/rpc-scope/internal/lock"
	"github.com/drew-sinha/rpc-scope/internal/logging"
	"github.com/drew-sinha/rpc-scope/internal/model"
	yamlutil "github.com/drew-sinha/rpc-scope/internal/yaml"
)

// Source supplies the current override map.
type Source interface {
	ZUpdates() model.ZUpdates
}

// Static is a fixed override map.
type Static model.ZUpdates

func (s Static) ZUpdates() model.ZUpdates { return model.ZUpdates(s) }

// FileSource caches z_updates.yaml and reloads it when the file changes.
// A file that fails to parse keeps the previous contents in effect, since
// the operator may be halfway through an edit.
type FileSource struct {
	path   string
	logger *logging.Logger
	group  singleflight.Group

	mu      sync.RWMutex
	current model.ZUpdates

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewFileSource(path string, logger *logging.Logger) *FileSource {
	return &FileSource{
		path:    path,
		logger:  logger.With("override"),
		current: model.NewZUpdates(),
	}
}

func (f *FileSource) ZUpdates() model.ZUpdates {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// Reload rereads the file. Concurrent callers share a single read.
func (f *FileSource) Reload() error {
	_, err, _ := f.group.Do("reload", func() (any, error) {
		u, err := read(f.path)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.current = u
		f.mu.Unlock()
		return nil, nil
	})
	return err
}

// Watch reloads the file whenever it is written or replaced, until ctx ends
// or Close is called. The parent directory is watched because atomic
// replacement swaps the inode.
func (f *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}
	ctx, cancel := context.WithCancel(ctx)
	f.watcher = watcher
	f.cancel = cancel

	f.wg.Add(1)
	go f.loop(ctx)
	return nil
}

func (f *FileSource) Close() error {
	if f.cancel == nil {
		return nil
	}
	f.cancel()
	err := f.watcher.Close()
	f.wg.Wait()
	f.cancel = nil
	return err
}

func (f *FileSource) loop(ctx context.Context) {
	defer f.wg.Done()
	base := filepath.Base(f.path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := f.Reload(); err != nil {
				f.logger.Warnf("reload %s: %v (keeping previous overrides)", base, err)
				continue
			}
			f.logger.Infof("overrides reloaded event=%s", event.Op)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

// Append records a z override for position at time at. Writers are
// serialised across processes by the lock file at lockPath.
func Append(ctx context.Context, path, lockPath string, at time.Time, position string, z float64) error {
	if !model.ValidPositionName(position) {
		return fmt.Errorf("invalid position name %q", position)
	}
	fl := lock.NewFileLock(lockPath)
	if err := fl.Lock(ctx, 50*time.Millisecond); err != nil {
		return fmt.Errorf("lock z updates: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	u, err := read(path)
	if err != nil {
		return err
	}
	u.Add(at, position, z)
	if err := yamlutil.AtomicWrite(path, u); err != nil {
		return fmt.Errorf("write z updates: %w", err)
	}
	return nil
}

func read(path string) (model.ZUpdates, error) {
	u := model.NewZUpdates()
	err := yamlutil.ReadDocument(path, yamlutil.FileTypeZUpdates, &u)
	if errors.Is(err, os.ErrNotExist) {
		return model.NewZUpdates(), nil
	}
	if err != nil {
		return model.ZUpdates{}, fmt.Errorf("read z updates: %w", err)
	}
	if u.Updates == nil {
		u.Updates = map[string]map[string]float64{}
	}
	return u, nil
}
