package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const fileExt = ".json"

// FileStore keeps one file per key in a directory shared by every process of
// the user. Writes go through a temp file and rename, so readers never see a
// half-written record. Deletions leave a tombstone that records who deleted it.
type FileStore struct {
	dir    string
	origin string
	logger *zap.Logger

	mu sync.Mutex
}

type fileEntry struct {
	Origin  string `json:"origin"`
	Seq     int64  `json:"seq"`
	Value   []byte `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// NewFileStore creates dir when missing.
func NewFileStore(dir, origin string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{dir: dir, origin: origin, logger: logger}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+fileExt)
}

func (s *FileStore) read(path string) (*fileEntry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var entry fileEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return &entry, nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	entry, err := s.read(s.path(key))
	if err != nil {
		return nil, err
	}
	if entry.Deleted {
		return nil, ErrNotFound
	}
	return entry.Value, nil
}

func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	return s.write(key, fileEntry{Origin: s.origin, Value: value})
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	entry, err := s.read(s.path(key))
	if errors.Is(err, ErrNotFound) || (err == nil && entry.Deleted) {
		return nil
	}
	return s.write(key, fileEntry{Origin: s.origin, Deleted: true})
}

func (s *FileStore) write(key string, entry fileEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.Seq = time.Now().UnixNano()
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+key+"-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Watch follows the directory with fsnotify. A single rename can surface as
// several events, so changes are de-duplicated by sequence number.
func (s *FileStore) Watch(ctx context.Context, handler ChangeHandler) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("%w: watch %s: %v", ErrUnavailable, s.dir, err)
	}

	go func() {
		defer watcher.Close()
		lastSeq := make(map[string]int64)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("file store watcher error", zap.Error(err))
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				name := filepath.Base(event.Name)
				if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
					continue
				}
				key := strings.TrimSuffix(name, fileExt)

				entry, err := s.read(event.Name)
				if err != nil {
					// partial write observed mid-rename or file vanished; the next event carries it
					continue
				}
				if entry.Seq <= lastSeq[key] {
					continue
				}
				lastSeq[key] = entry.Seq
				if entry.Origin == s.origin {
					continue
				}

				change := Change{Key: key, Origin: entry.Origin}
				if !entry.Deleted {
					change.Value = entry.Value
					if change.Value == nil {
						change.Value = []byte{}
					}
				}
				handler(change)
			}
		}
	}()
	return nil
}

func (s *FileStore) Ping(context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dir)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
