package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// watchDebounce coalesces the burst of events editors produce on save.
const watchDebounce = 100 * time.Millisecond

// FileBackend keeps the mapping document in a local JSON or YAML file,
// chosen by extension.
type FileBackend struct {
	path string
	yaml bool

	mu   sync.Mutex
	last []byte // file contents last read or written by us
}

// NewFileBackend creates a backend for path.
func NewFileBackend(path string) *FileBackend {
	ext := strings.ToLower(filepath.Ext(path))
	return &FileBackend{
		path: path,
		yaml: ext == ".yaml" || ext == ".yml",
	}
}

// Path returns the file location.
func (b *FileBackend) Path() string {
	return b.path
}

// Fetch implements Backend. A missing file is created with the default
// mappings.
func (b *FileBackend) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("seeding default mappings", "backend", KindFile, "path", b.path)
			return b.Replace(ctx, defaultDocument())
		}
		return nil, fmt.Errorf("read mappings file: %w", err)
	}

	b.remember(raw)
	return b.toJSON(raw)
}

// Replace implements Backend. The file is replaced atomically.
func (b *FileBackend) Replace(ctx context.Context, doc []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := b.fromJSON(doc)
	if err != nil {
		return nil, err
	}

	if err := writeFileAtomic(b.path, out); err != nil {
		return nil, err
	}
	b.remember(out)
	return b.toJSON(out)
}

// Watch calls onChange when the file is changed by someone else.
// It returns once the watcher is installed and stops when ctx is done.
func (b *FileBackend) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory: editors often replace the file instead of
	// writing it in place.
	dir := filepath.Dir(b.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	go b.watchLoop(ctx, watcher, onChange)
	return nil
}

func (b *FileBackend) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, onChange func()) {
	defer watcher.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	name := filepath.Clean(b.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				if b.changedExternally() {
					onChange()
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("mappings file watcher error", "path", b.path, "error", err)
		}
	}
}

// changedExternally reports whether the file differs from what we last
// read or wrote, so our own writes do not trigger a reload.
func (b *FileBackend) changedExternally() bool {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return !bytes.Equal(raw, b.last)
}

func (b *FileBackend) remember(raw []byte) {
	b.mu.Lock()
	b.last = append(b.last[:0], raw...)
	b.mu.Unlock()
}

func (b *FileBackend) toJSON(raw []byte) ([]byte, error) {
	if !b.yaml {
		return raw, nil
	}
	var v any
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return data, nil
}

func (b *FileBackend) fromJSON(doc []byte) ([]byte, error) {
	if !b.yaml {
		var buf bytes.Buffer
		if err := json.Indent(&buf, doc, "", "  "); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		buf.WriteByte('\n')
		return buf.Bytes(), nil
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal yaml: %w", err)
	}
	return out, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create mappings dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace mappings file: %w", err)
	}
	return nil
}
