package agentsync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// PropStore is the workbook-scoped key/value surface the tracker uses to
// remember its model id between sessions.
type PropStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

type JSONFilePropStore struct {
	mu   sync.Mutex
	path string
}

func NewJSONFilePropStore(path string) *JSONFilePropStore {
	return &JSONFilePropStore{path: strings.TrimSpace(path)}
}

func (p *JSONFilePropStore) Get(key string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	props, err := p.load()
	if err != nil {
		return "", false, err
	}
	value, ok := props[key]
	return value, ok, nil
}

func (p *JSONFilePropStore) Set(key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	props, err := p.load()
	if err != nil {
		return err
	}
	props[key] = value
	data, err := json.Marshal(props)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(p.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(p.path, data, 0o644)
}

func (p *JSONFilePropStore) load() (map[string]string, error) {
	props := map[string]string{}
	if p.path == "" {
		return props, errors.New("prop store path is empty")
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return props, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return props, nil
}

// MemoryPropStore keeps props in process memory, for tests and ephemeral runs.
type MemoryPropStore struct {
	mu    sync.Mutex
	props map[string]string
}

func NewMemoryPropStore() *MemoryPropStore {
	return &MemoryPropStore{props: map[string]string{}}
}

func (p *MemoryPropStore) Get(key string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	value, ok := p.props[key]
	return value, ok, nil
}

func (p *MemoryPropStore) Set(key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.props[key] = value
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
