package local

import (
	"strings"
	"sync"
)

// Attribute names used on local items
const (
	RemoteIDAttr = "user.docsync.remote_id"
	RootIDAttr   = "user.docsync.root_id"
	probeAttr    = "user.docsync.probe"
)

// AttrStore keeps small named values attached to filesystem items. Get
// returns nil without error when the attribute is not set.
type AttrStore interface {
	Get(path, name string) ([]byte, error)
	Set(path, name string, value []byte) error
	Remove(path, name string) error
}

// attrRenamer is implemented by stores that do not follow the items by
// themselves and must be told about renames
type attrRenamer interface {
	Rename(oldPath, newPath string)
}

// MemoryAttrStore keeps attributes in memory keyed by path. It backs non OS
// filesystems such as afero.MemMapFs.
type MemoryAttrStore struct {
	mu    sync.RWMutex
	attrs map[string]map[string][]byte
}

// NewMemoryAttrStore creates an empty MemoryAttrStore
func NewMemoryAttrStore() *MemoryAttrStore {
	return &MemoryAttrStore{attrs: make(map[string]map[string][]byte)}
}

func (m *MemoryAttrStore) Get(path, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.attrs[path][name]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (m *MemoryAttrStore) Set(path, name string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attrs[path] == nil {
		m.attrs[path] = make(map[string][]byte)
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.attrs[path][name] = stored
	return nil
}

func (m *MemoryAttrStore) Remove(path, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attrs[path], name)
	if len(m.attrs[path]) == 0 {
		delete(m.attrs, path)
	}
	return nil
}

// Rename moves the attributes of oldPath and everything below it
func (m *MemoryAttrStore) Rename(oldPath, newPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := oldPath + "/"
	for p, values := range m.attrs {
		switch {
		case p == oldPath:
			delete(m.attrs, p)
			m.attrs[newPath] = values
		case strings.HasPrefix(p, prefix):
			delete(m.attrs, p)
			m.attrs[newPath+"/"+strings.TrimPrefix(p, prefix)] = values
		}
	}
}

// Forget drops the attributes of path and everything below it
func (m *MemoryAttrStore) Forget(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := path + "/"
	for p := range m.attrs {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(m.attrs, p)
		}
	}
}
