package refs

import (
	"sort"
	"strings"
	"sync"

	"github.com/odvcencio/odb/pkg/object"
)

// MemoryDatabase holds refs in a map. It has no symbolic refs.
type MemoryDatabase struct {
	mu   sync.RWMutex
	refs map[string]object.ID
}

var _ Database = (*MemoryDatabase)(nil)

// NewMemoryDatabase returns an empty in-memory ref database.
func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{refs: make(map[string]object.ID)}
}

func (m *MemoryDatabase) Resolve(name string) (object.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, full := range candidates(name) {
		if id, ok := m.refs[full]; ok {
			return id, nil
		}
	}
	return object.ZeroID, notFound(name)
}

func (m *MemoryDatabase) List(prefix string) ([]Ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Ref
	for name, id := range m.refs {
		if strings.HasPrefix(name, prefix) {
			out = append(out, Ref{Name: name, ID: id})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryDatabase) Update(name string, id object.ID) error {
	if err := validName(name); err != nil {
		return err
	}
	m.mu.Lock()
	m.refs[name] = id
	m.mu.Unlock()
	return nil
}

// Delete removes a ref.
func (m *MemoryDatabase) Delete(name string) {
	m.mu.Lock()
	delete(m.refs, name)
	m.mu.Unlock()
}
