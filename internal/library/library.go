package library

import (
	"fmt"
	"io"
	"path/filepath"
)

// Library is the local collection of assets the runtime can push to peers:
// bytes in a content-addressed store, names in a catalog.
type Library struct {
	store   *Store
	catalog *Catalog
}

func Open(root string) *Library {
	return &Library{
		store:   NewStore(filepath.Join(root, "objects")),
		catalog: NewCatalog(root),
	}
}

func (l *Library) Add(name string, r io.Reader) (Entry, error) {
	if name == "" {
		return Entry{}, fmt.Errorf("add asset: empty name")
	}
	identity, size, err := l.store.Put(r)
	if err != nil {
		return Entry{}, fmt.Errorf("add asset %s: %w", name, err)
	}
	return l.catalog.Add(Entry{Name: name, Identity: identity, Size: size})
}

// Load returns the catalog entry and bytes of name.
func (l *Library) Load(name string) (Entry, []byte, error) {
	e, ok := l.catalog.Get(name)
	if !ok {
		return Entry{}, nil, fmt.Errorf("asset %s not in library", name)
	}
	data, err := l.store.ReadAll(e.Identity)
	if err != nil {
		return Entry{}, nil, fmt.Errorf("load asset %s: %w", name, err)
	}
	return e, data, nil
}

// Remove drops name from the catalog, and its bytes once no other name
// refers to them.
func (l *Library) Remove(name string) error {
	e, shared, err := l.catalog.Remove(name)
	if err != nil {
		return fmt.Errorf("remove asset %s: %w", name, err)
	}
	if shared {
		return nil
	}
	return l.store.Delete(e.Identity)
}

func (l *Library) List() []Entry {
	return l.catalog.List()
}
