package library

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Entry names one asset of the library.
type Entry struct {
	Name     string `json:"name"`
	Identity string `json:"identity"`
	Size     int64  `json:"size"`
	AddedAt  string `json:"added_at"` // RFC3339 timestamp
}

// Catalog is a file-backed index from asset names to their identities.
type Catalog struct {
	path    string
	mu      sync.Mutex
	entries map[string]Entry // keyed by name
}

// NewCatalog loads (or creates) the catalog at <rootDir>/catalog.json.
func NewCatalog(rootDir string) *Catalog {
	c := &Catalog{
		path:    filepath.Join(rootDir, "catalog.json"),
		entries: make(map[string]Entry),
	}
	c.load() // a missing file just means an empty library
	return c
}

// Add records entry under its name, replacing any previous asset of that
// name, and persists the catalog.
func (c *Catalog) Add(entry Entry) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry.AddedAt = time.Now().UTC().Format(time.RFC3339)
	c.entries[entry.Name] = entry
	return entry, c.save()
}

func (c *Catalog) Get(name string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	return e, ok
}

// Remove drops name and reports whether another name still refers to the
// same identity.
func (c *Catalog) Remove(name string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if !ok {
		return Entry{}, false, os.ErrNotExist
	}
	delete(c.entries, name)
	shared := false
	for _, other := range c.entries {
		if other.Identity == e.Identity {
			shared = true
			break
		}
	}
	return e, shared, c.save()
}

// List returns all entries sorted by name.
func (c *Catalog) List() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func (c *Catalog) load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return // corrupted, overwritten on the next Add
	}
	for _, e := range entries {
		c.entries[e.Name] = e
	}
}

func (c *Catalog) save() error {
	entries := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}
