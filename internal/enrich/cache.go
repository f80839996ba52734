package enrich

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/couchcryptid/hail-property-matcher/internal/artifact"
)

const cacheFileVersion = 1

// cacheFile is the on-disk layout. encoding/json writes map keys sorted, so
// saving the same entries always produces the same bytes.
type cacheFile struct {
	Version   int               `json:"version"`
	Precision int               `json:"precision"`
	Entries   map[string]string `json:"entries"`
}

// FileCache is a Cache persisted as a JSON file so geocoding answers carry
// over between pipeline runs.
type FileCache struct {
	path      string
	precision int

	mu      sync.Mutex
	entries map[string]string
	dirty   bool
}

// OpenFileCache loads the cache at path. A missing file yields an empty
// cache. A file written with a different key precision is ignored, since
// none of its keys could match.
func OpenFileCache(path string, precision int) (*FileCache, error) {
	c := &FileCache{
		path:      path,
		precision: precision,
		entries:   make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read geocode cache: %w", err)
	}

	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode geocode cache %s: %w", path, err)
	}
	if f.Precision != precision {
		c.dirty = true
		return c, nil
	}
	for k, v := range f.Entries {
		c.entries[k] = v
	}
	return c, nil
}

// Get returns the cached place for key.
func (c *FileCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	place, ok := c.entries[key]
	return place, ok
}

// Put records a place for key.
func (c *FileCache) Put(key, place string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[key]; ok && old == place {
		return
	}
	c.entries[key] = place
	c.dirty = true
}

// Len returns the number of cached keys.
func (c *FileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Save writes the cache atomically if anything changed since it was opened.
func (c *FileCache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}

	f := cacheFile{Version: cacheFileVersion, Precision: c.precision, Entries: c.entries}
	err := artifact.WriteAtomic(c.path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(f)
	})
	if err != nil {
		return fmt.Errorf("save geocode cache: %w", err)
	}
	c.dirty = false
	return nil
}
