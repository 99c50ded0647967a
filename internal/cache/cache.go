// Package cache is a file-backed result cache keyed by SHA-256. It
// memoizes deterministic pattern outputs so repeated solo executions
// with identical input skip the agent entirely.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
)

// DefaultDir is used when no cache directory is configured.
const DefaultDir = ".drover-cache"

type entry struct {
	Output string `json:"output"`
}

// Cache stores one JSON file per key under a root directory.
type Cache struct {
	root string
}

// New creates the cache directory if needed. Reads and writes are
// best-effort; a missing or unwritable directory degrades to misses.
func New(dir string) *Cache {
	if dir == "" {
		dir = DefaultDir
	}
	_ = os.MkdirAll(dir, 0o755)
	return &Cache{root: dir}
}

func (c *Cache) pathFor(key string) string {
	digest := sha256.Sum256([]byte(key))
	return filepath.Join(c.root, hex.EncodeToString(digest[:])+".json")
}

// Get returns the cached output for key. Any read or decode failure is
// a miss.
func (c *Cache) Get(key string) (string, bool) {
	data, err := os.ReadFile(c.pathFor(key))
	if err != nil {
		return "", false
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return "", false
	}
	return e.Output, true
}

// Set stores output under key, overwriting any previous value.
func (c *Cache) Set(key, output string) error {
	data, err := json.Marshal(entry{Output: output})
	if err != nil {
		return err
	}
	return os.WriteFile(c.pathFor(key), data, 0o644)
}
