// Package cache implements the per-pass cache (spec §4.7): maps
// (PassIdentity, pre-image fingerprint) to a stored post-image, bounded at a
// small number of entries per pass identity with FIFO eviction. It is a
// generalized port of cvise/utils/cache.py's Cache, keyed by a single
// PassIdentity string (spec's model) rather than a list of passes (the
// Python implementation's "pass group" cache key), and storing post-images
// under temp directories it owns exclusively, removed on Close.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/marxin/cvise/internal/fileutil"
)

// MaxItemsPerPass bounds the number of cached post-images retained per pass
// identity, mirroring Cache.MAX_ITEMS_PER_PASS_GROUP.
const MaxItemsPerPass = 3

type item struct {
	fingerprint string
	tmpDir      string
	relPath     string
}

// Cache is a bounded, FIFO-evicting map from (pass identity, pre-image
// fingerprint) to a stored post-image.
type Cache struct {
	tmpRoot string
	byPass  map[string][]*item // FIFO order; index 0 is oldest
}

// New constructs a Cache whose owned temp directories are created under
// tmpRoot.
func New(tmpRoot string) *Cache {
	return &Cache{tmpRoot: tmpRoot, byPass: make(map[string][]*item)}
}

// Fingerprint computes the cache key for a file's current contents.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Lookup returns the absolute path of a previously cached post-image for
// (passIdentity, fingerprint), or "" if there is no entry.
func (c *Cache) Lookup(passIdentity, fingerprint string) string {
	for _, it := range c.byPass[passIdentity] {
		if it.fingerprint == fingerprint {
			return filepath.Join(it.tmpDir, it.relPath)
		}
	}
	return ""
}

// Add stores relPath (relative to relRoot) as the post-image for
// (passIdentity, fingerprint), evicting the fingerprint's prior entry if
// present, else the oldest entry once at capacity.
func (c *Cache) Add(passIdentity, fingerprint, relRoot, relPath string) error {
	items := c.byPass[passIdentity]

	for i, it := range items {
		if it.fingerprint == fingerprint {
			fileutil.RemoveFolder(it.tmpDir)
			items = append(items[:i], items[i+1:]...)
			break
		}
	}
	if len(items) >= MaxItemsPerPass {
		fileutil.RemoveFolder(items[0].tmpDir)
		items = items[1:]
	}

	tmpDir, err := os.MkdirTemp(c.tmpRoot, "cvise-cache-")
	if err != nil {
		return err
	}
	if err := fileutil.CopyTestCase(relRoot, relPath, tmpDir); err != nil {
		fileutil.RemoveFolder(tmpDir)
		return err
	}

	items = append(items, &item{fingerprint: fingerprint, tmpDir: tmpDir, relPath: relPath})
	c.byPass[passIdentity] = items
	return nil
}

// Close removes every owned temp directory, matching Cache.__exit__.
func (c *Cache) Close() {
	for _, items := range c.byPass {
		for _, it := range items {
			fileutil.RemoveFolder(it.tmpDir)
		}
	}
	c.byPass = make(map[string][]*item)
}
