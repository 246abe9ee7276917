package seek

import (
	"bytes"
	"crypto/md5"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/andybalholm/brotli"
)

// cacheDir returns the directory superindex cache files live in, honoring
// XDG_CACHE_HOME and falling back to os.UserCacheDir.
func cacheDir() (string, error) {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "demuxcore"), nil
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "demuxcore"), nil
}

// cacheFormatVersion is bumped whenever the on-disk Entry encoding changes,
// so a stale cache from an older build misses rather than decoding garbage.
const cacheFormatVersion = 1

// CacheKey derives a stable cache file name from a source's identity (its
// path, usually) and size, so a truncated or replaced file with the same
// name doesn't return a stale index, and from cacheFormatVersion, so an
// encoding change invalidates every existing cache file outright.
func CacheKey(path string, size int64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("v%d:%s:%d", cacheFormatVersion, path, size)))
	return hex.EncodeToString(sum[:])
}

// gobEntry mirrors Entry for gob encoding without exporting encoding
// concerns through the Entry type itself.
type gobEntry = Entry

// SaveIndexCache brotli-compresses a gob-encoded SuperIndex to the cache
// directory under key, creating the directory if needed.
func SaveIndexCache(key string, si *SuperIndex) error {
	dir, err := cacheDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(si.entries); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(dir, key+".idx.br"))
	if err != nil {
		return err
	}
	defer f.Close()

	w := brotli.NewWriter(f)
	if _, err := w.Write(raw.Bytes()); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// LoadIndexCache reads and decompresses a cached SuperIndex, returning
// (nil, nil) if no cache entry exists for key.
func LoadIndexCache(key string) (*SuperIndex, error) {
	dir, err := cacheDir()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(dir, key+".idx.br"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := brotli.NewReader(f)
	var raw bytes.Buffer
	if _, err := io.Copy(&raw, r); err != nil {
		return nil, err
	}

	var entries []gobEntry
	if err := gob.NewDecoder(&raw).Decode(&entries); err != nil {
		return nil, err
	}
	return &SuperIndex{entries: entries}, nil
}
