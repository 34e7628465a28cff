package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// DiskStorage implements Storage with one directory per generation
type DiskStorage struct {
	cacheDir string
}

type diskGeneration struct {
	dir string
}

// NewDisk creates a new disk storage rooted at cacheDir
func NewDisk(cacheDir string) *DiskStorage {
	return &DiskStorage{
		cacheDir: cacheDir,
	}
}

// Init ensures the cache directory exists
func (d *DiskStorage) Init() error {
	return os.MkdirAll(d.cacheDir, 0755)
}

func (d *DiskStorage) Keys(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.cacheDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list cache directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *DiskStorage) Open(ctx context.Context, name string) (GenericCache, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	dir := filepath.Join(d.cacheDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create generation directory: %w", err)
	}
	return &diskGeneration{dir: dir}, nil
}

func (d *DiskStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}

	dir := filepath.Join(d.cacheDir, name)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("failed to remove generation %s: %w", name, err)
	}
	logrus.Debugf("Removed cache generation directory %s", dir)
	return true, nil
}

func (d *DiskStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	info, err := os.Stat(filepath.Join(d.cacheDir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (d *DiskStorage) Close() error {
	return nil
}

// path resolves a key inside the generation directory
func (g *diskGeneration) path(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("cache key is required")
	}
	p := filepath.Join(g.dir, key)
	if !strings.HasPrefix(p, g.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("cache key %q escapes generation directory", key)
	}
	return p, nil
}

// Get retrieves cached data if it exists
func (g *diskGeneration) Get(ctx context.Context, key string) ([]byte, error) {
	cachePath, err := g.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(cachePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Set stores data in the cache
func (g *diskGeneration) Set(ctx context.Context, key string, data []byte) error {
	cachePath, err := g.path(key)
	if err != nil {
		return err
	}

	// A deleted generation stays deleted
	if _, err := os.Stat(g.dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrGenerationDeleted
		}
		return err
	}

	// Ensure directory exists
	dir := filepath.Dir(cachePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// Write to a temp file then rename, so readers never see a partial entry
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), cachePath); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	logrus.Debugf("Cached response: %s", cachePath)
	return nil
}
