package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const cacheFileName = "secrets-cache.json"

func (m *Manager) cacheFile() string {
	return filepath.Join(m.cfg.CacheDir, cacheFileName)
}

// writeCacheFile replaces the fallback cache atomically: marshal to a temp
// file in the same directory, then rename over the target.
func (m *Manager) writeCacheFile(data map[string]string) error {
	if m.cfg.CacheDir == "" {
		return nil
	}
	if err := os.MkdirAll(m.cfg.CacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}

	tmp, err := os.CreateTemp(m.cfg.CacheDir, cacheFileName+".*")
	if err != nil {
		return fmt.Errorf("create temp cache: %w", err)
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp cache: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp cache: %w", err)
	}

	if err := os.Rename(tmpName, m.cacheFile()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}

func (m *Manager) readCacheFile() (map[string]string, error) {
	if m.cfg.CacheDir == "" {
		return nil, fmt.Errorf("no cache directory configured")
	}

	b, err := os.ReadFile(m.cacheFile())
	if err != nil {
		return nil, fmt.Errorf("read cache file: %w", err)
	}

	var data map[string]string
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("parse cache file: %w", err)
	}
	return data, nil
}
