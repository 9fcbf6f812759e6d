package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths are the per-user directories of the runtime
type Paths struct {
	Data   string
	Cache  string
	Log    string
	Packs  string
	Plugin string
}

// ResolvePaths derives the runtime directories from the configuration and
// creates them. Without runtime.data_dir the user's config and cache
// directories are used, keyed by the app author and name.
func (c *Config) ResolvePaths() (*Paths, error) {
	data := c.Runtime.DataDir
	var cache string
	if data == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve data directory: %w", err)
		}
		data = filepath.Join(base, c.appDir())

		cacheBase, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolve cache directory: %w", err)
		}
		cache = filepath.Join(cacheBase, c.appDir())
	} else {
		cache = filepath.Join(data, "Cache")
	}

	p := &Paths{
		Data:   data,
		Cache:  cache,
		Log:    filepath.Join(data, "Logs"),
		Packs:  filepath.Join(data, "Packs"),
		Plugin: filepath.Join(data, "Plugins"),
	}
	if c.Plugin.PacksDirectory != "" {
		p.Packs = c.Plugin.PacksDirectory
	}

	for _, dir := range []string{p.Data, p.Cache, p.Log, p.Packs, p.Plugin} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return p, nil
}

// AppDB returns the sqlite database file of the runtime
func (p *Paths) AppDB() string {
	return filepath.Join(p.Data, "app.db")
}

func (c *Config) appDir() string {
	if c.App.Author == "" {
		return c.App.Name
	}
	return filepath.Join(c.App.Author, c.App.Name)
}
