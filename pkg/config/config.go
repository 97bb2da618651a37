// Package config handles graft's configuration: an environment-driven
// RepoConfig for storage/runtime knobs, plus an optional YAML file for
// author identity and remote metadata, loaded the way apoc/config.go
// layers NORNICDB_APOC_* env vars over apoc.yaml.
//
// Priority is env over file over built-in defaults: LoadFromEnv()
// establishes the defaults, LoadFile() (if a .graft/config.yaml exists)
// supplies author/remote values the environment didn't override.
package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/graft-vcs/graft/pkg/kv"
)

// RepoConfig holds graft's runtime configuration.
type RepoConfig struct {
	// DataDir holds GRAFT_DATA_DIR. pkg/repo does not read it: the
	// pristine store always lives at <root>/.graft/pristine.
	DataDir string

	// Storage tuning, passed straight through to kv.Options.
	SyncWrites bool
	LowMemory  bool

	// Author is the default identity recorded on patches made in this
	// repository when a per-command --author flag isn't given.
	Author string

	// Remotes maps a short name to a filesystem path or URL, as recorded
	// in .graft/config.yaml's "remotes" section.
	Remotes map[string]string
}

// KVOptions projects the storage-tuning fields into kv.Options.
func (c *RepoConfig) KVOptions() kv.Options {
	return kv.Options{
		SyncWrites: c.SyncWrites,
		LowMemory:  c.LowMemory,
	}
}

// LoadFromEnv loads a RepoConfig from environment variables, with
// defaults that work when no environment variables are set at all.
//
// Environment variables:
//
//	GRAFT_DATA_DIR     - sets DataDir (default ".graft/pristine"; not used by pkg/repo)
//	GRAFT_SYNC_WRITES  - fsync every commit (default false)
//	GRAFT_LOW_MEMORY   - trim Badger's memtable/cache sizes (default false)
//	GRAFT_AUTHOR       - default patch author identity
func LoadFromEnv() *RepoConfig {
	return &RepoConfig{
		DataDir:    getEnv("GRAFT_DATA_DIR", ".graft/pristine"),
		SyncWrites: getEnvBool("GRAFT_SYNC_WRITES", false),
		LowMemory:  getEnvBool("GRAFT_LOW_MEMORY", false),
		Author:     getEnv("GRAFT_AUTHOR", ""),
		Remotes:    map[string]string{},
	}
}

// fileConfig is the YAML shape of .graft/config.yaml, mirroring
// apoc.Config's yaml tags.
type fileConfig struct {
	Author  string            `yaml:"author"`
	Remotes map[string]string `yaml:"remotes"`
}

// LoadFile reads an optional YAML config file and layers its author and
// remotes settings onto c, leaving env-sourced values already set on c
// untouched. A missing file is not an error: graft works from env vars
// alone.
func (c *RepoConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}
	if c.Author == "" && fc.Author != "" {
		c.Author = fc.Author
	}
	for name, target := range fc.Remotes {
		if c.Remotes == nil {
			c.Remotes = map[string]string{}
		}
		if _, exists := c.Remotes[name]; !exists {
			c.Remotes[name] = target
		}
	}
	return nil
}

// Load builds the effective RepoConfig for a repository rooted at root:
// environment defaults overlaid with root/.graft/config.yaml when present.
func Load(root string) (*RepoConfig, error) {
	c := LoadFromEnv()
	if err := c.LoadFile(root + "/.graft/config.yaml"); err != nil {
		return nil, err
	}
	return c, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}
