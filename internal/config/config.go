// Package config defines the narrow configuration-provider contract the
// core depends on and a TOML-backed implementation, generalized from a
// single typed struct into a dotted-path get_string/get_int/get_bool
// key-value surface.
package config

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/dhthunter/crawler/internal/dhterr"
)

// Provider is the minimal configuration surface the core consumes.
// Recognized keys: dht.port, dht.bootstrap_nodes, crawler.parallel_crawls,
// crawler.refresh_interval, crawler.max_nodes, crawler.max_info_hashes,
// crawler.auto_start, network.user_agent, network.rate_limit_bytes,
// network.burst_bytes, persistence.config_dir.
type Provider interface {
	GetString(key, def string) string
	GetInt(key string, def int) int
	GetBool(key string, def bool) bool
}

// TOMLProvider is a Provider backed by a parsed TOML document, keyed by
// dotted section.key paths (e.g. "crawler.parallel_crawls").
type TOMLProvider struct {
	tree map[string]any
}

// Load parses the TOML file at path into a TOMLProvider. A missing file
// yields an empty provider (every lookup then returns its default) since
// config file loading is optional for the core.
func Load(path string) (*TOMLProvider, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &TOMLProvider{tree: map[string]any{}}, nil
	}
	if err != nil {
		return nil, dhterr.Wrap(dhterr.CategoryConfig, "reading config file", err)
	}
	var tree map[string]any
	if err := toml.Unmarshal(data, &tree); err != nil {
		return nil, dhterr.Wrap(dhterr.CategoryConfig, "parsing config file", err)
	}
	return &TOMLProvider{tree: tree}, nil
}

// lookup resolves a dotted "section.key" path within the parsed tree.
func (p *TOMLProvider) lookup(key string) (any, bool) {
	section, leaf := splitKey(key)
	sub, ok := p.tree[section]
	if !ok {
		return nil, false
	}
	m, ok := sub.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[leaf]
	return v, ok
}

func splitKey(key string) (section, leaf string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '.' {
			return key[:i], key[i+1:]
		}
	}
	return "", key
}

// GetString returns the string at key, or def if absent or the wrong type.
func (p *TOMLProvider) GetString(key, def string) string {
	if v, ok := p.lookup(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// GetInt returns the integer at key, or def if absent or the wrong type.
func (p *TOMLProvider) GetInt(key string, def int) int {
	if v, ok := p.lookup(key); ok {
		switch n := v.(type) {
		case int64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

// GetBool returns the boolean at key, or def if absent or the wrong type.
func (p *TOMLProvider) GetBool(key string, def bool) bool {
	if v, ok := p.lookup(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}
