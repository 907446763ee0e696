// Package settings loads the project settings file: general project
// configuration, per-producer provider preferences, and rate limits. The
// file is JSON, validated against an embedded schema before decoding.
package settings

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON string

// General is project-wide configuration.
type General struct {
	ProjectName      string `json:"projectName"`
	StorageRoot      string `json:"storageRoot,omitempty"`
	BlueprintLibrary string `json:"blueprintLibrary,omitempty"`
	MaxInFlight      int    `json:"maxInFlight,omitempty"`
	MaxAttempts      int    `json:"maxAttempts,omitempty"`
	// InvokeTimeoutSeconds bounds a single handler call; zero leaves the
	// runner default in place.
	InvokeTimeoutSeconds float64 `json:"invokeTimeoutSeconds,omitempty"`
}

// InvokeTimeout returns the configured handler call timeout, zero when
// unset.
func (g General) InvokeTimeout() time.Duration {
	return time.Duration(g.InvokeTimeoutSeconds * float64(time.Second))
}

// ProviderEntry is one provider preference for a producer kind.
type ProviderEntry struct {
	Priority string         `json:"priority,omitempty"`
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	// ConfigFile is resolved relative to the settings file and loaded by
	// extension: .toml, .json, or raw text.
	ConfigFile       string         `json:"configFile,omitempty"`
	CustomAttributes map[string]any `json:"customAttributes,omitempty"`

	// Config holds the loaded configFile content after Load.
	Config map[string]any `json:"-"`
}

// ProducerEntry holds the provider chain for one producer kind.
type ProducerEntry struct {
	Producer  string          `json:"producer"`
	Providers []ProviderEntry `json:"providers"`
}

// RateLimitEntry configures one rate key.
type RateLimitEntry struct {
	Concurrency int64   `json:"concurrency,omitempty"`
	QPS         float64 `json:"qps,omitempty"`
	Burst       int     `json:"burst,omitempty"`
}

// Settings is the decoded settings file.
type Settings struct {
	General    General                   `json:"general"`
	Producers  []ProducerEntry           `json:"producers,omitempty"`
	RateLimits map[string]RateLimitEntry `json:"rateLimits,omitempty"`
	// Timeouts overrides the handler call timeout in seconds, keyed by
	// "provider:model" or by bare provider.
	Timeouts map[string]float64 `json:"timeouts,omitempty"`

	// Dir is the directory the settings file was loaded from.
	Dir string `json:"-"`
}

var settingsSchema = jsonschema.MustCompileString("settings-schema.json", schemaJSON)

// Parse validates and decodes settings JSON. dir anchors configFile
// resolution.
func Parse(data []byte, dir string) (*Settings, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("malformed settings JSON: %w", err)
	}
	if err := settingsSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("settings validation: %w", err)
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	s.Dir = dir
	for pi := range s.Producers {
		for vi := range s.Producers[pi].Providers {
			entry := &s.Producers[pi].Providers[vi]
			if entry.ConfigFile == "" {
				continue
			}
			cfg, err := loadConfigFile(dir, entry.ConfigFile)
			if err != nil {
				return nil, fmt.Errorf("producer %q provider %q: %w",
					s.Producers[pi].Producer, entry.Provider, err)
			}
			entry.Config = cfg
		}
	}
	return &s, nil
}

// Load reads and parses the settings file at path.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, filepath.Dir(path))
}

// ProviderChain returns the provider entries for a producer kind, main
// entry first. A missing priority means main.
func (s *Settings) ProviderChain(producer string) []ProviderEntry {
	for _, p := range s.Producers {
		if p.Producer != producer {
			continue
		}
		var main, fallbacks []ProviderEntry
		for _, entry := range p.Providers {
			if entry.Priority == "" || entry.Priority == "main" {
				main = append(main, entry)
			} else {
				fallbacks = append(fallbacks, entry)
			}
		}
		return append(main, fallbacks...)
	}
	return nil
}

// InvokeTimeouts converts the per-key timeout overrides to durations.
func (s *Settings) InvokeTimeouts() map[string]time.Duration {
	if len(s.Timeouts) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(s.Timeouts))
	for key, secs := range s.Timeouts {
		out[key] = time.Duration(secs * float64(time.Second))
	}
	return out
}

// loadConfigFile resolves and loads a provider config file by extension.
// Raw text loads under the single key "text".
func loadConfigFile(dir, name string) (map[string]any, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load configFile: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		var cfg map[string]any
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return cfg, nil
	case ".json":
		var cfg map[string]any
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return cfg, nil
	default:
		return map[string]any{"text": string(data)}, nil
	}
}
