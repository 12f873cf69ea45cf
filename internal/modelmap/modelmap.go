// Package modelmap normalizes model names (aliases and short names) to full
// API identifiers before they are passed to the external CLI. Unknown names
// pass through unchanged.
package modelmap

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	_ "embed"
)

//go:embed model-mapping.json
var mappingJSON []byte

// Config is the model mapping loaded from the embedded model-mapping.json.
type Config struct {
	Version      string      `json:"version"`
	DefaultModel string      `json:"defaultModel"`
	Models       []ModelInfo `json:"models"`
}

// ModelInfo describes one model and the aliases that resolve to it.
type ModelInfo struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Family      string   `json:"family"`
	ReleaseDate string   `json:"releaseDate"`
	Aliases     []string `json:"aliases"`
}

var (
	loadOnce sync.Once
	cfg      Config
	aliases  map[string]string
)

func load() {
	loadOnce.Do(func() {
		if err := json.Unmarshal(mappingJSON, &cfg); err != nil {
			slog.Warn("model mapping parse failed, using passthrough only", "err", err)
			cfg = Config{Version: "1.0", DefaultModel: "claude-sonnet-4-5-20250929"}
		}
		aliases = make(map[string]string)
		for _, m := range cfg.Models {
			aliases[strings.ToLower(m.ID)] = m.ID
			for _, a := range m.Aliases {
				aliases[strings.ToLower(a)] = m.ID
			}
		}
	})
}

// Normalize resolves a model name (alias or short name) to its full API
// identifier. Lookup is case-insensitive; unknown names return unchanged.
func Normalize(name string) string {
	if name == "" {
		return DefaultModel()
	}
	load()
	if id, ok := aliases[strings.ToLower(name)]; ok {
		return id
	}
	return name
}

// DefaultModel returns the default model id.
func DefaultModel() string {
	load()
	return cfg.DefaultModel
}

// All returns all known models for the /models API.
func All() []ModelInfo {
	load()
	out := make([]ModelInfo, len(cfg.Models))
	copy(out, cfg.Models)
	return out
}

// Aliases returns the full resolution table (lowercased alias or id -> model
// id) for the /models API.
func Aliases() map[string]string {
	load()
	out := make(map[string]string, len(aliases))
	for k, v := range aliases {
		out[k] = v
	}
	return out
}
