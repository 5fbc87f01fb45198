package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/selenehq/selene/internal/mcp"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "openai-direct", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.Fast.Name)
	validateProviderName("llm", cfg.Providers.Balanced.Name)
	validateProviderName("llm", cfg.Providers.Full.Name)
	validateProviderName("llm", cfg.Providers.Classifier.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// At least one tier model is required to answer anything.
	if cfg.Providers.Fast.Name == "" && cfg.Providers.Balanced.Name == "" && cfg.Providers.Full.Name == "" {
		errs = append(errs, fmt.Errorf("providers: at least one of fast, balanced, full must be configured"))
	}

	// Routing
	if cfg.Routing.FallbackRoute != "" && !cfg.Routing.FallbackRoute.IsValid() {
		errs = append(errs, fmt.Errorf("routing.fallback_route %q is invalid; valid values: fast, balanced, full", cfg.Routing.FallbackRoute))
	}

	// Embeddings ↔ memory dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
	}
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; conversation history and semantic retrieval will not be available")
	}

	// Compression
	if cfg.Compression.VerbatimCount < 0 {
		errs = append(errs, fmt.Errorf("compression.verbatim_count must not be negative"))
	}
	if cfg.Compression.RetrievalTopK < 0 {
		errs = append(errs, fmt.Errorf("compression.retrieval_top_k must not be negative"))
	}

	// Loop
	if cfg.Loop.MaxRounds < 0 {
		errs = append(errs, fmt.Errorf("loop.max_rounds must not be negative"))
	}

	// Channels
	channelsSeen := make(map[string]int, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		prefix := fmt.Sprintf("channels[%d]", i)
		if ch.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := channelsSeen[ch.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of channels[%d]", prefix, ch.ID, prev))
			}
			channelsSeen[ch.ID] = i
		}
		if ch.RouteOverride != "" && !ch.RouteOverride.IsValid() {
			errs = append(errs, fmt.Errorf("%s.route_override %q is invalid; valid values: thinking, fast", prefix, ch.RouteOverride))
		}
		if ch.VerbatimCount < 0 {
			errs = append(errs, fmt.Errorf("%s.verbatim_count must not be negative", prefix))
		}
	}

	// MCP servers
	mcpSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := mcpSeen[srv.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of mcp.servers[%d]", prefix, srv.ID, prev))
			}
			mcpSeen[srv.ID] = i
			// The id forms the mcp_<id>_<tool> dispatch key, which is split
			// at the first underscore after the prefix.
			if strings.Contains(srv.ID, "_") {
				errs = append(errs, fmt.Errorf("%s.id %q must not contain underscores", prefix, srv.ID))
			}
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	// Background queue
	if cfg.Background.Workers < 0 {
		errs = append(errs, fmt.Errorf("background.workers must not be negative"))
	}
	if cfg.Background.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("background.queue_size must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
