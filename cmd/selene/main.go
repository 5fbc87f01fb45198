// Command selene is the main entry point for the Selene assistant server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/selenehq/selene/internal/background"
	"github.com/selenehq/selene/internal/chatbot"
	"github.com/selenehq/selene/internal/compress"
	"github.com/selenehq/selene/internal/config"
	"github.com/selenehq/selene/internal/digest"
	"github.com/selenehq/selene/internal/engine"
	"github.com/selenehq/selene/internal/gateway"
	"github.com/selenehq/selene/internal/mcp"
	"github.com/selenehq/selene/internal/mcp/mcphost"
	"github.com/selenehq/selene/internal/observe"
	"github.com/selenehq/selene/internal/promptctx"
	"github.com/selenehq/selene/internal/resilience"
	"github.com/selenehq/selene/internal/router"
	"github.com/selenehq/selene/internal/tools"
	"github.com/selenehq/selene/internal/tools/builtin"
	"github.com/selenehq/selene/internal/tools/sysinfo"
	"github.com/selenehq/selene/pkg/memory/postgres"
	"github.com/selenehq/selene/pkg/provider/embeddings"
	oaembed "github.com/selenehq/selene/pkg/provider/embeddings/openai"
	"github.com/selenehq/selene/pkg/provider/llm"
	"github.com/selenehq/selene/pkg/provider/llm/anyllm"
	llmopenai "github.com/selenehq/selene/pkg/provider/llm/openai"
	"github.com/selenehq/selene/pkg/types"
)

// version is overridden at build time via -ldflags.
var version = "dev"

// defaultEmbeddingDimensions matches OpenAI text-embedding-3-small.
const defaultEmbeddingDimensions = 1536

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "selene: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "selene: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so the config watcher can adjust it at
	// runtime without rebuilding the handler.
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("selene starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "selene",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, classifierProvider, err := buildTierProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	var embedder embeddings.Provider
	if name := cfg.Providers.Embeddings.Name; name != "" {
		embedder, err = reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("embeddings provider not available — semantic retrieval disabled", "name", name)
			embedder = nil
		} else if err != nil {
			slog.Error("failed to create embeddings provider", "name", name, "err", err)
			return 1
		} else {
			slog.Info("provider created", "kind", "embeddings", "name", name, "model", cfg.Providers.Embeddings.Model)
			// One backend; the wrapper adds its circuit breaker.
			embedder = resilience.NewEmbeddingsFallback(embedder, name, resilience.FallbackConfig{})
		}
	}

	// ── Memory store ──────────────────────────────────────────────────────────
	if cfg.Memory.PostgresDSN == "" {
		slog.Error("memory.postgres_dsn is required: the conversation log backs every request")
		return 1
	}
	dims := cfg.Memory.EmbeddingDimensions
	if dims <= 0 {
		dims = defaultEmbeddingDimensions
	}
	store, err := postgres.NewStore(ctx, cfg.Memory.PostgresDSN, dims)
	if err != nil {
		slog.Error("failed to connect to postgres", "err", err)
		return 1
	}

	// ── Compression ───────────────────────────────────────────────────────────
	summariserProvider := pickCheapest(providers)
	compressor := compress.New(compress.Config{
		VerbatimCount:       cfg.Compression.VerbatimCount,
		RetrievalTopK:       cfg.Compression.RetrievalTopK,
		SummaryBatchSize:    cfg.Compression.SummaryBatchSize,
		ContextBudgetTokens: cfg.Compression.ContextBudgetTokens,
		EmbedCacheCapacity:  cfg.Compression.EmbedCacheCapacity,
	}, store, store, embedder, compress.NewLLMSummariser(summariserProvider))

	// ── Router ────────────────────────────────────────────────────────────────
	var classifier router.Classifier
	if classifierProvider != nil {
		classifier = router.NewLLMClassifier(classifierProvider)
	}
	rt := router.New(classifier, router.Config{
		RulesTimeout:      cfg.Routing.RulesTimeout.Std(),
		ClassifierTimeout: cfg.Routing.ClassifierTimeout.Std(),
		FallbackRoute:     routeFromName(cfg.Routing.FallbackRoute),
	})

	// ── MCP tool servers ──────────────────────────────────────────────────────
	// A dead tool server must not keep the assistant from answering, so
	// registration failures are logged and skipped.
	host := mcphost.New()
	for _, srv := range cfg.MCP.Servers {
		err := host.RegisterServer(ctx, mcp.ServerConfig{
			ID:        srv.ID,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		})
		if err != nil {
			slog.Warn("mcp server unavailable", "server", srv.ID, "err", err)
			continue
		}
		slog.Info("mcp server connected", "server", srv.ID, "transport", srv.Transport)
	}

	// ── Tool registry ─────────────────────────────────────────────────────────
	registryFactory := func(ctx context.Context, userID string) *tools.Registry {
		r := tools.NewRegistry(tools.WithMCPHost(host), tools.WithMetrics(metrics))
		r.Register(builtin.NewUserFacts(store, userID))
		r.Register(builtin.NewCreateTask(taskStore{store: store}, userID))
		r.RegisterPrefix("system_", &sysinfo.Handler{})
		return r
	}

	// ── Prompt context ────────────────────────────────────────────────────────
	asmOpts := []promptctx.Option{
		promptctx.WithAbilityDigest(digest.NewAbility(func(ctx context.Context, userID string) []types.ToolDefinition {
			return registryFactory(ctx, userID).Definitions()
		})),
		promptctx.WithPreferenceDigest(digest.NewPreference(store)),
		promptctx.WithIntentDigest(digest.NewIntent(summariserProvider)),
	}
	if embedder != nil {
		asmOpts = append(asmOpts, promptctx.WithMemoryDigest(
			digest.NewMemory(embedder, store, cfg.Compression.RetrievalTopK)))
	}
	assembler := promptctx.New(
		modelResolver{providers: cfg.Providers},
		profileStore{store: store},
		store,
		asmOpts...,
	)

	// ── Background queue ──────────────────────────────────────────────────────
	queue := background.New(background.Config{
		Workers:    cfg.Background.Workers,
		QueueSize:  cfg.Background.QueueSize,
		MaxRetries: cfg.Background.MaxRetries,
	}, background.WithMetrics(metrics))
	queue.Start(ctx)

	// ── Engine ────────────────────────────────────────────────────────────────
	engOpts := []engine.Option{
		engine.WithRegistryFactory(registryFactory),
		engine.WithMetrics(metrics),
	}
	if embedder != nil {
		engOpts = append(engOpts, engine.WithBackgroundQueue(queue, background.NewMessageIndexer(embedder, store)))
	}
	eng := engine.New(rt, assembler, compressor, store, providers, engine.Config{
		MaxRounds:      cfg.Loop.MaxRounds,
		RequestTimeout: cfg.Loop.RequestTimeout.Std(),
		Persona:        cfg.Persona,
	}, engOpts...)

	// ── Front-ends ────────────────────────────────────────────────────────────
	gw := gateway.New(eng,
		gateway.WithChannelConfig(cfg.Channels),
		gateway.WithMetrics(metrics),
	)

	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	httpSrv := &http.Server{Addr: listenAddr, Handler: gw.Handler()}

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		metricsSrv = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: gateway.MetricsHandler()}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "err", err)
			}
		}()
	}

	var bot *chatbot.Bot
	if cfg.Discord.Token != "" {
		bot, err = chatbot.New(cfg.Discord, eng, cfg.Channels)
		if err != nil {
			slog.Error("failed to create discord bot", "err", err)
			return 1
		}
		go func() {
			if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("discord bot error", "err", err)
			}
		}()
	}

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.ChannelsChanged {
			gw.UpdateChannels(new.Channels)
			if bot != nil {
				bot.UpdateChannels(new.Channels)
			}
			for _, ch := range d.ChannelChanges {
				slog.Info("channel override changed",
					"channel", ch.ID, "added", ch.Added, "removed", ch.Removed)
			}
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	printStartupSummary(cfg, listenAddr)
	slog.Info("server ready — press Ctrl+C to shut down")

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.TLS != nil {
			err = httpSrv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-errCh:
		slog.Error("gateway server error", "err", err)
		exitCode = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("gateway shutdown error", "err", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown error", "err", err)
		}
	}
	if err := queue.Shutdown(shutdownCtx); err != nil {
		slog.Warn("background queue shutdown error", "err", err)
	}
	if err := host.Close(); err != nil {
		slog.Warn("mcp host close error", "err", err)
	}
	store.Close()
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return exitCode
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// The any-llm vendors all share the same pattern: optional APIKey +
	// optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// openai-direct talks to the OpenAI API through the official SDK instead
	// of the any-llm shim, for deployments that need SDK-level features.
	reg.RegisterLLM("openai-direct", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────
	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})
}

// buildTierProviders instantiates the configured tier models and wraps the
// balanced and full tiers in fallback chains so a route keeps answering when
// its preferred model is down. The second return value is the classifier
// model (the dedicated entry when configured, the fast tier otherwise).
func buildTierProviders(cfg *config.Config, reg *config.Registry) (engine.Providers, llm.Provider, error) {
	fast, err := createLLM(reg, "fast", cfg.Providers.Fast)
	if err != nil {
		return engine.Providers{}, nil, err
	}
	balanced, err := createLLM(reg, "balanced", cfg.Providers.Balanced)
	if err != nil {
		return engine.Providers{}, nil, err
	}
	full, err := createLLM(reg, "full", cfg.Providers.Full)
	if err != nil {
		return engine.Providers{}, nil, err
	}

	providers := engine.Providers{Fast: fast}
	fbCfg := resilience.FallbackConfig{}

	if balanced != nil {
		fb := resilience.NewLLMFallback(balanced, "balanced", fbCfg)
		if fast != nil {
			fb.AddFallback("fast", fast)
		}
		providers.Balanced = fb
	}
	if full != nil {
		fb := resilience.NewLLMFallback(full, "full", fbCfg)
		if balanced != nil {
			fb.AddFallback("balanced", balanced)
		}
		if fast != nil {
			fb.AddFallback("fast", fast)
		}
		providers.Full = fb
	}

	classifier := fast
	if cfg.Providers.Classifier.Name != "" {
		classifier, err = createLLM(reg, "classifier", cfg.Providers.Classifier)
		if err != nil {
			return engine.Providers{}, nil, err
		}
	}

	return providers, classifier, nil
}

// createLLM instantiates one tier entry. An empty entry yields nil, nil.
func createLLM(reg *config.Registry, tier string, entry config.ProviderEntry) (llm.Provider, error) {
	if entry.Name == "" {
		return nil, nil
	}
	p, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("create %s provider %q: %w", tier, entry.Name, err)
	}
	slog.Info("provider created", "tier", tier, "name", entry.Name, "model", entry.Model)
	return p, nil
}

// pickCheapest returns the cheapest configured tier provider, for auxiliary
// work (summarisation, intent classification) that must not burn full-tier
// tokens.
func pickCheapest(p engine.Providers) llm.Provider {
	switch {
	case p.Fast != nil:
		return p.Fast
	case p.Balanced != nil:
		return p.Balanced
	default:
		return p.Full
	}
}

// routeFromName maps the configured fallback route name to a router.Route.
func routeFromName(name config.RouteName) router.Route {
	switch name {
	case config.RouteNameFast:
		return router.RouteFast
	case config.RouteNameFull:
		return router.RouteFull
	default:
		return router.RouteBalanced
	}
}

// ── Store adapters ────────────────────────────────────────────────────────────

// profileStore adapts the postgres store to the prompt context's profile
// contract.
type profileStore struct {
	store *postgres.Store
}

func (p profileStore) Profile(ctx context.Context, userID string) (promptctx.Profile, error) {
	up, err := p.store.Profile(ctx, userID)
	if err != nil {
		return promptctx.Profile{}, err
	}
	return promptctx.Profile{
		UserID:      up.UserID,
		DisplayName: up.DisplayName,
		About:       up.About,
		Facts:       up.Facts,
	}, nil
}

// taskStore adapts the postgres store to the create_task tool's contract.
type taskStore struct {
	store *postgres.Store
}

func (t taskStore) CreateTask(ctx context.Context, userID string, task builtin.Task) (builtin.Task, error) {
	id, err := t.store.CreateTask(ctx, userID, task.Title, task.Notes, task.Due)
	if err != nil {
		return builtin.Task{}, err
	}
	task.ID = strconv.FormatInt(id, 10)
	return task, nil
}

// modelResolver maps a route tier to the configured provider entry. Tiers
// without an entry fall back to the next cheaper one, mirroring the engine's
// provider fallback.
type modelResolver struct {
	providers config.ProvidersConfig
}

func (m modelResolver) Resolve(_ context.Context, route router.Route) (promptctx.ModelChoice, error) {
	entry := m.providers.Fast
	switch route {
	case router.RouteBalanced:
		if m.providers.Balanced.Name != "" {
			entry = m.providers.Balanced
		}
	case router.RouteFull:
		switch {
		case m.providers.Full.Name != "":
			entry = m.providers.Full
		case m.providers.Balanced.Name != "":
			entry = m.providers.Balanced
		}
	}
	if entry.Name == "" {
		return promptctx.ModelChoice{}, fmt.Errorf("no provider configured for route %s", route)
	}
	return promptctx.ModelChoice{
		Provider:    entry.Name,
		Model:       entry.Model,
		Temperature: optFloat(entry.Options, "temperature"),
		MaxTokens:   optInt(entry.Options, "max_tokens"),
	}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, listenAddr string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Selene — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Fast", cfg.Providers.Fast.Name, cfg.Providers.Fast.Model)
	printProvider("Balanced", cfg.Providers.Balanced.Name, cfg.Providers.Balanced.Model)
	printProvider("Full", cfg.Providers.Full.Name, cfg.Providers.Full.Model)
	printProvider("Classifier", cfg.Providers.Classifier.Name, cfg.Providers.Classifier.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	if cfg.Discord.Token != "" {
		fmt.Printf("║  Discord         : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  Discord         : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.MCP.Servers))
	fmt.Printf("║  Channels        : %-19d ║\n", len(cfg.Channels))
	fmt.Printf("║  Listen addr     : %-19s ║\n", listenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optFloat extracts a float value from a provider Options map. YAML decodes
// numbers as int or float64 depending on their spelling, so both are accepted.
func optFloat(opts map[string]any, key string) float64 {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// optInt extracts an integer value from a provider Options map.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
