package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	analystx "github.com/tanpawarit/storyweave/agent/agents/analyst"
	orchestratorx "github.com/tanpawarit/storyweave/agent/agents/orchestrator"
	cachex "github.com/tanpawarit/storyweave/agent/cache"
	llmx "github.com/tanpawarit/storyweave/agent/llm"
	poolx "github.com/tanpawarit/storyweave/agent/pool"
	storex "github.com/tanpawarit/storyweave/agent/store"
	tieringx "github.com/tanpawarit/storyweave/agent/tiering"
	configx "github.com/tanpawarit/storyweave/pkg/config"
	_ "github.com/tanpawarit/storyweave/pkg/logger/autoload"
)

type AppConfig struct {
	StoreBackend string `envconfig:"STORE_BACKEND" split_words:"true" default:"memory"`
	StoryID      string `envconfig:"STORY_ID" split_words:"true" default:"default"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appCfg := configx.MustNew[AppConfig]("STORYWEAVE")
	analysisCfg := configx.MustNew[orchestratorx.Config]("ANALYSIS")
	llmCfg := configx.MustNew[llmx.Config]("LLM")

	entries, catalog, closeStore := mustOpenStores(ctx, appCfg.StoreBackend)
	defer closeStore()

	cache := mustOpenCache(analysisCfg, appCfg.StoryID)

	registry, err := analystx.NewRegistry(ctx, *llmCfg, entries)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build analysts")
	}

	caller, err := llmx.NewOpenAICaller(llmCfg.OpenRouterFor(llmx.ExtractorID))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create extraction caller")
	}

	// One guard for analysts and extraction: an exhausted quota stops both.
	guard := poolx.NewQuotaGuard(analysisCfg.QuotaCooldown)
	extractor := tieringx.NewCallerExtractor(caller,
		tieringx.WithQuotaGuard(guard),
		tieringx.WithCallTimeout(analysisCfg.AgentTimeout()),
	)

	orch, err := orchestratorx.New(ctx, *analysisCfg, cache, entries, catalog, registry,
		orchestratorx.WithExtractor(extractor),
		orchestratorx.WithQuotaGuard(guard),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create orchestrator")
	}

	// One command per line: "/new" resets the session, "/narrative <text>"
	// completes the current turn, anything else is the next player message.
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/new":
			if err := orch.NewSession(ctx); err != nil {
				log.Error().Err(err).Msg("failed to start a new session")
			}
		case strings.HasPrefix(line, "/narrative "):
			orch.CompleteTurn(ctx, strings.TrimPrefix(line, "/narrative "))
		default:
			text, err := orch.AssembleContext(ctx, line)
			if err != nil {
				log.Error().Err(err).Msg("failed to assemble context")
				continue
			}
			fmt.Println(text)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("failed to read input")
	}

	if err := orch.WaitBackground(ctx); err != nil {
		log.Warn().Err(err).Msg("exiting before background analysis finished")
	}
}

func mustOpenStores(ctx context.Context, backend string) (storex.Store, storex.Catalog, func()) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "postgres":
		dbCfg := configx.MustNew[storex.DatabaseConfig]("DATABASE")
		db, err := storex.OpenDB(ctx, *dbCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open database")
		}
		if err := storex.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate database")
		}
		return storex.NewBunStore(db), storex.NewBunCatalog(db), func() { _ = db.Close() }
	case "memory", "":
		return storex.NewMemoryStore(), storex.NewMemoryCatalog(), func() {}
	default:
		log.Fatal().Str("backend", backend).Msg("unknown store backend")
		return nil, nil, nil
	}
}

func mustOpenCache(cfg *orchestratorx.Config, storyID string) cachex.Store {
	if strings.EqualFold(strings.TrimSpace(cfg.CacheBackend), orchestratorx.CacheBackendUpstash) {
		upstashCfg := configx.MustNew[cachex.UpstashConfig]("UPSTASH")
		store, err := cachex.NewUpstashStore(*upstashCfg, storyID)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create upstash cache")
		}
		return store
	}
	store, err := cachex.NewFileStore(cfg.CachePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create file cache")
	}
	return store
}
