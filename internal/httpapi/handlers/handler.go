package handlers

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/pagelens/pagelens/internal/ai"
	"github.com/pagelens/pagelens/internal/config"
	"github.com/pagelens/pagelens/internal/query"
	"github.com/pagelens/pagelens/internal/respcache"
	"github.com/pagelens/pagelens/internal/session"
	"github.com/pagelens/pagelens/internal/store/rabbitmq"
	"github.com/pagelens/pagelens/internal/store/redisstore"
)

type Handler struct {
	DB       *gorm.DB
	Cfg      config.Config
	Sessions *session.Manager
	SessRepo *session.Repo
	QuerySvc *query.Service
	Rabbit   *rabbitmq.Publisher
}

// NewRegistry wires the configured AI providers. Shared by the server and
// the worker.
func NewRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m,
			cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})
	return reg
}

// NewQueryService assembles the orchestrator and its collaborators on top
// of the shared cache and database handles.
func NewQueryService(db *gorm.DB, cfg config.Config, cache *redisstore.Store) *query.Service {
	sessions := session.NewManager(cache, cfg.AuthSessionTTL, cfg.AnonSessionTTL)
	sessRepo := session.NewRepo(db)
	quota := session.NewQuota(sessRepo, sessions, cfg.AnonQueryLimit)
	responses := respcache.New(cache, cfg.ResponseCacheTTL)

	return query.NewService(sessions, sessRepo, quota, responses, NewRegistry(cfg), query.NewRepo(db), query.Options{
		Provider:              cfg.AIProvider,
		Model:                 "",
		MaxTokens:             cfg.MaxResponseTokens,
		AnonSessionTTL:        cfg.AnonSessionTTL,
		GenerationConcurrency: cfg.GenerationConcurrency,
		TaskConcurrency:       cfg.TaskConcurrency,
	})
}

func NewHandler(db *gorm.DB, cfg config.Config, cache *redisstore.Store, rabbit *rabbitmq.Publisher) *Handler {
	return &Handler{
		DB:       db,
		Cfg:      cfg,
		Sessions: session.NewManager(cache, cfg.AuthSessionTTL, cfg.AnonSessionTTL),
		SessRepo: session.NewRepo(db),
		QuerySvc: NewQueryService(db, cfg, cache),
		Rabbit:   rabbit,
	}
}
