package query

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/pagelens/pagelens/internal/ai"
	"github.com/pagelens/pagelens/internal/common"
	"github.com/pagelens/pagelens/internal/limit"
	"github.com/pagelens/pagelens/internal/pageid"
	"github.com/pagelens/pagelens/internal/respcache"
	"github.com/pagelens/pagelens/internal/session"
)

// Service is the request-level coordinator: it resolves the session,
// enforces the anonymous quota, consults the response cache, and only then
// pays for generation.
type Service struct {
	sessions  *session.Manager
	sessRepo  *session.Repo
	quota     *session.Quota
	responses *respcache.Cache
	registry  *ai.Registry
	jobs      *Repo

	genLimit  *limit.Limiter
	taskLimit *limit.Limiter

	provider  string
	model     string
	maxTokens int
	anonTTL   time.Duration
}

type Options struct {
	Provider              string
	Model                 string
	MaxTokens             int
	AnonSessionTTL        time.Duration
	GenerationConcurrency int
	TaskConcurrency       int
}

func NewService(sessions *session.Manager, sessRepo *session.Repo, quota *session.Quota,
	responses *respcache.Cache, registry *ai.Registry, jobs *Repo, opts Options) *Service {
	if opts.GenerationConcurrency <= 0 {
		opts.GenerationConcurrency = 3
	}
	if opts.TaskConcurrency <= 0 {
		opts.TaskConcurrency = 5
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	if opts.AnonSessionTTL <= 0 {
		opts.AnonSessionTTL = 24 * time.Hour
	}
	return &Service{
		sessions:  sessions,
		sessRepo:  sessRepo,
		quota:     quota,
		responses: responses,
		registry:  registry,
		jobs:      jobs,
		genLimit:  limit.New(opts.GenerationConcurrency),
		taskLimit: limit.New(opts.TaskConcurrency),
		provider:  opts.Provider,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		anonTTL:   opts.AnonSessionTTL,
	}
}

type Request struct {
	SessionID   string
	Kind        session.Kind
	PageURL     string
	PageContent string
	Question    string
}

type Result struct {
	Response string   `json:"response"`
	Model    string   `json:"model"`
	Cached   bool     `json:"cached"`
	Usage    ai.Usage `json:"usage"`

	// populated for anonymous sessions so the UI can warn near the ceiling
	AnonQueryCount int `json:"anon_query_count,omitempty"`
	AnonQueryLimit int `json:"anon_query_limit,omitempty"`
}

// Answer handles one page query end to end. Order matters: the quota check
// runs before any cache lookup or generation, and the durable quota
// increment runs before its cache mirror.
func (s *Service) Answer(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, fmt.Errorf("%w: question required", common.ErrInvalidInput)
	}
	pageID, err := pageid.FromURL(req.PageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidInput, err)
	}

	rec, err := s.ResolveSession(ctx, req.SessionID, req.Kind)
	if err != nil {
		return nil, err
	}

	if rec.Kind == session.KindAnon {
		allowed, err := s.quota.CheckAndAdmit(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, fmt.Errorf("%w: ceiling %d", common.ErrAnonQueryLimit, s.quota.Limit())
		}
	}

	// Only authenticated sessions read the per-question cache; anonymous
	// traffic always pays for generation so the quota stays meaningful.
	var userID string
	if rec.Kind == session.KindAuth {
		userID = strconv.FormatUint(rec.UserID, 10)
		entry, err := s.responses.Lookup(ctx, userID, pageID, req.Question)
		if err != nil {
			log.Printf("query: response cache lookup failed session=%s err=%v", req.SessionID, err)
		}
		if entry != nil {
			s.refresh(ctx, req.SessionID, rec.Kind)
			return &Result{Response: entry.Response, Model: "cached", Cached: true}, nil
		}
	}

	if err := s.genLimit.Acquire(ctx); err != nil {
		return nil, err
	}
	res, err := s.generate(ctx, rec, req)
	s.genLimit.Release()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrExternalService, err)
	}

	out := &Result{Response: res.Message, Model: res.Model, Usage: res.Usage}

	if rec.Kind == session.KindAuth {
		// write-through is detached: a cache or counter failure must not
		// fail a generation that already succeeded
		s.detach(func(taskCtx context.Context) {
			s.responses.Store(taskCtx, userID, pageID, req.Question, res.Message, map[string]any{
				"model":        res.Model,
				"total_tokens": res.Usage.TotalTokens,
			})
			s.recordAuthUsage(taskCtx, req.SessionID, res.Usage.TotalTokens)
		})
	} else {
		n, err := s.quota.Increment(ctx, req.SessionID)
		if err != nil {
			// a lost increment would grant unlimited free queries
			return nil, err
		}
		out.AnonQueryCount = n
		out.AnonQueryLimit = s.quota.Limit()
	}

	s.refresh(ctx, req.SessionID, rec.Kind)
	return out, nil
}

// ResolveSession looks up the cache first and falls back to the durable
// store, repopulating the cache with the row's remaining lifetime.
func (s *Service) ResolveSession(ctx context.Context, id string, kind session.Kind) (*session.Record, error) {
	if id == "" || !kind.Valid() {
		return nil, fmt.Errorf("%w: session id and kind required", common.ErrInvalidInput)
	}

	rec, _, err := s.sessions.Get(ctx, id, kind)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}

	switch kind {
	case session.KindAuth:
		row, err := s.sessRepo.GetAuth(ctx, id)
		if err != nil {
			return nil, err
		}
		if row == nil || !row.ExpiresAt.After(time.Now()) {
			return nil, fmt.Errorf("%w: auth session %s", common.ErrUnauthorized, id)
		}
		r := session.RecordFromAuth(row)
		if err := s.sessions.Create(ctx, r, row.ExpiresAt); err != nil {
			log.Printf("query: cache repopulate failed session=%s err=%v", id, err)
		}
		return &r, nil

	default:
		row, err := s.sessRepo.GetAnon(ctx, id)
		if err != nil {
			return nil, err
		}
		if row == nil || !row.ExpiresAt.After(time.Now()) {
			return nil, fmt.Errorf("%w: anon session %s", common.ErrUnauthorized, id)
		}
		r := session.RecordFromAnon(row)
		if err := s.sessions.Create(ctx, r, row.ExpiresAt); err != nil {
			log.Printf("query: cache repopulate failed session=%s err=%v", id, err)
		}
		return &r, nil
	}
}

// EnsureAnonSession resolves the anonymous session, creating the durable
// row on the first fingerprint-based request. An expired leftover row is
// reset to a fresh quota window.
func (s *Service) EnsureAnonSession(ctx context.Context, id string) (*session.Record, error) {
	rec, err := s.ResolveSession(ctx, id, session.KindAnon)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, common.ErrUnauthorized) {
		return nil, err
	}

	row, created, err := s.sessRepo.CreateAnonOrGetExisting(ctx, &session.AnonSession{
		ID:        id,
		ExpiresAt: time.Now().Add(s.anonTTL),
	})
	if err != nil {
		return nil, err
	}

	if !created && !row.ExpiresAt.After(time.Now()) {
		exp := time.Now().Add(s.anonTTL)
		if _, err := s.sessRepo.UpdateAnon(ctx, id, map[string]any{
			"anon_query_count": 0,
			"expires_at":       exp,
		}); err != nil {
			return nil, err
		}
		row.AnonQueryCount = 0
		row.ExpiresAt = exp
	}

	r := session.RecordFromAnon(row)
	if err := s.sessions.Create(ctx, r, row.ExpiresAt); err != nil {
		log.Printf("query: cache populate failed session=%s err=%v", id, err)
	}
	return &r, nil
}

func (s *Service) generate(ctx context.Context, rec *session.Record, req Request) (*ai.Result, error) {
	provider, err := s.registry.Get(ctx, s.provider, s.model)
	if err != nil {
		return nil, err
	}

	maxTokens := s.maxTokens
	if rec.MaxResponseLength > 0 {
		maxTokens = rec.MaxResponseLength
	}

	return provider.Generate(ctx, buildMessages(rec, req), maxTokens)
}

func buildMessages(rec *session.Record, req Request) []ai.Message {
	sys := "You are a browsing assistant. Answer questions about the page the user is viewing."
	if rec.Kind == session.KindAuth && rec.ResponseStyle != "" {
		sys += " Respond in a " + rec.ResponseStyle + " style."
	}
	msgs := []ai.Message{{Role: "system", Content: sys}}
	if req.PageContent != "" {
		msgs = append(msgs, ai.Message{Role: "system", Content: "Page content:\n" + req.PageContent})
	}
	return append(msgs, ai.Message{Role: "user", Content: req.Question})
}

// detach submits a background task bounded by the task limiter. The task
// logs its own failures; nothing here reaches the caller.
func (s *Service) detach(fn func(ctx context.Context)) {
	go func() {
		taskCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.taskLimit.Acquire(taskCtx); err != nil {
			log.Printf("query: detached task dropped: %v", err)
			return
		}
		defer s.taskLimit.Release()
		fn(taskCtx)
	}()
}

// recordAuthUsage bumps the durable usage counters, then mirrors them into
// the cache. Runs detached; failures are logged only.
func (s *Service) recordAuthUsage(ctx context.Context, sessionID string, tokens int) {
	rows, err := s.sessRepo.UpdateAuth(ctx, sessionID, map[string]any{
		"query_count": gorm.Expr("query_count + ?", 1),
		"token_count": gorm.Expr("token_count + ?", tokens),
	})
	if err != nil {
		log.Printf("query: usage update failed session=%s err=%v", sessionID, err)
		return
	}
	if rows == 0 {
		return
	}

	row, err := s.sessRepo.GetAuth(ctx, sessionID)
	if err != nil || row == nil {
		return
	}
	if _, err := s.sessions.Update(ctx, sessionID, session.KindAuth, map[string]any{
		"query_count": row.QueryCount,
		"token_count": row.TokenCount,
	}); err != nil {
		log.Printf("query: usage mirror failed session=%s err=%v", sessionID, err)
	}
}

func (s *Service) refresh(ctx context.Context, id string, kind session.Kind) {
	if err := s.sessions.Refresh(ctx, id, kind); err != nil {
		log.Printf("query: session refresh failed session=%s err=%v", id, err)
	}
}

// Job plumbing for the async path.

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	return s.jobs.CreateJobOrGetExisting(ctx, job)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.jobs.GetJobByID(ctx, jobID)
}

// RunJob executes a queued job through the same Answer path and records
// the outcome on the job row.
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	_ = s.jobs.UpdateJobStatusRunning(ctx, jobID)

	j, err := s.jobs.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	res, err := s.Answer(ctx, Request{
		SessionID:   j.SessionID,
		Kind:        session.Kind(j.SessionKind),
		PageURL:     j.PageURL,
		PageContent: j.PageContent,
		Question:    j.Question,
	})
	if err != nil {
		_ = s.jobs.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}
	return s.jobs.MarkJobSucceeded(ctx, jobID, res.Response, res.Model)
}
