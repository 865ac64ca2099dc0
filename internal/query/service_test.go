package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/pagelens/pagelens/internal/ai"
	"github.com/pagelens/pagelens/internal/common"
	"github.com/pagelens/pagelens/internal/respcache"
	"github.com/pagelens/pagelens/internal/session"
	"github.com/pagelens/pagelens/internal/store/redisstore"
)

type recordingProvider struct {
	calls int
	reply string
	err   error
	last  []ai.Message
}

func (p *recordingProvider) Generate(ctx context.Context, messages []ai.Message, maxTokens int) (*ai.Result, error) {
	_ = ctx
	_ = maxTokens
	p.calls++
	p.last = append([]ai.Message(nil), messages...)
	if p.err != nil {
		return nil, p.err
	}
	return &ai.Result{
		Message: p.reply,
		Usage:   ai.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
		Model:   "fake-model",
	}, nil
}

type testEnv struct {
	svc      *Service
	prov     *recordingProvider
	sessRepo *session.Repo
	mgr      *session.Manager
	respons  *respcache.Cache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(gormsqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&session.AuthSession{}, &session.AnonSession{}, &Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := redisstore.New(client, "test", time.Hour)

	mgr := session.NewManager(cache, 7*24*time.Hour, 24*time.Hour)
	sessRepo := session.NewRepo(db)
	quota := session.NewQuota(sessRepo, mgr, 3)
	responses := respcache.New(cache, 24*time.Hour)

	prov := &recordingProvider{reply: "It's about X"}
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return prov, nil
	})

	svc := NewService(mgr, sessRepo, quota, responses, reg, NewRepo(db), Options{
		Provider: "fake",
		Model:    "default",
	})

	return &testEnv{svc: svc, prov: prov, sessRepo: sessRepo, mgr: mgr, respons: responses}
}

func seedAuthSession(t *testing.T, env *testEnv, id string, userID uint64) {
	t.Helper()
	err := env.sessRepo.CreateAuth(context.Background(), &session.AuthSession{
		ID:        id,
		UserID:    userID,
		ExpiresAt: time.Now().Add(7 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("seed auth session: %v", err)
	}
}

func TestAnswerAuthGeneratesThenHitsCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seedAuthSession(t, env, "01SESSA", 42)

	req := Request{
		SessionID: "01SESSA",
		Kind:      session.KindAuth,
		PageURL:   "https://example.com/article",
		Question:  "What is this page about?",
	}

	res, err := env.svc.Answer(ctx, req)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if res.Cached {
		t.Fatalf("first answer must not be cached")
	}
	if res.Response != "It's about X" || res.Model != "fake-model" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if env.prov.calls != 1 {
		t.Fatalf("provider calls: %d", env.prov.calls)
	}

	// write-through is detached; wait for it to land, then the same
	// question (even recapitalized) must skip generation
	deadline := time.Now().Add(2 * time.Second)
	var cached *Result
	for time.Now().Before(deadline) {
		r, err := env.svc.Answer(ctx, Request{
			SessionID: "01SESSA",
			Kind:      session.KindAuth,
			PageURL:   "https://example.com/article",
			Question:  "what is this page ABOUT?",
		})
		if err != nil {
			t.Fatalf("answer: %v", err)
		}
		if r.Cached {
			cached = r
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if cached == nil {
		t.Fatalf("cached response never appeared")
	}
	if cached.Model != "cached" {
		t.Fatalf("cached marker missing: %q", cached.Model)
	}
	if cached.Response != "It's about X" {
		t.Fatalf("unexpected cached response: %q", cached.Response)
	}
}

func TestAnswerAnonQuotaFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.EnsureAnonSession(ctx, "fp1"); err != nil {
		t.Fatalf("ensure anon: %v", err)
	}

	req := Request{
		SessionID: "fp1",
		Kind:      session.KindAnon,
		PageURL:   "https://example.com/a",
		Question:  "summarize this",
	}

	for i := 1; i <= 3; i++ {
		res, err := env.svc.Answer(ctx, req)
		if err != nil {
			t.Fatalf("answer %d: %v", i, err)
		}
		if res.AnonQueryCount != i {
			t.Fatalf("count after answer %d: got %d", i, res.AnonQueryCount)
		}
		if res.AnonQueryLimit != 3 {
			t.Fatalf("limit: got %d", res.AnonQueryLimit)
		}
	}

	_, err := env.svc.Answer(ctx, req)
	if !errors.Is(err, common.ErrAnonQueryLimit) {
		t.Fatalf("expected ErrAnonQueryLimit, got %v", err)
	}
	if env.prov.calls != 3 {
		t.Fatalf("rejected query must not reach the provider, calls=%d", env.prov.calls)
	}
}

func TestAnswerAnonNeverReadsResponseCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.EnsureAnonSession(ctx, "fp2"); err != nil {
		t.Fatalf("ensure anon: %v", err)
	}

	req := Request{
		SessionID: "fp2",
		Kind:      session.KindAnon,
		PageURL:   "https://example.com/a",
		Question:  "same question",
	}

	for i := 0; i < 2; i++ {
		res, err := env.svc.Answer(ctx, req)
		if err != nil {
			t.Fatalf("answer: %v", err)
		}
		if res.Cached {
			t.Fatalf("anonymous sessions must not get cached responses")
		}
	}
	if env.prov.calls != 2 {
		t.Fatalf("each anon query must generate, calls=%d", env.prov.calls)
	}
}

func TestAnswerInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seedAuthSession(t, env, "01SESSB", 1)

	_, err := env.svc.Answer(ctx, Request{
		SessionID: "01SESSB",
		Kind:      session.KindAuth,
		PageURL:   "not a url",
		Question:  "q",
	})
	if !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad url, got %v", err)
	}

	_, err = env.svc.Answer(ctx, Request{
		SessionID: "01SESSB",
		Kind:      session.KindAuth,
		PageURL:   "https://example.com/a",
		Question:  "   ",
	})
	if !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty question, got %v", err)
	}
	if env.prov.calls != 0 {
		t.Fatalf("validation failures must precede generation, calls=%d", env.prov.calls)
	}
}

func TestAnswerUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Answer(context.Background(), Request{
		SessionID: "no-such",
		Kind:      session.KindAuth,
		PageURL:   "https://example.com/a",
		Question:  "q",
	})
	if !errors.Is(err, common.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAnswerProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.EnsureAnonSession(ctx, "fp3"); err != nil {
		t.Fatalf("ensure anon: %v", err)
	}
	env.prov.err = errors.New("upstream down")

	_, err := env.svc.Answer(ctx, Request{
		SessionID: "fp3",
		Kind:      session.KindAnon,
		PageURL:   "https://example.com/a",
		Question:  "q",
	})
	if !errors.Is(err, common.ErrExternalService) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}

	// a failed generation must not burn quota
	row, err := env.sessRepo.GetAnon(ctx, "fp3")
	if err != nil || row == nil {
		t.Fatalf("anon row: %v %v", row, err)
	}
	if row.AnonQueryCount != 0 {
		t.Fatalf("quota burned on failure: %d", row.AnonQueryCount)
	}
}

func TestResolveSessionDurableFallback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seedAuthSession(t, env, "01SESSC", 7)

	// cache is cold: resolution must read through and repopulate
	rec, err := env.svc.ResolveSession(ctx, "01SESSC", session.KindAuth)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rec.UserID != 7 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	cached, ttl, err := env.mgr.Get(ctx, "01SESSC", session.KindAuth)
	if err != nil {
		t.Fatalf("cache read: %v", err)
	}
	if cached == nil {
		t.Fatalf("cache not repopulated")
	}
	if ttl <= 0 || ttl > 7*24*time.Hour {
		t.Fatalf("repopulated ttl should follow the row expiry, got %v", ttl)
	}
}

func TestResolveSessionExpiredDurableRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.sessRepo.CreateAuth(ctx, &session.AuthSession{
		ID:        "01SESSD",
		UserID:    9,
		ExpiresAt: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err = env.svc.ResolveSession(ctx, "01SESSD", session.KindAuth)
	if !errors.Is(err, common.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for expired row, got %v", err)
	}
}

func TestEnsureAnonResetsExpiredRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.sessRepo.CreateAnon(ctx, &session.AnonSession{
		ID:             "fp4",
		AnonQueryCount: 3,
		ExpiresAt:      time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec, err := env.svc.EnsureAnonSession(ctx, "fp4")
	if err != nil {
		t.Fatalf("ensure anon: %v", err)
	}
	if rec.AnonQueryCount != 0 {
		t.Fatalf("expired row should restart the quota window, got %d", rec.AnonQueryCount)
	}
}

func TestRunJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seedAuthSession(t, env, "01SESSE", 3)

	job := &Job{
		ID:          "01JOB0000000000000000000001",
		SessionID:   "01SESSE",
		SessionKind: string(session.KindAuth),
		PageURL:     "https://example.com/a",
		Question:    "what is this?",
		Status:      JobQueued,
	}
	if _, _, err := env.svc.CreateJobOrGetExisting(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	if err := env.svc.RunJob(ctx, job.ID); err != nil {
		t.Fatalf("run job: %v", err)
	}

	done, err := env.svc.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if done.Status != JobSucceeded {
		t.Fatalf("status: %s (error=%v)", done.Status, done.Error)
	}
	if done.Response == nil || *done.Response != "It's about X" {
		t.Fatalf("response not recorded: %v", done.Response)
	}
}

func TestRunJobFailureRecorded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seedAuthSession(t, env, "01SESSF", 4)
	env.prov.err = errors.New("upstream down")

	job := &Job{
		ID:          "01JOB0000000000000000000002",
		SessionID:   "01SESSF",
		SessionKind: string(session.KindAuth),
		PageURL:     "https://example.com/a",
		Question:    "q",
		Status:      JobQueued,
	}
	if _, _, err := env.svc.CreateJobOrGetExisting(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	if err := env.svc.RunJob(ctx, job.ID); err == nil {
		t.Fatalf("expected job failure")
	}

	done, err := env.svc.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if done.Status != JobFailed || done.Error == nil {
		t.Fatalf("failure not recorded: %+v", done)
	}
}

func TestCreateJobOrGetExistingIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	key := "retry-key"
	first := &Job{
		ID: "01JOB0000000000000000000003", SessionID: "01SESSG", SessionKind: "auth",
		PageURL: "https://example.com/a", Question: "q", IdempotencyKey: &key, Status: JobQueued,
	}
	j1, created, err := env.svc.CreateJobOrGetExisting(ctx, first)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}

	retry := &Job{
		ID: "01JOB0000000000000000000004", SessionID: "01SESSG", SessionKind: "auth",
		PageURL: "https://example.com/a", Question: "q", IdempotencyKey: &key, Status: JobQueued,
	}
	j2, created, err := env.svc.CreateJobOrGetExisting(ctx, retry)
	if err != nil {
		t.Fatalf("retry create: %v", err)
	}
	if created {
		t.Fatalf("retry must return the existing job")
	}
	if j2.ID != j1.ID {
		t.Fatalf("retry returned a different job: %s vs %s", j2.ID, j1.ID)
	}
}
