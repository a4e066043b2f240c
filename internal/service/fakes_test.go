package service

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/capability"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/engine"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/lock"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/models"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/repository"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/retry"
)

var (
	author   = Actor{ID: "author-1", Role: capability.RoleAuthor}
	editor   = Actor{ID: "editor-1", Role: capability.RoleEditor}
	admin    = Actor{ID: "admin-1", Role: capability.RoleAdmin}
	reviewer = Actor{ID: "reviewer-1", Role: capability.RoleReviewer}
)

func reviewerN(n int) Actor {
	return Actor{ID: fmt.Sprintf("reviewer-%d", n), Role: capability.RoleReviewer}
}

// fakeEngine answers submit and poll through callbacks and counts calls.
type fakeEngine struct {
	mu       sync.Mutex
	submits  int
	polls    int
	released []engine.Handle

	submitFn func(call int) (engine.Handle, error)
	pollFn   func(call int) ([]byte, error)
}

func (f *fakeEngine) Submit(ctx context.Context, text string) (engine.Handle, error) {
	f.mu.Lock()
	f.submits++
	n := f.submits
	fn := f.submitFn
	f.mu.Unlock()

	if fn == nil {
		return engine.Handle(fmt.Sprintf("eng-%d", n)), nil
	}
	return fn(n)
}

func (f *fakeEngine) Poll(ctx context.Context, h engine.Handle) ([]byte, error) {
	f.mu.Lock()
	f.polls++
	n := f.polls
	fn := f.pollFn
	f.mu.Unlock()

	if fn == nil {
		return []byte(`{"status":"completed","similarity_score":0}`), nil
	}
	return fn(n)
}

func (f *fakeEngine) Release(h engine.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, h)
}

func (f *fakeEngine) releasedHandles() []engine.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Handle(nil), f.released...)
}

func (f *fakeEngine) counts() (submits, polls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits, f.polls
}

func scoreEngine(score float64) *fakeEngine {
	return &fakeEngine{
		pollFn: func(int) ([]byte, error) {
			return []byte(fmt.Sprintf(`{"status":"completed","similarity_score":%v}`, score)), nil
		},
	}
}

// blockingEngine reports "running" until release is closed, then score.
func blockingEngine(release <-chan struct{}, score float64) *fakeEngine {
	return &fakeEngine{
		pollFn: func(int) ([]byte, error) {
			select {
			case <-release:
				return []byte(fmt.Sprintf(`{"status":"completed","similarity_score":%v}`, score)), nil
			default:
				return []byte(`{"status":"running"}`), nil
			}
		},
	}
}

// flakyJobs fails the next failures writes of a finished job with a
// connection reset, then behaves like the wrapped store.
type flakyJobs struct {
	repository.JobRepository

	mu       sync.Mutex
	failures int
	failed   int
}

func (f *flakyJobs) UpdateIfActive(ctx context.Context, job *models.PlagiarismJob) error {
	f.mu.Lock()
	if !job.Status.IsActive() && f.failures > 0 {
		f.failures--
		f.failed++
		f.mu.Unlock()
		return fmt.Errorf("failed to update job: %w", syscall.ECONNRESET)
	}
	f.mu.Unlock()
	return f.JobRepository.UpdateIfActive(ctx, job)
}

func (f *flakyJobs) failedWrites() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

type recordingPublisher struct {
	mu          sync.Mutex
	transitions []models.ManuscriptTransitionedEvent
	verdicts    []models.PlagiarismCompletedEvent
}

func (p *recordingPublisher) PublishTransition(_ context.Context, e models.ManuscriptTransitionedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions = append(p.transitions, e)
	return nil
}

func (p *recordingPublisher) PublishVerdict(_ context.Context, e models.PlagiarismCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verdicts = append(p.verdicts, e)
	return nil
}

func (p *recordingPublisher) verdictCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.verdicts)
}

type harnessOptions struct {
	policy       retry.Policy
	coordinator  CoordinatorConfig
	quorum       int
	autoFinalize bool
	// stores, when set, shares another harness's stores, as a restarted
	// process would.
	stores   *harness
	wrapJobs func(repository.JobRepository) repository.JobRepository
}

type harness struct {
	coord       *Coordinator
	life        *Lifecycle
	jobs        repository.JobRepository
	manuscripts repository.ManuscriptRepository
	texts       repository.TextRepository
	engine      *fakeEngine
	events      *recordingPublisher
}

func newHarness(t *testing.T, eng *fakeEngine, opts ...func(*harnessOptions)) *harness {
	t.Helper()

	o := harnessOptions{
		policy: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond},
		coordinator: CoordinatorConfig{
			PollInterval:        time.Millisecond,
			PollBudget:          5 * time.Second,
			SimilarityThreshold: 30,
		},
		quorum:       1,
		autoFinalize: false,
	}
	for _, opt := range opts {
		opt(&o)
	}

	h := &harness{
		jobs:        repository.NewMemoryJobRepository(),
		manuscripts: repository.NewMemoryManuscriptRepository(),
		texts:       repository.NewMemoryTextRepository(),
		engine:      eng,
		events:      &recordingPublisher{},
	}
	if o.stores != nil {
		h.jobs, h.manuscripts, h.texts = o.stores.jobs, o.stores.manuscripts, o.stores.texts
	}
	if o.wrapJobs != nil {
		h.jobs = o.wrapJobs(h.jobs)
	}

	executor := retry.NewExecutor(o.policy, zerolog.Nop())
	h.coord = NewCoordinator(h.jobs, eng, executor, h.events, o.coordinator, zerolog.Nop())
	h.life = NewLifecycle(h.manuscripts, h.texts, h.coord, lock.NewLocal(), h.events,
		LifecycleConfig{Quorum: o.quorum, AutoFinalize: o.autoFinalize}, zerolog.Nop())
	h.coord.SetVerdictSink(h.life.OnVerdict)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.coord.Shutdown(ctx)
	})
	return h
}

func (h *harness) submit(t *testing.T, id, text string) *models.SubmitManuscriptResponse {
	t.Helper()
	resp, err := h.life.Submit(context.Background(), author, models.SubmitManuscriptRequest{ID: id, Title: "On Graphs", Text: text})
	if err != nil {
		t.Fatalf("Submit(%s) error = %v", id, err)
	}
	return resp
}

func (h *harness) manuscript(t *testing.T, id string) *models.Manuscript {
	t.Helper()
	m, err := h.life.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return m
}

func (h *harness) job(t *testing.T, id string) *models.PlagiarismJob {
	t.Helper()
	job, err := h.coord.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob(%s) error = %v", id, err)
	}
	return job
}

// assertHistory checks that every recorded status change is an edge of the
// transition graph and that screening always follows submission.
func assertHistory(t *testing.T, m *models.Manuscript) {
	t.Helper()

	if len(m.History) == 0 {
		t.Fatal("manuscript has no history")
	}
	first := m.History[0]
	if first.From != "" || first.To != models.ManuscriptStatusSubmitted {
		t.Fatalf("history starts with %s -> %s, want creation in submitted", first.From, first.To)
	}

	prev := models.ManuscriptStatusSubmitted
	for i, rec := range m.History[1:] {
		if rec.From != prev {
			t.Fatalf("history[%d] starts from %s, previous state was %s", i+1, rec.From, prev)
		}
		if !models.CanTransition(rec.From, rec.To) {
			t.Fatalf("history[%d] %s -> %s is not an edge", i+1, rec.From, rec.To)
		}
		prev = rec.To
	}
	if prev != m.Status {
		t.Fatalf("history ends in %s, manuscript is %s", prev, m.Status)
	}
	if len(m.History) > 1 && m.History[1].To != models.ManuscriptStatusPlagiarismPending {
		t.Fatalf("first transition goes to %s, want plagiarism_pending", m.History[1].To)
	}
}

func strPtr(s string) *string { return &s }

func review(rec models.Recommendation) models.ReviewSubmission {
	return models.ReviewSubmission{
		Ratings:        map[string]int{"originality": 4, "clarity": 3},
		Recommendation: strPtr(string(rec)),
		Comments:       strPtr("Thorough and well argued."),
	}
}
