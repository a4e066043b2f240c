package service

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/apperror"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/capability"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/models"
)

// underReview submits id and waits until screening has passed it.
func underReview(t *testing.T, h *harness, id string) *models.Manuscript {
	t.Helper()
	h.submit(t, id, "text")
	h.coord.Wait()
	m := h.manuscript(t, id)
	if m.Status != models.ManuscriptStatusUnderReview {
		t.Fatalf("manuscript status = %s, want under_review", m.Status)
	}
	return m
}

func TestScenarioReviewMissingComments(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scoreEngine(5))
	underReview(t, h, "m-1")

	_, err := h.life.RecordReview(context.Background(), reviewer, "m-1", models.ReviewSubmission{
		Ratings:        map[string]int{"originality": 4},
		Recommendation: strPtr("accept"),
	})
	if !errors.Is(err, apperror.ErrValidation) {
		t.Fatalf("RecordReview() error = %v, want validation", err)
	}
	appErr, _ := apperror.From(err)
	if got := appErr.Context["missing"]; !reflect.DeepEqual(got, []string{"comments"}) {
		t.Fatalf("missing = %v, want [comments]", got)
	}

	m := h.manuscript(t, "m-1")
	if m.Status != models.ManuscriptStatusUnderReview || len(m.Reviews) != 0 {
		t.Fatalf("manuscript = %s with %d reviews, want unchanged", m.Status, len(m.Reviews))
	}
}

func TestScenarioForcePublishPermissions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scoreEngine(80))
	h.submit(t, "m-1", "copied text")
	h.coord.Wait()

	if m := h.manuscript(t, "m-1"); m.Status != models.ManuscriptStatusPlagiarismFailed {
		t.Fatalf("manuscript status = %s, want plagiarism_failed", m.Status)
	}

	_, err := h.life.ForcePublish(context.Background(), author, "m-1", "please")
	if !errors.Is(err, apperror.ErrPermission) {
		t.Fatalf("author ForcePublish() error = %v, want permission", err)
	}
	if apperror.HTTPStatus(err) != 403 {
		t.Fatalf("author ForcePublish() status = %d, want 403", apperror.HTTPStatus(err))
	}
	if m := h.manuscript(t, "m-1"); m.Status != models.ManuscriptStatusPlagiarismFailed {
		t.Fatalf("denied force publish changed status to %s", m.Status)
	}

	m, err := h.life.ForcePublish(context.Background(), editor, "m-1", "false positive: quoted prior work")
	if err != nil {
		t.Fatalf("editor ForcePublish() error = %v", err)
	}
	if m.Status != models.ManuscriptStatusPublished {
		t.Fatalf("manuscript status = %s, want published", m.Status)
	}
	last := m.History[len(m.History)-1]
	if last.ActorID != editor.ID || last.Transition != string(capability.TransitionForcePublish) || last.Note == "" {
		t.Fatalf("last history record = %+v", last)
	}
	assertHistory(t, h.manuscript(t, "m-1"))
}

func TestCapabilityDenials(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scoreEngine(5))
	underReview(t, h, "m-1")
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"reviewer submits manuscript", func() error {
			_, err := h.life.Submit(ctx, reviewer, models.SubmitManuscriptRequest{Title: "x", Text: "y"})
			return err
		}},
		{"author reviews", func() error {
			_, err := h.life.RecordReview(ctx, author, "m-1", review(models.RecommendationAccept))
			return err
		}},
		{"reviewer force rejects", func() error {
			_, err := h.life.ForceReject(ctx, reviewer, "m-1", "no")
			return err
		}},
		{"reviewer resubmits", func() error {
			_, err := h.life.Resubmit(ctx, reviewer, "m-1", models.ResubmitRequest{Text: "y"})
			return err
		}},
		{"system advances", func() error {
			return h.life.OnVerdict(ctx, Outcome{ManuscriptID: "m-1"})
		}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			if tc.name == "system advances" {
				// The system role is allowed; a mismatched job id is simply ignored.
				if err != nil {
					t.Fatalf("OnVerdict() error = %v", err)
				}
				return
			}
			if !errors.Is(err, apperror.ErrPermission) {
				t.Fatalf("error = %v, want permission", err)
			}
		})
	}

	if m := h.manuscript(t, "m-1"); m.Status != models.ManuscriptStatusUnderReview {
		t.Fatalf("manuscript status = %s after denials", m.Status)
	}
}

func TestSubmitWhilePendingConflicts(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	h := newHarness(t, blockingEngine(release, 1))
	h.submit(t, "m-1", "text")

	_, err := h.life.Submit(context.Background(), author, models.SubmitManuscriptRequest{ID: "m-1", Title: "On Graphs", Text: "text again"})
	if !apperror.HasCode(err, apperror.CodeJobAlreadyActive) || apperror.HTTPStatus(err) != 409 {
		t.Fatalf("second Submit() error = %v, want 409 job_already_active", err)
	}

	other := Actor{ID: "author-2", Role: capability.RoleAuthor}
	_, err = h.life.Submit(context.Background(), other, models.SubmitManuscriptRequest{ID: "m-1", Text: "mine"})
	if !errors.Is(err, apperror.ErrPermission) {
		t.Fatalf("foreign Submit() error = %v, want permission", err)
	}

	close(release)
	h.coord.Wait()

	jobs, err := h.coord.ListJobs(context.Background(), "m-1")
	if err != nil || len(jobs) != 1 {
		t.Fatalf("ListJobs() = %d jobs, %v; want 1", len(jobs), err)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scoreEngine(0))
	ctx := context.Background()

	tests := []struct {
		name string
		req  models.SubmitManuscriptRequest
	}{
		{"empty text", models.SubmitManuscriptRequest{Title: "t"}},
		{"whitespace text", models.SubmitManuscriptRequest{Title: "t", Text: " \n\t "}},
		{"unsupported content type", models.SubmitManuscriptRequest{Title: "t", Text: "x", ContentType: "application/pdf"}},
		{"html without text", models.SubmitManuscriptRequest{Title: "t", Text: "<html><script>x()</script></html>", ContentType: "text/html"}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.life.Submit(ctx, author, tc.req)
			if !errors.Is(err, apperror.ErrValidation) {
				t.Fatalf("Submit() error = %v, want validation", err)
			}
		})
	}

	if submits, _ := h.engine.counts(); submits != 0 {
		t.Fatalf("engine submits = %d, want 0", submits)
	}
}

func TestSubmitHTMLStoresExtractedText(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scoreEngine(0))
	resp, err := h.life.Submit(context.Background(), author, models.SubmitManuscriptRequest{
		ID:          "m-1",
		Title:       "Markup",
		Text:        "<html><body><p>First paragraph.</p><p>Second.</p></body></html>",
		ContentType: "text/html",
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	h.coord.Wait()

	text, err := h.texts.Get(context.Background(), resp.Manuscript.TextKey)
	if err != nil {
		t.Fatalf("texts.Get() error = %v", err)
	}
	if text != "First paragraph.\n\nSecond." {
		t.Fatalf("stored text = %q", text)
	}
}

func TestReviewQuorumMajority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		quorum  int
		recs    []models.Recommendation
		want    models.ManuscriptStatus
		reviews int
	}{
		{
			name:   "single accept meets quorum one",
			quorum: 1,
			recs:   []models.Recommendation{models.RecommendationAccept},
			want:   models.ManuscriptStatusReviewedAccept,
		},
		{
			name:   "below quorum stays under review",
			quorum: 3,
			recs:   []models.Recommendation{models.RecommendationAccept, models.RecommendationAccept},
			want:   models.ManuscriptStatusUnderReview,
		},
		{
			name:   "tie stays under review",
			quorum: 2,
			recs:   []models.Recommendation{models.RecommendationAccept, models.RecommendationReject},
			want:   models.ManuscriptStatusUnderReview,
		},
		{
			name:   "tie broken by third review",
			quorum: 2,
			recs:   []models.Recommendation{models.RecommendationAccept, models.RecommendationReject, models.RecommendationAccept},
			want:   models.ManuscriptStatusReviewedAccept,
		},
		{
			name:   "reject majority",
			quorum: 2,
			recs:   []models.Recommendation{models.RecommendationReject, models.RecommendationReject},
			want:   models.ManuscriptStatusReviewedReject,
		},
		{
			name:   "revise majority stays under review",
			quorum: 3,
			recs:   []models.Recommendation{models.RecommendationRevise, models.RecommendationRevise, models.RecommendationAccept},
			want:   models.ManuscriptStatusUnderReview,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, scoreEngine(1), func(o *harnessOptions) { o.quorum = tc.quorum })
			underReview(t, h, "m-1")

			var m *models.Manuscript
			for i, rec := range tc.recs {
				var err error
				m, err = h.life.RecordReview(context.Background(), reviewerN(i+1), "m-1", review(rec))
				if err != nil {
					t.Fatalf("RecordReview(%d) error = %v", i+1, err)
				}
			}
			if m.Status != tc.want {
				t.Fatalf("status = %s, want %s", m.Status, tc.want)
			}
			if len(m.Reviews) != len(tc.recs) {
				t.Fatalf("reviews = %d, want %d", len(m.Reviews), len(tc.recs))
			}
			assertHistory(t, h.manuscript(t, "m-1"))
		})
	}
}

func TestDecisionClosesReviewing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scoreEngine(1))
	underReview(t, h, "m-1")
	ctx := context.Background()

	if _, err := h.life.RecordReview(ctx, reviewerN(1), "m-1", review(models.RecommendationAccept)); err != nil {
		t.Fatalf("RecordReview() error = %v", err)
	}
	_, err := h.life.RecordReview(ctx, reviewerN(2), "m-1", review(models.RecommendationReject))
	if !apperror.HasCode(err, apperror.CodeInvalidTransition) {
		t.Fatalf("late review error = %v, want invalid_transition", err)
	}
}

func TestDuplicateReviewRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scoreEngine(1), func(o *harnessOptions) { o.quorum = 3 })
	underReview(t, h, "m-1")
	ctx := context.Background()

	if _, err := h.life.RecordReview(ctx, reviewer, "m-1", review(models.RecommendationAccept)); err != nil {
		t.Fatalf("RecordReview() error = %v", err)
	}
	_, err := h.life.RecordReview(ctx, reviewer, "m-1", review(models.RecommendationReject))
	if !apperror.HasCode(err, apperror.CodeDuplicateReview) || apperror.HTTPStatus(err) != 409 {
		t.Fatalf("duplicate RecordReview() error = %v, want 409 duplicate_review", err)
	}
	if m := h.manuscript(t, "m-1"); len(m.Reviews) != 1 {
		t.Fatalf("reviews = %d, want 1", len(m.Reviews))
	}
}

func TestReviewOutsideUnderReview(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	h := newHarness(t, blockingEngine(release, 1))
	h.submit(t, "m-1", "text")

	_, err := h.life.RecordReview(context.Background(), reviewer, "m-1", review(models.RecommendationAccept))
	if !errors.Is(err, apperror.ErrValidation) {
		t.Fatalf("RecordReview() while pending = %v, want validation", err)
	}
	close(release)
	h.coord.Wait()

	_, err = h.life.RecordReview(context.Background(), reviewer, "missing", review(models.RecommendationAccept))
	if apperror.HTTPStatus(err) != 404 {
		t.Fatalf("RecordReview(missing) status = %d, want 404", apperror.HTTPStatus(err))
	}
}

func TestAutoFinalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rec  models.Recommendation
		want models.ManuscriptStatus
	}{
		{models.RecommendationAccept, models.ManuscriptStatusPublished},
		{models.RecommendationReject, models.ManuscriptStatusRejected},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(string(tc.rec), func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, scoreEngine(1), func(o *harnessOptions) { o.autoFinalize = true })
			underReview(t, h, "m-1")

			m, err := h.life.RecordReview(context.Background(), reviewer, "m-1", review(tc.rec))
			if err != nil {
				t.Fatalf("RecordReview() error = %v", err)
			}
			if m.Status != tc.want {
				t.Fatalf("status = %s, want %s", m.Status, tc.want)
			}
			last := m.History[len(m.History)-1]
			if last.ActorRole != string(capability.RoleSystem) || last.Transition != string(capability.TransitionFinalize) {
				t.Fatalf("last history record = %+v, want system finalize", last)
			}
			assertHistory(t, h.manuscript(t, "m-1"))
		})
	}
}

func TestResubmissionDiscardsReviews(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scoreEngine(1), func(o *harnessOptions) { o.quorum = 1 })
	underReview(t, h, "m-1")
	ctx := context.Background()

	if _, err := h.life.RecordReview(ctx, reviewer, "m-1", review(models.RecommendationReject)); err != nil {
		t.Fatalf("RecordReview() error = %v", err)
	}
	if _, err := h.life.ForceReject(ctx, editor, "m-1", "confirmed"); err != nil {
		t.Fatalf("ForceReject() error = %v", err)
	}

	first := h.manuscript(t, "m-1")
	resp, err := h.life.Resubmit(ctx, author, "m-1", models.ResubmitRequest{Text: "revised text"})
	if err != nil {
		t.Fatalf("Resubmit() error = %v", err)
	}
	if resp.Manuscript.Revision != 2 {
		t.Fatalf("revision = %d, want 2", resp.Manuscript.Revision)
	}
	if len(resp.Manuscript.Reviews) != 0 {
		t.Fatalf("reviews after resubmission = %d, want 0", len(resp.Manuscript.Reviews))
	}
	if *resp.Manuscript.PlagiarismJobID == *first.PlagiarismJobID {
		t.Fatal("resubmission reused the previous job")
	}
	h.coord.Wait()

	m := h.manuscript(t, "m-1")
	if m.Status != models.ManuscriptStatusUnderReview {
		t.Fatalf("status = %s, want under_review", m.Status)
	}
	text, err := h.texts.Get(ctx, m.TextKey)
	if err != nil || text != "revised text" {
		t.Fatalf("stored text = %q, %v", text, err)
	}
	if old, err := h.texts.Get(ctx, first.TextKey); err != nil || old != "text" {
		t.Fatalf("previous revision text = %q, %v", old, err)
	}
	assertHistory(t, m)
}

func TestResubmitRules(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scoreEngine(90))
	h.submit(t, "m-1", "original")
	h.coord.Wait()
	ctx := context.Background()

	_, err := h.life.Resubmit(ctx, author, "m-1", models.ResubmitRequest{})
	if !apperror.HasCode(err, apperror.CodeMissingFields) {
		t.Fatalf("author Resubmit() without text = %v, want missing_fields", err)
	}

	stranger := Actor{ID: "author-2", Role: capability.RoleAuthor}
	_, err = h.life.Resubmit(ctx, stranger, "m-1", models.ResubmitRequest{Text: "mine"})
	if !errors.Is(err, apperror.ErrPermission) {
		t.Fatalf("stranger Resubmit() = %v, want permission", err)
	}

	resp, err := h.life.Resubmit(ctx, admin, "m-1", models.ResubmitRequest{})
	if err != nil {
		t.Fatalf("admin Resubmit() error = %v", err)
	}
	if resp.Manuscript.TextKey != textKey("m-1", 1) {
		t.Fatalf("text key = %s, want stored revision reused", resp.Manuscript.TextKey)
	}
	h.coord.Wait()

	// Under review is not a resubmittable state.
	h2 := newHarness(t, scoreEngine(1))
	underReview(t, h2, "m-2")
	_, err = h2.life.Resubmit(ctx, author, "m-2", models.ResubmitRequest{Text: "new"})
	if !apperror.HasCode(err, apperror.CodeInvalidTransition) {
		t.Fatalf("Resubmit() under review = %v, want invalid_transition", err)
	}
}

func TestSubmitExistingFailedManuscriptResubmits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scoreEngine(50))
	h.submit(t, "m-1", "draft")
	h.coord.Wait()

	resp := h.submit(t, "m-1", "second draft")
	if resp.Manuscript.Revision != 2 {
		t.Fatalf("revision = %d, want 2", resp.Manuscript.Revision)
	}
	h.coord.Wait()
	assertHistory(t, h.manuscript(t, "m-1"))
}

func TestForceRejectSupersedesPendingJob(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	h := newHarness(t, blockingEngine(release, 1))
	resp := h.submit(t, "m-1", "text")

	m, err := h.life.ForceReject(context.Background(), editor, "m-1", "withdrawn by journal")
	if err != nil {
		t.Fatalf("ForceReject() error = %v", err)
	}
	if m.Status != models.ManuscriptStatusRejected {
		t.Fatalf("status = %s, want rejected", m.Status)
	}

	close(release)
	h.coord.Wait()

	job := h.job(t, resp.Job.ID)
	if !job.Superseded || job.Status.IsActive() {
		t.Fatalf("job = %s superseded=%v, want terminal and superseded", job.Status, job.Superseded)
	}

	m = h.manuscript(t, "m-1")
	if m.Status != models.ManuscriptStatusRejected {
		t.Fatalf("late verdict moved manuscript to %s", m.Status)
	}
	assertHistory(t, m)
}

func TestForceFromSubmittedOrSameStateRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scoreEngine(1))
	underReview(t, h, "m-1")
	ctx := context.Background()

	if _, err := h.life.ForcePublish(ctx, admin, "m-1", "ok"); err != nil {
		t.Fatalf("ForcePublish() error = %v", err)
	}
	_, err := h.life.ForcePublish(ctx, admin, "m-1", "again")
	if !apperror.HasCode(err, apperror.CodeInvalidTransition) {
		t.Fatalf("second ForcePublish() = %v, want invalid_transition", err)
	}

	_, err = h.life.ForceReject(ctx, editor, "missing", "x")
	if apperror.HTTPStatus(err) != 404 {
		t.Fatalf("ForceReject(missing) status = %d, want 404", apperror.HTTPStatus(err))
	}
}

func TestStaleVerdictIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scoreEngine(1))
	m := underReview(t, h, "m-1")
	before := len(m.History)

	err := h.life.OnVerdict(context.Background(), Outcome{
		JobID:        *m.PlagiarismJobID,
		ManuscriptID: "m-1",
		Status:       models.JobStatusFailed,
		Verdict:      models.VerdictNone,
	})
	if err != nil {
		t.Fatalf("OnVerdict() error = %v", err)
	}

	m = h.manuscript(t, "m-1")
	if m.Status != models.ManuscriptStatusUnderReview || len(m.History) != before {
		t.Fatalf("stale outcome changed manuscript: %s, %d records", m.Status, len(m.History))
	}
}

func TestListValidatesStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scoreEngine(1))
	underReview(t, h, "m-1")
	h.submit(t, "m-2", "text")
	h.coord.Wait()

	_, _, err := h.life.List(context.Background(), models.ManuscriptFilter{Status: "archived"})
	if !errors.Is(err, apperror.ErrValidation) {
		t.Fatalf("List(archived) = %v, want validation", err)
	}

	items, total, err := h.life.List(context.Background(), models.ManuscriptFilter{
		Status: models.ManuscriptStatusUnderReview,
		Limit:  10,
	})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("List() = %d items of %d, want 2", len(items), total)
	}
}
