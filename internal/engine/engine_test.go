package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postline/internal/config"
	"postline/internal/db"
	"postline/internal/domain"
	"postline/internal/engine"
	"postline/internal/engine/auth"
	"postline/internal/migrate"
	"postline/internal/repo"
	"postline/internal/workflow"
)

type recordingNotifier struct {
	mu   sync.Mutex
	evts []workflow.Event
}

func (n *recordingNotifier) Dispatch(_ context.Context, evts []workflow.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evts = append(n.evts, evts...)
	return nil
}

func (n *recordingNotifier) types() []workflow.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []workflow.EventType
	for _, e := range n.evts {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Notifier *recordingNotifier
	clock    *time.Time
}

func (env testEnv) advance(d time.Duration) { *env.clock = env.clock.Add(d) }

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test")
	eng := engine.New(conn, cfg)
	clock := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	n := &recordingNotifier{}
	eng.Notifier = n
	ctx := context.Background()
	if err := eng.Repo.UpsertConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	users := []engine.UserCreateOptions{
		{ID: "admin", Name: "Admin", Email: "admin@example.com", Role: domain.UserAdmin},
		{ID: "ed", Name: "Editor", Email: "ed@example.com", Role: domain.UserEditor, ActorID: "admin"},
		{ID: "ceo", Name: "Ceo", Email: "ceo@example.com", Role: domain.UserApprover, ApproverRole: domain.RoleCEO, ActorID: "admin"},
		{ID: "coo", Name: "Coo", Email: "coo@example.com", Role: domain.UserApprover, ApproverRole: domain.RoleCOO, ActorID: "admin"},
		{ID: "cmo", Name: "Cmo", Email: "cmo@example.com", Role: domain.UserApprover, ApproverRole: domain.RoleCMO, ActorID: "admin"},
	}
	for _, u := range users {
		if _, err := eng.CreateUser(ctx, u); err != nil {
			t.Fatalf("create user %s: %v", u.ID, err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx, Notifier: n, clock: &clock}
}

func (env testEnv) submittedPost(t *testing.T) domain.Post {
	t.Helper()
	p, err := env.Engine.CreatePost(env.Ctx, "ed", workflow.PostInput{Title: "Launch"})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	res, err := env.Engine.Submit(env.Ctx, "ed", p.ID, env.clock.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return res.Post
}

func countEvents(t *testing.T, env testEnv, postID, evtType string) int {
	t.Helper()
	var n int
	err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE entity_id=? AND type=?`, postID, evtType).Scan(&n)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func TestPostApprovalLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p := env.submittedPost(t)
	if p.Status != domain.StatusInApproval || p.Revision != 2 {
		t.Fatalf("unexpected submitted post: status=%s revision=%d", p.Status, p.Revision)
	}
	for _, approver := range []string{"ceo", "coo", "cmo"} {
		res, err := env.Engine.Decide(env.Ctx, approver, p.ID, domain.DecisionApproved, "")
		if err != nil {
			t.Fatalf("decide %s: %v", approver, err)
		}
		p = res.Post
	}
	if p.Status != domain.StatusApproved || p.ApprovalDate == nil {
		t.Fatalf("expected approved post, got %s", p.Status)
	}
	res, err := env.Engine.Publish(env.Ctx, "ed", p.ID)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	stored, err := env.Engine.GetPost(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.StatusPublished || stored.Revision != res.Post.Revision {
		t.Fatalf("stored post out of date: %s rev %d", stored.Status, stored.Revision)
	}
	if got := countEvents(t, env, p.ID, workflow.AuditPostApproved); got != 1 {
		t.Fatalf("expected one post.approved outbox row, got %d", got)
	}
	if got := countEvents(t, env, p.ID, workflow.AuditPostCreated); got != 1 {
		t.Fatalf("expected one post.created outbox row, got %d", got)
	}
	if len(stored.AuditLog) != 7 {
		t.Fatalf("expected 7 audit entries, got %d", len(stored.AuditLog))
	}
}

func TestRejectionAndResubmission(t *testing.T) {
	env := newTestEnv(t)
	p := env.submittedPost(t)
	res, err := env.Engine.Decide(env.Ctx, "coo", p.ID, domain.DecisionRejected, "tone")
	if err != nil {
		t.Fatal(err)
	}
	if res.Post.Status != domain.StatusNeedsAdjustment {
		t.Fatalf("expected needs_adjustment, got %s", res.Post.Status)
	}
	if _, err := env.Engine.Decide(env.Ctx, "ceo", p.ID, domain.DecisionApproved, ""); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	res, err = env.Engine.Submit(env.Ctx, "ed", p.ID, env.clock.Add(time.Hour))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if len(res.Post.ResubmittedHistory) != 1 {
		t.Fatalf("expected resubmission history")
	}
	for _, a := range res.Post.Approvals {
		if a.Decision != domain.DecisionPending || a.ApproverID != nil {
			t.Fatalf("approvals not reset: %+v", a)
		}
	}
}

func TestEditResetsInFlightApproval(t *testing.T) {
	env := newTestEnv(t)
	p := env.submittedPost(t)
	if _, err := env.Engine.Decide(env.Ctx, "ceo", p.ID, domain.DecisionApproved, ""); err != nil {
		t.Fatal(err)
	}
	text := "new copy"
	res, err := env.Engine.UpdateCard(env.Ctx, "ed", p.ID, p.Cards[0].ID, workflow.CardUpdate{MainText: &text})
	if err != nil {
		t.Fatalf("update card: %v", err)
	}
	if res.Card.MainText != text {
		t.Fatalf("card not updated")
	}
	if res.Post.Approvals[0].Decision != domain.DecisionPending {
		t.Fatalf("expected reset approvals")
	}
	if got := countEvents(t, env, p.ID, workflow.AuditApprovalReset); got != 1 {
		t.Fatalf("expected one approval.reset row, got %d", got)
	}
	types := env.Notifier.types()
	if types[len(types)-1] != workflow.EventReset {
		t.Fatalf("expected reset event last, got %v", types)
	}
}

func TestNoopEditKeepsRevision(t *testing.T) {
	env := newTestEnv(t)
	p := env.submittedPost(t)
	same := p.Title
	res, err := env.Engine.EditPost(env.Ctx, "ed", p.ID, workflow.PostUpdate{Title: &same})
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed || res.Post.Revision != p.Revision {
		t.Fatalf("no-op edit wrote a revision")
	}
}

func TestSweepDeadlinesAppliesOverride(t *testing.T) {
	env := newTestEnv(t)
	p := env.submittedPost(t)
	if _, err := env.Engine.Decide(env.Ctx, "cmo", p.ID, domain.DecisionApproved, ""); err != nil {
		t.Fatal(err)
	}
	ids, err := env.Engine.SweepDeadlines(env.Ctx)
	if err != nil || len(ids) != 0 {
		t.Fatalf("sweep before deadline: %v %v", ids, err)
	}
	env.advance(25 * time.Hour)
	ids, err = env.Engine.SweepDeadlines(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(ids) != 1 || ids[0] != p.ID {
		t.Fatalf("expected %s approved by sweep, got %v", p.ID, ids)
	}
	stored, _ := env.Engine.GetPost(env.Ctx, p.ID)
	if stored.Status != domain.StatusApproved {
		t.Fatalf("expected approved, got %s", stored.Status)
	}
	if got := countEvents(t, env, p.ID, workflow.AuditPostOverride); got != 1 {
		t.Fatalf("expected override outbox row, got %d", got)
	}
}

func TestConcurrentDecisionsAreSerialized(t *testing.T) {
	env := newTestEnv(t)
	p := env.submittedPost(t)
	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for _, approver := range []string{"ceo", "coo", "cmo"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := env.Engine.Decide(env.Ctx, id, p.ID, domain.DecisionApproved, "")
			errs <- err
		}(approver)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("decide: %v", err)
		}
	}
	stored, _ := env.Engine.GetPost(env.Ctx, p.ID)
	if stored.Status != domain.StatusApproved {
		t.Fatalf("expected approved after three concurrent sign-offs, got %s", stored.Status)
	}
}

func TestStaleRevisionConflicts(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreatePost(env.Ctx, "ed", workflow.PostInput{Title: "Stale"})
	if err != nil {
		t.Fatal(err)
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if _, err := env.Engine.Repo.SavePost(env.Ctx, tx, p); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if _, err := env.Engine.Repo.SavePost(env.Ctx, tx, p); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCreateUserRules(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{Name: "X", Email: "x@example.com", Role: domain.UserEditor, ActorID: "ed"})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	_, err = env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{Name: "X", Email: "x@example.com", Role: domain.UserApprover, ActorID: "admin"})
	if !errors.Is(err, workflow.ErrInvalidArgument) {
		t.Fatalf("approver without role should fail, got %v", err)
	}
	if _, err := env.Engine.CreatePost(env.Ctx, "ceo", workflow.PostInput{Title: "nope"}); !errors.Is(err, workflow.ErrForbidden) {
		t.Fatalf("approver authored a post: %v", err)
	}
	if _, err := env.Engine.CreatePost(env.Ctx, "ed", workflow.PostInput{Title: "t", TagIDs: []string{"missing"}}); !errors.Is(err, workflow.ErrInvalidArgument) {
		t.Fatalf("unknown tag accepted: %v", err)
	}
}

func TestApprovalTasks(t *testing.T) {
	env := newTestEnv(t)
	p := env.submittedPost(t)
	tasks, err := env.Engine.ApprovalTasks(env.Ctx, "ceo")
	if err != nil || len(tasks) != 1 || tasks[0].ID != p.ID {
		t.Fatalf("expected one task, got %v %v", tasks, err)
	}
	if _, err := env.Engine.Decide(env.Ctx, "ceo", p.ID, domain.DecisionApproved, ""); err != nil {
		t.Fatal(err)
	}
	tasks, _ = env.Engine.ApprovalTasks(env.Ctx, "ceo")
	if len(tasks) != 0 {
		t.Fatalf("decided post still listed")
	}
	if _, err := env.Engine.ApprovalTasks(env.Ctx, "ed"); !errors.Is(err, workflow.ErrNotAnApprover) {
		t.Fatalf("expected not an approver, got %v", err)
	}
}
