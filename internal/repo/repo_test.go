package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postline/internal/db"
	"postline/internal/domain"
	"postline/internal/migrate"
	"postline/internal/repo"
)

var base = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	require.NoError(t, r.InsertUser(context.Background(), nil, domain.User{
		ID: "ed", Name: "Ed", Email: "ed@example.com", Role: domain.UserEditor, Preferences: domain.DefaultPreferences(),
	}))
	return r
}

func newPost(id, title string, status domain.PostStatus, offset time.Duration) domain.Post {
	p := domain.Post{
		ID:        id,
		Title:     title,
		AuthorID:  "ed",
		Status:    status,
		CreatedAt: base.Add(offset),
		UpdatedAt: base.Add(offset),
		Cards:     []domain.Card{{ID: id + "-c1", PostID: id, Order: 1}},
	}
	for _, role := range domain.ApproverRoles {
		p.Approvals = append(p.Approvals, domain.Approval{Role: role, Decision: domain.DecisionPending})
	}
	return p
}

func TestSavePostChecksRevision(t *testing.T) {
	ctx := context.Background()
	r := setup(t)

	inserted, err := r.InsertPost(ctx, nil, newPost("p1", "Launch", domain.StatusDraft, 0))
	require.NoError(t, err)
	assert.EqualValues(t, 1, inserted.Revision)

	loaded, err := r.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Launch", loaded.Title)
	require.Len(t, loaded.Cards, 1)

	stale := loaded
	loaded.Title = "Launch day"
	saved, err := r.SavePost(ctx, nil, loaded)
	require.NoError(t, err)
	assert.EqualValues(t, 2, saved.Revision)

	_, err = r.SavePost(ctx, nil, stale)
	require.ErrorIs(t, err, repo.ErrConflict)

	_, err = r.SavePost(ctx, nil, newPost("missing", "x", domain.StatusDraft, 0))
	require.ErrorIs(t, err, repo.ErrNotFound)
	_, err = r.GetPost(ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestListPostsFilters(t *testing.T) {
	ctx := context.Background()
	r := setup(t)

	monday := base.Add(24 * time.Hour)
	friday := base.Add(4 * 24 * time.Hour)
	a := newPost("a", "Spring launch", domain.StatusDraft, time.Minute)
	a.TagIDs = []string{"launch"}
	a.PublishDate = &monday
	b := newPost("b", "Quarterly results", domain.StatusInApproval, 2*time.Minute)
	b.Briefing = "Revenue NUMBERS for the board"
	c := newPost("c", "Launch recap", domain.StatusPublished, 3*time.Minute)
	c.TagIDs = []string{"launch", "recap"}
	c.PublishDate = &friday
	for _, p := range []domain.Post{a, b, c} {
		_, err := r.InsertPost(ctx, nil, p)
		require.NoError(t, err)
	}

	ids := func(posts []domain.Post) []string {
		var out []string
		for _, p := range posts {
			out = append(out, p.ID)
		}
		return out
	}

	all, err := r.ListPosts(ctx, repo.PostFilters{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, ids(all))

	tagged, err := r.ListPosts(ctx, repo.PostFilters{TagID: "launch"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(tagged))

	search, err := r.ListPosts(ctx, repo.PostFilters{Search: "launch", Status: string(domain.StatusDraft)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(search))

	briefing, err := r.ListPosts(ctx, repo.PostFilters{Search: "numbers"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(briefing), "search also covers the briefing")

	from := monday.Add(time.Nanosecond)
	dated, err := r.ListPosts(ctx, repo.PostFilters{PublishFrom: &from})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(dated))
	dated, err = r.ListPosts(ctx, repo.PostFilters{PublishFrom: &monday, PublishTo: &friday})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(dated), "bounds are inclusive and undated posts never match")

	limited, err := r.ListPosts(ctx, repo.PostFilters{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	second, err := r.ListPosts(ctx, repo.PostFilters{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(second))
	skipped, err := r.ListPosts(ctx, repo.PostFilters{Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(skipped))

	total, err := r.CountPosts(ctx, repo.PostFilters{TagID: "launch", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total, "count ignores paging")

	counts, err := r.CountPostsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"draft": 1, "in_approval": 1, "published": 1}, counts)
}

func TestApprovalTasksAndDeadlines(t *testing.T) {
	ctx := context.Background()
	r := setup(t)

	soon := base.Add(2 * time.Hour)
	later := base.Add(72 * time.Hour)

	p1 := newPost("p1", "Soon", domain.StatusInApproval, 0)
	p1.ApprovalDeadline = &soon
	p2 := newPost("p2", "Later", domain.StatusInApproval, 0)
	p2.ApprovalDeadline = &later
	p2.Approvals[0].Decision = domain.DecisionApproved
	p3 := newPost("p3", "Draft", domain.StatusDraft, 0)
	for _, p := range []domain.Post{p1, p2, p3} {
		_, err := r.InsertPost(ctx, nil, p)
		require.NoError(t, err)
	}

	ceo, err := r.ApprovalTasks(ctx, domain.RoleCEO)
	require.NoError(t, err)
	require.Len(t, ceo, 1)
	assert.Equal(t, "p1", ceo[0].ID)

	cmo, err := r.ApprovalTasks(ctx, domain.RoleCMO)
	require.NoError(t, err)
	require.Len(t, cmo, 2)
	assert.Equal(t, "p1", cmo[0].ID, "oldest deadline first")

	due, err := r.PostsDueBy(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "p1", due[0].ID)
}

func TestPostsDueBySubSecond(t *testing.T) {
	ctx := context.Background()
	r := setup(t)

	deadline := base.Add(500 * time.Millisecond)
	p := newPost("p1", "Soon", domain.StatusInApproval, 0)
	p.ApprovalDeadline = &deadline
	_, err := r.InsertPost(ctx, nil, p)
	require.NoError(t, err)

	due, err := r.PostsDueBy(ctx, base)
	require.NoError(t, err)
	assert.Empty(t, due, "deadline half a second away is not due yet")

	due, err = r.PostsDueBy(ctx, base.Add(499*time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = r.PostsDueBy(ctx, deadline)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.True(t, deadline.Equal(*due[0].ApprovalDeadline), "snapshot keeps the exact deadline")
}

func TestNotificationsDedupeAndReadState(t *testing.T) {
	ctx := context.Background()
	r := setup(t)

	n := domain.Notification{ID: "n1", RecipientID: "ed", Type: "post_approved", Title: "Approved", CreatedAt: base.Format(time.RFC3339)}
	ok, err := r.InsertNotification(ctx, nil, n, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	n.ID = "n2"
	ok, err = r.InsertNotification(ctx, nil, n, "k1")
	require.NoError(t, err)
	assert.False(t, ok, "same dedupe key is ignored")

	n.ID = "n3"
	ok, err = r.InsertNotification(ctx, nil, n, "")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.MarkNotificationRead(ctx, "ed", "n1"))
	unread, err := r.ListNotifications(ctx, repo.NotificationFilters{RecipientID: "ed", UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "n3", unread[0].ID)

	updated, err := r.MarkAllNotificationsRead(ctx, "ed")
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated)
}

func TestAPIKeyLookupAndLastUse(t *testing.T) {
	ctx := context.Background()
	r := setup(t)

	require.NoError(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", UserID: "ed", Name: "ci", KeyHash: repo.HashAPIKey("pl_secret")}))

	key, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" pl_secret "))
	require.NoError(t, err)
	assert.Equal(t, "ed", key.UserID)
	assert.Equal(t, "ci", key.Name)

	_, err = r.GetAPIKeyByHash(ctx, repo.HashAPIKey("other"))
	require.ErrorIs(t, err, repo.ErrNotFound)
	assert.Empty(t, key.LastUsedAt, "unused key")

	require.NoError(t, r.TouchAPIKey(ctx, "k1", base))
	listed, err := r.ListAPIKeys(ctx, "ed")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "2024-03-04T09:00:00Z", listed[0].LastUsedAt)
	require.ErrorIs(t, r.TouchAPIKey(ctx, "missing", base), repo.ErrNotFound)

	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	keys, err := r.ListAPIKeys(ctx, "ed")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
