package notify_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postline/internal/db"
	"postline/internal/domain"
	"postline/internal/migrate"
	"postline/internal/notify"
	"postline/internal/repo"
	"postline/internal/workflow"
)

var day = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*notify.Dispatcher, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	r := repo.Repo{DB: conn}
	d := notify.New(r, zerolog.Nop())
	seq := 0
	d.NewID = func() string { seq++; return fmt.Sprintf("n%d", seq) }
	d.Now = func() time.Time { return day }
	return d, r
}

func addUser(t *testing.T, r repo.Repo, id string, role domain.UserRole, approver domain.ApproverRole, prefs domain.NotificationPreferences) {
	t.Helper()
	u := domain.User{ID: id, Name: id, Email: id + "@example.com", Role: role, Preferences: prefs}
	if approver != "" {
		u.ApproverRole = &approver
	}
	require.NoError(t, r.InsertUser(context.Background(), nil, u))
}

func inbox(t *testing.T, r repo.Repo, userID string) []domain.Notification {
	t.Helper()
	list, err := r.ListNotifications(context.Background(), repo.NotificationFilters{RecipientID: userID})
	require.NoError(t, err)
	return list
}

func TestDispatchFansOutRoleAddresses(t *testing.T) {
	d, r := setup(t)
	prefs := domain.DefaultPreferences()
	addUser(t, r, "ed", domain.UserEditor, "", prefs)
	addUser(t, r, "ceo1", domain.UserApprover, domain.RoleCEO, prefs)
	addUser(t, r, "ceo2", domain.UserApprover, domain.RoleCEO, prefs)
	addUser(t, r, "cmo", domain.UserApprover, domain.RoleCMO, prefs)

	err := d.Dispatch(context.Background(), []workflow.Event{{
		Type:      workflow.EventSubmitted,
		PostID:    "p1",
		PostTitle: "Launch",
		ActorID:   "ed",
		Recipient: workflow.Recipient{Role: domain.RoleCEO},
		Message:   "submitted",
	}})
	require.NoError(t, err)

	assert.Len(t, inbox(t, r, "ceo1"), 1)
	assert.Len(t, inbox(t, r, "ceo2"), 1)
	assert.Empty(t, inbox(t, r, "cmo"))
	n := inbox(t, r, "ceo1")[0]
	assert.Equal(t, "p1", n.PostID)
	assert.Contains(t, n.Title, "Launch")
	assert.False(t, n.Read)
}

func TestDispatchSkipsActorAndOptOuts(t *testing.T) {
	d, r := setup(t)
	addUser(t, r, "ed", domain.UserEditor, "", domain.DefaultPreferences())
	addUser(t, r, "quiet", domain.UserEditor, "", domain.NotificationPreferences{InAppNewSubmissions: true})

	evts := []workflow.Event{
		{Type: workflow.EventApproved, PostID: "p1", ActorID: "ed", Recipient: workflow.Recipient{UserID: "ed"}},
		{Type: workflow.EventApproved, PostID: "p1", ActorID: "ceo", Recipient: workflow.Recipient{UserID: "quiet"}},
		{Type: workflow.EventReset, PostID: "p1", ActorID: "ceo", Recipient: workflow.Recipient{UserID: "quiet"}},
		{Type: workflow.EventPublished, PostID: "p1", ActorID: "ceo", Recipient: workflow.Recipient{UserID: "ghost"}},
	}
	require.NoError(t, d.Dispatch(context.Background(), evts))

	assert.Empty(t, inbox(t, r, "ed"))
	got := inbox(t, r, "quiet")
	require.Len(t, got, 1)
	assert.Equal(t, string(workflow.EventReset), got[0].Type)
}

func TestRemindersOncePerDeadline(t *testing.T) {
	d, r := setup(t)
	ctx := context.Background()
	prefs := domain.DefaultPreferences()
	addUser(t, r, "ed", domain.UserEditor, "", prefs)
	addUser(t, r, "ceo", domain.UserApprover, domain.RoleCEO, prefs)
	addUser(t, r, "coo", domain.UserApprover, domain.RoleCOO, prefs)
	addUser(t, r, "cmo", domain.UserApprover, domain.RoleCMO, prefs)

	soon := day.Add(6 * time.Hour)
	later := day.Add(72 * time.Hour)
	decided := day.Add(-time.Hour)
	cmo := "cmo"
	approvals := workflow.NewApprovals()
	for i := range approvals {
		if approvals[i].Role == domain.RoleCMO {
			approvals[i].Decision = domain.DecisionApproved
			approvals[i].DecidedAt = &decided
			approvals[i].ApproverID = &cmo
		}
	}
	for _, p := range []domain.Post{
		{ID: "due", Title: "Due", AuthorID: "ed", Status: domain.StatusInApproval, ApprovalDeadline: &soon, Approvals: approvals},
		{ID: "far", Title: "Far", AuthorID: "ed", Status: domain.StatusInApproval, ApprovalDeadline: &later, Approvals: workflow.NewApprovals()},
	} {
		p.CreatedAt, p.UpdatedAt = day, day
		_, err := r.InsertPost(ctx, nil, p)
		require.NoError(t, err)
	}

	sent, err := d.Reminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Len(t, inbox(t, r, "ceo"), 1)
	assert.Len(t, inbox(t, r, "coo"), 1)
	assert.Empty(t, inbox(t, r, "cmo"))

	sent, err = d.Reminders(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestDigestGroupsByType(t *testing.T) {
	d, r := setup(t)
	ctx := context.Background()
	addUser(t, r, "ed", domain.UserEditor, "", domain.NotificationPreferences{InAppApprovalDecisions: true, DailyDigest: true})
	addUser(t, r, "nodigest", domain.UserEditor, "", domain.DefaultPreferences())

	for i := 0; i < 5; i++ {
		_, err := r.InsertNotification(ctx, nil, domain.Notification{
			ID: fmt.Sprintf("a%d", i), RecipientID: "ed", Type: "approved", Title: fmt.Sprintf("Post %d", i),
			CreatedAt: day.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
		}, "")
		require.NoError(t, err)
	}
	_, err := r.InsertNotification(ctx, nil, domain.Notification{
		ID: "old", RecipientID: "ed", Type: "rejected", Title: "Yesterday",
		CreatedAt: day.AddDate(0, 0, -1).Format(time.RFC3339),
	}, "")
	require.NoError(t, err)

	sent, err := d.DigestAll(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	digests, err := r.ListNotifications(ctx, repo.NotificationFilters{RecipientID: "ed", Type: notify.TypeDigest})
	require.NoError(t, err)
	require.Len(t, digests, 1)
	msg := digests[0].Message
	assert.True(t, strings.HasPrefix(msg, "Daily activity summary for 2024-03-04:"))
	assert.Contains(t, msg, "APPROVED: 5")
	assert.Contains(t, msg, "... and 2 more")
	assert.NotContains(t, msg, "Yesterday")

	sent, err = d.DigestAll(ctx, day)
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestAllowed(t *testing.T) {
	quiet := domain.NotificationPreferences{}
	assert.False(t, notify.Allowed(quiet, string(workflow.EventSubmitted)))
	assert.False(t, notify.Allowed(quiet, string(workflow.EventApproved)))
	assert.False(t, notify.Allowed(quiet, notify.TypeDigest))
	assert.True(t, notify.Allowed(domain.DefaultPreferences(), notify.TypeReminder))
}
