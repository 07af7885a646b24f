package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"postline/internal/domain"
	"postline/internal/repo"
)

const digestPreview = 3

// Digest stores a summary of userID's notifications for the UTC day
// containing day. It reports false when there was nothing to summarize or
// the digest for that day already exists.
func (d *Dispatcher) Digest(ctx context.Context, u domain.User, day time.Time) (bool, error) {
	if !Allowed(u.Preferences, TypeDigest) {
		return false, nil
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	items, err := d.Repo.ListNotifications(ctx, repo.NotificationFilters{
		RecipientID: u.ID,
		Since:       start.Format(time.RFC3339),
		Until:       start.AddDate(0, 0, 1).Format(time.RFC3339),
	})
	if err != nil {
		return false, err
	}
	body := summarize(start, items)
	if body == "" {
		return false, nil
	}
	n := domain.Notification{
		ID:          d.newID(),
		RecipientID: u.ID,
		Type:        TypeDigest,
		Title:       fmt.Sprintf("%s: %s", titles[TypeDigest], start.Format(time.DateOnly)),
		Message:     body,
		CreatedAt:   d.now().Format(time.RFC3339),
	}
	return d.Repo.InsertNotification(ctx, nil, n, fmt.Sprintf("digest:%s:%s", u.ID, start.Format(time.DateOnly)))
}

// DigestAll runs Digest for every user and returns how many were stored.
func (d *Dispatcher) DigestAll(ctx context.Context, day time.Time) (int, error) {
	users, err := d.Repo.ListUsers(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, u := range users {
		ok, err := d.Digest(ctx, u, day)
		if err != nil {
			return sent, fmt.Errorf("digest %s: %w", u.ID, err)
		}
		if ok {
			sent++
		}
	}
	d.Logger.Info().Int("sent", sent).Str("day", day.UTC().Format(time.DateOnly)).Msg("daily digest")
	return sent, nil
}

// summarize groups items by type, listing a few titles per group.
func summarize(day time.Time, items []domain.Notification) string {
	groups := map[string][]string{}
	for _, n := range items {
		if n.Type == TypeDigest {
			continue
		}
		groups[n.Type] = append(groups[n.Type], n.Title)
	}
	if len(groups) == 0 {
		return ""
	}
	types := make([]string, 0, len(groups))
	for t := range groups {
		types = append(types, t)
	}
	sort.Strings(types)

	var b strings.Builder
	fmt.Fprintf(&b, "Daily activity summary for %s:\n", day.Format(time.DateOnly))
	for _, t := range types {
		list := groups[t]
		fmt.Fprintf(&b, "\n%s: %d\n", strings.ToUpper(t), len(list))
		for i, title := range list {
			if i == digestPreview {
				fmt.Fprintf(&b, "  • ... and %d more\n", len(list)-digestPreview)
				break
			}
			fmt.Fprintf(&b, "  • %s\n", title)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
