package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"postline/internal/domain"
)

// InsertNotification stores n. A non-empty dedupeKey that was already used
// makes the insert a no-op and reports false.
func (r Repo) InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification, dedupeKey string) (bool, error) {
	if n.ID == "" {
		return false, errors.New("id required")
	}
	if n.RecipientID == "" {
		return false, errors.New("recipient_id required")
	}
	if n.CreatedAt == "" {
		n.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO notifications(id,recipient_id,type,title,message,post_id,dedupe_key,read,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		n.ID, n.RecipientID, n.Type, n.Title, n.Message, nullable(n.PostID), nullable(dedupeKey), n.Read, n.CreatedAt)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

type NotificationFilters struct {
	RecipientID string
	UnreadOnly  bool
	Type        string
	// Since and Until bound created_at as RFC3339 strings, inclusive and
	// exclusive respectively.
	Since string
	Until string
	Limit int
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	clauses := []string{"recipient_id=?"}
	args := []any{f.RecipientID}
	if f.UnreadOnly {
		clauses = append(clauses, "read=0")
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Since != "" {
		clauses = append(clauses, "created_at>=?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "created_at<?")
		args = append(args, f.Until)
	}
	query := `SELECT id,recipient_id,type,title,message,COALESCE(post_id,''),read,created_at FROM notifications WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Type, &n.Title, &n.Message, &n.PostID, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// MarkNotificationRead flags one of the recipient's notifications as read.
func (r Repo) MarkNotificationRead(ctx context.Context, recipientID, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET read=1 WHERE id=? AND recipient_id=?`, id, recipientID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkAllNotificationsRead(ctx context.Context, recipientID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET read=1 WHERE recipient_id=? AND read=0`, recipientID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
