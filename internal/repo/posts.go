package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"postline/internal/domain"
)

// InsertPost stores a new post at revision 1.
func (r Repo) InsertPost(ctx context.Context, tx *sql.Tx, p domain.Post) (domain.Post, error) {
	if p.ID == "" {
		return domain.Post{}, errors.New("id required")
	}
	p.Revision = 1
	snapshot, err := json.Marshal(p)
	if err != nil {
		return domain.Post{}, fmt.Errorf("marshal post: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO posts(id,title,status,author_id,release_id,approval_deadline,publish_date,revision,snapshot_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Title, string(p.Status), p.AuthorID, nullableStringPtr(p.ReleaseID), nullableTime(p.ApprovalDeadline), nullableTime(p.PublishDate),
		p.Revision, string(snapshot), stamp(p.CreatedAt), stamp(p.UpdatedAt))
	if err != nil {
		return domain.Post{}, err
	}
	if err := r.replacePostTags(ctx, tx, p.ID, p.TagIDs); err != nil {
		return domain.Post{}, err
	}
	return p, nil
}

// SavePost writes p if the stored revision still equals p.Revision and
// returns the post at its new revision.
func (r Repo) SavePost(ctx context.Context, tx *sql.Tx, p domain.Post) (domain.Post, error) {
	expected := p.Revision
	p.Revision = expected + 1
	snapshot, err := json.Marshal(p)
	if err != nil {
		return domain.Post{}, fmt.Errorf("marshal post: %w", err)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE posts SET title=?,status=?,release_id=?,approval_deadline=?,publish_date=?,revision=?,snapshot_json=?,updated_at=?
WHERE id=? AND revision=?`,
		p.Title, string(p.Status), nullableStringPtr(p.ReleaseID), nullableTime(p.ApprovalDeadline), nullableTime(p.PublishDate),
		p.Revision, string(snapshot), stamp(p.UpdatedAt), p.ID, expected)
	if err != nil {
		return domain.Post{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current int64
		err := r.q(tx).QueryRowContext(ctx, `SELECT revision FROM posts WHERE id=?`, p.ID).Scan(&current)
		if err == sql.ErrNoRows {
			return domain.Post{}, ErrNotFound
		}
		if err != nil {
			return domain.Post{}, err
		}
		return domain.Post{}, fmt.Errorf("%w: post %s is at revision %d, not %d", ErrConflict, p.ID, current, expected)
	}
	if err := r.replacePostTags(ctx, tx, p.ID, p.TagIDs); err != nil {
		return domain.Post{}, err
	}
	return p, nil
}

func (r Repo) replacePostTags(ctx context.Context, tx *sql.Tx, postID string, tags []string) error {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM post_tags WHERE post_id=?`, postID); err != nil {
		return err
	}
	for _, tag := range tags {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO post_tags(post_id,tag_id) VALUES (?,?)`, postID, tag); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetPost(ctx context.Context, id string) (domain.Post, error) {
	return r.GetPostTx(ctx, nil, id)
}

func (r Repo) GetPostTx(ctx context.Context, tx *sql.Tx, id string) (domain.Post, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT revision,snapshot_json FROM posts WHERE id=?`, id)
	p, err := scanPost(row)
	if err == sql.ErrNoRows {
		return domain.Post{}, ErrNotFound
	}
	return p, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (domain.Post, error) {
	var (
		rev      int64
		snapshot string
		p        domain.Post
	)
	if err := row.Scan(&rev, &snapshot); err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(snapshot), &p); err != nil {
		return p, fmt.Errorf("decode post snapshot: %w", err)
	}
	p.Revision = rev
	return p, nil
}

type PostFilters struct {
	Status    string
	AuthorID  string
	TagID     string
	ReleaseID string
	// Search matches title or briefing, case-insensitively.
	Search string
	// PublishFrom and PublishTo bound the planned publish date inclusively.
	// Posts without a publish date never match a bound.
	PublishFrom *time.Time
	PublishTo   *time.Time
	Limit       int
	Offset      int
}

func (f PostFilters) where() (string, []any) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AuthorID != "" {
		clauses = append(clauses, "author_id=?")
		args = append(args, f.AuthorID)
	}
	if f.ReleaseID != "" {
		clauses = append(clauses, "release_id=?")
		args = append(args, f.ReleaseID)
	}
	if f.TagID != "" {
		clauses = append(clauses, "id IN (SELECT post_id FROM post_tags WHERE tag_id=?)")
		args = append(args, f.TagID)
	}
	if f.PublishFrom != nil {
		clauses = append(clauses, "publish_date>=?")
		args = append(args, stamp(*f.PublishFrom))
	}
	if f.PublishTo != nil {
		clauses = append(clauses, "publish_date<=?")
		args = append(args, stamp(*f.PublishTo))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		clauses = append(clauses, "(title LIKE ? OR COALESCE(json_extract(snapshot_json,'$.briefing'),'') LIKE ?)")
		pattern := "%" + s + "%"
		args = append(args, pattern, pattern)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// ListPosts returns matching posts, most recently updated first.
func (r Repo) ListPosts(ctx context.Context, f PostFilters) ([]domain.Post, error) {
	where, args := f.where()
	query := `SELECT revision,snapshot_json FROM posts ` + where + ` ORDER BY updated_at DESC, id DESC`
	switch {
	case f.Limit > 0:
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, max(f.Offset, 0))
	case f.Offset > 0:
		query += " LIMIT -1 OFFSET ?"
		args = append(args, f.Offset)
	}
	return r.queryPosts(ctx, query, args...)
}

// CountPosts returns how many posts match f, ignoring Limit and Offset.
func (r Repo) CountPosts(ctx context.Context, f PostFilters) (int, error) {
	where, args := f.where()
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM posts `+where, args...).Scan(&n)
	return n, err
}

// ApprovalTasks returns in-approval posts still waiting on role, oldest
// deadline first.
func (r Repo) ApprovalTasks(ctx context.Context, role domain.ApproverRole) ([]domain.Post, error) {
	posts, err := r.queryPosts(ctx, `SELECT revision,snapshot_json FROM posts WHERE status=? ORDER BY approval_deadline ASC, id ASC`, string(domain.StatusInApproval))
	if err != nil {
		return nil, err
	}
	var res []domain.Post
	for _, p := range posts {
		for _, a := range p.Approvals {
			if a.Role == role && a.Decision == domain.DecisionPending {
				res = append(res, p)
				break
			}
		}
	}
	return res, nil
}

// PostsDueBy returns in-approval posts whose deadline is at or before until.
func (r Repo) PostsDueBy(ctx context.Context, until time.Time) ([]domain.Post, error) {
	return r.queryPosts(ctx, `SELECT revision,snapshot_json FROM posts WHERE status=? AND approval_deadline IS NOT NULL AND approval_deadline<=? ORDER BY approval_deadline ASC, id ASC`,
		string(domain.StatusInApproval), stamp(until))
}

func (r Repo) CountPostsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM posts GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) queryPosts(ctx context.Context, query string, args ...any) ([]domain.Post, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
