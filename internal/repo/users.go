package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"postline/internal/domain"
)

const userColumns = `id,name,email,role,COALESCE(approver_role,''),prefs_json,created_at`

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	if u.ID == "" {
		return errors.New("id required")
	}
	if strings.TrimSpace(u.Email) == "" {
		return errors.New("email required")
	}
	if u.CreatedAt == "" {
		u.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	prefs, err := json.Marshal(u.Preferences)
	if err != nil {
		return err
	}
	var approverRole any
	if u.ApproverRole != nil {
		approverRole = string(*u.ApproverRole)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO users(id,name,email,role,approver_role,prefs_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		u.ID, u.Name, strings.ToLower(strings.TrimSpace(u.Email)), string(u.Role), approverRole, string(prefs), u.CreatedAt)
	return err
}

func scanUser(row rowScanner) (domain.User, error) {
	var (
		u     domain.User
		role  string
		ar    string
		prefs string
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &role, &ar, &prefs, &u.CreatedAt); err != nil {
		return u, err
	}
	u.Role = domain.UserRole(role)
	if ar != "" {
		v := domain.ApproverRole(ar)
		u.ApproverRole = &v
	}
	u.Preferences = domain.DefaultPreferences()
	if prefs != "" {
		if err := json.Unmarshal([]byte(prefs), &u.Preferences); err != nil {
			return u, err
		}
	}
	return u, nil
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return r.GetUserTx(ctx, nil, id)
}

func (r Repo) GetUserTx(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	u, err := scanUser(r.q(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return domain.User{}, ErrNotFound
	}
	return u, err
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`, strings.ToLower(strings.TrimSpace(email))))
	if err == sql.ErrNoRows {
		return domain.User{}, ErrNotFound
	}
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	return r.queryUsers(ctx, `SELECT `+userColumns+` FROM users ORDER BY name ASC, id ASC`)
}

// UsersWithApproverRole returns every user who may sign off for role.
func (r Repo) UsersWithApproverRole(ctx context.Context, role domain.ApproverRole) ([]domain.User, error) {
	return r.queryUsers(ctx, `SELECT `+userColumns+` FROM users WHERE approver_role=? ORDER BY id ASC`, string(role))
}

func (r Repo) queryUsers(ctx context.Context, query string, args ...any) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePreferences(ctx context.Context, userID string, prefs domain.NotificationPreferences) error {
	data, err := json.Marshal(prefs)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET prefs_json=? WHERE id=?`, string(data), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertTag(ctx context.Context, t domain.Tag) error {
	if t.CreatedAt == "" {
		t.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tags(id,name,created_at) VALUES (?,?,?)`, t.ID, strings.TrimSpace(t.Name), t.CreatedAt)
	return err
}

func (r Repo) GetTag(ctx context.Context, id string) (domain.Tag, error) {
	var t domain.Tag
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM tags WHERE id=?`, id).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTags(ctx context.Context) ([]domain.Tag, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM tags ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tag
	for rows.Next() {
		var t domain.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertRelease(ctx context.Context, rel domain.Release) error {
	if rel.CreatedAt == "" {
		rel.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO releases(id,name,start_date,end_date,created_at) VALUES (?,?,?,?,?)`,
		rel.ID, strings.TrimSpace(rel.Name), nullableStringPtr(rel.StartDate), nullableStringPtr(rel.EndDate), rel.CreatedAt)
	return err
}

func scanRelease(row rowScanner) (domain.Release, error) {
	var rel domain.Release
	var start, end sql.NullString
	if err := row.Scan(&rel.ID, &rel.Name, &start, &end, &rel.CreatedAt); err != nil {
		return rel, err
	}
	if start.Valid {
		rel.StartDate = &start.String
	}
	if end.Valid {
		rel.EndDate = &end.String
	}
	return rel, nil
}

func (r Repo) GetRelease(ctx context.Context, id string) (domain.Release, error) {
	rel, err := scanRelease(r.DB.QueryRowContext(ctx, `SELECT id,name,start_date,end_date,created_at FROM releases WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return domain.Release{}, ErrNotFound
	}
	return rel, err
}

func (r Repo) ListReleases(ctx context.Context) ([]domain.Release, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,start_date,end_date,created_at FROM releases ORDER BY COALESCE(start_date,created_at) DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Release
	for rows.Next() {
		rel, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rel)
	}
	return res, rows.Err()
}
