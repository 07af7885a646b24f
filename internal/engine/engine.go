package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"postline/internal/config"
	"postline/internal/domain"
	"postline/internal/engine/auth"
	"postline/internal/events"
	"postline/internal/repo"
	"postline/internal/workflow"
)

// Notifier receives the domain events of a committed operation.
type Notifier interface {
	Dispatch(ctx context.Context, evts []workflow.Event) error
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Config   *config.Config
	Notifier Notifier
	Logger   zerolog.Logger
	Now      func() time.Time

	locks *lockSet
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Logger: zerolog.Nop(),
		Now:    time.Now,
		locks:  newLockSet(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) machine() *workflow.Machine {
	m := &workflow.Machine{Now: e.now, NewID: uuid.NewString, Limits: workflow.DefaultLimits()}
	if e.Config != nil {
		m.Limits = workflow.Limits{MainText: e.Config.Limits.MainText, ArtText: e.Config.Limits.ArtText}
	}
	return m
}

// Actor resolves userID through the identity provider.
func (e Engine) Actor(ctx context.Context, userID string) (workflow.Actor, error) {
	return e.Auth.Actor(ctx, userID)
}

// UserCreateOptions are parameters for creating a user.
type UserCreateOptions struct {
	ID           string
	Name         string
	Email        string
	Role         domain.UserRole
	ApproverRole domain.ApproverRole
	Preferences  *domain.NotificationPreferences
	ActorID      string
}

// CreateUser registers a user. The very first user may be created without
// an actor so a fresh workspace can be bootstrapped; every later user needs
// an admin.
func (e Engine) CreateUser(ctx context.Context, opts UserCreateOptions) (domain.User, error) {
	users, err := e.Repo.ListUsers(ctx)
	if err != nil {
		return domain.User{}, err
	}
	if len(users) > 0 {
		if err := e.Auth.RequireAdmin(ctx, opts.ActorID); err != nil {
			return domain.User{}, err
		}
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.User{}, fmt.Errorf("%w: name is required", workflow.ErrInvalidArgument)
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(opts.Email))
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: invalid email %q", workflow.ErrInvalidArgument, opts.Email)
	}
	if e.Config != nil && !e.Config.AllowsEmail(addr.Address) {
		return domain.User{}, fmt.Errorf("%w: email must belong to %s", workflow.ErrInvalidArgument, e.Config.Auth.RestrictedDomain)
	}
	switch opts.Role {
	case domain.UserEditor, domain.UserAdmin:
		if opts.ApproverRole != "" {
			return domain.User{}, fmt.Errorf("%w: only approvers carry an approver role", workflow.ErrInvalidArgument)
		}
	case domain.UserApprover:
		if !opts.ApproverRole.Valid() {
			return domain.User{}, fmt.Errorf("%w: approver role must be one of ceo, coo, cmo", workflow.ErrInvalidArgument)
		}
	default:
		return domain.User{}, fmt.Errorf("%w: role must be editor, approver or admin", workflow.ErrInvalidArgument)
	}
	if len(users) == 0 && opts.Role != domain.UserAdmin {
		return domain.User{}, fmt.Errorf("%w: the first user must be an admin", workflow.ErrInvalidArgument)
	}

	u := domain.User{
		ID:          opts.ID,
		Name:        name,
		Email:       strings.ToLower(addr.Address),
		Role:        opts.Role,
		Preferences: domain.DefaultPreferences(),
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if opts.ApproverRole != "" {
		r := opts.ApproverRole
		u.ApproverRole = &r
	}
	if opts.Preferences != nil {
		u.Preferences = *opts.Preferences
	}
	actorID := opts.ActorID
	if actorID == "" {
		actorID = u.ID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	payload := events.EventPayload{"email": u.Email, "role": u.Role}
	if u.ApproverRole != nil {
		payload["approver_role"] = *u.ApproverRole
	}
	if err := e.Events.Append(ctx, tx, "user.created", events.EntityUser, u.ID, actorID, payload); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// UpdatePreferences lets a user change their own notification settings.
func (e Engine) UpdatePreferences(ctx context.Context, userID string, prefs domain.NotificationPreferences) (domain.User, error) {
	if err := e.Repo.UpdatePreferences(ctx, userID, prefs); err != nil {
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, userID)
}

func (e Engine) CreateTag(ctx context.Context, actorID, name string) (domain.Tag, error) {
	if err := e.Auth.RequireAdmin(ctx, actorID); err != nil {
		return domain.Tag{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Tag{}, fmt.Errorf("%w: tag name is required", workflow.ErrInvalidArgument)
	}
	t := domain.Tag{ID: slug(name), Name: name, CreatedAt: e.now().UTC().Format(time.RFC3339)}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := e.Repo.InsertTag(ctx, t); err != nil {
		return domain.Tag{}, fmt.Errorf("insert tag: %w", err)
	}
	return t, nil
}

type ReleaseCreateOptions struct {
	Name      string
	StartDate string
	EndDate   string
	ActorID   string
}

func (e Engine) CreateRelease(ctx context.Context, opts ReleaseCreateOptions) (domain.Release, error) {
	if err := e.Auth.RequireAdmin(ctx, opts.ActorID); err != nil {
		return domain.Release{}, err
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Release{}, fmt.Errorf("%w: release name is required", workflow.ErrInvalidArgument)
	}
	rel := domain.Release{ID: uuid.NewString(), Name: name, CreatedAt: e.now().UTC().Format(time.RFC3339)}
	var start, end time.Time
	if opts.StartDate != "" {
		t, err := time.Parse(time.DateOnly, opts.StartDate)
		if err != nil {
			return domain.Release{}, fmt.Errorf("%w: start date must be YYYY-MM-DD", workflow.ErrInvalidArgument)
		}
		start = t
		rel.StartDate = &opts.StartDate
	}
	if opts.EndDate != "" {
		t, err := time.Parse(time.DateOnly, opts.EndDate)
		if err != nil {
			return domain.Release{}, fmt.Errorf("%w: end date must be YYYY-MM-DD", workflow.ErrInvalidArgument)
		}
		end = t
		rel.EndDate = &opts.EndDate
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return domain.Release{}, fmt.Errorf("%w: release ends before it starts", workflow.ErrInvalidArgument)
	}
	if err := e.Repo.InsertRelease(ctx, rel); err != nil {
		return domain.Release{}, fmt.Errorf("insert release: %w", err)
	}
	return rel, nil
}

// validateRefs checks that tags and release referenced by a post exist.
func (e Engine) validateRefs(ctx context.Context, tagIDs []string, releaseID *string) error {
	for _, id := range tagIDs {
		if strings.TrimSpace(id) == "" {
			continue
		}
		if _, err := e.Repo.GetTag(ctx, strings.TrimSpace(id)); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%w: unknown tag %s", workflow.ErrInvalidArgument, id)
			}
			return err
		}
	}
	if releaseID != nil && strings.TrimSpace(*releaseID) != "" {
		if _, err := e.Repo.GetRelease(ctx, strings.TrimSpace(*releaseID)); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%w: unknown release %s", workflow.ErrInvalidArgument, *releaseID)
			}
			return err
		}
	}
	return nil
}

func slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
