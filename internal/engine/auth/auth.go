package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"postline/internal/domain"
	"postline/internal/repo"
	"postline/internal/workflow"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// UnknownActorError is returned when an authenticated id has no user row.
type UnknownActorError struct {
	ID string
}

func (e UnknownActorError) Error() string {
	return fmt.Sprintf("unknown user %s", e.ID)
}

// Service maps stored users to workflow actors. It never authenticates;
// callers hand it an id they already trust.
type Service struct {
	DB *sql.DB
}

func (s Service) repo() repo.Repo { return repo.Repo{DB: s.DB} }

// Actor loads userID and returns the identity the workflow authorizes
// against. The system id resolves without a user row.
func (s Service) Actor(ctx context.Context, userID string) (workflow.Actor, error) {
	if userID == "" {
		return workflow.Actor{}, errors.New("actor_id required")
	}
	if userID == workflow.SystemActorID {
		return workflow.SystemActor(), nil
	}
	u, err := s.repo().GetUser(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return workflow.Actor{}, UnknownActorError{ID: userID}
	}
	if err != nil {
		return workflow.Actor{}, err
	}
	return ActorFor(u), nil
}

// ActorFor converts a user row. Only approvers carry a sign-off role.
func ActorFor(u domain.User) workflow.Actor {
	a := workflow.Actor{ID: u.ID, Name: u.Name, Role: u.Role}
	if u.Role == domain.UserApprover && u.ApproverRole != nil && u.ApproverRole.Valid() {
		a.ApproverRole = *u.ApproverRole
	}
	return a
}

// RequireAdmin fails with ForbiddenError unless userID is an admin.
func (s Service) RequireAdmin(ctx context.Context, userID string) error {
	a, err := s.Actor(ctx, userID)
	if err != nil {
		return err
	}
	if !a.IsAdmin() {
		return ForbiddenError{Permission: "admin"}
	}
	return nil
}
