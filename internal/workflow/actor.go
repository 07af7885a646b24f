package workflow

import "postline/internal/domain"

// SystemActorID is used for transitions nobody asked for, such as the
// deadline sweep.
const SystemActorID = "system"

// Actor is the already-authenticated caller of an operation.
type Actor struct {
	ID           string
	Name         string
	Role         domain.UserRole
	ApproverRole domain.ApproverRole
}

func SystemActor() Actor {
	return Actor{ID: SystemActorID, Name: "System", Role: domain.UserAdmin}
}

func (a Actor) IsAdmin() bool { return a.Role == domain.UserAdmin }

// HoldsApproverRole reports whether the actor may sign off for one of the
// fixed roles.
func (a Actor) HoldsApproverRole() bool { return a.ApproverRole.Valid() }

func (a Actor) displayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

func isAuthorOrAdmin(p domain.Post, a Actor) bool {
	return a.ID == p.AuthorID || a.IsAdmin()
}
