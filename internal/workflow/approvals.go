package workflow

import (
	"fmt"
	"time"

	"postline/internal/domain"
)

type Outcome int

const (
	OutcomeNotYetApproved Outcome = iota
	OutcomeFullyApproved
)

func (o Outcome) String() string {
	if o == OutcomeFullyApproved {
		return "fully_approved"
	}
	return "not_yet_approved"
}

// NewApprovals returns one pending record per sign-off role in role order.
func NewApprovals() []domain.Approval {
	out := make([]domain.Approval, 0, len(domain.ApproverRoles))
	for _, role := range domain.ApproverRoles {
		out = append(out, domain.Approval{Role: role, Decision: domain.DecisionPending})
	}
	return out
}

// ResetAll reverts every role to pending and unbinds its approver. Missing
// or duplicated role records are repaired so the post always carries
// exactly one record per role.
func ResetAll(p *domain.Post) {
	p.Approvals = NewApprovals()
}

func approvalFor(p *domain.Post, role domain.ApproverRole) *domain.Approval {
	for i := range p.Approvals {
		if p.Approvals[i].Role == role {
			return &p.Approvals[i]
		}
	}
	return nil
}

// RecordDecision binds the actor to its role record and stores the decision.
// The first actor to decide under a role holds it for the rest of the cycle.
func RecordDecision(p *domain.Post, actor Actor, decision domain.Decision, comment string, now time.Time) error {
	if !actor.HoldsApproverRole() {
		return fmt.Errorf("%w: %s holds no approver role", ErrNotAnApprover, actor.ID)
	}
	if decision != domain.DecisionApproved && decision != domain.DecisionRejected {
		return fmt.Errorf("%w: decision must be approved or rejected, got %q", ErrInvalidArgument, decision)
	}
	rec := approvalFor(p, actor.ApproverRole)
	if rec == nil {
		return fmt.Errorf("%w: no %s approval on post %s", ErrInvariantViolation, actor.ApproverRole, p.ID)
	}
	if rec.Decision != domain.DecisionPending {
		return fmt.Errorf("%w: %s already decided %s", ErrNotAnApprover, actor.ApproverRole, rec.Decision)
	}
	id := actor.ID
	ts := now.UTC()
	rec.Decision = decision
	rec.Comment = comment
	rec.DecidedAt = &ts
	rec.ApproverID = &id
	return nil
}

// ComputeOverallOutcome reports whether the post is cleared for approval and
// whether the CMO deadline override was what cleared it. It does not look at
// rejections; the caller acts on those before asking.
func ComputeOverallOutcome(p domain.Post, now time.Time) (Outcome, bool) {
	decided := map[domain.ApproverRole]domain.Decision{}
	for _, a := range p.Approvals {
		decided[a.Role] = a.Decision
	}
	all := true
	for _, role := range domain.ApproverRoles {
		if decided[role] != domain.DecisionApproved {
			all = false
			break
		}
	}
	if all {
		return OutcomeFullyApproved, false
	}
	if decided[domain.RoleCMO] != domain.DecisionApproved || p.ApprovalDeadline == nil {
		return OutcomeNotYetApproved, false
	}
	if now.Before(*p.ApprovalDeadline) {
		return OutcomeNotYetApproved, false
	}
	if decided[domain.RoleCEO] == domain.DecisionPending || decided[domain.RoleCOO] == domain.DecisionPending {
		return OutcomeFullyApproved, true
	}
	return OutcomeNotYetApproved, false
}

func hasRejection(p domain.Post) bool {
	for _, a := range p.Approvals {
		if a.Decision == domain.DecisionRejected {
			return true
		}
	}
	return false
}
