package workflow

import (
	"time"

	"postline/internal/domain"
)

// clonePost returns a copy of p that shares no mutable memory with it.
func clonePost(p domain.Post) domain.Post {
	out := p
	out.TitleHistory = cloneVersions(p.TitleHistory)
	out.BriefingHistory = cloneVersions(p.BriefingHistory)
	out.PublishDate = cloneTime(p.PublishDate)
	out.TagIDs = cloneStrings(p.TagIDs)
	out.ReleaseID = cloneString(p.ReleaseID)
	out.ApprovalDeadline = cloneTime(p.ApprovalDeadline)
	out.SubmittedAt = cloneTime(p.SubmittedAt)
	out.ApprovalDate = cloneTime(p.ApprovalDate)
	if p.ResubmittedHistory != nil {
		out.ResubmittedHistory = append([]time.Time(nil), p.ResubmittedHistory...)
	}
	if p.Approvals != nil {
		out.Approvals = make([]domain.Approval, len(p.Approvals))
		for i, a := range p.Approvals {
			a.DecidedAt = cloneTime(a.DecidedAt)
			a.ApproverID = cloneString(a.ApproverID)
			out.Approvals[i] = a
		}
	}
	if p.Cards != nil {
		out.Cards = make([]domain.Card, len(p.Cards))
		for i, c := range p.Cards {
			c.MainTextHistory = cloneVersions(c.MainTextHistory)
			c.ArtTextHistory = cloneVersions(c.ArtTextHistory)
			c.DesignerNotesHistory = cloneVersions(c.DesignerNotesHistory)
			c.ArtHistory = cloneVersions(c.ArtHistory)
			out.Cards[i] = c
		}
	}
	if p.AuditLog != nil {
		out.AuditLog = make([]domain.AuditEntry, len(p.AuditLog))
		for i, e := range p.AuditLog {
			e.OldValue = cloneString(e.OldValue)
			e.NewValue = cloneString(e.NewValue)
			out.AuditLog[i] = e
		}
	}
	return out
}

func cloneVersions(in []domain.Version) []domain.Version {
	if in == nil {
		return nil
	}
	return append([]domain.Version(nil), in...)
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
