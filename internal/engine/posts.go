package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"postline/internal/domain"
	"postline/internal/events"
	"postline/internal/repo"
	"postline/internal/workflow"
)

// sharedLocks serializes engines built without New.
var sharedLocks = newLockSet()

func (e Engine) lockPost(id string) func() {
	if e.locks != nil {
		return e.locks.lock(id)
	}
	return sharedLocks.lock(id)
}

// mutate runs op against the stored post under the post's lock and commits
// the new snapshot together with its outbox rows. Domain events are handed
// to the notifier only after commit.
func (e Engine) mutate(ctx context.Context, postID, actorID string, op func(domain.Post, workflow.Actor) (workflow.Result, error)) (workflow.Result, error) {
	actor, err := e.Actor(ctx, actorID)
	if err != nil {
		return workflow.Result{}, err
	}
	unlock := e.lockPost(postID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return workflow.Result{}, err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetPostTx(ctx, tx, postID)
	if err != nil {
		return workflow.Result{}, err
	}
	res, err := op(current, actor)
	if err != nil {
		return workflow.Result{}, err
	}
	if !res.Changed {
		return res, nil
	}
	saved, err := e.Repo.SavePost(ctx, tx, res.Post)
	if err != nil {
		return workflow.Result{}, err
	}
	res.Post = saved
	if err := e.appendAudit(ctx, tx, saved, len(current.AuditLog)); err != nil {
		return workflow.Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return workflow.Result{}, err
	}
	e.Logger.Debug().Str("post_id", postID).Str("actor_id", actor.ID).Str("status", string(saved.Status)).
		Int64("revision", saved.Revision).Int("events", len(res.Events)).Msg("post updated")
	e.dispatch(ctx, res.Events)
	return res, nil
}

// appendAudit mirrors every audit entry added since from into the outbox.
func (e Engine) appendAudit(ctx context.Context, tx *sql.Tx, p domain.Post, from int) error {
	for _, entry := range p.AuditLog[from:] {
		payload := events.EventPayload{
			"title":    p.Title,
			"status":   p.Status,
			"revision": p.Revision,
			"details":  entry.Details,
			"audit_id": entry.ID,
		}
		if entry.CardID != "" {
			payload["card_id"] = entry.CardID
		}
		if entry.OldValue != nil {
			payload["old_value"] = *entry.OldValue
		}
		if entry.NewValue != nil {
			payload["new_value"] = *entry.NewValue
		}
		if err := e.Events.Append(ctx, tx, entry.Event, events.EntityPost, p.ID, entry.ActorID, payload); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) dispatch(ctx context.Context, evts []workflow.Event) {
	if e.Notifier == nil || len(evts) == 0 {
		return
	}
	if err := e.Notifier.Dispatch(ctx, evts); err != nil {
		e.Logger.Warn().Err(err).Str("post_id", evts[0].PostID).Msg("notification dispatch failed")
	}
}

func (e Engine) CreatePost(ctx context.Context, actorID string, in workflow.PostInput) (domain.Post, error) {
	actor, err := e.Actor(ctx, actorID)
	if err != nil {
		return domain.Post{}, err
	}
	if err := e.validateRefs(ctx, in.TagIDs, in.ReleaseID); err != nil {
		return domain.Post{}, err
	}
	res, err := e.machine().CreatePost(actor, in)
	if err != nil {
		return domain.Post{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Post{}, err
	}
	defer tx.Rollback()
	saved, err := e.Repo.InsertPost(ctx, tx, res.Post)
	if err != nil {
		return domain.Post{}, fmt.Errorf("insert post: %w", err)
	}
	if err := e.appendAudit(ctx, tx, saved, 0); err != nil {
		return domain.Post{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Post{}, err
	}
	return saved, nil
}

func (e Engine) GetPost(ctx context.Context, id string) (domain.Post, error) {
	return e.Repo.GetPost(ctx, id)
}

func (e Engine) EditPost(ctx context.Context, actorID, postID string, u workflow.PostUpdate) (workflow.Result, error) {
	if u.TagIDs != nil || u.ReleaseID != nil {
		var tags []string
		if u.TagIDs != nil {
			tags = *u.TagIDs
		}
		if err := e.validateRefs(ctx, tags, u.ReleaseID); err != nil {
			return workflow.Result{}, err
		}
	}
	return e.mutate(ctx, postID, actorID, func(p domain.Post, a workflow.Actor) (workflow.Result, error) {
		return e.machine().EditPostDetails(p, a, u)
	})
}

// CardResult is a post operation that also yields the affected card.
type CardResult struct {
	workflow.Result
	Card domain.Card
}

func (e Engine) AddCard(ctx context.Context, actorID, postID string) (CardResult, error) {
	var card domain.Card
	res, err := e.mutate(ctx, postID, actorID, func(p domain.Post, a workflow.Actor) (workflow.Result, error) {
		r, c, err := e.machine().AddCard(p, a)
		card = c
		return r, err
	})
	return CardResult{Result: res, Card: card}, err
}

func (e Engine) UpdateCard(ctx context.Context, actorID, postID, cardID string, u workflow.CardUpdate) (CardResult, error) {
	var card domain.Card
	res, err := e.mutate(ctx, postID, actorID, func(p domain.Post, a workflow.Actor) (workflow.Result, error) {
		r, c, err := e.machine().UpdateCard(p, a, cardID, u)
		card = c
		return r, err
	})
	return CardResult{Result: res, Card: card}, err
}

func (e Engine) RemoveCard(ctx context.Context, actorID, postID, cardID string) (workflow.Result, error) {
	return e.mutate(ctx, postID, actorID, func(p domain.Post, a workflow.Actor) (workflow.Result, error) {
		return e.machine().RemoveCard(p, a, cardID)
	})
}

func (e Engine) DuplicateCard(ctx context.Context, actorID, postID, cardID string) (CardResult, error) {
	var card domain.Card
	res, err := e.mutate(ctx, postID, actorID, func(p domain.Post, a workflow.Actor) (workflow.Result, error) {
		r, c, err := e.machine().DuplicateCard(p, a, cardID)
		card = c
		return r, err
	})
	return CardResult{Result: res, Card: card}, err
}

func (e Engine) ReorderCards(ctx context.Context, actorID, postID string, ids []string) (workflow.Result, error) {
	return e.mutate(ctx, postID, actorID, func(p domain.Post, a workflow.Actor) (workflow.Result, error) {
		return e.machine().ReorderCards(p, a, ids)
	})
}

func (e Engine) Submit(ctx context.Context, actorID, postID string, deadline time.Time) (workflow.Result, error) {
	return e.mutate(ctx, postID, actorID, func(p domain.Post, a workflow.Actor) (workflow.Result, error) {
		return e.machine().Submit(p, a, deadline)
	})
}

func (e Engine) Decide(ctx context.Context, actorID, postID string, decision domain.Decision, comment string) (workflow.Result, error) {
	return e.mutate(ctx, postID, actorID, func(p domain.Post, a workflow.Actor) (workflow.Result, error) {
		return e.machine().RecordDecision(p, a, decision, comment)
	})
}

func (e Engine) EvaluateDeadline(ctx context.Context, actorID, postID string) (workflow.Result, error) {
	return e.mutate(ctx, postID, actorID, func(p domain.Post, a workflow.Actor) (workflow.Result, error) {
		return e.machine().EvaluateDeadline(p, a)
	})
}

func (e Engine) Publish(ctx context.Context, actorID, postID string) (workflow.Result, error) {
	return e.mutate(ctx, postID, actorID, func(p domain.Post, a workflow.Actor) (workflow.Result, error) {
		return e.machine().Publish(p, a)
	})
}

func (e Engine) Archive(ctx context.Context, actorID, postID string) (workflow.Result, error) {
	return e.mutate(ctx, postID, actorID, func(p domain.Post, a workflow.Actor) (workflow.Result, error) {
		return e.machine().Archive(p, a)
	})
}

// SweepDeadlines applies the deadline override to every in-approval post
// whose deadline has passed and returns the ids that became approved.
func (e Engine) SweepDeadlines(ctx context.Context) ([]string, error) {
	due, err := e.Repo.PostsDueBy(ctx, e.now())
	if err != nil {
		return nil, err
	}
	var approved []string
	for _, p := range due {
		res, err := e.EvaluateDeadline(ctx, workflow.SystemActorID, p.ID)
		if err != nil {
			if errors.Is(err, workflow.ErrInvalidTransition) || errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return approved, fmt.Errorf("evaluate %s: %w", p.ID, err)
		}
		if res.Changed {
			approved = append(approved, p.ID)
		}
	}
	return approved, nil
}

// ApprovalTasks lists posts waiting on the actor's sign-off role.
func (e Engine) ApprovalTasks(ctx context.Context, actorID string) ([]domain.Post, error) {
	actor, err := e.Actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.HoldsApproverRole() {
		return nil, fmt.Errorf("%w: %s holds no approver role", workflow.ErrNotAnApprover, actor.ID)
	}
	return e.Repo.ApprovalTasks(ctx, actor.ApproverRole)
}
