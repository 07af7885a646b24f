package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"postline/internal/domain"
	"postline/internal/engine"
	"postline/internal/repo"
	"postline/internal/workflow"
)

func postCmd() *cobra.Command {
	p := &cobra.Command{Use: "post", Short: "Manage posts and their approvals"}
	p.AddCommand(postCreateCmd())
	p.AddCommand(postListCmd())
	p.AddCommand(postShowCmd())
	p.AddCommand(postEditCmd())
	p.AddCommand(postSubmitCmd())
	p.AddCommand(postDecideCmd())
	p.AddCommand(postActionCmd("evaluate", "Apply the deadline override if it is due", engine.Engine.EvaluateDeadline))
	p.AddCommand(postActionCmd("publish", "Publish an approved post", engine.Engine.Publish))
	p.AddCommand(postActionCmd("archive", "Archive a post", engine.Engine.Archive))
	p.AddCommand(postHistoryCmd())
	p.AddCommand(postTasksCmd())
	p.AddCommand(postSweepCmd())
	return p
}

func postCreateCmd() *cobra.Command {
	var id, title, briefing, publishDate, release string
	var tags []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft post",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := workflow.PostInput{ID: id, Title: title, Briefing: briefing, TagIDs: tags, ReleaseID: optionalString(release)}
			if publishDate != "" {
				t, err := parseTimeFlag("publish-date", publishDate)
				if err != nil {
					return err
				}
				in.PublishDate = &t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreatePost(ctx, actorID(), in)
				if err != nil {
					return err
				}
				return printPost(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "post id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "post title")
	cmd.Flags().StringVar(&briefing, "briefing", "", "briefing")
	cmd.Flags().StringVar(&publishDate, "publish-date", "", "planned publish time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag id (repeatable)")
	cmd.Flags().StringVar(&release, "release", "", "release id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func postListCmd() *cobra.Command {
	var (
		f                      repo.PostFilters
		page                   int
		publishFrom, publishTo string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List posts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if publishFrom != "" {
				t, err := parseTimeFlag("publish-from", publishFrom)
				if err != nil {
					return err
				}
				f.PublishFrom = &t
			}
			if publishTo != "" {
				t, err := parseTimeFlag("publish-to", publishTo)
				if err != nil {
					return err
				}
				// A bare date includes the whole day.
				if _, dateErr := time.Parse(time.DateOnly, publishTo); dateErr == nil {
					t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
				}
				f.PublishTo = &t
			}
			if page < 1 {
				return fmt.Errorf("--page must be at least 1")
			}
			if f.Limit > 0 {
				f.Offset = (page - 1) * f.Limit
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				posts, err := r.ListPosts(ctx, f)
				if err != nil {
					return err
				}
				total, err := r.CountPosts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"posts": posts, "total": total, "page": page, "limit": f.Limit})
				}
				if err := printPostTable(posts); err != nil {
					return err
				}
				fmt.Printf("%d of %d posts (page %d)\n", len(posts), total, page)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AuthorID, "author", "", "author id filter")
	cmd.Flags().StringVar(&f.TagID, "tag", "", "tag id filter")
	cmd.Flags().StringVar(&f.ReleaseID, "release", "", "release id filter")
	cmd.Flags().StringVar(&f.Search, "q", "", "title or briefing search")
	cmd.Flags().StringVar(&publishFrom, "publish-from", "", "earliest publish date (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&publishTo, "publish-to", "", "latest publish date (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "posts per page, 0 for all")
	cmd.Flags().IntVar(&page, "page", 1, "page number, from 1")
	return cmd
}

func postShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <post-id>",
		Short: "Show a post with its approvals and cards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetPost(ctx, args[0])
				if err != nil {
					return err
				}
				return printPost(p)
			})
		},
	}
}

func postEditCmd() *cobra.Command {
	var title, briefing, publishDate, release string
	var tags []string
	var clearPublish bool
	cmd := &cobra.Command{
		Use:   "edit <post-id>",
		Short: "Edit post details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var u workflow.PostUpdate
			flags := cmd.Flags()
			if flags.Changed("title") {
				u.Title = &title
			}
			if flags.Changed("briefing") {
				u.Briefing = &briefing
			}
			if flags.Changed("publish-date") {
				t, err := parseTimeFlag("publish-date", publishDate)
				if err != nil {
					return err
				}
				u.PublishDate = &t
			}
			u.ClearPublishDate = clearPublish
			if flags.Changed("tag") {
				u.TagIDs = &tags
			}
			if flags.Changed("release") {
				u.ReleaseID = &release
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.EditPost(ctx, actorID(), args[0], u)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&briefing, "briefing", "", "new briefing")
	cmd.Flags().StringVar(&publishDate, "publish-date", "", "planned publish time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().BoolVar(&clearPublish, "clear-publish-date", false, "remove the planned publish time")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "replace tags (repeatable; pass --tag= to clear)")
	cmd.Flags().StringVar(&release, "release", "", "release id (empty clears)")
	return cmd
}

func postSubmitCmd() *cobra.Command {
	var deadline string
	var within time.Duration
	cmd := &cobra.Command{
		Use:   "submit <post-id>",
		Short: "Submit a post for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var at time.Time
			switch {
			case deadline != "":
				t, err := parseTimeFlag("deadline", deadline)
				if err != nil {
					return err
				}
				at = t
			case within > 0:
				at = time.Now().UTC().Add(within)
			default:
				return fmt.Errorf("--deadline or --within required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Submit(ctx, actorID(), args[0], at)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&deadline, "deadline", "", "approval deadline (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().DurationVar(&within, "within", 0, "approval deadline relative to now, e.g. 48h")
	return cmd
}

func postDecideCmd() *cobra.Command {
	var decision, comment string
	cmd := &cobra.Command{
		Use:   "decide <post-id>",
		Short: "Approve or reject a post in your approver role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Decide(ctx, actorID(), args[0], domain.Decision(strings.ToLower(decision)), comment)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approved or rejected")
	cmd.Flags().StringVar(&comment, "comment", "", "comment for the author")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

type postAction func(engine.Engine, context.Context, string, string) (workflow.Result, error)

func postActionCmd(use, short string, action postAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <post-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := action(e, ctx, actorID(), args[0])
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
}

func postHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <post-id>",
		Short: "Show the audit log of a post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetPost(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p.AuditLog)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Event", "Actor", "Card", "Details"})
				for _, a := range p.AuditLog {
					tw.AppendRow(table.Row{a.TS.UTC().Format(time.RFC3339), a.Event, a.ActorID, a.CardID, a.Details})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func postTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List posts waiting on your sign-off",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				posts, err := e.ApprovalTasks(ctx, actorID())
				if err != nil {
					return err
				}
				return printPostTable(posts)
			})
		},
	}
}

func postSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Apply the deadline override to every due post",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids, err := e.SweepDeadlines(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"approved": ids})
				}
				fmt.Printf("Approved by deadline: %d\n", len(ids))
				for _, id := range ids {
					fmt.Println(" -", id)
				}
				return nil
			})
		},
	}
}

func cardCmd() *cobra.Command {
	c := &cobra.Command{Use: "card", Short: "Manage the cards of a post"}
	c.AddCommand(&cobra.Command{
		Use:   "add <post-id>",
		Short: "Append an empty card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AddCard(ctx, actorID(), args[0])
				if err != nil {
					return err
				}
				return printCardResult(res)
			})
		},
	})
	c.AddCommand(cardEditCmd())
	c.AddCommand(&cobra.Command{
		Use:   "remove <post-id> <card-id>",
		Short: "Remove a card",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RemoveCard(ctx, actorID(), args[0], args[1])
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "duplicate <post-id> <card-id>",
		Short: "Copy a card to the end of the post",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.DuplicateCard(ctx, actorID(), args[0], args[1])
				if err != nil {
					return err
				}
				return printCardResult(res)
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "reorder <post-id> <card-id>...",
		Short: "Set the card order",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ReorderCards(ctx, actorID(), args[0], args[1:])
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	})
	return c
}

func cardEditCmd() *cobra.Command {
	var mainText, artText, notes, artRef, artFile string
	var clearArt bool
	cmd := &cobra.Command{
		Use:   "edit <post-id> <card-id>",
		Short: "Edit card content",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var u workflow.CardUpdate
			flags := cmd.Flags()
			if flags.Changed("main-text") {
				u.MainText = &mainText
			}
			if flags.Changed("art-text") {
				u.ArtText = &artText
			}
			if flags.Changed("notes") {
				u.DesignerNotes = &notes
			}
			switch {
			case clearArt:
				u.Art = &workflow.ArtUpdate{}
			case flags.Changed("art-ref"):
				u.Art = &workflow.ArtUpdate{Ref: artRef, FileName: artFile}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.UpdateCard(ctx, actorID(), args[0], args[1], u)
				if err != nil {
					return err
				}
				return printCardResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&mainText, "main-text", "", "main text")
	cmd.Flags().StringVar(&artText, "art-text", "", "text rendered on the art")
	cmd.Flags().StringVar(&notes, "notes", "", "designer notes")
	cmd.Flags().StringVar(&artRef, "art-ref", "", "art reference (url or storage key)")
	cmd.Flags().StringVar(&artFile, "art-file", "", "art file name")
	cmd.Flags().BoolVar(&clearArt, "clear-art", false, "remove the art")
	return cmd
}

// parseTimeFlag accepts RFC3339 or a bare date, read as midnight UTC.
func parseTimeFlag(name, v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("--%s must be RFC3339 or YYYY-MM-DD", name)
}

func printResult(res workflow.Result) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"post": res.Post, "changed": res.Changed, "events": res.Events})
	}
	if !res.Changed {
		fmt.Println("No change.")
	}
	if err := printPost(res.Post); err != nil {
		return err
	}
	for _, evt := range res.Events {
		fmt.Printf("notify %s: %s\n", evt.Recipient, evt.Message)
	}
	return nil
}

func printCardResult(res engine.CardResult) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"card": res.Card, "post": res.Post, "changed": res.Changed, "events": res.Events})
	}
	fmt.Printf("Card %s (position %d)\n", res.Card.ID, res.Card.Order)
	return printResult(res.Result)
}

func printPost(p domain.Post) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	fmt.Printf("%s  %s\n", p.ID, p.Title)
	fmt.Printf("Status: %s  Author: %s  Revision: %d\n", p.Status, p.AuthorID, p.Revision)
	if p.ApprovalDeadline != nil {
		fmt.Printf("Approval deadline: %s\n", formatTime(p.ApprovalDeadline))
	}
	if p.PublishDate != nil {
		fmt.Printf("Publish date: %s\n", formatTime(p.PublishDate))
	}
	if len(p.TagIDs) > 0 {
		fmt.Printf("Tags: %s\n", strings.Join(p.TagIDs, ", "))
	}
	at := table.NewWriter()
	at.SetOutputMirror(os.Stdout)
	at.AppendHeader(table.Row{"Role", "Decision", "Approver", "Decided", "Comment"})
	for _, a := range p.Approvals {
		approver := ""
		if a.ApproverID != nil {
			approver = *a.ApproverID
		}
		at.AppendRow(table.Row{strings.ToUpper(string(a.Role)), a.Decision, approver, formatTime(a.DecidedAt), a.Comment})
	}
	at.Render()
	ct := table.NewWriter()
	ct.SetOutputMirror(os.Stdout)
	ct.AppendHeader(table.Row{"#", "Card", "Main text", "Art text", "Art"})
	for _, c := range p.Cards {
		ct.AppendRow(table.Row{c.Order, c.ID, truncate(c.MainText, 40), truncate(c.ArtText, 30), c.ArtFileName})
	}
	ct.Render()
	return nil
}

func printPostTable(posts []domain.Post) error {
	if viper.GetBool("json") {
		return printJSON(posts)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Author", "Deadline", "Approvals"})
	for _, p := range posts {
		marks := make([]string, 0, len(p.Approvals))
		for _, a := range p.Approvals {
			marks = append(marks, fmt.Sprintf("%s:%s", strings.ToUpper(string(a.Role)), a.Decision))
		}
		tw.AppendRow(table.Row{p.ID, truncate(p.Title, 40), p.Status, p.AuthorID, formatTime(p.ApprovalDeadline), strings.Join(marks, " ")})
	}
	tw.Render()
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
