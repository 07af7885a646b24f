package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"postline/internal/domain"
	"postline/internal/engine"
	"postline/internal/notify"
	"postline/internal/repo"
)

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage users"}
	u.AddCommand(userAddCmd())
	u.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				users, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Role", "Approver role"})
				for _, u := range users {
					role := ""
					if u.ApproverRole != nil {
						role = string(*u.ApproverRole)
					}
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.Role, role})
				}
				tw.Render()
				return nil
			})
		},
	})
	u.AddCommand(&cobra.Command{
		Use:   "use <user-id>",
		Short: "Set the default acting user for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetUser(ctx, args[0]); err != nil {
					return fmt.Errorf("user %s: %w", args[0], err)
				}
				path := envPath(viper.GetString("workspace"))
				if err := setEnvValue(path, actorEnvKey, args[0]); err != nil {
					return err
				}
				fmt.Printf("Acting as %s (saved to %s)\n", args[0], path)
				return nil
			})
		},
	})
	u.AddCommand(userPrefsCmd())
	return u
}

func userAddCmd() *cobra.Command {
	var id, name, email, role, approverRole string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a user (the first user must be an admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUser(ctx, engine.UserCreateOptions{
					ID:           id,
					Name:         name,
					Email:        email,
					Role:         domain.UserRole(role),
					ApproverRole: domain.ApproverRole(approverRole),
					ActorID:      actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&role, "role", string(domain.UserEditor), "editor, approver or admin")
	cmd.Flags().StringVar(&approverRole, "approver-role", "", "ceo, coo or cmo (approvers only)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func userPrefsCmd() *cobra.Command {
	var submissions, decisions, digest bool
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Show or change your notification preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.Repo.GetUser(ctx, actorID())
				if err != nil {
					return fmt.Errorf("acting user: %w", err)
				}
				prefs := u.Preferences
				flags := cmd.Flags()
				changed := false
				if flags.Changed("submissions") {
					prefs.InAppNewSubmissions, changed = submissions, true
				}
				if flags.Changed("decisions") {
					prefs.InAppApprovalDecisions, changed = decisions, true
				}
				if flags.Changed("digest") {
					prefs.DailyDigest, changed = digest, true
				}
				if changed {
					if u, err = e.UpdatePreferences(ctx, u.ID, prefs); err != nil {
						return err
					}
				}
				return printJSONOrTable(u.Preferences)
			})
		},
	}
	cmd.Flags().BoolVar(&submissions, "submissions", true, "in-app notices for new submissions")
	cmd.Flags().BoolVar(&decisions, "decisions", true, "in-app notices for approval decisions")
	cmd.Flags().BoolVar(&digest, "digest", false, "daily activity digest")
	return cmd
}

func keyCmd() *cobra.Command {
	k := &cobra.Command{Use: "key", Short: "Manage your API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plain, err := e.CreateAPIKey(ctx, actorID(), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "user_id": key.UserID, "name": key.Name, "key": plain, "created_at": key.CreatedAt})
				}
				fmt.Printf("Key %s created for %s\n%s\n", key.ID, key.UserID, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label")
	k.AddCommand(create)
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List your API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created", "Last used"})
				for _, key := range keys {
					lastUsed := key.LastUsedAt
					if lastUsed == "" {
						lastUsed = "never"
					}
					tw.AppendRow(table.Row{key.ID, key.Name, key.CreatedAt, lastUsed})
				}
				tw.Render()
				return nil
			})
		},
	})
	k.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, actorID(), args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	})
	return k
}

func tagCmd() *cobra.Command {
	t := &cobra.Command{Use: "tag", Short: "Manage tags"}
	t.AddCommand(&cobra.Command{
		Use:   "add <name>",
		Short: "Create a tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tag, err := e.CreateTag(ctx, actorID(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(tag)
			})
		},
	})
	t.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tags",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tags, err := r.ListTags(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tags)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name"})
				for _, tag := range tags {
					tw.AppendRow(table.Row{tag.ID, tag.Name})
				}
				tw.Render()
				return nil
			})
		},
	})
	return t
}

func releaseCmd() *cobra.Command {
	rel := &cobra.Command{Use: "release", Short: "Manage releases"}
	var opts engine.ReleaseCreateOptions
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a release",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Name = args[0]
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.CreateRelease(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	add.Flags().StringVar(&opts.StartDate, "start", "", "start date (YYYY-MM-DD)")
	add.Flags().StringVar(&opts.EndDate, "end", "", "end date (YYYY-MM-DD)")
	rel.AddCommand(add)
	rel.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List releases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListReleases(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Start", "End"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Name, stringOrEmpty(r.StartDate), stringOrEmpty(r.EndDate)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return rel
}

func notifyCmd() *cobra.Command {
	n := &cobra.Command{Use: "notify", Short: "Notifications, reminders and digests"}
	var unread bool
	var typ string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List your notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListNotifications(ctx, repo.NotificationFilters{RecipientID: actorID(), UnreadOnly: unread, Type: typ, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Created", "Type", "Title", "Read"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.CreatedAt, item.Type, truncate(item.Title, 50), item.Read})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&unread, "unread", false, "only unread")
	list.Flags().StringVar(&typ, "type", "", "notification type filter")
	list.Flags().IntVar(&limit, "limit", 50, "maximum notifications")
	n.AddCommand(list)

	var all bool
	read := &cobra.Command{
		Use:   "read [notification-id]",
		Short: "Mark a notification (or all with --all) as read",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("notification id or --all required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if all {
					updated, err := r.MarkAllNotificationsRead(ctx, actorID())
					if err != nil {
						return err
					}
					fmt.Printf("Marked %d as read\n", updated)
					return nil
				}
				return r.MarkNotificationRead(ctx, actorID(), args[0])
			})
		},
	}
	read.Flags().BoolVar(&all, "all", false, "mark everything read")
	n.AddCommand(read)

	n.AddCommand(&cobra.Command{
		Use:   "remind",
		Short: "Send approval reminders for deadlines inside the threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Auth.RequireAdmin(ctx, actorID()); err != nil {
					return err
				}
				sent, err := e.Notifier.(*notify.Dispatcher).Reminders(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Reminders sent: %d\n", sent)
				return nil
			})
		},
	})
	var day string
	digest := &cobra.Command{
		Use:   "digest",
		Short: "Send the daily digest to opted-in users",
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now().UTC()
			if day != "" {
				t, err := time.Parse(time.DateOnly, day)
				if err != nil {
					return fmt.Errorf("--day must be YYYY-MM-DD")
				}
				at = t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Auth.RequireAdmin(ctx, actorID()); err != nil {
					return err
				}
				sent, err := e.Notifier.(*notify.Dispatcher).DigestAll(ctx, at)
				if err != nil {
					return err
				}
				fmt.Printf("Digests sent: %d\n", sent)
				return nil
			})
		},
	}
	digest.Flags().StringVar(&day, "day", "", "day to summarize (YYYY-MM-DD, default today UTC)")
	n.AddCommand(digest)
	return n
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
