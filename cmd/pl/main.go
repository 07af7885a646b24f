package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"postline/internal/app"
	"postline/internal/config"
	"postline/internal/db"
	"postline/internal/engine"
	"postline/internal/logging"
	"postline/internal/migrate"
	"postline/internal/notify"
	"postline/internal/repo"
	"postline/internal/server"
)

const actorEnvKey = "POSTLINE_ACTOR_ID"

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Postline CLI",
	Long: `Postline moves editorial posts from draft to publication.
Core concepts:
- Workspace: the .postline directory holding the database; postline.yml is imported into it on first use.
- Post: a titled draft made of ordered cards (main text, art text, designer notes, art).
- Approvals: the CEO, COO and CMO each sign off; one rejection sends the post back for adjustment.
- Deadline: once it passes with the CMO approved, the post is approved without the others.
- Reset: editing content while a post is under review clears every decision already given.
- Event log: every change is recorded; view with 'pl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		if err := godotenv.Load(envPath(workspace)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envPath(workspace), err)
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("POSTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting user id (defaults to "+actorEnvKey+")")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level")
	rootCmd.PersistentFlags().String("log-env", "dev", "log format: dev for console lines, anything else for JSON")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-env"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(tagCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(postCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect or import workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				b, err := yaml.Marshal(e.Config)
				if err != nil {
					return err
				}
				fmt.Print(string(b))
				return nil
			})
		},
	})
	var file string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import a postline.yml into the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertConfig(ctx, c); err != nil {
					return err
				}
				fmt.Printf("Imported config for workspace %q\n", c.Workspace.Name)
				return nil
			})
		},
	}
	imp.Flags().StringVar(&file, "file", "", "path to postline.yml")
	_ = imp.MarkFlagRequired("file")
	cfg.AddCommand(imp)
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Print a default postline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			abs, err := filepath.Abs(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			fmt.Print(config.GenerateDefault(filepath.Base(abs)))
			return nil
		},
	})
	return cfg
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountPostsByStatus(ctx)
				if err != nil {
					return err
				}
				applied, latest, err := migrate.Version(ctx, e.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"workspace":      e.Config.Workspace.Name,
						"post_counts":    counts,
						"schema_version": applied,
						"schema_latest":  latest,
					})
				}
				fmt.Printf("Workspace: %s\n", e.Config.Workspace.Name)
				fmt.Printf("Database:  %s (schema %d/%d)\n", db.Path(viper.GetString("workspace")), applied, latest)
				statuses := make([]string, 0, len(counts))
				for s := range counts {
					statuses = append(statuses, s)
				}
				sort.Strings(statuses)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Posts"})
				for _, s := range statuses {
					tw.AppendRow(table.Row{s, counts[s]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evts, err := r.LatestEvents(ctx, repo.EventFilters{Type: evtType, EntityKind: entityKind, EntityID: entityID, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{
				JWTSecret:             os.Getenv("POSTLINE_JWT_SECRET"),
				AllowLegacyUserHeader: legacyHeader,
				AllowDevLogin:         devLogin,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("POSTLINE_JWT_SECRET is required for bearer auth")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg.Logger = e.Logger
				dispatcher, _ := e.Notifier.(*notify.Dispatcher)
				cfg := server.Config{
					Engine:   e,
					Notify:   dispatcher,
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   e.Logger,
				}
				handler, err := server.New(cfg)
				if err != nil {
					return err
				}
				bg, cancel := context.WithCancel(ctx)
				defer cancel()
				server.StartBackground(bg, cfg)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				e.Logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving postline api")
				fmt.Printf("Serving Postline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacyHeader, "allow-user-header", false, "trust X-User-Id without credentials (local development only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose /auth/dev/login")
	return cmd
}

// --- helpers ---

func newLogger() zerolog.Logger {
	return logging.New(logging.Options{Env: viper.GetString("log-env"), Level: viper.GetString("log-level")})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	logger := newLogger()
	e := engine.New(conn, cfg)
	e.Logger = logger
	d := notify.New(r, logger)
	if h := cfg.Notifications.ReminderThresholdHours; h > 0 {
		d.ReminderThreshold = time.Duration(h) * time.Hour
	}
	e.Notifier = d
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func actorID() string {
	return viper.GetString("actor-id")
}

func envPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".env")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
