package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"forgeline/internal/app"
	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/gate"
	"forgeline/internal/logging"
	"forgeline/internal/provider"
	"forgeline/internal/repo"
	"forgeline/internal/review"
	"forgeline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Forgeline CLI",
	Long: `Forgeline walks a project through five reviewed stages:
Requirements, Planning, Stories, Prompts and Review.
- Generate: an AI provider drafts the artifact of the current stage and opens a review ticket.
- Review: a reviewer approves or rejects the ticket; rejection feedback feeds the next generation.
- Gate: a stage opens only once every earlier stage is approved.
- Stories: the Stories artifact splits into user stories that are curated one by one;
  approved stories drive the Prompts stage.
- Workspace: the .forgeline directory holds the database; forgeline.yml next to it holds the config.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FORGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", server.DefaultActor, "actor identifier")
	flags.String("project", "", "project id (defaults to the only project of the workspace)")
	flags.String("log-level", "", "log level (overrides config)")
	flags.String("server", "http://127.0.0.1:8080", "API server URL for watch")
	flags.String("token", "", "bearer token for the API server")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "log-level", "server", "token"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(storiesCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(providerCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(watchCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := app.Open(ctx, viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer ws.Close()
			if err := ws.Lock(); err != nil {
				return err
			}
			logger, err := newLogger(ws.Config)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = ws.Config.Server.Addr
			}
			if basePath == "" {
				basePath = ws.Config.Server.BasePath
			}
			secret := ws.Config.Server.JWTSecret
			if env := os.Getenv("FORGELINE_JWT_SECRET"); env != "" {
				secret = env
			}
			gen, err := app.NewGenerator(ws.Config.Provider, logger)
			if err != nil {
				return err
			}
			e := engine.New(ws.DB, ws.Config, gen, logger)
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, Logger: logger},
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			hooks := server.NewWebhookDispatcher(e.Repo, ws.Config.Webhooks, logger)
			go hooks.Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving Forgeline API",
				"url", fmt.Sprintf("http://%s%s", addr, basePath),
				"provider", gen.Name(),
				"regeneration_policy", string(ws.Config.Workflow.RegenerationPolicy),
				"auth", secret != "")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var format string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			var path string
			var data []byte
			switch strings.ToLower(format) {
			case "yaml", "yml":
				path = filepath.Join(workspace, "forgeline.yml")
				data = []byte(config.GenerateDefault())
			case "toml":
				path = filepath.Join(workspace, "forgeline.toml")
				b, err := toml.Marshal(config.Default())
				if err != nil {
					return err
				}
				data = b
			default:
				return fmt.Errorf("unsupported format %q (yaml or toml)", format)
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite", path)
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "config format: yaml or toml")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret != "" {
				cfg.Server.JWTSecret = "<redacted>"
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := config.Load(workspace); err != nil {
				return err
			}
			fmt.Println("config OK:", config.Path(workspace))
			return nil
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
					ID:          id,
					Name:        name,
					Description: desc,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Name", "Created"})
					tw.AppendRow(table.Row{p.ID, p.Name, p.CreatedAt})
				})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "project description, used as the requirements brief")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Name", "Description", "Created"})
					for _, p := range items {
						tw.AppendRow(table.Row{p.ID, p.Name, truncate(p.Description, 48), p.CreatedAt})
					}
				})
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				p, err := e.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Inspect the stage pipeline"}
	wf.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show stage statuses and gate state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				snap, err := e.Snapshot(ctx, projectID)
				if err != nil {
					return err
				}
				ev := gate.Evaluate(snap)
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"snapshot":          snap,
						"current_stage":     ev.Current,
						"accessible_stages": ev.Accessible,
						"complete":          ev.Complete,
					})
				}
				fmt.Printf("Project: %s (%s)\n", snap.ProjectName, snap.ProjectID)
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "Stage", "Status", "Review", "Artifact", "Accessible", "Current", "Can advance"})
				for _, v := range ev.Stages {
					tw.AppendRow(table.Row{int(v.StageID), v.Name, v.Status, v.ReviewID, v.ArtifactID, yesNo(v.Accessible), mark(v.Current), yesNo(v.CanAdvance)})
				}
				tw.Render()
				if ev.Complete {
					fmt.Println("Workflow complete.")
				}
				return nil
			})
		},
	})
	return wf
}

func generateCmd() *cobra.Command {
	var desc string
	var inputs []string
	cmd := &cobra.Command{
		Use:   "generate <stage>",
		Short: "Generate the artifact of a stage (number or name)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := domain.ParseStageID(args[0])
			if err != nil {
				return err
			}
			extra, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			if desc != "" {
				extra["description"] = desc
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				res, err := e.GenerateStage(ctx, engine.GenerateOptions{
					ProjectID: projectID,
					StageID:   stage,
					Inputs:    extra,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s generated: artifact %s, review %s (Pending)\n", stage.Name(), res.ArtifactID, res.ReviewID)
				for _, id := range res.Invalidated {
					fmt.Printf("  invalidated %s\n", id.Name())
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&desc, "description", "", "requirements brief (stage 1, defaults to the project description)")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "extra prompt input as key=value (repeatable)")
	return cmd
}

func reviewCmd() *cobra.Command {
	rv := &cobra.Command{Use: "review", Short: "Decide review tickets"}
	rv.AddCommand(reviewDecisionCmd("approve", domain.StatusApproved))
	rv.AddCommand(reviewDecisionCmd("reject", domain.StatusRejected))
	rv.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "List pending review tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				projectID, err := app.ResolveProject(ctx, r, viper.GetString("project"))
				if err != nil {
					return err
				}
				items, err := r.ListPendingReviews(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Review", "Stage", "Created"})
					for _, it := range items {
						tw.AppendRow(table.Row{it.ID, it.StageID.Name(), it.CreatedAt})
					}
				})
			})
		},
	})
	return rv
}

func reviewDecisionCmd(verb string, status domain.StageStatus) *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   verb + " <review-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a review ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.DecideReview(ctx, review.Decision{
					ReviewID: args[0],
					Status:   status,
					Feedback: optionalString(feedback, cmd.Flags().Changed("feedback")),
					ActorID:  viper.GetString("actor-id"),
				})
				var already domain.AlreadyDecidedError
				if errors.As(err, &already) {
					fmt.Printf("review %s was already %s\n", already.ReviewID, already.Status)
					return nil
				}
				if err != nil && res.ReviewID == "" {
					return err
				}
				if err != nil {
					slog.Default().Warn("decision stored, snapshot refresh failed", "error", err)
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s %s, next: %s\n", res.StageID.Name(), strings.ToLower(string(res.Status)), res.Target)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "reviewer feedback")
	return cmd
}

func storiesCmd() *cobra.Command {
	st := &cobra.Command{Use: "stories", Short: "Curate the user stories of the Stories stage"}
	st.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stories of the current Stories artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				ov, err := e.ListStories(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ov)
				}
				fmt.Printf("Stories stage: %s, %d of %d approved\n", ov.StageStatus, ov.Approved, len(ov.Stories))
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "ID", "Title", "Status", "Feedback"})
				for _, s := range ov.Stories {
					fb := ""
					if s.Feedback != nil {
						fb = *s.Feedback
					}
					tw.AppendRow(table.Row{s.Position, s.ID, truncate(s.Title, 60), s.Status, truncate(fb, 40)})
				}
				tw.Render()
				return nil
			})
		},
	})
	st.AddCommand(storyDecisionCmd("approve", domain.StatusApproved))
	st.AddCommand(storyDecisionCmd("reject", domain.StatusRejected))
	return st
}

func storyDecisionCmd(verb string, status domain.StageStatus) *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   verb + " <story-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a user story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.DecideStory(ctx, engine.StoryDecision{
					StoryID:  args[0],
					Status:   status,
					Feedback: optionalString(feedback, cmd.Flags().Changed("feedback")),
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Title", "Status"})
					tw.AppendRow(table.Row{s.ID, truncate(s.Title, 60), s.Status})
				})
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "reviewer feedback")
	return cmd
}

func artifactCmd() *cobra.Command {
	art := &cobra.Command{Use: "artifact", Short: "Read generated artifacts"}
	art.AddCommand(&cobra.Command{
		Use:   "show <artifact-id>",
		Short: "Print the content of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetArtifact(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				fmt.Printf("%s artifact %s (%s)\n\n%s\n", a.StageID.Name(), a.ID, a.Status, a.Content)
				return nil
			})
		},
	})
	return art
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	var n int
	var evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				projectID, err := app.ResolveProject(ctx, r, viper.GetString("project"))
				if err != nil {
					return err
				}
				items, err := r.LatestEvents(ctx, n, 0, projectID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
					for _, ev := range items {
						tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
					}
				})
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	lg.AddCommand(tail)
	return lg
}

func providerCmd() *cobra.Command {
	pv := &cobra.Command{Use: "provider", Short: "Inspect the AI provider"}
	pv.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Probe the configured provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			gen, err := app.NewGenerator(cfg.Provider, logger)
			if err != nil {
				return err
			}
			start := time.Now()
			herr := gen.Health(cmd.Context())
			st := provider.Status{Name: gen.Name(), Healthy: herr == nil, LatencyMS: time.Since(start).Milliseconds()}
			if herr != nil {
				st.Error = herr.Error()
			}
			return printJSON(st)
		},
	})
	return pv
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := cfg.Server.JWTSecret
			if env := os.Getenv("FORGELINE_JWT_SECRET"); env != "" {
				secret = env
			}
			if secret == "" {
				return fmt.Errorf("no JWT secret: set server.jwt_secret or FORGELINE_JWT_SECRET")
			}
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			tok, err := server.MintToken(secret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to --actor-id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level := cfg.Log.Level
	if v := viper.GetString("log-level"); v != "" {
		level = v
	}
	logger, err := logging.New(logging.Options{Level: level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ws.Close()
	logger, err := newLogger(ws.Config)
	if err != nil {
		return err
	}
	gen, err := app.NewGenerator(ws.Config.Provider, logger)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(ws.DB, ws.Config, gen, logger))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, repo.Repo{DB: ws.DB})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

// printJSONOrTable prints v as JSON with --json, otherwise renders the rows fill appends.
func printJSONOrTable(v any, fill func(table.Writer)) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := newTable()
	fill(tw)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseInputs(pairs []string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --input %q, want key=value", pair)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func optionalString(s string, set bool) *string {
	if !set {
		return nil
	}
	return &s
}

func truncate(s string, n int) string {
	r := []rune(strings.Join(strings.Fields(s), " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func mark(b bool) string {
	if b {
		return "*"
	}
	return ""
}
