package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/docs"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/migrate"
	"gateline/internal/release"
	"gateline/internal/repo"
	"gateline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Gateline CLI",
	Long: `Gateline drives one work item at a time through a fixed pipeline:
plan -> execute -> verify -> test -> document -> release -> done.

- Stages produce artifacts; artifacts are append-only and immutable.
- Verify and test are gates: configured capability checks must produce zero
  blocking findings before the item advances.
- A blocking verdict routes the item back to execute, spending one unit of
  the retry budget; an exhausted budget aborts the item.
- Leaving document requires every acceptance criterion to be satisfied.
- Release packages the change set into a branch + PR; its acknowledgment
  completes the item.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GATELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("config %s already exists\n", path)
				return nil
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("initialized %s and %s\n", db.Path(workspace), path)
			return nil
		},
	}
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Manage work items"}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemHistoryCmd())
	item.AddCommand(itemAbortCmd())
	item.AddCommand(itemCriterionCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var title, problem, slug string
	var requiredDocs, criteria []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item at the plan stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateWorkItem(ctx, engine.CreateOptions{
					Slug:               slug,
					Title:              title,
					ProblemStatement:   problem,
					RequiredDocs:       requiredDocs,
					AcceptanceCriteria: criteria,
					ActorID:            viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "work item title")
	cmd.Flags().StringVar(&problem, "problem", "", "problem statement")
	cmd.Flags().StringVar(&slug, "slug", "", "id slug (derived from title when empty)")
	cmd.Flags().StringArrayVar(&requiredDocs, "doc", []string{}, "required supporting doc (repeatable)")
	cmd.Flags().StringArrayVar(&criteria, "criterion", []string{}, "acceptance criterion name (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkItems(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Stage", "Status", "Retries"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Title, w.Stage, w.Status, w.RetryCount})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <item-id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				w, err := r.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func itemHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <item-id>",
		Short: "Show a work item's stage history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("item id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				ts, err := r.ListTransitions(ctx, args[0], 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "From", "To", "Actor", "Note"})
				for _, t := range ts {
					tw.AppendRow(table.Row{t.TS, t.FromStage, t.ToStage, t.ActorID, t.Note})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func itemAbortCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abort <item-id>",
		Short: "Abort a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Abort(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "abort reason")
	return cmd
}

func itemCriterionCmd() *cobra.Command {
	var unsatisfied bool
	cmd := &cobra.Command{
		Use:   "criterion <item-id> <name>",
		Short: "Mark an acceptance criterion satisfied (or not)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.SetCriterion(ctx, args[0], args[1], !unsatisfied, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().BoolVar(&unsatisfied, "unsatisfied", false, "mark the criterion unsatisfied")
	return cmd
}

func stageCmd() *cobra.Command {
	stage := &cobra.Command{Use: "stage", Short: "Stage outputs"}
	stage.AddCommand(stageRecordCmd())
	return stage
}

func stageRecordCmd() *cobra.Command {
	var summary, kind, payloadFile string
	cmd := &cobra.Command{
		Use:   "record <item-id>",
		Short: "Record the current stage's output and advance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if payloadFile != "" {
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return err
				}
				payload = data
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.RecordStageOutput(ctx, args[0], domain.StageOutput{
					Kind:    kind,
					Summary: summary,
					Payload: payload,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "output summary")
	cmd.Flags().StringVar(&kind, "kind", "", "artifact kind (defaults per stage)")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "file with the opaque output payload")
	return cmd
}

func gateCmd() *cobra.Command {
	gateCmd := &cobra.Command{Use: "gate", Short: "Gate evaluation"}
	gateCmd.AddCommand(gateRunCmd())
	gateCmd.AddCommand(gateVerdictCmd())
	return gateCmd
}

func gateRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <item-id>",
		Short: "Run the checks configured for the item's current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, verdict, err := e.RunGate(ctx, args[0], viper.GetString("actor-id"))
				if err != nil && !domain.IsKind(err, domain.KindRetryBudgetExhausted) {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"item": w, "verdict": verdict})
				}
				fmt.Printf("verdict: passed=%v findings=%d\n", verdict.Passed, len(verdict.Findings))
				for _, f := range verdict.Findings {
					loc := f.Location
					if loc == "" {
						loc = "-"
					}
					fmt.Printf("  [%s] %s %s: %s\n", f.Severity, f.Check, loc, f.Message)
				}
				fmt.Printf("item %s now at stage %s (status %s, retries %d)\n", w.ID, w.Stage, w.Status, w.RetryCount)
				if err != nil {
					return err
				}
				return nil
			})
		},
	}
}

func gateVerdictCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "verdict <item-id>",
		Short: "Apply an externally produced gate verdict from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var verdict domain.GateVerdict
			if err := json.Unmarshal(data, &verdict); err != nil {
				return fmt.Errorf("verdict json: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.ApplyVerdict(ctx, args[0], verdict, viper.GetString("actor-id"))
				if err != nil && !domain.IsKind(err, domain.KindRetryBudgetExhausted) {
					return err
				}
				if perr := printJSONOrTable(w); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "verdict JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func artifactCmd() *cobra.Command {
	art := &cobra.Command{Use: "artifact", Short: "Stage artifacts"}
	art.AddCommand(artifactListCmd())
	art.AddCommand(artifactGetCmd())
	return art
}

func artifactListCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "list <item-id>",
		Short: "List artifact references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				refs, err := e.Store.List(ctx, args[0], domain.Stage(stage))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(refs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Kind", "Seq"})
				for _, r := range refs {
					tw.AppendRow(table.Row{r.Stage, r.Kind, r.Seq})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "filter by stage")
	return cmd
}

func artifactGetCmd() *cobra.Command {
	var seq int
	var out string
	cmd := &cobra.Command{
		Use:   "get <item-id> <stage> <kind>",
		Short: "Fetch artifact content (latest seq unless --seq)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var a domain.Artifact
				var err error
				if seq > 0 {
					a, err = e.Store.Get(ctx, domain.ArtifactRef{
						ItemID: args[0], Stage: domain.Stage(args[1]), Kind: args[2], Seq: seq,
					})
				} else {
					a, err = e.Store.Latest(ctx, args[0], domain.Stage(args[1]), args[2])
				}
				if err != nil {
					return err
				}
				if out != "" {
					return os.WriteFile(out, a.Content, 0o644)
				}
				_, werr := os.Stdout.Write(a.Content)
				return werr
			})
		},
	}
	cmd.Flags().IntVar(&seq, "seq", 0, "sequence number (0 = latest)")
	cmd.Flags().StringVar(&out, "out", "", "write content to file instead of stdout")
	return cmd
}

func logCmd() *cobra.Command {
	logCommand := &cobra.Command{
		Use:   "log",
		Short: "Transition log",
	}
	logCommand.AddCommand(logTailCmd())
	return logCommand
}

func logTailCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent stage transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				ts, err := r.TailTransitions(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Item", "From", "To", "Actor", "Note"})
				for _, t := range ts {
					tw.AppendRow(table.Row{t.TS, t.ItemID, t.FromStage, t.ToStage, t.ActorID, t.Note})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of transitions")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "API key management"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := newSecret()
				key := domain.APIKey{
					ID:      newSecret(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// Shown once; only the hash is stored.
				fmt.Printf("api key for %s: %s\n", actor, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := buildEngine(conn, cfg, workspace)
			secret := os.Getenv("GATELINE_JWT_SECRET")
			if secret == "" {
				secret = cfg.Server.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("GATELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: server.AuthConfig{JWTSecret: secret}})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Gateline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func buildEngine(conn *sql.DB, cfg *config.Config, workspace string) engine.Engine {
	e := engine.New(conn, cfg)
	docsDir := cfg.Docs.Dir
	if docsDir == "" {
		docsDir = "docs/knowledge"
	}
	e.Docs = docs.FileSynthesizer{Dir: docsDir}
	e.Packager = release.GitPackager{
		Dir:        workspace,
		BaseBranch: cfg.Release.BaseBranch,
		Remote:     cfg.Release.Remote,
	}
	return e
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, buildEngine(conn, cfg, workspace))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func newSecret() string {
	return uuid.NewString()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
