package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bidline/internal/checkpoint"
	"bidline/internal/config"
	"bidline/internal/db"
	"bidline/internal/domain"
	"bidline/internal/executor"
	"bidline/internal/generate"
	"bidline/internal/migrate"
	"bidline/internal/orchestrator"
	"bidline/internal/pipeline"
	"bidline/internal/rank"
	"bidline/internal/repo"
	"bidline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Bidline CLI",
	Long: `Bidline drives proposal documents through a staged generation pipeline.
Cases move stage by stage; gated stages pause for human review, every stage
output is checkpointed with citations, and all writes are version-guarded so
concurrent editors cannot silently clobber each other.`,
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
	viper.SetEnvPrefix("BIDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("session-id", "", "editing session identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("session-id", rootCmd.PersistentFlags().Lookup("session-id"))
}

func registerCommands() {
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(rankCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Manage cases"}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseStatusCmd())
	c.AddCommand(caseAdvanceCmd())
	c.AddCommand(caseApproveCmd())
	c.AddCommand(caseRejectCmd())
	c.AddCommand(caseRetryCmd())
	c.AddCommand(caseCancelCmd())
	c.AddCommand(caseCheckpointsCmd())
	c.AddCommand(caseSessionCmd())
	c.AddCommand(caseDeleteCmd())
	return c
}

func caseCreateCmd() *cobra.Command {
	var title, client, industry, intakeJSON string
	var services, technologies []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a case from intake",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				if intakeJSON != "" && !json.Valid([]byte(intakeJSON)) {
					return fmt.Errorf("--intake-json is not valid JSON")
				}
				c, err := o.CreateCase(ctx, orchestrator.CreateOptions{
					Title:        title,
					ClientName:   client,
					Industry:     industry,
					ServiceTypes: services,
					Technologies: technologies,
					IntakeJSON:   intakeJSON,
					ActorID:      viper.GetString("actor-id"),
					SessionID:    viper.GetString("session-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "case title")
	cmd.Flags().StringVar(&client, "client", "", "client name")
	cmd.Flags().StringVar(&industry, "industry", "", "industry")
	cmd.Flags().StringArrayVar(&services, "service", []string{}, "service type (repeatable)")
	cmd.Flags().StringArrayVar(&technologies, "technology", []string{}, "technology (repeatable)")
	cmd.Flags().StringVar(&intakeJSON, "intake-json", "", "raw intake payload JSON")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func caseListCmd() *cobra.Command {
	var f repo.CaseFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCases(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Stage", "Status", "Version", "Progress"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Title, c.Stage, c.Status, c.Version, fmt.Sprintf("%d%%", c.ProgressPercent)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.Outcome, "outcome", "", "outcome filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func caseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func caseStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <case-id>",
		Short: "Case snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				snap, err := o.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
	return cmd
}

func caseAdvanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <case-id>",
		Short: "Run the pipeline until the next gate, block, or completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				snap, err := o.Advance(ctx, args[0], viper.GetString("actor-id"), viper.GetString("session-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
	return cmd
}

func caseApproveCmd() *cobra.Command {
	var expected int64
	var andAdvance bool
	cmd := &cobra.Command{
		Use:   "approve <case-id>",
		Short: "Approve the gated stage output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				actor := viper.GetString("actor-id")
				sess := viper.GetString("session-id")
				snap, err := o.Approve(ctx, args[0], expected, actor, sess)
				if err != nil {
					return err
				}
				if andAdvance && snap.Status == domain.StatusRunning {
					snap, err = o.Advance(ctx, args[0], actor, sess)
					if err != nil {
						return err
					}
				}
				return printJSONOrTable(snap)
			})
		},
	}
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "version the approval was reviewed against")
	cmd.Flags().BoolVar(&andAdvance, "advance", false, "continue the pipeline after approval")
	_ = cmd.MarkFlagRequired("expected-version")
	return cmd
}

func caseRejectCmd() *cobra.Command {
	var expected int64
	var editsJSON string
	var rerun bool
	cmd := &cobra.Command{
		Use:   "reject <case-id>",
		Short: "Reject the gated stage output with edits or a rerun",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				actor := viper.GetString("actor-id")
				sess := viper.GetString("session-id")
				if rerun {
					snap, err := o.RejectAndRerun(ctx, args[0], expected, actor, sess)
					if err != nil {
						return err
					}
					return printJSONOrTable(snap)
				}
				if editsJSON == "" {
					return fmt.Errorf("--edits-json or --rerun required")
				}
				var edits domain.StageResult
				if err := json.Unmarshal([]byte(editsJSON), &edits); err != nil {
					return fmt.Errorf("parse edits: %w", err)
				}
				snap, err := o.RejectWithEdits(ctx, args[0], expected, edits, actor, sess)
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "version the review was done against")
	cmd.Flags().StringVar(&editsJSON, "edits-json", "", "replacement stage result JSON")
	cmd.Flags().BoolVar(&rerun, "rerun", false, "discard the output and re-execute the stage")
	_ = cmd.MarkFlagRequired("expected-version")
	return cmd
}

func caseRetryCmd() *cobra.Command {
	var expected int64
	cmd := &cobra.Command{
		Use:   "retry <case-id>",
		Short: "Retry a blocked case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				snap, err := o.Retry(ctx, args[0], expected, viper.GetString("actor-id"), viper.GetString("session-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "current case version")
	_ = cmd.MarkFlagRequired("expected-version")
	return cmd
}

func caseCancelCmd() *cobra.Command {
	var expected int64
	cmd := &cobra.Command{
		Use:   "cancel <case-id>",
		Short: "Cancel a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				snap, err := o.Cancel(ctx, args[0], expected, viper.GetString("actor-id"), viper.GetString("session-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "current case version")
	_ = cmd.MarkFlagRequired("expected-version")
	return cmd
}

func caseCheckpointsCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "checkpoints <case-id>",
		Short: "Checkpoint history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCheckpoints(ctx, args[0])
				if err != nil {
					return err
				}
				if stage != "" {
					kept := items[:0]
					for _, cp := range items {
						if cp.Stage == stage {
							kept = append(kept, cp)
						}
					}
					items = kept
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Stage", "Seq", "Revision", "Units", "Created"})
				for _, cp := range items {
					tw.AppendRow(table.Row{cp.ID, cp.Stage, cp.StageSeq, cp.Revision, len(cp.Result.Units), cp.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage filter")
	return cmd
}

func caseSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session <case-id>",
		Short: "Check for a concurrent editing session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				res, err := o.Sessions.Check(ctx, args[0], viper.GetString("session-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func caseDeleteCmd() *cobra.Command {
	var expected int64
	cmd := &cobra.Command{
		Use:   "delete <case-id>",
		Short: "Soft-delete a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.SoftDeleteCase(ctx, args[0], expected)
			})
		},
	}
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "current case version")
	_ = cmd.MarkFlagRequired("expected-version")
	return cmd
}

func rankCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rank <case-id>",
		Short: "Ranked similar historical cases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				c, err := o.Repo.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				res, err := o.Registry.RankCandidates(ctx, c)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Candidate", "Final", "Vector", "Metadata", "Quality", "Outcome", "Recency"})
				for _, cand := range res.Candidates {
					tw.AppendRow(table.Row{
						cand.CaseID,
						fmt.Sprintf("%.3f", cand.FinalScore),
						fmt.Sprintf("%.3f", cand.VectorSimilarity),
						fmt.Sprintf("%.3f", cand.MetadataScore),
						fmt.Sprintf("%.3f", cand.QualityScore),
						fmt.Sprintf("%.3f", cand.OutcomeScore),
						fmt.Sprintf("%.3f", cand.RecencyScore),
					})
				}
				tw.Render()
				fmt.Printf("pool size: %d\n", res.PoolSize)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	c.AddCommand(logTailCmd())
	return c
}

func logTailCmd() *cobra.Command {
	var caseID, evtType string
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, limit, caseID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Case", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.CaseID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func keyCmd() *cobra.Command {
	c := &cobra.Command{Use: "key", Short: "API keys"}
	c.AddCommand(keyCreateCmd())
	c.AddCommand(keyListCmd())
	c.AddCommand(keyDeleteCmd())
	return c
}

func keyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if actor == "" {
					actor = viper.GetString("actor-id")
				}
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("key id: %s\nsecret (save it now, it is not stored): %s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
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
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default bidline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var workers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, cfg, err := openWorkspace(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			o, err := buildOrchestrator(conn, cfg, workspace)
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = os.Getenv("BIDLINE_JWT_SECRET")
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("BIDLINE_JWT_SECRET is required for bearer auth")
			}
			pool := executor.NewPool(workers, o.Advance, nil)
			defer pool.Shutdown()
			handler, err := server.New(server.Config{
				Orchestrator: o,
				Pool:         pool,
				BasePath:     basePath,
				Auth:         authCfg,
			})
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
			fmt.Printf("Serving Bidline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().IntVar(&workers, "workers", 2, "advance worker count")
	return cmd
}

func openWorkspace(workspace string) (*sql.DB, *config.Config, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, cfg, nil
}

func buildOrchestrator(conn *sql.DB, cfg *config.Config, workspace string) (*orchestrator.Orchestrator, error) {
	r := repo.Repo{DB: conn}
	reg := &pipeline.Registry{
		Generator:   generate.LocalGenerator{},
		VectorStore: generate.LexicalStore{Repo: r},
		Ranker: rank.Ranker{
			Weights: rank.Weights{
				Vector:   cfg.Ranker.Weights.Vector,
				Metadata: cfg.Ranker.Weights.Metadata,
				Quality:  cfg.Ranker.Weights.Quality,
				Outcome:  cfg.Ranker.Weights.Outcome,
				Recency:  cfg.Ranker.Weights.Recency,
			},
			TopN: cfg.Ranker.TopN,
		},
		Repo: r,
	}
	p, err := pipeline.New(cfg, reg, checkpoint.Validate)
	if err != nil {
		return nil, err
	}
	o := orchestrator.New(conn, cfg, p, reg)
	o.Renderer = generate.MarkdownRenderer{Dir: filepath.Join(workspace, ".bidline", "out")}
	return o, nil
}

func withOrchestrator(ctx context.Context, fn func(context.Context, *orchestrator.Orchestrator) error) error {
	workspace := viper.GetString("workspace")
	conn, cfg, err := openWorkspace(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	o, err := buildOrchestrator(conn, cfg, workspace)
	if err != nil {
		return err
	}
	return fn(ctx, o)
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

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
