package main

import (
	"bufio"
	"context"
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

	"conductor/internal/agent"
	"conductor/internal/app"
	"conductor/internal/config"
	"conductor/internal/db"
	"conductor/internal/domain"
	"conductor/internal/engine"
	"conductor/internal/feed"
	"conductor/internal/migrate"
	"conductor/internal/repo"
	"conductor/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cond",
	Short: "Conductor CLI",
	Long: `Conductor drives a remote coding agent through a phased project workflow
and streams everything the agent does back to you.
- Workspace: your .conductor directory with the database; config lives in conductor.yml.
- Project: owns the workflow phases, executions, and the activity stream.
- Executions: one run of an agent command; only one may be active per project.
- Activities: classified units of agent work (file reads, commands, errors), append-only.
- Phases: the ordered workflow; gated phases wait for your approval before advancing.
- Feed: 'cond feed' tails the merged stream of events and activities.`,
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
	viper.SetEnvPrefix("CONDUCTOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(feedCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var id, name, repoURL, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
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
			cfg := config.Default(id)
			if repoURL != "" {
				cfg.Project.RepoURL = repoURL
			}
			e := engine.New(conn, agentClientFromConfig(cfg), cfg)
			p, err := e.InitProject(cmd.Context(), id, name, repoURL, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&repoURL, "repo-url", "", "git repository URL for the agent workspace")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var status string
	var description string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				var descPtr *string
				if cmd.Flags().Changed("description") {
					descPtr = &description
				}
				if err := e.Repo.UpdateProject(ctx, target, status, descPtr); err != nil {
					return err
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status (brainstorming, vision_review, planning, in_progress, paused, completed)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				return e.Repo.DeleteProject(ctx, target)
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "CONDUCTOR_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set CONDUCTOR_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	cfg.AddCommand(projectConfigInitCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active project config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func projectConfigInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default conductor.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "See where the project stands: overall state, the active phase, and the running execution with its activity counts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := e.Config.Project.ID
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				var phase *domain.WorkflowPhase
				if active, err := e.Repo.ActivePhase(ctx, projectID); err == nil {
					phase = &active
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				var exec *domain.CommandExecution
				var counts map[string]int
				if running, err := e.Repo.ActiveExecution(ctx, projectID); err == nil {
					exec = &running
					if counts, err = e.Repo.CountActivitiesByType(ctx, running.ID); err != nil {
						return err
					}
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"project_id":      p.ID,
						"status":          p.Status,
						"active_phase":    phase,
						"execution":       exec,
						"activity_counts": counts,
					})
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				if phase != nil {
					fmt.Printf("Active phase: %d %s [%s]\n", phase.Number, phase.Name, phase.Status)
				} else {
					fmt.Println("Active phase: none")
				}
				if exec != nil {
					fmt.Printf("Execution: %s %s [%s]\n", exec.ID, exec.Command, exec.Status)
					for typ, c := range counts {
						fmt.Printf("  %s: %d\n", typ, c)
					}
				} else {
					fmt.Println("Execution: none")
				}
				return nil
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	var phaseID string
	cmd := &cobra.Command{
		Use:   "run <command> [args...]",
		Short: "Run an agent command and wait for completion",
		Long:  "Sends the command to the remote agent, polls the conversation until it settles, and records every classified activity along the way.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.RunCommand(ctx, e.Config.Project.ID, args[0], args[1:], phaseID, viper.GetString("actor-id"))
				if err != nil && exec.ID == "" {
					return err
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
				}
				return printJSONOrTable(exec)
			})
		},
	}
	cmd.Flags().StringVar(&phaseID, "phase", "", "phase id to attribute the execution to")
	return cmd
}

func execCmd() *cobra.Command {
	ex := &cobra.Command{Use: "exec", Short: "Inspect command executions"}
	ex.AddCommand(execListCmd())
	ex.AddCommand(execShowCmd())
	return ex
}

func execListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListExecutions(ctx, repo.ExecutionFilters{
					ProjectID: e.Config.Project.ID,
					Status:    status,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "COMMAND", "STATUS", "STARTED", "COMPLETED")
				for _, exec := range items {
					t.AppendRow(table.Row{exec.ID, exec.Command, exec.Status, exec.StartedAt, strOrDash(exec.CompletedAt)})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "n", 20, "number of executions")
	return cmd
}

func execShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.Repo.GetExecution(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
	return cmd
}

func activityCmd() *cobra.Command {
	act := &cobra.Command{Use: "activity", Short: "Inspect classified activities"}
	act.AddCommand(activityListCmd())
	return act
}

func activityListCmd() *cobra.Command {
	var executionID, activityType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List activities in stream order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActivities(ctx, repo.ActivityFilters{
					ProjectID:   e.Config.Project.ID,
					ExecutionID: executionID,
					Type:        activityType,
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("TS", "TYPE", "DESCRIPTION")
				for _, a := range items {
					t.AppendRow(table.Row{a.TS, a.Type, a.Description})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&executionID, "execution", "", "filter by execution id")
	cmd.Flags().StringVar(&activityType, "type", "", "filter by activity type")
	cmd.Flags().IntVar(&limit, "n", 50, "number of activities")
	return cmd
}

func phaseCmd() *cobra.Command {
	ph := &cobra.Command{
		Use:   "phase",
		Short: "Drive the workflow phases",
		Long:  "Phases run in order. Gated phases open an approval gate and wait; failed phases block until retried.",
	}
	ph.AddCommand(phaseListCmd())
	ph.AddCommand(phaseRunCmd())
	ph.AddCommand(phaseAdvanceCmd())
	ph.AddCommand(phaseRetryCmd())
	return ph
}

func phaseListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow phases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPhases(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("#", "NAME", "COMMAND", "GATE", "STATUS")
				for _, p := range items {
					t.AppendRow(table.Row{p.Number, p.Name, p.Command, p.GateKind, p.Status})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func phaseRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the active phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				phase, err := e.RunPhase(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
				if err != nil && phase.ID == "" {
					return err
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "phase blocked: %v\n", err)
				}
				return printJSONOrTable(phase)
			})
		},
	}
	return cmd
}

func phaseAdvanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Activate the next pending phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				phase, err := e.AdvancePhase(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(phase)
			})
		},
	}
	return cmd
}

func phaseRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-run the blocked phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				phase, err := e.RetryPhase(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
				if err != nil && phase.ID == "" {
					return err
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "phase blocked: %v\n", err)
				}
				return printJSONOrTable(phase)
			})
		},
	}
	return cmd
}

func gateCmd() *cobra.Command {
	gt := &cobra.Command{Use: "gate", Short: "Approval gates"}
	gt.AddCommand(gateListCmd())
	gt.AddCommand(gateApproveCmd())
	gt.AddCommand(gateRejectCmd())
	return gt
}

func gateListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval gates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListGates(ctx, repo.GateFilters{
					ProjectID: e.Config.Project.ID,
					Status:    status,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "KIND", "QUESTION", "STATUS")
				for _, g := range items {
					t.AppendRow(table.Row{g.ID, g.Kind, g.Question, g.Status})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, approved, rejected)")
	return cmd
}

func gateApproveCmd() *cobra.Command {
	var response string
	cmd := &cobra.Command{
		Use:   "approve <gate-id>",
		Short: "Approve a pending gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.ResolveGate(ctx, args[0], true, response, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&response, "response", "", "optional response text")
	return cmd
}

func gateRejectCmd() *cobra.Command {
	var response string
	cmd := &cobra.Command{
		Use:   "reject <gate-id>",
		Short: "Reject a pending gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.ResolveGate(ctx, args[0], false, response, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&response, "response", "", "optional response text")
	return cmd
}

func feedCmd() *cobra.Command {
	var verbosity string
	var backlog int
	var follow bool
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Tail the live activity feed",
		Long:  "Prints the merged stream of workflow events and agent activities. Coarse shows status changes only; fine includes every classified activity.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tailer := feed.NewTailer(e.Repo, e.Config.Project.ID, verbosity, backlog)
				items, err := tailer.Start(ctx)
				if err != nil {
					return err
				}
				printFeedItems(items)
				if !follow {
					return nil
				}
				interval := 2 * time.Second
				if e.Config.Feed.PollIntervalSeconds > 0 {
					interval = time.Duration(e.Config.Feed.PollIntervalSeconds * float64(time.Second))
				}
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						items, err := tailer.Next(ctx)
						if err != nil {
							return err
						}
						printFeedItems(items)
					case <-ctx.Done():
						return nil
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&verbosity, "verbosity", "coarse", "coarse or fine")
	cmd.Flags().IntVar(&backlog, "backlog", 20, "number of past items to replay")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new items")
	return cmd
}

func printFeedItems(items []feed.Item) {
	if viper.GetBool("json") {
		for _, item := range items {
			b, _ := json.Marshal(item)
			fmt.Println(string(b))
		}
		return
	}
	for _, item := range items {
		line := fmt.Sprintf("[%s] %-8s %s", item.TS, item.Source, item.Message)
		if item.Type != "" {
			line += " (" + item.Type + ")"
		}
		fmt.Println(line)
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: executions, phase changes, gate decisions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage API keys"}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyDeleteCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext := "ck_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(plaintext),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      plaintext,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
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

func dbCmd() *cobra.Command {
	dbc := &cobra.Command{Use: "db", Short: "Database utilities"}
	dbc.AddCommand(dbVersionCmd())
	return dbc
}

func dbVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.CurrentVersion(conn)
			if err != nil {
				return err
			}
			fmt.Printf("schema version %d\n", version)
			return nil
		},
	}
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
			r := repo.Repo{DB: conn}
			projectID, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, agentClientFromConfig(cfg), cfg)
			if err := app.EnsureProject(cmd.Context(), e, projectID, viper.GetString("actor-id")); err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CONDUCTOR_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CONDUCTOR_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Conductor API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func agentClientFromConfig(cfg *config.Config) *agent.Client {
	c := agent.New(cfg.Agent.BaseURL)
	if cfg.Agent.ConversationPrefix != "" {
		c.ConversationPrefix = cfg.Agent.ConversationPrefix
	}
	if cfg.Agent.PollIntervalSeconds > 0 {
		c.PollInterval = time.Duration(cfg.Agent.PollIntervalSeconds * float64(time.Second))
	}
	if cfg.Agent.TimeoutSeconds > 0 {
		c.Timeout = time.Duration(cfg.Agent.TimeoutSeconds) * time.Second
	}
	return c
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
	r := repo.Repo{DB: conn}
	projectID, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, agentClientFromConfig(cfg), cfg)
	if err := app.EnsureProject(ctx, e, projectID, viper.GetString("actor-id")); err != nil {
		return err
	}
	return fn(ctx, e)
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
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func newTable(cols ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row(cols))
	return t
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

func strOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
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
