package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"loopline/internal/app"
	"loopline/internal/config"
	"loopline/internal/coord"
	"loopline/internal/db"
	"loopline/internal/domain"
	"loopline/internal/engine"
	"loopline/internal/loop"
	"loopline/internal/repo"
	"loopline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "lpl",
	Short: "Loopline CLI",
	Long: `Loopline drives development loops: phased executions with skills,
guarantee-checked gates, versioned deliverables, and resource leases for
concurrent agents.
Core concepts:
- Workspace: your .loopline directory holding the database and artifact trees.
- Loop: a YAML definition of phases, the skills inside them, and the gates between them.
- Execution: one run of a loop; phases go pending -> in_progress -> completed (or skipped).
- Skills: units of work inside a phase; required skills must complete before the phase can.
- Gates: checkpoints after a phase; human gates need 'lpl gate approve', auto gates pass when their guarantees hold.
- Guarantees: declarative checks (deliverable exists, nonempty, min lines) bound to skills, phases, and gates via loopline.yml.
- Deliverables: immutable versioned artifacts with content hashes; transient files live beside them and carry no versions.
- Reservations: TTL leases on shared resources (lpl reserve); merges queue per module and only proceed conflict-free.
- Event log: diary of everything, view with 'lpl log tail'.`,
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
	viper.SetEnvPrefix("LOOPLINE")
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
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(skillCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(deliverableCmd())
	rootCmd.AddCommand(transientCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(reserveCmd())
	rootCmd.AddCommand(mergeCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(logCmd())
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook (loopline.yml): guarantee catalog, skill/phase/gate bindings, aggregation options, and lease limits.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default loopline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "default", "workspace id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printJSONOrTable(a.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate loopline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

// --- run ---

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Manage executions",
		Long:  "Executions are runs of a loop definition. Phases advance in order; gates between them must be approved and every bound guarantee must hold.",
	}
	run.AddCommand(runStartCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runAdvanceCmd())
	run.AddCommand(runCompletePhaseCmd())
	run.AddCommand(runSkipPhaseCmd())
	run.AddCommand(runPauseCmd())
	run.AddCommand(runResumeCmd())
	run.AddCommand(runAbortCmd())
	run.AddCommand(runFailCmd())
	run.AddCommand(runManifestCmd())
	return run
}

func runStartCmd() *cobra.Command {
	var loopFile, project, id string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an execution of a loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loop.FromFile(loopFile)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				exec, err := a.Engine.Start(ctx, def, project, engine.StartOptions{ID: id, ActorID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
	cmd.Flags().StringVar(&loopFile, "loop", "", "path to loop YAML")
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&id, "id", "", "execution id (optional)")
	_ = cmd.MarkFlagRequired("loop")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func runListCmd() *cobra.Command {
	var f repo.ExecutionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListExecutions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Loop", "Project", "Status", "Updated"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.LoopID, e.ProjectID, e.Status, e.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.LoopID, "loop", "", "loop id filter")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <execution>",
		Short: "Show an execution with phases, skills and gates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				exec, err := a.Engine.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
	return cmd
}

func runAdvanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <execution>",
		Short: "Advance to the next phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				exec, err := a.Engine.AdvancePhase(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
	return cmd
}

func runCompletePhaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete-phase <execution>",
		Short: "Complete the current phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.CompletePhase(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func runSkipPhaseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "skip-phase <execution>",
		Short: "Skip the current phase, bypassing its gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.SkipPhase(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the phase is skipped")
	return cmd
}

func runPauseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause <execution>",
		Short: "Pause an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Pause(ctx, args[0], viper.GetString("actor-id"), reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "pause reason")
	return cmd
}

func runResumeCmd() *cobra.Command {
	var fromCheckpoint bool
	cmd := &cobra.Command{
		Use:   "resume <execution>",
		Short: "Resume a paused execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Resume(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				if !fromCheckpoint {
					return nil
				}
				cp, err := a.Store.LoadCheckpoint(ctx, args[0])
				if errors.Is(err, repo.ErrNotFound) {
					return fmt.Errorf("execution %s has no saved checkpoint", args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(cp)
			})
		},
	}
	cmd.Flags().BoolVar(&fromCheckpoint, "from-checkpoint", false, "print the saved checkpoint to pick up from")
	return cmd
}

func runAbortCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abort <execution>",
		Short: "Abort an execution and release its reservations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Abort(ctx, args[0], viper.GetString("actor-id"), reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "abort reason")
	return cmd
}

func runFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <execution>",
		Short: "Mark an execution failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Fail(ctx, args[0], viper.GetString("actor-id"), reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	return cmd
}

func runManifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest <execution>",
		Short: "Show the execution manifest with its deliverable map",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.BuildManifest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

// --- skill ---

func skillCmd() *cobra.Command {
	skill := &cobra.Command{
		Use:   "skill",
		Short: "Manage skills within an execution",
	}
	skill.AddCommand(skillCompleteCmd())
	skill.AddCommand(skillListCmd())
	return skill
}

func skillCompleteCmd() *cobra.Command {
	var result string
	cmd := &cobra.Command{
		Use:   "complete <execution> <skill>",
		Short: "Complete a skill",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.CompleteSkill(ctx, args[0], args[1], result, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&result, "result-json", "", "result JSON")
	return cmd
}

func skillListCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "list <execution>",
		Short: "List skills",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListSkills(ctx, args[0], phase)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase filter")
	return cmd
}

// --- gate ---

func gateCmd() *cobra.Command {
	gate := &cobra.Command{
		Use:   "gate",
		Short: "Approve and reject gates",
		Long:  "Gates guard phase transitions. Approval verifies every guarantee bound to the gate; rejection requires feedback and reopens the phase for rework.",
	}
	gate.AddCommand(gateApproveCmd())
	gate.AddCommand(gateRejectCmd())
	gate.AddCommand(gatePendingCmd())
	return gate
}

func gateApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <execution> <gate>",
		Short: "Approve a gate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				g, err := a.Engine.ApproveGate(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	return cmd
}

func gateRejectCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "reject <execution> <gate>",
		Short: "Reject a gate with feedback",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				g, err := a.Engine.RejectGate(ctx, args[0], args[1], feedback, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "rejection feedback")
	_ = cmd.MarkFlagRequired("feedback")
	return cmd
}

func gatePendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List gates awaiting approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.PendingGates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Execution", "Gate", "Phase", "Loop", "Priority", "Artifacts"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.Gate.ExecutionID, it.Gate.ID, it.Gate.Phase, it.LoopID, it.Priority, strings.Join(it.Artifacts, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

// --- deliverable ---

func deliverableCmd() *cobra.Command {
	del := &cobra.Command{
		Use:   "deliverable",
		Short: "Manage versioned deliverables",
		Long:  "Deliverables are immutable, content-hashed artifact versions. Writing the same name again creates the next version; reads verify the stored hash.",
	}
	del.AddCommand(deliverableCreateCmd())
	del.AddCommand(deliverableGetCmd())
	del.AddCommand(deliverableListCmd())
	del.AddCommand(deliverableVersionsCmd())
	del.AddCommand(deliverableSearchCmd())
	return del
}

func deliverableCreateCmd() *cobra.Command {
	var phase, file, content string
	var opts store.CreateOptions
	cmd := &cobra.Command{
		Use:   "create <execution> <name>",
		Short: "Write a new deliverable version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			switch {
			case file != "":
				b, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				data = b
			case content != "":
				data = []byte(content)
			default:
				return fmt.Errorf("--file or --content required")
			}
			opts.ActorID = viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := a.Store.CreateDeliverable(ctx, args[0], phase, args[1], data, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "producing phase")
	cmd.Flags().StringVar(&file, "file", "", "read content from file")
	cmd.Flags().StringVar(&content, "content", "", "inline content")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category")
	cmd.Flags().StringVar(&opts.Author, "author", "", "author")
	cmd.Flags().StringVar(&opts.ChangeNote, "note", "", "change note")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func deliverableGetCmd() *cobra.Command {
	var version int
	var out string
	cmd := &cobra.Command{
		Use:   "get <execution> <name>",
		Short: "Read a deliverable version (latest by default)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				data, v, err := a.Store.GetDeliverable(ctx, args[0], args[1], version)
				if err != nil {
					return err
				}
				if out != "" {
					if err := os.WriteFile(out, data, 0o644); err != nil {
						return err
					}
					return printJSONOrTable(v)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"version": v, "content": string(data)})
				}
				os.Stdout.Write(data)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "version (0 = latest)")
	cmd.Flags().StringVar(&out, "out", "", "write content to file")
	return cmd
}

func deliverableListCmd() *cobra.Command {
	var f repo.DeliverableFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List latest deliverable versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Store.ListDeliverables(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Execution", "Name", "Version", "Phase", "Lines", "Hash"})
				for _, v := range items {
					hash := v.Hash
					if len(hash) > 12 {
						hash = hash[:12]
					}
					tw.AppendRow(table.Row{v.ExecutionID, v.Name, v.Version, v.Phase, v.LineCount, hash})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ExecutionID, "execution", "", "execution filter")
	cmd.Flags().StringVar(&f.Phase, "phase", "", "phase filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.NameContains, "contains", "", "name substring filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func deliverableVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions <execution> <name>",
		Short: "List every version of one deliverable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Store.Versions(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func deliverableSearchCmd() *cobra.Command {
	var f repo.DeliverableFilters
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search latest deliverable contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				matches, err := a.Store.SearchDeliverables(ctx, args[0], f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(matches)
				}
				for _, m := range matches {
					fmt.Printf("%s %s v%d:%d: %s\n", m.ExecutionID, m.Name, m.Version, m.LineNumber, m.Line)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ExecutionID, "execution", "", "execution filter")
	cmd.Flags().StringVar(&f.Phase, "phase", "", "phase filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	return cmd
}

// --- transient ---

func transientCmd() *cobra.Command {
	tr := &cobra.Command{
		Use:   "transient",
		Short: "Manage transient working files",
		Long:  "Transient files live under context/, working/ and scratch/ areas per execution. They carry no versions and never count toward guarantees.",
	}
	tr.AddCommand(transientWriteCmd())
	tr.AddCommand(transientReadCmd())
	tr.AddCommand(transientListCmd())
	tr.AddCommand(transientCleanupCmd())
	return tr
}

func transientWriteCmd() *cobra.Command {
	var area, file, content string
	cmd := &cobra.Command{
		Use:   "write <execution> <name>",
		Short: "Write a transient file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			switch {
			case file != "":
				b, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				data = b
			case content != "":
				data = []byte(content)
			default:
				return fmt.Errorf("--file or --content required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Store.WriteTransient(args[0], area, args[1], data)
			})
		},
	}
	cmd.Flags().StringVar(&area, "area", store.AreaWorking, "area (context, working, scratch)")
	cmd.Flags().StringVar(&file, "file", "", "read content from file")
	cmd.Flags().StringVar(&content, "content", "", "inline content")
	return cmd
}

func transientReadCmd() *cobra.Command {
	var area string
	cmd := &cobra.Command{
		Use:   "read <execution> <name>",
		Short: "Read a transient file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				data, err := a.Store.ReadTransient(args[0], area, args[1])
				if err != nil {
					return err
				}
				os.Stdout.Write(data)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&area, "area", store.AreaWorking, "area (context, working, scratch)")
	return cmd
}

func transientListCmd() *cobra.Command {
	var area string
	cmd := &cobra.Command{
		Use:   "list <execution>",
		Short: "List transient files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				names, err := a.Store.ListTransient(args[0], area)
				if err != nil {
					return err
				}
				return printJSONOrTable(names)
			})
		},
	}
	cmd.Flags().StringVar(&area, "area", "", "area filter (empty for all)")
	return cmd
}

func transientCleanupCmd() *cobra.Command {
	var scratchOnly bool
	cmd := &cobra.Command{
		Use:   "cleanup <execution>",
		Short: "Delete transient files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Store.CleanupTransient(args[0], scratchOnly)
			})
		},
	}
	cmd.Flags().BoolVar(&scratchOnly, "scratch-only", false, "only delete the scratch area")
	return cmd
}

// --- checkpoint ---

func checkpointCmd() *cobra.Command {
	cp := &cobra.Command{
		Use:   "checkpoint",
		Short: "Save and load the per-execution checkpoint",
	}
	cp.AddCommand(checkpointSaveCmd())
	cp.AddCommand(checkpointShowCmd())
	return cp
}

func checkpointSaveCmd() *cobra.Command {
	var phase, skillID, dataJSON string
	cmd := &cobra.Command{
		Use:   "save <execution>",
		Short: "Save the checkpoint (overwrites the previous one)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cp, err := a.Store.SaveCheckpoint(ctx, args[0], phase, skillID, dataJSON, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(cp)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "current phase")
	cmd.Flags().StringVar(&skillID, "skill", "", "current skill")
	cmd.Flags().StringVar(&dataJSON, "data-json", "{}", "checkpoint payload JSON")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func checkpointShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <execution>",
		Short: "Show the saved checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cp, err := a.Store.LoadCheckpoint(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(cp)
			})
		},
	}
	return cmd
}

// --- reserve ---

func reserveCmd() *cobra.Command {
	res := &cobra.Command{
		Use:   "reserve",
		Short: "Manage resource reservations",
		Long:  "Reservations are TTL leases on shared resources (files, modules, branches). Exclusive leases block everyone else; shared leases only block exclusive ones. Expired leases are swept lazily.",
	}
	res.AddCommand(reserveCreateCmd())
	res.AddCommand(reserveReleaseCmd())
	res.AddCommand(reserveExtendCmd())
	res.AddCommand(reserveListCmd())
	res.AddCommand(reserveCheckCmd())
	return res
}

func reserveCreateCmd() *cobra.Command {
	var opts coord.ReservationOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a reservation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.CollaboratorID == "" {
				opts.CollaboratorID = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, conflict, err := a.Coord.CreateReservation(ctx, opts)
				if err != nil {
					return err
				}
				if conflict != nil {
					return printJSONOrTable(map[string]any{"conflict": conflict})
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Type, "type", "", "resource type (file, module, branch, ...)")
	cmd.Flags().StringVar(&opts.Target, "target", "", "resource target")
	cmd.Flags().BoolVar(&opts.Exclusive, "exclusive", true, "exclusive lease")
	cmd.Flags().StringVar(&opts.CollaboratorID, "collaborator", "", "collaborator id (defaults to actor-id)")
	cmd.Flags().StringVar(&opts.AgentSetID, "agent-set", "", "agent set id")
	cmd.Flags().StringVar(&opts.ExecutionID, "execution", "", "execution id")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason")
	cmd.Flags().Int64Var(&opts.DurationMs, "duration-ms", 0, "lease duration in ms (0 = default)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func reserveReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <id>",
		Short: "Release a reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Coord.ReleaseReservation(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func reserveExtendCmd() *cobra.Command {
	var ms int64
	cmd := &cobra.Command{
		Use:   "extend <id>",
		Short: "Extend a reservation's expiry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Coord.ExtendReservation(ctx, args[0], ms)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().Int64Var(&ms, "ms", 0, "additional milliseconds")
	_ = cmd.MarkFlagRequired("ms")
	return cmd
}

func reserveListCmd() *cobra.Command {
	var f repo.ReservationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reservations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListReservations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Target", "Excl", "Holder", "Expires"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Type, r.Target, r.Exclusive, r.CollaboratorID, r.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Target, "target", "", "target filter")
	cmd.Flags().StringVar(&f.CollaboratorID, "collaborator", "", "collaborator filter")
	cmd.Flags().StringVar(&f.AgentSetID, "agent-set", "", "agent set filter")
	cmd.Flags().StringVar(&f.ExecutionID, "execution", "", "execution filter")
	return cmd
}

func reserveCheckCmd() *cobra.Command {
	var typ, target string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check whether a resource is blocked",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				blocking, err := a.Coord.CheckResourceBlocked(ctx, typ, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"blocked": len(blocking) > 0, "blocking": blocking})
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "resource type")
	cmd.Flags().StringVar(&target, "target", "", "resource target")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

// --- merge ---

func mergeCmd() *cobra.Command {
	mg := &cobra.Command{
		Use:   "merge",
		Short: "Coordinate merges per module",
		Long:  "Merge requests queue per module. A request becomes ready only when no earlier open request overlaps its resources; execute re-checks under the module lock.",
	}
	mg.AddCommand(mergeRequestCmd())
	mg.AddCommand(mergeCheckCmd())
	mg.AddCommand(mergeExecuteCmd())
	mg.AddCommand(mergeRejectCmd())
	mg.AddCommand(mergeListCmd())
	return mg
}

func mergeRequestCmd() *cobra.Command {
	var agentSet, module string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request a merge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Coord.RequestMerge(ctx, viper.GetString("actor-id"), agentSet, module)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&agentSet, "agent-set", "", "agent set id")
	cmd.Flags().StringVar(&module, "module", "", "module id")
	_ = cmd.MarkFlagRequired("agent-set")
	_ = cmd.MarkFlagRequired("module")
	return cmd
}

func mergeCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <id>",
		Short: "Check a merge request for conflicts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, conflict, err := a.Coord.CheckMergeConflicts(ctx, args[0])
				if err != nil {
					return err
				}
				if conflict != nil {
					return printJSONOrTable(map[string]any{"request": m, "conflict": conflict})
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func mergeExecuteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute <id>",
		Short: "Execute a ready merge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, conflict, err := a.Coord.ExecuteMerge(ctx, args[0])
				if err != nil {
					return err
				}
				if conflict != nil {
					return printJSONOrTable(map[string]any{"request": m, "conflict": conflict})
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func mergeRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a merge request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Coord.RejectMerge(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func mergeListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List merge requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListMergeRequests(ctx, status, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

// --- agent ---

func agentCmd() *cobra.Command {
	ag := &cobra.Command{
		Use:   "agent",
		Short: "Report and inspect agent state",
	}
	ag.AddCommand(agentReportCmd())
	ag.AddCommand(agentShowCmd())
	ag.AddCommand(agentListCmd())
	return ag
}

func agentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ag, err := a.Repo.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ag)
			})
		},
	}
	return cmd
}

func agentReportCmd() *cobra.Command {
	var a domain.AgentState
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report agent progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ap *app.App) error {
				res, err := ap.Engine.ReportAgent(ctx, a, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&a.ID, "id", "", "agent id")
	cmd.Flags().StringVar(&a.ExecutionID, "execution", "", "execution id")
	cmd.Flags().StringVar(&a.Scope, "scope", "", "agent scope")
	cmd.Flags().StringVar(&a.WorktreePath, "worktree", "", "worktree path")
	cmd.Flags().StringVar(&a.Branch, "branch", "", "branch")
	cmd.Flags().StringVar(&a.Status, "status", "running", "status (spawning, running, waiting-gate, completed, failed)")
	cmd.Flags().StringVar(&a.Phase, "phase", "", "current phase")
	cmd.Flags().StringVar(&a.Progress, "progress", "", "progress note")
	cmd.Flags().IntVar(&a.FilesModified, "files-modified", 0, "files modified")
	cmd.Flags().IntVar(&a.Commits, "commits", 0, "commits")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func agentListCmd() *cobra.Command {
	var execution string
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents, flagging stale heartbeats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListAgents(ctx, execution)
				if err != nil {
					return err
				}
				type agentRow struct {
					domain.AgentState
					Stale bool `json:"stale"`
				}
				now := time.Now().UTC()
				rows := make([]agentRow, 0, len(items))
				for _, it := range items {
					r := agentRow{AgentState: it}
					if hb, err := time.Parse(time.RFC3339, it.HeartbeatAt); err == nil {
						r.Stale = now.Sub(hb) > staleAfter
					}
					rows = append(rows, r)
				}
				return printJSONOrTable(rows)
			})
		},
	}
	cmd.Flags().StringVar(&execution, "execution", "", "execution filter")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 2*time.Minute, "heartbeat age before an agent counts as stale")
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: phase transitions, gate decisions, deliverable writes, leases, merges.",
	}
	log.AddCommand(logTailCmd())
	log.AddCommand(logWatchCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var before int64
	var execution, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestEventsFrom(ctx, n, before, execution, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&before, "before", 0, "only events with IDs below this cursor")
	cmd.Flags().StringVar(&execution, "execution", "", "execution filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func logWatchCmd() *cobra.Command {
	var execution string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream new events as they are appended",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cursor, err := a.Repo.LatestEventID(ctx, execution)
				if err != nil {
					return err
				}
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-ticker.C:
					}
					events, err := a.Repo.EventsAfter(ctx, 100, cursor, execution)
					if err != nil {
						return err
					}
					for _, e := range events {
						if err := printJSON(e); err != nil {
							return err
						}
						cursor = e.ID
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&execution, "execution", "", "execution filter")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
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
