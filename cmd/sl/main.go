package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
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
	"go.uber.org/zap"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/repo"
	"stageline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stageline CLI",
	Long: `Stageline moves projects through a configurable stage pipeline with
validated transitions.
- Workspace: your .stageline directory holding the database; rule configs
  are stored in the DB per organization and imported explicitly.
- Stages: the ordered pipeline (e.g. Inquiry -> Technical Review -> Quoted).
  Each stage can require documents, project fields, approvals.
- Transitions: moving a project between stages. Every move is validated
  against the target stage's prerequisites; failures list exactly what is
  missing.
- Bypass: authorized actors can override a failed validation with a
  written justification; the override lands in the audit trail.
- History: append-only record of every attempt (completed, bypassed,
  rejected), view with 'sl history'.`,
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
	viper.SetEnvPrefix("STAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "organization id (overrides STAGELINE_DEFAULT_ORG)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}

func registerCommands() {
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(advanceCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- org ---

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage organizations"}
	org.AddCommand(orgInitCmd())
	org.AddCommand(orgUseCmd())
	org.AddCommand(orgConfigCmd())
	return org
}

func orgInitCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize an organization with the default rule config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			org, err := e.InitOrg(cmd.Context(), id, name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(org)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "organization id")
	cmd.Flags().StringVar(&name, "name", "", "organization name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func orgUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current organization for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID := strings.TrimSpace(args[0])
			if orgID == "" {
				return fmt.Errorf("organization id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "STAGELINE_DEFAULT_ORG", orgID); err != nil {
				return err
			}
			fmt.Printf("Set STAGELINE_DEFAULT_ORG=%s in %s/.env\n", orgID, workspace)
			return nil
		},
	}
	return cmd
}

func orgConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage organization rule config"}
	cfg.AddCommand(orgConfigShowCmd())
	cfg.AddCommand(orgConfigImportCmd())
	return cfg
}

func orgConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show rule config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func orgConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import rule config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			orgID := cfg.Org.ID
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if orgID == "" {
					orgID = resolveOrg()
				}
				if orgID == "" {
					return fmt.Errorf("organization not specified; set org.id in the config or use --org")
				}
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.UpsertOrgConfig(ctx, orgID, cfg, now); err != nil {
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

// --- stage ---

func stageCmd() *cobra.Command {
	stage := &cobra.Command{
		Use:   "stage",
		Short: "Manage pipeline stages",
		Long:  "Stages form the ordered pipeline projects move through. Order is unique per organization. A referenced stage is deactivated rather than deleted, so history stays intact.",
	}
	stage.AddCommand(stageListCmd())
	stage.AddCommand(stageAddCmd())
	stage.AddCommand(stageUpdateCmd())
	stage.AddCommand(stageDeactivateCmd())
	stage.AddCommand(stageRemoveCmd())
	return stage
}

func stageListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stages in pipeline order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListStages(ctx, e.Config.Org.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Order", "ID", "Name", "Active", "Approval"})
				for _, s := range items {
					approval := ""
					if s.RequiresApproval {
						approval = strings.Join(s.ApprovalRoles, ",")
					}
					tw.AppendRow(table.Row{s.Order, s.ID, s.Name, s.IsActive, approval})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func stageAddCmd() *cobra.Command {
	var opts engine.StageCreateOptions
	var approvalRoles, responsibleRoles []string
	var durationDays int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.ApprovalRoles = approvalRoles
			opts.ResponsibleRoles = responsibleRoles
			if cmd.Flags().Changed("duration-days") {
				opts.EstimatedDurationDays = &durationDays
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.OrgID = e.Config.Org.ID
				s, err := e.CreateStage(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "stage name")
	cmd.Flags().IntVar(&opts.Order, "order", 0, "pipeline position (unique per org)")
	cmd.Flags().BoolVar(&opts.RequiresApproval, "requires-approval", false, "gate entry on approval")
	cmd.Flags().StringArrayVar(&approvalRoles, "approval-role", []string{}, "role allowed to approve entry (repeatable)")
	cmd.Flags().StringArrayVar(&responsibleRoles, "responsible-role", []string{}, "role responsible for the stage (repeatable)")
	cmd.Flags().IntVar(&durationDays, "duration-days", 0, "estimated duration in days")
	cmd.Flags().StringVar(&opts.ExitCriteria, "exit-criteria", "", "human-readable exit criteria")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("order")
	return cmd
}

func stageUpdateCmd() *cobra.Command {
	var stageID, name, exitCriteria string
	var requiresApproval bool
	var approvalRoles, responsibleRoles []string
	var durationDays int
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := domain.ParseStageRef(stageID)
			if err != nil {
				return err
			}
			opts := engine.StageUpdateOptions{
				StageID: ref,
				ActorID: viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("requires-approval") {
				opts.RequiresApproval = &requiresApproval
			}
			if cmd.Flags().Changed("approval-role") {
				opts.ApprovalRoles = approvalRoles
			}
			if cmd.Flags().Changed("responsible-role") {
				opts.ResponsibleRoles = responsibleRoles
			}
			if cmd.Flags().Changed("duration-days") {
				opts.EstimatedDurationDays = &durationDays
			}
			if cmd.Flags().Changed("exit-criteria") {
				opts.ExitCriteria = &exitCriteria
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.OrgID = e.Config.Org.ID
				s, err := e.UpdateStage(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	cmd.Flags().StringVar(&name, "name", "", "stage name")
	cmd.Flags().BoolVar(&requiresApproval, "requires-approval", false, "gate entry on approval")
	cmd.Flags().StringArrayVar(&approvalRoles, "approval-role", []string{}, "role allowed to approve entry (repeatable)")
	cmd.Flags().StringArrayVar(&responsibleRoles, "responsible-role", []string{}, "role responsible for the stage (repeatable)")
	cmd.Flags().IntVar(&durationDays, "duration-days", 0, "estimated duration in days")
	cmd.Flags().StringVar(&exitCriteria, "exit-criteria", "", "human-readable exit criteria")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func stageDeactivateCmd() *cobra.Command {
	var stageID string
	cmd := &cobra.Command{
		Use:   "deactivate",
		Short: "Deactivate a stage (never deleted; history keeps referencing it)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := domain.ParseStageRef(stageID)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.DeactivateStage(ctx, e.Config.Org.ID, ref, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func stageRemoveCmd() *cobra.Command {
	var stageID string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a stage no project or history record references",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := domain.ParseStageRef(stageID)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RemoveStage(ctx, e.Config.Org.ID, ref, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("removed stage %s\n", stageID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

// --- project ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectSetCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project (enters the first active stage)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.OrgID = e.Config.Org.ID
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().StringVar(&opts.OwnerID, "owner", "", "owner actor id")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (low, normal, high, urgent)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx, e.Config.Org.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				stages, err := e.Repo.ListStages(ctx, e.Config.Org.ID)
				if err != nil {
					return err
				}
				names := map[domain.StageRef]string{}
				for _, s := range stages {
					names[s.ID] = s.Name
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Stage", "Owner", "Priority"})
				for _, p := range items {
					stage := ""
					if p.CurrentStageID != nil {
						stage = names[*p.CurrentStageID]
					}
					tw.AppendRow(table.Row{p.ID, p.Name, stage, strValue(p.OwnerID), strValue(p.Priority)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func projectSetCmd() *cobra.Command {
	var projectID, owner, priority, description string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set project fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			var ownerPtr, priorityPtr, descPtr *string
			if cmd.Flags().Changed("owner") {
				ownerPtr = &owner
			}
			if cmd.Flags().Changed("priority") {
				priorityPtr = &priority
			}
			if cmd.Flags().Changed("description") {
				descPtr = &description
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SetProjectFields(ctx, projectID, ownerPtr, priorityPtr, descPtr, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&owner, "owner", "", "owner actor id")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, normal, high, urgent)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

// --- documents ---

func docCmd() *cobra.Command {
	doc := &cobra.Command{Use: "doc", Short: "Manage project documents"}
	doc.AddCommand(docAttachCmd())
	doc.AddCommand(docListCmd())
	return doc
}

func docAttachCmd() *cobra.Command {
	var projectID, docType, name string
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach a document reference",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.AttachDocument(ctx, projectID, docType, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&docType, "type", "", "document type (e.g. drawing, bom)")
	cmd.Flags().StringVar(&name, "name", "", "document name")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func docListCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDocuments(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

// --- transitions ---

func transitionCmd() *cobra.Command {
	tr := &cobra.Command{
		Use:   "transition",
		Short: "Validate and execute stage transitions",
		Long:  "Every transition is validated against the target stage's prerequisites. 'validate' is a dry run; 'run' commits the move. A failed validation can be overridden with --bypass and a mandatory --justification when your role carries bypass authority.",
	}
	tr.AddCommand(transitionValidateCmd())
	tr.AddCommand(transitionRunCmd())
	return tr
}

func transitionValidateCmd() *cobra.Command {
	var projectID, target string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a candidate transition (dry run)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := domain.ParseStageRef(target)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := e.ValidateTransition(ctx, projectID, ref, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				printValidation(result)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&target, "to", "", "target stage id")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func transitionRunCmd() *cobra.Command {
	var projectID, target, reason, justification string
	var bypass bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a transition",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := domain.ParseStageRef(target)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ExecuteTransition(ctx, engine.ExecuteOptions{
					ProjectID:     projectID,
					Target:        ref,
					ActorID:       viper.GetString("actor-id"),
					Bypass:        bypass,
					Reason:        reason,
					Justification: justification,
				})
				if err != nil {
					var failed engine.ValidationFailedError
					if errors.As(err, &failed) {
						printValidation(failed.Result)
					}
					return err
				}
				if res.AuditWarning != "" {
					fmt.Fprintln(os.Stderr, "warning:", res.AuditWarning)
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&target, "to", "", "target stage id")
	cmd.Flags().BoolVar(&bypass, "bypass", false, "override a failed validation (requires bypass authority)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the transition")
	cmd.Flags().StringVar(&justification, "justification", "", "written justification (required with --bypass)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// --- approvals ---

func approvalCmd() *cobra.Command {
	ap := &cobra.Command{Use: "approval", Short: "Manage stage entry approvals"}
	ap.AddCommand(approvalRequestCmd())
	ap.AddCommand(approvalDecideCmd("approve", true))
	ap.AddCommand(approvalDecideCmd("reject", false))
	ap.AddCommand(approvalListCmd())
	return ap
}

func approvalRequestCmd() *cobra.Command {
	var projectID, stageID string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request approval for entering a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := domain.ParseStageRef(stageID)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.EnsureApprovalRequested(ctx, projectID, ref, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func approvalDecideCmd(use string, approve bool) *cobra.Command {
	short := "Approve a pending approval"
	if !approve {
		short = "Reject a pending approval"
	}
	var projectID, stageID, note string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := domain.ParseStageRef(stageID)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.DecideApproval(ctx, projectID, ref, approve, note, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	cmd.Flags().StringVar(&note, "note", "", "decision note")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func approvalListCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListApprovals(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

// --- auto-advance ---

func advanceCmd() *cobra.Command {
	var projectID string
	var apply bool
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Evaluate (and optionally apply) auto-advance",
		Long:  "Reports whether the project already satisfies the next stage's prerequisites. With --apply the advance is executed through the regular validated transition path; auto-advance never bypasses validation and never enters approval-gated stages.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				eval, err := e.EvaluateAutoAdvance(ctx, projectID)
				if err != nil {
					return err
				}
				if !apply || !eval.Available {
					return printJSONOrTable(eval)
				}
				res, err := e.ExecuteTransition(ctx, engine.ExecuteOptions{
					ProjectID: projectID,
					Target:    eval.NextStage.ID,
					ActorID:   viper.GetString("actor-id"),
					Reason:    eval.Reason,
				})
				if err != nil {
					return err
				}
				if res.AuditWarning != "" {
					fmt.Fprintln(os.Stderr, "warning:", res.AuditWarning)
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().BoolVar(&apply, "apply", false, "execute the advance when available")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

// --- history / log ---

func historyCmd() *cobra.Command {
	var projectID string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show transition history, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTransitions(ctx, projectID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "From", "To", "Actor", "Outcome", "Justification"})
				for _, rec := range items {
					from := ""
					if rec.FromStageID != nil {
						from = rec.FromStageID.String()
					}
					tw.AppendRow(table.Row{rec.TS, from, rec.ToStageID, rec.ActorID, rec.Outcome, rec.Justification})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().IntVar(&limit, "n", 50, "number of records")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Engine event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEvents(ctx, e.Config.Org.ID, projectID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "project id filter")
	return cmd
}

// --- rbac ---

func rbacCmd() *cobra.Command {
	rb := &cobra.Command{Use: "rbac", Short: "Manage roles"}
	rb.AddCommand(rbacGrantCmd())
	rb.AddCommand(rbacRevokeCmd())
	return rb
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a configured role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, e.Config.Org.ID, target, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, e.Config.Org.ID, target, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apikeyCreateCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor (secret printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			secretBytes := make([]byte, 32)
			if _, err := rand.Read(secretBytes); err != nil {
				return err
			}
			secret := "slk_" + hex.EncodeToString(secretBytes)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
					return err
				}
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: now,
				}
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Printf("API key created for %s. Store the secret now; it is not retrievable later.\n%s\n", actorID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
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
			r := repo.Repo{DB: conn}
			cfg, err := resolveOrgConfig(cmd.Context(), r, workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("STAGELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("STAGELINE_JWT_SECRET is required for bearer auth")
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: logger})
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
			logger.Info("serving Stageline API",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
			)
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

func resolveOrg() string {
	if v := strings.TrimSpace(viper.GetString("org")); v != "" {
		return v
	}
	return strings.TrimSpace(viper.GetString("default-org"))
}

// resolveOrgConfig prefers the config stored in the DB, then the workspace
// YAML, then the built-in default.
func resolveOrgConfig(ctx context.Context, r repo.Repo, workspace string) (*config.Config, error) {
	orgID := resolveOrg()
	if orgID == "" {
		if cfg, err := config.Load(workspace); err == nil && cfg.Org.ID != "" {
			return cfg, nil
		}
		return nil, fmt.Errorf("organization not specified; use --org or set STAGELINE_DEFAULT_ORG (sl org use <id>)")
	}
	if cfg, err := r.GetOrgConfig(ctx, orgID); err == nil {
		return cfg, nil
	}
	if cfg, err := config.Load(workspace); err == nil && cfg.Org.ID == orgID {
		return cfg, nil
	}
	return config.Default(orgID), nil
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
	cfg, err := resolveOrgConfig(ctx, r, workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
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
	return fn(ctx, repo.Repo{DB: conn})
}

func printValidation(result domain.ValidationResult) {
	verdict := "INVALID"
	if result.IsValid {
		verdict = "VALID"
	}
	fmt.Printf("Validation: %s (can proceed: %t)\n", verdict, result.CanProceed)
	if result.RequiresApproval {
		fmt.Println("Approval required before entry.")
	}
	if result.RequiresBypass {
		fmt.Println("Proceeding requires --bypass with a justification.")
	}
	if len(result.Checks) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Check", "Category", "Status", "Required", "Details"})
		for _, c := range result.Checks {
			tw.AppendRow(table.Row{c.Name, c.Category, c.Status, c.Required, c.Details})
		}
		tw.Render()
	}
	for _, msg := range result.Errors {
		fmt.Println("error:", msg)
	}
	for _, msg := range result.Warnings {
		fmt.Println("warning:", msg)
	}
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

func strValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
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
