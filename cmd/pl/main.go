package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"propline/internal/app"
	"propline/internal/config"
	"propline/internal/db"
	"propline/internal/domain"
	"propline/internal/engine"
	"propline/internal/migrate"
	"propline/internal/repo"
	"propline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Propline CLI",
	Long: `Propline runs autonomous property-operations workflows under policy control.
Core concepts:
- Workspace: your .propline directory holding the database; propline.yml next to it configures the service.
- Runs: one workflow execution against one property; steps run in order and may propose actions.
- Policies: rules that classify each proposed action as allow, block, or require_approval. No rule means approval is required.
- Actions: the approvable units; approve executes, reject declines, and each action executes at most once.
- Exceptions: problems needing a human; severe ones notify the manager immediately.
- Event log: diary of everything; view with 'pl log tail' or stream a run with 'pl run watch'.`,
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
	viper.SetEnvPrefix("PROPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("manager-id", "local-manager", "manager identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("manager-id", rootCmd.PersistentFlags().Lookup("manager-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(exceptionCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(kpiCmd())
	rootCmd.AddCommand(propertyCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default propline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	return cfg
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Manage workflow runs"}
	run.AddCommand(runStartCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runLogCmd())
	run.AddCommand(runCancelCmd())
	run.AddCommand(runWatchCmd())
	return run
}

func runStartCmd() *cobra.Command {
	var propertyID, wf, trigger, ref, inputJSON string
	var wait bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a workflow run against a property",
		Long:  "Starts a run locally. The property is granted to the local manager on first use.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if propertyID == "" {
				return fmt.Errorf("--property required")
			}
			var input map[string]any
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
					return fmt.Errorf("parse --input: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				managerID := viper.GetString("manager-id")
				if err := e.Repo.GrantProperty(ctx, managerID, propertyID); err != nil {
					return err
				}
				run, err := e.StartRun(ctx, engine.RunStartOptions{
					TriggerType: trigger,
					TriggerRef:  ref,
					Workflow:    wf,
					PropertyID:  propertyID,
					ManagerID:   managerID,
					Input:       input,
					ActorID:     managerID,
				})
				if err != nil {
					return err
				}
				if wait {
					if err := e.ExecuteRun(ctx, run.ID); err != nil {
						return err
					}
					run, err = e.Repo.GetRun(ctx, run.ID)
					if err != nil {
						return err
					}
				} else {
					go func() {
						exCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
						defer cancel()
						_ = e.ExecuteRun(exCtx, run.ID)
					}()
				}
				return printJSON(run)
			})
		},
	}
	cmd.Flags().StringVar(&propertyID, "property", "", "property id")
	cmd.Flags().StringVar(&wf, "workflow", "", "workflow name (defaults to config)")
	cmd.Flags().StringVar(&trigger, "trigger", "manual", "trigger type (schedule, event, manual)")
	cmd.Flags().StringVar(&ref, "ref", "", "trigger reference")
	cmd.Flags().StringVar(&inputJSON, "input", "", "trigger input as JSON")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the run to finish")
	_ = cmd.MarkFlagRequired("property")
	return cmd
}

func runListCmd() *cobra.Command {
	var propertyID, status, wf string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				scope, err := scopeFor(ctx, e, propertyID)
				if err != nil {
					return err
				}
				items, err := e.Repo.ListRuns(ctx, repo.RunFilters{
					PropertyIDs: scope,
					Status:      status,
					Workflow:    wf,
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "WORKFLOW", "PROPERTY", "STATUS", "TRIGGER", "CREATED")
				for _, r := range items {
					t.AppendRow(table.Row{r.ID, r.Workflow, r.PropertyID, r.Status, r.TriggerType, r.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&propertyID, "property", "", "filter by property")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&wf, "workflow", "", "filter by workflow")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				steps, err := e.Repo.ListSteps(ctx, run.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "steps": steps})
				}
				_ = printJSON(run)
				t := newTable("#", "STEP", "STATUS", "ERROR")
				for _, s := range steps {
					t.AppendRow(table.Row{s.StepOrder, s.Name, s.Status, s.Error})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func runLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log <run-id>",
		Short: "Show a run's action log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				logs, err := e.Repo.ListActionLogs(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				t := newTable("ID", "ACTION", "TARGET", "DECISION", "REASON")
				for _, l := range logs {
					t.AppendRow(table.Row{l.ID, l.ActionType, l.Target, l.Decision, l.Reason})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func runCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request run cancellation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				managerID := viper.GetString("manager-id")
				scope, err := e.ScopeFor(ctx, managerID)
				if err != nil {
					return err
				}
				run, err := e.CancelRun(ctx, args[0], managerID, scope)
				if err != nil {
					return err
				}
				return printJSON(run)
			})
		},
	}
	return cmd
}

func runWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Watch a run until it reaches a terminal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				interval := e.Config.StreamPollInterval()
				lastStatus := map[string]string{}
				for {
					run, err := e.Repo.GetRun(ctx, args[0])
					if err != nil {
						return err
					}
					steps, err := e.Repo.ListSteps(ctx, run.ID)
					if err != nil {
						return err
					}
					for _, s := range steps {
						if lastStatus[s.ID] != s.Status {
							lastStatus[s.ID] = s.Status
							fmt.Printf("step %d %-24s %s\n", s.StepOrder, s.Name, s.Status)
						}
					}
					if lastStatus[run.ID] != run.Status {
						lastStatus[run.ID] = run.Status
						fmt.Printf("run %s\n", run.Status)
					}
					if run.Terminal() {
						if run.Summary != "" {
							fmt.Println(run.Summary)
						}
						return nil
					}
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(interval):
					}
				}
			})
		},
	}
	return cmd
}

func actionCmd() *cobra.Command {
	act := &cobra.Command{Use: "action", Short: "Review and respond to actions"}
	act.AddCommand(actionListCmd())
	act.AddCommand(actionShowCmd())
	act.AddCommand(actionRespondCmd("approve", "Approve and execute a pending action"))
	act.AddCommand(actionRespondCmd("reject", "Reject a pending action"))
	return act
}

func actionListCmd() *cobra.Command {
	var propertyID, status, runID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				scope, err := scopeFor(ctx, e, propertyID)
				if err != nil {
					return err
				}
				items, err := e.Repo.ListActions(ctx, repo.ActionFilters{
					PropertyIDs: scope,
					RunID:       runID,
					Status:      status,
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "TYPE", "TARGET", "STATUS", "CREATED")
				for _, a := range items {
					t.AppendRow(table.Row{a.ID, a.ActionType, a.Target, a.Status, a.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&propertyID, "property", "", "filter by property")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&runID, "run", "", "filter by run")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func actionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <action-id>",
		Short: "Show an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAction(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	return cmd
}

func actionRespondCmd(verb, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   verb + " <action-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				managerID := viper.GetString("manager-id")
				scope, err := e.ScopeFor(ctx, managerID)
				if err != nil {
					return err
				}
				var a domain.Action
				if verb == "approve" {
					a, err = e.ApproveAction(ctx, args[0], managerID, scope)
				} else {
					a, err = e.RejectAction(ctx, args[0], managerID, scope)
				}
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	return cmd
}

func exceptionCmd() *cobra.Command {
	exc := &cobra.Command{Use: "exception", Short: "Manage exceptions"}
	exc.AddCommand(exceptionListCmd())
	exc.AddCommand(exceptionSetCmd("ack", "Acknowledge an open exception"))
	exc.AddCommand(exceptionSetCmd("resolve", "Resolve an exception"))
	return exc
}

func exceptionListCmd() *cobra.Command {
	var propertyID, status, severity string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List exceptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				scope, err := scopeFor(ctx, e, propertyID)
				if err != nil {
					return err
				}
				items, err := e.Repo.ListExceptions(ctx, repo.ExceptionFilters{
					PropertyIDs: scope,
					Status:      status,
					Severity:    severity,
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "SEVERITY", "CATEGORY", "TITLE", "STATUS")
				for _, ex := range items {
					t.AppendRow(table.Row{ex.ID, ex.Severity, ex.Category, ex.Title, ex.Status})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&propertyID, "property", "", "filter by property")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&severity, "severity", "", "filter by severity")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func exceptionSetCmd(verb, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   verb + " <exception-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				managerID := viper.GetString("manager-id")
				scope, err := e.ScopeFor(ctx, managerID)
				if err != nil {
					return err
				}
				var ex domain.Exception
				if verb == "ack" {
					ex, err = e.AcknowledgeException(ctx, args[0], managerID, scope)
				} else {
					ex, err = e.ResolveException(ctx, args[0], managerID, scope)
				}
				if err != nil {
					return err
				}
				return printJSON(ex)
			})
		},
	}
	return cmd
}

func policyCmd() *cobra.Command {
	pol := &cobra.Command{Use: "policy", Short: "Manage action policies"}
	pol.AddCommand(policyListCmd())
	pol.AddCommand(policyImportCmd())
	pol.AddCommand(policyDeleteCmd())
	pol.AddCommand(policyEvalCmd())
	return pol
}

func policyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPolicies(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "SCOPE", "PRIORITY", "ACTIVE", "RULES")
				for _, p := range items {
					scope := p.ScopeType
					if p.ScopeID != nil {
						scope += ":" + *p.ScopeID
					}
					t.AppendRow(table.Row{p.ID, scope, p.Priority, p.IsActive, len(p.Rules)})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func policyImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import policies from a JSON file",
		Long:  "The file holds a JSON array of policy objects: id, scope_type, scope_id, priority, is_active, rules.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var policies []domain.Policy
			if err := json.Unmarshal(data, &policies); err != nil {
				return fmt.Errorf("parse %s: %w", filePath, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := time.Now().UTC().Format(time.RFC3339)
				for i := range policies {
					p := &policies[i]
					if p.ID == "" {
						return fmt.Errorf("policy %d: id is required", i)
					}
					if p.CreatedAt == "" {
						p.CreatedAt = now
					}
					p.UpdatedAt = now
					if err := e.Repo.UpsertPolicy(ctx, *p); err != nil {
						return fmt.Errorf("policy %s: %w", p.ID, err)
					}
				}
				fmt.Printf("imported %d policies\n", len(policies))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to policy JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func policyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <policy-id>",
		Short: "Delete a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeletePolicy(ctx, args[0])
			})
		},
	}
	return cmd
}

func policyEvalCmd() *cobra.Command {
	var propertyID, actionType, target, contextJSON string
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Dry-run policy evaluation for a hypothetical action",
		RunE: func(cmd *cobra.Command, args []string) error {
			if propertyID == "" || actionType == "" {
				return fmt.Errorf("--property and --action required")
			}
			var evalCtx map[string]any
			if contextJSON != "" {
				if err := json.Unmarshal([]byte(contextJSON), &evalCtx); err != nil {
					return fmt.Errorf("parse --context: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.EvaluatePolicy(ctx, actionType, propertyID, target, evalCtx)
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	cmd.Flags().StringVar(&propertyID, "property", "", "property id")
	cmd.Flags().StringVar(&actionType, "action", "", "action type")
	cmd.Flags().StringVar(&target, "target", "", "action target")
	cmd.Flags().StringVar(&contextJSON, "context", "", "action context as JSON")
	return cmd
}

func kpiCmd() *cobra.Command {
	var propertyID string
	var windowHours int
	cmd := &cobra.Command{
		Use:   "kpi",
		Short: "Show operational KPIs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				scope, err := scopeFor(ctx, e, propertyID)
				if err != nil {
					return err
				}
				rep, err := e.KPIs(ctx, scope, time.Duration(windowHours)*time.Hour)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				t := newTable("METRIC", "VALUE")
				t.AppendRow(table.Row{"since", rep.Since})
				for k, v := range rep.RunsByStatus {
					t.AppendRow(table.Row{"runs." + k, v})
				}
				for k, v := range rep.ActionsByStatus {
					t.AppendRow(table.Row{"actions." + k, v})
				}
				for k, v := range rep.OpenBySeverity {
					t.AppendRow(table.Row{"open_exceptions." + k, v})
				}
				t.AppendRow(table.Row{"run_success_rate", rateString(rep.RunSuccessRate)})
				t.AppendRow(table.Row{"escalation_rate", rateString(rep.EscalationRate)})
				t.AppendRow(table.Row{"failure_rate", rateString(rep.FailureRate)})
				t.AppendRow(table.Row{"automation_rate", rateString(rep.AutomationRate)})
				t.AppendRow(table.Row{"approval_rate", rateString(rep.ApprovalRate)})
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&propertyID, "property", "", "limit to one property")
	cmd.Flags().IntVar(&windowHours, "window-hours", 168, "trailing window in hours")
	return cmd
}

func propertyCmd() *cobra.Command {
	prop := &cobra.Command{Use: "property", Short: "Manage the manager's property scope"}
	prop.AddCommand(&cobra.Command{
		Use:   "grant <property-id>",
		Short: "Grant a property to the local manager",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.GrantProperty(ctx, viper.GetString("manager-id"), args[0])
			})
		},
	})
	prop.AddCommand(&cobra.Command{
		Use:   "revoke <property-id>",
		Short: "Revoke a property from the local manager",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.RevokeProperty(ctx, viper.GetString("manager-id"), args[0])
			})
		},
	})
	prop.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List properties in the manager's scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids, err := e.Repo.ManagerPropertyIDs(ctx, viper.GetString("manager-id"))
				if err != nil {
					return err
				}
				return printJSON(ids)
			})
		},
	})
	return prop
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Create an API key for the local manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret, k, err := e.CreateAPIKey(ctx, viper.GetString("manager-id"), "")
				if err != nil {
					return err
				}
				fmt.Println("api key (store it now, it is not retrievable):", secret)
				return printJSON(k)
			})
		},
	})
	key.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the manager's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, viper.GetString("manager-id"))
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	})
	key.AddCommand(&cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return key
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	logRoot.AddCommand(logTailCmd())
	return logRoot
}

func logTailCmd() *cobra.Command {
	var n int
	var propertyID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEventsFrom(ctx, n, 0, propertyID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&propertyID, "property", "", "property filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
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
			cfg, err := app.Bootstrap(cmd.Context(), workspace, viper.GetString("manager-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("PROPLINE_JWT_SECRET"),
				AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = cfg.Server.JWTSecret
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PROPLINE_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Propline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

// --- helpers ---

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
	cfg, err := app.Bootstrap(ctx, workspace, viper.GetString("manager-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

// scopeFor returns either the manager's whole scope or just the requested
// property when it is in scope.
func scopeFor(ctx context.Context, e engine.Engine, propertyID string) ([]string, error) {
	scope, err := e.ScopeFor(ctx, viper.GetString("manager-id"))
	if err != nil {
		return nil, err
	}
	if propertyID == "" {
		return scope, nil
	}
	for _, id := range scope {
		if id == propertyID {
			return []string{propertyID}, nil
		}
	}
	return nil, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row(headers))
	t.SetStyle(table.StyleLight)
	return t
}

func rateString(v *int) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%d%%", *v)
}
