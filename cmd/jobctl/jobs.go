package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"marketpulse/internal/app"
	"marketpulse/internal/router"
	"marketpulse/internal/types"
)

func runJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-job <task-id>",
		Short: "Route and execute one task now, ignoring its retry delay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				out, err := a.Processor.RouteAndExecuteJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func processJobsCmd() *cobra.Command {
	var limit int
	command := &cobra.Command{
		Use:   "process-jobs",
		Short: "Run one batch of due tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if limit == 0 {
					limit = a.Config.Scheduler.BatchLimit
				}
				return printJSON(cmd.OutOrStdout(), a.Processor.ProcessPendingJobs(ctx, limit))
			})
		},
	}
	command.Flags().IntVar(&limit, "limit", 0, "Maximum tasks to claim (default BATCH_LIMIT)")
	return command
}

func processSchedulesCmd() *cobra.Command {
	var limit int
	command := &cobra.Command{
		Use:   "process-schedules",
		Short: "Dispatch one batch of due campaign steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if limit == 0 {
					limit = a.Config.Scheduler.BatchLimit
				}
				return printJSON(cmd.OutOrStdout(), a.Dispatcher.ProcessDueSchedules(ctx, limit))
			})
		},
	}
	command.Flags().IntVar(&limit, "limit", 0, "Maximum steps to dispatch (default BATCH_LIMIT)")
	return command
}

func tasksCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "tasks",
		Short: "Manage agent tasks",
	}
	command.AddCommand(tasksCreateCmd())
	command.AddCommand(tasksCancelCmd())
	command.AddCommand(tasksResultsCmd())
	return command
}

// newTask validates the task type and payload before anything is stored.
func newTask(tenantID, brandID, taskType, payload string, maxRetries int) (*types.Task, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("--tenant is required")
	}
	tt := types.TaskType(taskType)
	if _, ok := router.ExecutorFor(tt); !ok {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConfigUnroutableTaskType,
			"no executor for task type", nil,
			map[string]any{"task_type": taskType, "routable": router.RoutableTypes()})
	}
	body := types.JSONMap{}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &body); err != nil {
			return nil, fmt.Errorf("invalid --payload JSON: %w", err)
		}
	}
	t := &types.Task{
		ID:         "task_" + uuid.NewString(),
		TenantID:   tenantID,
		TaskType:   tt,
		Payload:    body,
		Status:     types.TaskStatusPending,
		MaxRetries: maxRetries,
	}
	if brandID != "" {
		t.BrandID = &brandID
	}
	return t, nil
}

// retryBudget returns the explicit --max-retries value when the flag was
// given, including 0, and the configured default otherwise.
func retryBudget(set bool, value, def int) (int, error) {
	if !set {
		return def, nil
	}
	if value < 0 {
		return 0, fmt.Errorf("--max-retries must be >= 0")
	}
	return value, nil
}

func tasksCreateCmd() *cobra.Command {
	var tenantID, brandID, taskType, payload string
	var maxRetries int
	command := &cobra.Command{
		Use:   "create",
		Short: "Enqueue a pending task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				budget, err := retryBudget(cmd.Flags().Changed("max-retries"), maxRetries,
					a.Config.Scheduler.TaskMaxRetries)
				if err != nil {
					return err
				}
				t, err := newTask(tenantID, brandID, taskType, payload, budget)
				if err != nil {
					return err
				}
				if err := a.Tasks.Create(ctx, t); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
	command.Flags().StringVar(&tenantID, "tenant", "", "Tenant id")
	command.Flags().StringVar(&brandID, "brand", "", "Brand id (optional)")
	command.Flags().StringVar(&taskType, "type", "", "Task type")
	command.Flags().StringVar(&payload, "payload", "", "Task payload as a JSON object")
	command.Flags().IntVar(&maxRetries, "max-retries", 0, "Retry budget; 0 fails on first error (default TASK_MAX_RETRIES)")
	return command
}

func historyCmd() *cobra.Command {
	var limit int
	command := &cobra.Command{
		Use:   "history",
		Short: "Show recent worker runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				runs, err := a.JobHistory.Recent(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), runs)
			})
		},
	}
	command.Flags().IntVar(&limit, "limit", 20, "Number of runs to show")
	return command
}

func tasksCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending or queued task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				ok, err := a.Tasks.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					t, err := a.Tasks.GetByID(ctx, args[0])
					if err != nil {
						return err
					}
					return types.NewAppErrorWithDetails(types.ErrCodeConflictInvalidTransition,
						fmt.Sprintf("task in status %s cannot be cancelled", t.Status), nil,
						map[string]any{"task_id": t.ID, "status": string(t.Status)})
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"task_id": args[0], "status": types.TaskStatusCancelled})
			})
		},
	}
}

func tasksResultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "results <task-id>",
		Short: "Show a task's stored results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				recs, err := a.Results.ListByTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), recs)
			})
		},
	}
}
