package main

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"marketpulse/internal/app"
	"marketpulse/internal/billing"
	"marketpulse/internal/router"
	"marketpulse/internal/types"
)

const defaultCostWindow = 30 * 24 * time.Hour

func costCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "cost",
		Short: "Estimate and report generation cost",
	}
	command.AddCommand(costEstimateCmd())
	command.AddCommand(costTenantCmd())
	return command
}

// CostEstimate is one row of the estimate table.
type CostEstimate struct {
	TaskType types.TaskType `json:"task_type"`
	CostUSD  float64        `json:"cost_usd"`
}

// estimates prices the given types, or every routable type when none are
// given, in name order.
func estimates(names []string) []CostEstimate {
	var taskTypes []types.TaskType
	for _, n := range names {
		taskTypes = append(taskTypes, types.TaskType(n))
	}
	if len(taskTypes) == 0 {
		taskTypes = router.RoutableTypes()
		slices.Sort(taskTypes)
	}
	out := make([]CostEstimate, 0, len(taskTypes))
	for _, t := range taskTypes {
		out = append(out, CostEstimate{TaskType: t, CostUSD: billing.EstimateTaskCost(t)})
	}
	return out
}

func costEstimateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "estimate [task-type...]",
		Short: "Print the per-execution estimate for task types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd.OutOrStdout(), estimates(args))
		},
	}
}

// costWindow defaults end to now and start to 30 days before end.
func costWindow(startRaw, endRaw string, now time.Time) (time.Time, time.Time, error) {
	start, err := parseDay(startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseDay(endRaw)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if end.IsZero() {
		end = now.UTC()
	}
	if start.IsZero() {
		start = end.Add(-defaultCostWindow)
	}
	return start, end, nil
}

func costTenantCmd() *cobra.Command {
	var tenantID, start, end string
	command := &cobra.Command{
		Use:   "tenant",
		Short: "Sum a tenant's task cost over a window",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to, err := costWindow(start, end, time.Now())
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Costs.CalculateTenantCost(ctx, tenantID, from, to)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	command.Flags().StringVar(&tenantID, "tenant", "", "Tenant id")
	command.Flags().StringVar(&start, "start", "", "Window start (default 30 days before end)")
	command.Flags().StringVar(&end, "end", "", "Window end, exclusive (default now)")
	return command
}

func analyticsCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "analytics",
		Short: "Record and read campaign engagement",
	}
	command.AddCommand(analyticsRecordCmd())
	command.AddCommand(analyticsCampaignCmd())
	command.AddCommand(analyticsSummaryCmd())
	return command
}

func analyticsRecordCmd() *cobra.Command {
	var campaignID, tenantID, metrics string
	command := &cobra.Command{
		Use:   "record",
		Short: "Record today's counters for a campaign",
		RunE: func(cmd *cobra.Command, args []string) error {
			var m types.AnalyticsMetrics
			if err := json.Unmarshal([]byte(metrics), &m); err != nil {
				return fmt.Errorf("invalid --metrics JSON: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				rec, err := a.Analytics.RecordAnalytics(ctx, campaignID, tenantID, m)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
	command.Flags().StringVar(&campaignID, "campaign", "", "Campaign id")
	command.Flags().StringVar(&tenantID, "tenant", "", "Tenant id")
	command.Flags().StringVar(&metrics, "metrics", "{}", `Counters as JSON, e.g. {"emails_sent":100}`)
	return command
}

func analyticsCampaignCmd() *cobra.Command {
	var campaignID, start, end string
	command := &cobra.Command{
		Use:   "campaign",
		Short: "Show a campaign's daily rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseDay(start)
			if err != nil {
				return err
			}
			to, err := parseDay(end)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				rows, err := a.Analytics.GetCampaignAnalytics(ctx, campaignID, from, to)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rows)
			})
		},
	}
	command.Flags().StringVar(&campaignID, "campaign", "", "Campaign id")
	command.Flags().StringVar(&start, "start", "", "First day (default 29 days before end)")
	command.Flags().StringVar(&end, "end", "", "Last day, inclusive (default today)")
	return command
}

func analyticsSummaryCmd() *cobra.Command {
	var tenantID string
	var days int
	command := &cobra.Command{
		Use:   "summary",
		Short: "Summarize a tenant's engagement over recent days",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				s, err := a.Analytics.GetTenantAnalyticsSummary(ctx, tenantID, days)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), s)
			})
		},
	}
	command.Flags().StringVar(&tenantID, "tenant", "", "Tenant id")
	command.Flags().IntVar(&days, "days", 30, "Days to include, today counted")
	return command
}
