package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"marketpulse/internal/app"
	"marketpulse/internal/schedule"
	"marketpulse/internal/types"
)

func schedulesCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "schedules",
		Short: "Manage campaign send schedules",
	}
	command.AddCommand(schedulesCreateCmd())
	command.AddCommand(schedulesListCmd())
	command.AddCommand(schedulesGetCmd())
	command.AddCommand(schedulesStatusCmd())
	command.AddCommand(schedulesCancelCmd())
	return command
}

// readSteps decodes a JSON array of steps. A value starting with @ names a
// file to read instead.
func readSteps(raw string) ([]types.ScheduleStep, error) {
	data := []byte(raw)
	if len(raw) > 0 && raw[0] == '@' {
		b, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("reading steps file: %w", err)
		}
		data = b
	}
	var steps []types.ScheduleStep
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("invalid --steps JSON: %w", err)
	}
	return steps, nil
}

func schedulesCreateCmd() *cobra.Command {
	var campaignID, tenantID, brandID, steps string
	command := &cobra.Command{
		Use:   "create",
		Short: "Schedule a campaign's steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := readSteps(steps)
			if err != nil {
				return err
			}
			req := schedule.CreateRequest{CampaignID: campaignID, TenantID: tenantID, Steps: parsed}
			if brandID != "" {
				req.BrandID = &brandID
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := a.Schedules.CreateSchedule(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
	command.Flags().StringVar(&campaignID, "campaign", "", "Campaign id")
	command.Flags().StringVar(&tenantID, "tenant", "", "Tenant id")
	command.Flags().StringVar(&brandID, "brand", "", "Brand id (optional)")
	command.Flags().StringVar(&steps, "steps", "[]", "JSON array of steps, or @file")
	return command
}

func schedulesListCmd() *cobra.Command {
	var f types.ScheduleFilter
	var status string
	command := &cobra.Command{
		Use:   "list",
		Short: "List schedule entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = types.ScheduleStatus(status)
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := a.Schedules.ListSchedules(ctx, f)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
	command.Flags().StringVar(&f.TenantID, "tenant", "", "Filter by tenant id")
	command.Flags().StringVar(&f.CampaignID, "campaign", "", "Filter by campaign id")
	command.Flags().StringVar(&status, "status", "", "Filter by status")
	command.Flags().IntVar(&f.Limit, "limit", 0, "Page size (default 50, max 500)")
	command.Flags().IntVar(&f.Offset, "offset", 0, "Rows to skip")
	return command
}

func schedulesGetCmd() *cobra.Command {
	var campaignID string
	command := &cobra.Command{
		Use:   "get [schedule-id]",
		Short: "Show one entry, or every step of --campaign",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && campaignID == "" {
				return fmt.Errorf("pass a schedule id or --campaign")
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if len(args) == 1 {
					e, err := a.Schedules.GetSchedule(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), e)
				}
				entries, err := a.Schedules.GetSchedulesByCampaign(ctx, campaignID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
	command.Flags().StringVar(&campaignID, "campaign", "", "Campaign id")
	return command
}

// scheduleUpdate builds the metadata for a manual status change. Negative
// counts mean "not reported".
func scheduleUpdate(errMsg string, sent, failed int) types.ScheduleUpdate {
	meta := types.ScheduleUpdate{ErrorMessage: errMsg}
	if sent >= 0 {
		meta.SentCount = &sent
	}
	if failed >= 0 {
		meta.FailedCount = &failed
	}
	return meta
}

func schedulesStatusCmd() *cobra.Command {
	var errMsg string
	var sent, failed int
	command := &cobra.Command{
		Use:   "status <schedule-id> <status>",
		Short: "Apply one lifecycle transition by hand",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta := scheduleUpdate(errMsg, sent, failed)
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				e, err := a.Schedules.UpdateScheduleStatus(ctx, args[0], types.ScheduleStatus(args[1]), meta)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), e)
			})
		},
	}
	command.Flags().StringVar(&errMsg, "error", "", "Failure reason for status failed")
	command.Flags().IntVar(&sent, "sent", -1, "Recipients sent")
	command.Flags().IntVar(&failed, "failed", -1, "Recipients failed")
	return command
}

func schedulesCancelCmd() *cobra.Command {
	var campaignID string
	command := &cobra.Command{
		Use:   "cancel [schedule-id]",
		Short: "Cancel one entry, or every unsent step of --campaign",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && campaignID == "" {
				return fmt.Errorf("pass a schedule id or --campaign")
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if len(args) == 1 {
					if err := a.Schedules.CancelSchedule(ctx, args[0]); err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), map[string]any{"schedule_id": args[0], "status": types.ScheduleStatusCancelled})
				}
				n, err := a.Schedules.CancelCampaign(ctx, campaignID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"campaign_id": campaignID, "cancelled": n})
			})
		},
	}
	command.Flags().StringVar(&campaignID, "campaign", "", "Cancel all unsent steps of this campaign")
	return command
}
