package main

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"coldfront/internal/bootstrap"
	"coldfront/internal/models"
	"coldfront/internal/service"

	"github.com/spf13/cobra"
)

const (
	dryRunFlag        = "dry-run"
	sendEmailsFlag    = "send-emails"
	reasonFlag        = "reason"
	formatFlag        = "format"
	allowanceTypeFlag = "allowance-type"
	allChecksFlag     = "all"
)

// batchFunc runs one BatchService command against an open runtime.
type batchFunc func(ctx context.Context, svc *service.BatchService) (*service.BatchReport, error)

// runBatch reports item failures through the returned error so the exit
// status reflects partial runs.
func (c *cli) runBatch(cmd *cobra.Command, fn batchFunc) error {
	return c.withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
		report, err := fn(ctx, service.NewBatchService(rt.Deps()))
		if err != nil {
			return err
		}
		return report.Err()
	})
}

func deactivateICAProjectsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   service.CmdDeactivateICAProjects,
		Short: "Expire ICA projects whose allocations have ended",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool(dryRunFlag)
			sendEmails, _ := cmd.Flags().GetBool(sendEmailsFlag)
			return c.runBatch(cmd, func(ctx context.Context, svc *service.BatchService) (*service.BatchReport, error) {
				return svc.DeactivateICAProjects(ctx, c.out, dryRun, sendEmails)
			})
		},
	}
	cmd.Flags().Bool(dryRunFlag, false, "display updates without performing them")
	cmd.Flags().Bool(sendEmailsFlag, false, "notify project PIs and managers")
	return cmd
}

func pendingJoinReminderCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   service.CmdPendingJoinReminder,
		Short: "Remind PIs and managers of pending join requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runBatch(cmd, func(ctx context.Context, svc *service.BatchService) (*service.BatchReport, error) {
				return svc.SendPendingJoinReminders(ctx, c.out)
			})
		},
	}
}

func processScheduledRequestsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:       service.CmdProcessScheduledRequests + " {" + strings.Join(service.ScheduledKinds, "|") + "}",
		Short:     "Process approved requests whose start date has arrived",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: service.ScheduledKinds,
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool(dryRunFlag)
			return c.runBatch(cmd, func(ctx context.Context, svc *service.BatchService) (*service.BatchReport, error) {
				return svc.ProcessScheduledRequests(ctx, c.out, args[0], dryRun)
			})
		},
	}
	cmd.Flags().Bool(dryRunFlag, false, "display updates without performing them")
	return cmd
}

func dequeueDeactivationsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   service.CmdDequeueDeactivations,
		Short: "Move expired queued cluster account deactivations to Ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString(reasonFlag)
			return c.runBatch(cmd, func(ctx context.Context, svc *service.BatchService) (*service.BatchReport, error) {
				return svc.DequeueDeactivations(ctx, c.out, reason)
			})
		},
	}
	cmd.Flags().String(reasonFlag, service.DequeueAll, "deactivation reason to dequeue, or ALL")
	return cmd
}

func dequeueDeletionsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   service.CmdDequeueDeletions,
		Short: "Move expired queued account deletions to Ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runBatch(cmd, func(ctx context.Context, svc *service.BatchService) (*service.BatchReport, error) {
				return svc.DequeueDeletions(ctx, c.out)
			})
		},
	}
}

func addAccountingDefaultsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   service.CmdAddAccountingDefaults,
		Short: "Create the default resources, vector project and allocation periods",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runBatch(cmd, func(ctx context.Context, svc *service.BatchService) (*service.BatchReport, error) {
				return svc.AddAccountingDefaults(ctx, c.out)
			})
		},
	}
}

var exportKinds = []string{service.ExportProjects, service.ExportPendingRequests}

func exportDataCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:       service.CmdExportData + " {" + strings.Join(exportKinds, "|") + "}",
		Short:     "Export projects or pending requests",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: exportKinds,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString(formatFlag)
			allowance, _ := cmd.Flags().GetString(allowanceTypeFlag)
			opts := service.ExportOptions{
				Kind:          args[0],
				Format:        format,
				AllowanceType: models.AllowanceType(strings.ToUpper(allowance)),
			}
			return c.runBatch(cmd, func(ctx context.Context, svc *service.BatchService) (*service.BatchReport, error) {
				return svc.ExportData(ctx, c.out, opts)
			})
		},
	}
	cmd.Flags().String(formatFlag, service.FormatCSV, "output format: csv, json or yaml")
	cmd.Flags().String(allowanceTypeFlag, "", "only rows of this allowance type (FCA, CO, ICA, PCA, RECHARGE, VECTOR)")
	return cmd
}

func auditDataCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   service.CmdAuditData,
		Short: "Check projects, allocations and memberships for inconsistencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			checks, err := selectedChecks(cmd)
			if err != nil {
				return err
			}
			return c.withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				report := service.NewBatchService(rt.Deps()).AuditData(ctx, c.out, checks)
				if n := len(report.Findings); n > 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "%d finding(s)\n", n)
				}
				return nil
			})
		},
	}
	cmd.Flags().Bool(allChecksFlag, false, "run every check")
	for _, check := range service.AuditChecks {
		cmd.Flags().Bool(check, false, "run the "+check+" check")
	}
	return cmd
}

func selectedChecks(cmd *cobra.Command) ([]string, error) {
	if all, _ := cmd.Flags().GetBool(allChecksFlag); all {
		return slices.Clone(service.AuditChecks), nil
	}
	var checks []string
	for _, check := range service.AuditChecks {
		if on, _ := cmd.Flags().GetBool(check); on {
			checks = append(checks, check)
		}
	}
	if len(checks) == 0 {
		return nil, models.NewValidationError("select at least one check, or --all")
	}
	return checks, nil
}
