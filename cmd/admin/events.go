package main

import (
	"context"
	"fmt"

	"coldfront/internal/bootstrap"
	"coldfront/internal/models"
	"coldfront/internal/notifications"

	"github.com/spf13/cobra"
)

const adminOnlyFlag = "admin-only"

func watchEventsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch-events",
		Short: "Stream request events from the Redis activity feed",
		Long: `Print every request event published to the staff activity feed and
the per-user channels until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			adminOnly, _ := cmd.Flags().GetBool(adminOnlyFlag)
			return c.withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				if rt.Redis == nil {
					return models.NewValidationError("watch-events needs REDIS_URL")
				}
				deliveries, err := notifications.NewFeed(rt.Redis).Watch(ctx, adminOnly)
				if err != nil {
					return fmt.Errorf("subscribe: %w", err)
				}
				for d := range deliveries {
					if d.Raw != "" {
						fmt.Fprintf(c.out, "%s %s\n", d.Channel, d.Raw)
						continue
					}
					fmt.Fprintf(c.out, "%s %s %s#%d %s\n", d.Channel, d.Event.Type, d.Event.RequestType, d.Event.RequestID, d.Event.Status)
				}
				return nil
			})
		},
	}
	cmd.Flags().Bool(adminOnlyFlag, false, "only print the staff activity feed")
	return cmd
}
