// Command admin runs the portal's management commands: superuser
// management, the scheduled batch jobs, audits and exports.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"coldfront/internal/bootstrap"
	"coldfront/internal/config"
	"coldfront/internal/middleware"
	"coldfront/internal/models"

	"github.com/spf13/cobra"

	_ "time/tzdata"
)

// opener yields a runtime and the func that releases it.
type opener func(ctx context.Context) (*bootstrap.Runtime, func(), error)

type cli struct {
	out  io.Writer
	open opener
}

func openRuntime(ctx context.Context) (*bootstrap.Runtime, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	rt, err := bootstrap.InitRuntime(ctx, cfg, bootstrap.Options{})
	if err != nil {
		return nil, nil, err
	}
	return rt, func() {
		if err := rt.Close(); err != nil {
			middleware.Logger.Warn("runtime close failed", "error", err)
		}
	}, nil
}

func (c *cli) withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *bootstrap.Runtime) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, release, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx, rt)
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "admin",
		Short:         "ColdFront management commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(c.out)
	root.AddCommand(
		promoteCmd(c),
		demoteCmd(c),
		listAdminsCmd(c),
		deactivateICAProjectsCmd(c),
		pendingJoinReminderCmd(c),
		auditDataCmd(c),
		addAccountingDefaultsCmd(c),
		processScheduledRequestsCmd(c),
		dequeueDeactivationsCmd(c),
		dequeueDeletionsCmd(c),
		exportDataCmd(c),
		watchEventsCmd(c),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(&cli{out: os.Stdout, open: openRuntime})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describe(err))
		os.Exit(1)
	}
}

// describe prefers the user-facing message of an AppError.
func describe(err error) string {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
