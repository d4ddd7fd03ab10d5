package main

import (
	"context"
	"fmt"

	"coldfront/internal/bootstrap"
	"coldfront/internal/models"
	"coldfront/internal/repository"
	"coldfront/internal/service"

	"github.com/spf13/cobra"
)

const staffOnlyFlag = "staff-only"

func promoteCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promote <user>",
		Short: "Grant superuser (or only staff) access",
		Long: `Grant portal administration rights to a user given by ID or username.
Without --staff-only the user becomes staff and superuser.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			staffOnly, err := cmd.Flags().GetBool(staffOnlyFlag)
			if err != nil {
				return err
			}
			return c.withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				return setAdmin(ctx, c, rt, args[0], true, !staffOnly)
			})
		},
	}
	cmd.Flags().Bool(staffOnlyFlag, false, "grant staff (read-only review) access without superuser")
	return cmd
}

func demoteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "demote <user>",
		Short: "Revoke staff and superuser access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				return setAdmin(ctx, c, rt, args[0], false, false)
			})
		},
	}
}

func listAdminsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list-admins",
		Short: "List staff and superusers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				admins, err := users(rt).ListAdmins(ctx)
				if err != nil {
					return fmt.Errorf("fetch admins: %w", err)
				}
				if len(admins) == 0 {
					fmt.Fprintln(c.out, "No admins found")
					return nil
				}
				fmt.Fprintf(c.out, "Admins (%d):\n", len(admins))
				for _, u := range admins {
					fmt.Fprintf(c.out, "  %d\t%s\t%s\t%s\n", u.ID, u.Username, u.Email, roleLabel(&u))
				}
				return nil
			})
		},
	}
}

func roleLabel(u *models.User) string {
	switch {
	case u.IsSuperuser:
		return "superuser"
	case u.IsStaff:
		return "staff"
	}
	return "user"
}

func users(rt *bootstrap.Runtime) *service.UserService {
	return service.NewUserService(repository.NewUserRepository(rt.DB))
}

func setAdmin(ctx context.Context, c *cli, rt *bootstrap.Runtime, ref string, staff, superuser bool) error {
	user, changed, err := users(rt).SetRoles(ctx, ref, staff, superuser)
	if err != nil {
		return err
	}
	if !changed {
		fmt.Fprintf(c.out, "User %s (ID: %d) is already %s\n", user.Username, user.ID, roleLabel(user))
		return nil
	}
	fmt.Fprintf(c.out, "%s (ID: %d) is now %s\n", user.Username, user.ID, roleLabel(user))
	return nil
}
