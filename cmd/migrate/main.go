// Command migrate applies, inspects and rolls back the portal schema.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"coldfront/internal/config"
	"coldfront/internal/database"
	"coldfront/internal/middleware"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	_ "time/tzdata"
)

// opener loads the configuration and connects to the database.
type opener func() (*config.Config, *gorm.DB, error)

func open() (*config.Config, *gorm.DB, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	middleware.ConfigureLogger(cfg.Env, cfg.LogLevel)
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return cfg, db, nil
}

func newRootCmd(out io.Writer, open opener) *cobra.Command {
	var cfg *config.Config
	var db *gorm.DB

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the ColdFront database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, db, err = open()
			return err
		},
	}
	root.SetOut(out)

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending SQL migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := database.MigrateUp(cmd.Context(), db)
				if err != nil {
					return err
				}
				cmd.Printf("applied %d migration(s)\n", n)
				return nil
			},
		},
		&cobra.Command{
			Use:   "auto",
			Short: "Run GORM AutoMigrate for every model",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg.SchemaMode = database.SchemaModeAuto
				if err := database.ApplySchema(cmd.Context(), db, cfg); err != nil {
					return err
				}
				cmd.Println("automigrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the schema plan and pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				status, err := database.GetSchemaStatus(cmd.Context(), db, cfg)
				if err != nil {
					return err
				}
				cmd.Printf("mode=%s env=%s run_sql=%t run_auto=%t applied=%d pending=%d\n",
					status.Mode, status.Env, status.RunSQL, status.RunAuto, len(status.Applied), len(status.Pending))
				for _, m := range status.Pending {
					cmd.Printf("pending: %s\n", m)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "down <version>",
			Short: "Roll back one applied migration",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				if err := database.MigrateDown(cmd.Context(), db, version); err != nil {
					return err
				}
				cmd.Printf("rolled back migration %06d\n", version)
				return nil
			},
		},
	)
	return root
}

func main() {
	if err := newRootCmd(os.Stdout, open).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
