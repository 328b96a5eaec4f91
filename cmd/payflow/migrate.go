package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (app *application) migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := app.openDatabase(cmd.Context())
			if err != nil {
				return err
			}
			pool.Close()
			_, err = fmt.Fprintln(app.stdout, "schema up to date")
			return err
		},
	}
	cmd.Flags().String("database-url", "", "PostgreSQL connection string")
	return cmd
}
