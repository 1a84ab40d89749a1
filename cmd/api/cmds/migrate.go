package cmds

import (
	"github.com/spf13/cobra"

	"github.com/peergramming/peer-testing/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(_ *cobra.Command, _ []string) error {
		app, err := bootstrap()
		if err != nil {
			return err
		}
		defer app.close()

		if err := database.Migrate(app.db); err != nil {
			return err
		}
		app.logger.Info().Int("models", len(database.Models())).Msg("schema migrated")
		return nil
	},
}
