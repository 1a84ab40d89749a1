package cmds

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/peergramming/peer-testing/internal/dto"
	"github.com/peergramming/peer-testing/internal/service"
)

var requeueCoursework string

var requeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Run the unresolved test matches of a coursework in this process",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if requeueCoursework == "" {
			return errors.New("--coursework is required")
		}

		app, err := bootstrap()
		if err != nil {
			return err
		}
		defer app.close()

		if err := app.wireServices(); err != nil {
			return err
		}

		ctx := cmd.Context()
		pending, err := app.store.TestMatches.ListPending(ctx, requeueCoursework)
		if err != nil {
			return err
		}

		logger := app.logger.With().Str("coursework_id", requeueCoursework).Logger()
		var failed int
		for _, match := range pending {
			resolved, err := app.dispatcher.Run(ctx, match.ID)
			switch {
			case errors.Is(err, service.ErrAlreadyResolved):
				continue
			case err != nil:
				failed++
				logger.Error().Err(err).Str("test_match_id", match.ID).Msg("test match run failed")
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			logger.Info().
				Str("test_match_id", resolved.ID).
				Str("outcome", dto.Outcome(resolved.ErrorLevel)).
				Msg("test match resolved")
		}

		logger.Info().Int("pending", len(pending)).Int("failed", failed).Msg("requeue finished")
		if failed > 0 {
			return fmt.Errorf("%d of %d test matches failed to run", failed, len(pending))
		}
		return nil
	},
}

func init() {
	requeueCmd.Flags().StringVar(&requeueCoursework, "coursework", "", "coursework id whose pending test matches are run")
}
