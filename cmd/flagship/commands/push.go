package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/cli"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/logging"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/seed"
)

var pushCmd = &cobra.Command{
	Use:   "push <file>...",
	Short: "Publish rules files to the backend",
	Long: `Publish the segments and flags of one or more rules files through the
admin API. Files use the seed format read by the server's SEED_DIR; a file
without an env key is published to --env. Flags whose published version is
newer are skipped.

Examples:
  flagship push flags.yaml --env prod
  flagship push seeds/*.yaml --api-key admin-123`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, envName, err := remote()
		if err != nil {
			return err
		}

		logger := zerolog.Nop()
		if verbose {
			logger = logging.New("debug", "console", cmd.ErrOrStderr())
		}
		loader := seed.NewLoader(cli.RemotePublisher{Client: c}, "", envName, logger)

		var (
			total seed.Stats
			errs  []error
		)
		for _, path := range args {
			st, err := loader.LoadFile(cmd.Context(), path)
			total.Files += st.Files
			total.Flags += st.Flags
			total.Segments += st.Segments
			total.Skipped += st.Skipped
			if err != nil {
				errs = append(errs, err)
			}
		}
		logf(cmd, "Published %d flag(s) and %d segment(s) from %d file(s), %d skipped",
			total.Flags, total.Segments, total.Files, total.Skipped)
		if len(errs) > 0 {
			return fmt.Errorf("push failed: %w", errors.Join(errs...))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pushCmd)
}
