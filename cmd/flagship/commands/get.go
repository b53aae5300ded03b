package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/cli"
)

var getCmd = &cobra.Command{
	Use:   "get <flag>",
	Short: "Show the published rules of a flag",
	Long: `Show the rules document currently published for a flag.

Examples:
  flagship get checkout --env prod
  flagship get checkout --env prod --format json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := printer(cmd)
		if err != nil {
			return err
		}
		c, _, envName, err := remote()
		if err != nil {
			return err
		}

		r, err := c.GetRules(cmd.Context(), envName, args[0], "")
		if err != nil {
			return fmt.Errorf("failed to get rules: %w", err)
		}

		var doc any
		if err := json.Unmarshal(r.Rules, &doc); err != nil {
			return fmt.Errorf("failed to decode rules: %w", err)
		}
		if quiet {
			return nil
		}
		view := cli.RulesView{
			FlagID:  r.FlagID,
			EnvID:   r.EnvID,
			Version: r.Version,
			ETag:    r.ETag,
			Legacy:  r.Legacy,
			Rules:   doc,
		}
		if !r.UpdatedAt.IsZero() {
			view.UpdatedAt = r.UpdatedAt.Format(time.RFC3339)
		}
		return p.PrintRules(view)
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}
