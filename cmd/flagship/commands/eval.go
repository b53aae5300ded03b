package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/cli"
)

var evalContext string

var evalCmd = &cobra.Command{
	Use:   "eval <file>... [--flag key]...",
	Short: "Evaluate rules files locally",
	Long: `Evaluate the flags of rules files for a context without a server. The
files are loaded exactly as the server loads SEED_DIR, so segments and
prerequisites across files resolve. Without --flag every flag is evaluated.

Examples:
  flagship eval flags.yaml --context '{"userId":"u1","plan":"pro"}'
  flagship eval flags.yaml --flag checkout --format json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := printer(cmd)
		if err != nil {
			return err
		}
		traits, err := cli.ParseContext(evalContext)
		if err != nil {
			return err
		}

		envName := localEnv()
		svc, _, err := cli.LoadLocal(cmd.Context(), envName, args...)
		if err != nil {
			return fmt.Errorf("failed to load rules: %w", err)
		}

		flagKeys, _ := cmd.Flags().GetStringArray("flag")
		evals, err := svc.EvaluateBatch(cmd.Context(), envName, flagKeys, traits)
		if err != nil {
			return err
		}
		if quiet {
			return nil
		}
		return p.PrintEvaluations(cli.EvalRows(evals))
	},
}

func init() {
	rootCmd.AddCommand(evalCmd)

	evalCmd.Flags().StringVar(&evalContext, "context", "{}", "Evaluation context as a JSON object")
	evalCmd.Flags().StringArray("flag", nil, "Flag to evaluate (repeatable)")
}
