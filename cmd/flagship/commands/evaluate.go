package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/cli"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/rpc"
)

var (
	evaluateContext string
	evaluateGRPC    bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [flag]...",
	Short: "Evaluate flags on the backend",
	Long: `Evaluate flags on a running backend for the given context. Without flag
arguments every flag of the environment is evaluated.

Examples:
  flagship evaluate checkout --env prod --context '{"userId":"u1","plan":"pro"}'
  flagship evaluate --env prod --grpc --context '{"country":"DE"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := printer(cmd)
		if err != nil {
			return err
		}
		traits, err := cli.ParseContext(evaluateContext)
		if err != nil {
			return err
		}
		c, envCfg, envName, err := remote()
		if err != nil {
			return err
		}

		var rows []cli.EvalRow
		if evaluateGRPC {
			if envCfg.GRPCAddr == "" {
				return fmt.Errorf("--grpc needs a gRPC address (--grpc-addr or grpc_addr in config)")
			}
			conn, err := rpc.Dial(envCfg.GRPCAddr)
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := conn.EvaluateBatch(cmd.Context(), &rpc.EvaluateBatchRequest{
				FlagIDs: args,
				EnvID:   envName,
				Context: traits.Map(),
			})
			if err != nil {
				return fmt.Errorf("evaluation failed: %w", err)
			}
			rows = rpcRows(resp)
		} else {
			resp, err := c.EvaluateBatch(cmd.Context(), envName, args, traits.Map())
			if err != nil {
				return fmt.Errorf("evaluation failed: %w", err)
			}
			rows = cli.RemoteRows(resp.Details, resp.Results)
		}

		if quiet {
			return nil
		}
		return p.PrintEvaluations(rows)
	},
}

func rpcRows(resp *rpc.EvaluateBatchResponse) []cli.EvalRow {
	rows := make([]cli.EvalRow, 0, len(resp.Details))
	for _, d := range resp.Details {
		row := cli.EvalRow{
			FlagID:    d.FlagID,
			Value:     resp.Results[d.FlagID],
			Variation: d.Variation,
			Reason:    d.Reason,
			RuleID:    d.RuleID,
			Version:   d.Version,
			Error:     d.Error,
		}
		if d.Bucket >= 0 {
			b := d.Bucket
			row.Bucket = &b
		}
		rows = append(rows, row)
	}
	return rows
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().StringVar(&evaluateContext, "context", "{}", "Evaluation context as a JSON object")
	evaluateCmd.Flags().BoolVar(&evaluateGRPC, "grpc", false, "Evaluate over gRPC instead of HTTP")
}
