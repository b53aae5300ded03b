package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/cli"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/rollout"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/rules"
)

var (
	bucketPercent int
	bucketAllocs  []string
)

var bucketCmd = &cobra.Command{
	Use:   "bucket <sticky-value> <salt>",
	Short: "Show the rollout bucket of a user",
	Long: `Compute the rollout bucket (0-99) a sticky value lands in for a salt,
the same way the backend does. Rule rollouts are salted with <flag><salt>
when the rule set has a salt and <flag>:<rule id> otherwise; legacy rollouts
use <flag>:<rule key>.

Examples:
  flagship bucket user-1 checkout
  flagship bucket user-1 checkout --percent 25
  flagship bucket user-1 checkout:r1 --alloc on=50 --alloc off=50`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := printer(cmd)
		if err != nil {
			return err
		}
		sticky, salt := args[0], args[1]
		row := cli.BucketRow{Sticky: sticky, Salt: salt, Bucket: rollout.Bucket(sticky, salt)}

		if cmd.Flags().Changed("percent") {
			in, err := rollout.IsRolledOut(sticky, salt, bucketPercent)
			if err != nil {
				return err
			}
			row.InRollout = &in
		}
		if len(bucketAllocs) > 0 {
			allocs, err := parseAllocations(bucketAllocs)
			if err != nil {
				return err
			}
			if err := rollout.ValidateAllocations(allocs); err != nil {
				return err
			}
			_, variation, ok := rollout.Assign(sticky, salt, allocs)
			if ok {
				row.Variation = variation
			} else {
				row.Variation = "(unallocated)"
			}
		}
		return p.PrintBucket(row)
	},
}

func parseAllocations(specs []string) ([]rules.Allocation, error) {
	allocs := make([]rules.Allocation, 0, len(specs))
	for _, s := range specs {
		name, pct, ok := strings.Cut(s, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid allocation %q, expected variation=percent", s)
		}
		n, err := strconv.Atoi(pct)
		if err != nil {
			return nil, fmt.Errorf("invalid allocation %q: %w", s, err)
		}
		allocs = append(allocs, rules.Allocation{Variation: name, Percent: n})
	}
	return allocs, nil
}

func init() {
	rootCmd.AddCommand(bucketCmd)

	bucketCmd.Flags().IntVar(&bucketPercent, "percent", 0, "Report whether the user falls inside this rollout percentage")
	bucketCmd.Flags().StringArrayVar(&bucketAllocs, "alloc", nil, "Allocation as variation=percent (repeatable, in order)")
}
