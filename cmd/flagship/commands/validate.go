package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/cli"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/evaluation"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/rules"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/seed"
)

var validateRemote bool

// errInvalid makes validate exit non-zero after printing its report.
var errInvalid = errors.New("validation failed")

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Validate rules files",
	Long: `Check the flags and segments of rules files without publishing them.
Every problem of every document is reported. With --remote the flag
documents are checked by the backend instead.

Examples:
  flagship validate flags.yaml
  flagship validate seeds/*.yaml --format json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := printer(cmd)
		if err != nil {
			return err
		}

		check := func(flagID string, blob []byte) (bool, []string, error) {
			return verdict(evaluation.ValidateRules(flagID, blob))
		}
		if validateRemote {
			c, _, _, err := remote()
			if err != nil {
				return err
			}
			check = func(flagID string, blob []byte) (bool, []string, error) {
				v, err := c.ValidateRules(cmd.Context(), flagID, rules.Normalize(blob))
				if err != nil {
					return false, nil, err
				}
				return v.Valid, v.Errors, nil
			}
		}

		var rows []cli.ValidationRow
		for _, path := range args {
			fileRows, err := validateFile(path, check)
			if err != nil {
				return err
			}
			rows = append(rows, fileRows...)
		}

		invalid := 0
		for _, r := range rows {
			if !r.Valid {
				invalid++
			}
		}
		if !quiet {
			if err := p.PrintValidations(rows); err != nil {
				return err
			}
		}
		if invalid > 0 {
			return fmt.Errorf("%w: %d of %d document(s) invalid", errInvalid, invalid, len(rows))
		}
		return nil
	},
}

func validateFile(path string, check func(flagID string, blob []byte) (bool, []string, error)) ([]cli.ValidationRow, error) {
	f, err := seed.ReadFile(path)
	if err != nil {
		return []cli.ValidationRow{{Source: path, Valid: false, Errors: []string{err.Error()}}}, nil
	}

	var rows []cli.ValidationRow
	if len(f.Segments) > 0 {
		row := cli.ValidationRow{Source: path, FlagID: "(segments)", Valid: true}
		segs := make(rules.Segments, len(f.Segments))
		for _, s := range f.Segments {
			seg, err := s.Decode()
			if err != nil {
				row.Errors = append(row.Errors, fmt.Sprintf("segment %q: %v", s.ID, err))
				continue
			}
			segs[seg.ID] = seg
		}
		row.Valid, row.Errors = appendVerdict(row.Errors, rules.ValidateSegments(segs))
		rows = append(rows, row)
	}

	flags := f.Flags
	if f.FlagID != "" {
		flags = append([]seed.Flag{f.Flag}, flags...)
	}
	for _, fl := range flags {
		row := cli.ValidationRow{Source: path, FlagID: fl.FlagID}
		if fl.Version == nil {
			row.Errors = append(row.Errors, "version is required")
		}
		blob, err := fl.RulesJSON()
		if err != nil {
			row.Errors = append(row.Errors, err.Error())
			rows = append(rows, row)
			continue
		}
		valid, msgs, err := check(fl.FlagID, blob)
		if err != nil {
			return nil, fmt.Errorf("%s: flag %q: %w", path, fl.FlagID, err)
		}
		row.Errors = append(row.Errors, msgs...)
		row.Valid = valid && len(row.Errors) == 0
		rows = append(rows, row)
	}
	return rows, nil
}

// verdict turns a validation error into messages. Only infrastructure
// failures are returned as errors; none occur locally.
func verdict(err error) (bool, []string, error) {
	valid, msgs := appendVerdict(nil, err)
	return valid, msgs, nil
}

func appendVerdict(msgs []string, err error) (bool, []string) {
	if err == nil {
		return len(msgs) == 0, msgs
	}
	var cfgErr *rules.ConfigurationError
	if errors.As(err, &cfgErr) {
		return false, append(msgs, cfgErr.Messages()...)
	}
	return false, append(msgs, err.Error())
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateRemote, "remote", false, "Validate through the backend API")
}
