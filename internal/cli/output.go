package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// OutputFormat specifies the output format for CLI commands
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// ParseFormat checks a --format value.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(s); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported format: %s (use table, json or yaml)", s)
	}
}

// EvalRow is one evaluated flag as shown by eval and evaluate.
type EvalRow struct {
	FlagID    string `json:"flagId" yaml:"flagId"`
	Value     any    `json:"value" yaml:"value"`
	Variation string `json:"variation,omitempty" yaml:"variation,omitempty"`
	Reason    string `json:"reason,omitempty" yaml:"reason,omitempty"`
	RuleID    string `json:"ruleId,omitempty" yaml:"ruleId,omitempty"`
	Bucket    *int   `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Version   int64  `json:"version,omitempty" yaml:"version,omitempty"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// BucketRow is the output of the bucket command.
type BucketRow struct {
	Sticky string `json:"sticky" yaml:"sticky"`
	Salt   string `json:"salt" yaml:"salt"`
	Bucket int    `json:"bucket" yaml:"bucket"`
	// Variation is set when allocations were given.
	Variation string `json:"variation,omitempty" yaml:"variation,omitempty"`
	InRollout *bool  `json:"inRollout,omitempty" yaml:"inRollout,omitempty"`
}

// ValidationRow is the verdict for one document.
type ValidationRow struct {
	Source string   `json:"source" yaml:"source"`
	FlagID string   `json:"flagId,omitempty" yaml:"flagId,omitempty"`
	Valid  bool     `json:"valid" yaml:"valid"`
	Errors []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// RulesView is a published document as shown by get.
type RulesView struct {
	FlagID    string `json:"flagId" yaml:"flagId"`
	EnvID     string `json:"envId" yaml:"envId"`
	Version   int64  `json:"version" yaml:"version"`
	ETag      string `json:"etag" yaml:"etag"`
	Legacy    bool   `json:"legacy" yaml:"legacy"`
	UpdatedAt string `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
	Rules     any    `json:"rules" yaml:"rules"`
}

// Printer writes command results in one format.
type Printer struct {
	Out    io.Writer
	Format OutputFormat
}

// PrintEvaluations outputs evaluated flags ordered by key.
func (p Printer) PrintEvaluations(rows []EvalRow) error {
	sort.Slice(rows, func(i, j int) bool { return rows[i].FlagID < rows[j].FlagID })
	switch p.Format {
	case FormatJSON:
		return p.printJSON(map[string][]EvalRow{"evaluations": rows})
	case FormatYAML:
		return p.printYAML(rows)
	case FormatTable:
		table := tablewriter.NewWriter(p.Out)
		table.Header("Flag", "Value", "Reason", "Rule", "Bucket", "Error")
		for _, r := range rows {
			bucket := "-"
			if r.Bucket != nil {
				bucket = strconv.Itoa(*r.Bucket)
			}
			if err := table.Append(r.FlagID, formatValue(r.Value), r.Reason, r.RuleID, bucket, r.Error); err != nil {
				return err
			}
		}
		return table.Render()
	default:
		return fmt.Errorf("unsupported format: %s", p.Format)
	}
}

// PrintBucket outputs a bucket computation.
func (p Printer) PrintBucket(row BucketRow) error {
	switch p.Format {
	case FormatJSON:
		return p.printJSON(row)
	case FormatYAML:
		return p.printYAML(row)
	case FormatTable:
		table := tablewriter.NewWriter(p.Out)
		table.Header("Sticky", "Salt", "Bucket", "Variation", "In Rollout")
		inRollout := "-"
		if row.InRollout != nil {
			inRollout = strconv.FormatBool(*row.InRollout)
		}
		if err := table.Append(row.Sticky, row.Salt, strconv.Itoa(row.Bucket), row.Variation, inRollout); err != nil {
			return err
		}
		return table.Render()
	default:
		return fmt.Errorf("unsupported format: %s", p.Format)
	}
}

// PrintValidations outputs validation verdicts.
func (p Printer) PrintValidations(rows []ValidationRow) error {
	switch p.Format {
	case FormatJSON:
		return p.printJSON(map[string][]ValidationRow{"results": rows})
	case FormatYAML:
		return p.printYAML(rows)
	case FormatTable:
		table := tablewriter.NewWriter(p.Out)
		table.Header("Source", "Flag", "Valid", "Problem")
		for _, r := range rows {
			if len(r.Errors) == 0 {
				if err := table.Append(r.Source, r.FlagID, strconv.FormatBool(r.Valid), ""); err != nil {
					return err
				}
				continue
			}
			for _, msg := range r.Errors {
				if err := table.Append(r.Source, r.FlagID, strconv.FormatBool(r.Valid), msg); err != nil {
					return err
				}
			}
		}
		return table.Render()
	default:
		return fmt.Errorf("unsupported format: %s", p.Format)
	}
}

// PrintRules outputs a published document. The table format prints the
// metadata followed by the indented document.
func (p Printer) PrintRules(v RulesView) error {
	switch p.Format {
	case FormatJSON:
		return p.printJSON(v)
	case FormatYAML:
		return p.printYAML(v)
	case FormatTable:
		table := tablewriter.NewWriter(p.Out)
		table.Header("Flag", "Env", "Version", "Legacy", "ETag", "Updated At")
		if err := table.Append(v.FlagID, v.EnvID, strconv.FormatInt(v.Version, 10), strconv.FormatBool(v.Legacy), v.ETag, v.UpdatedAt); err != nil {
			return err
		}
		if err := table.Render(); err != nil {
			return err
		}
		return p.printJSON(v.Rules)
	default:
		return fmt.Errorf("unsupported format: %s", p.Format)
	}
}

func (p Printer) printJSON(data any) error {
	encoder := json.NewEncoder(p.Out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func (p Printer) printYAML(data any) error {
	encoder := yaml.NewEncoder(p.Out)
	defer encoder.Close()
	encoder.SetIndent(2)
	return encoder.Encode(data)
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "-"
	case string:
		return t
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}
