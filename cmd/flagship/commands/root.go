package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/cli"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/client"
)

var (
	// Global flags
	baseURL  string
	apiKey   string
	grpcAddr string
	env      string
	format   string
	quiet    bool
	verbose  bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "flagship",
	Short: "CLI tool for publishing and evaluating flag rules",
	Long: `Flagship is a command-line tool for the flagship sdk-backend.

Local commands work on rules files without a server:
  flagship validate flags.yaml
  flagship eval flags.yaml --context '{"userId":"u1","plan":"pro"}'
  flagship bucket u1 checkout --percent 25

Remote commands talk to a running backend:
  flagship push flags.yaml --env prod
  flagship get checkout --env prod
  flagship evaluate checkout --env prod --context '{"country":"DE"}'
  flagship delete checkout --env prod`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Base URL of the flagship API")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Admin API key for publishing commands")
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC address of the flagship API")
	rootCmd.PersistentFlags().StringVar(&env, "env", "", "Environment (defaults to the configured default)")
	rootCmd.PersistentFlags().StringVar(&format, "format", "table", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress output")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose output")
}

func printer(cmd *cobra.Command) (cli.Printer, error) {
	f, err := cli.ParseFormat(format)
	if err != nil {
		return cli.Printer{}, err
	}
	return cli.Printer{Out: cmd.OutOrStdout(), Format: f}, nil
}

// remote resolves the environment and returns an HTTP client for it.
func remote() (*client.Client, *cli.EnvConfig, string, error) {
	envCfg, envName, err := cli.GetEnvConfig(env, cli.Overrides{BaseURL: baseURL, APIKey: apiKey, GRPCAddr: grpcAddr})
	if err != nil {
		return nil, nil, "", fmt.Errorf("configuration error: %w", err)
	}
	return client.NewClient(envCfg.BaseURL, envCfg.APIKey), envCfg, envName, nil
}

// localEnv is the environment assumed for files without an env key.
func localEnv() string {
	if env != "" {
		return env
	}
	return "prod"
}

func logf(cmd *cobra.Command, format string, args ...any) {
	if quiet {
		return
	}
	fmt.Fprintf(cmd.ErrOrStderr(), format+"\n", args...)
}
