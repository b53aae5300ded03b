package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/cli"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage flagship CLI configuration file.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long: `Create a default configuration file at ~/.flagship/config.yaml

Example:
  flagship config init`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cli.InitConfig(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		configPath, _ := cli.GetConfigPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created at: %s\n", configPath)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Default Environment: %s\n\n", cfg.DefaultEnv)
		fmt.Fprintln(out, "Environments:")
		names := make([]string, 0, len(cfg.Environments))
		for name := range cfg.Environments {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			envCfg := cfg.Environments[name]
			fmt.Fprintf(out, "  %s:\n", name)
			fmt.Fprintf(out, "    base_url: %s\n", envCfg.BaseURL)
			if envCfg.GRPCAddr != "" {
				fmt.Fprintf(out, "    grpc_addr: %s\n", envCfg.GRPCAddr)
			}
			// Mask API key for security
			maskedKey := "***"
			if envCfg.APIKey == "" {
				maskedKey = "(none)"
			} else if len(envCfg.APIKey) > 4 {
				maskedKey = envCfg.APIKey[:4] + "***"
			}
			fmt.Fprintf(out, "    api_key: %s\n", maskedKey)
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <env.key>",
	Short: "Get a configuration value",
	Long: `Get a specific configuration value.

Examples:
  flagship config get dev.base_url
  flagship config get prod.grpc_addr`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		envName, key, err := splitConfigKey(args[0])
		if err != nil {
			return err
		}
		envCfg, ok := cfg.Environments[envName]
		if !ok {
			return fmt.Errorf("environment '%s' not found", envName)
		}

		switch key {
		case "base_url":
			fmt.Fprintln(cmd.OutOrStdout(), envCfg.BaseURL)
		case "api_key":
			fmt.Fprintln(cmd.OutOrStdout(), envCfg.APIKey)
		case "grpc_addr":
			fmt.Fprintln(cmd.OutOrStdout(), envCfg.GRPCAddr)
		default:
			return fmt.Errorf("unknown key '%s', valid keys: base_url, api_key, grpc_addr", key)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <env.key> <value>",
	Short: "Set a configuration value",
	Long: `Set a specific configuration value.

Examples:
  flagship config set dev.base_url http://localhost:8080
  flagship config set prod.api_key my-admin-key`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		envName, key, err := splitConfigKey(args[0])
		if err != nil {
			return err
		}

		var update cli.EnvConfig
		switch key {
		case "base_url":
			update.BaseURL = args[1]
		case "api_key":
			update.APIKey = args[1]
		case "grpc_addr":
			update.GRPCAddr = args[1]
		default:
			return fmt.Errorf("unknown key '%s', valid keys: base_url, api_key, grpc_addr", key)
		}
		if err := cli.SetEnv(envName, update); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		logf(cmd, "Successfully set %s.%s", envName, key)
		return nil
	},
}

var configSetEnvCmd = &cobra.Command{
	Use:   "set-env <env>",
	Short: "Select the default environment",
	Long: `Make <env> the environment used when --env is omitted. Connection flags
given here are stored for the environment first.

Examples:
  flagship config set-env staging
  flagship config set-env staging --base-url https://staging.example.com --api-key key`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		update := cli.EnvConfig{BaseURL: baseURL, APIKey: apiKey, GRPCAddr: grpcAddr}
		if update != (cli.EnvConfig{}) {
			if err := cli.SetEnv(name, update); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
		}
		if err := cli.SetDefaultEnv(name); err != nil {
			return err
		}
		logf(cmd, "Default environment is now '%s'", name)
		return nil
	},
}

func splitConfigKey(s string) (envName, key string, err error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid key format, expected 'env.key' (e.g., 'dev.base_url')")
	}
	return parts[0], parts[1], nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetEnvCmd)
}
