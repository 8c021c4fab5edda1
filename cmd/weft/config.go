package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/weft/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Show the effective configuration after merging defaults, the user
config (~/.config/weft/config.yaml), the project weft.yaml, and
environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if rootProfile != "" {
			if err := cfg.ApplyProfile(rootProfile); err != nil {
				return err
			}
		}

		key, source, _ := config.ResolveAPIKey(cfg)
		fmt.Printf("anthropic.api_key: %s (from %s)\n", config.MaskAPIKey(key), source)
		fmt.Printf("aws.bedrock: %t\n", cfg.AWS.Bedrock)
		if cfg.AWS.Bedrock {
			fmt.Printf("aws.region: %s\n", cfg.AWS.Region)
			fmt.Printf("aws.profile: %s\n", cfg.AWS.Profile)
		}
		fmt.Printf("run.units_dir: %s\n", cfg.Run.UnitsDir)
		fmt.Printf("run.max_parallelism: %d\n", cfg.Run.MaxParallelism)
		fmt.Printf("run.attempt_timeout: %s\n", cfg.Run.AttemptTimeout)
		fmt.Printf("run.debug: %t\n", cfg.Run.Debug)
		fmt.Printf("model.name: %s\n", cfg.Model.Name)
		fmt.Printf("model.max_tokens: %d\n", cfg.Model.MaxTokens)
		fmt.Printf("model.temperature: %g\n", cfg.Model.Temperature)
		fmt.Printf("retries.max_attempts: %d\n", cfg.Retries.MaxAttempts)
		fmt.Printf("retries.backoff: %s\n", cfg.Retries.Backoff)
		fmt.Printf("retries.backoff_cap: %s\n", cfg.Retries.BackoffCap)
		fmt.Printf("retries.on_exhausted: %s\n", cfg.Retries.OnExhausted)
		if cfg.Profile != "" {
			fmt.Printf("profile: %s\n", cfg.Profile)
		}

		if p := config.GetProjectConfigPath(); p != "" {
			fmt.Printf("\nproject config: %s\n", p)
		}
		fmt.Printf("user config: %s\n", config.GetUserConfigPath())
		return nil
	},
}
