package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/sendry-flow/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	fmt.Println("Configuration is valid")
	fmt.Printf("  Listen address: %s\n", cfg.Server.ListenAddr)
	fmt.Printf("  Database path: %s\n", cfg.Database.Path)
	fmt.Printf("  Scheduler: %v (%s, batch %d, concurrency %d)\n",
		cfg.Scheduler.Enabled, cfg.Scheduler.Schedule, cfg.Scheduler.BatchSize, cfg.Scheduler.Concurrency)
	fmt.Printf("  Retry backoff: %s\n", cfg.Scheduler.RetryBackoff)
	if cfg.Scheduler.MaxRetries > 0 {
		fmt.Printf("  Max retries: %d\n", cfg.Scheduler.MaxRetries)
	} else {
		fmt.Println("  Max retries: unlimited")
	}
	fmt.Printf("  Email driver: %s\n", cfg.Email.Driver)
	fmt.Printf("  Cache: %s\n", cfg.Cache.Driver)
	fmt.Printf("  Lock: %s\n", cfg.Lock.Driver)
	fmt.Printf("  Metrics: %v\n", cfg.Metrics.Enabled)

	return nil
}
