package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/sendry-flow/internal/config"
	"github.com/foxzi/sendry-flow/internal/server"
)

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Process one batch of due enrollments and exit",
	Long: `Run a single scheduling pass. Useful when the poll is driven by an
external scheduler such as a systemd timer instead of serve.`,
	RunE: runRunOnce,
}

func runRunOnce(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, version, setupLogger(cfg.Logging))
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	n, err := srv.RunOnce(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Processed %d enrollments\n", n)
	return nil
}
