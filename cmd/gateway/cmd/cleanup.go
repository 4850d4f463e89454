package cmd

import (
	"context"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeinterp/gateway/internal/config"
	"github.com/codeinterp/gateway/internal/container"
	"github.com/codeinterp/gateway/internal/vdisk"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Tear down every vdisk and container left by an unclean shutdown, then exit",
	RunE:  runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := vdisk.CleanupStale(ctx, cfg.VDisksBaseDir, cfg.WorkerMountsDir); err != nil {
		return err
	}
	log.Printf("cleanup: vdisk sweep complete")

	driver, err := container.NewDriver()
	if err != nil {
		return err
	}
	if err := driver.CleanupStale(ctx); err != nil {
		return err
	}
	log.Printf("cleanup: container sweep complete")

	return nil
}
