package cmd

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeinterp/gateway/internal/api"
	"github.com/codeinterp/gateway/internal/auth"
	"github.com/codeinterp/gateway/internal/config"
	"github.com/codeinterp/gateway/internal/container"
	"github.com/codeinterp/gateway/internal/pool"
	"github.com/codeinterp/gateway/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway's HTTP server and worker pool",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	token, err := auth.LoadOrCreateToken(cfg.AuthToken, cfg.AuthTokenPath)
	if err != nil {
		return err
	}

	driver, err := container.NewDriver()
	if err != nil {
		return err
	}

	p := pool.New(pool.Config{
		MinIdleWorkers:    cfg.MinIdleWorkers,
		MaxTotalWorkers:   cfg.MaxTotalWorkers,
		IdleTimeout:       cfg.WorkerIdleTimeout,
		RecyclingInterval: cfg.RecyclingInterval,
		WorkerConfig: worker.Config{
			Image:                 "code-interpreter-worker:latest",
			Network:               cfg.InternalNetworkName,
			CPUCores:              cfg.WorkerCPU,
			MemBytes:              int64(cfg.WorkerRAMMB) * 1024 * 1024,
			DiskSizeMB:            cfg.WorkerMaxDiskSizeMB,
			VDisksBaseDir:         cfg.VDisksBaseDir,
			WorkerMountsDir:       cfg.WorkerMountsDir,
			KernelHost:            "127.0.0.1:8888",
			SSRFProtectionEnabled: cfg.SSRFProtectionEnabled,
		},
	}, driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("gateway: initializing worker pool (min_idle=%d, max_total=%d)", cfg.MinIdleWorkers, cfg.MaxTotalWorkers)
	if err := p.Init(ctx); err != nil {
		return err
	}

	srv := api.NewServer(p, api.Options{
		AuthToken:           token,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		MaxFileSizeBytes:    int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		MaxExecutionTimeout: cfg.MaxExecutionTimeout,
	})

	go func() {
		<-ctx.Done()
		log.Printf("gateway: shutdown signal received, draining pool")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		p.Shutdown(shutdownCtx)
		if err := srv.Close(); err != nil {
			log.Printf("gateway: error closing HTTP server: %v", err)
		}
	}()

	addr := ":" + strconv.Itoa(cfg.Port)
	log.Printf("gateway: listening on %s", addr)
	if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
