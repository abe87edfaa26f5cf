package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/fleetsync/internal/config"
	"github.com/fleetsync/internal/worker"
)

// WorkerCommand returns the CLI command for starting a worker process
func WorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Start a worker process connected to the master",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "master",
				Usage: "Master channel address (overrides config)",
			},
			&cli.StringFlag{
				Name:  "id",
				Usage: "Worker identifier (overrides config)",
			},
		},
		Action: runWorker,
	}
}

func runWorker(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if addr := c.String("master"); addr != "" {
		cfg.Worker.MasterAddr = addr
	}
	if id := c.String("id"); id != "" {
		cfg.Worker.ID = id
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Worker.ID == "" {
		return fmt.Errorf("worker.id is required to start a worker")
	}
	if len(cfg.Worker.Accounts) == 0 {
		return fmt.Errorf("worker.accounts must list at least one account")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Starting FleetSync worker %s...\n", cfg.Worker.ID)
	return worker.Run(ctx, cfg)
}
