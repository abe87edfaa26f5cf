package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/fleetsync/internal/config"
	"github.com/fleetsync/internal/master"
)

// MasterCommand returns the CLI command for starting the master process
func MasterCommand() *cli.Command {
	return &cli.Command{
		Name:  "master",
		Usage: "Start the master process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Channel listen address (overrides config)",
			},
			&cli.IntFlag{
				Name:  "gateway-port",
				Usage: "Subscriber gateway port (overrides config)",
			},
		},
		Action: runMaster,
	}
}

func runMaster(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if addr := c.String("listen"); addr != "" {
		cfg.Master.ListenAddr = addr
	}
	if port := c.Int("gateway-port"); port != 0 {
		cfg.Master.GatewayPort = port
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Master.DatabaseURL == "" {
		return fmt.Errorf("master.database_url is required to start the master")
	}
	if cfg.Master.AuthSecret == "" {
		return fmt.Errorf("master.auth_secret is required to start the master")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Starting FleetSync master on %s...\n", cfg.Master.ListenAddr)
	return master.Run(ctx, cfg)
}
