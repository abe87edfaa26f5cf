// Package worker wires one worker process together: the adaptive crawl
// pacer, the reply executor, the push coordinator, and the channel client
// they all ride on.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetsync/internal/channel"
	"github.com/fleetsync/internal/config"
	"github.com/fleetsync/internal/executor"
	"github.com/fleetsync/internal/platform"
	"github.com/fleetsync/internal/pusher"
	"github.com/fleetsync/internal/ratelimit"
	"github.com/fleetsync/internal/retry"
	"github.com/fleetsync/internal/statestore"
	"github.com/fleetsync/pkg/models"
)

// Run starts the worker and blocks until ctx is cancelled. Dropped channel
// sessions are redialed with backoff; tracking state survives reconnects.
func Run(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	governor := ratelimit.New(ratelimit.Config{
		DefaultInterval:   time.Duration(cfg.Rate.DefaultIntervalSeconds) * time.Second,
		MinInterval:       time.Duration(cfg.Rate.MinIntervalSeconds) * time.Second,
		MaxInterval:       time.Duration(cfg.Rate.MaxIntervalSeconds) * time.Second,
		Window:            60 * time.Second,
		RecoveryThreshold: 5 * time.Minute,
	}, store)
	for _, accountID := range cfg.Worker.Accounts {
		governor.Initialize(accountID, 0)
	}

	backoff := retry.ChannelConfig()
	attempt := 0
	for {
		client, err := channel.Dial(ctx, cfg.Worker.MasterAddr, channel.AuthRequest{
			WorkerID:  cfg.Worker.ID,
			WorkerKey: cfg.Worker.Key,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := retry.Delay(backoff, attempt)
			attempt++
			log.Warn().Err(err).Dur("delay", delay).Msg("Master unreachable, backing off")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
		log.Info().Str("worker_id", cfg.Worker.ID).Str("master", cfg.Worker.MasterAddr).Msg("Connected to master")

		err = runSession(ctx, cfg, store, governor, client)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, channel.ErrDisconnected) {
			return err
		}
		log.Warn().Str("worker_id", cfg.Worker.ID).Msg("Channel dropped, reconnecting")
	}
}

// runSession drives one connected session. Everything started here is bound
// to the session and torn down when the channel drops.
func runSession(ctx context.Context, cfg *config.Config, store statestore.Store, governor *ratelimit.Governor, client *channel.Client) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	gateway := platform.New(cfg.Worker.GatewayURL, cfg.Worker.Accounts)
	exec := executor.New(gateway, client, store)
	acks := channel.NewAckRegistry()
	coordinator := pusher.New(pusher.Config{
		ScanInterval: time.Duration(cfg.Push.ScanIntervalSeconds) * time.Second,
		WarmupDelay:  5 * time.Second,
		MaxPushTimes: cfg.Push.MaxPushTimes,
		AckTimeout:   time.Duration(cfg.Push.AckTimeoutSeconds) * time.Second,
	}, gateway, client, acks, store)

	client.On(models.EventReplyExecute, func(payload json.RawMessage) {
		var cmd models.ReplyCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			log.Warn().Err(err).Msg("Malformed reply command, dropped")
			return
		}
		// The dispatch blocks on the platform; keep the read loop free.
		go exec.Execute(sessionCtx, cmd)
	})
	client.On(models.EventPushAck, func(payload json.RawMessage) {
		var ack models.PushAck
		if err := json.Unmarshal(payload, &ack); err != nil {
			log.Warn().Err(err).Msg("Malformed push acknowledgment, dropped")
			return
		}
		acks.Resolve(ack.RequestID, payload)
	})

	if err := client.Emit(models.EventWorkerAccounts, models.WorkerAccounts{
		WorkerID:   cfg.Worker.ID,
		AccountIDs: cfg.Worker.Accounts,
	}); err != nil {
		return err
	}

	go exec.RunSweeper(sessionCtx, time.Hour)
	go coordinator.Run(sessionCtx)
	for _, accountID := range cfg.Worker.Accounts {
		go crawlLoop(sessionCtx, governor, gateway, accountID)
	}
	go heartbeatLoop(sessionCtx, client, cfg)

	return client.Run(sessionCtx)
}

func openStore(cfg *config.Config) (statestore.Store, error) {
	if cfg.Worker.StatePath != "" {
		log.Info().Str("path", cfg.Worker.StatePath).Msg("Using sqlite tracking state")
		return statestore.OpenSQLite(cfg.Worker.StatePath)
	}
	return statestore.NewMemory(), nil
}

// crawlLoop triggers observation passes for one account, spaced by the
// governor's adaptive interval. Throttling signals stretch the interval;
// quiet periods shrink it back gradually.
func crawlLoop(ctx context.Context, governor *ratelimit.Governor, gateway *platform.Client, accountID string) {
	for {
		delay := governor.NextRequestDelay(accountID)
		if delay <= 0 {
			delay = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if governor.TooFrequent(accountID) {
			continue
		}

		governor.RecordRequest(accountID)
		if err := gateway.Crawl(ctx, accountID); err != nil {
			if !governor.DetectRateLimit(err, accountID) {
				log.Warn().Err(err).Str("account_id", accountID).Msg("Crawl failed")
			}
			continue
		}
		governor.TryRecover(accountID)
	}
}

func heartbeatLoop(ctx context.Context, client *channel.Client, cfg *config.Config) {
	interval := time.Duration(cfg.Worker.HeartbeatSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, accountID := range cfg.Worker.Accounts {
				report := models.StatusReport{
					AccountID:         accountID,
					LastHeartbeatTime: &now,
				}
				if err := client.Emit(models.EventStatusReport, report); err != nil {
					log.Warn().Err(err).Str("account_id", accountID).Msg("Heartbeat dropped")
					return
				}
			}
		}
	}
}
