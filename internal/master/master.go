// Package master wires the master process together: the channel server, the
// state synchronizer, the reply dispatch queue, and the subscriber gateway.
package master

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/fleetsync/internal/channel"
	"github.com/fleetsync/internal/config"
	"github.com/fleetsync/internal/database"
	"github.com/fleetsync/internal/dispatch"
	"github.com/fleetsync/internal/gateway"
	"github.com/fleetsync/internal/syncer"
	"github.com/fleetsync/pkg/models"
)

// Run starts the master and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	db, err := database.NewDB(cfg.Master.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	store := syncer.NewPGStore(db)
	gw := gateway.NewServer(cfg.Master.GatewayPort)
	sync := syncer.New(store, store, store, store, gw)

	registry := dispatch.NewRegistry()
	dbURL, err := database.URL(cfg.Master.DatabaseURL)
	if err != nil {
		return err
	}
	queue, err := dispatch.NewQueue(ctx, dbURL, registry)
	if err != nil {
		return err
	}

	auth := channel.NewAuthenticator(cfg.Master.AuthSecret, cfg.Master.WorkerKeyHash)
	server := channel.NewServer(cfg.Master.ListenAddr, auth)
	server.OnConnect = registry.Add
	server.OnDisconnect = registry.Remove

	server.Handle(models.EventWorkerAccounts, func(wc *channel.WorkerConn, payload json.RawMessage) {
		var announce models.WorkerAccounts
		if err := json.Unmarshal(payload, &announce); err != nil {
			log.Warn().Err(err).Str("worker_id", wc.WorkerID).Msg("Malformed account announcement")
			return
		}
		registry.SetAccounts(wc.WorkerID, announce.AccountIDs)
		log.Info().
			Str("worker_id", wc.WorkerID).
			Int("accounts", len(announce.AccountIDs)).
			Msg("Worker accounts registered")
	})

	server.Handle(models.EventStatusReport, func(wc *channel.WorkerConn, payload json.RawMessage) {
		var report models.StatusReport
		if err := json.Unmarshal(payload, &report); err != nil {
			log.Warn().Err(err).Str("worker_id", wc.WorkerID).Msg("Malformed status report")
			return
		}
		if _, err := sync.ApplyStatusReport(ctx, report); err != nil {
			log.Error().Err(err).Str("account_id", report.AccountID).Msg("Status report failed")
		}
	})

	server.Handle(models.EventNotificationNew, func(wc *channel.WorkerConn, payload json.RawMessage) {
		var in models.NotificationInput
		if err := json.Unmarshal(payload, &in); err != nil {
			log.Warn().Err(err).Str("worker_id", wc.WorkerID).Msg("Malformed notification")
			return
		}
		if _, err := sync.IngestNotification(ctx, in); err != nil {
			log.Error().Err(err).Str("type", in.Type).Msg("Notification ingestion failed")
		}
	})

	server.Handle(models.EventPushNewRecords, func(wc *channel.WorkerConn, payload json.RawMessage) {
		var batch models.PushBatch
		if err := json.Unmarshal(payload, &batch); err != nil {
			log.Warn().Err(err).Str("worker_id", wc.WorkerID).Msg("Malformed push batch")
			return
		}
		ack := sync.IngestPushBatch(ctx, batch)
		if err := wc.Emit(models.EventPushAck, ack); err != nil {
			log.Warn().Err(err).Str("request_id", batch.RequestID).Msg("Push acknowledgment dropped")
		}
	})

	server.Handle(models.EventReplyResult, func(wc *channel.WorkerConn, payload json.RawMessage) {
		var result models.ReplyResult
		if err := json.Unmarshal(payload, &result); err != nil {
			log.Warn().Err(err).Str("worker_id", wc.WorkerID).Msg("Malformed reply result")
			return
		}
		if err := sync.RecordReplyResult(ctx, result); err != nil {
			log.Error().Err(err).Str("request_id", result.RequestID).Msg("Reply result persistence failed")
		}
	})

	if err := queue.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := queue.Stop(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Dispatch queue shutdown failed")
		}
	}()

	go func() {
		if err := gw.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Subscriber gateway failed")
		}
	}()

	return server.ListenAndServe(ctx)
}
