// Package pusher periodically scans for newly observed records and delivers
// them to the master in bounded-attempt batches. Delivery attempts are
// counted optimistically at send time: a missed acknowledgment is logged but
// never rolls a count back, so every record gets at most MaxPushTimes
// attempts, not at-least-once durable delivery. Deduplication of records that
// arrive more than once is the master's job (natural-key upsert).
package pusher

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fleetsync/internal/channel"
	"github.com/fleetsync/internal/statestore"
	"github.com/fleetsync/pkg/models"
)

const countPrefix = "push:"

// RecordSource is the observation layer: it knows which accounts this worker
// owns and which records are currently flagged new.
type RecordSource interface {
	Accounts() []string
	NewRecords(ctx context.Context, accountID string, category models.RecordCategory) ([]models.PushRecord, error)
}

// Config tunes the scan loop.
type Config struct {
	ScanInterval time.Duration
	WarmupDelay  time.Duration // lets the observation layer settle after startup
	MaxPushTimes int
	AckTimeout   time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		ScanInterval: 60 * time.Second,
		WarmupDelay:  5 * time.Second,
		MaxPushTimes: 3,
		AckTimeout:   30 * time.Second,
	}
}

// Coordinator runs the scan/batch/ack cycle.
type Coordinator struct {
	cfg     Config
	source  RecordSource
	emitter channel.Emitter
	acks    *channel.AckRegistry
	store   statestore.Store
}

// New builds a coordinator. The ack registry must be wired to the channel's
// push:ack messages by the caller.
func New(cfg Config, source RecordSource, emitter channel.Emitter, acks *channel.AckRegistry, store statestore.Store) *Coordinator {
	if cfg.MaxPushTimes <= 0 {
		cfg = DefaultConfig()
	}
	return &Coordinator{cfg: cfg, source: source, emitter: emitter, acks: acks, store: store}
}

// Run scans on the configured period until ctx is cancelled. The first scan
// waits out the warmup delay.
func (c *Coordinator) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(c.cfg.WarmupDelay):
	}

	ticker := time.NewTicker(c.cfg.ScanInterval)
	defer ticker.Stop()

	c.ScanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.ScanOnce(ctx)
		}
	}
}

// ScanOnce enumerates every (account, category) pair and pushes one batch of
// eligible records per pair.
func (c *Coordinator) ScanOnce(ctx context.Context) {
	for _, accountID := range c.source.Accounts() {
		for _, category := range models.Categories() {
			c.scanPair(ctx, accountID, category)
		}
	}
}

func (c *Coordinator) scanPair(ctx context.Context, accountID string, category models.RecordCategory) {
	records, err := c.source.NewRecords(ctx, accountID, category)
	if err != nil {
		log.Warn().Err(err).
			Str("account_id", accountID).
			Str("category", string(category)).
			Msg("Record scan failed")
		return
	}

	eligible := make([]models.PushRecord, 0, len(records))
	for _, rec := range records {
		if c.pushCount(accountID, category, rec.RecordID) < c.cfg.MaxPushTimes {
			eligible = append(eligible, rec)
		}
	}
	if len(eligible) == 0 {
		return
	}

	batch := models.PushBatch{
		RequestID: uuid.NewString(),
		AccountID: accountID,
		Category:  category,
		Items:     eligible,
	}

	// Counted at send time, confirmed or not. The bounded-attempt guarantee
	// comes from here, not from the ack.
	for _, rec := range eligible {
		c.incrementPushCount(accountID, category, rec.RecordID)
	}

	c.acks.Expect(batch.RequestID, c.cfg.AckTimeout, func(payload json.RawMessage, timedOut bool) {
		if timedOut {
			log.Warn().
				Str("request_id", batch.RequestID).
				Str("account_id", accountID).
				Str("category", string(category)).
				Int("items", len(batch.Items)).
				Msg("Push acknowledgment timed out")
			return
		}
		var ack models.PushAck
		if err := json.Unmarshal(payload, &ack); err != nil {
			log.Warn().Err(err).Str("request_id", batch.RequestID).Msg("Malformed push acknowledgment")
			return
		}
		log.Info().
			Str("request_id", ack.RequestID).
			Int("accepted", ack.AcceptedCount).
			Int("duplicate", ack.DuplicateCount).
			Str("error", ack.Error).
			Msg("Push batch acknowledged")
	})

	if err := c.emitter.Emit(models.EventPushNewRecords, batch); err != nil {
		// Counts stay incremented: the attempt was made.
		c.acks.Cancel(batch.RequestID)
		log.Error().Err(err).
			Str("request_id", batch.RequestID).
			Str("account_id", accountID).
			Msg("Failed to emit push batch")
		return
	}

	log.Debug().
		Str("request_id", batch.RequestID).
		Str("account_id", accountID).
		Str("category", string(category)).
		Int("items", len(eligible)).
		Msg("Push batch sent")
}

func countKey(accountID string, category models.RecordCategory, recordID string) string {
	return countPrefix + accountID + ":" + string(category) + ":" + recordID
}

func (c *Coordinator) pushCount(accountID string, category models.RecordCategory, recordID string) int {
	raw, ok, err := c.store.Get(countKey(accountID, category, recordID))
	if err != nil {
		log.Error().Err(err).Str("record_id", recordID).Msg("Push counter read failed")
		return 0
	}
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0
	}
	return n
}

func (c *Coordinator) incrementPushCount(accountID string, category models.RecordCategory, recordID string) {
	key := countKey(accountID, category, recordID)
	n := c.pushCount(accountID, category, recordID) + 1
	if err := c.store.Set(key, []byte(strconv.Itoa(n))); err != nil {
		log.Error().Err(err).Str("record_id", recordID).Msg("Push counter write failed")
	}
}
