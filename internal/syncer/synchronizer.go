// Package syncer is the master-side ingestion point for worker traffic:
// partial status reports, standalone notifications, push batches, and reply
// results. Database errors fail loud; malformed embedded payloads degrade.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"

	"github.com/fleetsync/pkg/models"
)

// AccountStore persists per-account status rows.
type AccountStore interface {
	// UpdateStatus writes only the given fields for the account, creating the
	// row if it does not exist yet.
	UpdateStatus(ctx context.Context, accountID string, fields map[string]any) error
	// Snapshot re-reads the full persisted row.
	Snapshot(ctx context.Context, accountID string) (*models.AccountSnapshot, error)
}

// NotificationStore persists notification records.
type NotificationStore interface {
	Insert(ctx context.Context, n *models.Notification) error
	MarkSent(ctx context.Context, id string, at time.Time) error
}

// RecordStore persists pushed records. Upserting on the natural key is what
// makes the worker's at-most-N redelivery harmless.
type RecordStore interface {
	UpsertBatch(ctx context.Context, batch models.PushBatch) (accepted, duplicate int, err error)
}

// ReplyResultStore persists reply outcomes reported by workers.
type ReplyResultStore interface {
	SaveResult(ctx context.Context, res models.ReplyResult) error
}

// Broadcaster fans events out to real-time subscribers, best effort.
type Broadcaster interface {
	AccountStatus(snap *models.AccountSnapshot)
	NotifyAdmins(n *models.Notification)
	NotifyUsers(n *models.Notification)
}

// Fields whose change is externally visible. Only reports touching at least
// one of these trigger a fan-out; heartbeat-only reports never do, so routine
// liveness pings cannot cause broadcast storms.
var visibleFields = map[string]bool{
	"login_status":    true,
	"follower_count":  true,
	"following_count": true,
}

// Synchronizer applies worker reports to the durable store and conditionally
// fans them out.
type Synchronizer struct {
	accounts      AccountStore
	notifications NotificationStore
	records       RecordStore
	results       ReplyResultStore
	broadcaster   Broadcaster
	now           func() time.Time
}

// New builds a synchronizer.
func New(accounts AccountStore, notifications NotificationStore, records RecordStore, results ReplyResultStore, bc Broadcaster) *Synchronizer {
	return &Synchronizer{
		accounts:      accounts,
		notifications: notifications,
		records:       records,
		results:       results,
		broadcaster:   bc,
		now:           time.Now,
	}
}

// ApplyStatusReport writes the fields present in the report plus an
// unconditional last-updated bump. Returns false without writing when the
// report carries no recognized fields. After a write that touched an
// externally visible field, the full row is re-read and broadcast.
func (s *Synchronizer) ApplyStatusReport(ctx context.Context, report models.StatusReport) (bool, error) {
	fields := make(map[string]any)
	visible := false

	if report.LoginStatus != nil {
		fields["login_status"] = *report.LoginStatus
	}
	if report.FollowerCount != nil {
		fields["follower_count"] = *report.FollowerCount
	}
	if report.FollowingCount != nil {
		fields["following_count"] = *report.FollowingCount
	}
	if report.LastHeartbeatTime != nil {
		fields["last_heartbeat_time"] = *report.LastHeartbeatTime
	}
	for name := range fields {
		if visibleFields[name] {
			visible = true
		}
	}
	if len(fields) == 0 {
		return false, nil
	}
	fields["updated_at"] = s.now()

	if err := s.accounts.UpdateStatus(ctx, report.AccountID, fields); err != nil {
		return false, err
	}

	if visible {
		// Broadcast the persisted row, never the inbound delta.
		snap, err := s.accounts.Snapshot(ctx, report.AccountID)
		if err != nil {
			return true, err
		}
		s.broadcaster.AccountStatus(snap)
	}
	return true, nil
}

// IngestNotification validates, persists, broadcasts to both subscriber
// audiences, and marks the record sent. Marking happens right after the
// broadcast is issued, not after any receipt confirmation.
func (s *Synchronizer) IngestNotification(ctx context.Context, in models.NotificationInput) (*models.Notification, error) {
	if in.Type == "" || in.Title == "" || in.Content == "" {
		return nil, errors.New("notification requires type, title and content")
	}

	now := s.now()
	n := &models.Notification{
		ID:        uuid.NewString(),
		Type:      in.Type,
		AccountID: in.AccountID,
		Title:     in.Title,
		Content:   in.Content,
		Data:      s.parseNotificationData(in.Data),
		Priority:  in.Priority,
		CreatedAt: now,
	}

	if err := s.notifications.Insert(ctx, n); err != nil {
		return nil, err
	}

	s.broadcaster.NotifyAdmins(n)
	s.broadcaster.NotifyUsers(n)

	sentAt := s.now()
	if err := s.notifications.MarkSent(ctx, n.ID, sentAt); err != nil {
		return nil, err
	}
	n.IsSent = true
	n.SentAt = &sentAt
	return n, nil
}

// parseNotificationData turns the embedded payload string into JSON. A
// payload that fails to parse gets one repair attempt and then degrades to
// null with a warning; it never aborts the ingestion.
func (s *Synchronizer) parseNotificationData(data string) json.RawMessage {
	if data == "" {
		return nil
	}
	if json.Valid([]byte(data)) {
		return json.RawMessage(data)
	}
	repaired, err := jsonrepair.JSONRepair(data)
	if err == nil && json.Valid([]byte(repaired)) {
		log.Warn().Msg("Notification data was malformed JSON, repaired")
		return json.RawMessage(repaired)
	}
	log.Warn().Msg("Notification data is unparseable, degrading to null")
	return nil
}

// IngestPushBatch upserts a batch of pushed records and builds the
// acknowledgment for the sending worker.
func (s *Synchronizer) IngestPushBatch(ctx context.Context, batch models.PushBatch) models.PushAck {
	ack := models.PushAck{RequestID: batch.RequestID}
	accepted, duplicate, err := s.records.UpsertBatch(ctx, batch)
	if err != nil {
		log.Error().Err(err).
			Str("request_id", batch.RequestID).
			Str("account_id", batch.AccountID).
			Msg("Push batch ingestion failed")
		ack.Error = err.Error()
		return ack
	}
	ack.Success = true
	ack.AcceptedCount = accepted
	ack.DuplicateCount = duplicate
	return ack
}

// RecordReplyResult persists a reply outcome reported by a worker.
func (s *Synchronizer) RecordReplyResult(ctx context.Context, res models.ReplyResult) error {
	return s.results.SaveResult(ctx, res)
}
