package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/fleetsync/pkg/models"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PGStore implements every syncer store interface on one Postgres handle.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// UpdateStatus writes only the given fields, creating the account row on
// first contact. The dynamic SET list is why this is built with squirrel.
func (s *PGStore) UpdateStatus(ctx context.Context, accountID string, fields map[string]any) error {
	query, args, err := psql.Update("accounts").
		SetMap(fields).
		Where(sq.Eq{"account_id": accountID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build status update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update account %s: %w", accountID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update account %s: %w", accountID, err)
	}
	if affected > 0 {
		return nil
	}

	insert := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		insert[k] = v
	}
	insert["account_id"] = accountID
	query, args, err = psql.Insert("accounts").SetMap(insert).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build account insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert account %s: %w", accountID, err)
	}
	return nil
}

// Snapshot reads the full account row.
func (s *PGStore) Snapshot(ctx context.Context, accountID string) (*models.AccountSnapshot, error) {
	query, args, err := psql.
		Select("account_id", "login_status", "follower_count", "following_count", "last_heartbeat_time", "updated_at").
		From("accounts").
		Where(sq.Eq{"account_id": accountID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot query: %w", err)
	}

	var snap models.AccountSnapshot
	var loginStatus sql.NullString
	var heartbeat sql.NullTime
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&snap.AccountID, &loginStatus, &snap.FollowerCount, &snap.FollowingCount, &heartbeat, &snap.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read account %s: %w", accountID, err)
	}
	snap.LoginStatus = loginStatus.String
	if heartbeat.Valid {
		t := heartbeat.Time
		snap.LastHeartbeat = &t
	}
	return &snap, nil
}

// Insert persists a new notification row.
func (s *PGStore) Insert(ctx context.Context, n *models.Notification) error {
	var data any
	if len(n.Data) > 0 {
		data = []byte(n.Data)
	}
	var accountID any
	if n.AccountID != "" {
		accountID = n.AccountID
	}
	query, args, err := psql.Insert("notifications").SetMap(map[string]any{
		"id":         n.ID,
		"type":       n.Type,
		"account_id": accountID,
		"title":      n.Title,
		"content":    n.Content,
		"data":       data,
		"priority":   n.Priority,
		"is_sent":    false,
		"created_at": n.CreatedAt,
	}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build notification insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// MarkSent flips is_sent exactly once, right after the broadcast is issued.
func (s *PGStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	query, args, err := psql.Update("notifications").
		Set("is_sent", true).
		Set("sent_at", at).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build sent update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark notification %s sent: %w", id, err)
	}
	return nil
}

// UpsertBatch inserts each pushed record, ignoring natural-key duplicates.
// The accepted/duplicate split feeds the acknowledgment.
func (s *PGStore) UpsertBatch(ctx context.Context, batch models.PushBatch) (int, int, error) {
	accepted := 0
	for _, rec := range batch.Items {
		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			return accepted, len(batch.Items) - accepted, fmt.Errorf("failed to encode record fields: %w", err)
		}
		query, args, err := psql.Insert("observed_records").
			Columns("account_id", "category", "record_id", "fields", "first_seen_at").
			Values(batch.AccountID, string(batch.Category), rec.RecordID, fields, time.Now()).
			Suffix("ON CONFLICT (account_id, category, record_id) DO NOTHING").
			ToSql()
		if err != nil {
			return accepted, 0, fmt.Errorf("failed to build record insert: %w", err)
		}
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return accepted, 0, fmt.Errorf("failed to insert record %s: %w", rec.RecordID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			accepted++
		}
	}
	return accepted, len(batch.Items) - accepted, nil
}

// SaveResult upserts a reply outcome. A terminal row is never overwritten;
// only the processing placeholder may advance.
func (s *PGStore) SaveResult(ctx context.Context, res models.ReplyResult) error {
	query, args, err := psql.Insert("reply_results").
		Columns("request_id", "reply_id", "account_id", "status", "error_code", "error_message", "platform_reply_id", "reported_at").
		Values(res.RequestID, res.ReplyID, res.AccountID, string(res.Status), res.ErrorCode, res.ErrorMessage, res.PlatformReplyID, res.Timestamp).
		Suffix(`ON CONFLICT (request_id) DO UPDATE SET
			status = excluded.status,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			platform_reply_id = excluded.platform_reply_id,
			reported_at = excluded.reported_at
		WHERE reply_results.status = 'processing'`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build result upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save reply result %s: %w", res.RequestID, err)
	}
	return nil
}
