package models

import (
	"encoding/json"
	"time"
)

// Event names carried on the worker/master channel. Delivery is at-most-once;
// ordering is only guaranteed per name on a live connection.
const (
	EventReplyExecute    = "reply:execute"
	EventReplyResult     = "reply:result"
	EventPushNewRecords  = "push:new_records"
	EventPushAck         = "push:ack"
	EventStatusReport    = "account:status_report"
	EventStatusUpdate    = "account:status_update"
	EventNotificationNew = "notification:new"
	EventWorkerAccounts  = "worker:accounts"
)

// TargetType selects the platform surface a reply is addressed to.
type TargetType string

const (
	TargetComment       TargetType = "comment"
	TargetDirectMessage TargetType = "direct_message"
)

// ReplyCommand instructs a worker to post one reply on behalf of an account.
// Addressing arrives in one of two shapes: the legacy opaque TargetID, or the
// newer ConversationID/PlatformMessageID pair. The split fields win when set;
// the executor normalizes before dispatch.
type ReplyCommand struct {
	RequestID         string            `json:"request_id"`
	ReplyID           string            `json:"reply_id"`
	AccountID         string            `json:"account_id"`
	TargetType        TargetType        `json:"target_type"`
	TargetID          string            `json:"target_id,omitempty"`
	ConversationID    string            `json:"conversation_id,omitempty"`
	PlatformMessageID string            `json:"platform_message_id,omitempty"`
	ReplyContent      string            `json:"reply_content"`
	Context           map[string]string `json:"context,omitempty"`
}

// ReplyStatus is the outcome progression of a reply command. Processing is a
// placeholder; the terminal states never change once recorded.
type ReplyStatus string

const (
	ReplyProcessing ReplyStatus = "processing"
	ReplySuccess    ReplyStatus = "success"
	ReplyBlocked    ReplyStatus = "blocked"
	ReplyFailed     ReplyStatus = "failed"
)

// Reply error codes, derived from backend error messages (first match wins).
const (
	CodeLoginExpired   = "LOGIN_EXPIRED"
	CodeNetworkError   = "NETWORK_ERROR"
	CodeQuotaExceeded  = "QUOTA_EXCEEDED"
	CodeTargetNotFound = "TARGET_NOT_FOUND"
	CodeUnknownError   = "UNKNOWN_ERROR"
)

// ReplyResult reports the outcome of one reply command back to the master.
type ReplyResult struct {
	ReplyID         string      `json:"reply_id"`
	RequestID       string      `json:"request_id"`
	AccountID       string      `json:"account_id"`
	Status          ReplyStatus `json:"status"`
	ErrorCode       string      `json:"error_code,omitempty"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	PlatformReplyID string      `json:"platform_reply_id,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

// RecordCategory classifies observed records for push delivery.
type RecordCategory string

const (
	CategoryComment RecordCategory = "comment"
	CategoryMessage RecordCategory = "message"
	CategoryContent RecordCategory = "content"
)

// Categories lists every record category a scan enumerates.
func Categories() []RecordCategory {
	return []RecordCategory{CategoryComment, CategoryMessage, CategoryContent}
}

// PushRecord is one newly observed record flagged by the observation layer.
type PushRecord struct {
	RecordID string            `json:"record_id"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// PushBatch carries every eligible record of one (account, category) pair for
// one scan, under a fresh correlation id.
type PushBatch struct {
	RequestID string         `json:"request_id"`
	AccountID string         `json:"account_id"`
	Category  RecordCategory `json:"category"`
	Items     []PushRecord   `json:"items"`
}

// PushAck acknowledges one push batch. Correlated back to the sender through
// the one-shot registry keyed by RequestID; delivered at most once.
type PushAck struct {
	RequestID      string `json:"request_id"`
	Success        bool   `json:"success"`
	AcceptedCount  int    `json:"accepted_count"`
	DuplicateCount int    `json:"duplicate_count"`
	Error          string `json:"error,omitempty"`
}

// StatusReport is a partial per-account status update. Nil fields were not
// reported and must not be written.
type StatusReport struct {
	AccountID         string     `json:"account_id"`
	LoginStatus       *string    `json:"login_status,omitempty"`
	FollowerCount     *int64     `json:"follower_count,omitempty"`
	FollowingCount    *int64     `json:"following_count,omitempty"`
	LastHeartbeatTime *time.Time `json:"last_heartbeat_time,omitempty"`
}

// AccountSnapshot is the full persisted account row, re-read after a status
// write and broadcast to subscribers.
type AccountSnapshot struct {
	AccountID      string     `json:"account_id" db:"account_id"`
	LoginStatus    string     `json:"login_status" db:"login_status"`
	FollowerCount  int64      `json:"follower_count" db:"follower_count"`
	FollowingCount int64      `json:"following_count" db:"following_count"`
	LastHeartbeat  *time.Time `json:"last_heartbeat_time,omitempty" db:"last_heartbeat_time"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// NotificationInput is the wire shape of notification:new. Data is carried as
// an opaque string because worker-side producers sometimes emit malformed
// JSON; the master parses (and repairs) it during ingestion.
type NotificationInput struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id,omitempty"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Data      string `json:"data,omitempty"`
	Priority  int    `json:"priority,omitempty"`
}

// Notification is the persisted notification record.
type Notification struct {
	ID        string          `json:"id" db:"id"`
	Type      string          `json:"type" db:"type"`
	AccountID string          `json:"account_id,omitempty" db:"account_id"`
	Title     string          `json:"title" db:"title"`
	Content   string          `json:"content" db:"content"`
	Data      json.RawMessage `json:"data,omitempty" db:"data"`
	Priority  int             `json:"priority" db:"priority"`
	IsSent    bool            `json:"is_sent" db:"is_sent"`
	SentAt    *time.Time      `json:"sent_at,omitempty" db:"sent_at"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// WorkerAccounts announces which accounts a freshly connected worker owns, so
// the master can route reply commands to the owning connection.
type WorkerAccounts struct {
	WorkerID   string   `json:"worker_id"`
	AccountIDs []string `json:"account_ids"`
}
