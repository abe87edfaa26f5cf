package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsync/pkg/models"
)

type fakeAccountStore struct {
	updates  []map[string]any
	accounts []string
	snapshot *models.AccountSnapshot
	err      error
}

func (s *fakeAccountStore) UpdateStatus(ctx context.Context, accountID string, fields map[string]any) error {
	if s.err != nil {
		return s.err
	}
	s.accounts = append(s.accounts, accountID)
	s.updates = append(s.updates, fields)
	return nil
}

func (s *fakeAccountStore) Snapshot(ctx context.Context, accountID string) (*models.AccountSnapshot, error) {
	return s.snapshot, nil
}

type fakeNotificationStore struct {
	inserted  []*models.Notification
	marked    []string
	insertErr error
}

func (s *fakeNotificationStore) Insert(ctx context.Context, n *models.Notification) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = append(s.inserted, n)
	return nil
}

func (s *fakeNotificationStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	s.marked = append(s.marked, id)
	return nil
}

type fakeRecordStore struct {
	batches   []models.PushBatch
	accepted  int
	duplicate int
	err       error
}

func (s *fakeRecordStore) UpsertBatch(ctx context.Context, batch models.PushBatch) (int, int, error) {
	if s.err != nil {
		return 0, 0, s.err
	}
	s.batches = append(s.batches, batch)
	return s.accepted, s.duplicate, nil
}

type fakeResultStore struct {
	results []models.ReplyResult
}

func (s *fakeResultStore) SaveResult(ctx context.Context, res models.ReplyResult) error {
	s.results = append(s.results, res)
	return nil
}

type fakeBroadcaster struct {
	statuses []*models.AccountSnapshot
	admins   []*models.Notification
	users    []*models.Notification
}

func (b *fakeBroadcaster) AccountStatus(snap *models.AccountSnapshot) {
	b.statuses = append(b.statuses, snap)
}

func (b *fakeBroadcaster) NotifyAdmins(n *models.Notification) {
	b.admins = append(b.admins, n)
}

func (b *fakeBroadcaster) NotifyUsers(n *models.Notification) {
	b.users = append(b.users, n)
}

type syncFixture struct {
	sync          *Synchronizer
	accounts      *fakeAccountStore
	notifications *fakeNotificationStore
	records       *fakeRecordStore
	results       *fakeResultStore
	broadcaster   *fakeBroadcaster
}

func newFixture() *syncFixture {
	f := &syncFixture{
		accounts:      &fakeAccountStore{},
		notifications: &fakeNotificationStore{},
		records:       &fakeRecordStore{},
		results:       &fakeResultStore{},
		broadcaster:   &fakeBroadcaster{},
	}
	f.sync = New(f.accounts, f.notifications, f.records, f.results, f.broadcaster)
	return f
}

func strPtr(s string) *string { return &s }

func intPtr(n int64) *int64 { return &n }

func timePtr(t time.Time) *time.Time { return &t }

func TestApplyStatusReportEmptyReportWritesNothing(t *testing.T) {
	f := newFixture()

	applied, err := f.sync.ApplyStatusReport(context.Background(), models.StatusReport{AccountID: "acc-1"})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Empty(t, f.accounts.updates, "empty report must not touch the store")
	assert.Empty(t, f.broadcaster.statuses)
}

func TestApplyStatusReportHeartbeatOnlyDoesNotBroadcast(t *testing.T) {
	f := newFixture()
	beat := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	applied, err := f.sync.ApplyStatusReport(context.Background(), models.StatusReport{
		AccountID:         "acc-1",
		LastHeartbeatTime: timePtr(beat),
	})
	require.NoError(t, err)
	assert.True(t, applied)

	require.Len(t, f.accounts.updates, 1)
	fields := f.accounts.updates[0]
	assert.Equal(t, beat, fields["last_heartbeat_time"])
	assert.Contains(t, fields, "updated_at", "every write bumps the freshness stamp")
	assert.NotContains(t, fields, "login_status")

	assert.Empty(t, f.broadcaster.statuses, "heartbeat-only reports never fan out")
}

func TestApplyStatusReportVisibleFieldBroadcastsSnapshot(t *testing.T) {
	f := newFixture()
	f.accounts.snapshot = &models.AccountSnapshot{
		AccountID:     "acc-1",
		LoginStatus:   "expired",
		FollowerCount: 1200,
	}

	applied, err := f.sync.ApplyStatusReport(context.Background(), models.StatusReport{
		AccountID:   "acc-1",
		LoginStatus: strPtr("expired"),
	})
	require.NoError(t, err)
	assert.True(t, applied)

	require.Len(t, f.broadcaster.statuses, 1)
	// The persisted row goes out, not the inbound delta.
	assert.Equal(t, int64(1200), f.broadcaster.statuses[0].FollowerCount)
}

func TestApplyStatusReportPartialFields(t *testing.T) {
	f := newFixture()
	f.accounts.snapshot = &models.AccountSnapshot{AccountID: "acc-1"}

	_, err := f.sync.ApplyStatusReport(context.Background(), models.StatusReport{
		AccountID:      "acc-1",
		FollowerCount:  intPtr(500),
		FollowingCount: intPtr(42),
	})
	require.NoError(t, err)

	require.Len(t, f.accounts.updates, 1)
	fields := f.accounts.updates[0]
	assert.Equal(t, int64(500), fields["follower_count"])
	assert.Equal(t, int64(42), fields["following_count"])
	assert.NotContains(t, fields, "login_status", "absent fields must not be written")
	assert.Len(t, f.broadcaster.statuses, 1)
}

func TestApplyStatusReportStoreError(t *testing.T) {
	f := newFixture()
	f.accounts.err = errors.New("connection refused")

	applied, err := f.sync.ApplyStatusReport(context.Background(), models.StatusReport{
		AccountID:   "acc-1",
		LoginStatus: strPtr("active"),
	})
	assert.Error(t, err)
	assert.False(t, applied)
	assert.Empty(t, f.broadcaster.statuses)
}

func TestIngestNotificationRejectsIncompleteInput(t *testing.T) {
	f := newFixture()

	tests := []models.NotificationInput{
		{Title: "t", Content: "c"},    // missing type
		{Type: "alert", Content: "c"}, // missing title
		{Type: "alert", Title: "t"},   // missing content
	}
	for _, in := range tests {
		_, err := f.sync.IngestNotification(context.Background(), in)
		assert.Error(t, err)
	}
	assert.Empty(t, f.notifications.inserted, "invalid input must be rejected before any write")
	assert.Empty(t, f.broadcaster.admins)
}

func TestIngestNotificationPersistsAndBroadcasts(t *testing.T) {
	f := newFixture()

	n, err := f.sync.IngestNotification(context.Background(), models.NotificationInput{
		Type:      "login_expired",
		AccountID: "acc-1",
		Title:     "Login expired",
		Content:   "Account acc-1 needs to log in again",
		Data:      `{"account":"acc-1"}`,
		Priority:  2,
	})
	require.NoError(t, err)

	require.Len(t, f.notifications.inserted, 1)
	assert.NotEmpty(t, n.ID)
	assert.JSONEq(t, `{"account":"acc-1"}`, string(n.Data))

	// Both audiences get it, and it is marked sent right after the fan-out.
	require.Len(t, f.broadcaster.admins, 1)
	require.Len(t, f.broadcaster.users, 1)
	assert.Equal(t, []string{n.ID}, f.notifications.marked)
	assert.True(t, n.IsSent)
	require.NotNil(t, n.SentAt)
}

func TestIngestNotificationRepairsMalformedData(t *testing.T) {
	f := newFixture()

	// Unquoted keys and a trailing comma: invalid JSON, but repairable.
	n, err := f.sync.IngestNotification(context.Background(), models.NotificationInput{
		Type:    "alert",
		Title:   "t",
		Content: "c",
		Data:    `{account: "acc-1",}`,
	})
	require.NoError(t, err)
	require.NotNil(t, n.Data)
	assert.True(t, json.Valid(n.Data), "repaired data must be valid JSON")
}

func TestIngestNotificationNeverAbortsOnBadData(t *testing.T) {
	f := newFixture()

	n, err := f.sync.IngestNotification(context.Background(), models.NotificationInput{
		Type:    "alert",
		Title:   "t",
		Content: "c",
		Data:    "\x00\x01 not json at all \x02",
	})
	require.NoError(t, err, "bad embedded data must not abort the ingestion")
	if n.Data != nil {
		assert.True(t, json.Valid(n.Data), "data is either dropped or stored as valid JSON")
	}
	assert.Len(t, f.notifications.inserted, 1)
}

func TestIngestNotificationEmptyData(t *testing.T) {
	f := newFixture()

	n, err := f.sync.IngestNotification(context.Background(), models.NotificationInput{
		Type:    "alert",
		Title:   "t",
		Content: "c",
	})
	require.NoError(t, err)
	assert.Nil(t, n.Data)
}

func TestIngestPushBatchBuildsAck(t *testing.T) {
	f := newFixture()
	f.records.accepted = 2
	f.records.duplicate = 1

	batch := models.PushBatch{
		RequestID: "push-1",
		AccountID: "acc-1",
		Category:  models.CategoryComment,
		Items:     []models.PushRecord{{RecordID: "a"}, {RecordID: "b"}, {RecordID: "c"}},
	}
	ack := f.sync.IngestPushBatch(context.Background(), batch)

	assert.Equal(t, "push-1", ack.RequestID)
	assert.True(t, ack.Success)
	assert.Equal(t, 2, ack.AcceptedCount)
	assert.Equal(t, 1, ack.DuplicateCount)
	require.Len(t, f.records.batches, 1)
}

func TestIngestPushBatchErrorAck(t *testing.T) {
	f := newFixture()
	f.records.err = errors.New("deadlock detected")

	ack := f.sync.IngestPushBatch(context.Background(), models.PushBatch{RequestID: "push-2"})
	assert.False(t, ack.Success)
	assert.Equal(t, "push-2", ack.RequestID)
	assert.Contains(t, ack.Error, "deadlock")
}

func TestRecordReplyResult(t *testing.T) {
	f := newFixture()

	res := models.ReplyResult{RequestID: "req-1", Status: models.ReplySuccess}
	require.NoError(t, f.sync.RecordReplyResult(context.Background(), res))
	require.Len(t, f.results.results, 1)
	assert.Equal(t, "req-1", f.results.results[0].RequestID)
}
