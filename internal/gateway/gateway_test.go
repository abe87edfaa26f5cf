package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsync/pkg/models"
)

func TestHubBroadcastReachesSubscribers(t *testing.T) {
	h := newHub()
	ch1 := h.subscribe()
	ch2 := h.subscribe()
	defer h.unsubscribe(ch1)
	defer h.unsubscribe(ch2)

	h.broadcast("account:status_update", map[string]string{"account_id": "acc-1"})

	for _, ch := range []chan event{ch1, ch2} {
		select {
		case evt := <-ch:
			assert.Equal(t, "account:status_update", evt.Name)
			assert.Contains(t, string(evt.Data), "acc-1")
		default:
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	h := newHub()
	ch := h.subscribe()
	defer h.unsubscribe(ch)

	// Overfill the subscriber buffer; broadcast must not block.
	for i := 0; i < 32; i++ {
		h.broadcast("tick", i)
	}
	assert.Equal(t, cap(ch), len(ch), "buffer fills, overflow is dropped")
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	h := newHub()
	ch := h.subscribe()
	h.unsubscribe(ch)

	h.broadcast("tick", 1)
	assert.Empty(t, ch)
}

func TestServerAudienceRouting(t *testing.T) {
	s := NewServer(0)
	admin := s.admin.subscribe()
	user := s.user.subscribe()

	s.NotifyAdmins(&models.Notification{ID: "n-1", Type: "alert", Title: "t", Content: "c"})
	assert.Len(t, admin, 1, "admin notification goes to the admin hub")
	assert.Empty(t, user)

	s.NotifyUsers(&models.Notification{ID: "n-2", Type: "alert", Title: "t", Content: "c"})
	assert.Len(t, user, 1)
	assert.Len(t, admin, 1)

	s.AccountStatus(&models.AccountSnapshot{AccountID: "acc-1"})
	assert.Len(t, admin, 2, "status updates reach both audiences")
	assert.Len(t, user, 2)
}

func TestHealthEndpoint(t *testing.T) {
	s := NewServer(0)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}
