// Package gateway streams master-side events to real-time subscribers over
// SSE. Two independent audiences exist: administrative consoles and end-user
// clients. Delivery is best effort; a slow subscriber is skipped, never
// waited on.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/fleetsync/pkg/models"
)

type event struct {
	Name string
	Data []byte
}

// hub is one subscriber audience.
type hub struct {
	mu   sync.Mutex
	subs map[chan event]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan event]struct{})}
}

func (h *hub) subscribe() chan event {
	ch := make(chan event, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribe(ch chan event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *hub) broadcast(name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event", name).Msg("Failed to encode subscriber event")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- event{Name: name, Data: data}:
		default:
			// Subscriber is not keeping up; drop rather than block.
		}
	}
}

// Server is the subscriber gateway. It implements syncer.Broadcaster.
type Server struct {
	echo  *echo.Echo
	port  int
	admin *hub
	user  *hub
}

// NewServer builds the gateway on the given port.
func NewServer(port int) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:  e,
		port:  port,
		admin: newHub(),
		user:  newHub(),
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})
	e.GET("/events/admin", s.streamHandler(s.admin))
	e.GET("/events/user", s.streamHandler(s.user))

	return s
}

func (s *Server) streamHandler(h *hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		w := c.Response()
		w.Header().Set(echo.HeaderContentType, "text/event-stream")
		w.Header().Set(echo.HeaderCacheControl, "no-cache")
		w.Header().Set(echo.HeaderConnection, "keep-alive")
		w.WriteHeader(http.StatusOK)
		w.Flush()

		ch := h.subscribe()
		defer h.unsubscribe(ch)

		for {
			select {
			case <-c.Request().Context().Done():
				return nil
			case evt := <-ch:
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Name, evt.Data); err != nil {
					return nil
				}
				w.Flush()
			}
		}
	}
}

// AccountStatus broadcasts a normalized account snapshot to both audiences.
func (s *Server) AccountStatus(snap *models.AccountSnapshot) {
	s.admin.broadcast(models.EventStatusUpdate, snap)
	s.user.broadcast(models.EventStatusUpdate, snap)
}

// NotifyAdmins broadcasts a notification to the administrative audience.
func (s *Server) NotifyAdmins(n *models.Notification) {
	s.admin.broadcast(models.EventNotificationNew, n)
}

// NotifyUsers broadcasts a notification to the end-user audience.
func (s *Server) NotifyUsers(n *models.Notification) {
	s.user.broadcast(models.EventNotificationNew, n)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}
