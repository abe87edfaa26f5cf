// Package executor runs inbound reply commands at most once per request id.
// Every execution path ends in exactly one classified, emitted outcome; no
// exception escapes, and a duplicate command observes the cached outcome
// (including the processing placeholder) instead of racing a second dispatch.
package executor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetsync/internal/channel"
	"github.com/fleetsync/internal/statestore"
	"github.com/fleetsync/pkg/models"
)

const (
	cachePrefix = "reply:"

	// Cached outcomes are swept after this long; terminal outcomes already
	// delivered are unaffected by eviction.
	defaultRetention = 24 * time.Hour
)

type cacheEntry struct {
	Result    models.ReplyResult `json:"result"`
	CreatedAt time.Time          `json:"created_at"`
}

// Executor dispatches reply commands against a backend and reports outcomes
// on the channel.
type Executor struct {
	backend   Backend
	emitter   channel.Emitter
	store     statestore.Store
	retention time.Duration

	// Serializes the lookup-or-placeholder step so a duplicate arriving while
	// the first attempt is in flight short-circuits instead of racing it.
	mu  sync.Mutex
	now func() time.Time
}

// New builds an executor. The store holds the idempotency cache; pass the
// worker's shared state store.
func New(backend Backend, emitter channel.Emitter, store statestore.Store) *Executor {
	return &Executor{
		backend:   backend,
		emitter:   emitter,
		store:     store,
		retention: defaultRetention,
		now:       time.Now,
	}
}

// Execute runs one reply command. Duplicates by request id return the cached
// outcome verbatim without a second dispatch.
func (e *Executor) Execute(ctx context.Context, cmd models.ReplyCommand) models.ReplyResult {
	e.mu.Lock()
	if cached, ok := e.lookup(cmd.RequestID); ok {
		e.mu.Unlock()
		log.Debug().
			Str("request_id", cmd.RequestID).
			Str("status", string(cached.Status)).
			Msg("Duplicate reply command, returning cached outcome")
		return cached
	}

	placeholder := models.ReplyResult{
		ReplyID:   cmd.ReplyID,
		RequestID: cmd.RequestID,
		AccountID: cmd.AccountID,
		Status:    models.ReplyProcessing,
		Timestamp: e.now(),
	}
	e.record(cmd.RequestID, placeholder)
	e.mu.Unlock()

	result := e.dispatch(ctx, cmd)

	e.mu.Lock()
	e.record(cmd.RequestID, result)
	e.mu.Unlock()

	e.emitResult(result)
	return result
}

func (e *Executor) dispatch(ctx context.Context, cmd models.ReplyCommand) models.ReplyResult {
	result := models.ReplyResult{
		ReplyID:   cmd.ReplyID,
		RequestID: cmd.RequestID,
		AccountID: cmd.AccountID,
	}

	cap, known := requiredCapability(cmd.TargetType)
	if !known || !e.backend.Has(cap) {
		result.Status = models.ReplyFailed
		result.ErrorCode = models.CodeUnknownError
		result.ErrorMessage = "backend does not support target type " + string(cmd.TargetType)
		result.Timestamp = e.now()
		return result
	}

	res, err := e.backend.Dispatch(ctx, DispatchRequest{
		AccountID:  cmd.AccountID,
		TargetType: cmd.TargetType,
		Target:     NormalizeTarget(cmd),
		Content:    cmd.ReplyContent,
	})
	switch {
	case err != nil:
		result.Status = models.ReplyFailed
		result.ErrorCode = ClassifyError(err)
		result.ErrorMessage = err.Error()
	case res.Refused:
		result.Status = models.ReplyBlocked
		result.ErrorCode = models.CodeUnknownError
		result.ErrorMessage = res.RefusalReason
	default:
		result.Status = models.ReplySuccess
		result.PlatformReplyID = res.PlatformReplyID
	}
	result.Timestamp = e.now()
	return result
}

// emitResult reports the outcome on the channel. A disconnected channel means
// the outcome is logged and dropped; there is no outbox.
func (e *Executor) emitResult(result models.ReplyResult) {
	if err := e.emitter.Emit(models.EventReplyResult, result); err != nil {
		log.Error().Err(err).
			Str("request_id", result.RequestID).
			Str("status", string(result.Status)).
			Msg("Failed to emit reply result, outcome dropped")
	}
}

func (e *Executor) lookup(requestID string) (models.ReplyResult, bool) {
	raw, ok, err := e.store.Get(cachePrefix + requestID)
	if err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("Idempotency cache read failed")
		return models.ReplyResult{}, false
	}
	if !ok {
		return models.ReplyResult{}, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("Corrupt idempotency cache entry")
		return models.ReplyResult{}, false
	}
	return entry.Result, true
}

func (e *Executor) record(requestID string, result models.ReplyResult) {
	entry := cacheEntry{Result: result, CreatedAt: e.now()}
	if prev, ok := e.lookup(requestID); ok && isTerminal(prev.Status) {
		// Terminal outcomes never change.
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("Failed to encode outcome")
		return
	}
	if err := e.store.Set(cachePrefix+requestID, raw); err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("Idempotency cache write failed")
	}
}

func isTerminal(s models.ReplyStatus) bool {
	return s == models.ReplySuccess || s == models.ReplyBlocked || s == models.ReplyFailed
}

// Sweep evicts cache entries older than the retention window.
func (e *Executor) Sweep() {
	entries, err := e.store.Scan(cachePrefix)
	if err != nil {
		log.Error().Err(err).Msg("Idempotency cache sweep failed")
		return
	}
	cutoff := e.now().Add(-e.retention)
	evicted := 0
	for key, raw := range entries {
		var entry cacheEntry
		if err := json.Unmarshal(raw, &entry); err != nil || entry.CreatedAt.Before(cutoff) {
			if err := e.store.Delete(key); err == nil {
				evicted++
			}
		}
	}
	if evicted > 0 {
		log.Info().Int("evicted", evicted).Msg("Swept idempotency cache")
	}
}

// RunSweeper sweeps the cache periodically until ctx is cancelled.
func (e *Executor) RunSweeper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// ClassifyError maps a backend error message to a reply error code. First
// match wins.
func ClassifyError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "login") || strings.Contains(msg, "auth"):
		return models.CodeLoginExpired
	case strings.Contains(msg, "network") || strings.Contains(msg, "timeout"):
		return models.CodeNetworkError
	case strings.Contains(msg, "quota") || strings.Contains(msg, "limit"):
		return models.CodeQuotaExceeded
	case strings.Contains(msg, "not found"):
		return models.CodeTargetNotFound
	default:
		return models.CodeUnknownError
	}
}
