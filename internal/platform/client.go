// Package platform talks to the local platform gateway: the browser-driving
// surface that actually holds the logged-in sessions. It implements both the
// executor's backend and the pusher's record source.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/fleetsync/internal/executor"
	"github.com/fleetsync/pkg/models"
)

// Client is an HTTP client for the platform gateway. The embedded limiter is
// a flat courtesy cap across all accounts; per-account adaptive spacing is
// the rate governor's job, layered above this.
type Client struct {
	baseURL    string
	accountIDs []string
	http       *http.Client
	limiter    *rate.Limiter
}

// New builds a client for the gateway at baseURL serving the given accounts.
func New(baseURL string, accountIDs []string) *Client {
	return &Client{
		baseURL:    baseURL,
		accountIDs: accountIDs,
		http:       &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 2),
	}
}

// Has reports the capabilities the gateway exposes.
func (c *Client) Has(cap executor.Capability) bool {
	switch cap {
	case executor.CapCommentReply, executor.CapDirectMessage:
		return true
	default:
		return false
	}
}

type replyRequest struct {
	TargetType     string `json:"target_type"`
	TargetID       string `json:"target_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Content        string `json:"content"`
}

type replyResponse struct {
	PlatformReplyID string `json:"platform_reply_id"`
	Blocked         bool   `json:"blocked"`
	Reason          string `json:"reason,omitempty"`
}

// Dispatch posts one reply through the gateway.
func (c *Client) Dispatch(ctx context.Context, req executor.DispatchRequest) (executor.DispatchResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return executor.DispatchResult{}, fmt.Errorf("network wait cancelled: %w", err)
	}

	body := replyRequest{
		TargetType: string(req.TargetType),
		Content:    req.Content,
	}
	if req.Target.Split() {
		body.ConversationID = req.Target.ConversationID
		body.MessageID = req.Target.MessageID
	} else {
		body.TargetID = req.Target.LegacyID
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/replies", c.baseURL, url.PathEscape(req.AccountID))
	var resp replyResponse
	if err := c.postJSON(ctx, endpoint, body, &resp); err != nil {
		return executor.DispatchResult{}, err
	}
	if resp.Blocked {
		return executor.DispatchResult{Refused: true, RefusalReason: resp.Reason}, nil
	}
	return executor.DispatchResult{PlatformReplyID: resp.PlatformReplyID}, nil
}

// Crawl asks the gateway to run one observation pass for the account. The
// caller is expected to space these through the rate governor.
func (c *Client) Crawl(ctx context.Context, accountID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("network wait cancelled: %w", err)
	}
	endpoint := fmt.Sprintf("%s/accounts/%s/crawl", c.baseURL, url.PathEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("network error triggering crawl: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusAccepted {
		return gatewayError(res)
	}
	io.Copy(io.Discard, res.Body)
	return nil
}

// Accounts returns the accounts this worker observes.
func (c *Client) Accounts() []string {
	return c.accountIDs
}

// NewRecords lists records the gateway currently flags as new.
func (c *Client) NewRecords(ctx context.Context, accountID string, category models.RecordCategory) ([]models.PushRecord, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("network wait cancelled: %w", err)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/records?category=%s&new=true",
		c.baseURL, url.PathEscape(accountID), url.QueryEscape(string(category)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network error listing records: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, gatewayError(res)
	}
	var records []models.PushRecord
	if err := json.NewDecoder(res.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode record list: %w", err)
	}
	return records, nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("network error: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		return gatewayError(res)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// gatewayError surfaces the gateway's message so the executor's classifier
// can see the platform's own wording (login expired, quota, not found...).
func gatewayError(res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("gateway error (status %d): %s", res.StatusCode, payload.Error)
	}
	return fmt.Errorf("gateway error (status %d): %s", res.StatusCode, string(body))
}
