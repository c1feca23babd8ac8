package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/loyaltyhub/cardlink/internal/agent"
	"github.com/loyaltyhub/cardlink/internal/config"
)

// Card status codes understood by the upstream ledger.
const (
	CardStatusPending       = 0
	CardStatusActive        = 1
	CardStatusRetryRequired = 5
	CardStatusRedactFailed  = 6
)

// RetryType tags a report so the ledger's task system knows which flow
// to re-enqueue.
type RetryType string

const (
	RetryRemove RetryType = "remove"
	RetryRedact RetryType = "redact"
)

// DeactivateError is the permanent-failure record for one activation.
type DeactivateError struct {
	ResponseStatus     string `json:"response_status"`
	ProviderStatusCode string `json:"agent_response_code,omitempty"`
	Message            string `json:"agent_response_message,omitempty"`
}

// StatusUpdate is the outbound ledger callback. CardStatus is a pointer
// because VOP unenroll callbacks carry state without moving the card
// status.
type StatusUpdate struct {
	CardID             int64                      `json:"card_id"`
	CardStatus         *int                       `json:"card_status,omitempty"`
	ResponseAction     string                     `json:"response_action,omitempty"`
	ResponseState      string                     `json:"response_state,omitempty"`
	ResponseStatus     string                     `json:"response_status,omitempty"`
	ResponseStatusCode int                        `json:"response_status_code,omitempty"`
	ResponseMessage    string                     `json:"response_message,omitempty"`
	CardToken          string                     `json:"agent_card_uid,omitempty"`
	DeactivatedList    []string                   `json:"deactivated_list,omitempty"`
	DeactivateErrors   map[string]DeactivateError `json:"deactivate_errors,omitempty"`
	RetryID            string                     `json:"retry_id,omitempty"`
	RetryType          RetryType                  `json:"retry_type,omitempty"`
}

func CardStatus(code int) *int {
	return &code
}

// Client reports operation outcomes to the upstream ledger and fetches
// the per-provider status mappings. Delivery retries for the report
// itself are the ledger's concern, not ours.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(cfg config.LedgerConfig, logger *slog.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

func (c *Client) PutAccountStatus(ctx context.Context, update StatusUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal status update: %w", err)
	}

	url := fmt.Sprintf("%s/payment_service/payment_card_account_status", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build status update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send status update: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ledger returned status %d: %s", resp.StatusCode, string(data))
	}

	c.logger.Info("reported account status to ledger",
		"card_id", update.CardID,
		"action", update.ResponseAction,
		"state", update.ResponseState,
		"ledger_status", resp.StatusCode)
	return nil
}

func (c *Client) ProviderStatusMapping(ctx context.Context, slug string) (agent.StatusMapping, error) {
	url := fmt.Sprintf("%s/payment_service/provider_status_mappings/%s", c.baseURL, slug)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build status mapping request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch status mapping for %s: %w", slug, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ledger returned status %d for %s mapping: %s", resp.StatusCode, slug, string(data))
	}

	var mapping agent.StatusMapping
	if err := json.NewDecoder(resp.Body).Decode(&mapping); err != nil {
		return nil, fmt.Errorf("decode status mapping for %s: %w", slug, err)
	}
	return mapping, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}
}
