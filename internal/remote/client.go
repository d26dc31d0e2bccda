// Package remote is the HTTP client for the system of record. It exposes the
// minimal API shape the sync engine depends on: a paged delta feed per entity
// type and one call per queued mutation, with failures classified for retry
// policy.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout   = 15 * time.Second
	defaultTransientRetries = 2
	transientBackoffBase    = 250 * time.Millisecond
	transientBackoffCap     = 2 * time.Second
)

var (
	// ErrMissingBaseURL indicates the client was constructed without a remote base URL.
	ErrMissingBaseURL = errors.New("remote: base URL is required")
)

// ChangedEntity is one entry of the server's delta feed.
type ChangedEntity struct {
	ID               string          `json:"id"`
	UpdatedAtSeconds int64           `json:"updated_at_s"`
	Deleted          bool            `json:"deleted,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// ModifiedAt returns the server-side modification time of the entry.
func (e ChangedEntity) ModifiedAt() time.Time {
	return time.Unix(e.UpdatedAtSeconds, 0).UTC()
}

type pullPage struct {
	Items             []ChangedEntity `json:"items"`
	HasMore           bool            `json:"has_more"`
	ContinuationToken string          `json:"continuation_token,omitempty"`
}

type createResponse struct {
	ID string `json:"id"`
}

// Config carries client construction dependencies.
type Config struct {
	BaseURL        string
	TokenSource    TokenSource
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	// PageSize caps items per delta-feed page. Zero leaves the server default.
	PageSize int
	Logger   *zap.Logger
}

// Client calls the remote entity API.
type Client struct {
	baseURL        string
	tokens         TokenSource
	httpClient     *http.Client
	requestTimeout time.Duration
	pageSize       int
	logger         *zap.Logger
}

// NewClient constructs a remote API client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, ErrMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := cfg.PageSize
	if pageSize < 0 {
		pageSize = 0
	}
	return &Client{
		baseURL:        base,
		tokens:         cfg.TokenSource,
		httpClient:     httpClient,
		requestTimeout: timeout,
		pageSize:       pageSize,
		logger:         logger,
	}, nil
}

// Pull fetches every entity of the type changed since the given time,
// following continuation tokens until the feed reports no more pages. A nil
// since requests a full resync.
func (c *Client) Pull(ctx context.Context, entityType string, since *time.Time) ([]ChangedEntity, error) {
	var (
		entities []ChangedEntity
		token    string
	)
	for {
		page, err := c.pullPage(ctx, entityType, since, token)
		if err != nil {
			return nil, err
		}
		entities = append(entities, page.Items...)
		if !page.HasMore || page.ContinuationToken == "" {
			return entities, nil
		}
		token = page.ContinuationToken
	}
}

func (c *Client) pullPage(ctx context.Context, entityType string, since *time.Time, continuation string) (pullPage, error) {
	query := url.Values{}
	if since != nil && !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339))
	}
	if continuation != "" {
		query.Set("continuationToken", continuation)
	}
	if c.pageSize > 0 {
		query.Set("pageSize", strconv.Itoa(c.pageSize))
	}
	endpoint := fmt.Sprintf("%s/api/%s", c.baseURL, url.PathEscape(entityType))
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	var page pullPage
	operation := "pull " + entityType
	err := c.doWithRetry(ctx, operation, func(ctx context.Context) error {
		body, _, err := c.send(ctx, http.MethodGet, endpoint, nil, operation)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return &CallError{Kind: KindSystem, Operation: operation, Err: fmt.Errorf("decode page: %w", err)}
		}
		return nil
	})
	if err != nil {
		return pullPage{}, err
	}
	return page, nil
}

// Create sends a queued create and returns the server-assigned id. When the
// response carries no id the local id embedded in the payload stands.
func (c *Client) Create(ctx context.Context, entityType, payloadJSON string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/%s", c.baseURL, url.PathEscape(entityType))
	operation := "create " + entityType

	var assigned string
	err := c.doWithRetry(ctx, operation, func(ctx context.Context) error {
		body, _, err := c.send(ctx, http.MethodPost, endpoint, []byte(payloadJSON), operation)
		if err != nil {
			return err
		}
		var response createResponse
		if len(body) > 0 {
			if err := json.Unmarshal(body, &response); err != nil {
				return &CallError{Kind: KindSystem, Operation: operation, Err: fmt.Errorf("decode response: %w", err)}
			}
		}
		assigned = response.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return assigned, nil
}

// Update sends a queued update for an existing entity.
func (c *Client) Update(ctx context.Context, entityType, entityID, payloadJSON string) error {
	endpoint := fmt.Sprintf("%s/api/%s/%s", c.baseURL, url.PathEscape(entityType), url.PathEscape(entityID))
	operation := "update " + entityType
	return c.doWithRetry(ctx, operation, func(ctx context.Context) error {
		_, _, err := c.send(ctx, http.MethodPut, endpoint, []byte(payloadJSON), operation)
		return err
	})
}

// Delete sends a queued deletion. A 404 counts as success; the entity is
// already gone on the server.
func (c *Client) Delete(ctx context.Context, entityType, entityID string) error {
	endpoint := fmt.Sprintf("%s/api/%s/%s", c.baseURL, url.PathEscape(entityType), url.PathEscape(entityID))
	operation := "delete " + entityType
	return c.doWithRetry(ctx, operation, func(ctx context.Context) error {
		_, status, err := c.send(ctx, http.MethodDelete, endpoint, nil, operation)
		if err != nil && status == http.StatusNotFound {
			return nil
		}
		return err
	})
}

// doWithRetry retries transient transport failures of a single logical call
// with capped exponential backoff. This is in-call smoothing only; the action
// queue owns the cross-run retry budget.
func (c *Client) doWithRetry(ctx context.Context, operation string, call func(context.Context) error) error {
	backoff := retry.WithCappedDuration(transientBackoffCap, retry.NewExponential(transientBackoffBase))
	backoff = retry.WithMaxRetries(defaultTransientRetries, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := call(ctx)
		if err == nil {
			return nil
		}
		if IsRetryable(err) {
			c.logger.Debug("transient remote failure, retrying",
				zap.String("operation", operation), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	return err
}

func (c *Client) send(ctx context.Context, method, endpoint string, body []byte, operation string) ([]byte, int, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(callCtx, method, endpoint, reader)
	if err != nil {
		return nil, 0, &CallError{Kind: KindSystem, Operation: operation, Err: err}
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil && !errors.Is(err, ErrNoToken) {
			return nil, 0, &CallError{Kind: KindSystem, Operation: operation, Err: err}
		}
		if token != "" {
			request.Header.Set("Authorization", "Bearer "+token)
		}
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, 0, &CallError{Kind: transportKind(err), Operation: operation, Err: err}
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, response.StatusCode, &CallError{Kind: KindNetwork, StatusCode: response.StatusCode, Operation: operation, Err: err}
	}

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		return payload, response.StatusCode, nil
	case response.StatusCode == http.StatusConflict:
		return nil, response.StatusCode, &CallError{Kind: KindConflict, StatusCode: response.StatusCode, Operation: operation, Err: statusError(response.StatusCode, payload)}
	case response.StatusCode == http.StatusRequestTimeout || response.StatusCode == http.StatusTooManyRequests:
		return nil, response.StatusCode, &CallError{Kind: KindNetwork, StatusCode: response.StatusCode, Operation: operation, Err: statusError(response.StatusCode, payload)}
	case response.StatusCode >= 400 && response.StatusCode < 500:
		return nil, response.StatusCode, &CallError{Kind: KindValidation, StatusCode: response.StatusCode, Operation: operation, Err: statusError(response.StatusCode, payload)}
	default:
		return nil, response.StatusCode, &CallError{Kind: KindNetwork, StatusCode: response.StatusCode, Operation: operation, Err: statusError(response.StatusCode, payload)}
	}
}

func transportKind(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

func statusError(status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	if len(message) > 200 {
		message = message[:200]
	}
	if message == "" {
		return fmt.Errorf("unexpected status %d", status)
	}
	return fmt.Errorf("unexpected status %d: %s", status, message)
}
