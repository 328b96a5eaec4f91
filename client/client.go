// Package client talks to a remote payflow server over its REST API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"payflow/payment"
	"payflow/poller"
)

const (
	defaultTimeout  = 10 * time.Second
	maxErrorBodyLen = 4 << 10
)

var (
	// ErrNotFound is returned when the server has no such payment.
	ErrNotFound = errors.New("client: payment not found")
	// ErrInvalidBaseURL is returned by New for unusable base URLs.
	ErrInvalidBaseURL = errors.New("client: invalid base url")
)

// HTTPClient abstracts the Do method of http.Client.
type HTTPClient interface {
	Do(request *http.Request) (*http.Response, error)
}

type Option func(*Client)

func WithHTTPClient(httpClient HTTPClient) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout bounds each request. Zero keeps the default.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

type Client struct {
	baseURL    *url.URL
	httpClient HTTPClient
	logger     *zap.Logger
	timeout    time.Duration
}

// Payment is the server's JSON representation of a payment.
type Payment struct {
	ID          string         `json:"id"`
	Reference   string         `json:"reference"`
	AmountMinor int64          `json:"amount_minor"`
	Currency    string         `json:"currency"`
	Status      payment.Status `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}

func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}

	c := &Client{
		baseURL:    parsed,
		httpClient: http.DefaultClient,
		logger:     zap.NewNop(),
		timeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetPayment fetches GET {base}/v1/payments/{id}.
func (c *Client) GetPayment(ctx context.Context, id string) (Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL.JoinPath("v1", "payments", id)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return Payment{}, fmt.Errorf("client: create request for %s: %w", endpoint, err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return Payment{}, fmt.Errorf("client: request execution failed: %w", err)
	}
	defer response.Body.Close()

	c.logger.Debug("payment fetched",
		zap.String("payment_id", id),
		zap.Int("status_code", response.StatusCode),
	)

	switch {
	case response.StatusCode == http.StatusNotFound:
		return Payment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	case response.StatusCode < 200 || response.StatusCode > 299:
		return Payment{}, fmt.Errorf("client: unexpected status code %d for GET %s: %s",
			response.StatusCode, endpoint, errorMessage(response.Body))
	}

	var p Payment
	if err := json.NewDecoder(response.Body).Decode(&p); err != nil {
		return Payment{}, fmt.Errorf("client: decode payment: %w", err)
	}
	return p, nil
}

// Status implements payment.StatusReader.
func (c *Client) Status(ctx context.Context, id string) (payment.Status, error) {
	p, err := c.GetPayment(ctx, id)
	if err != nil {
		return "", err
	}
	return p.Status, nil
}

// Checker polls the remote payment status.
func (c *Client) Checker() poller.CheckFunc {
	return payment.Checker(c)
}

func errorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, maxErrorBodyLen))
	if err != nil {
		return err.Error()
	}
	var envelope struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error != "" {
		return envelope.Error
	}
	return strings.TrimSpace(string(raw))
}
