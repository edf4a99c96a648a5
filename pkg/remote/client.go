package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/psantana5/cradle/pkg/models"
)

// Client posts signed liveness signals to a single peer daemon
type Client struct {
	baseURL    string
	httpClient *http.Client
	key        []byte
	origin     string
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithTLSConfig sets the TLS config used when dialing the peer
func WithTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		c.httpClient.Transport = &http.Transport{TLSClientConfig: cfg}
	}
}

// WithTimeout overrides the default request timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// NewClient creates a peer client. origin names this daemon in outgoing
// envelopes; key is the shared cluster key.
func NewClient(baseURL, origin string, key []byte, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		key:    key,
		origin: origin,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendSignal signs and posts a signal for sourceID to the peer
func (c *Client) SendSignal(ctx context.Context, sourceID string, nonce uint64) error {
	env := &Envelope{
		SourceID:  sourceID,
		Origin:    c.origin,
		Timestamp: time.Now().UnixNano(),
		Nonce:     nonce,
	}
	env.Sign(c.key)

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/peer/signal", bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send signal: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("signal rejected with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// Register registers a source on the peer and returns its view of it
func (c *Client) Register(ctx context.Context, reg *models.SourceRegistration) (*models.Source, error) {
	data, err := json.Marshal(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/sources/register", bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send registration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("registration failed with status %d: %s", resp.StatusCode, string(body))
	}

	var src models.Source
	if err := json.NewDecoder(resp.Body).Decode(&src); err != nil {
		return nil, fmt.Errorf("failed to decode source: %w", err)
	}
	return &src, nil
}

// Status fetches the peer's cradle status
func (c *Client) Status(ctx context.Context) (*models.CradleStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status failed with status %d: %s", resp.StatusCode, string(body))
	}

	var status models.CradleStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &status, nil
}
