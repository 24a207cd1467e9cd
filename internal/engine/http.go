package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/entitygraph/datamart/internal/types"
)

// HTTPClient talks to an ER engine exposed over HTTP. The endpoint
// contract is GET {base}/entities/{id} returning the engine's entity
// document, 404 when the entity does not exist.
type HTTPClient struct {
	base   string
	client *http.Client
}

// NewHTTPClient builds a client for the given base URL. A nil
// httpClient falls back to a client with a 30s timeout.
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return &HTTPClient{base: baseURL, client: httpClient}
}

func newEngineBackoff(ctx context.Context) backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh one.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(bo, ctx)
}

// GetEntity implements Client. Transient transport failures and 5xx
// responses are retried with exponential backoff; 404 maps to
// ErrEntityNotFound without retry.
func (c *HTTPClient) GetEntity(ctx context.Context, entityID int64) (*types.ResolvedEntity, error) {
	url := c.base + "/entities/" + strconv.FormatInt(entityID, 10)

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrEntityNotFound)
		case resp.StatusCode >= 500:
			return fmt.Errorf("engine returned %s", resp.Status)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("engine returned %s", resp.Status))
		}

		body, err = io.ReadAll(resp.Body)
		return err
	}
	if err := backoff.Retry(op, newEngineBackoff(ctx)); err != nil {
		if err == ErrEntityNotFound {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("get entity %d: %w", entityID, err)
	}

	return DecodeEntity(body)
}

// Ping implements Client.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/heartbeat", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("engine unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("engine heartbeat returned %s", resp.Status)
	}
	return nil
}
