package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/quantfork/tradelink/internal/event"
)

// Client queries a snapshot server. It satisfies
// recovery.SnapshotClient.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a snapshot client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Positions fetches the gateway's position baseline.
func (c *Client) Positions(ctx context.Context) ([]event.PositionEntry, error) {
	var body struct {
		Positions []event.PositionEntry `json:"positions"`
	}
	if err := c.get(ctx, "/positions", &body); err != nil {
		return nil, err
	}
	return body.Positions, nil
}

// OpenOrders fetches the gateway's open orders.
func (c *Client) OpenOrders(ctx context.Context) ([]event.OrderData, error) {
	var body struct {
		OpenOrders []event.OrderData `json:"open_orders"`
	}
	if err := c.get(ctx, "/open_orders", &body); err != nil {
		return nil, err
	}
	return body.OpenOrders, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("snapshot request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("snapshot request %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
