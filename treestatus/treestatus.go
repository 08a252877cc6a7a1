// Package treestatus reports whether a branch currently accepts
// landings.
package treestatus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/relengtools/autoland/config"
	"github.com/relengtools/autoland/errs"
)

// Client queries the tree status endpoint.
type Client struct {
	config config.TreeStatusConfig
	http   *http.Client
}

// NewClient creates a tree status client.
func NewClient(cfg config.TreeStatusConfig) *Client {
	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Status returns the current tree state for a branch, e.g. "open",
// "closed" or "approval required".
func (c *Client) Status(ctx context.Context, branch string) (string, error) {
	u := fmt.Sprintf("%s%s?format=json", c.config.APIURL, branch)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errs.Transient(fmt.Errorf("tree status %s: %w", branch, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errs.Transient(fmt.Errorf("tree status %s: status %d", branch, resp.StatusCode))
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errs.Transient(fmt.Errorf("tree status %s: %w", branch, err))
	}
	return body.Status, nil
}

// IsClosed reports whether the branch refuses landings right now.
func (c *Client) IsClosed(ctx context.Context, branch string) (bool, error) {
	status, err := c.Status(ctx, branch)
	if err != nil {
		return false, err
	}
	return status == "closed", nil
}
