package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adzialocha/meshpit/crypto"
)

// Client queries the status API of a running node.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Status fetches the node status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var status Status
	if err := c.get(ctx, "/api/v1/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Authors fetches the authors known for the node's topic.
func (c *Client) Authors(ctx context.Context) ([]Author, error) {
	var resp struct {
		Authors []Author `json:"authors"`
	}
	if err := c.get(ctx, "/api/v1/authors", &resp); err != nil {
		return nil, err
	}
	return resp.Authors, nil
}

// AuthorLog fetches the log of an author starting at fromSeq.
func (c *Client) AuthorLog(ctx context.Context, publicKey crypto.PublicKey, fromSeq uint64) ([]Entry, error) {
	var resp struct {
		Entries []Entry `json:"entries"`
	}
	path := fmt.Sprintf("/api/v1/authors/%s/log?from=%d", publicKey, fromSeq)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API returned status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
