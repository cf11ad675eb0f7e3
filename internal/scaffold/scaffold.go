// Package scaffold resolves a deployment's scaffold reference into the file
// set to upload. The generation engine itself is an external service; this
// package only fetches its output.
package scaffold

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/launchkit-dev/launchkit/internal/domain"
)

// Client fetches rendered file sets from the scaffold service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// NewClient constructs a Client pointing at the scaffold service base URL.
func NewClient(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		return nil, fmt.Errorf("scaffold service url is required")
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid scaffold service url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// GeneratedFiles renders the scaffold referenced by the config.
func (c *Client) GeneratedFiles(ctx context.Context, cfg domain.DeploymentConfig) ([]domain.GeneratedFile, error) {
	payload, err := json.Marshal(map[string]any{
		"scaffold_ref": cfg.ScaffoldRef,
		"project_name": cfg.ProjectName,
		"services":     cfg.Services,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/scaffolds/render", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scaffold service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("scaffold service: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		Files []domain.GeneratedFile `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("scaffold service: decode response: %w", err)
	}
	if len(out.Files) == 0 {
		return nil, fmt.Errorf("scaffold service: rendered no files for ref %q", cfg.ScaffoldRef)
	}
	return out.Files, nil
}

// Static renders a minimal placeholder site without an external service. It
// backs single-binary setups and tests.
type Static struct{}

// GeneratedFiles produces a one-page starter for the project.
func (Static) GeneratedFiles(_ context.Context, cfg domain.DeploymentConfig) ([]domain.GeneratedFile, error) {
	page := fmt.Sprintf("<!doctype html>\n<html>\n<head><title>%s</title></head>\n<body><h1>%s</h1><p>Deployed with launchkit.</p></body>\n</html>\n",
		cfg.ProjectName, cfg.ProjectName)
	return []domain.GeneratedFile{
		{Path: "index.html", Content: page},
		{Path: "README.md", Content: "# " + cfg.ProjectName + "\n"},
	}, nil
}
