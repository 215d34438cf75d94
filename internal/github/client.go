// Package github reaches the code host through the gh CLI. The rest of the
// daemon only sees the Client interface, so tests and alternative hosts swap
// in their own implementation.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// Issue is one open issue on the upstream repository.
type Issue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	URL    string `json:"url"`
}

// Client is the code-host surface the orchestrator depends on.
type Client interface {
	ListOpenIssues(ctx context.Context) ([]Issue, error)
	CloseIssue(ctx context.Context, number int) error
}

// CLIClient implements Client by shelling out to gh. Credentials are assumed
// to be already resolved in the environment.
type CLIClient struct {
	repo   string // owner/name
	logger *slog.Logger
}

// NewCLIClient creates a gh-backed client for one repository.
func NewCLIClient(owner, name string, logger *slog.Logger) *CLIClient {
	return &CLIClient{
		repo:   owner + "/" + name,
		logger: logger,
	}
}

// ListOpenIssues fetches open issues with their bodies.
func (c *CLIClient) ListOpenIssues(ctx context.Context) ([]Issue, error) {
	cmd := exec.CommandContext(ctx, "gh", "issue", "list",
		"--repo", c.repo,
		"--state", "open",
		"--json", "number,title,body,url",
		"--limit", "200",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("gh issue list: %s: %w", strings.TrimSpace(stderr.String()), err)
	}

	var issues []Issue
	if err := json.Unmarshal(stdout.Bytes(), &issues); err != nil {
		return nil, fmt.Errorf("failed to decode issue list: %w", err)
	}
	return issues, nil
}

// CloseIssue closes a remote issue.
func (c *CLIClient) CloseIssue(ctx context.Context, number int) error {
	cmd := exec.CommandContext(ctx, "gh", "issue", "close", strconv.Itoa(number), "--repo", c.repo)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("gh issue close #%d: %s: %w", number, strings.TrimSpace(stderr.String()), err)
	}
	c.logger.Info("Closed upstream issue", "issue", number)
	return nil
}
