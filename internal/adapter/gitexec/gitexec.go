// Package gitexec implements the worker's git workflow contract over the
// git and gh command line tools.
package gitexec

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alephworks/alephauto/internal/worker"
)

const (
	defaultPushRetries   = 3
	defaultRetryInterval = 2 * time.Second
)

// Client shells out to git and gh. The zero value works against the binaries
// on PATH; DryRun turns push and PR creation into logged no-ops so the whole
// workflow can run against a local repository.
type Client struct {
	GitBin        string
	GhBin         string
	DryRun        bool
	// BaseBranch is the PR target branch. Empty lets gh pick the
	// repository default.
	BaseBranch    string
	PushRetries   uint64
	RetryInterval time.Duration
}

// New returns a Client using the git and gh binaries on PATH.
func New(dryRun bool) *Client {
	return &Client{DryRun: dryRun}
}

var _ worker.GitClient = (*Client)(nil)

func (c *Client) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return c.run(ctx, dir, c.git(), "rev-parse", "--abbrev-ref", "HEAD")
}

func (c *Client) CreateBranch(ctx context.Context, dir, name string) error {
	_, err := c.run(ctx, dir, c.git(), "checkout", "-b", name)
	return err
}

func (c *Client) Checkout(ctx context.Context, dir, name string) error {
	_, err := c.run(ctx, dir, c.git(), "checkout", name)
	return err
}

func (c *Client) HasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := c.run(ctx, dir, c.git(), "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// ChangedFiles lists modified, added, deleted and untracked paths. Renames
// report the new path.
func (c *Client) ChangedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := c.run(ctx, dir, c.git(), "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		files = append(files, path)
	}
	return files, nil
}

func (c *Client) CommitAll(ctx context.Context, dir, message string) (string, error) {
	if _, err := c.run(ctx, dir, c.git(), "add", "-A"); err != nil {
		return "", err
	}
	if _, err := c.run(ctx, dir, c.git(), "commit", "-m", message); err != nil {
		return "", err
	}
	return c.run(ctx, dir, c.git(), "rev-parse", "HEAD")
}

// Push publishes the branch, retrying transient remote failures a bounded
// number of times.
func (c *Client) Push(ctx context.Context, dir, branch string) error {
	if c.DryRun {
		slog.Info("dry run: skipping push", slog.String("branch", branch))
		return nil
	}
	op := func() error {
		_, err := c.run(ctx, dir, c.git(), "push", "-u", "origin", branch)
		return err
	}
	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		return fmt.Errorf("op=gitexec.push: branch %s: %w", branch, err)
	}
	return nil
}

// OpenPR creates a pull request with gh and returns its URL.
func (c *Client) OpenPR(ctx context.Context, dir string, req worker.PRRequest) (string, error) {
	if c.DryRun {
		slog.Info("dry run: skipping pull request", slog.String("title", req.Title))
		return "", nil
	}
	args := []string{"pr", "create", "--title", req.Title, "--body", req.Body}
	if c.BaseBranch != "" {
		args = append(args, "--base", c.BaseBranch)
	}
	for _, label := range req.Labels {
		args = append(args, "--label", label)
	}
	var url string
	op := func() error {
		out, err := c.run(ctx, dir, c.gh(), args...)
		if err != nil {
			return err
		}
		// gh prints the PR URL as the last line of stdout.
		lines := strings.Split(out, "\n")
		url = strings.TrimSpace(lines[len(lines)-1])
		return nil
	}
	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		return "", fmt.Errorf("op=gitexec.open_pr: %w", err)
	}
	return url, nil
}

func (c *Client) DeleteBranch(ctx context.Context, dir, name string) error {
	_, err := c.run(ctx, dir, c.git(), "branch", "-D", name)
	return err
}

func (c *Client) run(ctx context.Context, dir, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return "", fmt.Errorf("%s %s: %w: %s", bin, strings.Join(args, " "), err, detail)
		}
		return "", fmt.Errorf("%s %s: %w", bin, strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (c *Client) newBackoff(ctx context.Context) backoff.BackOff {
	interval := c.RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	retries := c.PushRetries
	if retries == 0 {
		retries = defaultPushRetries
	}
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), retries), ctx)
}

func (c *Client) git() string {
	if c.GitBin != "" {
		return c.GitBin
	}
	return "git"
}

func (c *Client) gh() string {
	if c.GhBin != "" {
		return c.GhBin
	}
	return "gh"
}
