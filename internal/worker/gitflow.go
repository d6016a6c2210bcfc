package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alephworks/alephauto/internal/domain"
)

// PRRequest describes the pull request opened for a change set.
type PRRequest struct {
	Title  string
	Body   string
	Labels []string
}

// GitClient abstracts the VCS operations the workflow hook needs. The
// gitexec adapter implements it over the git and gh CLIs.
type GitClient interface {
	CurrentBranch(ctx context.Context, dir string) (string, error)
	CreateBranch(ctx context.Context, dir, name string) error
	Checkout(ctx context.Context, dir, name string) error
	HasChanges(ctx context.Context, dir string) (bool, error)
	ChangedFiles(ctx context.Context, dir string) ([]string, error)
	CommitAll(ctx context.Context, dir, message string) (string, error)
	Push(ctx context.Context, dir, branch string) error
	OpenPR(ctx context.Context, dir string, req PRRequest) (string, error)
	DeleteBranch(ctx context.Context, dir, name string) error
}

// GitFlow wraps handler invocation in branch bookkeeping: run on a fresh
// branch, commit and push only when the handler changed the working tree,
// open a PR, and restore the original branch on every exit path.
type GitFlow struct {
	Client       GitClient
	PipelineID   string
	BranchPrefix string

	// Dir resolves the repository the job operates on. Defaults to the
	// job data's repository_path, falling back to the working directory.
	Dir func(job domain.Job) string
	// CommitMessage produces the commit message for a change set.
	CommitMessage func(job domain.Job) string
	// PRContext produces the pull request title, body and labels. Nil
	// skips PR creation.
	PRContext func(job domain.Job) PRRequest
}

// Run executes the handler under the workflow. The returned GitMeta is nil
// when the handler produced no changes.
func (g *GitFlow) Run(ctx context.Context, job domain.Job, handler domain.JobHandler) (any, *domain.GitMeta, error) {
	dir := g.dir(job)
	orig, err := g.Client.CurrentBranch(ctx, dir)
	if err != nil {
		return nil, nil, fmt.Errorf("op=gitflow.current_branch: %w", err)
	}
	branch := g.branchName(job)
	if err := g.Client.CreateBranch(ctx, dir, branch); err != nil {
		return nil, nil, fmt.Errorf("op=gitflow.create_branch: %w", err)
	}
	slog.Info("git workflow branch created",
		slog.String("pipeline_id", g.PipelineID),
		slog.String("job_id", job.ID),
		slog.String("branch", branch))

	result, err := handler(ctx, job)
	if err != nil {
		g.restore(ctx, dir, orig, branch)
		return nil, nil, err
	}

	changed, err := g.Client.HasChanges(ctx, dir)
	if err != nil {
		g.restore(ctx, dir, orig, branch)
		return nil, nil, fmt.Errorf("op=gitflow.detect_changes: %w", err)
	}
	if !changed {
		if err := g.Client.Checkout(ctx, dir, orig); err != nil {
			return nil, nil, fmt.Errorf("op=gitflow.restore: %w", err)
		}
		if err := g.Client.DeleteBranch(ctx, dir, branch); err != nil {
			slog.Warn("delete empty workflow branch failed",
				slog.String("branch", branch),
				slog.Any("error", err))
		}
		return result, nil, nil
	}

	files, err := g.Client.ChangedFiles(ctx, dir)
	if err != nil {
		g.restore(ctx, dir, orig, branch)
		return nil, nil, fmt.Errorf("op=gitflow.changed_files: %w", err)
	}
	sha, err := g.Client.CommitAll(ctx, dir, g.commitMessage(job))
	if err != nil {
		g.restore(ctx, dir, orig, branch)
		return nil, nil, fmt.Errorf("op=gitflow.commit: %w", err)
	}
	if err := g.Client.Push(ctx, dir, branch); err != nil {
		g.restore(ctx, dir, orig, branch)
		return nil, nil, fmt.Errorf("op=gitflow.push: %w", err)
	}
	var prURL string
	if g.PRContext != nil {
		prURL, err = g.Client.OpenPR(ctx, dir, g.PRContext(job))
		if err != nil {
			g.restore(ctx, dir, orig, branch)
			return nil, nil, fmt.Errorf("op=gitflow.open_pr: %w", err)
		}
	}
	if err := g.Client.Checkout(ctx, dir, orig); err != nil {
		slog.Warn("restore original branch failed",
			slog.String("branch", orig),
			slog.Any("error", err))
	}
	meta := &domain.GitMeta{
		Branch:         branch,
		OriginalBranch: orig,
		CommitSHA:      sha,
		PRURL:          prURL,
		ChangedFiles:   files,
	}
	slog.Info("git workflow changes shipped",
		slog.String("pipeline_id", g.PipelineID),
		slog.String("job_id", job.ID),
		slog.String("branch", branch),
		slog.String("pr_url", prURL),
		slog.Int("changed_files", len(files)))
	return result, meta, nil
}

// restore is best effort; the job error that got us here takes precedence.
func (g *GitFlow) restore(ctx context.Context, dir, orig, branch string) {
	if err := g.Client.Checkout(ctx, dir, orig); err != nil {
		slog.Error("restore original branch failed",
			slog.String("branch", orig),
			slog.Any("error", err))
		return
	}
	if err := g.Client.DeleteBranch(ctx, dir, branch); err != nil {
		slog.Warn("delete workflow branch failed",
			slog.String("branch", branch),
			slog.Any("error", err))
	}
}

func (g *GitFlow) branchName(job domain.Job) string {
	prefix := g.BranchPrefix
	if prefix == "" {
		prefix = "auto"
	}
	return fmt.Sprintf("%s/%s/%s-%d", prefix, g.PipelineID, slugify(job.ID), time.Now().Unix())
}

func (g *GitFlow) commitMessage(job domain.Job) string {
	if g.CommitMessage != nil {
		return g.CommitMessage(job)
	}
	return fmt.Sprintf("%s: automated update for job %s", g.PipelineID, job.ID)
}

func (g *GitFlow) dir(job domain.Job) string {
	if g.Dir != nil {
		return g.Dir(job)
	}
	var payload struct {
		RepositoryPath string `json:"repository_path"`
	}
	if len(job.Data) > 0 && json.Unmarshal(job.Data, &payload) == nil && payload.RepositoryPath != "" {
		return payload.RepositoryPath
	}
	return "."
}

func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
