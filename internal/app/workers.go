package app

import (
	"fmt"

	"github.com/alephworks/alephauto/internal/adapter/gitexec"
	"github.com/alephworks/alephauto/internal/config"
	"github.com/alephworks/alephauto/internal/domain"
	"github.com/alephworks/alephauto/internal/pipelines"
	"github.com/alephworks/alephauto/internal/scheduler"
	"github.com/alephworks/alephauto/internal/worker"
)

// BuildWorkers constructs one worker per declared pipeline, folding the
// global defaults with per-pipeline overrides, and registers them all on a
// fresh manager.
func BuildWorkers(cfg config.Config, specs []config.PipelineSpec, repo domain.JobRepository, bus domain.Publisher, retries *worker.Controller) *worker.Manager {
	manager := worker.NewManager()
	for _, spec := range specs {
		w := worker.NewWorker(workerOptions(cfg, specs, spec), repo, bus, retries)
		manager.Register(w)
	}
	return manager
}

// RegisterSchedules wires each pipeline's cron expression and optional
// startup fire into the scheduler.
func RegisterSchedules(sched *scheduler.Scheduler, cfg config.Config, specs []config.PipelineSpec, manager *worker.Manager) error {
	for _, spec := range specs {
		w, ok := manager.Get(spec.ID)
		if !ok {
			continue
		}
		if spec.Cron != "" {
			if err := sched.Schedule(spec.ID, spec.Cron, w, nil); err != nil {
				return err
			}
		}
		runOnStartup := cfg.RunOnStartup
		if spec.RunOnStartup != nil {
			runOnStartup = *spec.RunOnStartup
		}
		if runOnStartup {
			sched.RunOnStartup(spec.ID, w, nil)
		}
	}
	return nil
}

func workerOptions(cfg config.Config, specs []config.PipelineSpec, spec config.PipelineSpec) worker.Options {
	maxConcurrent := cfg.MaxConcurrent
	if spec.MaxConcurrent != nil {
		maxConcurrent = *spec.MaxConcurrent
	}
	queueCapacity := cfg.QueueCapacity
	if spec.QueueCapacity != nil {
		queueCapacity = *spec.QueueCapacity
	}
	return worker.Options{
		PipelineID:    spec.ID,
		Handler:       pipelines.HandlerFor(spec, pipelines.Options{}),
		MaxConcurrent: maxConcurrent,
		QueueCapacity: queueCapacity,
		Git:           gitFlowFor(cfg, specs, spec),
	}
}

// gitFlowFor builds the git workflow hook for one pipeline, or nil when the
// workflow is disabled globally and not enabled per pipeline.
func gitFlowFor(cfg config.Config, specs []config.PipelineSpec, spec config.PipelineSpec) *worker.GitFlow {
	enabled := cfg.EnableGitWorkflow
	dryRun := cfg.GitDryRun
	prefix := cfg.GitBranchPrefix
	base := cfg.GitBaseBranch
	if spec.Git != nil {
		enabled = spec.Git.Enabled
		dryRun = dryRun || spec.Git.DryRun
		if spec.Git.BranchPrefix != "" {
			prefix = spec.Git.BranchPrefix
		}
		if spec.Git.BaseBranch != "" {
			base = spec.Git.BaseBranch
		}
	}
	if !enabled {
		return nil
	}
	name := config.DisplayName(specs, spec.ID)
	return &worker.GitFlow{
		Client:       &gitexec.Client{DryRun: dryRun, BaseBranch: base},
		PipelineID:   spec.ID,
		BranchPrefix: prefix,
		PRContext: func(job domain.Job) worker.PRRequest {
			return worker.PRRequest{
				Title:  fmt.Sprintf("%s: automated update (%s)", name, job.ID),
				Body:   fmt.Sprintf("Automated change set produced by the %s pipeline for job %s.", name, job.ID),
				Labels: []string{"automation", spec.ID},
			}
		},
	}
}
