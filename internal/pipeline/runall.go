package pipeline

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/phased/internal/artifact"
)

// saveManifest snapshots the run state into the namespace manifest. A save
// failure is logged but never interrupts the run; the next transition
// rewrites the whole manifest anyway.
func (c *Controller) saveManifest(rs *artifact.RunStore, run *Run) {
	m := &artifact.Manifest{
		RunID:    run.ID,
		Feature:  run.Feature,
		Pipeline: run.Pipeline,
		Status:   string(run.Status),
	}
	for _, p := range run.Phases {
		m.Phases = append(m.Phases, artifact.PhaseRecord{
			Name:      p.Name,
			Status:    string(p.Status),
			Retries:   p.Retries,
			StartedAt: p.StartedAt,
			EndedAt:   p.EndedAt,
			Reason:    p.Reason,
		})
	}
	if err := rs.SaveManifest(m); err != nil {
		c.logger.Error("failed to save run manifest",
			zap.String("run_id", run.ID),
			zap.Error(err),
		)
	}
}

// Job pairs a feature with the controller bound to its worktree.
type Job struct {
	Feature    string
	Definition Definition
	Controller *Controller
}

// RunAll drives several runs in parallel, one per worktree, sharing whatever
// coordination board the controllers were built with. A blocked or failed
// run does not cancel its siblings; only an infrastructure error does.
func RunAll(ctx context.Context, jobs []Job) (map[string]*RunResult, error) {
	g, ctx := errgroup.WithContext(ctx)
	results := make([]*RunResult, len(jobs))

	for i, job := range jobs {
		g.Go(func() error {
			res, err := job.Controller.RunPipeline(ctx, job.Feature, job.Definition)
			results[i] = res
			return err
		})
	}
	err := g.Wait()

	out := make(map[string]*RunResult, len(jobs))
	for i, job := range jobs {
		if results[i] != nil {
			out[job.Feature] = results[i]
		}
	}
	return out, err
}
