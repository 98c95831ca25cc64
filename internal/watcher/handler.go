package watcher

import (
	"context"

	"github.com/conneroisu/eltag/internal/errors"
	"github.com/conneroisu/eltag/internal/logging"
	"github.com/conneroisu/eltag/internal/mapping"
	"github.com/conneroisu/eltag/internal/pipeline"
)

// Processor is the part of the pipeline the watcher drives.
type Processor interface {
	ProcessFile(ctx context.Context, path string, mode pipeline.Mode) (*pipeline.FileResult, error)
	RemoveFile(ctx context.Context, path string) (mapping.SaveResult, error)
}

// PipelineHandler re-tags changed files and drops the mappings of deleted
// ones. A failing file is logged and the batch continues; the collected
// errors are returned so the watcher logs them too.
func PipelineHandler(p Processor, logger logging.Logger) ChangeHandler {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.WithComponent("watch")

	return func(ctx context.Context, events []ChangeEvent) error {
		collector := errors.NewCollector()
		for _, ev := range events {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ev.Gone() {
				res, err := p.RemoveFile(ctx, ev.Path)
				if err != nil {
					collector.Add(err)
					continue
				}
				logger.Info(ctx, "Removed mappings", "file", ev.Path, "removed", res.Removed)
				continue
			}

			res, err := p.ProcessFile(ctx, ev.Path, pipeline.ModeTag)
			if err != nil {
				collector.Add(err)
				continue
			}
			if res.Modified {
				added, updated, _ := res.Counts()
				logger.Info(ctx, "Tagged file", "file", ev.Path, "event", ev.Type.String(),
					"added", added, "updated", updated, "duration", res.Duration)
			} else {
				logger.Debug(ctx, "File unchanged", "file", ev.Path)
			}
		}
		return collector.Err()
	}
}
