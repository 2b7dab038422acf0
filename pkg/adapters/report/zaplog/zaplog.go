package zaplog

import (
	"context"

	"go.uber.org/zap"

	"github.com/checkrun-ci/checkrun/pkg/domain"
)

// Reporter writes run outcomes to the structured log. It is the default
// sink when no webhook is configured.
type Reporter struct {
	logger *zap.Logger
}

func NewReporter(logger *zap.Logger) *Reporter {
	return &Reporter{logger: logger}
}

// Report logs the aggregate outcome with one field set per job.
func (r *Reporter) Report(ctx context.Context, outcome *domain.RunOutcome) error {
	fields := []zap.Field{
		zap.String("run_id", outcome.RunID),
		zap.String("workflow", outcome.Workflow),
		zap.String("status", string(outcome.Status)),
		zap.String("kind", string(outcome.Event.Kind)),
		zap.String("branch", outcome.Event.Branch),
		zap.Int("jobs", len(outcome.Jobs)),
		zap.Duration("duration", outcome.CompletedAt.Sub(outcome.SubmittedAt)),
	}
	if outcome.Error != "" {
		fields = append(fields, zap.String("error", outcome.Error))
	}
	for _, job := range outcome.Jobs {
		if job.Status != domain.InstanceStatusSucceeded {
			field := zap.String("job_"+job.ID, string(job.Status))
			if job.FailedStep != "" {
				field = zap.String("job_"+job.ID, string(job.Status)+" at "+job.FailedStep)
			}
			fields = append(fields, field)
		}
	}

	if outcome.Status == domain.RunStatusSucceeded {
		r.logger.Info("run outcome", fields...)
	} else {
		r.logger.Warn("run outcome", fields...)
	}
	return nil
}
