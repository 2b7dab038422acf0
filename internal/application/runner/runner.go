// Package runner executes a single job instance: it provisions an
// environment, consults the provisioning cache, and walks the instance's
// steps strictly in order, halting at the first step that does not
// succeed.
package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/checkrun-ci/checkrun/pkg/domain"
	"github.com/checkrun-ci/checkrun/pkg/ports"
)

// Runner drives job instances to a terminal state. It is stateless across
// instances and safe for concurrent use by multiple workers.
type Runner struct {
	provisioner ports.Provisioner
	cache       ports.Cache
	metrics     ports.MetricsCollector
	logger      *zap.Logger
	stepTimeout time.Duration
}

func New(
	provisioner ports.Provisioner,
	cache ports.Cache,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	stepTimeout time.Duration,
) *Runner {
	return &Runner{
		provisioner: provisioner,
		cache:       cache,
		metrics:     metrics,
		logger:      logger,
		stepTimeout: stepTimeout,
	}
}

// RunInstance executes inst to completion and returns it with its result
// fields populated. Steps run strictly sequentially; the first step that
// does not succeed halts the instance and the remaining steps are recorded
// as skipped. Steps are never retried.
func (r *Runner) RunInstance(ctx context.Context, inst *domain.JobInstance) *domain.JobInstance {
	now := time.Now()
	inst.StartedAt = &now
	inst.Status = domain.InstanceStatusRunning

	if ctx.Err() != nil {
		return r.finish(inst, domain.InstanceStatusCancelled, "cancelled before execution started")
	}

	env, err := r.provisioner.Provision(ctx, inst)
	if err != nil {
		r.logger.Error("failed to provision environment",
			zap.String("instance_id", inst.ID),
			zap.String("os", inst.OS),
			zap.Error(err))
		return r.finish(inst, domain.InstanceStatusFailed, fmt.Sprintf("provisioning failed: %v", err))
	}
	defer func() {
		if cerr := env.Close(); cerr != nil {
			r.logger.Warn("failed to close environment",
				zap.String("instance_id", inst.ID),
				zap.Error(cerr))
		}
	}()

	r.consultCache(ctx, inst, env)

	var haltStatus domain.InstanceStatus
	var haltMsg string
	for _, step := range inst.Job.Steps {
		if haltStatus != "" || ctx.Err() != nil {
			inst.Steps = append(inst.Steps, domain.StepResult{
				Name:   step.Name,
				Status: domain.StepStatusSkipped,
			})
			continue
		}

		res := r.runStep(ctx, step, env)
		inst.Steps = append(inst.Steps, res)

		switch res.Status {
		case domain.StepStatusFailed:
			inst.FailedStep = step.Name
			haltStatus = domain.InstanceStatusFailed
			haltMsg = fmt.Sprintf("step %q failed", step.Name)
		case domain.StepStatusCancelled:
			haltStatus = domain.InstanceStatusCancelled
			haltMsg = fmt.Sprintf("cancelled at step %q", step.Name)
		}
	}

	if haltStatus != "" {
		return r.finishSteps(inst, haltStatus, haltMsg)
	}
	if ctx.Err() != nil {
		return r.finishSteps(inst, domain.InstanceStatusCancelled, "cancelled during execution")
	}

	r.saveCache(inst)
	return r.finishSteps(inst, domain.InstanceStatusSucceeded, "")
}

// runStep executes one step against env and stamps timing onto the result.
func (r *Runner) runStep(ctx context.Context, step domain.Step, env domain.Environment) domain.StepResult {
	started := time.Now()

	inv, err := step.Invocation()
	if err != nil {
		res := domain.StepResult{
			Name:      step.Name,
			Status:    domain.StepStatusFailed,
			ExitCode:  -1,
			Error:     err.Error(),
			StartedAt: started,
		}
		r.metrics.RecordStepExecuted(string(res.Status), 0)
		return res
	}

	stepCtx := ctx
	if r.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, r.stepTimeout)
		defer cancel()
	}

	res := inv.Execute(stepCtx, env)
	res.Name = step.Name
	res.StartedAt = started
	res.Duration = time.Since(started)

	r.logger.Debug("step executed",
		zap.String("step", step.Name),
		zap.String("status", string(res.Status)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration))
	r.metrics.RecordStepExecuted(string(res.Status), res.Duration)
	return res
}

// consultCache probes the provisioning cache for the instance's key and
// records the result. Only jobs that declare a toolchain consult the
// cache. Cache errors degrade to a miss: the instance still runs, the
// probe failure is only logged.
func (r *Runner) consultCache(ctx context.Context, inst *domain.JobInstance, env domain.Environment) {
	if inst.Job.Toolchain == nil {
		return
	}

	_, hit, err := r.cache.Probe(ctx, inst.CacheKey)
	switch {
	case err != nil:
		inst.CacheResult = domain.CacheError
		r.logger.Warn("cache probe failed, treating as miss",
			zap.String("instance_id", inst.ID),
			zap.String("cache_key", inst.CacheKey),
			zap.Error(err))
	case hit:
		inst.CacheResult = domain.CacheHit
		env.Setenv(domain.EnvCacheHit, "1")
	default:
		inst.CacheResult = domain.CacheMiss
	}
	r.metrics.RecordCacheLookup(inst.CacheResult)
}

// saveCache records a cache entry after a fully successful instance, so
// the next run of the same key can skip provisioning work. Failures are
// logged and ignored.
func (r *Runner) saveCache(inst *domain.JobInstance) {
	if inst.Job.Toolchain == nil || inst.CacheResult == domain.CacheHit {
		return
	}

	entry := &domain.CacheEntry{
		Key:       inst.CacheKey,
		OS:        inst.OS,
		Toolchain: inst.Job.Toolchain.Channel,
		CreatedAt: time.Now(),
	}
	if err := r.cache.Save(context.Background(), entry); err != nil {
		r.logger.Warn("failed to save cache entry",
			zap.String("cache_key", inst.CacheKey),
			zap.Error(err))
	}
}

func (r *Runner) finish(inst *domain.JobInstance, status domain.InstanceStatus, errMsg string) *domain.JobInstance {
	now := time.Now()
	inst.Status = status
	inst.Error = errMsg
	inst.CompletedAt = &now
	return inst
}

// finishSteps finalizes an instance that got as far as running steps,
// logging the outcome at a level matching the status.
func (r *Runner) finishSteps(inst *domain.JobInstance, status domain.InstanceStatus, errMsg string) *domain.JobInstance {
	r.finish(inst, status, errMsg)

	fields := []zap.Field{
		zap.String("instance_id", inst.ID),
		zap.String("os", inst.OS),
		zap.String("status", string(status)),
		zap.Int("steps", len(inst.Steps)),
	}
	if inst.FailedStep != "" {
		fields = append(fields, zap.String("failed_step", inst.FailedStep))
	}
	if status == domain.InstanceStatusSucceeded {
		r.logger.Info("instance completed", fields...)
	} else {
		r.logger.Warn("instance did not succeed", fields...)
	}
	return inst
}
