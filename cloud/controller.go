package cloud

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AboveTargetSlack is how many points may remain above the target threshold
// for a percentile step to count as converged.
const AboveTargetSlack = 10

// PlannedStep is one entry of a run-all plan.
type PlannedStep struct {
	Criterion FilterCriterion
	Config    StepConfiguration
	Enabled   bool
}

// Controller drives the clean, optimize and measure loop against a single
// reconstruction. It is the only writer of the reconstruction while a run
// is active.
type Controller struct {
	mu        sync.Mutex
	recon     Reconstruction
	sampler   *Sampler
	optimizer *Optimizer

	// Observer, when set, receives every iteration snapshot as it is
	// recorded.
	Observer func(c FilterCriterion, snap IterationSnapshot)
	// AfterStep, when set, is called with each finished result of RunAll.
	// An error aborts the remaining steps.
	AfterStep func(r *RunResult) error

	now func() time.Time
}

// NewController creates a controller for a reconstruction.
func NewController(r Reconstruction) *Controller {
	return &Controller{
		recon:     r,
		sampler:   NewSampler(r),
		optimizer: NewOptimizer(r),
		now:       time.Now,
	}
}

// prepare validates a configuration against the criterion it is run for.
// The threshold is used exactly as given.
func prepare(criterion FilterCriterion, cfg StepConfiguration) (StepConfiguration, error) {
	if cfg.Criterion == CriterionUnknown {
		cfg.Criterion = criterion
	}
	if cfg.Criterion != criterion {
		return cfg, &ConfigError{
			Criterion: criterion,
			Field:     "criterion",
			Reason:    fmt.Sprintf("does not match step (%s)", cfg.Criterion),
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// RunStep runs one cleaning step to convergence or until its iteration
// budget is spent. The configuration is validated before the reconstruction
// is touched.
func (c *Controller) RunStep(criterion FilterCriterion, cfg StepConfiguration) (*RunResult, error) {
	cfg, err := prepare(criterion, cfg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run(cfg)
}

// RunAll runs the enabled steps in order. Every enabled configuration is
// validated before the first step starts.
func (c *Controller) RunAll(plan []PlannedStep) ([]*RunResult, error) {
	configs := make([]StepConfiguration, 0, len(plan))
	for _, step := range plan {
		if !step.Enabled {
			continue
		}
		cfg, err := prepare(step.Criterion, step.Config)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	results := make([]*RunResult, 0, len(configs))
	for _, cfg := range configs {
		res, err := c.run(cfg)
		if err != nil {
			return results, fmt.Errorf("step %d (%s): %w", cfg.Criterion.StepIndex()+1, cfg.Criterion.Label(), err)
		}
		results = append(results, res)
		if c.AfterStep != nil {
			if err := c.AfterStep(res); err != nil {
				return results, fmt.Errorf("after step %s: %w", cfg.Criterion, err)
			}
		}
	}
	return results, nil
}

// measure takes a consistent snapshot and collects statistics against it.
func (c *Controller) measure() (Statistics, error) {
	snap := TakeSnapshot(c.recon)
	return CollectStatistics(snap, NewPointIndex(snap.Points, snap.TrackCount))
}

func (c *Controller) currentRMS() (float64, error) {
	snap := TakeSnapshot(c.recon)
	return RMS(snap, NewPointIndex(snap.Points, snap.TrackCount))
}

func (c *Controller) run(cfg StepConfiguration) (*RunResult, error) {
	criterion := cfg.Criterion
	Logf("[SCC] Step %d: %s (target %g%%, threshold %g, %d iterations, tie point accuracy %g px)",
		criterion.StepIndex()+1, criterion.Label(), cfg.TargetPercent, cfg.TargetThreshold, cfg.MaxIterations, cfg.TiePointAccuracy)

	c.recon.SetTiePointAccuracy(cfg.TiePointAccuracy)
	c.sampler.Invalidate()

	before, err := c.measure()
	if err != nil {
		return nil, fmt.Errorf("baseline statistics: %w", err)
	}

	result := &RunResult{
		ID:        uuid.New().String(),
		Criterion: criterion,
		Status:    StatusRunning,
		StartedAt: c.now(),
	}

	var last Distribution
	if criterion.UsesRMSETarget() {
		err = c.runRMSE(cfg, before, result)
	} else {
		last, err = c.runPercentile(cfg, result)
	}
	if err != nil {
		return nil, err
	}

	if result.Status != StatusConverged {
		result.Status = StatusExhaustedIterations
		Logf("[SCC] WARNING: %s target %g not reached after %d iterations",
			criterion.Label(), cfg.TargetThreshold, result.Iterations)
	}
	result.Converged = result.Status == StatusConverged

	after, err := c.measure()
	if err != nil {
		return nil, fmt.Errorf("final statistics: %w", err)
	}
	result.apply(before, after)
	if !criterion.UsesRMSETarget() {
		result.Threshold.After = last.Max()
	}

	above := make([]int, 0, len(result.History))
	for _, snap := range result.History {
		above = append(above, snap.AboveTarget)
	}
	if !criterion.UsesRMSETarget() {
		result.Differences, result.ReversalCount, result.ReversalPoints = Reversals(above)
	}
	result.CompletedAt = c.now()

	Logf("[SCC] Step %d finished: %s after %d iterations, %d -> %d points, RMS %s",
		criterion.StepIndex()+1, result.Status, result.Iterations,
		result.Points.Before, result.Points.After, formatChange(result.RMS, "%.4f"))
	return result, nil
}

// apply copies the before and after statistics into the result.
func (r *RunResult) apply(before, after Statistics) {
	r.Points = CountChange{Before: before.Points, After: after.Points}
	r.RMS = Change{Before: before.RMS, After: after.RMS}
	r.SEUW = Change{Before: before.SEUW, After: after.SEUW}
	r.CameraError = Change{Before: before.CameraError, After: after.CameraError}
	r.ControlPointError = Change{Before: before.ControlPointError, After: after.ControlPointError}
	r.CheckPointError = Change{Before: before.CheckPointError, After: after.CheckPointError}
	r.ControlScaleError = Change{Before: before.ControlScaleError, After: after.ControlScaleError}
	r.CheckScaleError = Change{Before: before.CheckScaleError, After: after.CheckScaleError}
	r.LowProjection = CountChange{Before: before.LowProjection, After: after.LowProjection}
}

// removeAndOptimize applies a cut and re-solves the cameras.
func (c *Controller) removeAndOptimize(cfg StepConfiguration, threshold float64) (int, error) {
	removed, err := c.recon.RemovePoints(cfg.Criterion.Metric(), threshold)
	if err != nil {
		return 0, fmt.Errorf("removing points >= %g: %w", threshold, err)
	}
	c.sampler.Invalidate()
	if err := c.optimizer.Optimize(cfg.Fit); err != nil {
		return removed, err
	}
	return removed, nil
}

func (c *Controller) record(result *RunResult, snap IterationSnapshot) {
	result.History = append(result.History, snap)
	result.Iterations = snap.Iteration
	if c.Observer != nil {
		c.Observer(result.Criterion, snap)
	}
}

// runPercentile is the loop for the three percentile-descent criteria. It
// returns the last distribution sampled.
func (c *Controller) runPercentile(cfg StepConfiguration, result *RunResult) (Distribution, error) {
	criterion := cfg.Criterion
	var d Distribution
	for i := 1; i <= cfg.MaxIterations; i++ {
		var err error
		d, err = c.sampler.Sample(criterion)
		if err != nil {
			return d, err
		}
		if i == 1 {
			result.Threshold.Before = d.Max()
			result.InitialAbove = d.CountAbove(cfg.TargetThreshold)
			Logf("[SCC] %d of %d points above %g", result.InitialAbove, d.Len(), cfg.TargetThreshold)
		}

		snap := IterationSnapshot{
			Iteration:        i,
			PointsBefore:     c.sampler.Index().ValidCount(),
			DistributionSize: d.Len(),
			Median:           d.Quantile(0.5),
		}

		search := PercentileDescent(d, cfg.TargetPercent, cfg.TargetThreshold, i)
		if search.Found {
			removed, err := c.removeAndOptimize(cfg, search.Value)
			if err != nil {
				return d, err
			}
			snap.Threshold = Some(search.Value)
			snap.Removed = removed

			d, err = c.sampler.Sample(criterion)
			if err != nil {
				return d, err
			}
			if top := d.Max(); top.Valid && top.Value > cfg.TargetThreshold {
				Logf("[SCC] iteration %d: approached filter level, max %g still above %g", i, top.Value, cfg.TargetThreshold)
			}
		} else if search.Err() != nil {
			Logf("[SCC] iteration %d: no threshold (%v)", i, search.Err())
		}

		snap.PointsAfter = c.sampler.Index().ValidCount()
		snap.AboveTarget = d.CountAbove(cfg.TargetThreshold)
		c.record(result, snap)

		if snap.AboveTarget <= AboveTargetSlack {
			result.Status = StatusConverged
			break
		}
	}
	return d, nil
}

// runRMSE removes the worst target percent per round until the global RMS
// is at or below the target.
func (c *Controller) runRMSE(cfg StepConfiguration, before Statistics, result *RunResult) error {
	rms := before.RMS.Value
	for i := 1; i <= cfg.MaxIterations; i++ {
		d, err := c.sampler.Sample(cfg.Criterion)
		if err != nil {
			return err
		}
		snap := IterationSnapshot{
			Iteration:        i,
			PointsBefore:     c.sampler.Index().ValidCount(),
			DistributionSize: d.Len(),
			Median:           d.Quantile(0.5),
		}

		search := RMSETarget(d, rms, cfg.TargetPercent, cfg.TargetThreshold)
		if search.Found {
			removed, err := c.removeAndOptimize(cfg, search.Value)
			if err != nil {
				return err
			}
			snap.Threshold = Some(search.Value)
			snap.Removed = removed
			if rms, err = c.currentRMS(); err != nil {
				return fmt.Errorf("iteration %d: %w", i, err)
			}
			Logf("[SCC] iteration %d: removed %d points >= %g, RMS %.4f", i, removed, search.Value, rms)
		} else if search.Err() != nil {
			Logf("[SCC] iteration %d: no threshold (%v)", i, search.Err())
		}

		snap.PointsAfter = c.sampler.Index().ValidCount()
		snap.RMS = Some(rms)
		c.record(result, snap)

		if rms <= cfg.TargetThreshold {
			result.Status = StatusConverged
			break
		}
	}
	return nil
}
