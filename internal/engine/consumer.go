package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/holdfast/internal/store"
	"github.com/roach88/holdfast/internal/workflow"
)

// Stage is one workflow pass the cell can drive.
type Stage interface {
	Name() store.Stage
	Run(ctx context.Context) (workflow.Result, error)
}

// Observer is told about every finished pass. It runs on the consumer's
// goroutine and must not block.
type Observer func(passID string, res workflow.Result, err error)

// consumer drives one stage from its trigger.
//
// Loop:
//  1. wait for a signal (the first one is sent at start)
//  2. wait for the rate limiter
//  3. run one pass
//  4. Incomplete: signal itself so the pass is retried, and signal the
//     sweep so abandonment is judged against the retry just recorded
//  5. progress: signal the downstream stages
type consumer struct {
	stage      Stage
	trigger    *Trigger
	downstream []*Trigger
	sweep      *Trigger
	limiter    *rate.Limiter
	passIDs    PassIDGenerator
	metrics    *Metrics
	observer   Observer
	logger     *slog.Logger
}

// run blocks until ctx is done, the trigger is closed, or a pass fails
// with a broken invariant. Only the last case returns an error.
func (c *consumer) run(ctx context.Context) error {
	name := c.stage.Name()
	c.logger.Debug("consumer starting", "stage", name)
	c.trigger.Signal()

	for {
		if err := c.trigger.Listen(ctx); err != nil {
			if errors.Is(err, ErrTriggerClosed) {
				c.logger.Debug("consumer stopping: trigger closed", "stage", name)
			} else {
				c.logger.Debug("consumer stopping: context cancelled", "stage", name)
			}
			return nil
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}
		if err := c.pass(ctx); err != nil {
			return err
		}
	}
}

// pass runs the stage once and fans out the resulting signals. Transient
// errors are logged and dropped; the next signal retries.
func (c *consumer) pass(ctx context.Context) error {
	id := c.passIDs.Generate()
	start := time.Now()
	res, err := c.stage.Run(ctx)
	c.metrics.observe(res, time.Since(start), err)
	if c.observer != nil {
		c.observer(id, res, err)
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if fatal(err) {
			c.logger.Error("pass hit a broken invariant",
				"stage", c.stage.Name(),
				"pass", id,
				"error", err,
			)
			return &StageError{Stage: c.stage.Name(), PassID: id, Err: err}
		}
		c.logger.Warn("pass failed",
			"stage", c.stage.Name(),
			"pass", id,
			"error", err,
		)
		return nil
	}

	c.logger.Debug("pass finished", "pass", id, "result", res)
	if !res.Complete {
		c.trigger.Signal()
		if c.sweep != nil {
			c.sweep.Signal()
		}
	}
	if res.Progress() {
		for _, t := range c.downstream {
			t.Signal()
		}
	}
	return nil
}
