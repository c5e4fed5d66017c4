package core

import (
	"context"
	"fmt"
	"time"

	"github.com/fedragon/assetprep/internal/models"

	"go.uber.org/zap"
)

// TaskFunc processes a single task.
type TaskFunc func(ctx context.Context, task models.Task) error

type BatchResult struct {
	Total     int
	Succeeded int
	Failed    int
	Failures  []models.Outcome
}

// Pool runs tasks on a fixed number of workers. Every task gets its own
// deadline; a failing task does not stop the others.
type Pool struct {
	NumWorkers int
	Timeout    time.Duration
	Logger     *zap.Logger
	// Name is used in log messages and metric names.
	Name string
}

func (p *Pool) Run(parentCtx context.Context, tasks []models.Task, fn TaskFunc) BatchResult {
	numWorkers := p.NumWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	queue := make(chan models.Task)
	go func() {
		defer close(queue)
		for _, t := range tasks {
			select {
			case <-ctx.Done():
				return
			case queue <- t:
			}
		}
	}()

	workers := make([]<-chan models.Outcome, numWorkers)
	for i := 0; i < numWorkers; i++ {
		workers[i] = p.work(ctx, i, queue, fn)
	}

	res := BatchResult{Total: len(tasks)}
	for o := range merge(ctx, workers...) {
		if o.Err != nil {
			res.Failed++
			res.Failures = append(res.Failures, o)
		} else {
			res.Succeeded++
		}

		if done := res.Succeeded + res.Failed; done%50 == 0 {
			p.Logger.Info("Completed a(nother) batch of tasks",
				zap.String("pool", p.Name),
				zap.Int("done", done),
				zap.Int("total", res.Total))
		}
	}

	// tasks never dispatched because the parent context ended
	if missed := res.Total - res.Succeeded - res.Failed; missed > 0 {
		res.Failed += missed
		res.Failures = append(res.Failures, models.Outcome{Err: fmt.Errorf("%d tasks not run: %w", missed, parentCtx.Err())})
	}

	p.Logger.Info("Completed tasks",
		zap.String("pool", p.Name),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed))

	return res
}

func (p *Pool) work(ctx context.Context, id int, queue <-chan models.Task, fn TaskFunc) <-chan models.Outcome {
	outcomes := make(chan models.Outcome)
	log := p.Logger.With(zap.Int("worker_id", id))

	go func() {
		defer close(outcomes)

		for t := range queue {
			taskCtx := ctx
			var cancel context.CancelFunc = func() {}
			if p.Timeout > 0 {
				taskCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			}

			start := time.Now()
			err := fn(taskCtx, t)
			cancel()

			o := models.Outcome{Task: t, Err: err, Elapsed: time.Since(start)}
			if err != nil {
				log.Warn("Task failed", zap.String("id", t.ID), zap.String("input", t.Input), zap.Error(err))
			} else {
				log.Debug("Task done", zap.String("id", t.ID), zap.Duration("elapsed", o.Elapsed))
			}

			select {
			case <-ctx.Done():
				return
			case outcomes <- o:
			}
		}
	}()

	return outcomes
}
