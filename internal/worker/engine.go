// Package worker runs named background tasks on fixed intervals: the sync
// keepalive and the consistency sweep. Tasks back off exponentially while
// failing and reset once they succeed.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const maxBackoff = 30 * time.Second

// TaskRegistration binds a named periodic task to its interval.
type TaskRegistration struct {
	Name     string
	Interval time.Duration
	Task     func(ctx context.Context) error
}

// Params collects dependencies via Fx.
type Params struct {
	fx.In

	Logger        *zap.Logger
	Registrations []TaskRegistration `group:"worker.tasks"`
}

// Engine orchestrates the periodic tasks.
type Engine struct {
	logger        *zap.Logger
	registrations []TaskRegistration
	cancel        context.CancelFunc
	wg            *sync.WaitGroup
}

// NewEngine constructs the worker Engine.
func NewEngine(p Params) *Engine {
	var reg []TaskRegistration
	for _, r := range p.Registrations {
		if r.Name == "" || r.Task == nil || r.Interval <= 0 {
			continue
		}
		reg = append(reg, r)
	}

	return &Engine{
		logger:        p.Logger,
		registrations: reg,
	}
}

// Module wires the engine into Fx lifecycle.
var Module = fx.Options(
	fx.Provide(NewEngine),
	fx.Invoke(func(lc fx.Lifecycle, engine *Engine) {
		lc.Append(fx.Hook{
			OnStart: engine.start,
			OnStop:  engine.stop,
		})
	}),
)

func (e *Engine) start(ctx context.Context) error {
	if len(e.registrations) == 0 {
		e.logger.Info("worker engine has no tasks; skipping")

		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg = &sync.WaitGroup{}

	for _, reg := range e.registrations {
		reg := reg
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runTask(runCtx, reg)
		}()
	}

	e.logger.Info("worker engine started", zap.Int("tasks", len(e.registrations)))

	return nil
}

func (e *Engine) stop(ctx context.Context) error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	done := make(chan struct{})
	go func() {
		if e.wg != nil {
			e.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		e.logger.Info("worker engine stopped")

		return nil
	}
}

func (e *Engine) runTask(ctx context.Context, reg TaskRegistration) {
	wait := reg.Interval
	for {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}

		if err := reg.Task(ctx); err != nil {
			e.logger.Error("periodic task failed",
				zap.String("task", reg.Name),
				zap.Error(err),
			)

			wait *= 2
			if wait > maxBackoff {
				wait = maxBackoff
			}
			continue
		}

		wait = reg.Interval
	}
}
