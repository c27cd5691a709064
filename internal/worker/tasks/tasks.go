// Package tasks registers the periodic background tasks: the sync keepalive
// that revives a dead feed subscription and the consistency sweep that
// compares order counts against the remote store.
package tasks

import (
	"context"

	"go.uber.org/fx"

	"github.com/restaurantpos/ordersync/internal/config"
	"github.com/restaurantpos/ordersync/internal/monitor"
	"github.com/restaurantpos/ordersync/internal/syncer"
	"github.com/restaurantpos/ordersync/internal/worker"
)

// Module registers the periodic tasks with the worker engine.
var Module = fx.Module("worker_tasks",
	fx.Provide(
		fx.Annotate(
			NewKeepaliveTask,
			fx.ResultTags(`group:"worker.tasks"`),
		),
		fx.Annotate(
			NewSweepTask,
			fx.ResultTags(`group:"worker.tasks"`),
		),
	),
)

// NewKeepaliveTask polls the sync engine and restarts a dead subscription.
func NewKeepaliveTask(engine *syncer.Engine, cfg config.Config) worker.TaskRegistration {
	return worker.TaskRegistration{
		Name:     "sync.keepalive",
		Interval: cfg.Sync.KeepaliveInterval,
		Task: func(ctx context.Context) error {
			return engine.EnsureActive(ctx)
		},
	}
}

// NewSweepTask runs the count-consistency check on a fixed interval.
func NewSweepTask(m *monitor.Monitor, cfg config.Config) worker.TaskRegistration {
	if !cfg.Monitor.Enabled {
		return worker.TaskRegistration{}
	}
	return worker.TaskRegistration{
		Name:     "monitor.sweep",
		Interval: cfg.Monitor.SweepInterval,
		Task: func(ctx context.Context) error {
			return m.Sweep(ctx)
		},
	}
}
