package app

import (
	"go.uber.org/fx"

	"github.com/restaurantpos/ordersync/internal/cache"
	"github.com/restaurantpos/ordersync/internal/config"
	"github.com/restaurantpos/ordersync/internal/database"
	"github.com/restaurantpos/ordersync/internal/dispatch"
	"github.com/restaurantpos/ordersync/internal/events"
	"github.com/restaurantpos/ordersync/internal/logger"
	"github.com/restaurantpos/ordersync/internal/messaging"
	"github.com/restaurantpos/ordersync/internal/monitor"
	"github.com/restaurantpos/ordersync/internal/observability"
	"github.com/restaurantpos/ordersync/internal/remote"
	repositoryorder "github.com/restaurantpos/ordersync/internal/repository/order"
	httpserver "github.com/restaurantpos/ordersync/internal/server/http"
	"github.com/restaurantpos/ordersync/internal/store"
	"github.com/restaurantpos/ordersync/internal/syncer"
	transporthttp "github.com/restaurantpos/ordersync/internal/transport/http"
	"github.com/restaurantpos/ordersync/internal/worker"
	workertasks "github.com/restaurantpos/ordersync/internal/worker/tasks"
)

// Infra is the minimal wiring for one-shot tooling (migrations, seeding):
// configuration, logging, and the database pools, with none of the sync
// machinery that expects a migrated schema.
var Infra = fx.Options(
	config.Module,
	logger.Module,
	database.Module,
)

// Core provides the foundational modules shared across executables: config,
// both databases, the change feed, the order store, and the sync machinery.
var Core = fx.Options(
	config.Module,
	logger.Module,
	observability.Module,
	cache.Module,
	database.Module,
	messaging.Module,
	events.Module,
	repositoryorder.Module,
	store.Module,
	remote.Module,
	syncer.Module,
	monitor.Module,
	dispatch.Module,
)

// Background runs the keepalive and consistency-sweep tasks.
var Background = fx.Options(
	worker.Module,
	workertasks.Module,
)

// HTTP wires the HTTP transport on top of the core modules.
var HTTP = fx.Options(
	Core,
	Background,
	httpserver.Module,
	transporthttp.Module,
)

// Headless runs the sync machinery without an HTTP surface, for kiosk
// devices that only mirror and dispatch.
var Headless = fx.Options(
	Core,
	Background,
)

// Module is the default application wiring (HTTP plus background tasks).
var Module = HTTP
