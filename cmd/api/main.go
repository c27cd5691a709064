package main

import (
	"go.uber.org/fx"

	"github.com/restaurantpos/ordersync/internal/app"
)

func main() {
	fx.New(app.Module).Run()
}
