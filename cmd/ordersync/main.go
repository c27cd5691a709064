package main

import (
	"os"

	"github.com/restaurantpos/ordersync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
