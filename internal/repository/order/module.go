package order

import (
	"go.uber.org/fx"

	"github.com/restaurantpos/ordersync/internal/database"
)

// Local is the repository bound to the on-device cache database. The remote
// authoritative store wraps its own Repository over the remote connection.
type Local struct {
	*Repository
}

// NewLocal builds the local-cache repository.
func NewLocal(conns *database.Connections) Local {
	return Local{NewRepository(conns.Local)}
}

// Module provides the local order repository to Fx.
var Module = fx.Provide(NewLocal)
