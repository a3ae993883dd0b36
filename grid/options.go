package grid

import (
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/shardgrid/affinity"
	"github.com/IvanBrykalov/shardgrid/cluster"
	"github.com/IvanBrykalov/shardgrid/transport"
)

// Options configures a Node. Defaults are applied in NewNode():
//   - nil Logger        => zap.NewNop()
//   - nil Metrics       => NoopMetrics
//   - FanOut <= 0       => 16
//   - RequestTimeout 0  => 5s
type Options struct {
	// ID is this node's identity in the membership. Required.
	ID affinity.NodeID
	// Membership supplies the data-node set. Required.
	Membership *cluster.Membership
	// Transport reaches other nodes. Required.
	Transport transport.Transport

	// FanOut bounds concurrent count requests per size query.
	FanOut int
	// RequestTimeout bounds each remote call.
	RequestTimeout time.Duration
	// SwapDir holds bolt swap files for caches that do not name their own.
	SwapDir string
	// Retain is how many topology versions each cache keeps resolvable.
	Retain int

	Metrics Metrics
	Logger  *zap.Logger
}
