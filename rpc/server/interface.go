package server

import (
	"context"

	"github.com/ValentinKolb/dLock/rpc/common"
)

// IRPCServerAdapter turns a decoded request of a connection into a response
type IRPCServerAdapter interface {
	// Handle processes req on behalf of the connection cid. Failures are
	// reported as FAIL responses, never as panics or nil.
	Handle(ctx context.Context, cid string, req common.Request) (resp *common.Message)
}

// IRPCServer is the lock broker process
type IRPCServer interface {
	// Serve runs the broker until ctx is cancelled or SIGINT / SIGTERM is
	// received. It returns after all connections are closed.
	Serve(ctx context.Context) error
}
