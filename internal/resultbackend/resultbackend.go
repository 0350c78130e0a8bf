// Package resultbackend is the durable key-value store for task DAGs and
// leaf outputs, keyed by task id. Workers write leaf results directly to
// the backing store; the gateway only ever reads, probes, and deletes.
package resultbackend

import (
	"context"

	"github.com/qcgateway/qcgateway/internal/compute"
	"github.com/qcgateway/qcgateway/internal/state"
)

// ErrNotFound is returned by GetDAG when no DAG is stored under an id.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "resultbackend: not found" }

// LeafResult is what ProbeReady reports for one leaf id.
type LeafResult struct {
	Ready  bool
	State  state.GatewayState
	Output *compute.Output
}

// Client is the Result Backend Client contract.
type Client interface {
	// PutDAG idempotently stores dagBlob under id; overwriting is not
	// expected to happen in normal operation.
	PutDAG(ctx context.Context, id string, dagBlob []byte) error
	// GetDAG performs a one-shot lookup, returning ErrNotFound on a miss.
	GetDAG(ctx context.Context, id string) ([]byte, error)
	// DeleteDAG removes the DAG node and forgets every result under
	// leafIDs. Idempotent: deleting twice is not an error.
	DeleteDAG(ctx context.Context, id string, leafIDs []string) error
	// ProbeReady never errors on an unknown id; it reports
	// LeafResult{Ready: false, State: PENDING}.
	ProbeReady(ctx context.Context, leafID string) (LeafResult, error)
}
