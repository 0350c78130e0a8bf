// Package broker creates worker-executable tasks for a (program, input,
// options) triple and submits them onto the message broker, returning
// typed handles carrying ids and enough shape to serialize into the DAG.
package broker

import (
	"context"

	"github.com/qcgateway/qcgateway/internal/compute"
)

// AsyncHandle is the broker's acknowledgement of one submitted leaf task.
type AsyncHandle struct {
	TaskID string
}

// GroupHandle acknowledges an independent fan-out of leaves.
type GroupHandle struct {
	GroupID string
	Leaves  []AsyncHandle
}

// ChordHandle acknowledges a fan-out plus reducer.
type ChordHandle struct {
	ChordID string
	Leaves  []AsyncHandle
	Reducer AsyncHandle
}

// TaskSpec is what a caller hands the broker for one leaf: everything
// needed to build a wire descriptor except the id, which the broker mints.
type TaskSpec struct {
	Program compute.Program
	Input   compute.Input
	Options compute.Options
}

// Descriptor is the wire-level task descriptor handed to the broker. The
// program crosses as its string form only, so the worker-side deserializer
// shares no code with the gateway.
type Descriptor struct {
	TaskID  string          `json:"task_id"`
	Program string          `json:"program"`
	Input   compute.Input   `json:"input"`
	Options compute.Options `json:"options"`
}

// Client is the Broker Client contract. Every method is bounded by ctx; a
// cancelled or expired ctx (see the submission timeout in internal/config)
// surfaces as an *apierr.Error of kind apierr.KindBrokerUnavailable.
type Client interface {
	SubmitLeaf(ctx context.Context, spec TaskSpec) (AsyncHandle, error)
	SubmitGroup(ctx context.Context, specs []TaskSpec, queue string) (GroupHandle, error)
	SubmitChord(ctx context.Context, fanOut []TaskSpec, reducer TaskSpec, queue string) (ChordHandle, error)
	// Revoke makes a best-effort attempt to cancel already-submitted tasks.
	// Used when DAG persistence fails after broker acceptance.
	Revoke(ctx context.Context, taskIDs []string) error
}
