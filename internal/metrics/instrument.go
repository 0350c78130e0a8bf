package metrics

import (
	"context"
	"time"

	"github.com/qcgateway/qcgateway/internal/broker"
	"github.com/qcgateway/qcgateway/internal/resultbackend"
)

// InstrumentBroker wraps client so every call records its outcome and
// latency against RecordBrokerCall, the way the handlers already record
// submissions and retrievals around the domain layer one level up.
func InstrumentBroker(client broker.Client, e *Exporter) broker.Client {
	return instrumentedBroker{client: client, exporter: e}
}

type instrumentedBroker struct {
	client   broker.Client
	exporter *Exporter
}

func (b instrumentedBroker) SubmitLeaf(ctx context.Context, spec broker.TaskSpec) (broker.AsyncHandle, error) {
	start := time.Now()
	handle, err := b.client.SubmitLeaf(ctx, spec)
	b.exporter.RecordBrokerCall("SubmitLeaf", time.Since(start), err == nil)
	return handle, err
}

func (b instrumentedBroker) SubmitGroup(ctx context.Context, specs []broker.TaskSpec, queue string) (broker.GroupHandle, error) {
	start := time.Now()
	handle, err := b.client.SubmitGroup(ctx, specs, queue)
	b.exporter.RecordBrokerCall("SubmitGroup", time.Since(start), err == nil)
	return handle, err
}

func (b instrumentedBroker) SubmitChord(ctx context.Context, fanOut []broker.TaskSpec, reducer broker.TaskSpec, queue string) (broker.ChordHandle, error) {
	start := time.Now()
	handle, err := b.client.SubmitChord(ctx, fanOut, reducer, queue)
	b.exporter.RecordBrokerCall("SubmitChord", time.Since(start), err == nil)
	return handle, err
}

func (b instrumentedBroker) Revoke(ctx context.Context, taskIDs []string) error {
	start := time.Now()
	err := b.client.Revoke(ctx, taskIDs)
	b.exporter.RecordBrokerCall("Revoke", time.Since(start), err == nil)
	return err
}

// InstrumentBackend wraps client so every call records its outcome and
// latency against RecordBackendCall.
func InstrumentBackend(client resultbackend.Client, e *Exporter) resultbackend.Client {
	return instrumentedBackend{client: client, exporter: e}
}

type instrumentedBackend struct {
	client   resultbackend.Client
	exporter *Exporter
}

func (b instrumentedBackend) PutDAG(ctx context.Context, id string, dagBlob []byte) error {
	start := time.Now()
	err := b.client.PutDAG(ctx, id, dagBlob)
	b.exporter.RecordBackendCall("PutDAG", time.Since(start), err == nil)
	return err
}

func (b instrumentedBackend) GetDAG(ctx context.Context, id string) ([]byte, error) {
	start := time.Now()
	blob, err := b.client.GetDAG(ctx, id)
	b.exporter.RecordBackendCall("GetDAG", time.Since(start), err == nil || err == resultbackend.ErrNotFound)
	return blob, err
}

func (b instrumentedBackend) DeleteDAG(ctx context.Context, id string, leafIDs []string) error {
	start := time.Now()
	err := b.client.DeleteDAG(ctx, id, leafIDs)
	b.exporter.RecordBackendCall("DeleteDAG", time.Since(start), err == nil)
	return err
}

func (b instrumentedBackend) ProbeReady(ctx context.Context, leafID string) (resultbackend.LeafResult, error) {
	start := time.Now()
	res, err := b.client.ProbeReady(ctx, leafID)
	b.exporter.RecordBackendCall("ProbeReady", time.Since(start), err == nil)
	return res, err
}
