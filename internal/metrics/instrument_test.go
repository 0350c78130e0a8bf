package metrics

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcgateway/qcgateway/internal/broker"
	"github.com/qcgateway/qcgateway/internal/resultbackend"
	"github.com/qcgateway/qcgateway/internal/state"
)

type fakeBroker struct{ submitErr error }

func (f fakeBroker) SubmitLeaf(_ context.Context, _ broker.TaskSpec) (broker.AsyncHandle, error) {
	return broker.AsyncHandle{TaskID: "leaf-1"}, f.submitErr
}
func (f fakeBroker) SubmitGroup(_ context.Context, _ []broker.TaskSpec, _ string) (broker.GroupHandle, error) {
	return broker.GroupHandle{}, f.submitErr
}
func (f fakeBroker) SubmitChord(_ context.Context, _ []broker.TaskSpec, _ broker.TaskSpec, _ string) (broker.ChordHandle, error) {
	return broker.ChordHandle{}, f.submitErr
}
func (f fakeBroker) Revoke(_ context.Context, _ []string) error { return f.submitErr }

type fakeBackend struct{ err error }

func (f fakeBackend) PutDAG(_ context.Context, _ string, _ []byte) error { return f.err }
func (f fakeBackend) GetDAG(_ context.Context, _ string) ([]byte, error) {
	return []byte("{}"), f.err
}
func (f fakeBackend) DeleteDAG(_ context.Context, _ string, _ []string) error { return f.err }
func (f fakeBackend) ProbeReady(_ context.Context, _ string) (resultbackend.LeafResult, error) {
	return resultbackend.LeafResult{Ready: true, State: state.Success}, f.err
}

func TestInstrumentBrokerRecordsCalls(t *testing.T) {
	e := NewExporter()
	wrapped := InstrumentBroker(fakeBroker{}, e)

	_, err := wrapped.SubmitLeaf(context.Background(), broker.TaskSpec{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `qcgateway_broker_calls_total{method="SubmitLeaf",status="success"} 1`)
}

func TestInstrumentBackendRecordsCalls(t *testing.T) {
	e := NewExporter()
	wrapped := InstrumentBackend(fakeBackend{}, e)

	_, err := wrapped.ProbeReady(context.Background(), "leaf-1")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `qcgateway_backend_calls_total{method="ProbeReady",status="success"} 1`)
}
