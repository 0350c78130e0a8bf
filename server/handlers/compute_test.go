package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcgateway/qcgateway/internal/apierr"
	"github.com/qcgateway/qcgateway/internal/broker"
	"github.com/qcgateway/qcgateway/internal/cleanup"
	"github.com/qcgateway/qcgateway/internal/compute"
	"github.com/qcgateway/qcgateway/internal/config"
	"github.com/qcgateway/qcgateway/internal/metrics"
	"github.com/qcgateway/qcgateway/internal/resultbackend"
	"github.com/qcgateway/qcgateway/internal/state"
)

// fakeBroker implements broker.Client in-memory, minting a fresh random UUID
// v4 for every task, group, and chord without a live Redis instance.
type fakeBroker struct {
	submitLeafErr  error
	submitGroupErr error
	submitChordErr error
	revokeErr      error

	revoked []string
}

func (f *fakeBroker) SubmitLeaf(_ context.Context, _ broker.TaskSpec) (broker.AsyncHandle, error) {
	if f.submitLeafErr != nil {
		return broker.AsyncHandle{}, f.submitLeafErr
	}
	return broker.AsyncHandle{TaskID: uuid.NewString()}, nil
}

func (f *fakeBroker) SubmitGroup(_ context.Context, specs []broker.TaskSpec, _ string) (broker.GroupHandle, error) {
	if f.submitGroupErr != nil {
		return broker.GroupHandle{}, f.submitGroupErr
	}
	leaves := make([]broker.AsyncHandle, 0, len(specs))
	for range specs {
		leaves = append(leaves, broker.AsyncHandle{TaskID: uuid.NewString()})
	}
	return broker.GroupHandle{GroupID: uuid.NewString(), Leaves: leaves}, nil
}

func (f *fakeBroker) SubmitChord(_ context.Context, fanOut []broker.TaskSpec, _ broker.TaskSpec, _ string) (broker.ChordHandle, error) {
	if f.submitChordErr != nil {
		return broker.ChordHandle{}, f.submitChordErr
	}
	leaves := make([]broker.AsyncHandle, 0, len(fanOut))
	for range fanOut {
		leaves = append(leaves, broker.AsyncHandle{TaskID: uuid.NewString()})
	}
	return broker.ChordHandle{
		ChordID: uuid.NewString(),
		Leaves:  leaves,
		Reducer: broker.AsyncHandle{TaskID: uuid.NewString()},
	}, nil
}

func (f *fakeBroker) Revoke(_ context.Context, taskIDs []string) error {
	if f.revokeErr != nil {
		return f.revokeErr
	}
	f.revoked = append(f.revoked, taskIDs...)
	return nil
}

// fakeBackend implements resultbackend.Client in-memory.
type fakeBackend struct {
	dags    map[string][]byte
	results map[string]resultbackend.LeafResult

	putErr    error
	getErr    error
	deleteErr error
	probeErr  error

	deleted []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		dags:    map[string][]byte{},
		results: map[string]resultbackend.LeafResult{},
	}
}

func (f *fakeBackend) PutDAG(_ context.Context, id string, dagBlob []byte) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.dags[id] = dagBlob
	return nil
}

func (f *fakeBackend) GetDAG(_ context.Context, id string) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	blob, ok := f.dags[id]
	if !ok {
		return nil, resultbackend.ErrNotFound
	}
	return blob, nil
}

func (f *fakeBackend) DeleteDAG(_ context.Context, id string, leafIDs []string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	delete(f.dags, id)
	for _, leafID := range leafIDs {
		delete(f.results, leafID)
	}
	return nil
}

func (f *fakeBackend) ProbeReady(_ context.Context, leafID string) (resultbackend.LeafResult, error) {
	if f.probeErr != nil {
		return resultbackend.LeafResult{}, f.probeErr
	}
	res, ok := f.results[leafID]
	if !ok {
		return resultbackend.LeafResult{Ready: false, State: state.Pending}, nil
	}
	return res, nil
}

func newTestHandler(brokerClient broker.Client, backend resultbackend.Client) (*ComputeHandler, *cleanup.Pool) {
	settings := &config.Settings{MaxBatchInputs: 10}
	pool := cleanup.NewPool(backend, nil)
	return NewComputeHandler(settings, brokerClient, backend, pool, metrics.NewExporter(), nil), pool
}

func newSubmitRequest(query string, body string) (*http.Request, *httptest.ResponseRecorder, echo.Context) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v2/compute?"+query, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return req, rec, c
}

func programInputBody(structureAtoms ...string) string {
	if len(structureAtoms) == 0 {
		structureAtoms = []string{"O", "H", "H"}
	}
	atoms, _ := json.Marshal(structureAtoms)
	return `{"calctype":"energy","structure":{"symbols":` + string(atoms) + `},"model":{"method":"b3lyp","basis":"6-31g"}}`
}

func TestSubmitSingleLeaf(t *testing.T) {
	fb := &fakeBroker{}
	backend := newFakeBackend()
	h, _ := newTestHandler(fb, backend)

	_, rec, c := newSubmitRequest("program=psi4", programInputBody())
	require.NoError(t, h.Submit(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, backend.dags, 1)
}

func TestSubmitGroupFromBatch(t *testing.T) {
	fb := &fakeBroker{}
	backend := newFakeBackend()
	h, _ := newTestHandler(fb, backend)

	body := "[" + programInputBody() + "," + programInputBody() + "]"
	_, rec, c := newSubmitRequest("program=psi4", body)
	require.NoError(t, h.Submit(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, backend.dags, 1)
}

func TestSubmitBigChemChord(t *testing.T) {
	fb := &fakeBroker{}
	backend := newFakeBackend()
	h, _ := newTestHandler(fb, backend)

	body := `{"calctype":"hessian","structure":{"symbols":["O","H","H"]},"model":{"method":"b3lyp"},"subprogram":"psi4","subprogram_args":{}}`
	_, rec, c := newSubmitRequest("program=bigchem", body)
	require.NoError(t, h.Submit(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, backend.dags, 1)
}

func TestSubmitBatchTooLarge(t *testing.T) {
	fb := &fakeBroker{}
	backend := newFakeBackend()
	settings := &config.Settings{MaxBatchInputs: 1}
	pool := cleanup.NewPool(backend, nil)
	h := NewComputeHandler(settings, fb, backend, pool, metrics.NewExporter(), nil)

	body := "[" + programInputBody() + "," + programInputBody() + "]"
	_, _, c := newSubmitRequest("program=psi4", body)
	err := h.Submit(c)
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.KindBatchTooLarge, apiErr.Kind)
}

func TestSubmitUnknownOptionRejected(t *testing.T) {
	fb := &fakeBroker{}
	backend := newFakeBackend()
	h, _ := newTestHandler(fb, backend)

	_, _, c := newSubmitRequest("program=psi4&bogus=1", programInputBody())
	err := h.Submit(c)
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.KindUnknownOption, apiErr.Kind)
}

func TestSubmitUnsupportedProgramRejected(t *testing.T) {
	fb := &fakeBroker{}
	backend := newFakeBackend()
	h, _ := newTestHandler(fb, backend)

	_, _, c := newSubmitRequest("program=not-a-real-program", programInputBody())
	err := h.Submit(c)
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.KindUnsupportedCalcType, apiErr.Kind)
}

func TestSubmitPersistFailureRevokesAcceptedTasks(t *testing.T) {
	fb := &fakeBroker{}
	backend := newFakeBackend()
	backend.putErr = errors.New("mongo down")
	h, _ := newTestHandler(fb, backend)

	_, _, c := newSubmitRequest("program=psi4", programInputBody())
	err := h.Submit(c)
	require.Error(t, err)
	assert.Len(t, fb.revoked, 1)
}

func TestSubmitPersistFailureAndRevokeFailureBothSurface(t *testing.T) {
	fb := &fakeBroker{revokeErr: errors.New("broker also down")}
	backend := newFakeBackend()
	backend.putErr = errors.New("mongo down")
	h, _ := newTestHandler(fb, backend)

	_, _, c := newSubmitRequest("program=psi4", programInputBody())
	err := h.Submit(c)
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.KindBackendUnavailable, apiErr.Kind)
}

func newRetrieveRequest(taskID string) (*httptest.ResponseRecorder, echo.Context) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v2/compute/output/"+taskID, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("task_id")
	c.SetParamValues(taskID)
	return rec, c
}

func TestRetrieveRejectsNonUUIDTaskID(t *testing.T) {
	fb := &fakeBroker{}
	backend := newFakeBackend()
	h, _ := newTestHandler(fb, backend)

	rec, c := newRetrieveRequest("not-a-uuid")
	err := h.Retrieve(c)
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.KindInvalidTaskID, apiErr.Kind)
	assert.False(t, c.Response().Committed)
	assert.Zero(t, rec.Body.Len())
}

func TestRetrieveMissingDAGReturnsGone(t *testing.T) {
	fb := &fakeBroker{}
	backend := newFakeBackend()
	h, _ := newTestHandler(fb, backend)

	rec, c := newRetrieveRequest(uuid.New().String())
	err := h.Retrieve(c)
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.KindResultNotFound, apiErr.Kind)
	assert.False(t, c.Response().Committed)
	assert.Zero(t, rec.Body.Len())
}

func TestRetrievePendingWhileLeafNotReady(t *testing.T) {
	fb := &fakeBroker{}
	backend := newFakeBackend()
	h, _ := newTestHandler(fb, backend)

	_, srec, sc := newSubmitRequest("program=psi4", programInputBody())
	require.NoError(t, h.Submit(sc))
	var taskID string
	require.NoError(t, json.Unmarshal(srec.Body.Bytes(), &taskID))

	rec, c := newRetrieveRequest(taskID)
	require.NoError(t, h.Retrieve(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp RetrievalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(state.Pending), resp.State)
	assert.Nil(t, resp.Result)
}

func TestRetrieveLeafUnwrapsSingleOutput(t *testing.T) {
	fb := &fakeBroker{}
	backend := newFakeBackend()
	h, pool := newTestHandler(fb, backend)

	_, srec, sc := newSubmitRequest("program=psi4", programInputBody())
	require.NoError(t, h.Submit(sc))
	var taskID string
	require.NoError(t, json.Unmarshal(srec.Body.Bytes(), &taskID))

	backend.results[taskID] = resultbackend.LeafResult{
		Ready:  true,
		State:  state.Success,
		Output: &compute.Output{Success: true},
	}

	rec, c := newRetrieveRequest(taskID)
	require.NoError(t, h.Retrieve(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp RetrievalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(state.Success), resp.State)
	assert.NotNil(t, resp.Result)

	pool.Wait()
	assert.Contains(t, backend.deleted, taskID)
}

func TestRetrieveGroupUnwrapsOrderedList(t *testing.T) {
	fb := &fakeBroker{}
	backend := newFakeBackend()
	h, pool := newTestHandler(fb, backend)

	body := "[" + programInputBody() + "," + programInputBody() + "]"
	_, srec, sc := newSubmitRequest("program=psi4", body)
	require.NoError(t, h.Submit(sc))
	var groupID string
	require.NoError(t, json.Unmarshal(srec.Body.Bytes(), &groupID))

	blob := backend.dags[groupID]
	var root struct {
		Leaves []struct {
			TaskID string `json:"task_id"`
		} `json:"leaves"`
	}
	require.NoError(t, json.Unmarshal(blob, &root))
	require.Len(t, root.Leaves, 2)

	for _, leaf := range root.Leaves {
		backend.results[leaf.TaskID] = resultbackend.LeafResult{
			Ready:  true,
			State:  state.Success,
			Output: &compute.Output{Success: true},
		}
	}

	rec, c := newRetrieveRequest(groupID)
	require.NoError(t, h.Retrieve(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		State  string           `json:"state"`
		Result []*compute.Output `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(state.Success), resp.State)
	assert.Len(t, resp.Result, 2)

	pool.Wait()
	assert.Contains(t, backend.deleted, groupID)
}

func TestRetrieveChordUnwrapsReducerOutputOnly(t *testing.T) {
	fb := &fakeBroker{}
	backend := newFakeBackend()
	h, _ := newTestHandler(fb, backend)

	body := `{"calctype":"hessian","structure":{"symbols":["O"]},"model":{"method":"b3lyp"},"subprogram":"psi4","subprogram_args":{}}`
	_, srec, sc := newSubmitRequest("program=bigchem", body)
	require.NoError(t, h.Submit(sc))
	var chordID string
	require.NoError(t, json.Unmarshal(srec.Body.Bytes(), &chordID))

	blob := backend.dags[chordID]
	var root struct {
		Leaves []struct {
			TaskID string `json:"task_id"`
		} `json:"leaves"`
		Reducer struct {
			TaskID string `json:"task_id"`
		} `json:"reducer"`
	}
	require.NoError(t, json.Unmarshal(blob, &root))
	require.NotEmpty(t, root.Leaves)

	for _, leaf := range root.Leaves {
		backend.results[leaf.TaskID] = resultbackend.LeafResult{
			Ready:  true,
			State:  state.Success,
			Output: &compute.Output{Success: true},
		}
	}
	backend.results[root.Reducer.TaskID] = resultbackend.LeafResult{
		Ready:  true,
		State:  state.Success,
		Output: &compute.Output{Success: true},
	}

	rec, c := newRetrieveRequest(chordID)
	require.NoError(t, h.Retrieve(c))

	var resp struct {
		State  string          `json:"state"`
		Result *compute.Output `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(state.Success), resp.State)
	assert.NotNil(t, resp.Result)
}

func TestRetrieveAggregatesRevokedStateAcrossGroup(t *testing.T) {
	fb := &fakeBroker{}
	backend := newFakeBackend()
	h, _ := newTestHandler(fb, backend)

	body := "[" + programInputBody() + "," + programInputBody() + "]"
	_, srec, sc := newSubmitRequest("program=psi4", body)
	require.NoError(t, h.Submit(sc))
	var groupID string
	require.NoError(t, json.Unmarshal(srec.Body.Bytes(), &groupID))

	blob := backend.dags[groupID]
	var root struct {
		Leaves []struct {
			TaskID string `json:"task_id"`
		} `json:"leaves"`
	}
	require.NoError(t, json.Unmarshal(blob, &root))

	backend.results[root.Leaves[0].TaskID] = resultbackend.LeafResult{
		Ready:  true,
		State:  state.Success,
		Output: &compute.Output{Success: true},
	}
	backend.results[root.Leaves[1].TaskID] = resultbackend.LeafResult{
		Ready: true,
		State: state.Revoked,
	}

	rec, c := newRetrieveRequest(groupID)
	require.NoError(t, h.Retrieve(c))

	var resp RetrievalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(state.Revoked), resp.State)
}

func TestParseOptionsAppliesDefaultsAndOverrides(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v2/compute?program=psi4&collect_files=true&queue=fast", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	opts, err := parseOptions(c)
	require.NoError(t, err)
	assert.True(t, opts.CollectFiles)
	assert.True(t, opts.CollectStdout)
	assert.Equal(t, "fast", opts.Queue)
}

func TestParseInputsDetectsArrayVsObject(t *testing.T) {
	single := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(programInputBody()))
	inputs, err := parseInputs(single)
	require.NoError(t, err)
	assert.Len(t, inputs, 1)

	batchBody := "[" + programInputBody() + "," + programInputBody() + "]"
	batch := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(batchBody))
	inputs, err = parseInputs(batch)
	require.NoError(t, err)
	assert.Len(t, inputs, 2)
}
