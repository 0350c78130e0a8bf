// Package handlers implements the Submission and Retrieval HTTP APIs: the
// only two routes that actually move compute work through the gateway.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/qcgateway/qcgateway/internal/apierr"
	"github.com/qcgateway/qcgateway/internal/broker"
	"github.com/qcgateway/qcgateway/internal/cleanup"
	"github.com/qcgateway/qcgateway/internal/compute"
	"github.com/qcgateway/qcgateway/internal/config"
	"github.com/qcgateway/qcgateway/internal/dag"
	"github.com/qcgateway/qcgateway/internal/metrics"
	"github.com/qcgateway/qcgateway/internal/planner"
	"github.com/qcgateway/qcgateway/internal/resultbackend"
	"github.com/qcgateway/qcgateway/internal/state"
)

// ComputeHandler wires the Submission and Retrieval APIs to the broker,
// result backend, and cleanup pool.
type ComputeHandler struct {
	settings *config.Settings
	broker   broker.Client
	backend  resultbackend.Client
	cleanup  *cleanup.Pool
	metrics  *metrics.Exporter
	log      *slog.Logger
}

// NewComputeHandler builds a ComputeHandler from its dependencies. log may
// be nil to use slog.Default().
func NewComputeHandler(settings *config.Settings, brokerClient broker.Client, backend resultbackend.Client, pool *cleanup.Pool, exporter *metrics.Exporter, log *slog.Logger) *ComputeHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ComputeHandler{settings: settings, broker: brokerClient, backend: backend, cleanup: pool, metrics: exporter, log: log}
}

// Submit implements POST {API_COMPUTE_PREFIX}.
func (h *ComputeHandler) Submit(c echo.Context) error {
	start := time.Now()
	program := compute.Program(c.QueryParam("program"))
	var submitErr error
	defer func() {
		h.metrics.RecordSubmission(string(program), time.Since(start), submitErr == nil)
	}()

	if !program.Valid() {
		submitErr = apierr.New(apierr.KindUnsupportedCalcType, "unknown or missing program")
		return submitErr
	}

	opts, err := parseOptions(c)
	if err != nil {
		submitErr = err
		return submitErr
	}

	inputs, err := parseInputs(c.Request())
	if err != nil {
		submitErr = apierr.Wrap(apierr.KindUnknownOption, "invalid request body", err)
		return submitErr
	}

	plan, err := planner.Plan(program, inputs, opts, h.settings.MaxBatchInputs)
	if err != nil {
		submitErr = err
		return submitErr
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.settings.SubmitTimeout)
	defer cancel()

	root, leafIDs, err := h.materialize(ctx, plan)
	if err != nil {
		submitErr = err
		return submitErr
	}

	blob, err := dag.Marshal(root)
	if err != nil {
		submitErr = apierr.Wrap(apierr.KindBackendUnavailable, "encode dag", err)
		return submitErr
	}

	if err := h.backend.PutDAG(ctx, root.RootID(), blob); err != nil {
		if revokeErr := h.broker.Revoke(ctx, leafIDs); revokeErr != nil {
			h.log.Error("submit: revoke after failed persist also failed", "root_id", root.RootID(), "err", revokeErr)
			submitErr = apierr.Wrap(apierr.KindBackendUnavailable, "persist dag and revoke both failed", err)
			return submitErr
		}
		h.log.Error("submit: persisted dag failed, revoked accepted tasks", "root_id", root.RootID(), "err", err)
		submitErr = err
		return submitErr
	}

	return c.JSON(http.StatusOK, root.RootID())
}

// materialize submits plan through the broker client and builds the
// corresponding dag.Node, returning every leaf id the DAG contains so a
// failed persist can revoke them.
func (h *ComputeHandler) materialize(ctx context.Context, plan planner.Plan) (dag.Node, []string, error) {
	switch plan.Shape {
	case planner.ShapeLeaf:
		handle, err := h.broker.SubmitLeaf(ctx, broker.TaskSpec{Program: plan.Leaf.Program, Input: plan.Leaf.Input, Options: plan.Leaf.Options})
		if err != nil {
			return dag.Node{}, nil, err
		}
		node, err := dag.NewLeaf(handle.TaskID, plan.Leaf.Program)
		if err != nil {
			return dag.Node{}, nil, apierr.Wrap(apierr.KindBackendUnavailable, "build leaf node", err)
		}
		return node, []string{handle.TaskID}, nil

	case planner.ShapeGroup:
		specs := make([]broker.TaskSpec, 0, len(plan.Group))
		for _, leaf := range plan.Group {
			specs = append(specs, broker.TaskSpec{Program: leaf.Program, Input: leaf.Input, Options: leaf.Options})
		}
		handle, err := h.broker.SubmitGroup(ctx, specs, plan.Queue)
		if err != nil {
			return dag.Node{}, nil, err
		}
		leafNodes := make([]dag.Node, 0, len(handle.Leaves))
		leafIDs := make([]string, 0, len(handle.Leaves))
		for i, h2 := range handle.Leaves {
			node, err := dag.NewLeaf(h2.TaskID, plan.Group[i].Program)
			if err != nil {
				return dag.Node{}, nil, apierr.Wrap(apierr.KindBackendUnavailable, "build group leaf node", err)
			}
			leafNodes = append(leafNodes, node)
			leafIDs = append(leafIDs, h2.TaskID)
		}
		node, err := dag.NewGroup(handle.GroupID, leafNodes)
		if err != nil {
			return dag.Node{}, nil, apierr.Wrap(apierr.KindBackendUnavailable, "build group node", err)
		}
		return node, leafIDs, nil

	case planner.ShapeChord:
		fanOutSpecs := make([]broker.TaskSpec, 0, len(plan.Chord.FanOut))
		for _, leaf := range plan.Chord.FanOut {
			fanOutSpecs = append(fanOutSpecs, broker.TaskSpec{Program: leaf.Program, Input: leaf.Input, Options: leaf.Options})
		}
		reducerSpec := broker.TaskSpec{Program: plan.Chord.Reducer.Program, Input: plan.Chord.Reducer.Input, Options: plan.Chord.Reducer.Options}
		handle, err := h.broker.SubmitChord(ctx, fanOutSpecs, reducerSpec, plan.Queue)
		if err != nil {
			return dag.Node{}, nil, err
		}
		fanOutNodes := make([]dag.Node, 0, len(handle.Leaves))
		leafIDs := make([]string, 0, len(handle.Leaves)+1)
		for i, h2 := range handle.Leaves {
			node, err := dag.NewLeaf(h2.TaskID, plan.Chord.FanOut[i].Program)
			if err != nil {
				return dag.Node{}, nil, apierr.Wrap(apierr.KindBackendUnavailable, "build chord fan-out node", err)
			}
			fanOutNodes = append(fanOutNodes, node)
			leafIDs = append(leafIDs, h2.TaskID)
		}
		reducerNode, err := dag.NewLeaf(handle.Reducer.TaskID, plan.Chord.Reducer.Program)
		if err != nil {
			return dag.Node{}, nil, apierr.Wrap(apierr.KindBackendUnavailable, "build chord reducer node", err)
		}
		leafIDs = append(leafIDs, handle.Reducer.TaskID)
		node, err := dag.NewChord(handle.ChordID, fanOutNodes, reducerNode)
		if err != nil {
			return dag.Node{}, nil, apierr.Wrap(apierr.KindBackendUnavailable, "build chord node", err)
		}
		return node, leafIDs, nil

	default:
		return dag.Node{}, nil, apierr.New(apierr.KindUnknownOption, "planner produced no shape")
	}
}

// RetrievalResponse is the body of GET {API_COMPUTE_PREFIX}/output/{task_id}.
type RetrievalResponse struct {
	State  string `json:"state"`
	Result any    `json:"result"`
}

// Retrieve implements GET {API_COMPUTE_PREFIX}/output/{task_id}.
func (h *ComputeHandler) Retrieve(c echo.Context) error {
	start := time.Now()
	var retrieveErr error
	defer func() {
		h.metrics.RecordRetrieval(time.Since(start), retrieveErr == nil)
	}()

	taskID := c.Param("task_id")
	if !isUUIDv4(taskID) {
		retrieveErr = apierr.New(apierr.KindInvalidTaskID, "task_id is not a valid UUID v4")
		return retrieveErr
	}

	ctx := c.Request().Context()
	blob, err := h.backend.GetDAG(ctx, taskID)
	if err != nil {
		if err == resultbackend.ErrNotFound {
			retrieveErr = apierr.New(apierr.KindResultNotFound, "Result has already been deleted from server.")
			return retrieveErr
		}
		retrieveErr = apierr.Wrap(apierr.KindBackendUnavailable, "get dag", err)
		return retrieveErr
	}

	root, err := dag.Unmarshal(blob)
	if err != nil {
		retrieveErr = apierr.Wrap(apierr.KindBackendUnavailable, "decode dag", err)
		return retrieveErr
	}

	resp, allLeafIDs, err := h.collectResult(ctx, root)
	if err != nil {
		retrieveErr = err
		return retrieveErr
	}

	if err := c.JSON(http.StatusOK, resp); err != nil {
		return err
	}

	if state.IsTerminal(state.GatewayState(resp.State)) {
		h.cleanup.Schedule(taskID, allLeafIDs)
	}
	return nil
}

// collectResult probes every leaf in root concurrently, then unwraps the
// outputs per the Leaf/Group/Chord rule.
func (h *ComputeHandler) collectResult(ctx context.Context, root dag.Node) (RetrievalResponse, []string, error) {
	allLeafIDs := root.AllLeafIDs()
	results := make(map[string]resultbackend.LeafResult, len(allLeafIDs))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range allLeafIDs {
		id := id
		g.Go(func() error {
			res, err := h.backend.ProbeReady(gctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			results[id] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RetrievalResponse{}, nil, apierr.Wrap(apierr.KindBackendUnavailable, "probe leaf results", err)
	}

	for _, id := range allLeafIDs {
		if !results[id].Ready {
			return RetrievalResponse{State: string(state.Pending), Result: nil}, allLeafIDs, nil
		}
	}

	switch root.Kind {
	case dag.KindLeaf:
		res := results[root.TaskID]
		success := res.Output != nil && res.Output.Success
		leafState := state.Aggregate([]state.GatewayState{res.State}, []bool{success})
		return RetrievalResponse{State: string(leafState), Result: res.Output}, allLeafIDs, nil

	case dag.KindGroup:
		outputs := make([]*compute.Output, 0, len(root.Leaves))
		leafStates := make([]state.GatewayState, 0, len(root.Leaves))
		successes := make([]bool, 0, len(root.Leaves))
		for _, leaf := range root.Leaves {
			res := results[leaf.TaskID]
			outputs = append(outputs, res.Output)
			leafStates = append(leafStates, res.State)
			successes = append(successes, res.Output != nil && res.Output.Success)
		}
		return RetrievalResponse{State: string(state.Aggregate(leafStates, successes)), Result: outputs}, allLeafIDs, nil

	case dag.KindChord:
		reducerRes := results[root.Reducer.TaskID]
		leafStates := make([]state.GatewayState, 0, len(root.Leaves)+1)
		successes := make([]bool, 0, len(root.Leaves)+1)
		for _, leaf := range root.Leaves {
			res := results[leaf.TaskID]
			leafStates = append(leafStates, res.State)
			successes = append(successes, res.Output != nil && res.Output.Success)
		}
		leafStates = append(leafStates, reducerRes.State)
		successes = append(successes, reducerRes.Output != nil && reducerRes.Output.Success)
		return RetrievalResponse{State: string(state.Aggregate(leafStates, successes)), Result: reducerRes.Output}, allLeafIDs, nil

	default:
		return RetrievalResponse{}, nil, apierr.New(apierr.KindBackendUnavailable, "dag carries an unrecognized node kind")
	}
}

func parseOptions(c echo.Context) (compute.Options, error) {
	opts := compute.DefaultOptions()
	known := planner.KnownOptionKeys()

	for key, values := range c.QueryParams() {
		if key == "program" {
			continue
		}
		if !known[key] {
			return compute.Options{}, apierr.New(apierr.KindUnknownOption, "unknown option "+key)
		}
		if len(values) == 0 {
			continue
		}
		value := values[0]
		switch key {
		case "queue":
			opts.Queue = value
		case "collect_stdout":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return compute.Options{}, apierr.Wrap(apierr.KindUnknownOption, "invalid collect_stdout", err)
			}
			opts.CollectStdout = b
		case "collect_files":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return compute.Options{}, apierr.Wrap(apierr.KindUnknownOption, "invalid collect_files", err)
			}
			opts.CollectFiles = b
		case "collect_wfn":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return compute.Options{}, apierr.Wrap(apierr.KindUnknownOption, "invalid collect_wfn", err)
			}
			opts.CollectWfn = b
		case "rm_scratch_dir":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return compute.Options{}, apierr.Wrap(apierr.KindUnknownOption, "invalid rm_scratch_dir", err)
			}
			opts.RmScratchDir = b
		case "propagate_wfn":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return compute.Options{}, apierr.Wrap(apierr.KindUnknownOption, "invalid propagate_wfn", err)
			}
			opts.PropagateWfn = b
		}
	}
	return opts, nil
}

// parseInputs reads the request body as either a single compute.Input or a
// JSON array of them, matching "Body: one input or JSON array".
func parseInputs(r *http.Request) ([]compute.Input, error) {
	body, err := readAll(r)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, apierr.New(apierr.KindUnknownOption, "request body is empty")
	}

	if trimmed[0] == '[' {
		var inputs []compute.Input
		if err := json.Unmarshal(trimmed, &inputs); err != nil {
			return nil, err
		}
		return inputs, nil
	}

	var one compute.Input
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, err
	}
	return []compute.Input{one}, nil
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isUUIDv4(id string) bool {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return parsed.Version() == 4
}

