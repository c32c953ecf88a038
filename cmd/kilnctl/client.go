package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/buildkite/roko"

	"github.com/kilnml/kiln/internal/model"
)

// waitRequestTimeoutS is the per-request long-poll timeout; the client keeps
// re-issuing wait requests until its own deadline.
const waitRequestTimeoutS = 30

// statusError is a non-2xx API response.
type statusError struct {
	Code    int
	Message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// apiClient is a thin JSON client for the kiln HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newClient(flags *rootFlags) *apiClient {
	return &apiClient{
		base: flags.server,
		// No client-side timeout: wait endpoints long-poll, and request
		// lifetimes are bounded by context instead.
		http: &http.Client{},
	}
}

// do performs a request and decodes the JSON response into out (when non-nil).
func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &statusError{Code: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// doJSON sends in as a JSON body.
func (c *apiClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, method, path, body, "application/json", out)
}

// ensureWorkspace registers the workspace, returning the existing one if present.
func (c *apiClient) ensureWorkspace(ctx context.Context, name string) (*model.Workspace, error) {
	var ws model.Workspace
	err := c.doJSON(ctx, http.MethodPost, "/v1/workspaces", map[string]string{"name": name}, &ws)
	if err != nil {
		return nil, fmt.Errorf("ensure workspace %q: %w", name, err)
	}
	return &ws, nil
}

// computeSpec mirrors the ensure-compute request body.
type computeSpec struct {
	Provisioner  string `json:"provisioner,omitempty"`
	Size         string `json:"size,omitempty"`
	MinNodes     int    `json:"min_nodes"`
	MaxNodes     int    `json:"max_nodes"`
	IdleTimeoutS int    `json:"idle_timeout_s,omitempty"`
}

// ensureCompute provisions-or-reuses a compute target and waits for it to be ready.
func (c *apiClient) ensureCompute(ctx context.Context, workspace, name string, spec computeSpec) (*model.ComputeTarget, error) {
	path := fmt.Sprintf("/v1/workspaces/%s/compute/%s", workspace, name)

	var ct model.ComputeTarget
	if err := c.doJSON(ctx, http.MethodPut, path, spec, &ct); err != nil {
		return nil, fmt.Errorf("ensure compute %q: %w", name, err)
	}
	if ct.State == model.ComputeReady {
		return &ct, nil
	}

	waitPath := fmt.Sprintf("%s/wait?timeout_s=%d", path, waitRequestTimeoutS)
	err := roko.NewRetrier(
		roko.WithMaxAttempts(10),
		roko.WithStrategy(roko.Constant(time.Second)),
	).DoWithContext(ctx, func(r *roko.Retrier) error {
		err := c.do(ctx, http.MethodGet, waitPath, nil, "", &ct)
		var serr *statusError
		if errors.As(err, &serr) && serr.Code != http.StatusRequestTimeout {
			r.Break()
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("wait for compute %q: %w", name, err)
	}
	return &ct, nil
}

// createPipeline registers a pipeline from a YAML spec document.
func (c *apiClient) createPipeline(ctx context.Context, workspace string, spec []byte) (*model.Pipeline, error) {
	var p model.Pipeline
	path := fmt.Sprintf("/v1/workspaces/%s/pipelines", workspace)
	if err := c.do(ctx, http.MethodPost, path, bytes.NewReader(spec), "application/yaml", &p); err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	return &p, nil
}

// submitRun submits a pipeline run under an experiment.
func (c *apiClient) submitRun(ctx context.Context, workspace, experiment, pipelineID, compute, snapshotDir string) (*model.Run, error) {
	var run model.Run
	path := fmt.Sprintf("/v1/workspaces/%s/experiments/%s/runs", workspace, experiment)
	err := c.doJSON(ctx, http.MethodPost, path, map[string]string{
		"pipeline_id":  pipelineID,
		"compute":      compute,
		"snapshot_dir": snapshotDir,
	}, &run)
	if err != nil {
		return nil, fmt.Errorf("submit run: %w", err)
	}
	return &run, nil
}

// waitRun blocks until the run reaches a terminal status, re-issuing the
// server-side long poll as needed.
func (c *apiClient) waitRun(ctx context.Context, runID string) (*model.Run, error) {
	path := fmt.Sprintf("/v1/runs/%s/wait?timeout_s=%d", runID, waitRequestTimeoutS)

	for {
		var run model.Run
		err := c.do(ctx, http.MethodGet, path, nil, "", &run)
		if err == nil {
			return &run, nil
		}

		var serr *statusError
		if errors.As(err, &serr) && serr.Code == http.StatusRequestTimeout {
			continue // Still running; poll again.
		}
		return nil, fmt.Errorf("wait for run %s: %w", runID, err)
	}
}

// runLogs fetches the persisted log history of a run.
func (c *apiClient) runLogs(ctx context.Context, runID string) ([]logLine, error) {
	var resp struct {
		Lines []logLine `json:"lines"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+runID+"/logs/history", nil, "", &resp); err != nil {
		return nil, fmt.Errorf("fetch logs: %w", err)
	}
	return resp.Lines, nil
}

type logLine struct {
	StepName string `json:"step_name"`
	Line     string `json:"line"`
}

// publishPipeline publishes a pipeline under a name.
func (c *apiClient) publishPipeline(ctx context.Context, workspace, pipelineID, name, description string) (*model.PublishedPipeline, error) {
	var pp model.PublishedPipeline
	path := fmt.Sprintf("/v1/workspaces/%s/pipelines/%s/publish", workspace, pipelineID)
	err := c.doJSON(ctx, http.MethodPost, path, map[string]string{
		"name":        name,
		"description": description,
	}, &pp)
	if err != nil {
		return nil, fmt.Errorf("publish pipeline: %w", err)
	}
	return &pp, nil
}

// listCompute returns the workspace's non-deleted compute targets.
func (c *apiClient) listCompute(ctx context.Context, workspace string) ([]*model.ComputeTarget, error) {
	var targets []*model.ComputeTarget
	path := fmt.Sprintf("/v1/workspaces/%s/compute", workspace)
	if err := c.do(ctx, http.MethodGet, path, nil, "", &targets); err != nil {
		return nil, fmt.Errorf("list compute: %w", err)
	}
	return targets, nil
}

// listRuns returns a page of the workspace's runs, optionally filtered by experiment.
func (c *apiClient) listRuns(ctx context.Context, workspace, experiment string, limit int) ([]*model.Run, int, error) {
	var resp struct {
		Runs  []*model.Run `json:"runs"`
		Total int          `json:"total"`
	}
	path := fmt.Sprintf("/v1/workspaces/%s/runs?limit=%d", workspace, limit)
	if experiment != "" {
		path += "&experiment=" + url.QueryEscape(experiment)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, "", &resp); err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	return resp.Runs, resp.Total, nil
}

// listEndpoints returns the workspace's published pipelines.
func (c *apiClient) listEndpoints(ctx context.Context, workspace string) ([]*model.PublishedPipeline, error) {
	var published []*model.PublishedPipeline
	path := fmt.Sprintf("/v1/workspaces/%s/endpoints", workspace)
	if err := c.do(ctx, http.MethodGet, path, nil, "", &published); err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	return published, nil
}

// resolveEndpoint accepts either a published pipeline ID or a published name;
// a name resolves to its highest version in the workspace.
func (c *apiClient) resolveEndpoint(ctx context.Context, workspace, ref string) (*model.PublishedPipeline, error) {
	var pp model.PublishedPipeline
	err := c.do(ctx, http.MethodGet, "/v1/endpoints/"+ref, nil, "", &pp)
	if err == nil {
		return &pp, nil
	}
	var serr *statusError
	if !errors.As(err, &serr) || serr.Code != http.StatusNotFound {
		return nil, fmt.Errorf("resolve endpoint %q: %w", ref, err)
	}

	published, err := c.listEndpoints(ctx, workspace)
	if err != nil {
		return nil, err
	}
	var latest *model.PublishedPipeline
	for _, p := range published {
		if p.Name == ref && (latest == nil || p.Version > latest.Version) {
			latest = p
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("no endpoint named %q in workspace %s", ref, workspace)
	}
	return latest, nil
}

// invokeEndpoint submits a run through a published pipeline endpoint.
func (c *apiClient) invokeEndpoint(ctx context.Context, endpointID, experiment, compute, snapshotDir string) (*model.Run, error) {
	var run model.Run
	err := c.doJSON(ctx, http.MethodPost, "/v1/endpoints/"+endpointID, map[string]string{
		"experiment":   experiment,
		"compute":      compute,
		"snapshot_dir": snapshotDir,
	}, &run)
	if err != nil {
		return nil, fmt.Errorf("invoke endpoint: %w", err)
	}
	return &run, nil
}

// deleteCompute starts teardown of a compute target.
func (c *apiClient) deleteCompute(ctx context.Context, workspace, name string) (*model.ComputeTarget, error) {
	var ct model.ComputeTarget
	path := fmt.Sprintf("/v1/workspaces/%s/compute/%s", workspace, name)
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, &ct); err != nil {
		return nil, fmt.Errorf("delete compute %q: %w", name, err)
	}
	return &ct, nil
}
