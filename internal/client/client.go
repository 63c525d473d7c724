// Package client is the typed HTTP client for the engine API, used by the
// worker and reviewer processes and by operator tooling.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kazz187/mergeguild/internal/audit"
	"github.com/kazz187/mergeguild/internal/proposal"
	"github.com/kazz187/mergeguild/internal/task"
	"github.com/kazz187/mergeguild/internal/workspace"
	"github.com/kazz187/mergeguild/pkg/cerr"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (c *Client) CreateTask(ctx context.Context, title, description string, metadata map[string]string) (*task.Task, error) {
	var t task.Task
	err := c.do(ctx, http.MethodPost, "/api/v1/tasks", map[string]any{
		"title":       title,
		"description": description,
		"metadata":    metadata,
	}, &t)
	return &t, err
}

func (c *Client) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+id, nil, &t)
	return &t, err
}

func (c *Client) ListTasks(ctx context.Context, status task.Status, owner string) ([]*task.Task, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if owner != "" {
		q.Set("owner", owner)
	}
	var resp struct {
		Tasks []*task.Task `json:"tasks"`
		Total int          `json:"total"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/tasks?"+q.Encode(), nil, &resp)
	return resp.Tasks, err
}

// Claim asks the engine for one open task. A NotFound error means the pool
// is empty; a FailedPrecondition means the workspace needs a sync first.
func (c *Client) Claim(ctx context.Context, worker string) (*task.Task, error) {
	var t task.Task
	err := c.do(ctx, http.MethodPost, "/api/v1/tasks/claim", map[string]string{"worker": worker}, &t)
	return &t, err
}

func (c *Client) Renew(ctx context.Context, taskID, worker string) (*task.Task, error) {
	var t task.Task
	err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+taskID+"/renew", map[string]string{"worker": worker}, &t)
	return &t, err
}

func (c *Client) Release(ctx context.Context, taskID, worker string) (*task.Task, error) {
	var t task.Task
	err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+taskID+"/release", map[string]string{"worker": worker}, &t)
	return &t, err
}

func (c *Client) SubmitProposal(ctx context.Context, taskID, worker, title, description string) (*proposal.Proposal, error) {
	var p proposal.Proposal
	err := c.do(ctx, http.MethodPost, "/api/v1/proposals", map[string]string{
		"task_id":     taskID,
		"worker":      worker,
		"title":       title,
		"description": description,
	}, &p)
	return &p, err
}

func (c *Client) GetProposal(ctx context.Context, id string) (*proposal.Proposal, error) {
	var p proposal.Proposal
	err := c.do(ctx, http.MethodGet, "/api/v1/proposals/"+id, nil, &p)
	return &p, err
}

func (c *Client) ListProposals(ctx context.Context, status proposal.Status, taskID string) ([]*proposal.Proposal, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if taskID != "" {
		q.Set("task_id", taskID)
	}
	var resp struct {
		Proposals []*proposal.Proposal `json:"proposals"`
		Total     int                  `json:"total"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/proposals?"+q.Encode(), nil, &resp)
	return resp.Proposals, err
}

func (c *Client) ProposalDiff(ctx context.Context, id string) (string, error) {
	var resp struct {
		Diff string `json:"diff"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/proposals/"+id+"/diff", nil, &resp)
	return resp.Diff, err
}

func (c *Client) Approve(ctx context.Context, id, reviewer, comments string) (*proposal.Proposal, error) {
	var p proposal.Proposal
	err := c.do(ctx, http.MethodPost, "/api/v1/proposals/"+id+"/approve", map[string]string{
		"reviewer": reviewer,
		"comments": comments,
	}, &p)
	return &p, err
}

func (c *Client) Reject(ctx context.Context, id, reviewer, comments string) (*proposal.Proposal, error) {
	var p proposal.Proposal
	err := c.do(ctx, http.MethodPost, "/api/v1/proposals/"+id+"/reject", map[string]string{
		"reviewer": reviewer,
		"comments": comments,
	}, &p)
	return &p, err
}

func (c *Client) Resubmit(ctx context.Context, id, author string) (*proposal.Proposal, error) {
	var p proposal.Proposal
	err := c.do(ctx, http.MethodPost, "/api/v1/proposals/"+id+"/resubmit", map[string]string{"author": author}, &p)
	return &p, err
}

// RetryMerge requeues an escalated proposal's merge.
func (c *Client) RetryMerge(ctx context.Context, id string) (*proposal.Proposal, error) {
	var p proposal.Proposal
	err := c.do(ctx, http.MethodPost, "/api/v1/proposals/"+id+"/retry", nil, &p)
	return &p, err
}

func (c *Client) RegisterWorkspace(ctx context.Context, worker, root string) (*workspace.Workspace, error) {
	var ws workspace.Workspace
	err := c.do(ctx, http.MethodPost, "/api/v1/workspaces", map[string]string{
		"worker": worker,
		"root":   root,
	}, &ws)
	return &ws, err
}

func (c *Client) SyncWorkspace(ctx context.Context, id string) (*workspace.Workspace, error) {
	var ws workspace.Workspace
	err := c.do(ctx, http.MethodPost, "/api/v1/workspaces/"+id+"/sync", nil, &ws)
	return &ws, err
}

func (c *Client) Heartbeat(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/workspaces/"+id+"/heartbeat", nil, nil)
}

func (c *Client) AuditTrail(ctx context.Context, resourceKind, resourceID string) ([]*audit.Entry, error) {
	q := url.Values{}
	if resourceKind != "" {
		q.Set("resource_kind", resourceKind)
	}
	if resourceID != "" {
		q.Set("resource_id", resourceID)
	}
	var resp struct {
		Entries []*audit.Entry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/audit?"+q.Encode(), nil, &resp)
	return resp.Entries, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return cerr.NewError(cerr.Internal, "failed to marshal request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return cerr.NewError(cerr.Internal, "failed to build request", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return cerr.NewError(cerr.Unavailable, "engine unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var wireErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(data, &wireErr); err != nil || wireErr.Code == "" {
			return cerr.NewError(cerr.Unknown, fmt.Sprintf("http %d: %s", resp.StatusCode, data), nil)
		}
		return cerr.NewError(cerr.CodeFromString(wireErr.Code), wireErr.Message, nil)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return cerr.NewError(cerr.Internal, "failed to decode response", err)
	}
	return nil
}
