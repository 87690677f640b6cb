package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/droverhq/drover/pkg/errdefs"
	"github.com/droverhq/drover/pkg/types"
)

// Client talks to a drover agent's control API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the agent at baseURL, e.g. "http://127.0.0.1:7700".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitPromptRequest mirrors the prompt-submission payload.
type SubmitPromptRequest struct {
	Content           string   `json:"content"`
	Source            string   `json:"source"`
	Priority          int      `json:"priority"`
	TargetSession     string   `json:"target_session,omitempty"`
	TargetProvider    string   `json:"target_provider,omitempty"`
	FallbackProviders []string `json:"fallback_providers,omitempty"`
	MaxRetries        int      `json:"max_retries,omitempty"`
	TimeoutSeconds    int      `json:"timeout_seconds,omitempty"`
}

func (c *Client) SubmitPrompt(req SubmitPromptRequest) (*types.Prompt, error) {
	var out struct {
		Prompt *types.Prompt `json:"prompt"`
	}
	if err := c.do(http.MethodPost, "/v1/prompts", req, &out); err != nil {
		return nil, err
	}
	return out.Prompt, nil
}

func (c *Client) ListPrompts(status string) ([]*types.Prompt, error) {
	path := "/v1/prompts"
	if status != "" {
		path += "?status=" + status
	}
	var out struct {
		Prompts []*types.Prompt `json:"prompts"`
	}
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Prompts, nil
}

func (c *Client) GetPrompt(id int64) (*types.Prompt, error) {
	var out struct {
		Prompt *types.Prompt `json:"prompt"`
	}
	if err := c.do(http.MethodGet, fmt.Sprintf("/v1/prompts/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return out.Prompt, nil
}

func (c *Client) RetryPrompt(id int64) (bool, error) {
	var out struct {
		Retried bool `json:"retried"`
	}
	if err := c.do(http.MethodPost, fmt.Sprintf("/v1/prompts/%d/retry", id), nil, &out); err != nil {
		return false, err
	}
	return out.Retried, nil
}

func (c *Client) RetryAllFailed() (int, error) {
	var out struct {
		Retried int `json:"retried"`
	}
	if err := c.do(http.MethodPost, "/v1/prompts/retry_all", nil, &out); err != nil {
		return 0, err
	}
	return out.Retried, nil
}

func (c *Client) ReassignPrompt(id int64, targetSession string) error {
	body := map[string]string{"target_session": targetSession}
	return c.do(http.MethodPost, fmt.Sprintf("/v1/prompts/%d/reassign", id), body, nil)
}

func (c *Client) CancelPrompt(id int64) error {
	return c.do(http.MethodPost, fmt.Sprintf("/v1/prompts/%d/cancel", id), nil, nil)
}

func (c *Client) PromptHistory(id int64) ([]*types.HistoryEntry, error) {
	var out struct {
		History []*types.HistoryEntry `json:"history"`
	}
	if err := c.do(http.MethodGet, fmt.Sprintf("/v1/prompts/%d/history", id), nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

func (c *Client) ListSessions() ([]*types.Session, error) {
	var out struct {
		Sessions []*types.Session `json:"sessions"`
	}
	if err := c.do(http.MethodGet, "/v1/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// RegisterSessionRequest mirrors the session-registration payload.
type RegisterSessionRequest struct {
	Name       string   `json:"name"`
	Provider   string   `json:"provider"`
	WorkingDir string   `json:"working_dir,omitempty"`
	NodeID     string   `json:"node_id,omitempty"`
	Idle       []string `json:"idle_markers,omitempty"`
	Busy       []string `json:"busy_markers,omitempty"`
	Waiting    []string `json:"waiting_markers,omitempty"`
}

func (c *Client) RegisterSession(req RegisterSessionRequest) error {
	return c.do(http.MethodPost, "/v1/sessions", req, nil)
}

func (c *Client) RemoveSession(name string) error {
	return c.do(http.MethodDelete, "/v1/sessions/"+name, nil, nil)
}

func (c *Client) ExcludeSession(name string, excluded bool) error {
	body := map[string]bool{"excluded": excluded}
	return c.do(http.MethodPost, "/v1/sessions/"+name+"/exclude", body, nil)
}

func (c *Client) SupervisorStatus() ([]*types.ServiceStatus, error) {
	var out struct {
		Services []*types.ServiceStatus `json:"services"`
	}
	if err := c.do(http.MethodGet, "/v1/supervisor/status", nil, &out); err != nil {
		return nil, err
	}
	return out.Services, nil
}

func (c *Client) StartService(id string) error {
	return c.do(http.MethodPost, "/v1/services/"+id+"/start", nil, nil)
}

func (c *Client) StopService(id string) error {
	return c.do(http.MethodPost, "/v1/services/"+id+"/stop", nil, nil)
}

func (c *Client) RestartService(id string) error {
	return c.do(http.MethodPost, "/v1/services/"+id+"/restart", nil, nil)
}

// ClusterStatus is the operator view of the cluster.
type ClusterStatus struct {
	Role      types.NodeRole         `json:"role"`
	Nodes     []*types.Node          `json:"nodes"`
	Failovers []*types.FailoverEntry `json:"failovers"`
}

func (c *Client) ClusterStatus() (*ClusterStatus, error) {
	var out ClusterStatus
	if err := c.do(http.MethodGet, "/v1/cluster/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RegisterNode(node *types.Node) error {
	return c.do(http.MethodPost, "/v1/cluster/nodes", node, nil)
}

// AllocateRequest mirrors the resource-allocation payload.
type AllocateRequest struct {
	ResourceType  string `json:"resource_type"`
	Requester     string `json:"requester"`
	PreferredNode string `json:"preferred_node,omitempty"`
	Priority      int    `json:"priority,omitempty"`
}

func (c *Client) Allocate(req AllocateRequest) (*types.Allocation, error) {
	var out struct {
		Allocation *types.Allocation `json:"allocation"`
	}
	if err := c.do(http.MethodPost, "/v1/cluster/allocations", req, &out); err != nil {
		return nil, err
	}
	return out.Allocation, nil
}

func (c *Client) Release(id string) (bool, error) {
	var out struct {
		Released bool `json:"released"`
	}
	if err := c.do(http.MethodDelete, "/v1/cluster/allocations/"+id, nil, &out); err != nil {
		return false, err
	}
	return out.Released, nil
}

func (c *Client) ReloadConfig() error {
	return c.do(http.MethodPost, "/v1/config/reload", nil, nil)
}

// do performs one request and decodes the envelope. Non-2xx statuses
// come back as kinded errors so the CLI can map exit codes.
func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransport, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransport, "read response from %s", path)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var envelope struct {
			Error string `json:"error"`
		}
		json.Unmarshal(data, &envelope)
		msg := envelope.Error
		if msg == "" {
			msg = resp.Status
		}
		switch resp.StatusCode {
		case http.StatusNotFound:
			return errdefs.New(errdefs.KindNotFound, "%s", msg)
		case http.StatusConflict:
			return errdefs.New(errdefs.KindInvalidState, "%s", msg)
		case http.StatusBadRequest:
			return errdefs.New(errdefs.KindConfig, "%s", msg)
		case http.StatusServiceUnavailable:
			return errdefs.New(errdefs.KindResourceExhausted, "%s", msg)
		case http.StatusGatewayTimeout:
			return errdefs.New(errdefs.KindTimeout, "%s", msg)
		default:
			return errdefs.New(errdefs.KindTransport, "%s", msg)
		}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
