// Package upstream is the TaskNexus API client. Every client instance is
// bound to exactly one user's credential and routes all calls through its own
// resilience pipeline; the circuit breaker and rate limiter behind that
// pipeline are shared across all users of the same TaskNexus deployment.
//
// TaskNexus is RPC-styled on the wire: most responses arrive as HTTP 200
// with an application envelope {code, msg, data}, so classification reads
// the envelope before deciding success.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tasknexus/mcp-bridge/pkg/pipeline"
)

const defaultTimeout = 30 * time.Second

// Account identifies a TaskNexus user. UserID is stable across logins and is
// used as the OAuth subject.
type Account struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// Objective is an OKR objective.
type Objective struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	OwnerID  string  `json:"owner_id"`
	Period   string  `json:"period"`
	Progress float64 `json:"progress"`
}

// Task is a work item attached to an objective.
type Task struct {
	ID          string `json:"id"`
	ObjectiveID string `json:"objective_id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	AssigneeID  string `json:"assignee_id"`
	DueDate     string `json:"due_date,omitempty"`
}

// TaskInput is the payload for creating a task.
type TaskInput struct {
	ObjectiveID string `json:"objective_id"`
	Title       string `json:"title"`
	AssigneeID  string `json:"assignee_id,omitempty"`
	DueDate     string `json:"due_date,omitempty"`
}

// envelope is the TaskNexus response wrapper. Code zero means success;
// anything else classifies per pipeline.ClassifyCode even when the HTTP
// status is 200.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Client is a per-user TaskNexus API client.
type Client struct {
	baseURL    string
	credential string
	httpClient *http.Client
	pipe       *pipeline.Pipeline
	log        logrus.FieldLogger
}

// NewClient builds a client bound to one user's credential. breaker and
// limiter are the shared per-target instances.
func NewClient(baseURL, credential string, cfg pipeline.Config, breaker *pipeline.Breaker, limiter *pipeline.Limiter, log logrus.FieldLogger) *Client {
	return &Client{
		baseURL:    baseURL,
		credential: credential,
		httpClient: &http.Client{Timeout: defaultTimeout},
		pipe:       pipeline.New(cfg, breaker, limiter, log),
		log:        log,
	}
}

// do runs one API call through the pipeline and decodes the envelope data
// into out.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body any, out any, mutating bool) error {
	data, err := c.pipe.Do(ctx, pipeline.Call{
		Op:       op,
		Mutating: mutating,
		Transport: func(ctx context.Context) ([]byte, error) {
			return c.exchange(ctx, op, method, path, query, body)
		},
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &pipeline.Error{
			Kind: pipeline.KindInternal,
			Op:   op,
			Hint: "upstream returned an unexpected payload",
			Err:  fmt.Errorf("failed to decode response data: %w", err),
		}
	}
	return nil
}

// exchange performs a single HTTP round trip and classifies the outcome
// before any success determination.
func (c *Client) exchange(ctx context.Context, op, method, path string, query url.Values, body any) ([]byte, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, &pipeline.Error{
				Kind: pipeline.KindInternal,
				Op:   op,
				Hint: "internal error building the request",
				Err:  fmt.Errorf("failed to marshal request body: %w", err),
			}
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, &pipeline.Error{
			Kind: pipeline.KindInternal,
			Op:   op,
			Hint: "internal error building the request",
			Err:  err,
		}
	}
	req.Header.Set("Authorization", "Bearer "+c.credential)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.log.WithFields(logrus.Fields{"op": op, "method": method, "path": path}).Debug("upstream request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err // classified by the pipeline
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &pipeline.Error{
			Kind: pipeline.ClassifyStatus(resp.StatusCode),
			Op:   op,
			Hint: hintForKind(pipeline.ClassifyStatus(resp.StatusCode)),
			Err:  fmt.Errorf("upstream returned HTTP %d", resp.StatusCode),
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &pipeline.Error{
			Kind: pipeline.KindInternal,
			Op:   op,
			Hint: "upstream returned an unexpected payload",
			Err:  fmt.Errorf("failed to decode envelope: %w", err),
		}
	}
	if env.Code != pipeline.CodeOK {
		kind := pipeline.ClassifyCode(env.Code)
		return nil, &pipeline.Error{
			Kind: kind,
			Op:   op,
			Hint: hintForKind(kind),
			Err:  fmt.Errorf("upstream code %d: %s", env.Code, env.Msg),
		}
	}
	return env.Data, nil
}

func hintForKind(kind pipeline.Kind) string {
	switch kind {
	case pipeline.KindAuth:
		return "upstream rejected the stored credential, re-authenticate"
	case pipeline.KindNotFound:
		return "the requested entity does not exist"
	case pipeline.KindInvalid:
		return "upstream rejected the request as invalid"
	case pipeline.KindTransient:
		return "upstream is temporarily unavailable, try again"
	default:
		return "upstream call failed"
	}
}

// Whoami returns the account bound to this client's credential.
func (c *Client) Whoami(ctx context.Context) (*Account, error) {
	var account Account
	if err := c.do(ctx, "whoami", http.MethodGet, "/v1/whoami", nil, nil, &account, false); err != nil {
		return nil, err
	}
	return &account, nil
}

// ListObjectives returns the objectives visible to this user.
func (c *Client) ListObjectives(ctx context.Context) ([]Objective, error) {
	var objectives []Objective
	if err := c.do(ctx, "list_objectives", http.MethodGet, "/v1/objectives", nil, nil, &objectives, false); err != nil {
		return nil, err
	}
	return objectives, nil
}

// GetObjective returns one objective by ID.
func (c *Client) GetObjective(ctx context.Context, id string) (*Objective, error) {
	var objective Objective
	if err := c.do(ctx, "get_objective", http.MethodGet, "/v1/objectives/"+url.PathEscape(id), nil, nil, &objective, false); err != nil {
		return nil, err
	}
	return &objective, nil
}

// ListTasks returns the tasks of an objective.
func (c *Client) ListTasks(ctx context.Context, objectiveID string) ([]Task, error) {
	query := url.Values{"objective_id": []string{objectiveID}}
	var tasks []Task
	if err := c.do(ctx, "list_tasks", http.MethodGet, "/v1/tasks", query, nil, &tasks, false); err != nil {
		return nil, err
	}
	return tasks, nil
}

// CreateTask creates a task. Mutating: never retried automatically.
func (c *Client) CreateTask(ctx context.Context, input TaskInput) (*Task, error) {
	var task Task
	if err := c.do(ctx, "create_task", http.MethodPost, "/v1/tasks", nil, input, &task, true); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTaskStatus moves a task to a new status. Mutating: never retried.
func (c *Client) UpdateTaskStatus(ctx context.Context, id, status string) (*Task, error) {
	var task Task
	body := map[string]string{"status": status}
	if err := c.do(ctx, "update_task", http.MethodPatch, "/v1/tasks/"+url.PathEscape(id), nil, body, &task, true); err != nil {
		return nil, err
	}
	return &task, nil
}

// ValidateCredential checks an API key against TaskNexus's own
// authentication and resolves the account it belongs to. Used by the login
// step; deliberately not pipelined — authorization-server operations are
// fail-fast and never retried.
func ValidateCredential(ctx context.Context, baseURL, apiKey string) (*Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/whoami", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build validation request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")

	client := &http.Client{Timeout: defaultTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("credential validation failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("credential validation failed: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &pipeline.Error{
			Kind: pipeline.KindAuth,
			Op:   "validate_credential",
			Hint: "TaskNexus rejected the API key",
			Err:  fmt.Errorf("upstream returned HTTP %d", resp.StatusCode),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("credential validation failed: upstream returned HTTP %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("credential validation failed: malformed response: %w", err)
	}
	if env.Code != pipeline.CodeOK {
		if pipeline.ClassifyCode(env.Code) == pipeline.KindAuth {
			return nil, &pipeline.Error{
				Kind: pipeline.KindAuth,
				Op:   "validate_credential",
				Hint: "TaskNexus rejected the API key",
				Err:  fmt.Errorf("upstream code %d: %s", env.Code, env.Msg),
			}
		}
		return nil, fmt.Errorf("credential validation failed: upstream code %d: %s", env.Code, env.Msg)
	}

	var account Account
	if err := json.Unmarshal(env.Data, &account); err != nil {
		return nil, fmt.Errorf("credential validation failed: malformed account: %w", err)
	}
	if account.UserID == "" {
		return nil, fmt.Errorf("credential validation failed: upstream returned no user ID")
	}
	return &account, nil
}
