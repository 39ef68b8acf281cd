package taskapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/novel2anime/internal/observability"
	"github.com/ent0n29/novel2anime/internal/reliability"
	"github.com/ent0n29/novel2anime/internal/tasks"
)

const (
	OpCreate    = "create"
	OpGet       = "get"
	OpList      = "list"
	OpDelete    = "delete"
	OpArtifacts = "artifacts"
)

// APIError is any non-2xx response, transport failure or malformed body from
// the remote task API.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString("task api ")
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *APIError) Unwrap() error { return e.Err }

// Transient reports whether retrying the same call later may succeed.
func (e *APIError) Transient() bool {
	if e.StatusCode != 0 {
		return reliability.IsRetryableHTTPStatus(e.StatusCode)
	}
	if e.Err == nil {
		return false
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(e.Err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(e.Err, &urlErr)
}

// Client talks to the remote task API over JSON/HTTP.
type Client struct {
	baseURL string
	client  *http.Client
	metrics *observability.Metrics
}

func NewClient(baseURL string, timeout time.Duration, metrics *observability.Metrics) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
		metrics: metrics,
	}
}

type createRequest struct {
	Name  string `json:"name"`
	Novel string `json:"novel"`
}

type createResponse struct {
	ID string `json:"id"`
}

type wireTask struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	StatusDesc string `json:"statusDesc"`
}

type listResponse struct {
	Tasks []wireTask `json:"tasks"`
}

type deleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// CreateTask submits novel text and returns the server-assigned id.
func (c *Client) CreateTask(ctx context.Context, name, novel string) (string, error) {
	var out createResponse
	if err := c.do(ctx, OpCreate, http.MethodPost, "/v1/tasks/", createRequest{Name: name, Novel: novel}, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", &APIError{Op: OpCreate, Message: "response missing id"}
	}
	return out.ID, nil
}

// GetTask returns the current status of one task. Name may be empty.
func (c *Client) GetTask(ctx context.Context, id string) (tasks.Task, error) {
	var out wireTask
	if err := c.do(ctx, OpGet, http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return tasks.Task{}, err
	}
	if out.ID == "" {
		out.ID = id
	}
	return toTask(OpGet, out)
}

// ListTasks returns tasks in server order.
func (c *Client) ListTasks(ctx context.Context) ([]tasks.Task, error) {
	var out listResponse
	if err := c.do(ctx, OpList, http.MethodGet, "/v1/tasks/", nil, &out); err != nil {
		return nil, err
	}
	list := make([]tasks.Task, 0, len(out.Tasks))
	for _, wt := range out.Tasks {
		if wt.ID == "" {
			continue
		}
		t, err := toTask(OpList, wt)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, nil
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	var out deleteResponse
	if err := c.do(ctx, OpDelete, http.MethodDelete, "/v1/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return err
	}
	if !out.Success {
		msg := out.Message
		if msg == "" {
			msg = "delete rejected"
		}
		return &APIError{Op: OpDelete, Message: msg}
	}
	return nil
}

// GetArtifacts fetches the scene bundle for a finished task.
func (c *Client) GetArtifacts(ctx context.Context, id string) (*tasks.Artifacts, error) {
	var out tasks.Artifacts
	if err := c.do(ctx, OpArtifacts, http.MethodGet, "/v1/tasks/"+url.PathEscape(id)+"/artifacts", nil, &out); err != nil {
		return nil, err
	}
	if out.Scenes == nil {
		out.Scenes = []tasks.Scene{}
	}
	return &out, nil
}

func toTask(op string, wt wireTask) (tasks.Task, error) {
	status, err := tasks.ParseStatus(strings.TrimSpace(wt.Status))
	if err != nil {
		return tasks.Task{}, &APIError{Op: op, Message: "malformed response", Err: err}
	}
	return tasks.Task{
		ID:         wt.ID,
		Name:       strings.TrimSpace(wt.Name),
		Status:     status,
		StatusDesc: wt.StatusDesc,
	}, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) (err error) {
	started := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			if errors.Is(err, context.Canceled) {
				outcome = "canceled"
			}
		}
		c.metrics.ObserveAPICall(op, outcome, time.Since(started))
	}()

	var reader io.Reader
	if body != nil {
		payload, mErr := json.Marshal(body)
		if mErr != nil {
			return &APIError{Op: op, Message: "marshal request", Err: mErr}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &APIError{Op: op, Message: "create request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log.Printf("api request: %s %s", method, path)
	res, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			return ctxErr
		}
		return &APIError{Op: op, Err: err}
	}
	defer res.Body.Close()
	log.Printf("api response: %d %s", res.StatusCode, path)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &APIError{Op: op, StatusCode: res.StatusCode, Message: serverMessage(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 16<<20)).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return &APIError{Op: op, StatusCode: res.StatusCode, Message: "empty response body"}
		}
		return &APIError{Op: op, StatusCode: res.StatusCode, Message: "malformed response", Err: err}
	}
	return nil
}

func serverMessage(raw []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, k := range []string{"error", "message", "detail"} {
			if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return strings.TrimSpace(string(raw))
}
