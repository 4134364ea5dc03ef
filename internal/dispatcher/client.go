package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"taskengine/internal/domain"
	"taskengine/internal/executor"
)

const DefaultRequestTimeout = 30 * time.Second

// Client triggers runs through the service's POST /tasks/{id}/run endpoint.
type Client struct {
	base        string
	token       string
	workerID    string
	lockTimeout time.Duration
	http        *http.Client
}

type ClientOption func(*Client)

// WithWorkerID sets the worker_id the service records on claimed rows.
func WithWorkerID(id string) ClientOption {
	return func(c *Client) { c.workerID = id }
}

func WithLockTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.lockTimeout = d }
}

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

func NewClient(baseURL, token string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid API base url %q", baseURL)
	}
	c := &Client{
		base:  u.String(),
		token: token,
		http:  &http.Client{Timeout: DefaultRequestTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Run asks the service to claim and execute one task. A 409 maps to
// executor.ErrNotClaimable.
func (c *Client) Run(ctx context.Context, taskID string) (domain.Task, error) {
	q := url.Values{}
	if c.workerID != "" {
		q.Set("worker_id", c.workerID)
	}
	if c.lockTimeout > 0 {
		q.Set("lock_timeout_sec", strconv.Itoa(int(c.lockTimeout/time.Second)))
	}
	endpoint := c.base + "/tasks/" + url.PathEscape(taskID) + "/run"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return domain.Task{}, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Task{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		_, _ = io.Copy(io.Discard, resp.Body)
		return domain.Task{}, executor.ErrNotClaimable
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return domain.Task{}, fmt.Errorf("run %s: HTTP %d: %s", taskID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var t domain.Task
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return domain.Task{}, fmt.Errorf("decode run response: %w", err)
	}
	return t, nil
}
