// Package client is a Go client for the throttled HTTP API. It covers the
// raw operations (Acquire, Release, Heartbeat, introspection) plus Hold, a
// helper that keeps a lease alive with background heartbeats.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Drizzley/throttle/internal/protocol"
)

// ErrTimeout is returned by Acquire when the server reports that the wait
// deadline elapsed before admission. Callers may retry.
var ErrTimeout = errors.New("wait deadline elapsed before admission")

// APIError is any non-timeout error response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client. The client's Timeout
// must exceed the longest wait passed to Acquire, or be zero.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestTimeout {
		return ErrTimeout
	}
	if resp.StatusCode >= 400 {
		var apiErr protocol.Error
		data, _ := io.ReadAll(io.LimitReader(resp.Body, protocol.MaxBodyBytes))
		if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Acquire requests a lease over demands. The server blocks up to wait when
// the request cannot be admitted immediately; wait zero means fail fast.
func (c *Client) Acquire(ctx context.Context, demands map[string]int64, ttl, wait time.Duration) (string, error) {
	req := protocol.AcquireRequest{
		Demands: demands,
		TTL:     protocol.Duration(ttl),
		Wait:    protocol.Duration(wait),
	}
	var resp protocol.AcquireResponse
	if err := c.do(ctx, http.MethodPost, "/acquire", &req, &resp); err != nil {
		return "", err
	}
	return resp.LeaseID, nil
}

// Release frees the lease. Releasing a lease the server no longer knows is
// not an error; either way it is gone.
func (c *Client) Release(ctx context.Context, leaseID string) error {
	return c.do(ctx, http.MethodDelete, "/leases/"+url.PathEscape(leaseID), nil, nil)
}

// Heartbeat extends the lease expiry to now + ttl on the server.
func (c *Client) Heartbeat(ctx context.Context, leaseID string, ttl time.Duration) error {
	req := protocol.HeartbeatRequest{TTL: protocol.Duration(ttl)}
	return c.do(ctx, http.MethodPut, "/leases/"+url.PathEscape(leaseID), &req, nil)
}

// Remainder returns the unclaimed capacity of one semaphore.
func (c *Client) Remainder(ctx context.Context, semaphore string) (int64, error) {
	var remainder int64
	path := "/remainder?semaphore=" + url.QueryEscape(semaphore)
	if err := c.do(ctx, http.MethodGet, path, nil, &remainder); err != nil {
		return 0, err
	}
	return remainder, nil
}

// SemaphoreStatus mirrors the per-semaphore part of GET /snapshot.
type SemaphoreStatus struct {
	Capacity int64 `json:"capacity"`
	Held     int64 `json:"held"`
	Pending  int64 `json:"pending"`
}

// Snapshot mirrors GET /snapshot.
type Snapshot struct {
	Semaphores  map[string]SemaphoreStatus `json:"semaphores"`
	QueueLength int                        `json:"queue_length"`
	Leases      int                        `json:"leases"`
}

// Snapshot fetches the server's current usage view.
func (c *Client) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	if err := c.do(ctx, http.MethodGet, "/snapshot", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// RemoveExpired asks the server to collect expired leases immediately and
// returns how many it removed. Mostly useful in tests.
func (c *Client) RemoveExpired(ctx context.Context) (int, error) {
	var removed int
	if err := c.do(ctx, http.MethodPost, "/remove_expired", nil, &removed); err != nil {
		return 0, err
	}
	return removed, nil
}

// Hold is a live lease kept valid by background heartbeats.
type Hold struct {
	LeaseID string

	client  *Client
	stop    context.CancelFunc
	done    chan struct{}
	beatErr error // written only by beat, read only after done is closed
}

// Hold acquires a lease and heartbeats it every ttl/2 until Release is
// called. Use it when the protected work outlives a single TTL.
func (c *Client) Hold(ctx context.Context, demands map[string]int64, ttl, wait time.Duration) (*Hold, error) {
	leaseID, err := c.Acquire(ctx, demands, ttl, wait)
	if err != nil {
		return nil, err
	}
	beatCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	h := &Hold{
		LeaseID: leaseID,
		client:  c,
		stop:    stop,
		done:    make(chan struct{}),
	}
	go h.beat(beatCtx, ttl)
	return h, nil
}

func (h *Hold) beat(ctx context.Context, ttl time.Duration) {
	defer close(h.done)
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.client.Heartbeat(ctx, h.LeaseID, ttl); err != nil && ctx.Err() == nil {
				h.beatErr = err
				return
			}
		}
	}
}

// Release stops the heartbeat loop and frees the lease. It returns the
// first heartbeat failure, if any, since that may mean the lease already
// expired and the protected resource was not exclusively held.
func (h *Hold) Release(ctx context.Context) error {
	h.stop()
	<-h.done
	if err := h.client.Release(ctx, h.LeaseID); err != nil {
		return err
	}
	return h.beatErr
}
