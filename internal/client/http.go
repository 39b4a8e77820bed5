package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/alfredjeanlab/paygate/internal/events"
	"github.com/alfredjeanlab/paygate/internal/gate"
	"github.com/alfredjeanlab/paygate/internal/model"
	"github.com/alfredjeanlab/paygate/internal/presence"
)

const userAgent = "paygate-cli"

// ErrNotFound matches, via errors.Is, any APIError carrying a 404.
var ErrNotFound = errors.New("not found")

// HTTPClient talks to the paygate REST API.
type HTTPClient struct {
	base  string
	token string
	hc    *http.Client
}

// NewHTTPClient targets base, e.g. "http://localhost:8080". A non-empty
// token is sent as a bearer token on every request.
func NewHTTPClient(base, token string) *HTTPClient {
	return &HTTPClient{base: strings.TrimRight(base, "/"), token: token, hc: &http.Client{}}
}

func (c *HTTPClient) Close() error { return nil }

// call describes one API request.
type call struct {
	method string
	path   string
	query  url.Values
	in     any
	header http.Header
}

// send performs the request and turns 4xx/5xx into *APIError. The caller
// closes the body on success.
func (c *HTTPClient) send(ctx context.Context, k call) (*http.Response, error) {
	var body io.Reader
	if k.in != nil {
		b, err := json.Marshal(k.in)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", k.method, k.path, err)
		}
		body = bytes.NewReader(b)
	}
	target := c.base + k.path
	if len(k.query) > 0 {
		target += "?" + k.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, k.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", k.method, k.path, err)
	}
	for name, vals := range k.header {
		req.Header[name] = vals
	}
	if k.in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", k.method, k.path, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, newAPIError(resp.StatusCode, raw)
	}
	return resp, nil
}

// do sends k and decodes a JSON reply into out when out is non-nil.
func (c *HTTPClient) do(ctx context.Context, k call, out any) error {
	resp, err := c.send(ctx, k)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", k.method, k.path, err)
	}
	return nil
}

func (c *HTTPClient) PostSignal(ctx context.Context, ev events.SignalEvent) error {
	return c.do(ctx, call{method: http.MethodPost, path: "/v1/signals", in: ev}, nil)
}

func (c *HTTPClient) SetForeground(ctx context.Context, foreground bool) error {
	return c.do(ctx, call{method: http.MethodPut, path: "/v1/lifecycle", in: events.LifecycleEvent{Foreground: foreground}}, nil)
}

func (c *HTTPClient) SendFeedback(ctx context.Context, decisionID string, outcome model.Outcome) error {
	return c.do(ctx, call{
		method: http.MethodPost,
		path:   "/v1/decisions/" + url.PathEscape(decisionID) + "/feedback",
		in:     map[string]model.Outcome{"outcome": outcome},
	}, nil)
}

// ListDecisions returns recorded decisions, newest first. limit 0 asks for
// all of them; a negative limit leaves the server's default cap.
func (c *HTTPClient) ListDecisions(ctx context.Context, limit int) ([]*model.DecisionRecord, error) {
	var out struct {
		Decisions []*model.DecisionRecord `json:"decisions"`
	}
	k := call{method: http.MethodGet, path: "/v1/decisions"}
	if limit >= 0 {
		k.query = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	if err := c.do(ctx, k, &out); err != nil {
		return nil, err
	}
	return out.Decisions, nil
}

// StreamDecisions follows the server-sent event stream, calling fn per
// event. It returns nil when ctx ends or the server closes the stream, and
// fn's error if fn fails.
func (c *HTTPClient) StreamDecisions(ctx context.Context, req *StreamRequest, fn func(StreamEvent) error) error {
	k := call{
		method: http.MethodGet,
		path:   "/v1/decisions/stream",
		header: http.Header{"Accept": {"text/event-stream"}},
	}
	if req != nil {
		if len(req.Topics) > 0 {
			k.query = url.Values{"topics": {strings.Join(req.Topics, ",")}}
		}
		if req.LastEventID != "" {
			k.header.Set("Last-Event-ID", req.LastEventID)
		}
	}
	resp, err := c.send(ctx, k)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer resp.Body.Close()

	err = readSSE(resp.Body, fn)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readSSE understands id, event and data fields; a blank line dispatches
// the event and comment lines are ignored.
func readSSE(r io.Reader, fn func(StreamEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var ev StreamEvent
	var data [][]byte
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if ev.Topic != "" || len(data) > 0 {
				ev.Data = bytes.Join(data, []byte{'\n'})
				if err := fn(ev); err != nil {
					return err
				}
			}
			ev, data = StreamEvent{}, nil
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		switch field {
		case "id":
			ev.ID = strings.TrimSpace(value)
		case "event":
			ev.Topic = strings.TrimSpace(value)
		case "data":
			data = append(data, []byte(strings.TrimPrefix(value, " ")))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}

func (c *HTTPClient) GetState(ctx context.Context) (*gate.Snapshot, error) {
	var snap gate.Snapshot
	if err := c.do(ctx, call{method: http.MethodGet, path: "/v1/state"}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *HTTPClient) ClearState(ctx context.Context) error {
	return c.do(ctx, call{method: http.MethodDelete, path: "/v1/state"}, nil)
}

func (c *HTTPClient) ListSources(ctx context.Context, staleSecs int) ([]presence.Entry, error) {
	var out struct {
		Sources []presence.Entry `json:"sources"`
	}
	k := call{method: http.MethodGet, path: "/v1/sources"}
	if staleSecs > 0 {
		k.query = url.Values{"stale_secs": {strconv.Itoa(staleSecs)}}
	}
	if err := c.do(ctx, k, &out); err != nil {
		return nil, err
	}
	return out.Sources, nil
}

// Health returns the server's status string ("ok" or "degraded").
func (c *HTTPClient) Health(ctx context.Context) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, call{method: http.MethodGet, path: "/v1/health"}, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// APIError is a non-2xx reply. Message is the server's "error" field, or
// the raw body when there is none.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func newAPIError(status int, body []byte) *APIError {
	var reply struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &reply) == nil && reply.Error != "" {
		return &APIError{StatusCode: status, Message: reply.Error}
	}
	return &APIError{StatusCode: status, Message: string(body)}
}
