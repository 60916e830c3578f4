// Package client talks to a relay over HTTP on behalf of the CLI. It signs
// requests as a device or presents a mobile bearer token.
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
	"time"

	"github.com/joss/crabrelay/internal/auth"
	"github.com/joss/crabrelay/internal/directory"
	"github.com/joss/crabrelay/internal/protocol"
	"github.com/joss/crabrelay/internal/relay"
)

// APIError is a non-2xx relay response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("relay returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// HasCode reports whether err is an APIError with the given code.
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client is a relay API client.
type Client struct {
	base       string
	http       *http.Client
	token      string
	deviceID   string
	secretHash string
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithToken authenticates with a mobile bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithDevice signs every request as device id with its secret hash.
func WithDevice(id, secretHash string) Option {
	return func(c *Client) {
		c.deviceID = id
		c.secretHash = secretHash
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the relay at base (e.g. http://localhost:8787).
func New(base string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{},
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the relay URL the client targets.
func (c *Client) BaseURL() string {
	return c.base
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.deviceID != "":
		auth.SignRequest(req, c.deviceID, c.secretHash, c.now())
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp, nil
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

// do sends a JSON request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return 0, err
	}
	resp, err := c.send(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Health checks the relay and its directory.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	return err
}

// RegisterDevice registers a device with the relay.
func (c *Client) RegisterDevice(ctx context.Context, id, secretHash, name string) (*directory.Device, error) {
	var d directory.Device
	body := map[string]string{"device_id": id, "secret_hash": secretHash, "name": name}
	if _, err := c.do(ctx, http.MethodPost, "/api/devices", body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Created is the relay's answer to a session create.
type Created struct {
	ID    string `json:"id"`
	WSURL string `json:"ws_url"`
}

// CreateSession creates or looks up a session. created is false when the
// session already existed.
func (c *Client) CreateSession(ctx context.Context, in directory.NewSession) (Created, bool, error) {
	var out Created
	status, err := c.do(ctx, http.MethodPost, "/api/sessions", in, &out)
	return out, status == http.StatusCreated, err
}

// Sessions lists the caller's sessions that have a desktop connected.
func (c *Client) Sessions(ctx context.Context) ([]protocol.SessionSummary, error) {
	var out struct {
		Sessions []protocol.SessionSummary `json:"sessions"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// History lists the caller's directory records, newest first.
func (c *Client) History(ctx context.Context, limit, offset int) ([]*directory.Session, error) {
	q := url.Values{"history": {"1"}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var out struct {
		Sessions []*directory.Session `json:"sessions"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/sessions?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func sessionPath(id string, parts ...string) string {
	p := "/api/sessions/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// State returns a session's diagnostics.
func (c *Client) State(ctx context.Context, id string) (relay.Diagnostics, error) {
	var d relay.Diagnostics
	_, err := c.do(ctx, http.MethodGet, sessionPath(id, "state"), nil, &d)
	return d, err
}

// Answer sends free text to the session's desktop.
func (c *Client) Answer(ctx context.Context, id, text string) error {
	_, err := c.do(ctx, http.MethodPost, sessionPath(id, "answer"), map[string]string{"text": text}, nil)
	return err
}

// Key sends a key command to the session's desktop.
func (c *Client) Key(ctx context.Context, id, key string) error {
	_, err := c.do(ctx, http.MethodPost, sessionPath(id, "key"), map[string]string{"key": key}, nil)
	return err
}

// Share mints (or returns) the session's share link.
func (c *Client) Share(ctx context.Context, id string) (token, link string, err error) {
	var out struct {
		Token string `json:"token"`
		URL   string `json:"url"`
	}
	_, err = c.do(ctx, http.MethodPost, sessionPath(id, "share"), nil, &out)
	return out.Token, out.URL, err
}

// Update patches a session's directory record.
func (c *Client) Update(ctx context.Context, id string, patch directory.SessionPatch) (*directory.Session, error) {
	var out directory.Session
	if _, err := c.do(ctx, http.MethodPatch, sessionPath(id), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes a session's directory record.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, sessionPath(id), nil, nil)
	return err
}

// ListDelta is one message of the session-list stream.
type ListDelta struct {
	Type    protocol.ListType
	Session protocol.SessionSummary
	Clients int
}

// Watch streams a session's events to fn until ctx ends, the stream
// closes, or fn returns an error. Unknown event kinds are skipped.
func (c *Client) Watch(ctx context.Context, id string, fn func(protocol.Event) error) error {
	return c.stream(ctx, sessionPath(id, "stream"), func(data []byte) error {
		ev, err := protocol.Decode(data)
		if errors.Is(err, protocol.ErrUnknownEvent) {
			return nil
		}
		if err != nil {
			return err
		}
		return fn(ev)
	})
}

// WatchList streams session-list deltas to fn.
func (c *Client) WatchList(ctx context.Context, fn func(ListDelta) error) error {
	return c.stream(ctx, "/api/sessions/stream", func(data []byte) error {
		var raw struct {
			Type    protocol.ListType `json:"type"`
			Session json.RawMessage   `json:"session"`
			Clients int               `json:"clients"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decode list delta: %w", err)
		}
		d := ListDelta{Type: raw.Type, Clients: raw.Clients}
		if len(raw.Session) > 0 {
			// relayed notifications may carry partial records
			json.Unmarshal(raw.Session, &d.Session)
		}
		return fn(d)
	})
}

// stream reads an SSE response and hands each event's data to fn. Multiple
// data lines of one event are joined with "\n".
func (c *Client) stream(ctx context.Context, path string, fn func([]byte) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var data []byte
	pending := false
	dispatch := func() error {
		if !pending {
			return nil
		}
		payload := data
		data, pending = nil, false
		return fn(payload)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			v := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if pending {
				data = append(data, '\n')
			}
			data = append(data, v...)
			pending = true
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read stream: %w", err)
	}
	// an event cut off by EOF is incomplete and dropped
	return nil
}
