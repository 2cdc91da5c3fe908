package recordstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/screenpoints/internal/retry"
)

// StatusError is a non-2xx response from the zone server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("zone server: %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("zone server: %d %s", e.Code, e.Message)
}

// Client is a Store backed by a remote zone server over HTTP, with
// subscriptions streamed over a websocket.
type Client struct {
	baseURL  string
	token    string
	deviceID string
	http     *http.Client
	logger   *slog.Logger
}

// DeviceHeader carries the calling device's id so the server can rate
// limit per device rather than per address.
const DeviceHeader = "X-Device-ID"

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithDeviceID tags every request with the device's id.
func WithDeviceID(id string) ClientOption {
	return func(cl *Client) { cl.deviceID = id }
}

func NewClient(baseURL, token string, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With("component", "recordstore_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) zoneURL(zone string, parts ...string) string {
	u := c.baseURL + "/zones/" + url.PathEscape(zone)
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// do sends a request and decodes a JSON response into out. Transport
// failures, 5xx and 429 are returned as retryable; other 4xx responses
// are permanent.
func (c *Client) do(ctx context.Context, method, rawURL string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return retry.Permanent(fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.deviceID != "" {
		req.Header.Set(DeviceHeader, c.deviceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload)
		serr := &StatusError{Code: resp.StatusCode, Message: payload.Error}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
			return serr
		default:
			return retry.Permanent(serr)
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) EnsureZone(ctx context.Context, zone string) error {
	return c.do(ctx, http.MethodPut, c.zoneURL(zone), nil, nil)
}

func (c *Client) Create(ctx context.Context, r Record) (Record, error) {
	var out Record
	err := c.do(ctx, http.MethodPost, c.zoneURL(r.ZoneID, "records"), r, &out)
	return out, err
}

func (c *Client) Read(ctx context.Context, zone, recordType, id string) (Record, error) {
	var out Record
	err := c.do(ctx, http.MethodGet, c.zoneURL(zone, "records", recordType, id), nil, &out)
	return out, err
}

func (c *Client) Update(ctx context.Context, r Record) (Record, error) {
	var out Record
	err := c.do(ctx, http.MethodPut, c.zoneURL(r.ZoneID, "records", r.Type, r.ID), r, &out)
	return out, err
}

func (c *Client) Delete(ctx context.Context, zone, recordType, id string) error {
	err := c.do(ctx, http.MethodDelete, c.zoneURL(zone, "records", recordType, id), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) Query(ctx context.Context, zone string, q Query) ([]Record, error) {
	params := url.Values{}
	if q.Type != "" {
		params.Set("type", q.Type)
	}
	if q.OwnerID != "" {
		params.Set("owner", q.OwnerID)
	}
	if q.AfterSeq > 0 {
		params.Set("after", strconv.FormatInt(q.AfterSeq, 10))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	u := c.zoneURL(zone, "records")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var out struct {
		Records []Record `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// Subscribe dials the zone's change stream. The returned channel closes
// when ctx ends or the connection drops; callers resubscribe.
func (c *Client) Subscribe(ctx context.Context, zone, excludingDeviceID string) (<-chan Change, error) {
	u := c.zoneURL(zone, "subscribe")
	if excludingDeviceID != "" {
		u += "?exclude=" + url.QueryEscape(excludingDeviceID)
	}
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	if c.deviceID != "" {
		header.Set(DeviceHeader, c.deviceID)
	}

	conn, resp, err := ws.Dial(ctx, u, &ws.DialOptions{HTTPClient: c.http, HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(&StatusError{Code: resp.StatusCode})
		}
		return nil, fmt.Errorf("dial subscription: %w", err)
	}

	changes := make(chan Change, subscriberBufferSize)
	go func() {
		defer close(changes)
		defer conn.CloseNow()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("subscription lost", "zone", zone, "error", err)
				}
				return
			}

			var ch Change
			if err := json.Unmarshal(data, &ch); err != nil {
				c.logger.Warn("bad change message", "zone", zone, "error", err)
				continue
			}
			select {
			case changes <- ch:
			case <-ctx.Done():
				return
			}
		}
	}()

	return changes, nil
}
