package syncclient

import (
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

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/wanderlog/tripsync/internal/tripsync"
)

var (
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrRejected     = errors.New("mutation rejected")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrRejected:
		return e.StatusCode >= 400 && e.StatusCode <= 499
	}
	return false
}

// EventStream is one live listen connection. Next blocks until an event
// arrives, the stream fails, or ctx is done.
type EventStream interface {
	Next(ctx context.Context) (tripsync.Event, error)
	Close() error
}

type RemoteClient interface {
	ListItems(ctx context.Context, router string) ([]json.RawMessage, error)
	ListEvents(ctx context.Context, router string, afterID int64) ([]tripsync.Event, error)
	Create(ctx context.Context, router string, payload json.RawMessage) (tripsync.MutationResult, error)
	Update(ctx context.Context, router, id string, patch json.RawMessage) (tripsync.MutationResult, error)
	Delete(ctx context.Context, router, id string) (tripsync.MutationResult, error)
	Listen(ctx context.Context, router string, afterID int64) (EventStream, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) ListItems(ctx context.Context, router string) ([]json.RawMessage, error) {
	var out struct {
		Items []json.RawMessage `json:"items"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/routers/"+url.PathEscape(router)+"/items", nil, &out)
	return out.Items, err
}

func (c *HTTPClient) ListEvents(ctx context.Context, router string, afterID int64) ([]tripsync.Event, error) {
	q := url.Values{}
	if afterID > 0 {
		q.Set("after", strconv.FormatInt(afterID, 10))
	}
	requestPath := "/v1/routers/" + url.PathEscape(router) + "/events"
	if encoded := q.Encode(); encoded != "" {
		requestPath += "?" + encoded
	}
	var out struct {
		Events []tripsync.Event `json:"events"`
	}
	err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &out)
	return out.Events, err
}

func (c *HTTPClient) Create(ctx context.Context, router string, payload json.RawMessage) (tripsync.MutationResult, error) {
	var out tripsync.MutationResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/routers/"+url.PathEscape(router)+"/items", payload, &out)
	return out, err
}

func (c *HTTPClient) Update(ctx context.Context, router, id string, patch json.RawMessage) (tripsync.MutationResult, error) {
	var out tripsync.MutationResult
	err := c.doJSON(ctx, http.MethodPatch, "/v1/routers/"+url.PathEscape(router)+"/items/"+url.PathEscape(id), patch, &out)
	return out, err
}

func (c *HTTPClient) Delete(ctx context.Context, router, id string) (tripsync.MutationResult, error) {
	var out tripsync.MutationResult
	err := c.doJSON(ctx, http.MethodDelete, "/v1/routers/"+url.PathEscape(router)+"/items/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Listen dials the websocket stream. The token rides in the query string
// because websocket upgrade requests cannot always carry headers.
func (c *HTTPClient) Listen(ctx context.Context, router string, afterID int64) (EventStream, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(afterID, 10))
	q.Set("access_token", c.token)
	wsURL := toWebsocketURL(c.baseURL) + "/v1/routers/" + url.PathEscape(router) + "/listen?" + q.Encode()
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: c.httpClient})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Message: "listen dial rejected"}
		}
		return nil, err
	}
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Next(ctx context.Context) (tripsync.Event, error) {
	var event tripsync.Event
	if err := wsjson.Read(ctx, s.conn, &event); err != nil {
		return tripsync.Event{}, err
	}
	return event, nil
}

func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body json.RawMessage, out any) error {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

// retryDelay is the backoff schedule for one request: a Retry-After header
// wins when the server sent one, otherwise the delay doubles per attempt up
// to the configured cap. Both paths share nextDelay with the reconnect loop.
func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	limit := c.maxDelay
	if limit <= 0 {
		limit = 2 * time.Second
	}
	if serverSaid := parseRetryAfter(retryAfterHeader); serverSaid > 0 {
		return minDuration(serverSaid, limit)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for ; attempt > 1; attempt-- {
		delay = nextDelay(delay, limit)
	}
	return minDuration(delay, limit)
}

// parseRetryAfter reads the header's delay-seconds form, falling back to the
// HTTP-date form. Anything unparseable or in the past counts as no hint.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	at, err := time.Parse(time.RFC1123, header)
	if err != nil {
		return 0
	}
	return maxDuration(time.Until(at), 0)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// waitWithContext sleeps for delay unless ctx ends first.
func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func toWebsocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL
}
