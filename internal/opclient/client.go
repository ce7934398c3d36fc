// Package opclient is a small client for the operator API and the realtime
// websocket. It backs the `crmsync watch` console and keeps a
// reconcile.View in step with the server across reconnects.
package opclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/crm-sync/internal/domain"
	"github.com/tbourn/crm-sync/internal/realtime"
	"github.com/tbourn/crm-sync/internal/reconcile"
)

const fetchPageSize = 100

// APIError is a non-2xx answer from the operator API.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

// Client talks to one crmsync server.
type Client struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL string
	// APIBase is the operator API prefix, e.g. /api/v1.
	APIBase  string
	Operator string

	HTTP   *http.Client
	Dialer *websocket.Dialer

	// MinBackoff and MaxBackoff bound the reconnect delay of Watch.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// New returns a Client with default timeouts.
func New(baseURL, apiBase, operator string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIBase:    "/" + strings.Trim(apiBase, "/"),
		Operator:   operator,
		HTTP:       &http.Client{Timeout: 15 * time.Second},
		Dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		MinBackoff: 250 * time.Millisecond,
		MaxBackoff: 10 * time.Second,
	}
}

func (c *Client) threadURL(key int64) string {
	base := c.BaseURL + c.APIBase
	if c.APIBase == "/" {
		base = c.BaseURL
	}
	return base + "/threads/" + strconv.FormatInt(key, 10) + "/messages"
}

func (c *Client) do(req *http.Request, out any) error {
	if c.Operator != "" {
		req.Header.Set("X-Operator-ID", c.Operator)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FetchThread returns every message of a thread in server order, following
// pagination to the end.
func (c *Client) FetchThread(ctx context.Context, key int64) ([]domain.Message, error) {
	var all []domain.Message
	for page := 1; ; page++ {
		u := c.threadURL(key) + "?" + url.Values{
			"page":      {strconv.Itoa(page)},
			"page_size": {strconv.Itoa(fetchPageSize)},
		}.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		var body struct {
			Messages   []domain.Message `json:"messages"`
			Pagination struct {
				HasNext bool `json:"has_next"`
			} `json:"pagination"`
		}
		if err := c.do(req, &body); err != nil {
			return nil, err
		}
		all = append(all, body.Messages...)
		if !body.Pagination.HasNext || len(body.Messages) == 0 {
			return all, nil
		}
	}
}

// Send posts an operator message. clientID correlates the echo with an
// optimistic entry; idemKey, when set, makes retries safe.
func (c *Client) Send(ctx context.Context, key int64, content, clientID, idemKey string) (*domain.Message, error) {
	payload, err := json.Marshal(map[string]string{
		"content":           content,
		"client_message_id": clientID,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.threadURL(key), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	var body struct {
		Message *domain.Message `json:"message"`
	}
	if err := c.do(req, &body); err != nil {
		return nil, err
	}
	if body.Message == nil {
		return nil, errors.New("send: empty response")
	}
	return body.Message, nil
}

// SendOptimistic shows content in v immediately and replaces the entry with
// the stored message once the server answers. On failure the optimistic
// entry is dropped.
func (c *Client) SendOptimistic(ctx context.Context, v *reconcile.View, key int64, content string) (*domain.Message, error) {
	_, clientID := v.AddOptimistic(domain.Message{
		ThreadKey:  key,
		AuthorKind: domain.AuthorOperator,
		Kind:       domain.KindText,
		Content:    domain.StrPtr(content),
	})
	msg, err := c.Send(ctx, key, content, clientID, clientID)
	if err != nil {
		v.Discard(clientID)
		return nil, err
	}
	v.Merge(*msg)
	return msg, nil
}

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Watch keeps v in sync with thread key until ctx ends. Each connection
// joins the thread room first and then re-fetches the thread, so nothing
// published while disconnected is missed. onChange runs after every change
// to v and may be nil.
func (c *Client) Watch(ctx context.Context, key int64, v *reconcile.View, onChange func()) error {
	if onChange == nil {
		onChange = func() {}
	}
	backoff := c.MinBackoff
	for {
		started := time.Now()
		err := c.watchOnce(ctx, key, v, onChange)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return err
		}
		if time.Since(started) > c.MaxBackoff {
			backoff = c.MinBackoff
		}
		log.Warn().Err(err).Int64("thread_key", key).Dur("retry_in", backoff).Msg("realtime connection lost")

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
		if backoff > c.MaxBackoff {
			backoff = c.MaxBackoff
		}
	}
}

func (c *Client) watchOnce(ctx context.Context, key int64, v *reconcile.View, onChange func()) error {
	u, err := c.wsURL()
	if err != nil {
		return err
	}
	hdr := http.Header{}
	if c.Operator != "" {
		hdr.Set("X-Operator-ID", c.Operator)
	}
	conn, _, err := c.Dialer.DialContext(ctx, u, hdr)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	id := strconv.FormatInt(key, 10)
	if err := conn.WriteJSON(realtime.Event{Name: "join_" + string(realtime.ScopeThread), Data: id}); err != nil {
		return err
	}
	// Fetch only once the room is joined so the snapshot and the live
	// stream overlap instead of leaving a gap.
	if err := awaitJoined(conn); err != nil {
		return err
	}

	msgs, err := c.FetchThread(ctx, key)
	if err != nil {
		return err
	}
	v.Reset(msgs)
	onChange()

	newMessage := realtime.NewMessageEvent(realtime.ScopeThread)
	for {
		var f realtime.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		switch f.Event {
		case newMessage:
			var m domain.Message
			if err := json.Unmarshal(f.Data, &m); err != nil {
				log.Debug().Err(err).Msg("skip malformed message frame")
				continue
			}
			if v.Merge(m) > 0 {
				onChange()
			}
		case realtime.EventMessageUpdated:
			var m domain.Message
			if err := json.Unmarshal(f.Data, &m); err != nil {
				continue
			}
			if v.Apply(m) {
				onChange()
			}
		case realtime.EventError:
			log.Warn().RawJSON("data", f.Data).Msg("realtime error")
		}
	}
}

func awaitJoined(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		var f realtime.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		switch f.Event {
		case realtime.EventJoined:
			return nil
		case realtime.EventError:
			return fmt.Errorf("join rejected: %s", f.Data)
		}
	}
}
