// Package httprelay talks to a remote relay server over its HTTP API, so
// that two processes on different machines can share one room.
package httprelay

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

	"github.com/Wyydra/medmeet/internal/core/domain"
	"github.com/Wyydra/medmeet/internal/core/port"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	_ port.SignalingTransport = (*Client)(nil)
	_ port.Notifier           = (*Client)(nil)
)

// ErrRejected is returned when the relay refuses the request's credentials.
var ErrRejected = errors.New("relay rejected request")

const (
	defaultTimeout   = 10 * time.Second
	reconnectBackoff = time.Second
)

type Client struct {
	endpoint *url.URL
	client   *http.Client
	token    string
	dialer   *websocket.Dialer
	logger   zerolog.Logger
}

type Option func(*Client)

// WithToken sends a room-scoped bearer token with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func NewClient(endpoint string, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("relay url %q: scheme must be http or https", endpoint)
	}
	c := &Client{
		endpoint: u,
		client:   &http.Client{Timeout: defaultTimeout},
		dialer:   websocket.DefaultDialer,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type announceRequest struct {
	DisplayName string `json:"displayName"`
}

type sendRequest struct {
	SenderID domain.ParticipantID `json:"senderId"`
	Kind     domain.MessageKind   `json:"kind"`
	Payload  []byte               `json:"payload"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) AnnouncePresence(ctx context.Context, callID domain.CallID, participantID domain.ParticipantID, displayName string) (domain.Participant, error) {
	var p domain.Participant
	err := c.call(ctx, "announce presence", http.MethodPut, callPath(callID, "participants", participantID.String()), nil,
		announceRequest{DisplayName: displayName}, &p)
	return p, err
}

func (c *Client) ListPeers(ctx context.Context, callID domain.CallID, excluding domain.ParticipantID) ([]domain.Participant, error) {
	var peers []domain.Participant
	q := url.Values{}
	if excluding != "" {
		q.Set("exclude", excluding.String())
	}
	err := c.call(ctx, "list peers", http.MethodGet, callPath(callID, "participants"), q, nil, &peers)
	return peers, err
}

func (c *Client) SendMessage(ctx context.Context, callID domain.CallID, senderID domain.ParticipantID, kind domain.MessageKind, payload []byte) (domain.SignalingMessage, error) {
	if !kind.Valid() {
		return domain.SignalingMessage{}, fmt.Errorf("%w: %q", domain.ErrInvalidKind, kind)
	}
	var msg domain.SignalingMessage
	err := c.call(ctx, "send message", http.MethodPost, callPath(callID, "messages"), nil,
		sendRequest{SenderID: senderID, Kind: kind, Payload: payload}, &msg)
	return msg, err
}

func (c *Client) PollMessages(ctx context.Context, callID domain.CallID, recipientID domain.ParticipantID) ([]domain.SignalingMessage, error) {
	var msgs []domain.SignalingMessage
	q := url.Values{"recipient": {recipientID.String()}}
	err := c.call(ctx, "poll messages", http.MethodGet, callPath(callID, "messages"), q, nil, &msgs)
	return msgs, err
}

func (c *Client) ConsumeMessage(ctx context.Context, callID domain.CallID, messageID domain.MessageID) error {
	return c.call(ctx, "consume message", http.MethodDelete, callPath(callID, "messages", messageID.String()), nil, nil, nil)
}

func (c *Client) PurgeMessages(ctx context.Context, callID domain.CallID, senderID domain.ParticipantID) error {
	q := url.Values{"sender": {senderID.String()}}
	return c.call(ctx, "purge messages", http.MethodDelete, callPath(callID, "messages"), q, nil, nil)
}

func (c *Client) LeaveRoom(ctx context.Context, callID domain.CallID, participantID domain.ParticipantID) error {
	return c.call(ctx, "leave room", http.MethodDelete, callPath(callID, "participants", participantID.String()), nil, nil, nil)
}

// Subscribe keeps a websocket to the relay open and forwards its wake-ups.
// The first dial must succeed; later disconnects are retried until ctx is
// done.
func (c *Client) Subscribe(ctx context.Context, callID domain.CallID, participantID domain.ParticipantID) (<-chan struct{}, error) {
	wsURL := c.wsURL(callID, participantID)
	conn, err := c.dial(ctx, wsURL)
	if err != nil {
		return nil, err
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		for {
			c.readWakes(ctx, conn, wake)
			conn = nil
			for conn == nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(reconnectBackoff):
				}
				next, err := c.dial(ctx, wsURL)
				if err != nil {
					c.logger.Debug().Err(err).Str("call_id", callID.String()).Msg("Relay websocket reconnect failed")
					continue
				}
				conn = next
			}
			// Changes may have happened while disconnected.
			notify(wake)
		}
	}()
	return wake, nil
}

// readWakes returns when the connection drops or ctx is done, and always
// closes conn.
func (c *Client) readWakes(ctx context.Context, conn *websocket.Conn, wake chan struct{}) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		conn.Close()
	}()
	for {
		var ev struct {
			Event string `json:"event"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		if ev.Event == "wake" {
			notify(wake)
		}
	}
}

func notify(wake chan struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (c *Client) dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, statusError("subscribe", resp.StatusCode, "")
		}
		return nil, domain.NewTransportError("subscribe", err)
	}
	return conn, nil
}

func (c *Client) wsURL(callID domain.CallID, participantID domain.ParticipantID) string {
	u := *c.endpoint
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + callPath(callID, "ws")
	u.RawQuery = url.Values{"participant": {participantID.String()}}.Encode()
	return u.String()
}

func callPath(callID domain.CallID, parts ...string) string {
	segments := append([]string{"/api/calls", callID.String()}, parts...)
	return strings.Join(segments, "/")
}

func (c *Client) newReq(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}

	u := *c.endpoint
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) doReq(req *http.Request, op string) (*http.Response, error) {
	res, err := c.client.Do(req)
	if err != nil {
		return nil, domain.NewTransportError(op, err)
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return res, nil
	}
	defer res.Body.Close()

	var body errorResponse
	json.NewDecoder(io.LimitReader(res.Body, 4096)).Decode(&body)
	return nil, statusError(op, res.StatusCode, body.Error)
}

func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	req, err := c.newReq(ctx, method, path, query, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	res, err := c.doReq(req, op)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return domain.NewTransportError(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// statusError maps relay responses onto the transport error taxonomy:
// 409 means full, 5xx is transient, anything else is a caller error.
func statusError(op string, status int, text string) error {
	if text == "" {
		text = http.StatusText(status)
	}
	switch {
	case status == http.StatusConflict:
		return domain.ErrRoomFull
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: %w: %s", op, ErrRejected, text)
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return domain.NewTransportError(op, fmt.Errorf("server err. status: %d. content: %s", status, text))
	default:
		return fmt.Errorf("%s: server err. status: %d. content: %s", op, status, text)
	}
}
