package signaling

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

	"github.com/gorilla/websocket"

	"github.com/telemyapp/aegis-play/internal/apperr"
	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/model"
)

// Signaler is the media engine as seen by the public API.
type Signaler interface {
	Start(ctx context.Context, sessionID string, params model.StreamParams) (model.SessionDescription, error)
	Answer(ctx context.Context, sessionID string, answer model.SessionDescription) error
	AddCandidate(ctx context.Context, sessionID string, c model.ICECandidate) error
	Candidates(ctx context.Context, sessionID string) ([]model.ICECandidate, error)
	Events(ctx context.Context, sessionID string) (<-chan model.SignalEvent, error)
	Stop(ctx context.Context, sessionID string) error
}

// Client forwards signaling calls to the media engine's internal API.
type Client struct {
	base   *url.URL
	key    string
	http   *http.Client
	dialer *websocket.Dialer
	log    *logging.Logger
}

func NewClient(baseURL, key string, hc *http.Client, log *logging.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid media engine url %q", baseURL)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Client{
		base:   u,
		key:    key,
		http:   hc,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    log.Named("signaling"),
	}, nil
}

func (c *Client) sessionURL(sessionID, op string) string {
	p := "/internal/sessions/" + url.PathEscape(sessionID)
	if op != "" {
		p += "/" + op
	}
	return c.base.String() + p
}

func (c *Client) do(ctx context.Context, method, sessionID, op string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.sessionURL(sessionID, op), body)
	if err != nil {
		return err
	}
	req.Header.Set(InternalKeyHeader, c.key)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Retryable(apperr.KindTransportFailed, "media engine unreachable", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		return decodeError(res)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.KindTransportFailed, "invalid media engine response", err)
	}
	return nil
}

// decodeError rebuilds the engine's error so the public API answers with
// the same kind and message.
func decodeError(res *http.Response) error {
	var payload struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			Retryable bool   `json:"retryable"`
		} `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error.Code == "" {
		return apperr.Wrap(apperr.KindTransportFailed, "media engine error",
			fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(raw))))
	}
	kind := apperr.Kind(payload.Error.Code)
	if kind == apperr.KindAuthRequired {
		// The engine rejecting our key is a deployment fault, not the caller's.
		return apperr.Wrap(apperr.KindInternal, "internal error", errors.New("media engine rejected internal key"))
	}
	return &apperr.Error{Kind: kind, Message: payload.Error.Message, Retryable: payload.Error.Retryable}
}

func (c *Client) Start(ctx context.Context, sessionID string, params model.StreamParams) (model.SessionDescription, error) {
	var out StartResponse
	if err := c.do(ctx, http.MethodPost, sessionID, "start", params, &out); err != nil {
		return model.SessionDescription{}, err
	}
	return out.Offer, nil
}

func (c *Client) Answer(ctx context.Context, sessionID string, answer model.SessionDescription) error {
	return c.do(ctx, http.MethodPost, sessionID, "answer", AnswerRequest{Answer: answer}, nil)
}

func (c *Client) AddCandidate(ctx context.Context, sessionID string, cand model.ICECandidate) error {
	return c.do(ctx, http.MethodPost, sessionID, "ice", CandidateRequest{Candidate: cand}, nil)
}

func (c *Client) Candidates(ctx context.Context, sessionID string) ([]model.ICECandidate, error) {
	var out CandidatesResponse
	if err := c.do(ctx, http.MethodGet, sessionID, "ice", nil, &out); err != nil {
		return nil, err
	}
	return out.Candidates, nil
}

func (c *Client) Stop(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, sessionID, "stop", nil, nil)
}

// StopSession is the orchestrator's teardown hook. A session the engine
// never saw is already stopped.
func (c *Client) StopSession(ctx context.Context, sessionID string) error {
	err := c.Stop(ctx, sessionID)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil
	}
	return err
}

// Events subscribes to the session's event stream. The channel closes when
// the session ends, the connection drops or ctx is cancelled.
func (c *Client) Events(ctx context.Context, sessionID string) (<-chan model.SignalEvent, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/internal/sessions/" + url.PathEscape(sessionID) + "/events"

	conn, res, err := c.dialer.DialContext(ctx, u.String(), http.Header{InternalKeyHeader: []string{c.key}})
	if err != nil {
		if res != nil {
			defer res.Body.Close()
			if res.StatusCode >= 300 {
				return nil, decodeError(res)
			}
		}
		return nil, apperr.Retryable(apperr.KindTransportFailed, "media engine unreachable", err)
	}

	out := make(chan model.SignalEvent, 16)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	go func() {
		defer close(out)
		defer stop()
		defer conn.Close()
		for {
			var ev model.SignalEvent
			if err := conn.ReadJSON(&ev); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && ctx.Err() == nil {
					c.log.Debug().Err(err).Str("session_id", sessionID).Msg("engine events closed")
				}
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
