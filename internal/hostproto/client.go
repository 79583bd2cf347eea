// Package hostproto speaks the streaming host's HTTP control protocol:
// query-parameter requests answered with a small XML document whose root
// carries a status_code attribute.
package hostproto

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/telemyapp/aegis-play/internal/model"
)

const (
	PhraseGetServerCert = "getservercert"
	PhrasePairChallenge = "pairchallenge"
)

// StatusError is a well-formed host reply with a non-200 status_code.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("host status %d: %s", e.Code, e.Message)
}

type ServerInfo struct {
	Hostname    string
	Paired      bool
	CurrentGame string
	State       string
}

type PairRequest struct {
	UniqueID   string
	DeviceName string
	Phrase     string
	PIN        string
}

// PairResponse: Paired is set once trust is established. Otherwise Challenge
// holds the nonce of the pending PIN challenge.
type PairResponse struct {
	Paired    bool
	Challenge string
}

type Client struct {
	http   *http.Client
	scheme string
}

func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{http: httpClient, scheme: "http"}
}

type rootDoc struct {
	XMLName       xml.Name `xml:"root"`
	StatusCode    int      `xml:"status_code,attr"`
	StatusMessage string   `xml:"status_message,attr"`
	Hostname      string   `xml:"hostname"`
	PairStatus    string   `xml:"PairStatus"`
	CurrentGame   string   `xml:"currentgame"`
	State         string   `xml:"state"`
	Paired        string   `xml:"paired"`
	Challenge     string   `xml:"challenge"`
	GameSession   string   `xml:"gamesession"`
	Cancel        string   `xml:"cancel"`
}

func (c *Client) ServerInfo(ctx context.Context, host model.Host, uniqueID string) (ServerInfo, error) {
	doc, err := c.get(ctx, host, "/serverinfo", url.Values{"uniqueid": {uniqueID}})
	if err != nil {
		return ServerInfo{}, err
	}
	return ServerInfo{
		Hostname:    doc.Hostname,
		Paired:      doc.PairStatus == "1",
		CurrentGame: doc.CurrentGame,
		State:       doc.State,
	}, nil
}

// Probe satisfies vmpool.HostProbe.
func (c *Client) Probe(ctx context.Context, host model.Host) error {
	_, err := c.ServerInfo(ctx, host, "aegis-probe")
	return err
}

func (c *Client) Pair(ctx context.Context, host model.Host, req PairRequest) (PairResponse, error) {
	q := url.Values{
		"uniqueid":   {req.UniqueID},
		"devicename": {req.DeviceName},
		"phrase":     {req.Phrase},
	}
	if req.PIN != "" {
		q.Set("pin", req.PIN)
	}
	doc, err := c.get(ctx, host, "/pair", q)
	if err != nil {
		return PairResponse{}, err
	}
	return PairResponse{Paired: doc.Paired == "1", Challenge: doc.Challenge}, nil
}

func (c *Client) Unpair(ctx context.Context, host model.Host, uniqueID string) error {
	_, err := c.get(ctx, host, "/unpair", url.Values{"uniqueid": {uniqueID}})
	return err
}

// Launch asks the host to start appID using the given launch command.
// The host acknowledges asynchronously; poll ServerInfo for CurrentGame.
func (c *Client) Launch(ctx context.Context, host model.Host, uniqueID, appID, command string) error {
	doc, err := c.get(ctx, host, "/launch", url.Values{
		"uniqueid": {uniqueID},
		"appid":    {appID},
		"appcmd":   {command},
	})
	if err != nil {
		return err
	}
	if doc.GameSession == "0" {
		return &StatusError{Code: http.StatusServiceUnavailable, Message: "launch refused"}
	}
	return nil
}

func (c *Client) Cancel(ctx context.Context, host model.Host, uniqueID string) error {
	_, err := c.get(ctx, host, "/cancel", url.Values{"uniqueid": {uniqueID}})
	return err
}

func (c *Client) get(ctx context.Context, host model.Host, path string, q url.Values) (rootDoc, error) {
	u := url.URL{
		Scheme:   c.scheme,
		Host:     net.JoinHostPort(host.Address, strconv.Itoa(host.ControlPort)),
		Path:     path,
		RawQuery: q.Encode(),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return rootDoc{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return rootDoc{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return rootDoc{}, fmt.Errorf("read %s: %w", path, err)
	}
	var doc rootDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		if resp.StatusCode != http.StatusOK {
			return rootDoc{}, &StatusError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return rootDoc{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if doc.StatusCode != http.StatusOK {
		return rootDoc{}, &StatusError{Code: doc.StatusCode, Message: doc.StatusMessage}
	}
	return doc, nil
}

// IsTimeout reports whether err came from a deadline or a network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
