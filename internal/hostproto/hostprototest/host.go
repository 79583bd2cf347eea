// Package hostprototest provides an in-memory streaming host for tests and
// local development.
package hostprototest

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telemyapp/aegis-play/internal/model"
)

// Host implements the control protocol. The zero value needs no PIN.
type Host struct {
	// PIN, when set, is required to complete pairing.
	PIN string
	// LaunchDelay is how long after /launch the app shows up in serverinfo.
	LaunchDelay time.Duration
	// NeverLaunch keeps currentgame empty forever.
	NeverLaunch bool
	// Hold, when non-nil, blocks /pair and /launch until it is closed or the
	// request is cancelled.
	Hold chan struct{}

	mu          sync.Mutex
	paired      map[string]bool
	challenges  map[string]string
	currentGame string
	launchedAt  time.Time
	calls       map[string]int
}

func (h *Host) init() {
	if h.paired == nil {
		h.paired = make(map[string]bool)
		h.challenges = make(map[string]string)
		h.calls = make(map[string]int)
	}
}

// Calls returns how many times a path (or "pair:<phrase>") was requested.
func (h *Host) Calls(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.init()
	return h.calls[key]
}

func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("uniqueid")

	h.mu.Lock()
	h.init()
	h.calls[r.URL.Path]++
	if r.URL.Path == "/pair" {
		h.calls["pair:"+q.Get("phrase")]++
	}
	hold := h.Hold
	h.mu.Unlock()

	if hold != nil && (r.URL.Path == "/pair" || r.URL.Path == "/launch") {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch r.URL.Path {
	case "/serverinfo":
		game := ""
		if h.currentGame != "" && !h.NeverLaunch && time.Since(h.launchedAt) >= h.LaunchDelay {
			game = h.currentGame
		}
		writeRoot(w, 200, fmt.Sprintf("<hostname>fakehost</hostname><PairStatus>%s</PairStatus><currentgame>%s</currentgame>",
			boolDigit(h.paired[id]), game))
	case "/pair":
		h.pair(w, id, q.Get("phrase"), q.Get("pin"))
	case "/unpair":
		delete(h.paired, id)
		delete(h.challenges, id)
		writeRoot(w, 200, "")
	case "/launch":
		if !h.paired[id] {
			writeRoot(w, 401, "")
			return
		}
		h.currentGame = q.Get("appid")
		h.launchedAt = time.Now()
		writeRoot(w, 200, "<gamesession>1</gamesession>")
	case "/cancel":
		h.currentGame = ""
		writeRoot(w, 200, "<cancel>1</cancel>")
	default:
		writeRoot(w, 404, "")
	}
}

func (h *Host) pair(w http.ResponseWriter, id, phrase, pin string) {
	switch phrase {
	case "getservercert":
		if h.PIN == "" {
			h.paired[id] = true
			writeRoot(w, 200, "<paired>1</paired>")
			return
		}
		nonce := uuid.NewString()
		h.challenges[id] = nonce
		writeRoot(w, 200, "<paired>0</paired><challenge>"+nonce+"</challenge>")
	case "pairchallenge":
		if _, ok := h.challenges[id]; !ok {
			writeRoot(w, 400, "")
			return
		}
		delete(h.challenges, id)
		if pin != h.PIN {
			writeRoot(w, 200, "<paired>0</paired>")
			return
		}
		h.paired[id] = true
		writeRoot(w, 200, "<paired>1</paired>")
	default:
		writeRoot(w, 400, "")
	}
}

func writeRoot(w http.ResponseWriter, status int, inner string) {
	w.Header().Set("Content-Type", "application/xml")
	_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?><root status_code="%d">%s</root>`, status, inner)
}

func boolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Serve starts h on a loopback listener and returns the matching model.Host.
func Serve(h *Host) (*httptest.Server, model.Host) {
	srv := httptest.NewServer(h)
	addr, port, _ := net.SplitHostPort(srv.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return srv, model.Host{Address: addr, ControlPort: p, StreamPort: p, Protocol: "webrtc", UDPPorts: []int{47998, 47999, 48000}}
}
