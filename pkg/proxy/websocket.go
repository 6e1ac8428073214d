package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"sandbox-gateway/pkg/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The outer layer has already authorized the caller for this project.
	CheckOrigin: func(*http.Request) bool { return true },
}

// routeWebSocket bridges a kernel-channel websocket between the client and
// the sandbox. The sandbox side is dialed first so that an unreachable
// upstream surfaces as a gateway error instead of a half-open upgrade.
func (p *Proxy) routeWebSocket(w http.ResponseWriter, r *http.Request, projectID string, sess *session.Session, path string) {
	backendURL := url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("127.0.0.1:%d", sess.Port),
		Path:     "/" + strings.TrimPrefix(path, "/"),
		RawQuery: r.URL.RawQuery,
	}

	dialer := websocket.Dialer{Subprotocols: websocket.Subprotocols(r)}
	header := http.Header{}
	header.Set("Authorization", "token "+sess.Token)

	backend, resp, err := dialer.Dial(backendURL.String(), header)
	if err != nil {
		status, outcome := classifyUpstreamError(err)
		if resp != nil {
			// The sandbox answered but refused the upgrade; relay its verdict.
			status = resp.StatusCode
			resp.Body.Close()
		}
		p.logger.Printf("proxy %s: websocket dial: %v: %v", projectID, outcome, err)
		http.Error(w, fmt.Sprintf(`{"error":%q}`, outcome), status)
		return
	}
	defer backend.Close()

	var respHeader http.Header
	if proto := backend.Subprotocol(); proto != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": {proto}}
	}

	client, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade writes its own error response.
		p.logger.Printf("proxy %s: websocket upgrade: %v", projectID, err)
		return
	}
	defer client.Close()

	p.usage.RecordUpgrade(projectID)
	p.logger.Printf("proxy %s: websocket bridge open /%s", projectID, strings.TrimPrefix(path, "/"))

	errc := make(chan error, 2)
	go pump(client, backend, errc)
	go pump(backend, client, errc)

	// Either side closing tears the bridge down; deferred Closes unblock
	// the other pump.
	<-errc
}

// pump copies websocket messages from src to dst until either side fails.
func pump(dst, src *websocket.Conn, errc chan<- error) {
	for {
		mt, msg, err := src.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(closeErr.Code, closeErr.Text),
					time.Now().Add(5*time.Second))
			}
			errc <- err
			return
		}
		if err := dst.WriteMessage(mt, msg); err != nil {
			errc <- err
			return
		}
	}
}
