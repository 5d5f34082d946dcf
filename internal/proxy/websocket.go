package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shehryarbajwa/webchat-dispatcher/internal/logx"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Target resolves the devtools websocket of the running browser.
type Target interface {
	ControlURL() (string, error)
}

type Server struct {
	target      Target
	dialTimeout time.Duration
}

func NewServer(target Target) *Server {
	return &Server{
		target:      target,
		dialTimeout: 10 * time.Second,
	}
}

func (s *Server) HandleDebugConnection(w http.ResponseWriter, r *http.Request) {
	chromeURL, err := s.target.ControlURL()
	if err != nil {
		http.Error(w, "Session is not running", http.StatusServiceUnavailable)
		return
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logx.L().Warnw("debug_upgrade_failed", "err", err)
		return
	}
	defer clientConn.Close()

	log := logx.L().With("upstream", chromeURL)
	log.Infow("debug_client_connected")

	ctx, cancel := context.WithTimeout(r.Context(), s.dialTimeout)
	defer cancel()

	chromeConn, _, err := websocket.DefaultDialer.DialContext(ctx, chromeURL, nil)
	if err != nil {
		log.Errorw("debug_upstream_dial_failed", "err", err)
		_ = clientConn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("Error connecting: %v", err)))
		return
	}
	defer chromeConn.Close()

	errChan := make(chan error, 2)

	go func() {
		errChan <- proxyMessages(clientConn, chromeConn, "client->chrome")
	}()

	go func() {
		errChan <- proxyMessages(chromeConn, clientConn, "chrome->client")
	}()

	// Wait for either direction to close. The deferred Close calls unblock the other.
	err = <-errChan
	if err != nil && err != io.EOF && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Warnw("debug_proxy_error", "err", err)
	}

	log.Infow("debug_client_disconnected")
}

func proxyMessages(src, dst *websocket.Conn, direction string) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logx.L().Debugw("debug_read_error", "direction", direction, "err", err)
			}
			return err
		}

		if err := dst.WriteMessage(messageType, message); err != nil {
			logx.L().Debugw("debug_write_error", "direction", direction, "err", err)
			return err
		}
	}
}
