package proxy

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTarget struct {
	url string
	err error
}

func (s staticTarget) ControlURL() (string, error) { return s.url, s.err }

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, append([]byte("echo:"), msg...)); err != nil {
				return
			}
		}
	}))
}

func TestProxyRelaysBothDirections(t *testing.T) {
	upstream := echoServer(t)
	defer upstream.Close()

	front := httptest.NewServer(http.HandlerFunc(NewServer(staticTarget{url: wsURL(upstream.URL)}).HandleDebugConnection))
	defer front.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"method":"Browser.getVersion"}`)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `echo:{"id":1,"method":"Browser.getVersion"}`, string(msg))
}

func TestProxyWithoutSession(t *testing.T) {
	front := httptest.NewServer(http.HandlerFunc(NewServer(staticTarget{err: errors.New("session not started")}).HandleDebugConnection))
	defer front.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(front.URL), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestProxyUpstreamUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := wsURL(dead.URL)
	dead.Close()

	front := httptest.NewServer(http.HandlerFunc(NewServer(staticTarget{url: deadURL}).HandleDebugConnection))
	defer front.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "Error connecting")
}
