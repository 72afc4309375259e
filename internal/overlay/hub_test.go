package overlay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaropoint/kiosk/internal/logger"
	"github.com/avaropoint/kiosk/internal/protocol"
)

func newServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/overlay/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg protocol.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func readView(t *testing.T, conn *websocket.Conn) protocol.View {
	t.Helper()

	msg := readMessage(t, conn)
	require.Equal(t, protocol.TypeView, msg.Type)
	var v protocol.View
	require.NoError(t, json.Unmarshal(msg.Payload, &v))
	return v
}

func TestLateJoinerGetsLatestView(t *testing.T) {
	h := NewHub(logger.NewTestLogger())
	srv := newServer(t, h)

	h.PublishSettings(protocol.Settings{KioskMode: true})
	h.Publish(protocol.View{State: protocol.ViewLoading})
	h.Publish(protocol.View{State: protocol.ViewReady, ContentPath: "/public/display.html"})

	conn := dial(t, srv)

	msg := readMessage(t, conn)
	assert.Equal(t, protocol.TypeSettings, msg.Type)

	v := readView(t, conn)
	assert.Equal(t, protocol.ViewReady, v.State)
	assert.Equal(t, "/public/display.html", v.ContentPath)
}

func TestPublishReachesAllClients(t *testing.T) {
	h := NewHub(logger.NewTestLogger())
	srv := newServer(t, h)

	a := dial(t, srv)
	b := dial(t, srv)
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	h.Publish(protocol.View{State: protocol.ViewOffline, Title: "No connection"})

	for _, c := range []*websocket.Conn{a, b} {
		v := readView(t, c)
		assert.Equal(t, protocol.ViewOffline, v.State)
		assert.Equal(t, "No connection", v.Title)
	}
}

func TestRetryFromSocketAndHTTP(t *testing.T) {
	h := NewHub(logger.NewTestLogger())
	srv := newServer(t, h)

	resp, err := http.Post(srv.URL+"/overlay/retry", "", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var retries atomic.Int32
	h.OnRetry(func() { retries.Add(1) })

	resp, err = http.Post(srv.URL+"/overlay/retry", "", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(protocol.Message{Type: protocol.TypeRetry}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	assert.Eventually(t, func() bool { return retries.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestServeShell(t *testing.T) {
	h := NewHub(logger.NewTestLogger())
	srv := newServer(t, h)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	resp2, err := http.Get(srv.URL + "/other")
	require.NoError(t, err)
	_ = resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestClientRemovedOnDisconnect(t *testing.T) {
	h := NewHub(logger.NewTestLogger())
	srv := newServer(t, h)

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
