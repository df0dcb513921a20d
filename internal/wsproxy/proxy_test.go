package wsproxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainbound/vixy/internal/registry"
)

func toWSURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// newFakeELUpstream runs a minimal eth_subscribe-aware upstream: it replies
// to an eth_subscribe with a fixed subscription id, then immediately pushes
// one notification for it, and echoes anything else verbatim.
func newFakeELUpstream(t *testing.T, subID string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.TextMessage {
				conn.WriteMessage(mt, data)
				continue
			}
			if strings.Contains(string(data), "eth_subscribe") {
				conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"result":"`+subID+`"}`))
				conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"`+subID+`","result":{"number":"0x1"}}}`))
				continue
			}
			conn.WriteMessage(mt, data)
		}
	}))
}

func TestProxySubscribeAndNotificationPassthroughWithoutReconnect(t *testing.T) {
	up := newFakeELUpstream(t, "0xabc")
	defer up.Close()

	reg := registry.New([]*registry.ElNode{
		{Name: "primary", HTTPURL: up.URL, WSURL: toWSURL(up.URL), Tier: registry.TierPrimary, ProbeOK: true},
	}, nil, 5, 3, 3)

	p := New(reg, nil)
	srv := httptest.NewServer(p)
	defer srv.Close()

	clientURL := toWSURL(srv.URL)
	clientConn, _, err := websocket.DefaultDialer.Dial(clientURL, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"eth_subscribe","params":["newHeads"]}`)))

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, resp, err := clientConn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(resp), `"result":"0xabc"`)

	_, notif, err := clientConn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(notif), `"subscription":"0xabc"`, "no reconnect happened, so the id is unchanged")
}

func TestProxyForwardsBinaryFramesVerbatim(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.WriteMessage(mt, data)
	}))
	defer up.Close()

	reg := registry.New([]*registry.ElNode{
		{Name: "primary", HTTPURL: up.URL, WSURL: toWSURL(up.URL), Tier: registry.TierPrimary, ProbeOK: true},
	}, nil, 5, 3, 3)

	p := New(reg, nil)
	srv := httptest.NewServer(p)
	defer srv.Close()

	clientConn, _, err := websocket.DefaultDialer.Dial(toWSURL(srv.URL), nil)
	require.NoError(t, err)
	defer clientConn.Close()

	payload := []byte{0x01, 0x02, 0x03}
	require.NoError(t, clientConn.WriteMessage(websocket.BinaryMessage, payload))

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := clientConn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, payload, data)
}

// newClosableELUpstream is like newFakeELUpstream but hands the test its
// server-side *websocket.Conn so the test can sever it on demand, forcing
// the supervisor down the upstreamErrc reconnect path immediately instead
// of waiting on the health watcher's 1s tick.
func newClosableELUpstream(t *testing.T, subID string) (srv *httptest.Server, sever func()) {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	connCh := make(chan *websocket.Conn, 1)
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- conn
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.TextMessage || !strings.Contains(string(data), "eth_subscribe") {
				conn.WriteMessage(mt, data)
				continue
			}
			conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"result":"`+subID+`"}`))
			conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"`+subID+`","result":{"number":"0x1"}}}`))
		}
	}))
	sever = func() { (<-connCh).Close() }
	return srv, sever
}

// newReconnectTargetUpstream answers a replayed eth_subscribe with subID,
// pushes one notification for it, and otherwise echoes a result back under
// the request's own id. preUpgradeDelay stalls the handshake so the
// supervisor's reconnecting window (I4) stays open long enough for a test
// to observe a client message being queued rather than forwarded.
func newReconnectTargetUpstream(t *testing.T, subID string, preUpgradeDelay time.Duration) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(preUpgradeDelay)
		conn, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.TextMessage {
				conn.WriteMessage(mt, data)
				continue
			}
			var msg struct {
				ID     json.RawMessage `json:"id"`
				Method string          `json:"method"`
			}
			if json.Unmarshal(data, &msg) != nil {
				conn.WriteMessage(mt, data)
				continue
			}
			if msg.Method == "eth_subscribe" {
				conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":`+string(msg.ID)+`,"result":"`+subID+`"}`))
				conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"`+subID+`","result":{"number":"0x2"}}}`))
				continue
			}
			conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":`+string(msg.ID)+`,"result":"queued-ok"}`))
		}
	}))
}

// TestProxyReconnectReplaysSubscriptionsAndDrainsQueuedMessageInOrder drives
// conn.run through an actual doReconnect against two real upstream servers,
// covering spec.md's S5/S6 seed scenarios end to end: the subscription
// survives the swap with its id translated (I2), the replay's own subscribe
// ack is never forwarded to the client (I5), and a client message sent
// while the swap is in flight is queued and delivered exactly once, after
// the replay, with no interleaving (I4, P6, P7).
func TestProxyReconnectReplaysSubscriptionsAndDrainsQueuedMessageInOrder(t *testing.T) {
	upA, severA := newClosableELUpstream(t, "0xabc")
	defer upA.Close()

	upB := newReconnectTargetUpstream(t, "0xdef", 300*time.Millisecond)
	defer upB.Close()

	reg := registry.New([]*registry.ElNode{
		{Name: "primary", HTTPURL: upA.URL, WSURL: toWSURL(upA.URL), Tier: registry.TierPrimary, ProbeOK: true},
		{Name: "backup", HTTPURL: upB.URL, WSURL: toWSURL(upB.URL), Tier: registry.TierBackup, ProbeOK: true},
	}, nil, 5, 3, 3)

	p := New(reg, nil)
	srv := httptest.NewServer(p)
	defer srv.Close()

	clientConn, _, err := websocket.DefaultDialer.Dial(toWSURL(srv.URL), nil)
	require.NoError(t, err)
	defer clientConn.Close()

	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"eth_subscribe","params":["newHeads"]}`)))

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, ack, err := clientConn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(ack), `"result":"0xabc"`)

	_, notif, err := clientConn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(notif), `"subscription":"0xabc"`)

	// Demote the primary and activate failover so the next upstream error
	// makes bestNode() resolve to the backup; severing the primary's socket
	// triggers an immediate reconnect instead of waiting on the 1s watcher.
	reg.UpdateEL(func(n *registry.ElNode) {
		if n.Name == "primary" {
			n.ProbeOK = false
		}
	})
	reg.SetFailoverActive(true)
	severA()

	// Give the supervisor a moment to observe the read error and call
	// BeginReconnect; upB's artificial handshake delay keeps the reconnect
	// in flight well past this point, so this message lands in the queue.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","id":42,"method":"eth_call","params":["queued"]}`)))

	clientConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, translated, err := clientConn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(translated), `"subscription":"0xabc"`, "notification id is translated back to the original client subscription (I2)")
	assert.NotContains(t, string(translated), "0xdef", "the new upstream's raw subscription id must never reach the client")

	_, queuedResp, err := clientConn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(queuedResp), `"id":42`)
	assert.Contains(t, string(queuedResp), `"result":"queued-ok"`, "the queued message is forwarded exactly once, after replay completes (P6/P7)")

	clientConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = clientConn.ReadMessage()
	assert.Error(t, err, "no further frames: the replay's own subscribe ack was never forwarded (I5)")
}

func TestProxyNoHealthyUpstreamRejectsUpgrade(t *testing.T) {
	reg := registry.New([]*registry.ElNode{
		{Name: "primary", Tier: registry.TierPrimary, ProbeOK: false},
	}, nil, 5, 3, 3)

	p := New(reg, nil)
	srv := httptest.NewServer(p)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
