package wsproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/slog"

	"github.com/chainbound/vixy/internal/metrics"
	"github.com/chainbound/vixy/internal/perror"
	"github.com/chainbound/vixy/internal/proxyhttp"
	"github.com/chainbound/vixy/internal/registry"
	"github.com/chainbound/vixy/internal/vxlog"
)

const healthWatchInterval = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 10 * time.Second,
}

// Proxy serves GET /el/ws: select a node under the §4.4 policy, dial its
// ws endpoint, upgrade the client, and run the relay until either side
// closes.
type Proxy struct {
	Registry           *registry.Registry
	Log                *slog.Logger
	ReconnectQueueSize int
	Metrics            *metrics.Metrics
}

func New(reg *registry.Registry, log *slog.Logger) *Proxy {
	if log == nil {
		log = slog.Default()
	}
	return &Proxy{Registry: reg, Log: log}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	node, err := proxyhttp.SelectEL(p.Registry.ElNodes(), p.Registry.FailoverActive(), p.Registry.MaxELLag(), p.Registry.FailThreshold())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	upConn, _, err := dialer.DialContext(r.Context(), node.WSURL, nil)
	if err != nil {
		http.Error(w, "upstream dial failed", http.StatusBadGateway)
		return
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		upConn.Close()
		return
	}

	c := newConn(p, clientConn, *node)
	if p.Metrics != nil {
		p.Metrics.WSConnectionsActive.Inc()
		p.Metrics.WSConnectionsTotal.Inc()
		p.Metrics.WSUpstreamNode.WithLabelValues(node.Name).Set(1)
		defer func() {
			p.Metrics.WSConnectionsActive.Dec()
			p.Metrics.WSSubscriptionsActive.Sub(float64(c.activeSubs.Load()))
			p.Metrics.WSUpstreamNode.WithLabelValues(c.getNodeName()).Set(0)
		}()
	}
	c.run(r.Context(), upConn)
}

// frame is one WebSocket message in either direction.
type frame struct {
	messageType int
	data        []byte
}

type upstreamFrame struct {
	gen uint64
	frame
}

type upstreamErr struct {
	gen uint64
	err error
}

type reconnectOutcome struct {
	err      error
	conn     *websocket.Conn
	nodeName string
}

// conn is the per-connection supervisor of spec.md §4.5: the single
// goroutine that owns the upstream sender/receiver, the tracker, the
// pending-subscribe map and the reconnect queue. Only this goroutine ever
// writes to the live upstream *websocket.Conn or changes which connection
// and "current generation" are live; the reader goroutines and the health
// watcher hand it frames, errors and reconnect candidates through channels.
type conn struct {
	proxy  *Proxy
	client *websocket.Conn

	id  string
	log *slog.Logger

	tracker    *SubscriptionTracker
	pending    *PendingSubscribe
	reconnectQ *ReconnectQueue

	activeSubs atomic.Int64

	clientWriteMu sync.Mutex

	upstreamWriteMu sync.Mutex
	upstreamWriter  func(frame)

	nodeMu   sync.RWMutex
	nodeName string
}

func newConn(p *Proxy, client *websocket.Conn, node registry.ElNode) *conn {
	id := uuid.NewString()
	c := &conn{
		proxy:      p,
		client:     client,
		id:         id,
		log:        p.Log.With("conn_id", id),
		tracker:    NewSubscriptionTracker(),
		pending:    NewPendingSubscribe(),
		reconnectQ: NewReconnectQueue(p.ReconnectQueueSize),
	}
	c.setNodeName(node.Name)
	return c
}

// setUpstreamWriter installs the write function forwardToUpstream uses, so
// that function never needs its own reference to the live *websocket.Conn
// (only run, the single owner, ever changes it).
func (c *conn) setUpstreamWriter(up *websocket.Conn) {
	c.upstreamWriteMu.Lock()
	defer c.upstreamWriteMu.Unlock()
	if up == nil {
		c.upstreamWriter = nil
		return
	}
	c.upstreamWriter = func(fr frame) {
		if err := up.WriteMessage(fr.messageType, fr.data); err != nil {
			c.log.Debug("upstream write failed", "err", err)
		}
	}
}

func (c *conn) setNodeName(name string) {
	c.nodeMu.Lock()
	c.nodeName = name
	c.nodeMu.Unlock()
}

func (c *conn) getNodeName() string {
	c.nodeMu.RLock()
	defer c.nodeMu.RUnlock()
	return c.nodeName
}

// run is the supervisor select-loop (spec.md §4.5): it owns the upstream
// sender/receiver, the tracker, the pending-subscribe map and the reconnect
// queue, and is the only goroutine that ever assigns a new value to up or
// gen. up is the initial upstream connection dialed by ServeHTTP, which
// becomes generation 0.
func (c *conn) run(ctx context.Context, initialUp *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.client.Close()

	up := initialUp
	c.setUpstreamWriter(up)
	defer func() {
		if up != nil {
			up.Close()
		}
	}()

	var gen uint64

	fromClient := make(chan frame, 32)
	clientErrc := make(chan error, 1)
	go readLoop(c.client, func(fr frame) { fromClient <- fr }, clientErrc)

	fromUpstream := make(chan upstreamFrame, 32)
	upstreamErrc := make(chan upstreamErr, 1)
	go readUpstreamLoop(gen, up, fromUpstream, upstreamErrc)

	reconnectCh := make(chan registry.ElNode, 1)
	go c.healthWatcher(ctx, reconnectCh)

	resultCh := make(chan reconnectOutcome, 1)
	reconnecting := false

	requestReconnect := func(node registry.ElNode) {
		select {
		case reconnectCh <- node:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case fr := <-fromClient:
			if fr.messageType == websocket.CloseMessage {
				c.writeUpstream(up, fr)
				return
			}
			c.handleClientFrame(fr)

		case <-clientErrc:
			c.writeUpstream(up, frame{websocket.CloseMessage, []byte{}})
			return

		case uf := <-fromUpstream:
			if uf.gen != gen {
				continue
			}
			if uf.messageType == websocket.CloseMessage {
				c.writeClient(uf.frame)
				return
			}
			c.handleUpstreamFrame(uf.frame)

		case ue := <-upstreamErrc:
			if ue.gen != gen {
				continue
			}
			c.log.Warn("upstream connection lost, requesting reconnect", "err", ue.err)
			best, err := c.bestNode()
			if err == nil {
				requestReconnect(best)
			}

		case node := <-reconnectCh:
			if reconnecting {
				c.log.Warn("reconnect already in progress, dropping new reconnect request", "candidate", node.Name)
				continue
			}
			if !c.reconnectQ.BeginReconnect() {
				continue
			}
			reconnecting = true
			if c.proxy.Metrics != nil {
				c.proxy.Metrics.WSReconnectionsTotal.Inc()
			}
			go c.doReconnect(ctx, node, resultCh)

		case outcome := <-resultCh:
			reconnecting = false
			if outcome.err != nil {
				dropped := c.reconnectQ.Abort()
				c.log.Warn("reconnect failed, keeping current upstream", "err", outcome.err, "dropped_queued", dropped)
				if c.proxy.Metrics != nil {
					c.proxy.Metrics.WSReconnectionAttemptsTotal.WithLabelValues("failed").Inc()
				}
				continue
			}

			if up != nil {
				up.Close()
			}
			if c.proxy.Metrics != nil {
				c.proxy.Metrics.WSReconnectionAttemptsTotal.WithLabelValues("success").Inc()
				c.proxy.Metrics.WSUpstreamNode.WithLabelValues(c.getNodeName()).Set(0)
				c.proxy.Metrics.WSUpstreamNode.WithLabelValues(outcome.nodeName).Set(1)
			}
			up = outcome.conn
			c.setUpstreamWriter(up)
			gen++
			c.setNodeName(outcome.nodeName)
			c.log.Info("reconnected to new upstream", "node", outcome.nodeName, "gen", gen)
			go readUpstreamLoop(gen, up, fromUpstream, upstreamErrc)

			drained := c.reconnectQ.EndReconnect()
			for _, fr := range drained {
				c.handleClientFrame(fr)
			}
		}
	}
}

func (c *conn) bestNode() (registry.ElNode, error) {
	nodes := c.proxy.Registry.ElNodes()
	n, err := proxyhttp.SelectEL(nodes, c.proxy.Registry.FailoverActive(), c.proxy.Registry.MaxELLag(), c.proxy.Registry.FailThreshold())
	if err != nil {
		return registry.ElNode{}, err
	}
	return *n, nil
}

// healthWatcher implements the 1s observer of spec.md §4.5: whenever the
// best-choice node's identity differs from the node this connection is
// currently attached to, it offers that node on out with a non-blocking
// send, and repeats the offer on every tick for as long as they differ.
func (c *conn) healthWatcher(ctx context.Context, out chan<- registry.ElNode) {
	ticker := time.NewTicker(healthWatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			best, err := c.bestNode()
			if err != nil {
				continue
			}
			if best.Name == c.getNodeName() {
				continue
			}
			select {
			case out <- best:
			default:
			}
		}
	}
}

// doReconnect is the background task of spec.md §4.5 steps 2-3: dial the
// new upstream, clear the translation table, and replay every active
// subscription as a fresh eth_subscribe tagged is_replay=true.
func (c *conn) doReconnect(ctx context.Context, node registry.ElNode, result chan<- reconnectOutcome) {
	dialCtx, cancel := context.WithTimeout(ctx, dialer.HandshakeTimeout)
	defer cancel()

	upConn, _, err := dialer.DialContext(dialCtx, node.WSURL, nil)
	if err != nil {
		result <- reconnectOutcome{err: fmt.Errorf("dial %s: %w", node.Name, err)}
		return
	}

	active := c.tracker.ResetAndSnapshot()
	for _, sub := range active {
		rpcID := uuid.NewString()
		// Pending entries are keyed by the id's raw JSON form (a quoted
		// string here), which is how handleSubscribeResponse looks them up.
		c.pending.Put(`"`+rpcID+`"`, pendingEntry{
			Params:              sub.Params,
			IsReplay:            true,
			OriginalClientSubID: sub.ClientSubID,
		})

		msg, merr := json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      string          `json:"id"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params"`
		}{"2.0", rpcID, "eth_subscribe", sub.Params})
		if merr != nil {
			c.log.Error("failed to marshal replayed subscribe", "err", merr)
			continue
		}
		if werr := upConn.WriteMessage(websocket.TextMessage, msg); werr != nil {
			upConn.Close()
			result <- reconnectOutcome{err: fmt.Errorf("replay subscribe to %s: %w", node.Name, werr)}
			return
		}
	}

	result <- reconnectOutcome{conn: upConn, nodeName: node.Name}
}

func readLoop(ws *websocket.Conn, deliver func(frame), errc chan<- error) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		deliver(frame{mt, data})
	}
}

func readUpstreamLoop(gen uint64, ws *websocket.Conn, out chan<- upstreamFrame, errc chan<- upstreamErr) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			errc <- upstreamErr{gen, err}
			return
		}
		out <- upstreamFrame{gen, frame{mt, data}}
	}
}

func (c *conn) writeClient(fr frame) {
	if c.proxy.Metrics != nil {
		c.proxy.Metrics.WSMessagesTotal.WithLabelValues("outbound").Inc()
	}
	c.clientWriteMu.Lock()
	defer c.clientWriteMu.Unlock()
	if err := c.client.WriteMessage(fr.messageType, fr.data); err != nil {
		c.log.Debug("client write failed", "err", err)
	}
}

func (c *conn) writeUpstream(up *websocket.Conn, fr frame) {
	if up == nil {
		return
	}
	if err := up.WriteMessage(fr.messageType, fr.data); err != nil {
		c.log.Debug("upstream write failed", "err", err)
	}
}

// clientRPC is the shape of a client-originated eth_subscribe/eth_unsubscribe
// call, loosely parsed: any other method or malformed text is forwarded
// unchanged without further inspection.
type clientRPC struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func (c *conn) handleClientFrame(fr frame) {
	if c.proxy.Metrics != nil {
		c.proxy.Metrics.WSMessagesTotal.WithLabelValues("inbound").Inc()
	}
	if fr.messageType == websocket.TextMessage {
		var m clientRPC
		if err := json.Unmarshal(fr.data, &m); err == nil {
			switch m.Method {
			case "eth_subscribe":
				params, _ := json.Marshal(m.Params)
				c.pending.Put(string(m.ID), pendingEntry{Params: params, IsReplay: false})
			case "eth_unsubscribe":
				if len(m.Params) > 0 {
					c.tracker.Remove(jsonString(m.Params[0]))
					c.activeSubs.Add(-1)
					if c.proxy.Metrics != nil {
						c.proxy.Metrics.WSSubscriptionsActive.Dec()
					}
				}
			}
		}
	}
	c.forwardToUpstream(fr)
}

// forwardToUpstream is the single choke point every outbound client frame
// passes through, enforcing I4 via the ReconnectQueue.
func (c *conn) forwardToUpstream(fr frame) {
	switch c.reconnectQ.Offer(fr) {
	case OfferForwardDirect:
		c.currentUpstreamWrite(fr)
	case OfferQueued:
		// queued; drained once the swap completes.
	case OfferDropped:
		c.log.Warn("reconnect queue full, dropping client message")
	}
}

// currentUpstreamWrite always targets the live upstream connection via the
// writer run installs through setUpstreamWriter.
func (c *conn) currentUpstreamWrite(fr frame) {
	c.upstreamWriteMu.Lock()
	w := c.upstreamWriter
	c.upstreamWriteMu.Unlock()
	if w != nil {
		w(fr)
	}
}

func (c *conn) handleUpstreamFrame(fr frame) {
	if fr.messageType != websocket.TextMessage {
		c.writeClient(fr)
		return
	}

	var resp struct {
		ID     json.RawMessage `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(fr.data, &resp); err == nil && resp.ID != nil && resp.Result != nil {
		c.handleSubscribeResponse(string(resp.ID), resp.Result, fr)
		return
	}

	if rewritten, changed := c.translateNotification(fr.data); changed {
		c.writeClient(frame{fr.messageType, rewritten})
		return
	}
	var n notification
	if err := json.Unmarshal(fr.data, &n); err == nil && n.Params.Subscription != "" {
		c.writeClient(fr) // a notification whose id needs no translation
		return
	}

	var probe any
	if err := json.Unmarshal(fr.data, &probe); err != nil {
		c.log.Warn("upstream frame did not parse as JSON, forwarding verbatim", "err", err)
	} else {
		c.log.Warn("upstream frame matched neither subscribe response nor notification shape, forwarding verbatim", "type", vxlog.TypeOf(probe))
	}
	c.writeClient(fr)
}

func (c *conn) handleSubscribeResponse(rpcID string, result json.RawMessage, fr frame) {
	entry, ok := c.pending.Take(rpcID)
	if !ok {
		c.writeClient(fr)
		return
	}

	upstreamSubID := jsonString(result)
	if entry.IsReplay {
		if entry.OriginalClientSubID == "" {
			perr := perror.New(perror.KindSubscriptionReplayMissingOriginalID, "handleSubscribeResponse", nil)
			c.log.Error("replayed subscribe response has no original client subscription id, dropping", "err", perr, "upstream_sub_id", upstreamSubID)
			return // I5: a replay response is never forwarded, bug or not.
		}
		c.tracker.MapUpstreamID(upstreamSubID, entry.OriginalClientSubID)
		return // I5: a replay response is never forwarded.
	}

	req := &SubscribeRequest{
		RPCID:       json.RawMessage(rpcID),
		Params:      entry.Params,
		ClientSubID: upstreamSubID,
	}
	c.tracker.Insert(req, upstreamSubID)
	c.activeSubs.Add(1)
	if c.proxy.Metrics != nil {
		c.proxy.Metrics.WSSubscriptionsActive.Inc()
		c.proxy.Metrics.WSSubscriptionsTotal.Inc()
	}
	c.writeClient(fr)
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

func (c *conn) translateNotification(data []byte) ([]byte, bool) {
	var n notification
	if err := json.Unmarshal(data, &n); err != nil || n.Params.Subscription == "" {
		return data, false
	}
	clientID, ok := c.tracker.TranslateUpstreamID(n.Params.Subscription)
	if !ok || clientID == n.Params.Subscription {
		return data, false
	}
	n.Params.Subscription = clientID
	rewritten, err := json.Marshal(n)
	if err != nil {
		return data, false
	}
	return rewritten, true
}

func jsonString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
