// Package wsproxy implements the stateful WebSocket proxy of spec.md §4.5:
// a per-connection supervisor that relays eth_subscribe/eth_unsubscribe
// traffic to a selected EL node's WebSocket endpoint and survives an
// upstream swap without the client ever seeing a new subscription id.
//
// Grounded on libevm/rpcroute/backend.go's heightLoop: a single owning
// goroutine holds a websocket.Conn and resubscribes to newHeads whenever
// the stream errors. This package generalizes that one-shot "resubscribe
// on error" shape to "reconnect to a different upstream and replay every
// tracked client subscription," using gorilla/websocket (the teacher's
// direct dependency) for both the client and upstream legs.
package wsproxy

import (
	"encoding/json"
	"sync"
)

// SubscribeRequest is one active subscription on a client connection
// (spec.md §3). ClientSubID is the id the client first saw and is stable
// for the lifetime of the connection, even across upstream reconnects.
type SubscribeRequest struct {
	RPCID       json.RawMessage
	Params      json.RawMessage
	ClientSubID string
}

// SubscriptionTracker is the per-connection map of live subscriptions plus
// the upstream-id→client-id translation table. The translation table is
// rebuilt from scratch on every reconnect (spec.md §4.5 step 3).
type SubscriptionTracker struct {
	mu               sync.Mutex
	subscriptions    map[string]*SubscribeRequest // client_sub_id -> request
	upstreamToClient map[string]string            // upstream_sub_id -> client_sub_id
}

func NewSubscriptionTracker() *SubscriptionTracker {
	return &SubscriptionTracker{
		subscriptions:    make(map[string]*SubscribeRequest),
		upstreamToClient: make(map[string]string),
	}
}

// Insert records a newly-confirmed, non-replay subscription and its initial
// upstream id (I2: exactly one upstream id maps to this client_sub_id).
func (t *SubscriptionTracker) Insert(req *SubscribeRequest, upstreamSubID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscriptions[req.ClientSubID] = req
	t.upstreamToClient[upstreamSubID] = req.ClientSubID
}

// Remove deletes a subscription on eth_unsubscribe (I3) and drops any
// upstream mapping that still points at it.
func (t *SubscriptionTracker) Remove(clientSubID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscriptions, clientSubID)
	for up, cl := range t.upstreamToClient {
		if cl == clientSubID {
			delete(t.upstreamToClient, up)
		}
	}
}

// TranslateUpstreamID maps an upstream-side subscription id from a
// notification to the id the client originally saw.
func (t *SubscriptionTracker) TranslateUpstreamID(upstreamSubID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	clientID, ok := t.upstreamToClient[upstreamSubID]
	return clientID, ok
}

// MapUpstreamID installs the mapping produced by a replayed eth_subscribe's
// response (spec.md §4.5 step 6): the new upstream id now stands for the
// original client_sub_id. This never touches subscriptions, since the
// SubscribeRequest already exists from before the reconnect.
func (t *SubscriptionTracker) MapUpstreamID(upstreamSubID, clientSubID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.upstreamToClient[upstreamSubID] = clientSubID
}

// ResetAndSnapshot clears upstream_to_client (spec.md §4.5 step 3: "acquire
// the tracker, clear upstream_to_client, copy out the list of active
// SubscribeRequests") and returns the current subscriptions for replay.
func (t *SubscriptionTracker) ResetAndSnapshot() []*SubscribeRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.upstreamToClient = make(map[string]string)
	out := make([]*SubscribeRequest, 0, len(t.subscriptions))
	for _, req := range t.subscriptions {
		out = append(out, req)
	}
	return out
}

// Count reports the number of live subscriptions, for the active-subscription
// gauge (spec.md §6).
func (t *SubscriptionTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscriptions)
}

// pendingEntry is one in-flight eth_subscribe awaiting its response
// (spec.md §3 PendingSubscribe).
type pendingEntry struct {
	Params              json.RawMessage
	IsReplay            bool
	OriginalClientSubID string
}

// PendingSubscribe is the per-connection rpc_id→pendingEntry map.
type PendingSubscribe struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
}

func NewPendingSubscribe() *PendingSubscribe {
	return &PendingSubscribe{entries: make(map[string]pendingEntry)}
}

// Put records a forwarded eth_subscribe (client-initiated or replay) keyed
// by its JSON-RPC id.
func (p *PendingSubscribe) Put(rpcID string, e pendingEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[rpcID] = e
}

// Take removes and returns the pending entry for rpcID, if any. Entries are
// single-use: a response consumes its pending record (spec.md §3).
func (p *PendingSubscribe) Take(rpcID string) (pendingEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[rpcID]
	if ok {
		delete(p.entries, rpcID)
	}
	return e, ok
}
