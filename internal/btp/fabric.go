// Copyright 2026 Meshpay Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package btp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/meshpay/ilpd/internal/logging"
	"github.com/meshpay/ilpd/internal/telemetry"
)

// MessageHandler processes an inbound MESSAGE frame from an authenticated
// peer and returns the RESPONSE or ERROR frame to send back
type MessageHandler func(peerId string, f *Frame) *Frame

// PeerStatus is a point-in-time view of one configured peer
type PeerStatus struct {
	Id        string
	Url       string
	Connected bool
	LastSeen  time.Time
}

type peerEntry struct {
	id        string
	url       string
	authToken string
	cancel    context.CancelFunc
}

// Fabric owns the peer connection set: it dials configured peers, accepts
// inbound authenticated connections, and correlates requests
type Fabric struct {
	sync.RWMutex
	localPeerId string
	handler     MessageHandler
	emitter     *telemetry.Emitter
	peers       map[string]*peerEntry
	conns       map[string]*peerConn
}

// NewFabric creates a fabric identifying itself to peers as localPeerId
func NewFabric(localPeerId string, emitter *telemetry.Emitter) *Fabric {
	return &Fabric{
		localPeerId: localPeerId,
		emitter:     emitter,
		peers:       make(map[string]*peerEntry),
		conns:       make(map[string]*peerConn),
	}
}

// SetMessageHandler registers the handler for inbound MESSAGE frames. It
// must be set before any peer is added.
func (f *Fabric) SetMessageHandler(handler MessageHandler) {
	f.Lock()
	defer f.Unlock()
	f.handler = handler
}

// AddPeer registers a peer. When url is non-empty a dial loop with
// exponential backoff runs until the peer is removed.
func (f *Fabric) AddPeer(id string, url string, authToken string) {
	f.Lock()
	if _, ok := f.peers[id]; ok {
		f.Unlock()
		return
	}
	entry := &peerEntry{
		id:        id,
		url:       url,
		authToken: authToken,
	}
	f.peers[id] = entry
	f.Unlock()
	if url != "" {
		ctx, cancel := context.WithCancel(context.Background())
		entry.cancel = cancel
		go f.dialLoop(ctx, entry)
	}
}

// RemovePeer deregisters a peer, stops its dial loop, and drops its
// connection. Returns whether the peer was known.
func (f *Fabric) RemovePeer(id string) bool {
	f.Lock()
	entry, ok := f.peers[id]
	if ok {
		delete(f.peers, id)
	}
	conn := f.conns[id]
	delete(f.conns, id)
	f.Unlock()
	if entry != nil && entry.cancel != nil {
		entry.cancel()
	}
	if conn != nil {
		conn.close()
	}
	return ok
}

// Connected reports whether the peer has an authenticated connection
func (f *Fabric) Connected(peerId string) bool {
	f.RLock()
	defer f.RUnlock()
	conn, ok := f.conns[peerId]
	return ok && conn.state.Load() == StateAuthenticated
}

// Peers returns the status of every configured peer
func (f *Fabric) Peers() []PeerStatus {
	f.RLock()
	defer f.RUnlock()
	ret := make([]PeerStatus, 0, len(f.peers))
	for id, entry := range f.peers {
		status := PeerStatus{
			Id:  id,
			Url: entry.url,
		}
		if conn, ok := f.conns[id]; ok {
			status.Connected = conn.state.Load() == StateAuthenticated
			status.LastSeen = conn.lastSeenTime()
		}
		ret = append(ret, status)
	}
	return ret
}

// SendRequest sends a MESSAGE frame to a peer and awaits the correlated
// response
func (f *Fabric) SendRequest(
	ctx context.Context,
	peerId string,
	frame *Frame,
	timeout time.Duration,
) (*Frame, error) {
	f.RLock()
	conn, ok := f.conns[peerId]
	f.RUnlock()
	if !ok || conn.state.Load() != StateAuthenticated {
		return nil, fmt.Errorf("%w: peer %s", ErrDisconnected, peerId)
	}
	return conn.sendRequest(ctx, frame, timeout)
}

// attach registers an authenticated connection for a peer, replacing any
// stale one, and starts its read loop
func (f *Fabric) attach(peerId string, conn *peerConn) {
	conn.state.Store(StateAuthenticated)
	f.Lock()
	old := f.conns[peerId]
	f.conns[peerId] = conn
	f.Unlock()
	if old != nil {
		old.close()
	}
	if f.emitter != nil {
		f.emitter.Emit(telemetry.EventPeerConnected, nil, map[string]string{"peerId": peerId})
	}
	go f.readLoop(conn)
}

// detach removes the connection if it is still the current one
func (f *Fabric) detach(conn *peerConn) {
	f.Lock()
	if f.conns[conn.peerId] == conn {
		delete(f.conns, conn.peerId)
	}
	f.Unlock()
	conn.close()
	if f.emitter != nil {
		f.emitter.Emit(
			telemetry.EventPeerDisconnected,
			nil,
			map[string]string{"peerId": conn.peerId},
		)
	}
}

// readLoop drains inbound frames from one authenticated connection.
// RESPONSE and ERROR frames resolve pending requests; MESSAGE frames are
// dispatched to the handler on their own goroutine.
func (f *Fabric) readLoop(conn *peerConn) {
	logger := logging.GetLogger()
	defer f.detach(conn)
	for {
		_, buf, err := conn.ws.ReadMessage()
		if err != nil {
			if conn.state.Load() != StateDisconnected {
				logger.Info("peer connection closed", "peerId", conn.peerId, "error", err)
			}
			return
		}
		conn.touch()
		frame, err := DeserializeFrame(buf)
		if err != nil {
			// Malformed frame: answer with ERROR and discard
			logger.Warn("malformed frame", "peerId", conn.peerId, "error", err)
			_ = conn.sendFrame(NewErrorFrame(0, "malformed frame"))
			continue
		}
		switch frame.Type {
		case TypeResponse, TypeError:
			conn.resolve(frame)
		case TypeMessage:
			f.RLock()
			handler := f.handler
			f.RUnlock()
			if handler == nil {
				_ = conn.sendFrame(NewErrorFrame(frame.RequestId, "no handler"))
				continue
			}
			go func(frame *Frame) {
				response := handler(conn.peerId, frame)
				if response == nil {
					response = NewResponseFrame(frame.RequestId)
				}
				response.RequestId = frame.RequestId
				if err := conn.sendFrame(response); err != nil {
					logger.Warn(
						"failed to send response",
						"peerId", conn.peerId,
						"requestId", frame.RequestId,
						"error", err,
					)
				}
			}(frame)
		}
	}
}

// dialLoop keeps an outbound peer connected while it remains configured.
// Backoff starts at one second and caps at thirty with ±20% jitter.
func (f *Fabric) dialLoop(ctx context.Context, entry *peerEntry) {
	logger := logging.GetLogger()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 1 * time.Second
	policy.MaxInterval = 30 * time.Second
	policy.RandomizationFactor = 0.2
	policy.MaxElapsedTime = 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := f.dial(ctx, entry)
		if err != nil {
			wait := policy.NextBackOff()
			logger.Warn(
				"dial failed",
				"peerId", entry.id,
				"url", entry.url,
				"retryIn", wait,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		policy.Reset()
		logger.Info("peer authenticated", "peerId", entry.id, "url", entry.url)
		f.attach(entry.id, conn)
		// Hold until the connection drops, then reconnect
		select {
		case <-ctx.Done():
			conn.close()
			return
		case <-conn.closed:
		}
	}
}

// dial connects to a peer and performs the auth handshake
func (f *Fabric) dial(ctx context.Context, entry *peerEntry) (*peerConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, entry.url, nil)
	if err != nil {
		return nil, err
	}
	conn := newPeerConn(entry.id, ws)
	authPayload, err := json.Marshal(AuthPayload{
		PeerId: f.localPeerId,
		Secret: entry.authToken,
	})
	if err != nil {
		conn.close()
		return nil, err
	}
	requestId := conn.nextRequest.Add(1)
	authFrame := NewMessageFrame(requestId, ProtocolData{
		Name:        ProtocolAuth,
		ContentType: ContentTypeJson,
		Data:        authPayload,
	})
	if err := conn.sendFrame(authFrame); err != nil {
		conn.close()
		return nil, err
	}
	// The handshake is the only exchange on the socket until it completes,
	// so read the reply inline before the read loop takes over
	_ = ws.SetReadDeadline(time.Now().Add(DefaultRequestTimeout))
	_, buf, err := ws.ReadMessage()
	if err != nil {
		conn.close()
		return nil, fmt.Errorf("auth failed: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})
	reply, err := DeserializeFrame(buf)
	if err != nil {
		conn.close()
		return nil, fmt.Errorf("auth failed: %w", err)
	}
	if reply.Type != TypeResponse || reply.RequestId != requestId {
		conn.close()
		reason := "unexpected reply"
		if entry, found := reply.Protocol(ProtocolError); found {
			reason = string(entry.Data)
		}
		return nil, fmt.Errorf("auth failed: %w: %s", ErrPeerError, reason)
	}
	return conn, nil
}

// IsTransient reports whether a send failure is safe to retry
func IsTransient(err error) bool {
	return errors.Is(err, ErrSendQueueFull)
}
