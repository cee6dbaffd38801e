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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meshpay/ilpd/internal/logging"
)

// Connection states
const (
	StateDisconnected int32 = iota
	StateDialing
	StateConnected
	StateAuthenticated
)

const (
	// DefaultRequestTimeout bounds a correlated request when the caller
	// does not override it
	DefaultRequestTimeout = 10 * time.Second
	// sendQueueHighWater is the per-peer outbound queue bound; sends fail
	// fast once it is reached
	sendQueueHighWater = 256
)

var (
	// ErrSendQueueFull is a transient failure: the peer's outbound queue
	// hit its high-water mark
	ErrSendQueueFull = errors.New("send queue full")
	// ErrRequestTimeout is returned when no correlated response arrived
	// before the deadline
	ErrRequestTimeout = errors.New("request timed out")
	// ErrDisconnected is returned for sends on a disconnected peer and for
	// requests in flight when the connection drops
	ErrDisconnected = errors.New("peer disconnected")
	// ErrPeerError is returned when the peer answered with an ERROR frame
	ErrPeerError = errors.New("peer returned BTP error")
)

// peerConn is one authenticated WebSocket connection to a peer. It owns a
// single write loop (serialized sends) and a single read loop.
type peerConn struct {
	peerId    string
	ws        *websocket.Conn
	sendQueue chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	state     atomic.Int32
	lastSeen  atomic.Int64

	pendingMutex sync.Mutex
	pending      map[uint32]chan *Frame
	nextRequest  atomic.Uint32
}

func newPeerConn(peerId string, ws *websocket.Conn) *peerConn {
	c := &peerConn{
		peerId:    peerId,
		ws:        ws,
		sendQueue: make(chan []byte, sendQueueHighWater),
		closed:    make(chan struct{}),
		pending:   make(map[uint32]chan *Frame),
	}
	c.state.Store(StateConnected)
	c.touch()
	go c.writeLoop()
	return c
}

func (c *peerConn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *peerConn) lastSeenTime() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// close tears the connection down and fails every in-flight request
func (c *peerConn) close() {
	c.closeOnce.Do(func() {
		c.state.Store(StateDisconnected)
		close(c.closed)
		_ = c.ws.Close()
		c.pendingMutex.Lock()
		for requestId, ch := range c.pending {
			close(ch)
			delete(c.pending, requestId)
		}
		c.pendingMutex.Unlock()
	})
}

// enqueue places an encoded frame on the send queue, failing fast when the
// high-water mark is reached
func (c *peerConn) enqueue(buf []byte) error {
	select {
	case <-c.closed:
		return ErrDisconnected
	default:
	}
	select {
	case c.sendQueue <- buf:
		return nil
	default:
		return fmt.Errorf("%w: peer %s", ErrSendQueueFull, c.peerId)
	}
}

// writeLoop is the single writer for the socket
func (c *peerConn) writeLoop() {
	logger := logging.GetLogger()
	for {
		select {
		case <-c.closed:
			return
		case buf := <-c.sendQueue:
			if err := c.ws.WriteMessage(websocket.BinaryMessage, buf); err != nil {
				logger.Warn("write failed", "peerId", c.peerId, "error", err)
				c.close()
				return
			}
		}
	}
}

// sendFrame serializes and enqueues a frame
func (c *peerConn) sendFrame(f *Frame) error {
	buf, err := f.Serialize()
	if err != nil {
		return err
	}
	return c.enqueue(buf)
}

// sendRequest sends a MESSAGE frame and waits for the correlated RESPONSE
// or ERROR up to the deadline. The frame's request ID is assigned here.
func (c *peerConn) sendRequest(
	ctx context.Context,
	f *Frame,
	timeout time.Duration,
) (*Frame, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	requestId := c.nextRequest.Add(1)
	f.RequestId = requestId
	ch := make(chan *Frame, 1)
	c.pendingMutex.Lock()
	c.pending[requestId] = ch
	c.pendingMutex.Unlock()
	cleanup := func() {
		c.pendingMutex.Lock()
		delete(c.pending, requestId)
		c.pendingMutex.Unlock()
	}
	if err := c.sendFrame(f); err != nil {
		cleanup()
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case response, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%w: peer %s", ErrDisconnected, c.peerId)
		}
		if response.Type == TypeError {
			reason := ""
			if entry, found := response.Protocol(ProtocolError); found {
				reason = string(entry.Data)
			}
			return response, fmt.Errorf("%w: %s", ErrPeerError, reason)
		}
		return response, nil
	case <-timer.C:
		cleanup()
		return nil, fmt.Errorf("%w: peer %s request %d", ErrRequestTimeout, c.peerId, requestId)
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-c.closed:
		cleanup()
		return nil, fmt.Errorf("%w: peer %s", ErrDisconnected, c.peerId)
	}
}

// resolve routes an inbound RESPONSE or ERROR frame to its pending request.
// Late or duplicate responses are dropped with a warning.
func (c *peerConn) resolve(f *Frame) {
	c.pendingMutex.Lock()
	ch, ok := c.pending[f.RequestId]
	if ok {
		delete(c.pending, f.RequestId)
	}
	c.pendingMutex.Unlock()
	if !ok {
		logging.GetLogger().Warn(
			"dropping uncorrelated response",
			"peerId", c.peerId,
			"requestId", f.RequestId,
			"type", f.Type,
		)
		return
	}
	ch <- f
}
