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
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meshpay/ilpd/internal/logging"
)

// authDeadline bounds how long an inbound connection may sit
// unauthenticated before it is dropped
const authDeadline = 10 * time.Second

// SecretLookup resolves the shared secret expected from a peer. An empty
// return means the peer is unknown.
type SecretLookup func(peerId string) string

// Server accepts inbound BTP connections over WebSocket and hands
// authenticated peers to the fabric
type Server struct {
	fabric       *Fabric
	secretLookup SecretLookup
	upgrader     websocket.Upgrader
}

// NewServer creates a BTP server bound to the given fabric
func NewServer(fabric *Fabric, secretLookup SecretLookup) *Server {
	return &Server{
		fabric:       fabric,
		secretLookup: secretLookup,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Peers are authenticated by shared secret, not origin
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ListenAndServe runs the BTP WebSocket endpoint until the listener fails
func (s *Server) ListenAndServe(listenAddress string, listenPort uint) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConnection)
	return http.ListenAndServe(
		fmt.Sprintf("%s:%d", listenAddress, listenPort),
		mux,
	)
}

// handleConnection upgrades the request and runs the auth handshake. The
// first MESSAGE frame must carry the auth subprotocol; anything else is
// answered with an ERROR frame and ignored.
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	logger := logging.GetLogger()
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	_ = ws.SetReadDeadline(time.Now().Add(authDeadline))
	for {
		_, buf, err := ws.ReadMessage()
		if err != nil {
			_ = ws.Close()
			return
		}
		frame, err := DeserializeFrame(buf)
		if err != nil {
			writeFrame(ws, NewErrorFrame(0, "malformed frame"))
			continue
		}
		if frame.Type != TypeMessage {
			continue
		}
		entry, ok := frame.Protocol(ProtocolAuth)
		if !ok {
			writeFrame(ws, NewErrorFrame(frame.RequestId, "unauthenticated"))
			continue
		}
		var auth AuthPayload
		if err := json.Unmarshal(entry.Data, &auth); err != nil || auth.PeerId == "" {
			writeFrame(ws, NewErrorFrame(frame.RequestId, "invalid auth payload"))
			_ = ws.Close()
			return
		}
		expected := s.secretLookup(auth.PeerId)
		if expected == "" ||
			subtle.ConstantTimeCompare([]byte(expected), []byte(auth.Secret)) != 1 {
			logger.Warn(
				"auth rejected",
				"peerId", auth.PeerId,
				"remote", r.RemoteAddr,
			)
			writeFrame(ws, NewErrorFrame(frame.RequestId, "invalid credentials"))
			_ = ws.Close()
			return
		}
		_ = ws.SetReadDeadline(time.Time{})
		conn := newPeerConn(auth.PeerId, ws)
		if err := conn.sendFrame(NewResponseFrame(frame.RequestId)); err != nil {
			conn.close()
			return
		}
		logger.Info("peer authenticated", "peerId", auth.PeerId, "remote", r.RemoteAddr)
		s.fabric.attach(auth.PeerId, conn)
		return
	}
}

// writeFrame is a direct pre-auth write, before the connection has a write
// loop of its own
func writeFrame(ws *websocket.Conn, f *Frame) {
	if buf, err := f.Serialize(); err == nil {
		_ = ws.WriteMessage(websocket.BinaryMessage, buf)
	}
}
