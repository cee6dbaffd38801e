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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testServer(t *testing.T, handler MessageHandler) (*httptest.Server, *Fabric) {
	t.Helper()
	serverFabric := NewFabric("server", nil)
	serverFabric.SetMessageHandler(handler)
	btpServer := NewServer(serverFabric, func(peerId string) string {
		if peerId == "client" {
			return "hunter2"
		}
		return ""
	})
	srv := httptest.NewServer(
		http.HandlerFunc(btpServer.handleConnection),
	)
	t.Cleanup(srv.Close)
	return srv, serverFabric
}

func wsUrl(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitConnected(t *testing.T, f *Fabric, peerId string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.Connected(peerId) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer %s never connected", peerId)
}

func TestAuthAndRequestRoundTrip(t *testing.T) {
	srv, serverFabric := testServer(t, func(peerId string, f *Frame) *Frame {
		entry, ok := f.Protocol(ProtocolIlp)
		if !ok {
			return NewErrorFrame(f.RequestId, "missing ilp entry")
		}
		return NewResponseFrame(f.RequestId, ProtocolData{
			Name:        ProtocolIlp,
			ContentType: ContentTypeOctetStream,
			Data:        append([]byte{0xFF}, entry.Data...),
		})
	})
	clientFabric := NewFabric("client", nil)
	clientFabric.SetMessageHandler(func(string, *Frame) *Frame { return nil })
	clientFabric.AddPeer("server", wsUrl(srv), "hunter2")
	defer clientFabric.RemovePeer("server")
	waitConnected(t, clientFabric, "server")
	waitConnected(t, serverFabric, "client")
	response, err := clientFabric.SendRequest(
		context.Background(),
		"server",
		NewMessageFrame(0, ProtocolData{
			Name:        ProtocolIlp,
			ContentType: ContentTypeOctetStream,
			Data:        []byte{0x01, 0x02},
		}),
		5*time.Second,
	)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	entry, ok := response.Protocol(ProtocolIlp)
	if !ok {
		t.Fatal("expected ilp entry in response")
	}
	if len(entry.Data) != 3 || entry.Data[0] != 0xFF {
		t.Errorf("unexpected response data: %x", entry.Data)
	}
}

func TestServerRejectsBadSecret(t *testing.T) {
	srv, serverFabric := testServer(t, func(string, *Frame) *Frame { return nil })
	ws, _, err := websocket.DefaultDialer.Dial(wsUrl(srv), nil)
	if err != nil {
		t.Fatalf("dial failed: %s", err)
	}
	defer ws.Close()
	authPayload, err := json.Marshal(AuthPayload{PeerId: "client", Secret: "wrong"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	authFrame := NewMessageFrame(1, ProtocolData{
		Name:        ProtocolAuth,
		ContentType: ContentTypeJson,
		Data:        authPayload,
	})
	buf, err := authFrame.Serialize()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		t.Fatalf("write failed: %s", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, reply, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %s", err)
	}
	frame, err := DeserializeFrame(reply)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if frame.Type != TypeError {
		t.Errorf("expected ERROR frame, got type %d", frame.Type)
	}
	if serverFabric.Connected("client") {
		t.Error("expected client to remain unauthenticated")
	}
}

func TestServerRejectsNonAuthFirstMessage(t *testing.T) {
	srv, _ := testServer(t, func(string, *Frame) *Frame { return nil })
	ws, _, err := websocket.DefaultDialer.Dial(wsUrl(srv), nil)
	if err != nil {
		t.Fatalf("dial failed: %s", err)
	}
	defer ws.Close()
	frame := NewMessageFrame(1, ProtocolData{
		Name:        ProtocolIlp,
		ContentType: ContentTypeOctetStream,
		Data:        []byte{0x0C},
	})
	buf, err := frame.Serialize()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		t.Fatalf("write failed: %s", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, reply, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %s", err)
	}
	decoded, err := DeserializeFrame(reply)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if decoded.Type != TypeError {
		t.Errorf("expected ERROR frame, got type %d", decoded.Type)
	}
	if decoded.RequestId != 1 {
		t.Errorf("expected requestId 1, got %d", decoded.RequestId)
	}
}

func TestSendRequestDisconnectedPeer(t *testing.T) {
	f := NewFabric("client", nil)
	_, err := f.SendRequest(
		context.Background(),
		"nobody",
		NewMessageFrame(0),
		time.Second,
	)
	if err == nil {
		t.Fatal("expected error for unknown peer")
	}
}

func TestPeersStatus(t *testing.T) {
	srv, _ := testServer(t, func(string, *Frame) *Frame { return nil })
	clientFabric := NewFabric("client", nil)
	clientFabric.AddPeer("server", wsUrl(srv), "hunter2")
	defer clientFabric.RemovePeer("server")
	waitConnected(t, clientFabric, "server")
	peers := clientFabric.Peers()
	if len(peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(peers))
	}
	if !peers[0].Connected {
		t.Error("expected peer to be connected")
	}
	if peers[0].LastSeen.IsZero() {
		t.Error("expected lastSeen to be set")
	}
	if !clientFabric.RemovePeer("server") {
		t.Error("expected RemovePeer to report a known peer")
	}
	if clientFabric.Connected("server") {
		t.Error("expected peer to be disconnected after removal")
	}
}
