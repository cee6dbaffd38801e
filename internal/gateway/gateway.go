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

// Package gateway exposes the optional private-messaging edge: an HTTP
// endpoint for submitting Prepares and a WebSocket endpoint for event
// subscriptions and push delivery
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/meshpay/ilpd/internal/ilp"
	"github.com/meshpay/ilpd/internal/logging"
	"github.com/meshpay/ilpd/internal/sub"
)

// defaultExpiry is applied to submitted Prepares when the request does not
// carry one
const defaultExpiry = 30 * time.Second

// SubmitFunc hands a locally originated Prepare to the connector core and
// returns the Fulfill or Reject outcome
type SubmitFunc func(ctx context.Context, prepare *ilp.Prepare) ilp.Packet

// Gateway serves the messaging edge
type Gateway struct {
	submit        SubmitFunc
	subscriptions *sub.Manager
	upgrader      websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[string]*wsClient // clientId -> conn
}

// wsClient is one connected WebSocket consumer. Writes are serialized by
// the client's own mutex.
type wsClient struct {
	sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) writeJson(v any) error {
	c.Lock()
	defer c.Unlock()
	return c.conn.WriteJSON(v)
}

// New creates a gateway
func New(submit SubmitFunc, subscriptions *sub.Manager) *Gateway {
	return &Gateway{
		submit:        submit,
		subscriptions: subscriptions,
		clients:       make(map[string]*wsClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: checkWebSocketOrigin,
		},
	}
}

// checkWebSocketOrigin validates WebSocket connection origins.
// Allows same-origin requests and localhost connections for development.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // Allow requests without Origin header (non-browser clients)
	}
	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}
	originHost := extractHost(origin)
	if originHost == "" {
		return false
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if !strings.Contains(originHost, ":") {
		if idx := strings.LastIndex(host, ":"); idx != -1 {
			host = host[:idx]
		}
	}
	return originHost == host
}

// extractHost extracts the host from a URL string
func extractHost(urlStr string) string {
	if idx := strings.Index(urlStr, "://"); idx != -1 {
		urlStr = urlStr[idx+3:]
	}
	if idx := strings.Index(urlStr, "/"); idx != -1 {
		urlStr = urlStr[:idx]
	}
	return urlStr
}

// RegisterApiHandlers registers the HTTP submission endpoint on mux
func (g *Gateway) RegisterApiHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/send", g.HandleSend)
}

// RegisterEventHandlers registers the WebSocket event stream on mux
func (g *Gateway) RegisterEventHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/ws/events", g.HandleEventStream)
}

// RegisterHandlers registers all gateway handlers on the given ServeMux
func (g *Gateway) RegisterHandlers(mux *http.ServeMux) {
	g.RegisterApiHandlers(mux)
	g.RegisterEventHandlers(mux)
}

// StartServer starts the gateway listeners. When wsAddr is empty or equal
// to addr both endpoints share one listener; otherwise the event stream is
// served on its own listener at wsAddr.
func (g *Gateway) StartServer(addr string, wsAddr string) error {
	logger := logging.GetLogger()
	mux := http.NewServeMux()
	g.RegisterApiHandlers(mux)
	if wsAddr == "" || wsAddr == addr {
		g.RegisterEventHandlers(mux)
		logger.Info("starting messaging gateway", "addr", addr)
		return http.ListenAndServe(addr, mux)
	}
	wsMux := http.NewServeMux()
	g.RegisterEventHandlers(wsMux)
	logger.Info("starting messaging gateway", "addr", addr, "wsAddr", wsAddr)
	errChan := make(chan error, 2)
	go func() {
		errChan <- http.ListenAndServe(wsAddr, wsMux)
	}()
	go func() {
		errChan <- http.ListenAndServe(addr, mux)
	}()
	return <-errChan
}

// SendRequest is the HTTP submission body
type SendRequest struct {
	Destination string `json:"destination"`
	Amount      uint64 `json:"amount"`
	// Condition is the hex-encoded 32-byte execution condition
	Condition string `json:"condition"`
	// Data is base64-encoded application payload
	Data string `json:"data,omitempty"`
	// ExpirySeconds overrides the default Prepare expiry
	ExpirySeconds uint `json:"expirySeconds,omitempty"`
}

// SendResponse reports the packet outcome for one submission
type SendResponse struct {
	Id          string `json:"id"`
	Outcome     string `json:"outcome"` // "fulfilled" or "rejected"
	Fulfillment string `json:"fulfillment,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Data        string `json:"data,omitempty"`
}

// HandleSend accepts a payment submission and runs it through the
// connector core synchronously
func (g *Gateway) HandleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	destination, err := ilp.ParseAddress(req.Destination)
	if err != nil {
		http.Error(w, "Invalid destination address", http.StatusBadRequest)
		return
	}
	condition, err := hex.DecodeString(strings.TrimPrefix(req.Condition, "0x"))
	if err != nil || len(condition) != ilp.ConditionLength {
		http.Error(w, "Condition must be 32 bytes of hex", http.StatusBadRequest)
		return
	}
	var data []byte
	if req.Data != "" {
		data, err = base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			http.Error(w, "Data must be base64", http.StatusBadRequest)
			return
		}
	}
	expiry := defaultExpiry
	if req.ExpirySeconds > 0 {
		expiry = time.Duration(req.ExpirySeconds) * time.Second
	}
	prepare := &ilp.Prepare{
		Amount:      req.Amount,
		ExpiresAt:   time.Now().Add(expiry),
		Destination: destination,
		Data:        data,
	}
	copy(prepare.ExecutionCondition[:], condition)
	result := g.submit(r.Context(), prepare)
	response := SendResponse{
		Id: uuid.NewString(),
	}
	switch packet := result.(type) {
	case *ilp.Fulfill:
		response.Outcome = "fulfilled"
		response.Fulfillment = hex.EncodeToString(packet.Fulfillment[:])
		response.Data = base64.StdEncoding.EncodeToString(packet.Data)
	case *ilp.Reject:
		response.Outcome = "rejected"
		response.Code = packet.Code
		response.Message = packet.Message
		response.Data = base64.StdEncoding.EncodeToString(packet.Data)
	default:
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// clientCommand is the WebSocket command envelope
type clientCommand struct {
	Action string     `json:"action"` // "subscribe" or "unsubscribe"
	SubId  string     `json:"subId"`
	Filter sub.Filter `json:"filter,omitempty"`
}

// eventPush is the WebSocket push envelope for a matched event
type eventPush struct {
	Type  string     `json:"type"` // always "event"
	SubId string     `json:"subId"`
	Event *sub.Event `json:"event"`
}

// HandleEventStream handles WebSocket connections for subscription-based
// event delivery
func (g *Gateway) HandleEventStream(w http.ResponseWriter, r *http.Request) {
	logger := logging.GetLogger()
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", "error", err)
		return
	}
	clientId := uuid.NewString()
	client := &wsClient{conn: conn}
	g.clientsMu.Lock()
	g.clients[clientId] = client
	g.clientsMu.Unlock()
	logger.Debug("WebSocket client connected", "clientId", clientId, "remote", conn.RemoteAddr())
	defer func() {
		g.clientsMu.Lock()
		delete(g.clients, clientId)
		g.clientsMu.Unlock()
		g.subscriptions.UnregisterAllForPeer(clientId)
		_ = conn.Close()
		logger.Debug("WebSocket client disconnected", "clientId", clientId)
	}()
	for {
		var cmd clientCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		switch cmd.Action {
		case "subscribe":
			if err := g.subscriptions.Register(clientId, cmd.SubId, cmd.Filter); err != nil {
				_ = client.writeJson(map[string]string{
					"type":  "error",
					"subId": cmd.SubId,
					"error": err.Error(),
				})
			}
		case "unsubscribe":
			g.subscriptions.Unregister(clientId, cmd.SubId)
		default:
			_ = client.writeJson(map[string]string{
				"type":  "error",
				"error": "unknown action",
			})
		}
	}
}

// DeliverEvent pushes an application event to every connected client with
// a matching subscription
func (g *Gateway) DeliverEvent(evt *sub.Event) {
	logger := logging.GetLogger()
	matched := g.subscriptions.Match(evt)
	if len(matched) == 0 {
		return
	}
	g.clientsMu.RLock()
	defer g.clientsMu.RUnlock()
	for _, subscription := range matched {
		client, ok := g.clients[subscription.PeerId]
		if !ok {
			continue
		}
		push := eventPush{
			Type:  "event",
			SubId: subscription.Id,
			Event: evt,
		}
		if err := client.writeJson(push); err != nil {
			logger.Debug(
				"failed to push event",
				"clientId", subscription.PeerId,
				"error", err,
			)
		}
	}
}

// ClientCount returns the number of connected WebSocket clients
func (g *Gateway) ClientCount() int {
	g.clientsMu.RLock()
	defer g.clientsMu.RUnlock()
	return len(g.clients)
}
