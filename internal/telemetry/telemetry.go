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

// Package telemetry fans connector events out to registered handlers
package telemetry

import (
	"sync"
	"time"

	"github.com/blinklabs-io/adder/event"
	"github.com/meshpay/ilpd/internal/logging"
)

// Event types emitted by the connector core
const (
	EventClaimSettlementSuccess = "claim.settlement.success"
	EventClaimSettlementFailed  = "claim.settlement.failed"
	EventClaimStored            = "claim.stored"
	EventClaimRejected          = "claim.rejected"
	EventPacketFulfilled        = "packet.fulfilled"
	EventPacketRejected         = "packet.rejected"
	EventPeerConnected          = "peer.connected"
	EventPeerDisconnected       = "peer.disconnected"
)

// SettlementContext identifies the channel a settlement event refers to
type SettlementContext struct {
	PeerId    string `json:"peerId"`
	Chain     string `json:"chain"`
	ChannelId string `json:"channelId"`
}

// SettlementPayload carries the settlement outcome
type SettlementPayload struct {
	TxHash string `json:"txHash,omitempty"`
	Error  string `json:"error,omitempty"`
}

// EventFunc handles a single emitted event
type EventFunc func(event.Event)

// Emitter delivers events synchronously to every registered handler
type Emitter struct {
	sync.RWMutex
	eventFuncs []EventFunc
}

// NewEmitter creates an Emitter with no handlers
func NewEmitter() *Emitter {
	return &Emitter{}
}

// AddEventFunc registers a handler for all emitted events
func (e *Emitter) AddEventFunc(eventFunc EventFunc) {
	e.Lock()
	defer e.Unlock()
	e.eventFuncs = append(e.eventFuncs, eventFunc)
}

// Emit builds an event and delivers it to every handler
func (e *Emitter) Emit(eventType string, context any, payload any) {
	evt := event.New(eventType, time.Now(), context, payload)
	logger := logging.GetLogger()
	logger.Debug("emitting event", "type", eventType)
	e.RLock()
	defer e.RUnlock()
	for _, eventFunc := range e.eventFuncs {
		eventFunc(evt)
	}
}
