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

// Package connector implements the packet handler: the per-Prepare state
// machine that validates, routes, applies fees, forwards, and maps every
// failure into the closed ILP error taxonomy
package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meshpay/ilpd/internal/btp"
	"github.com/meshpay/ilpd/internal/ilp"
	"github.com/meshpay/ilpd/internal/logging"
	"github.com/meshpay/ilpd/internal/routing"
	"github.com/meshpay/ilpd/internal/telemetry"
)

// Sender forwards a BTP request to a peer and awaits the correlated
// response. *btp.Fabric satisfies it; tests substitute fakes.
type Sender interface {
	SendRequest(
		ctx context.Context,
		peerId string,
		frame *btp.Frame,
		timeout time.Duration,
	) (*btp.Frame, error)
}

// ClaimExchanger attaches signed claims to outbound frames and absorbs
// claims arriving on inbound ones. Both directions degrade gracefully: a
// nil exchanger or a failed exchange never affects the packet path.
type ClaimExchanger interface {
	OutboundEntries(peerId string, amount uint64) []btp.ProtocolData
	ProcessInbound(peerId string, frame *btp.Frame)
}

// LocalHandler receives a Prepare whose route names the local delivery
// sink and returns the Fulfill or Reject to answer with
type LocalHandler func(prepare *ilp.Prepare, sourcePeerId string) ilp.Packet

// Config carries the forwarding parameters
type Config struct {
	// Address is this connector's own ILP address, used as triggeredBy on
	// locally generated Rejects
	Address ilp.Address
	// FeeBasisPoints is the per-hop fee (10 = 0.1%)
	FeeBasisPoints uint64
	// MinForwardedAmount rejects forwards whose post-fee amount falls below it
	MinForwardedAmount uint64
	MaxHoldTime        time.Duration
	MinHoldTime        time.Duration
}

// Handler processes one inbound Prepare per call. It is reentrant: all
// shared state lives in the routing table, the sender, and the store.
type Handler struct {
	cfg            Config
	routes         *routing.Table
	sender         Sender
	emitter        *telemetry.Emitter
	claimExchanger ClaimExchanger
	localSink      string
	localHandler   LocalHandler
	now            func() time.Time
}

// Option configures optional handler collaborators
type Option func(*Handler)

// WithLocalSink registers the local delivery sink: Prepares routed to
// sinkPeerId are handed to the local handler instead of being forwarded
func WithLocalSink(sinkPeerId string, handler LocalHandler) Option {
	return func(h *Handler) {
		h.localSink = sinkPeerId
		h.localHandler = handler
	}
}

// WithClaimExchanger attaches a claim exchanger to the forwarding path
func WithClaimExchanger(exchanger ClaimExchanger) Option {
	return func(h *Handler) {
		h.claimExchanger = exchanger
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler creates a packet handler
func NewHandler(
	cfg Config,
	routes *routing.Table,
	sender Sender,
	emitter *telemetry.Emitter,
	opts ...Option,
) *Handler {
	h := &Handler{
		cfg:     cfg,
		routes:  routes,
		sender:  sender,
		emitter: emitter,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandlePrepare runs the full forwarding procedure for one Prepare from
// peer sourcePeerId and always returns a Fulfill or Reject
func (h *Handler) HandlePrepare(
	ctx context.Context,
	sourcePeerId string,
	prepare *ilp.Prepare,
) ilp.Packet {
	logger := logging.GetLogger()
	now := h.now()
	if !now.Before(prepare.ExpiresAt) {
		return h.reject(prepare, ilp.CodeTransferTimedOut, "transfer expired before processing")
	}
	if !ilp.ValidAddress(string(prepare.Destination)) {
		return h.reject(prepare, ilp.CodeInvalidPacket, "invalid destination address")
	}
	nextHop, ok := h.routes.Lookup(prepare.Destination)
	if !ok {
		return h.reject(prepare, ilp.CodeUnreachable, "no route to destination")
	}
	if nextHop == sourcePeerId {
		// Never reflect a packet back to its sender
		return h.reject(prepare, ilp.CodeUnreachable, "routing loop detected")
	}
	if h.localHandler != nil && nextHop == h.localSink {
		result := h.localHandler(prepare, sourcePeerId)
		h.emitOutcome(sourcePeerId, prepare, result)
		return result
	}
	fee := prepare.Amount * h.cfg.FeeBasisPoints / 10_000
	forwardedAmount := prepare.Amount - fee
	if forwardedAmount < h.cfg.MinForwardedAmount {
		return h.reject(
			prepare,
			ilp.CodeInsufficientLiquidity,
			"amount below minimum after fees",
		)
	}
	forwardedExpiry := now.Add(h.cfg.MaxHoldTime)
	if prepare.ExpiresAt.Before(forwardedExpiry) {
		forwardedExpiry = prepare.ExpiresAt
	}
	if !forwardedExpiry.After(now.Add(h.cfg.MinHoldTime)) {
		return h.reject(prepare, ilp.CodeTransferTimedOut, "insufficient time to forward")
	}
	forwarded := &ilp.Prepare{
		Amount:             forwardedAmount,
		ExpiresAt:          forwardedExpiry,
		ExecutionCondition: prepare.ExecutionCondition,
		Destination:        prepare.Destination,
		Data:               prepare.Data,
	}
	response, err := h.forward(ctx, nextHop, forwarded, forwardedExpiry.Sub(now))
	if err != nil {
		result := h.mapTransportError(prepare, nextHop, err)
		h.emitOutcome(sourcePeerId, prepare, result)
		return result
	}
	switch packet := response.(type) {
	case *ilp.Fulfill:
		if !packet.Matches(prepare.ExecutionCondition) {
			logger.Error(
				"fulfillment does not match condition",
				"peerId", nextHop,
				"destination", prepare.Destination,
			)
			result := h.reject(prepare, ilp.CodeWrongCondition, "fulfillment does not match condition")
			h.emitOutcome(sourcePeerId, prepare, result)
			return result
		}
		h.emitOutcome(sourcePeerId, prepare, packet)
		return packet
	case *ilp.Reject:
		// Propagate unchanged: code, triggeredBy, message, data
		h.emitOutcome(sourcePeerId, prepare, packet)
		return packet
	default:
		result := h.reject(prepare, ilp.CodeFinalApplicationError, "unexpected packet type from peer")
		h.emitOutcome(sourcePeerId, prepare, result)
		return result
	}
}

// forward sends the Prepare to the next hop over BTP and decodes the
// returned packet
func (h *Handler) forward(
	ctx context.Context,
	nextHop string,
	prepare *ilp.Prepare,
	timeout time.Duration,
) (ilp.Packet, error) {
	buf, err := prepare.Serialize()
	if err != nil {
		return nil, err
	}
	entries := []btp.ProtocolData{
		{
			Name:        btp.ProtocolIlp,
			ContentType: btp.ContentTypeOctetStream,
			Data:        buf,
		},
	}
	if h.claimExchanger != nil {
		entries = append(entries, h.claimExchanger.OutboundEntries(nextHop, prepare.Amount)...)
	}
	forwardCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	response, err := h.sender.SendRequest(
		forwardCtx,
		nextHop,
		btp.NewMessageFrame(0, entries...),
		timeout,
	)
	if err != nil {
		return nil, err
	}
	if h.claimExchanger != nil {
		h.claimExchanger.ProcessInbound(nextHop, response)
	}
	entry, ok := response.Protocol(btp.ProtocolIlp)
	if !ok {
		return nil, fmt.Errorf("response carries no ILP packet")
	}
	return ilp.DeserializePacket(entry.Data)
}

// mapTransportError converts a forwarding failure into the closed error
// taxonomy
func (h *Handler) mapTransportError(
	prepare *ilp.Prepare,
	nextHop string,
	err error,
) *ilp.Reject {
	logger := logging.GetLogger()
	logger.Warn(
		"forward failed",
		"peerId", nextHop,
		"destination", prepare.Destination,
		"error", err,
	)
	switch {
	case errors.Is(err, btp.ErrRequestTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return h.reject(prepare, ilp.CodeTransferTimedOut, "downstream response timed out")
	case errors.Is(err, btp.ErrSendQueueFull):
		return h.reject(prepare, ilp.CodeInsufficientLiquidity, "peer send queue full")
	default:
		return h.reject(prepare, ilp.CodePeerUnreachable, "failed to reach peer")
	}
}

func (h *Handler) reject(prepare *ilp.Prepare, code string, message string) *ilp.Reject {
	return ilp.NewReject(code, h.cfg.Address, message)
}

func (h *Handler) emitOutcome(sourcePeerId string, prepare *ilp.Prepare, result ilp.Packet) {
	if h.emitter == nil {
		return
	}
	outcomeContext := map[string]string{
		"peerId":      sourcePeerId,
		"destination": string(prepare.Destination),
	}
	switch packet := result.(type) {
	case *ilp.Fulfill:
		h.emitter.Emit(telemetry.EventPacketFulfilled, outcomeContext, nil)
	case *ilp.Reject:
		h.emitter.Emit(
			telemetry.EventPacketRejected,
			outcomeContext,
			map[string]string{"code": packet.Code, "message": packet.Message},
		)
	}
}

// HandleFrame adapts the packet handler to the BTP fabric's message
// handler. Claims ride alongside the ILP entry and are absorbed first.
func (h *Handler) HandleFrame(peerId string, frame *btp.Frame) *btp.Frame {
	if h.claimExchanger != nil {
		h.claimExchanger.ProcessInbound(peerId, frame)
	}
	entry, ok := frame.Protocol(btp.ProtocolIlp)
	if !ok {
		// Pure claim or keepalive message
		return btp.NewResponseFrame(frame.RequestId)
	}
	packet, err := ilp.DeserializePacket(entry.Data)
	if err != nil {
		return btp.NewErrorFrame(frame.RequestId, "malformed ILP packet")
	}
	prepare, ok := packet.(*ilp.Prepare)
	if !ok {
		return btp.NewErrorFrame(frame.RequestId, "unexpected ILP packet type")
	}
	result := h.HandlePrepare(context.Background(), peerId, prepare)
	buf, err := result.Serialize()
	if err != nil {
		logging.GetLogger().Error("failed to serialize result packet", "error", err)
		return btp.NewErrorFrame(frame.RequestId, "internal error")
	}
	return btp.NewResponseFrame(frame.RequestId, btp.ProtocolData{
		Name:        btp.ProtocolIlp,
		ContentType: btp.ContentTypeOctetStream,
		Data:        buf,
	})
}
