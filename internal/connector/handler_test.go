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

package connector

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/meshpay/ilpd/internal/btp"
	"github.com/meshpay/ilpd/internal/ilp"
	"github.com/meshpay/ilpd/internal/routing"
)

var (
	testFulfillment = [32]byte{0x01, 0x02, 0x03}
	testCondition   = sha256.Sum256(testFulfillment[:])
)

func testConfig(addr string) Config {
	return Config{
		Address:            ilp.Address(addr),
		FeeBasisPoints:     10,
		MinForwardedAmount: 1,
		MaxHoldTime:        30 * time.Second,
		MinHoldTime:        1 * time.Second,
	}
}

// chainSender delivers a request frame straight to the next handler in a
// chain, standing in for the BTP fabric
type chainSender struct {
	next       *Handler
	nextPeerId string
	sent       []*ilp.Prepare
}

func (s *chainSender) SendRequest(
	ctx context.Context,
	peerId string,
	frame *btp.Frame,
	timeout time.Duration,
) (*btp.Frame, error) {
	entry, ok := frame.Protocol(btp.ProtocolIlp)
	if ok {
		if packet, err := ilp.DeserializePacket(entry.Data); err == nil {
			if prepare, isPrepare := packet.(*ilp.Prepare); isPrepare {
				s.sent = append(s.sent, prepare)
			}
		}
	}
	return s.next.HandleFrame(s.nextPeerId, frame), nil
}

// packetSender answers every forward with a fixed packet or error
type packetSender struct {
	packet ilp.Packet
	err    error
	calls  int
}

func (s *packetSender) SendRequest(
	ctx context.Context,
	peerId string,
	frame *btp.Frame,
	timeout time.Duration,
) (*btp.Frame, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	buf, err := s.packet.Serialize()
	if err != nil {
		return nil, err
	}
	return btp.NewResponseFrame(frame.RequestId, btp.ProtocolData{
		Name:        btp.ProtocolIlp,
		ContentType: btp.ContentTypeOctetStream,
		Data:        buf,
	}), nil
}

func newPrepare(amount uint64, expiresIn time.Duration) *ilp.Prepare {
	return &ilp.Prepare{
		Amount:             amount,
		ExpiresAt:          time.Now().Add(expiresIn).Truncate(time.Millisecond),
		ExecutionCondition: testCondition,
		Destination:        ilp.Address("g.dest.receiver"),
		Data:               []byte("payment"),
	}
}

func TestFiveHopFeeChain(t *testing.T) {
	// Terminal connector delivers locally and fulfills
	var deliveredAmount uint64
	terminalRoutes := routing.NewTable()
	terminalRoutes.Add(ilp.Address("g.dest"), "local", 0)
	terminal := NewHandler(
		testConfig("g.hop4"),
		terminalRoutes,
		&packetSender{},
		nil,
		WithLocalSink("local", func(prepare *ilp.Prepare, sourcePeerId string) ilp.Packet {
			deliveredAmount = prepare.Amount
			return &ilp.Fulfill{Fulfillment: testFulfillment}
		}),
	)
	// Four forwarding hops in front of it, each charging 10 bps. Built from
	// the terminal outward, so senders[0] belongs to the last hop.
	next := terminal
	var senders []*chainSender
	for hop := 4; hop >= 1; hop-- {
		sender := &chainSender{next: next, nextPeerId: "upstream"}
		senders = append(senders, sender)
		routes := routing.NewTable()
		routes.Add(ilp.Address("g.dest"), "downstream", 0)
		next = NewHandler(
			testConfig("g.hop"+string(rune('0'+hop))),
			routes,
			sender,
			nil,
		)
	}
	result := next.HandlePrepare(
		context.Background(),
		"origin",
		newPrepare(1_000_000, 25*time.Second),
	)
	fulfill, ok := result.(*ilp.Fulfill)
	if !ok {
		t.Fatalf("expected Fulfill, got %+v", result)
	}
	if !fulfill.Matches(testCondition) {
		t.Error("fulfillment does not match condition")
	}
	// 10 bps per hop: 1_000_000 -> 999_000 -> 998_001 -> 997_003 -> 996_006
	expectedForwards := []uint64{996_006, 997_003, 998_001, 999_000}
	for i, sender := range senders {
		if len(sender.sent) != 1 {
			t.Fatalf("sender %d forwarded %d packets", i, len(sender.sent))
		}
		if sender.sent[0].Amount != expectedForwards[i] {
			t.Errorf(
				"sender %d forwarded %d, expected %d",
				i, sender.sent[0].Amount, expectedForwards[i],
			)
		}
	}
	if deliveredAmount != 996_006 {
		t.Errorf("expected delivered amount 996006, got %d", deliveredAmount)
	}
}

func TestUnreachableDestination(t *testing.T) {
	sender := &packetSender{}
	h := NewHandler(testConfig("g.hub"), routing.NewTable(), sender, nil)
	result := h.HandlePrepare(context.Background(), "peer1", newPrepare(100, 10*time.Second))
	reject, ok := result.(*ilp.Reject)
	if !ok {
		t.Fatalf("expected Reject, got %+v", result)
	}
	if reject.Code != ilp.CodeUnreachable {
		t.Errorf("expected %s, got %s", ilp.CodeUnreachable, reject.Code)
	}
	if reject.TriggeredBy != ilp.Address("g.hub") {
		t.Errorf("expected triggeredBy g.hub, got %s", reject.TriggeredBy)
	}
	if sender.calls != 0 {
		t.Errorf("expected no forward attempts, got %d", sender.calls)
	}
}

func TestExpiredOnArrival(t *testing.T) {
	routes := routing.NewTable()
	routes.Add(ilp.Address("g.dest"), "peer2", 0)
	sender := &packetSender{packet: &ilp.Fulfill{Fulfillment: testFulfillment}}
	h := NewHandler(testConfig("g.hub"), routes, sender, nil)
	result := h.HandlePrepare(context.Background(), "peer1", newPrepare(100, -time.Second))
	reject, ok := result.(*ilp.Reject)
	if !ok {
		t.Fatalf("expected Reject, got %+v", result)
	}
	if reject.Code != ilp.CodeTransferTimedOut {
		t.Errorf("expected %s, got %s", ilp.CodeTransferTimedOut, reject.Code)
	}
	if sender.calls != 0 {
		t.Errorf("expected no forward attempts, got %d", sender.calls)
	}
}

func TestRoutingLoopRejected(t *testing.T) {
	routes := routing.NewTable()
	routes.Add(ilp.Address("g.dest"), "peer1", 0)
	sender := &packetSender{}
	h := NewHandler(testConfig("g.hub"), routes, sender, nil)
	result := h.HandlePrepare(context.Background(), "peer1", newPrepare(100, 10*time.Second))
	reject, ok := result.(*ilp.Reject)
	if !ok {
		t.Fatalf("expected Reject, got %+v", result)
	}
	if reject.Code != ilp.CodeUnreachable {
		t.Errorf("expected %s, got %s", ilp.CodeUnreachable, reject.Code)
	}
	if sender.calls != 0 {
		t.Errorf("expected no reflect, got %d sends", sender.calls)
	}
}

func TestTamperedFulfillmentRejected(t *testing.T) {
	routes := routing.NewTable()
	routes.Add(ilp.Address("g.dest"), "peer2", 0)
	tampered := [32]byte{0xFF}
	sender := &packetSender{packet: &ilp.Fulfill{Fulfillment: tampered}}
	h := NewHandler(testConfig("g.hub"), routes, sender, nil)
	result := h.HandlePrepare(context.Background(), "peer1", newPrepare(100, 10*time.Second))
	reject, ok := result.(*ilp.Reject)
	if !ok {
		t.Fatalf("expected Reject, got %+v", result)
	}
	if reject.Code != ilp.CodeWrongCondition {
		t.Errorf("expected %s, got %s", ilp.CodeWrongCondition, reject.Code)
	}
}

func TestRejectPropagatesUnchanged(t *testing.T) {
	routes := routing.NewTable()
	routes.Add(ilp.Address("g.dest"), "peer2", 0)
	downstream := &ilp.Reject{
		Code:        ilp.CodeInsufficientLiquidity,
		TriggeredBy: ilp.Address("g.far.away"),
		Message:     "out of liquidity",
	}
	sender := &packetSender{packet: downstream}
	h := NewHandler(testConfig("g.hub"), routes, sender, nil)
	result := h.HandlePrepare(context.Background(), "peer1", newPrepare(100, 10*time.Second))
	reject, ok := result.(*ilp.Reject)
	if !ok {
		t.Fatalf("expected Reject, got %+v", result)
	}
	if reject.Code != downstream.Code ||
		reject.TriggeredBy != downstream.TriggeredBy ||
		reject.Message != downstream.Message {
		t.Errorf("reject mutated in transit: %+v", reject)
	}
}

func TestTransportErrorMapping(t *testing.T) {
	testDefs := []struct {
		err          error
		expectedCode string
	}{
		{btp.ErrRequestTimeout, ilp.CodeTransferTimedOut},
		{context.DeadlineExceeded, ilp.CodeTransferTimedOut},
		{btp.ErrSendQueueFull, ilp.CodeInsufficientLiquidity},
		{btp.ErrDisconnected, ilp.CodePeerUnreachable},
	}
	for _, testDef := range testDefs {
		routes := routing.NewTable()
		routes.Add(ilp.Address("g.dest"), "peer2", 0)
		sender := &packetSender{err: testDef.err}
		h := NewHandler(testConfig("g.hub"), routes, sender, nil)
		result := h.HandlePrepare(context.Background(), "peer1", newPrepare(100, 10*time.Second))
		reject, ok := result.(*ilp.Reject)
		if !ok {
			t.Fatalf("expected Reject for %v, got %+v", testDef.err, result)
		}
		if reject.Code != testDef.expectedCode {
			t.Errorf("for %v expected %s, got %s", testDef.err, testDef.expectedCode, reject.Code)
		}
	}
}

func TestAmountBelowMinimumAfterFees(t *testing.T) {
	routes := routing.NewTable()
	routes.Add(ilp.Address("g.dest"), "peer2", 0)
	cfg := testConfig("g.hub")
	cfg.MinForwardedAmount = 1000
	sender := &packetSender{}
	h := NewHandler(cfg, routes, sender, nil)
	result := h.HandlePrepare(context.Background(), "peer1", newPrepare(999, 10*time.Second))
	reject, ok := result.(*ilp.Reject)
	if !ok {
		t.Fatalf("expected Reject, got %+v", result)
	}
	if reject.Code != ilp.CodeInsufficientLiquidity {
		t.Errorf("expected %s, got %s", ilp.CodeInsufficientLiquidity, reject.Code)
	}
	if sender.calls != 0 {
		t.Errorf("expected no forward attempts, got %d", sender.calls)
	}
}

func TestHandleFrameMalformedPacket(t *testing.T) {
	h := NewHandler(testConfig("g.hub"), routing.NewTable(), &packetSender{}, nil)
	frame := btp.NewMessageFrame(9, btp.ProtocolData{
		Name:        btp.ProtocolIlp,
		ContentType: btp.ContentTypeOctetStream,
		Data:        []byte{0x0C, 0x01},
	})
	reply := h.HandleFrame("peer1", frame)
	if reply.Type != btp.TypeError {
		t.Errorf("expected ERROR frame, got type %d", reply.Type)
	}
	if reply.RequestId != 9 {
		t.Errorf("expected requestId 9, got %d", reply.RequestId)
	}
}

func TestHandleFrameRoundTrip(t *testing.T) {
	routes := routing.NewTable()
	routes.Add(ilp.Address("g.dest"), "local", 0)
	h := NewHandler(
		testConfig("g.hub"),
		routes,
		&packetSender{},
		nil,
		WithLocalSink("local", func(prepare *ilp.Prepare, sourcePeerId string) ilp.Packet {
			return &ilp.Fulfill{Fulfillment: testFulfillment, Data: []byte("ok")}
		}),
	)
	buf, err := newPrepare(100, 10*time.Second).Serialize()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	reply := h.HandleFrame("peer1", btp.NewMessageFrame(3, btp.ProtocolData{
		Name:        btp.ProtocolIlp,
		ContentType: btp.ContentTypeOctetStream,
		Data:        buf,
	}))
	if reply.Type != btp.TypeResponse {
		t.Fatalf("expected RESPONSE frame, got type %d", reply.Type)
	}
	entry, ok := reply.Protocol(btp.ProtocolIlp)
	if !ok {
		t.Fatal("expected ilp entry in response")
	}
	packet, err := ilp.DeserializePacket(entry.Data)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	fulfill, ok := packet.(*ilp.Fulfill)
	if !ok {
		t.Fatalf("expected Fulfill, got %+v", packet)
	}
	if string(fulfill.Data) != "ok" {
		t.Errorf("expected data passthrough, got %q", fulfill.Data)
	}
}
