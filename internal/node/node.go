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

// Package node wires the connector together: storage, telemetry, claims,
// routing, the BTP fabric, the packet handler, and the optional messaging
// gateway
package node

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meshpay/ilpd/internal/btp"
	"github.com/meshpay/ilpd/internal/claims"
	"github.com/meshpay/ilpd/internal/config"
	"github.com/meshpay/ilpd/internal/connector"
	"github.com/meshpay/ilpd/internal/gateway"
	"github.com/meshpay/ilpd/internal/ilp"
	"github.com/meshpay/ilpd/internal/logging"
	"github.com/meshpay/ilpd/internal/routing"
	"github.com/meshpay/ilpd/internal/storage"
	"github.com/meshpay/ilpd/internal/sub"
	"github.com/meshpay/ilpd/internal/telemetry"
)

// localSinkId is the reserved next-hop name for local delivery
const localSinkId = "local"

// messagingFulfillment is the well-known preimage for message-bearing
// Prepares: delivery is acknowledged, not paid for
var messagingFulfillment [32]byte

var messagingCondition = sha256.Sum256(messagingFulfillment[:])

type Node struct {
	emitter       *telemetry.Emitter
	claimManager  *claims.Manager
	exchanger     *claimExchange
	routes        *routing.Table
	fabric        *btp.Fabric
	handler       *connector.Handler
	subscriptions *sub.Manager
	gateway       *gateway.Gateway
	server        *btp.Server
}

func New() *Node {
	return &Node{
		emitter: telemetry.NewEmitter(),
		routes:  routing.NewTable(),
	}
}

// Start builds the component graph from configuration, opens storage,
// starts the BTP listener, and dials configured peers
func (n *Node) Start() error {
	cfg := config.GetConfig()
	logger := logging.GetLogger()
	if err := storage.GetStorage().Load(); err != nil {
		return fmt.Errorf("failed to load storage: %s", err)
	}
	claimManager, err := buildClaimManager(cfg, n.emitter)
	if err != nil {
		return err
	}
	n.claimManager = claimManager
	n.exchanger = newClaimExchange(claimManager, cfg.Peers)
	for _, route := range cfg.Routes {
		prefix, err := ilp.ParseAddress(route.Prefix)
		if err != nil {
			return fmt.Errorf("invalid route prefix: %s", err)
		}
		n.routes.Add(prefix, route.NextHop, route.Priority)
	}
	localAddress, err := ilp.ParseAddress(cfg.Connector.Address)
	if err != nil {
		return fmt.Errorf("invalid connector address: %s", err)
	}
	// Deliver packets addressed directly to us without forwarding
	n.routes.Add(localAddress, localSinkId, 0)
	n.fabric = btp.NewFabric(cfg.Connector.Address, n.emitter)
	n.handler = connector.NewHandler(
		connector.Config{
			Address:            localAddress,
			FeeBasisPoints:     cfg.Connector.FeeBasisPoints,
			MinForwardedAmount: cfg.Connector.MinForwardedAmount,
			MaxHoldTime:        cfg.Connector.MaxHoldTime,
			MinHoldTime:        cfg.Connector.MinHoldTime,
		},
		n.routes,
		n.fabric,
		n.emitter,
		connector.WithLocalSink(localSinkId, n.deliverLocal),
		connector.WithClaimExchanger(n.exchanger),
	)
	n.fabric.SetMessageHandler(n.handler.HandleFrame)
	n.server = btp.NewServer(n.fabric, cfg.PeerSecret)
	go func() {
		if err := n.server.ListenAndServe(
			cfg.Server.ListenAddress,
			cfg.Server.ListenPort,
		); err != nil {
			logger.Error("BTP server failed", "error", err)
		}
	}()
	logger.Info(
		"listening for BTP connections",
		"address", cfg.Server.ListenAddress,
		"port", cfg.Server.ListenPort,
	)
	for _, peer := range cfg.Peers {
		n.fabric.AddPeer(peer.Id, peer.Url, peer.AuthToken)
	}
	if cfg.Messaging.Enabled {
		n.subscriptions = sub.NewManager(cfg.Messaging.MaxSubscriptionsPerPeer)
		n.gateway = gateway.New(n.SendPrepare, n.subscriptions)
		go func() {
			addr := fmt.Sprintf("0.0.0.0:%d", cfg.Messaging.GatewayPort)
			var wsAddr string
			if cfg.Messaging.WebsocketPort > 0 {
				wsAddr = fmt.Sprintf("0.0.0.0:%d", cfg.Messaging.WebsocketPort)
			}
			if err := n.gateway.StartServer(addr, wsAddr); err != nil {
				logger.Error("messaging gateway failed", "error", err)
			}
		}()
	}
	return nil
}

// Shutdown drops peer connections and closes storage
func (n *Node) Shutdown() error {
	if n.fabric != nil {
		for _, peer := range n.fabric.Peers() {
			n.fabric.RemovePeer(peer.Id)
		}
	}
	return storage.GetStorage().Close()
}

func buildClaimManager(
	cfg *config.Config,
	emitter *telemetry.Emitter,
) (*claims.Manager, error) {
	managerCfg := claims.ManagerConfig{
		Store:      storage.GetStorage(),
		Emitter:    emitter,
		EvmChainId: cfg.Chains.Evm.ChainId,
		Submitters: make(map[claims.Chain]claims.Submitter),
	}
	if cfg.Chains.Evm.Enabled {
		signer, err := claims.NewEvmSigner(cfg.Chains.Evm.PrivateKey, cfg.Chains.Evm.ChainId)
		if err != nil {
			return nil, fmt.Errorf("failed to configure EVM signer: %s", err)
		}
		managerCfg.EvmSigner = signer
	}
	if cfg.Chains.Xrp.Enabled {
		signer, err := claims.NewXrpSigner(cfg.Chains.Xrp.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to configure XRP signer: %s", err)
		}
		managerCfg.XrpSigner = signer
	}
	if cfg.Chains.Aptos.Enabled {
		signer, err := claims.NewAptosSigner(cfg.Chains.Aptos.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to configure Aptos signer: %s", err)
		}
		managerCfg.AptosSigner = signer
	}
	return claims.NewManager(managerCfg), nil
}

// deliverLocal handles Prepares whose destination is this connector. The
// payload is surfaced to messaging subscribers when the gateway is running.
func (n *Node) deliverLocal(prepare *ilp.Prepare, sourcePeerId string) ilp.Packet {
	logger := logging.GetLogger()
	if prepare.ExecutionCondition != messagingCondition {
		return ilp.NewReject(
			ilp.CodeWrongCondition,
			ilp.Address(config.GetConfig().Connector.Address),
			"unknown execution condition for local delivery",
		)
	}
	if n.gateway != nil && len(prepare.Data) > 0 {
		var evt sub.Event
		if err := json.Unmarshal(prepare.Data, &evt); err != nil {
			logger.Debug(
				"local payload is not an application event",
				"peerId", sourcePeerId,
				"error", err,
			)
		} else {
			n.gateway.DeliverEvent(&evt)
		}
	}
	return &ilp.Fulfill{Fulfillment: messagingFulfillment}
}

// localOriginId marks Prepares originated by this node rather than
// received from a peer. Distinct from the local sink so a self-addressed
// Prepare is delivered instead of tripping the loop guard.
const localOriginId = "origin"

// SendPrepare submits a locally originated Prepare into the packet handler
func (n *Node) SendPrepare(ctx context.Context, prepare *ilp.Prepare) ilp.Packet {
	return n.handler.HandlePrepare(ctx, localOriginId, prepare)
}

// AddPeer registers a peer at runtime
func (n *Node) AddPeer(peer config.PeerConfig) {
	n.fabric.AddPeer(peer.Id, peer.Url, peer.AuthToken)
	n.exchanger.configurePeer(peer)
}

// RemovePeer drops a peer and its connection, reporting whether it existed
func (n *Node) RemovePeer(peerId string) bool {
	n.exchanger.removePeer(peerId)
	if n.subscriptions != nil {
		n.subscriptions.UnregisterAllForPeer(peerId)
	}
	return n.fabric.RemovePeer(peerId)
}

// AddRoute adds a routing table entry
func (n *Node) AddRoute(prefix string, nextHop string, priority int) error {
	parsed, err := ilp.ParseAddress(prefix)
	if err != nil {
		return err
	}
	n.routes.Add(parsed, nextHop, priority)
	return nil
}

// RemoveRoute removes all routes for a prefix
func (n *Node) RemoveRoute(prefix string) bool {
	return n.routes.Remove(ilp.Address(prefix))
}

// PeerStatus reports the connection state of every configured peer
func (n *Node) PeerStatus() []btp.PeerStatus {
	return n.fabric.Peers()
}

// Settle dispatches the latest stored claim for a channel to its chain
func (n *Node) Settle(peerId string, chain string, channelId string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n.claimManager.Settle(ctx, peerId, claims.Chain(chain), channelId)
}
