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

package node

import (
	"math/big"
	"sync"

	"github.com/meshpay/ilpd/internal/btp"
	"github.com/meshpay/ilpd/internal/claims"
	"github.com/meshpay/ilpd/internal/config"
	"github.com/meshpay/ilpd/internal/logging"
)

// channelState tracks our cumulative payable balance toward a peer on one
// channel
type channelState struct {
	sync.Mutex
	channelId  string
	chain      claims.Chain
	cumulative uint64
	nonce      uint64
}

// claimExchange attaches signed claims to outbound frames and absorbs
// inbound ones. It satisfies the packet handler's exchanger hook.
type claimExchange struct {
	manager *claims.Manager

	stateMutex sync.RWMutex
	channels   map[string][]*channelState // peerId -> configured channels

	// peerSigners maps peerId -> chain -> expected claim signer
	peerSigners map[string]map[claims.Chain]string

	// peerDeposits holds the configured on-chain deposit per peer channel,
	// bounding what inbound claims may demand
	peerDeposits map[string]claims.ChannelDeposits
}

func newClaimExchange(manager *claims.Manager, peers []config.PeerConfig) *claimExchange {
	e := &claimExchange{
		manager:      manager,
		channels:     make(map[string][]*channelState),
		peerSigners:  make(map[string]map[claims.Chain]string),
		peerDeposits: make(map[string]claims.ChannelDeposits),
	}
	for _, peer := range peers {
		e.configurePeer(peer)
	}
	return e
}

func (e *claimExchange) configurePeer(peer config.PeerConfig) {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()
	var states []*channelState
	signers := make(map[claims.Chain]string)
	deposits := make(claims.ChannelDeposits)
	for _, channel := range peer.Channels {
		chain := claims.Chain(channel.Chain)
		states = append(states, &channelState{
			channelId: channel.ChannelId,
			chain:     chain,
		})
		signers[chain] = channel.Signer
		if channel.Deposit > 0 {
			if deposits[chain] == nil {
				deposits[chain] = make(map[string]*big.Int)
			}
			key := claims.ChannelKeyFor(chain, channel.ChannelId)
			deposits[chain][key] = new(big.Int).SetUint64(channel.Deposit)
		}
	}
	e.channels[peer.Id] = states
	e.peerSigners[peer.Id] = signers
	e.peerDeposits[peer.Id] = deposits
}

func (e *claimExchange) removePeer(peerId string) {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()
	delete(e.channels, peerId)
	delete(e.peerSigners, peerId)
	delete(e.peerDeposits, peerId)
}

// OutboundEntries advances the cumulative balance toward the peer on every
// configured channel and returns the signed claims as a claim protocol
// entry. Signing failures degrade to no entry.
func (e *claimExchange) OutboundEntries(peerId string, amount uint64) []btp.ProtocolData {
	e.stateMutex.RLock()
	states := e.channels[peerId]
	e.stateMutex.RUnlock()
	if len(states) == 0 {
		return nil
	}
	var attached []claims.Claim
	for _, state := range states {
		state.Lock()
		state.cumulative += amount
		state.nonce++
		c := e.manager.GenerateClaim(
			peerId,
			state.chain,
			state.channelId,
			state.cumulative,
			state.nonce,
		)
		if c == nil {
			// Roll back so the claimed balance never exceeds what we signed
			state.cumulative -= amount
			state.nonce--
			state.Unlock()
			continue
		}
		state.Unlock()
		attached = append(attached, c)
	}
	if len(attached) == 0 {
		return nil
	}
	evt, err := claims.WrapContent(nil, attached)
	if err != nil {
		logging.GetLogger().Warn("failed to wrap claims", "peerId", peerId, "error", err)
		return nil
	}
	buf, err := evt.Serialize()
	if err != nil {
		logging.GetLogger().Warn("failed to serialize claim event", "peerId", peerId, "error", err)
		return nil
	}
	return []btp.ProtocolData{
		{
			Name:        btp.ProtocolClaim,
			ContentType: btp.ContentTypeJson,
			Data:        buf,
		},
	}
}

// ProcessInbound extracts and stores any claims riding on an inbound frame
func (e *claimExchange) ProcessInbound(peerId string, frame *btp.Frame) {
	entry, ok := frame.Protocol(btp.ProtocolClaim)
	if !ok {
		return
	}
	logger := logging.GetLogger()
	evt, err := claims.ParseClaimEvent(entry.Data)
	if err != nil {
		logger.Warn("malformed claim event", "peerId", peerId, "error", err)
		return
	}
	e.stateMutex.RLock()
	signers := e.peerSigners[peerId]
	deposits := e.peerDeposits[peerId]
	e.stateMutex.RUnlock()
	result := e.manager.ProcessReceivedClaimEvent(peerId, evt, signers, deposits)
	for _, procErr := range result.Errors {
		logger.Warn("claim processing error", "peerId", peerId, "error", procErr)
	}
}
