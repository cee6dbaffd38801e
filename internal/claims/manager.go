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

package claims

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/meshpay/ilpd/internal/logging"
	"github.com/meshpay/ilpd/internal/telemetry"
)

// Store persists claims keyed by (peer, chain, channel). PutClaim must
// reject a claim that no longer strictly supersedes the latest persisted
// one with ErrStaleClaim.
type Store interface {
	PutClaim(peerId string, c Claim) error
	GetClaim(peerId string, chain Chain, channelKey string) (Claim, error)
}

// Submitter submits a stored claim on-chain and returns the tx hash
type Submitter interface {
	SubmitClaim(ctx context.Context, peerId string, c Claim) (string, error)
}

// ManagerConfig wires the claim manager's collaborators. Signers left nil
// disable claim generation for that chain; claim exchange then degrades
// gracefully without affecting the packet path.
type ManagerConfig struct {
	Store       Store
	Emitter     *telemetry.Emitter
	EvmSigner   *EvmSigner
	XrpSigner   *XrpSigner
	AptosSigner *AptosSigner
	EvmChainId  int64
	Submitters  map[Chain]Submitter
}

// Manager generates, verifies, stores, and settles channel claims
type Manager struct {
	store       Store
	emitter     *telemetry.Emitter
	evmSigner   *EvmSigner
	xrpSigner   *XrpSigner
	aptosSigner *AptosSigner
	evmChainId  int64
	submitters  map[Chain]Submitter
}

// ProcessResult is the bundle returned by ProcessReceivedClaimEvent
type ProcessResult struct {
	// Stored holds the claims that verified and were persisted
	Stored []Claim
	// Requests holds the unsigned claim requests extracted from the event
	Requests []ClaimRequest
	// Responses holds the signed claims generated for those requests
	Responses []Claim
	// Errors holds the non-fatal failures encountered along the way
	Errors []error
}

// NewManager creates a claim manager
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		store:       cfg.Store,
		emitter:     cfg.Emitter,
		evmSigner:   cfg.EvmSigner,
		xrpSigner:   cfg.XrpSigner,
		aptosSigner: cfg.AptosSigner,
		evmChainId:  cfg.EvmChainId,
		submitters:  cfg.Submitters,
	}
}

// GenerateClaim builds and signs a claim updating the cumulative payable
// balance toward a peer. It returns nil (with a warning) when the chain is
// not configured for this agent; signing failures also return nil so the
// packet path continues without claim exchange.
func (m *Manager) GenerateClaim(
	peerId string,
	chain Chain,
	channelId string,
	amount uint64,
	nonce uint64,
) Claim {
	logger := logging.GetLogger()
	switch chain {
	case ChainEvm:
		if m.evmSigner == nil {
			logger.Warn("EVM chain not configured, skipping claim", "peerId", peerId)
			return nil
		}
		c := &EvmClaim{
			Chain:             ChainEvm,
			ChannelId:         channelId,
			TransferredAmount: new(big.Int).SetUint64(amount),
			Nonce:             nonce,
			LockedAmount:      new(big.Int),
			LocksRoot:         zeroBytes32Hex,
		}
		if err := m.evmSigner.SignClaim(c); err != nil {
			logger.Warn("EVM claim signing failed", "peerId", peerId, "error", err)
			return nil
		}
		return c
	case ChainXrp:
		if m.xrpSigner == nil {
			logger.Warn("XRP chain not configured, skipping claim", "peerId", peerId)
			return nil
		}
		c := &XrpClaim{
			Chain:     ChainXrp,
			ChannelId: channelId,
			Amount:    amount,
		}
		if err := m.xrpSigner.SignClaim(c); err != nil {
			logger.Warn("XRP claim signing failed", "peerId", peerId, "error", err)
			return nil
		}
		return c
	case ChainAptos:
		if m.aptosSigner == nil {
			logger.Warn("Aptos chain not configured, skipping claim", "peerId", peerId)
			return nil
		}
		c := &AptosClaim{
			Chain:        ChainAptos,
			ChannelOwner: channelId,
			Amount:       amount,
			Nonce:        nonce,
		}
		if err := m.aptosSigner.SignClaim(c); err != nil {
			logger.Warn("Aptos claim signing failed", "peerId", peerId, "error", err)
			return nil
		}
		return c
	default:
		logger.Warn("unknown chain, skipping claim", "chain", chain, "peerId", peerId)
		return nil
	}
}

// VerifyClaimSignature dispatches signature verification on the claim's
// chain variant
func (m *Manager) VerifyClaimSignature(c Claim, expectedSigner string) bool {
	switch claim := c.(type) {
	case *EvmClaim:
		return VerifyEvmClaim(claim, expectedSigner, m.evmChainId)
	case *XrpClaim:
		return VerifyXrpClaim(claim, expectedSigner)
	case *AptosClaim:
		return VerifyAptosClaim(claim, expectedSigner)
	default:
		return false
	}
}

// VerifyMonotonicity reports whether c strictly advances the stored claim
// for its channel. Any claim is acceptable when none is stored.
func (m *Manager) VerifyMonotonicity(peerId string, c Claim) bool {
	prev, err := m.store.GetClaim(peerId, c.ChainName(), c.ChannelKey())
	if err != nil {
		logging.GetLogger().Warn(
			"failed to load stored claim",
			"peerId", peerId,
			"chain", c.ChainName(),
			"error", err,
		)
		return false
	}
	return c.Supersedes(prev)
}

// VerifyAmountWithinBounds reports whether the claim stays within the
// on-chain channel deposit. Exceeding the deposit is logged at error
// severity since it indicates potential fraud.
func (m *Manager) VerifyAmountWithinBounds(c Claim, channelDeposit *big.Int) bool {
	if channelDeposit == nil {
		return true
	}
	if c.Value().Cmp(channelDeposit) > 0 {
		logging.GetLogger().Error(
			"claim exceeds channel deposit",
			"chain", c.ChainName(),
			"channel", c.ChannelKey(),
			"amount", c.Value().String(),
			"deposit", channelDeposit.String(),
		)
		return false
	}
	return true
}

// ChannelDeposits maps chain and canonical channel key to the amount locked
// on chain for that channel. A missing entry leaves the claim unbounded.
type ChannelDeposits map[Chain]map[string]*big.Int

// Deposit returns the configured deposit for a claim's channel, or nil
func (d ChannelDeposits) Deposit(c Claim) *big.Int {
	byKey, ok := d[c.ChainName()]
	if !ok {
		return nil
	}
	return byKey[c.ChannelKey()]
}

// StoreClaim persists a claim through the store's monotonicity CAS
func (m *Manager) StoreClaim(peerId string, c Claim) error {
	if err := m.store.PutClaim(peerId, c); err != nil {
		return err
	}
	if m.emitter != nil {
		m.emitter.Emit(
			telemetry.EventClaimStored,
			telemetry.SettlementContext{
				PeerId:    peerId,
				Chain:     string(c.ChainName()),
				ChannelId: c.ChannelKey(),
			},
			nil,
		)
	}
	return nil
}

// emitClaimRejected reports a refused inbound claim via telemetry
func (m *Manager) emitClaimRejected(peerId string, c Claim, reason error) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(
		telemetry.EventClaimRejected,
		telemetry.SettlementContext{
			PeerId:    peerId,
			Chain:     string(c.ChainName()),
			ChannelId: c.ChannelKey(),
		},
		telemetry.SettlementPayload{Error: reason.Error()},
	)
}

// ProcessReceivedClaimEvent verifies and stores every claim attached to an
// inbound event, extracts claim requests, and generates signed responses
// for them. Failures are collected in the result bundle; nothing raises to
// the packet path.
func (m *Manager) ProcessReceivedClaimEvent(
	peerId string,
	evt *ClaimEvent,
	peerAddresses map[Chain]string,
	deposits ChannelDeposits,
) *ProcessResult {
	logger := logging.GetLogger()
	result := &ProcessResult{}
	for _, raw := range evt.Claims {
		c, err := UnmarshalClaim(raw)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		if err := c.Validate(); err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		expectedSigner, ok := peerAddresses[c.ChainName()]
		if !ok {
			result.Errors = append(
				result.Errors,
				fmt.Errorf("no known %s signer for peer %s", c.ChainName(), peerId),
			)
			continue
		}
		if !m.VerifyClaimSignature(c, expectedSigner) {
			result.Errors = append(
				result.Errors,
				fmt.Errorf("invalid %s claim signature from peer %s", c.ChainName(), peerId),
			)
			continue
		}
		// Cheap rejects before the store's write lock. The CAS inside
		// StoreClaim remains authoritative for monotonicity.
		if !m.VerifyMonotonicity(peerId, c) {
			err := fmt.Errorf("%w: channel %s", ErrStaleClaim, c.ChannelKey())
			logger.Warn(
				"rejected stale claim",
				"peerId", peerId,
				"chain", c.ChainName(),
				"channel", c.ChannelKey(),
			)
			m.emitClaimRejected(peerId, c, err)
			result.Errors = append(result.Errors, err)
			continue
		}
		if !m.VerifyAmountWithinBounds(c, deposits.Deposit(c)) {
			err := fmt.Errorf("%w: channel %s", ErrClaimExceedsDeposit, c.ChannelKey())
			m.emitClaimRejected(peerId, c, err)
			result.Errors = append(result.Errors, err)
			continue
		}
		if err := m.StoreClaim(peerId, c); err != nil {
			if errors.Is(err, ErrStaleClaim) {
				logger.Warn(
					"rejected stale claim",
					"peerId", peerId,
					"chain", c.ChainName(),
					"channel", c.ChannelKey(),
				)
				m.emitClaimRejected(peerId, c, err)
			}
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Stored = append(result.Stored, c)
	}
	for _, req := range evt.ClaimRequests {
		result.Requests = append(result.Requests, req)
		response := m.GenerateClaim(peerId, req.Chain, req.ChannelId, req.Amount, req.Nonce)
		if response == nil {
			result.Errors = append(
				result.Errors,
				fmt.Errorf("could not sign %s claim request from peer %s", req.Chain, peerId),
			)
			continue
		}
		result.Responses = append(result.Responses, response)
	}
	return result
}

// Settle retrieves the latest stored claim for a channel and dispatches it
// to the chain-specific submitter. Outcomes are reported via telemetry; the
// packet plane is unaffected.
func (m *Manager) Settle(
	ctx context.Context,
	peerId string,
	chain Chain,
	channelId string,
) {
	logger := logging.GetLogger()
	evtContext := telemetry.SettlementContext{
		PeerId:    peerId,
		Chain:     string(chain),
		ChannelId: channelId,
	}
	c, err := m.store.GetClaim(peerId, chain, ChannelKeyFor(chain, channelId))
	if err == nil && c == nil {
		err = errors.New("No stored claim available")
	}
	if err != nil {
		logger.Warn(
			"settlement failed",
			"peerId", peerId,
			"chain", chain,
			"error", err,
		)
		if m.emitter != nil {
			m.emitter.Emit(
				telemetry.EventClaimSettlementFailed,
				evtContext,
				telemetry.SettlementPayload{Error: err.Error()},
			)
		}
		return
	}
	submitter, ok := m.submitters[chain]
	if !ok {
		if m.emitter != nil {
			m.emitter.Emit(
				telemetry.EventClaimSettlementFailed,
				evtContext,
				telemetry.SettlementPayload{
					Error: fmt.Sprintf("no submitter configured for chain %s", chain),
				},
			)
		}
		return
	}
	txHash, err := submitter.SubmitClaim(ctx, peerId, c)
	if err != nil {
		logger.Error(
			"settlement submission failed",
			"peerId", peerId,
			"chain", chain,
			"error", err,
		)
		if m.emitter != nil {
			m.emitter.Emit(
				telemetry.EventClaimSettlementFailed,
				evtContext,
				telemetry.SettlementPayload{Error: err.Error()},
			)
		}
		return
	}
	logger.Info(
		"settled claim on chain",
		"peerId", peerId,
		"chain", chain,
		"txHash", txHash,
	)
	if m.emitter != nil {
		m.emitter.Emit(
			telemetry.EventClaimSettlementSuccess,
			evtContext,
			telemetry.SettlementPayload{TxHash: txHash},
		)
	}
}

// ChannelKeyFor normalizes a raw channel identifier into the per-chain
// canonical storage key
func ChannelKeyFor(chain Chain, channelId string) string {
	switch chain {
	case ChainXrp:
		return (&XrpClaim{ChannelId: channelId}).ChannelKey()
	case ChainEvm:
		return (&EvmClaim{ChannelId: channelId}).ChannelKey()
	case ChainAptos:
		return (&AptosClaim{ChannelOwner: channelId}).ChannelKey()
	default:
		return channelId
	}
}

const zeroBytes32Hex = "0x0000000000000000000000000000000000000000000000000000000000000000"
