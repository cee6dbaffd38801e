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

// Package claims implements multi-chain payment-channel claims: generation,
// signature verification, monotonicity checks, event envelopes, and
// settlement dispatch
package claims

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Chain discriminates the claim variants
type Chain string

const (
	ChainEvm   Chain = "evm"
	ChainXrp   Chain = "xrp"
	ChainAptos Chain = "aptos"
)

var (
	// ErrStaleClaim is returned when a claim does not supersede the stored one
	ErrStaleClaim = errors.New("stale claim")
	// ErrClaimExceedsDeposit is returned when a claim's amount is larger than
	// the on-chain channel deposit
	ErrClaimExceedsDeposit = errors.New("claim exceeds channel deposit")
	// ErrUnknownChain is returned for an unrecognized chain discriminator
	ErrUnknownChain = errors.New("unknown claim chain")
)

// Claim is the closed sum of per-chain signed channel claims
type Claim interface {
	// ChainName returns the chain discriminator
	ChainName() Chain
	// ChannelKey returns the canonical channel identifier used for storage
	// keys and write serialization
	ChannelKey() string
	// Supersedes reports whether this claim strictly advances prev under the
	// chain's monotonicity rule. A nil prev is superseded by any claim.
	Supersedes(prev Claim) bool
	// Value returns the cumulative claimed amount
	Value() *big.Int
	// Validate checks structural invariants
	Validate() error
}

// EvmClaim is a payment-channel claim anchored to an EVM chain
type EvmClaim struct {
	Chain             Chain    `json:"chain"`
	ChannelId         string   `json:"channelId"` // 0x-prefixed bytes32 hex
	TransferredAmount *big.Int `json:"transferredAmount"`
	Nonce             uint64   `json:"nonce"`
	LockedAmount      *big.Int `json:"lockedAmount"`
	LocksRoot         string   `json:"locksRoot"` // 0x-prefixed bytes32 hex
	Signature         string   `json:"signature"` // 0x-prefixed hex
	Signer            string   `json:"signer"`    // 0x-prefixed address
}

// XrpClaim is a claim against an XRP Ledger payment channel. Amounts are
// cumulative drops; channel IDs are canonicalized to uppercase hex.
type XrpClaim struct {
	Chain     Chain  `json:"chain"`
	ChannelId string `json:"channelId"` // 64 uppercase hex chars
	Amount    uint64 `json:"amount"`    // drops
	Signature string `json:"signature"` // hex
	Signer    string `json:"signer"`    // Ed25519 public key, hex
}

// AptosClaim is a claim against an Aptos payment channel
type AptosClaim struct {
	Chain        Chain  `json:"chain"`
	ChannelOwner string `json:"channelOwner"` // 0x-prefixed 32-byte address
	Amount       uint64 `json:"amount"`       // octas
	Nonce        uint64 `json:"nonce"`
	Signature    string `json:"signature"` // hex
	Signer       string `json:"signer"`    // Ed25519 public key, hex
}

func (c *EvmClaim) ChainName() Chain   { return ChainEvm }
func (c *XrpClaim) ChainName() Chain   { return ChainXrp }
func (c *AptosClaim) ChainName() Chain { return ChainAptos }

func (c *EvmClaim) ChannelKey() string {
	return strings.ToLower(strings.TrimPrefix(c.ChannelId, "0x"))
}

// ChannelKey enforces the canonical uppercase-hex form of XRP channel IDs
func (c *XrpClaim) ChannelKey() string {
	return strings.ToUpper(c.ChannelId)
}

func (c *AptosClaim) ChannelKey() string {
	return strings.ToLower(strings.TrimPrefix(c.ChannelOwner, "0x"))
}

func (c *EvmClaim) Value() *big.Int {
	if c.TransferredAmount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(c.TransferredAmount)
}

func (c *XrpClaim) Value() *big.Int {
	return new(big.Int).SetUint64(c.Amount)
}

func (c *AptosClaim) Value() *big.Int {
	return new(big.Int).SetUint64(c.Amount)
}

// Supersedes for EVM requires a strictly larger nonce
func (c *EvmClaim) Supersedes(prev Claim) bool {
	if prev == nil {
		return true
	}
	prevEvm, ok := prev.(*EvmClaim)
	if !ok {
		return false
	}
	return c.Nonce > prevEvm.Nonce
}

// Supersedes for XRP requires a strictly larger cumulative amount
func (c *XrpClaim) Supersedes(prev Claim) bool {
	if prev == nil {
		return true
	}
	prevXrp, ok := prev.(*XrpClaim)
	if !ok {
		return false
	}
	return c.Amount > prevXrp.Amount
}

// Supersedes for Aptos requires a strictly larger nonce
func (c *AptosClaim) Supersedes(prev Claim) bool {
	if prev == nil {
		return true
	}
	prevAptos, ok := prev.(*AptosClaim)
	if !ok {
		return false
	}
	return c.Nonce > prevAptos.Nonce
}

func (c *EvmClaim) Validate() error {
	if len(strings.TrimPrefix(c.ChannelId, "0x")) != 64 {
		return fmt.Errorf("EVM channel ID must be 32 bytes: %s", c.ChannelId)
	}
	if c.TransferredAmount == nil || c.TransferredAmount.Sign() < 0 {
		return errors.New("EVM transferred amount must be non-negative")
	}
	if c.Signer == "" {
		return errors.New("EVM claim missing signer address")
	}
	return nil
}

func (c *XrpClaim) Validate() error {
	if len(c.ChannelId) != 64 {
		return fmt.Errorf("XRP channel ID must be 64 hex chars: %s", c.ChannelId)
	}
	if c.Signer == "" {
		return errors.New("XRP claim missing signer public key")
	}
	return nil
}

func (c *AptosClaim) Validate() error {
	if len(strings.TrimPrefix(c.ChannelOwner, "0x")) != 64 {
		return fmt.Errorf("Aptos channel owner must be 32 bytes: %s", c.ChannelOwner)
	}
	if c.Signer == "" {
		return errors.New("Aptos claim missing signer public key")
	}
	return nil
}

// MarshalClaim encodes a claim as JSON with its chain discriminator
func MarshalClaim(c Claim) ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalClaim decodes a JSON claim, dispatching on the chain field
func UnmarshalClaim(data []byte) (Claim, error) {
	var probe struct {
		Chain Chain `json:"chain"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	switch probe.Chain {
	case ChainEvm:
		var c EvmClaim
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return &c, nil
	case ChainXrp:
		var c XrpClaim
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		c.ChannelId = strings.ToUpper(c.ChannelId)
		return &c, nil
	case ChainAptos:
		var c AptosClaim
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return &c, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChain, probe.Chain)
	}
}
