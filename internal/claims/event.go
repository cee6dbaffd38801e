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
	"encoding/json"
	"fmt"
)

// ClaimEvent is the envelope exchanged alongside application content. It
// carries zero or more signed claims (one per configured chain) plus any
// unsigned claim requests the sender wants countersigned.
type ClaimEvent struct {
	Content       json.RawMessage   `json:"content,omitempty"`
	Claims        []json.RawMessage `json:"claims,omitempty"`
	ClaimRequests []ClaimRequest    `json:"claimRequests,omitempty"`
}

// ClaimRequest asks the receiver to produce a signed claim for a channel
type ClaimRequest struct {
	Chain     Chain  `json:"chain"`
	ChannelId string `json:"channelId"`
	Amount    uint64 `json:"amount"`
	Nonce     uint64 `json:"nonce,omitempty"`
}

// WrapContent builds an event envelope around application content,
// attaching every provided signed claim
func WrapContent(content []byte, attached []Claim) (*ClaimEvent, error) {
	evt := &ClaimEvent{
		Content: content,
	}
	for _, c := range attached {
		raw, err := MarshalClaim(c)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s claim: %w", c.ChainName(), err)
		}
		evt.Claims = append(evt.Claims, raw)
	}
	return evt, nil
}

// Serialize encodes the envelope as JSON
func (e *ClaimEvent) Serialize() ([]byte, error) {
	return json.Marshal(e)
}

// ParseClaimEvent decodes a JSON event envelope
func ParseClaimEvent(data []byte) (*ClaimEvent, error) {
	var evt ClaimEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("malformed claim event: %w", err)
	}
	return &evt, nil
}
