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

// Package sub tracks per-peer event subscriptions and matches application
// events against their filters for push delivery
package sub

import (
	"fmt"
	"sync"
	"time"
)

// DefaultMaxPerPeer caps concurrent subscriptions per peer unless
// configured otherwise
const DefaultMaxPerPeer = 10

// Event is an application event as delivered over the messaging edge
type Event struct {
	Id        string     `json:"id"`
	Author    string     `json:"pubkey"`
	Kind      int        `json:"kind"`
	CreatedAt int64      `json:"created_at"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
}

// TagValues returns the values of every tag with the given name
func (e *Event) TagValues(name string) []string {
	var ret []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			ret = append(ret, tag[1])
		}
	}
	return ret
}

// Filter selects events. Every defined predicate must match; an empty
// filter matches all events.
type Filter struct {
	Ids     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	ETags   []string `json:"#e,omitempty"`
	PTags   []string `json:"#p,omitempty"`
}

// Matches reports whether the event satisfies every defined predicate.
// Tag predicates match when at least one referenced value is present in
// the event's corresponding tag list.
func (f *Filter) Matches(evt *Event) bool {
	if len(f.Ids) > 0 && !containsString(f.Ids, evt.Id) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, evt.Author) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, evt.Kind) {
		return false
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	if len(f.ETags) > 0 && !intersects(f.ETags, evt.TagValues("e")) {
		return false
	}
	if len(f.PTags) > 0 && !intersects(f.PTags, evt.TagValues("p")) {
		return false
	}
	return true
}

// Subscription is one registered filter for one peer
type Subscription struct {
	Id        string
	PeerId    string
	Filter    Filter
	CreatedAt time.Time
}

// Manager tracks registered subscriptions
type Manager struct {
	sync.RWMutex
	maxPerPeer    int
	subscriptions map[string]map[string]*Subscription // peerId -> subId
}

// NewManager creates a subscription manager. A non-positive maxPerPeer
// falls back to the default cap.
func NewManager(maxPerPeer int) *Manager {
	if maxPerPeer <= 0 {
		maxPerPeer = DefaultMaxPerPeer
	}
	return &Manager{
		maxPerPeer:    maxPerPeer,
		subscriptions: make(map[string]map[string]*Subscription),
	}
}

// Register adds a subscription, replacing an existing (peerId, subId). It
// fails when the subId is new and the peer is at its cap.
func (m *Manager) Register(peerId string, subId string, filter Filter) error {
	m.Lock()
	defer m.Unlock()
	peerSubs, ok := m.subscriptions[peerId]
	if !ok {
		peerSubs = make(map[string]*Subscription)
		m.subscriptions[peerId] = peerSubs
	}
	if _, exists := peerSubs[subId]; !exists && len(peerSubs) >= m.maxPerPeer {
		return fmt.Errorf(
			"peer %s exceeds maximum of %d subscriptions",
			peerId,
			m.maxPerPeer,
		)
	}
	peerSubs[subId] = &Subscription{
		Id:        subId,
		PeerId:    peerId,
		Filter:    filter,
		CreatedAt: time.Now(),
	}
	return nil
}

// Unregister removes a subscription and reports whether it existed
func (m *Manager) Unregister(peerId string, subId string) bool {
	m.Lock()
	defer m.Unlock()
	peerSubs, ok := m.subscriptions[peerId]
	if !ok {
		return false
	}
	if _, exists := peerSubs[subId]; !exists {
		return false
	}
	delete(peerSubs, subId)
	if len(peerSubs) == 0 {
		delete(m.subscriptions, peerId)
	}
	return true
}

// UnregisterAllForPeer drops every subscription for a peer, typically on
// disconnect
func (m *Manager) UnregisterAllForPeer(peerId string) {
	m.Lock()
	defer m.Unlock()
	delete(m.subscriptions, peerId)
}

// Match scans all subscriptions and returns those whose filter matches the
// event
func (m *Manager) Match(evt *Event) []*Subscription {
	m.RLock()
	defer m.RUnlock()
	var ret []*Subscription
	for _, peerSubs := range m.subscriptions {
		for _, s := range peerSubs {
			if s.Filter.Matches(evt) {
				ret = append(ret, s)
			}
		}
	}
	return ret
}

// Count returns the number of subscriptions registered for a peer
func (m *Manager) Count(peerId string) int {
	m.RLock()
	defer m.RUnlock()
	return len(m.subscriptions[peerId])
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsInt(haystack []int, needle int) bool {
	for _, i := range haystack {
		if i == needle {
			return true
		}
	}
	return false
}

func intersects(wanted []string, present []string) bool {
	for _, w := range wanted {
		for _, p := range present {
			if w == p {
				return true
			}
		}
	}
	return false
}
