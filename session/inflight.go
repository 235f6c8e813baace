// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package session

import (
	"sort"
	"sync"

	"github.com/mochi-mqtt/lite/packets"
)

// InflightMessage contains data about a packet which is currently in-flight.
type InflightMessage struct {
	Packet  packets.Packet // the packet currently in-flight.
	Sent    int64          // the last time the message was sent (for retries) in unixtime, or 0 if queued.
	Resends int            // the number of times the message was attempted to be sent.
}

// Inflight is a map of InflightMessage keyed on packet id.
type Inflight struct {
	sync.RWMutex
	internal map[uint16]InflightMessage // internal contains the inflight messages.
}

// NewInflight returns a new instance of an Inflight messages map.
func NewInflight() *Inflight {
	return &Inflight{
		internal: map[uint16]InflightMessage{},
	}
}

// Set stores the packet of an Inflight message, keyed on message id. Returns
// true if the inflight message was new.
func (i *Inflight) Set(key uint16, in InflightMessage) bool {
	i.Lock()
	_, ok := i.internal[key]
	i.internal[key] = in
	i.Unlock()
	return !ok
}

// Get returns the value of an in-flight message if it exists.
func (i *Inflight) Get(key uint16) (InflightMessage, bool) {
	i.RLock()
	val, ok := i.internal[key]
	i.RUnlock()
	return val, ok
}

// Len returns the size of the in-flight messages map.
func (i *Inflight) Len() int {
	i.RLock()
	v := len(i.internal)
	i.RUnlock()
	return v
}

// GetAll returns all the in-flight messages ordered by packet id.
func (i *Inflight) GetAll() []InflightMessage {
	i.RLock()
	defer i.RUnlock()

	m := make([]InflightMessage, 0, len(i.internal))
	for _, v := range i.internal {
		m = append(m, v)
	}

	sort.Slice(m, func(a, b int) bool {
		return m[a].Packet.PacketID < m[b].Packet.PacketID
	})

	return m
}

// Delete removes an in-flight message from the map. Returns true if the
// message existed.
func (i *Inflight) Delete(key uint16) bool {
	i.Lock()
	_, ok := i.internal[key]
	delete(i.internal, key)
	i.Unlock()
	return ok
}

// Clone returns a new Inflight holding the same messages.
func (i *Inflight) Clone() *Inflight {
	i.RLock()
	defer i.RUnlock()

	n := NewInflight()
	for k, v := range i.internal {
		n.internal[k] = v
	}
	return n
}

// Subscriptions is a map of the subscription filters a client maintains,
// and their granted qos.
type Subscriptions struct {
	sync.RWMutex
	internal map[string]byte
}

// NewSubscriptions returns a new instance of Subscriptions.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		internal: map[string]byte{},
	}
}

// Add notes a subscription filter. Returns true if the filter was new.
func (s *Subscriptions) Add(filter string, qos byte) bool {
	s.Lock()
	_, ok := s.internal[filter]
	s.internal[filter] = qos
	s.Unlock()
	return !ok
}

// Delete forgets a subscription filter. Returns true if the filter existed.
func (s *Subscriptions) Delete(filter string) bool {
	s.Lock()
	_, ok := s.internal[filter]
	delete(s.internal, filter)
	s.Unlock()
	return ok
}

// Len returns the number of subscription filters.
func (s *Subscriptions) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.internal)
}

// GetAll returns a copy of the subscription filters.
func (s *Subscriptions) GetAll() map[string]byte {
	s.RLock()
	defer s.RUnlock()

	m := make(map[string]byte, len(s.internal))
	for k, v := range s.internal {
		m[k] = v
	}
	return m
}

// Clone returns a new Subscriptions holding the same filters.
func (s *Subscriptions) Clone() *Subscriptions {
	return &Subscriptions{
		internal: s.GetAll(),
	}
}
