// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package session

import (
	"sync"
	"time"
)

// KeepaliveWindow returns the time a server waits for a packet from a client
// with the given keepalive before disconnecting it [MQTT-3.1.2-24].
func KeepaliveWindow(keepalive uint16) time.Duration {
	k := time.Duration(keepalive)
	return (k + k/2) * time.Second
}

// Timer calls a function if it is not reset or stopped within its window.
// Every reset or stop advances a generation counter, so a fire scheduled
// before the latest reset never calls the function.
type Timer struct {
	mu  sync.Mutex
	d   time.Duration
	fn  func()
	gen uint64
	t   *time.Timer
}

// NewTimer returns an unarmed timer. A zero window disables it.
func NewTimer(d time.Duration, fn func()) *Timer {
	return &Timer{
		d:  d,
		fn: fn,
	}
}

// Reset (re)arms the timer for a full window.
func (k *Timer) Reset() {
	if k == nil || k.d <= 0 {
		return
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.gen++
	gen := k.gen
	if k.t != nil {
		k.t.Stop()
	}

	k.t = time.AfterFunc(k.d, func() {
		k.fire(gen)
	})
}

// Stop disarms the timer.
func (k *Timer) Stop() {
	if k == nil {
		return
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.gen++
	if k.t != nil {
		k.t.Stop()
		k.t = nil
	}
}

func (k *Timer) fire(gen uint64) {
	k.mu.Lock()
	if gen != k.gen {
		k.mu.Unlock()
		return
	}
	k.gen++
	k.t = nil
	k.mu.Unlock()

	k.fn()
}
