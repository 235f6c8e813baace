// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mempool pools the buffers packets are encoded into before they are
// written to a connection.
package mempool

import (
	"bytes"
	"sync"
)

// DefaultMaxCap is the largest buffer capacity the default pool keeps. Buffers
// grown by large publish payloads are left for the garbage collector.
const DefaultMaxCap = 64 * 1024

var bufPool = NewBuffer(DefaultMaxCap)

// GetBuffer takes a buffer from the default pool.
func GetBuffer() *bytes.Buffer { return bufPool.Get() }

// PutBuffer returns a buffer to the default pool.
func PutBuffer(x *bytes.Buffer) { bufPool.Put(x) }

// Buffer is a pool of reusable byte buffers.
type Buffer struct {
	pool sync.Pool
	max  int
}

// NewBuffer returns a buffer pool which discards buffers whose capacity has
// grown beyond max. A max of 0 or less keeps every buffer.
func NewBuffer(max int) *Buffer {
	return &Buffer{
		pool: sync.Pool{
			New: func() any { return new(bytes.Buffer) },
		},
		max: max,
	}
}

// Get returns an empty buffer.
func (b *Buffer) Get() *bytes.Buffer {
	return b.pool.Get().(*bytes.Buffer)
}

// Put resets a buffer and returns it to the pool.
func (b *Buffer) Put(x *bytes.Buffer) {
	if b.max > 0 && x.Cap() > b.max {
		return
	}

	x.Reset()
	b.pool.Put(x)
}
