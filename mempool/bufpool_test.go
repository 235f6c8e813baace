// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mempool

import (
	"bytes"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuffer(t *testing.T) {
	defer debug.SetGCPercent(debug.SetGCPercent(-1))

	bp := NewBuffer(0)
	buf := bp.Get()
	buf.WriteString("mochi")

	bp.Put(buf)
	buf = bp.Get()
	require.Equal(t, 0, buf.Len())
}

func TestBufferWithCap(t *testing.T) {
	defer debug.SetGCPercent(debug.SetGCPercent(-1))

	bp := NewBuffer(100)
	buf := bp.Get()
	buf.Write(make([]byte, 101))
	require.Greater(t, buf.Cap(), 100)

	// oversized buffers are not pooled.
	bp.Put(buf)
	buf = bp.Get()
	require.Equal(t, 0, buf.Cap())
}

func TestDefaultPool(t *testing.T) {
	buf := GetBuffer()
	require.NotNil(t, buf)
	require.Equal(t, 0, buf.Len())

	buf.WriteString("mochi")
	PutBuffer(buf)

	PutBuffer(bytes.NewBuffer(make([]byte, 0, DefaultMaxCap+1)))
}
