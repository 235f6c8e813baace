// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/lite/packets"
)

func TestInflightSet(t *testing.T) {
	i := NewInflight()
	require.True(t, i.Set(1, InflightMessage{Packet: packets.Packet{PacketID: 1}}))
	require.False(t, i.Set(1, InflightMessage{Packet: packets.Packet{PacketID: 1}, Sent: 2}))

	in, ok := i.Get(1)
	require.True(t, ok)
	require.Equal(t, int64(2), in.Sent)
	require.Equal(t, 1, i.Len())
}

func TestInflightGetAllOrdered(t *testing.T) {
	i := NewInflight()
	for _, id := range []uint16{9, 3, 65535, 1} {
		i.Set(id, InflightMessage{Packet: packets.Packet{PacketID: id}})
	}

	ids := []uint16{}
	for _, in := range i.GetAll() {
		ids = append(ids, in.Packet.PacketID)
	}
	require.Equal(t, []uint16{1, 3, 9, 65535}, ids)
}

func TestInflightDelete(t *testing.T) {
	i := NewInflight()
	i.Set(3, InflightMessage{})
	require.True(t, i.Delete(3))
	require.False(t, i.Delete(3))
	_, ok := i.Get(3)
	require.False(t, ok)
}

func TestInflightClone(t *testing.T) {
	i := NewInflight()
	i.Set(3, InflightMessage{Sent: 1})
	c := i.Clone()
	i.Delete(3)
	require.Equal(t, 1, c.Len())
}

func TestSubscriptions(t *testing.T) {
	s := NewSubscriptions()
	require.True(t, s.Add("a/b", 0))
	require.False(t, s.Add("a/b", 2))
	require.True(t, s.Add("a/#", 1))
	require.Equal(t, map[string]byte{"a/b": 2, "a/#": 1}, s.GetAll())

	c := s.Clone()
	require.True(t, s.Delete("a/b"))
	require.False(t, s.Delete("a/b"))
	require.Equal(t, 1, s.Len())
	require.Equal(t, 2, c.Len())
}
