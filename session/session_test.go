// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package session

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/lite/packets"
	"github.com/mochi-mqtt/lite/system"
)

// bufConn is a transport which reads from a fixed input and records writes.
type bufConn struct {
	in     *bytes.Reader
	out    bytes.Buffer
	closed bool
}

func (b *bufConn) Read(p []byte) (int, error)  { return b.in.Read(p) }
func (b *bufConn) Write(p []byte) (int, error) { return b.out.Write(p) }
func (b *bufConn) Close() error {
	b.closed = true
	return nil
}

func newTestSession(in []byte) (*Session, *bufConn) {
	s := New("zen")
	conn := &bufConn{in: bytes.NewReader(in)}
	s.Attach(conn)
	s.SetState(Connected)
	return s, conn
}

func fixedDraw(ids ...uint16) func() uint16 {
	i := 0
	return func() uint16 {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

func publishPacket(qos byte, id uint16) packets.Packet {
	return packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: qos},
		TopicName:   "a/b",
		Payload:     []byte("hello"),
		PacketID:    id,
	}
}

func encode(t *testing.T, pks ...packets.Packet) []byte {
	buf := new(bytes.Buffer)
	for _, pk := range pks {
		require.NoError(t, pk.Encode(buf))
	}
	return buf.Bytes()
}

func TestNew(t *testing.T) {
	s := New("zen")
	require.Equal(t, "zen", s.ID)
	require.NotNil(t, s.Inflight)
	require.NotNil(t, s.Received)
	require.NotNil(t, s.Subscriptions)
	require.Equal(t, Disconnected, s.State())
	require.False(t, s.IsConnected())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "disconnected", Disconnected.String())
	require.Equal(t, "connecting", Connecting.String())
	require.Equal(t, "connected", Connected.String())
}

func TestAttach(t *testing.T) {
	s := New("zen")
	s.Attach(&bufConn{in: bytes.NewReader(nil)})
	require.Equal(t, Connecting, s.State())
}

func TestSendNotConnected(t *testing.T) {
	s := New("zen")
	err := s.Send(publishPacket(0, 0))
	require.ErrorIs(t, err, ErrNotConnected)

	s.Attach(&bufConn{in: bytes.NewReader(nil)})
	err = s.Send(publishPacket(0, 0))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSendQos0NotTracked(t *testing.T) {
	s, conn := newTestSession(nil)
	require.NoError(t, s.Send(publishPacket(0, 0)))
	require.Equal(t, 0, s.Inflight.Len())
	require.Equal(t, encode(t, publishPacket(0, 0)), conn.out.Bytes())
}

func TestSendQos1Tracked(t *testing.T) {
	s, conn := newTestSession(nil)
	require.NoError(t, s.Send(publishPacket(1, 7)))
	require.Equal(t, 1, s.Inflight.Len())

	in, ok := s.Inflight.Get(7)
	require.True(t, ok)
	require.NotZero(t, in.Sent)

	conn.out.Reset()
	err := s.Send(publishPacket(1, 7))
	require.ErrorIs(t, err, ErrPacketIDAlreadyInUse)
	require.Equal(t, 0, conn.out.Len())
}

func TestSendTrackedZeroID(t *testing.T) {
	s, _ := newTestSession(nil)
	err := s.Send(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1}})
	require.ErrorIs(t, err, packets.ErrPacketIDShouldNotBeZero)
}

func TestSendPubrecTrackedAsReceived(t *testing.T) {
	s, _ := newTestSession(nil)
	require.NoError(t, s.Send(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pubrec}, PacketID: 5}))
	require.Equal(t, 0, s.Inflight.Len())
	require.Equal(t, 1, s.Received.Len())

	// outbound and inbound ids are independent.
	require.NoError(t, s.Send(publishPacket(2, 5)))
	require.Equal(t, 1, s.Inflight.Len())

	err := s.Send(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pubrec}, PacketID: 5})
	require.ErrorIs(t, err, ErrPacketIDAlreadyInUse)
}

func TestSendUntrackedTypesIgnoreIDs(t *testing.T) {
	s, _ := newTestSession(nil)
	pk := packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Puback}, PacketID: 3}
	require.NoError(t, s.Send(pk))
	require.NoError(t, s.Send(pk))
	require.Equal(t, 0, s.Inflight.Len())
}

func TestPublishAllocatesID(t *testing.T) {
	s, _ := newTestSession(nil)
	s.draw = fixedDraw(42)

	id, err := s.Publish(publishPacket(1, 0))
	require.NoError(t, err)
	require.Equal(t, uint16(42), id)

	in, ok := s.Inflight.Get(42)
	require.True(t, ok)
	require.Equal(t, uint16(42), in.Packet.PacketID)
}

func TestPublishQos0NoID(t *testing.T) {
	s, _ := newTestSession(nil)
	id, err := s.Publish(publishPacket(0, 9))
	require.NoError(t, err)
	require.Equal(t, uint16(0), id)
}

func TestNextPacketIDSkipsInflight(t *testing.T) {
	s, _ := newTestSession(nil)
	s.Inflight.Set(1, InflightMessage{Packet: publishPacket(1, 1)})
	s.draw = fixedDraw(1, 0, 2)

	id, err := s.NextPacketID()
	require.NoError(t, err)
	require.Equal(t, uint16(2), id)
}

func TestNextPacketIDExhausted(t *testing.T) {
	s, _ := newTestSession(nil)
	s.Inflight.Set(7, InflightMessage{Packet: publishPacket(1, 7)})
	s.draw = fixedDraw(7)

	_, err := s.NextPacketID()
	require.ErrorIs(t, err, ErrFailToSetPacketID)
}

func TestNextPacketIDRandom(t *testing.T) {
	s := New("zen")
	for i := 0; i < 1000; i++ {
		id, err := s.NextPacketID()
		require.NoError(t, err)
		require.NotZero(t, id)
	}
}

func TestAck(t *testing.T) {
	s, _ := newTestSession(nil)
	s.Info = new(system.Info)
	require.NoError(t, s.Send(publishPacket(1, 3)))
	require.Equal(t, int64(1), s.Info.Inflight)

	require.NoError(t, s.Ack(3))
	require.Equal(t, 0, s.Inflight.Len())
	require.Equal(t, int64(0), s.Info.Inflight)

	require.ErrorIs(t, s.Ack(3), ErrPacketIDDoesNotExist)
}

func TestRelease(t *testing.T) {
	s, _ := newTestSession(nil)
	require.NoError(t, s.Send(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pubrec}, PacketID: 8}))
	require.NoError(t, s.Release(8))
	require.Equal(t, 0, s.Received.Len())
	require.ErrorIs(t, s.Release(8), ErrPacketIDDoesNotExist)
}

func TestEnqueue(t *testing.T) {
	s := New("zen")
	s.draw = fixedDraw(11)

	id, err := s.Enqueue(publishPacket(1, 0))
	require.NoError(t, err)
	require.Equal(t, uint16(11), id)

	in, ok := s.Inflight.Get(11)
	require.True(t, ok)
	require.Zero(t, in.Sent)

	_, err = s.Enqueue(publishPacket(0, 0))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestRedeliver(t *testing.T) {
	s := New("zen")
	s.draw = fixedDraw(2)
	_, err := s.Enqueue(publishPacket(1, 0))
	require.NoError(t, err)
	s.Inflight.Set(1, InflightMessage{
		Packet: packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1}, PacketID: 1},
		Sent:   1,
	})
	s.Received.Set(9, InflightMessage{
		Packet: packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pubrec}, PacketID: 9},
		Sent:   1,
	})

	conn := &bufConn{in: bytes.NewReader(nil)}
	s.Attach(conn)
	s.SetState(Connected)
	require.NoError(t, s.Redeliver())

	// the queued publish had never been sent so it is not a duplicate.
	require.Equal(t, encode(t,
		packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1}, PacketID: 1},
		publishPacket(1, 2),
		packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pubrec}, PacketID: 9},
	), conn.out.Bytes())

	in, ok := s.Inflight.Get(2)
	require.True(t, ok)
	require.NotZero(t, in.Sent)
	require.Equal(t, 0, in.Resends)

	conn.out.Reset()
	require.NoError(t, s.Redeliver())

	dup := publishPacket(1, 2)
	dup.FixedHeader.Dup = true
	require.Equal(t, encode(t,
		packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1}, PacketID: 1},
		dup,
		packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pubrec}, PacketID: 9},
	), conn.out.Bytes())

	in, _ = s.Inflight.Get(2)
	require.Equal(t, 1, in.Resends)
}

func TestRedeliverCleanSession(t *testing.T) {
	s, conn := newTestSession(nil)
	s.Clean = true
	s.Inflight.Set(1, InflightMessage{Packet: publishPacket(1, 1), Sent: 1})
	require.NoError(t, s.Redeliver())
	require.Equal(t, 0, conn.out.Len())
}

func TestRedeliverNotConnected(t *testing.T) {
	s := New("zen")
	require.ErrorIs(t, s.Redeliver(), ErrNotConnected)
}

func TestAdopt(t *testing.T) {
	prev := New("zen")
	prev.Keepalive = 30
	prev.Will = &Will{Topic: "lwt", Message: []byte("bye"), Qos: 1, Retain: true}
	prev.User = &User{Username: []byte("mochi"), Password: []byte("pw")}
	prev.Inflight.Set(4, InflightMessage{Packet: publishPacket(1, 4), Sent: 10})
	prev.Received.Set(5, InflightMessage{Packet: packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pubrec}, PacketID: 5}})
	prev.Subscriptions.Add("a/#", 1)

	s := New("zen")
	require.NoError(t, s.Adopt(prev))

	require.Equal(t, uint16(30), s.Keepalive)
	require.Equal(t, 1, s.Inflight.Len())
	require.Equal(t, 1, s.Received.Len())
	require.Equal(t, map[string]byte{"a/#": 1}, s.Subscriptions.GetAll())
	require.Equal(t, *prev.Will, *s.Will)
	require.Equal(t, *prev.User, *s.User)

	// the adopted state is independent of the previous session.
	prev.Will.Message[0] = 'x'
	prev.Inflight.Delete(4)
	prev.Subscriptions.Delete("a/#")
	require.Equal(t, []byte("bye"), s.Will.Message)
	require.Equal(t, 1, s.Inflight.Len())
	require.Equal(t, 1, s.Subscriptions.Len())
}

func TestAdoptNoWill(t *testing.T) {
	s := New("zen")
	s.Will = &Will{Topic: "stale"}
	require.NoError(t, s.Adopt(New("zen")))
	require.Nil(t, s.Will)
	require.Nil(t, s.User)
}

func TestTakeWill(t *testing.T) {
	s := New("zen")
	s.SetWill(&Will{Topic: "lwt"})
	w := s.TakeWill()
	require.NotNil(t, w)
	require.Equal(t, "lwt", w.Topic)
	require.Nil(t, s.TakeWill())
}

func TestClear(t *testing.T) {
	s := New("zen")
	s.Inflight.Set(1, InflightMessage{})
	s.Received.Set(1, InflightMessage{})
	s.Subscriptions.Add("a", 0)
	s.Clear()
	require.Equal(t, 0, s.Inflight.Len())
	require.Equal(t, 0, s.Received.Len())
	require.Equal(t, 0, s.Subscriptions.Len())
}

func TestClose(t *testing.T) {
	s, conn := newTestSession(nil)
	require.NoError(t, s.Close())
	require.True(t, conn.closed)
	require.Equal(t, Disconnected, s.State())

	require.NoError(t, New("zen").Close())
}

func TestReadPacket(t *testing.T) {
	raw := encode(t, publishPacket(1, 6), packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingreq}})
	s, _ := newTestSession(raw)
	s.Info = new(system.Info)

	pk, err := s.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, packets.Publish, pk.FixedHeader.Type)
	require.Equal(t, uint16(6), pk.PacketID)
	require.Equal(t, "a/b", pk.TopicName)
	require.Equal(t, []byte("hello"), pk.Payload)

	pk, err = s.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, packets.Pingreq, pk.FixedHeader.Type)

	_, err = s.ReadPacket()
	require.ErrorIs(t, err, ErrPeerClosed)

	require.Equal(t, int64(len(raw)), s.Info.BytesReceived)
	require.Equal(t, int64(2), s.Info.PacketsReceived)
	require.Equal(t, int64(1), s.Info.MessagesReceived)
}

func TestReadPacketMaxPacketSize(t *testing.T) {
	raw := encode(t, publishPacket(1, 6))

	s, _ := newTestSession(raw)
	s.MaxPacketSize = uint32(len(raw))
	_, err := s.ReadPacket()
	require.NoError(t, err)

	s, _ = newTestSession(raw)
	s.MaxPacketSize = uint32(len(raw) - 1)
	_, err = s.ReadPacket()
	require.ErrorIs(t, err, packets.ErrPacketTooLarge)
}

func TestReadPacketTruncated(t *testing.T) {
	raw := encode(t, publishPacket(1, 6))
	s, _ := newTestSession(raw[:len(raw)-2])
	_, err := s.ReadPacket()
	require.ErrorIs(t, err, ErrPeerClosed)
}

func TestReadPacketBadHeader(t *testing.T) {
	s, _ := newTestSession([]byte{packets.Reserved15 << 4, 0x00})
	_, err := s.ReadPacket()
	require.ErrorIs(t, err, packets.ErrInvalidMessageType)
}

func TestReadPacketNoTransport(t *testing.T) {
	_, err := New("zen").ReadPacket()
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestWritePacketCounts(t *testing.T) {
	s, conn := newTestSession(nil)
	s.Info = new(system.Info)
	require.NoError(t, s.WritePacket(publishPacket(0, 0)))
	require.Equal(t, int64(conn.out.Len()), s.Info.BytesSent)
	require.Equal(t, int64(1), s.Info.PacketsSent)
	require.Equal(t, int64(1), s.Info.MessagesSent)
}

type failConn struct{ bufConn }

func (f *failConn) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }

func TestSendWriteFailureNotTracked(t *testing.T) {
	s := New("zen")
	s.Attach(&failConn{bufConn{in: bytes.NewReader(nil)}})
	s.SetState(Connected)

	err := s.Send(publishPacket(1, 1))
	require.ErrorIs(t, err, io.ErrClosedPipe)
	require.Equal(t, 0, s.Inflight.Len())
}

func TestIsRecoverable(t *testing.T) {
	require.True(t, IsRecoverable(ErrPacketIDAlreadyInUse))
	require.True(t, IsRecoverable(ErrPacketIDDoesNotExist))
	require.True(t, IsRecoverable(ErrFailToSetPacketID))
	require.True(t, IsRecoverable(ErrNotConnected))
	require.False(t, IsRecoverable(ErrPeerClosed))
	require.False(t, IsRecoverable(packets.ErrMalformedRemainingLength))
	require.False(t, IsRecoverable(errors.New("other")))
}
