// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package session implements the per-connection state shared by the broker
// and client roles: packet id allocation, in-flight tracking for the qos 1
// and qos 2 handshakes, redelivery, and session takeover.
package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jinzhu/copier"

	"github.com/mochi-mqtt/lite/mempool"
	"github.com/mochi-mqtt/lite/packets"
	"github.com/mochi-mqtt/lite/system"
)

var (
	ErrNotConnected         = errors.New("session is not connected")
	ErrPacketIDAlreadyInUse = errors.New("packet id already in use")
	ErrPacketIDDoesNotExist = errors.New("packet id does not exist")
	ErrFailToSetPacketID    = errors.New("failed to find a usable packet id")
	ErrPeerClosed           = errors.New("peer closed connection")
)

// packetIDAttempts is the number of random draws made for a free packet id.
const packetIDAttempts = 5

// State is the connection state of a session.
type State uint32

const (
	Disconnected State = iota
	Connecting
	Connected
)

// String returns the readable name of a state.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// User contains the credentials a client connected with.
type User struct {
	Username []byte
	Password []byte
}

// Will contains the last will and testament details for a client connection.
type Will struct {
	Topic   string // the topic the will message shall be sent to.
	Message []byte // the message that shall be sent when the client disconnects.
	Qos     byte   // the quality of service desired.
	Retain  bool   // indicates whether the will message should be retained
}

// Session is one end of an MQTT connection.
type Session struct {
	mu            sync.Mutex         // guards the transport writer and in-flight bookkeeping.
	ID            string             // the client id.
	Clean         bool               // indicates if the client expects a clean-session.
	User          *User              // the credentials the client connected with, if any.
	Will          *Will              // the will to publish on an unexpected disconnect, if any.
	Keepalive     uint16             // the keepalive interval in seconds.
	Inflight      *Inflight          // outbound qos messages awaiting acknowledgement, keyed on our packet ids.
	Received      *Inflight          // inbound qos 2 messages awaiting PUBREL, keyed on the peer's packet ids.
	Subscriptions *Subscriptions     // subscription filters held by the client (broker side).
	Info          *system.Info       // optional server counters.
	MaxPacketSize uint32             // the largest packet read from the peer, no limit if 0.
	state         uint32             // the State of the session.
	conn          io.ReadWriteCloser // the transport the session reads and writes.
	r             *bufio.Reader      // a buffered reader over conn.
	draw          func() uint16      // draws candidate packet ids.
}

// New returns a new disconnected session.
func New(id string) *Session {
	return &Session{
		ID:            id,
		Inflight:      NewInflight(),
		Received:      NewInflight(),
		Subscriptions: NewSubscriptions(),
		draw: func() uint16 {
			return uint16(rand.Intn(65535) + 1)
		},
	}
}

// Attach binds the session to a transport and marks it as connecting.
func (s *Session) Attach(conn io.ReadWriteCloser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.r = bufio.NewReaderSize(conn, 4096)
	s.SetState(Connecting)
}

// State returns the current state of the session.
func (s *Session) State() State {
	return State(atomic.LoadUint32(&s.state))
}

// SetState changes the state of the session.
func (s *Session) SetState(st State) {
	atomic.StoreUint32(&s.state, uint32(st))
}

// IsConnected returns true if the session is connected.
func (s *Session) IsConnected() bool {
	return s.State() == Connected
}

// Close marks the session as disconnected and closes its transport.
func (s *Session) Close() error {
	s.SetState(Disconnected)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Clear discards all in-flight messages and subscriptions.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Inflight = NewInflight()
	s.Received = NewInflight()
	s.Subscriptions = NewSubscriptions()
}

// SetWill replaces the will of the session.
func (s *Session) SetWill(w *Will) {
	s.mu.Lock()
	s.Will = w
	s.mu.Unlock()
}

// TakeWill returns the will of the session, if any, and disarms it.
func (s *Session) TakeWill() *Will {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.Will
	s.Will = nil
	return w
}

// registry returns the in-flight map a packet must be tracked in until it is
// acknowledged, or nil if it completes on send.
func (s *Session) registry(pk packets.Packet) *Inflight {
	switch pk.FixedHeader.Type {
	case packets.Publish:
		if pk.FixedHeader.Qos > 0 {
			return s.Inflight
		}
	case packets.Pubrel, packets.Subscribe, packets.Unsubscribe:
		return s.Inflight
	case packets.Pubrec:
		return s.Received
	}

	return nil
}

// Send writes a packet to a connected peer, tracking it in-flight if it
// expects an acknowledgement.
func (s *Session) Send(pk packets.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send(pk)
}

func (s *Session) send(pk packets.Packet) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}

	store := s.registry(pk)
	if store != nil {
		if pk.PacketID == 0 {
			return packets.ErrPacketIDShouldNotBeZero
		}

		if _, ok := store.Get(pk.PacketID); ok {
			return ErrPacketIDAlreadyInUse
		}
	}

	if err := s.write(pk); err != nil {
		return err
	}

	if store != nil {
		store.Set(pk.PacketID, InflightMessage{
			Packet: pk,
			Sent:   time.Now().Unix(),
		})
		s.addInflight(1)
	}

	return nil
}

// Publish allocates a packet id for a qos publish and sends it, returning
// the packet id used.
func (s *Session) Publish(pk packets.Packet) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pk.PacketID = 0
	if pk.FixedHeader.Qos > 0 {
		id, err := s.nextPacketID()
		if err != nil {
			return 0, err
		}
		pk.PacketID = id
	}

	return pk.PacketID, s.send(pk)
}

// Enqueue stores a qos publish for a disconnected session so it is sent by
// the next Redeliver. Qos 0 messages are not queued.
func (s *Session) Enqueue(pk packets.Packet) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pk.FixedHeader.Qos == 0 {
		return 0, ErrNotConnected
	}

	id, err := s.nextPacketID()
	if err != nil {
		return 0, err
	}

	pk.PacketID = id
	s.Inflight.Set(id, InflightMessage{Packet: pk})
	s.addInflight(1)
	return id, nil
}

// Ack completes an outbound in-flight message.
func (s *Session) Ack(id uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Inflight.Delete(id) {
		return ErrPacketIDDoesNotExist
	}

	s.addInflight(-1)
	return nil
}

// Release completes an inbound qos 2 message on receipt of its PUBREL.
func (s *Session) Release(id uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Received.Delete(id) {
		return ErrPacketIDDoesNotExist
	}

	s.addInflight(-1)
	return nil
}

// NextPacketID returns a random nonzero packet id which is not in-flight.
func (s *Session) NextPacketID() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextPacketID()
}

func (s *Session) nextPacketID() (uint16, error) {
	for i := 0; i < packetIDAttempts; i++ {
		id := s.draw()
		if id == 0 {
			continue
		}

		if _, ok := s.Inflight.Get(id); !ok {
			return id, nil
		}
	}

	return 0, ErrFailToSetPacketID
}

// Redeliver resends every in-flight message of a resumed session in packet id
// order. Publishes which were sent before are flagged as duplicates.
func (s *Session) Redeliver() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.IsConnected() {
		return ErrNotConnected
	}

	if s.Clean {
		return nil
	}

	for _, in := range s.Inflight.GetAll() {
		if in.Packet.FixedHeader.Type == packets.Publish && in.Sent > 0 {
			in.Packet.FixedHeader.Dup = true
			in.Resends++
		}

		if err := s.write(in.Packet); err != nil {
			return err
		}

		in.Sent = time.Now().Unix()
		s.Inflight.Set(in.Packet.PacketID, in)
	}

	for _, in := range s.Received.GetAll() {
		if err := s.write(in.Packet); err != nil {
			return err
		}
	}

	return nil
}

// Adopt copies the persistent state of a previous session for the same
// client id into this session. The will and user are deep copied.
func (s *Session) Adopt(prev *Session) error {
	prev.mu.Lock()
	defer prev.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Inflight = prev.Inflight.Clone()
	s.Received = prev.Received.Clone()
	s.Subscriptions = prev.Subscriptions.Clone()
	s.Clean = prev.Clean
	s.Keepalive = prev.Keepalive

	s.Will = nil
	if prev.Will != nil {
		s.Will = new(Will)
		if err := copier.CopyWithOption(s.Will, prev.Will, copier.Option{DeepCopy: true}); err != nil {
			return fmt.Errorf("adopt will: %w", err)
		}
	}

	s.User = nil
	if prev.User != nil {
		s.User = new(User)
		if err := copier.CopyWithOption(s.User, prev.User, copier.Option{DeepCopy: true}); err != nil {
			return fmt.Errorf("adopt user: %w", err)
		}
	}

	return nil
}

// WritePacket encodes and writes a packet to the transport without any
// in-flight bookkeeping or state checks.
func (s *Session) WritePacket(pk packets.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(pk)
}

func (s *Session) write(pk packets.Packet) error {
	if s.conn == nil {
		return ErrNotConnected
	}

	buf := mempool.GetBuffer()
	defer mempool.PutBuffer(buf)
	if err := pk.Encode(buf); err != nil {
		return err
	}

	n, err := s.conn.Write(buf.Bytes())
	if err != nil {
		return err
	}

	if s.Info != nil {
		atomic.AddInt64(&s.Info.BytesSent, int64(n))
		atomic.AddInt64(&s.Info.PacketsSent, 1)
		if pk.FixedHeader.Type == packets.Publish {
			atomic.AddInt64(&s.Info.MessagesSent, 1)
		}
	}

	return nil
}

// ReadPacket blocks until a complete packet has been read from the transport
// and decoded. A closed peer is reported as ErrPeerClosed.
func (s *Session) ReadPacket() (pk packets.Packet, err error) {
	s.mu.Lock()
	r := s.r
	s.mu.Unlock()

	if r == nil {
		return pk, ErrNotConnected
	}

	hb, err := r.ReadByte()
	if err != nil {
		return pk, readError(err)
	}

	if err = pk.FixedHeader.Decode(hb); err != nil {
		return pk, err
	}

	n, bu, err := packets.DecodeLength(r)
	if err != nil {
		return pk, readError(err)
	}
	pk.FixedHeader.Remaining = n

	if size := 1 + bu + n; s.MaxPacketSize > 0 && uint64(size) > uint64(s.MaxPacketSize) {
		return pk, fmt.Errorf("%d bytes: %w", size, packets.ErrPacketTooLarge)
	}

	buf := make([]byte, n)
	if _, err = io.ReadFull(r, buf); err != nil {
		return pk, readError(err)
	}

	if s.Info != nil {
		atomic.AddInt64(&s.Info.BytesReceived, int64(1+bu+n))
		atomic.AddInt64(&s.Info.PacketsReceived, 1)
		if pk.FixedHeader.Type == packets.Publish {
			atomic.AddInt64(&s.Info.MessagesReceived, 1)
		}
	}

	err = pk.Decode(buf)
	return pk, err
}

func readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrPeerClosed
	}
	return err
}

func (s *Session) addInflight(n int64) {
	if s.Info != nil {
		atomic.AddInt64(&s.Info.Inflight, n)
	}
}

// IsRecoverable returns true if an error concerns the bookkeeping of a single
// packet and should not terminate the connection.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrPacketIDAlreadyInUse) ||
		errors.Is(err, ErrPacketIDDoesNotExist) ||
		errors.Is(err, ErrFailToSetPacketID) ||
		errors.Is(err, ErrNotConnected)
}
