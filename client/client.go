// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package client provides an MQTT v3.1.1 client which shares its session and
// in-flight bookkeeping with the broker.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mochi-mqtt/lite/packets"
	"github.com/mochi-mqtt/lite/session"
)

var (
	ErrServerTimedOut    = errors.New("server did not respond to ping")      // no PINGRESP within the keepalive
	ErrConnectionRefused = errors.New("connection refused by server")        // CONNACK carried a non-zero code
	ErrClientClosed      = errors.New("client closed")                      // the client was disconnected
	ErrUnexpectedPacket  = errors.New("unexpected packet type from server") // client-bound only packets
	ErrAlreadyConnected  = errors.New("client is already connected")        // connect called on a live connection
)

// Message is an application message delivered to the client.
type Message struct {
	Topic   string // the topic the message was published to.
	Payload []byte // the message payload.
	Qos     byte   // the qos the message was delivered at.
	Retain  bool   // true if the message was a retained message.
	Dup     bool   // true if the message may have been delivered before.
}

// Options contains configurable options for the client.
type Options struct {
	ClientID     string            // the client id to connect with; may be empty if CleanSession is set.
	Username     []byte            // the username to connect with, if any.
	Password     []byte            // the password to connect with, if any.
	Keepalive    uint16            // the keepalive interval in seconds; 0 disables pings.
	CleanSession bool              // request a clean session.
	Will         *session.Will     // a will for the server to publish on an unexpected disconnect.
	Logger       *slog.Logger      // structured logger.
	OnMessage    func(msg Message) // called from the read loop for each inbound message.
}

// link is the state of one network connection.
type link struct {
	done chan struct{}
	once sync.Once
	err  error
}

// Client is an MQTT client. A client may be connected again after it has
// been disconnected, resuming its in-flight messages if the session was not
// clean.
type Client struct {
	opts     Options
	Log      *slog.Logger
	Session  *session.Session
	mu       sync.Mutex
	waiters  map[uint16]chan packets.Packet // callers waiting on an ack, keyed on packet id.
	pongs    []chan struct{}                // callers waiting on a PINGRESP.
	link     *link                          // the current connection.
	pinging  uint32                         // a keepalive PINGREQ is awaiting its PINGRESP.
	deadline *session.Timer                 // fails the client if a PINGRESP does not arrive.
}

// New returns a new disconnected client.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}

	c := &Client{
		opts:    opts,
		Session: session.New(opts.ClientID),
		waiters: make(map[uint16]chan packets.Packet),
	}
	c.Session.Clean = opts.CleanSession
	c.Session.Keepalive = opts.Keepalive
	c.Log = opts.Logger.With("client", opts.ClientID)

	return c
}

// Dial opens a network connection to a server.
func Dial(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// Connect sends a CONNECT packet over conn and waits for the CONNACK. On
// success the client starts reading packets and sending keepalive pings,
// and resends any in-flight messages of a persistent session.
func (c *Client) Connect(ctx context.Context, conn net.Conn) (sessionPresent bool, err error) {
	if c.opts.ClientID == "" && !c.opts.CleanSession {
		return false, packets.ErrCleanSessionMustBeTrue // [MQTT-3.1.3-7]
	}

	if l := c.current(); l != nil {
		select {
		case <-l.done:
		default:
			return false, ErrAlreadyConnected
		}
	}

	if c.opts.CleanSession {
		c.Session.Clear() // [MQTT-3.1.2-6]
	}

	c.Session.Attach(conn)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	ack, err := c.handshake()
	if !stop() {
		_ = conn.Close()
		return false, ctx.Err()
	}

	if err != nil {
		_ = c.Session.Close()
		return false, err
	}

	if ack.ReturnCode != packets.Accepted {
		_ = c.Session.Close()
		return false, fmt.Errorf("%w: code %d: %s", ErrConnectionRefused, ack.ReturnCode, packets.ConnackCodes[ack.ReturnCode])
	}

	l := &link{done: make(chan struct{})}
	c.mu.Lock()
	c.link = l
	c.mu.Unlock()

	atomic.StoreUint32(&c.pinging, 0)
	c.deadline = session.NewTimer(time.Duration(c.opts.Keepalive)*time.Second, func() {
		c.end(l, ErrServerTimedOut)
	})

	c.Session.SetState(session.Connected)
	go c.read(l)
	go c.keepalive(l)

	if err := c.Session.Redeliver(); err != nil {
		c.end(l, err)
		return ack.SessionPresent, err
	}

	c.Log.Debug("connected", "session_present", ack.SessionPresent)
	return ack.SessionPresent, nil
}

// handshake writes the CONNECT packet and reads the reply.
func (c *Client) handshake() (packets.Packet, error) {
	pk := packets.Packet{
		FixedHeader:      packets.FixedHeader{Type: packets.Connect},
		ProtocolName:     []byte(packets.ProtocolName),
		ProtocolVersion:  packets.ProtocolLevel,
		CleanSession:     c.opts.CleanSession,
		Keepalive:        c.opts.Keepalive,
		ClientIdentifier: c.opts.ClientID,
	}

	if w := c.opts.Will; w != nil {
		pk.WillFlag = true
		pk.WillTopic = w.Topic
		pk.WillMessage = w.Message
		pk.WillQos = w.Qos
		pk.WillRetain = w.Retain
	}

	if c.opts.Username != nil {
		pk.UsernameFlag = true
		pk.Username = c.opts.Username
	}

	if c.opts.Password != nil {
		pk.PasswordFlag = true
		pk.Password = c.opts.Password
	}

	if err := c.Session.WritePacket(pk); err != nil {
		return pk, fmt.Errorf("write connect: %w", err)
	}

	ack, err := c.Session.ReadPacket()
	if err != nil {
		return ack, fmt.Errorf("read connack: %w", err)
	}

	if ack.FixedHeader.Type != packets.Connack {
		return ack, fmt.Errorf("%w: %s", ErrUnexpectedPacket, packets.Names[ack.FixedHeader.Type])
	}

	return ack, nil
}

// current returns the current connection, or nil if never connected.
func (c *Client) current() *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

// Err returns the error which ended the last connection, if any. It is nil
// while connected and after Disconnect.
func (c *Client) Err() error {
	l := c.current()
	if l == nil {
		return nil
	}

	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// Done returns a channel which is closed when the current connection ends.
func (c *Client) Done() <-chan struct{} {
	l := c.current()
	if l == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return l.done
}

// end closes a connection once, waking every waiter.
func (c *Client) end(l *link, err error) {
	l.once.Do(func() {
		l.err = err
		c.deadline.Stop()
		_ = c.Session.Close()

		c.mu.Lock()
		c.waiters = make(map[uint16]chan packets.Packet)
		c.pongs = nil
		c.mu.Unlock()

		close(l.done)
		if err != nil {
			c.Log.Warn("connection ended", "error", err)
		}
	})
}

// exitErr returns the error for an operation interrupted by the end of a
// connection.
func exitErr(l *link) error {
	if l.err != nil {
		return l.err
	}
	return ErrClientClosed
}

// Disconnect sends a DISCONNECT packet and closes the connection. The will
// is discarded by the server.
func (c *Client) Disconnect() error {
	l := c.current()
	if l == nil {
		return session.ErrNotConnected
	}

	err := c.Session.Send(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Disconnect},
	})
	c.end(l, nil)
	c.Log.Debug("disconnected")
	return err
}

// reserve allocates a packet id which is neither in-flight nor awaited.
func (c *Client) reserve() (uint16, chan packets.Packet, error) {
	for {
		id, err := c.Session.NextPacketID()
		if err != nil {
			return 0, nil, err
		}

		c.mu.Lock()
		if _, ok := c.waiters[id]; !ok {
			ch := make(chan packets.Packet, 1)
			c.waiters[id] = ch
			c.mu.Unlock()
			return id, ch, nil
		}
		c.mu.Unlock()
	}
}

// release forgets a waiter.
func (c *Client) release(id uint16) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

// wake hands an ack to its waiter, if any.
func (c *Client) wake(pk packets.Packet) {
	c.mu.Lock()
	ch, ok := c.waiters[pk.PacketID]
	delete(c.waiters, pk.PacketID)
	c.mu.Unlock()

	if ok {
		ch <- pk
	}
}

// request sends a tracked packet with a fresh id and waits for the packet
// which completes it.
func (c *Client) request(ctx context.Context, pk packets.Packet) (packets.Packet, error) {
	l := c.current()
	if l == nil {
		return pk, session.ErrNotConnected
	}

	select {
	case <-l.done:
		return pk, exitErr(l)
	default:
	}

	id, ch, err := c.reserve()
	if err != nil {
		return pk, err
	}

	pk.PacketID = id
	if err := c.Session.Send(pk); err != nil {
		c.release(id)
		return pk, err
	}

	select {
	case ack := <-ch:
		return ack, nil
	case <-l.done:
		return pk, exitErr(l)
	case <-ctx.Done():
		c.release(id)
		return pk, ctx.Err()
	}
}

// Publish publishes a message, waiting for the PUBACK (qos 1) or the PUBCOMP
// (qos 2) from the server.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if qos > 2 {
		return packets.ErrInvalidQoS3
	}

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    qos,
			Retain: retain,
		},
		TopicName: topic,
		Payload:   payload,
	}

	if qos == 0 {
		if err := pk.PublishValidate(); err != nil {
			return err
		}
		return c.Session.Send(pk)
	}

	pk.PacketID = 1 // validated before an id is reserved.
	if err := pk.PublishValidate(); err != nil {
		return err
	}

	_, err := c.request(ctx, pk)
	return err
}

// Subscribe subscribes to filters at the given qos, returning the SUBACK
// return codes in filter order.
func (c *Client) Subscribe(ctx context.Context, qos byte, filters ...string) ([]byte, error) {
	if qos > 2 {
		return nil, packets.ErrInvalidQoS3
	}

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Subscribe, Qos: 1},
		Topics:      filters,
		Qoss:        make([]byte, len(filters)),
	}
	for i := range pk.Qoss {
		pk.Qoss[i] = qos
	}

	if len(filters) == 0 {
		return nil, packets.ErrProtocolViolation
	}

	ack, err := c.request(ctx, pk)
	if err != nil {
		return nil, err
	}

	return ack.ReturnCodes, nil
}

// Unsubscribe removes the subscriptions for filters.
func (c *Client) Unsubscribe(ctx context.Context, filters ...string) error {
	if len(filters) == 0 {
		return packets.ErrProtocolViolation
	}

	_, err := c.request(ctx, packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsubscribe, Qos: 1},
		Topics:      filters,
	})
	return err
}

// Ping sends a PINGREQ and waits for the PINGRESP.
func (c *Client) Ping(ctx context.Context) error {
	l := c.current()
	if l == nil {
		return session.ErrNotConnected
	}

	select {
	case <-l.done:
		return exitErr(l)
	default:
	}

	ch := make(chan struct{})
	c.mu.Lock()
	c.pongs = append(c.pongs, ch)
	c.mu.Unlock()

	err := c.Session.Send(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pingreq},
	})
	if err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-l.done:
		return exitErr(l)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// keepalive sends a PINGREQ every keepalive interval while no earlier ping
// is outstanding.
func (c *Client) keepalive(l *link) {
	if c.opts.Keepalive == 0 {
		return
	}

	ticker := time.NewTicker(time.Duration(c.opts.Keepalive) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if !atomic.CompareAndSwapUint32(&c.pinging, 0, 1) {
				continue
			}

			c.deadline.Reset()
			err := c.Session.Send(packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Pingreq},
			})
			if err != nil {
				c.end(l, err)
				return
			}
		}
	}
}

// read reads and processes packets until the connection ends.
func (c *Client) read(l *link) {
	for {
		pk, err := c.Session.ReadPacket()
		if err != nil {
			if c.Session.IsConnected() {
				c.end(l, err)
			} else {
				c.end(l, nil)
			}
			return
		}

		err = c.receive(pk)
		if err != nil && !session.IsRecoverable(err) {
			c.end(l, err)
			return
		}

		if err != nil {
			c.Log.Warn("failed processing packet", "type", packets.Names[pk.FixedHeader.Type], "id", pk.FormatID(), "error", err)
		}
	}
}

// receive processes one inbound packet.
func (c *Client) receive(pk packets.Packet) error {
	switch pk.FixedHeader.Type {
	case packets.Publish:
		return c.receivePublish(pk)
	case packets.Pubrel:
		released := c.Session.Release(pk.PacketID)
		err := c.Session.Send(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pubcomp},
			PacketID:    pk.PacketID,
		})
		if err != nil {
			return err
		}
		return released
	case packets.Pubrec:
		if err := c.Session.Ack(pk.PacketID); err != nil {
			return err
		}
		return c.Session.Send(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1},
			PacketID:    pk.PacketID,
		})
	case packets.Puback, packets.Pubcomp, packets.Suback, packets.Unsuback:
		err := c.Session.Ack(pk.PacketID)
		c.wake(pk)
		return err
	case packets.Pingresp:
		atomic.StoreUint32(&c.pinging, 0)
		c.deadline.Stop()

		c.mu.Lock()
		pongs := c.pongs
		c.pongs = nil
		c.mu.Unlock()

		for _, ch := range pongs {
			close(ch)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedPacket, packets.Names[pk.FixedHeader.Type])
	}
}

// receivePublish delivers an inbound message and acknowledges it.
func (c *Client) receivePublish(pk packets.Packet) error {
	if err := pk.PublishValidate(); err != nil {
		return err
	}

	if pk.FixedHeader.Qos == 2 {
		if _, ok := c.Session.Received.Get(pk.PacketID); ok {
			return c.Session.WritePacket(packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Pubrec},
				PacketID:    pk.PacketID,
			})
		}
	}

	if c.opts.OnMessage != nil {
		c.opts.OnMessage(Message{
			Topic:   pk.TopicName,
			Payload: pk.Payload,
			Qos:     pk.FixedHeader.Qos,
			Retain:  pk.FixedHeader.Retain,
			Dup:     pk.FixedHeader.Dup,
		})
	}

	switch pk.FixedHeader.Qos {
	case 1:
		return c.Session.Send(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Puback},
			PacketID:    pk.PacketID,
		})
	case 2:
		return c.Session.Send(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pubrec},
			PacketID:    pk.PacketID,
		})
	}

	return nil
}
