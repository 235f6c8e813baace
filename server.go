// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mqtt provides an in-memory MQTT v3.1.1 broker server.
package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mochi-mqtt/lite/auth"
	"github.com/mochi-mqtt/lite/listeners"
	"github.com/mochi-mqtt/lite/packets"
	"github.com/mochi-mqtt/lite/session"
	"github.com/mochi-mqtt/lite/system"
	"github.com/mochi-mqtt/lite/topics"
)

const (
	Version                       = "1.0.0" // the current server version.
	defaultSysTopicInterval int64 = 30      // the interval between $SYS topic publishes in seconds.
	defaultConnectTimeout   int64 = 10      // the time allowed for a new connection to send its CONNECT, in seconds.
	sysPrefix                     = "$SYS"  // the prefix of the reserved broker topics.
)

var (
	ErrListenerIDExists       = errors.New("listener id already exists")                     // a listener with the same id already exists
	ErrConnectionClosed       = errors.New("connection not open")                            // connection is closed
	ErrFirstPacketNotConnect  = errors.New("first packet was not a connect packet")          // [MQTT-3.1.0-1]
	ErrSecondConnect          = errors.New("second connect packet on an open connection")    // [MQTT-3.1.0-2]
	ErrClientIDIsUsedAlready  = errors.New("client id is already used by a connected client") // identifier rejected
	ErrConnectNotAuthorized   = errors.New("connect packet was not authorized")              // bad username or password
	ErrKeepaliveTimeout       = errors.New("client keepalive timed out")                     // [MQTT-3.1.2-24]
	ErrUnexpectedPacketType   = errors.New("unexpected packet type from client")             // server-bound only packets
	ErrInvalidInlinePublish   = errors.New("invalid inline publish")                         // inline publish was malformed
	ErrServerAlreadyListening = errors.New("server is already serving")                      // serve was called twice
)

// Compatibilities provides flags for using compatibility modes.
type Compatibilities struct {
	// RejectUsernameWithPassword rejects connect packets which carry both a
	// username and a password, as some legacy deployments expect.
	RejectUsernameWithPassword bool `yaml:"reject_username_with_password" json:"reject_username_with_password" env:"REJECT_USERNAME_WITH_PASSWORD"`

	// ClearRetainedOnQosZero clears the retained message of a topic when a
	// qos 0 retained message with a payload is published to it, instead of
	// storing the message.
	ClearRetainedOnQosZero bool `yaml:"clear_retained_on_qos_zero" json:"clear_retained_on_qos_zero" env:"CLEAR_RETAINED_ON_QOS_ZERO"`
}

// Options contains configurable options for the server.
type Options struct {
	// Listeners specifies any listeners which should be dynamically added on serve. Used when setting listeners by config.
	Listeners []listeners.Config `yaml:"listeners" json:"listeners"`

	// Auth is the auth ledger used by listeners which do not carry their own
	// auth controller. All clients are allowed if it is nil.
	Auth *auth.Ledger `yaml:"auth" json:"auth"`

	// Compatibilities toggles legacy protocol behaviours.
	Compatibilities Compatibilities `yaml:"compatibilities" json:"compatibilities"`

	// Logger specifies a custom configured implementation of log/slog to override
	// the servers default logger configuration.
	Logger *slog.Logger `yaml:"-" json:"-"`

	// SysTopicResendInterval specifies the interval between $SYS topic updates in seconds.
	SysTopicResendInterval int64 `yaml:"sys_topic_resend_interval" json:"sys_topic_resend_interval"`

	// MaximumPacketSize is the largest packet in bytes accepted from a client,
	// no limit if 0. A larger packet ends the connection.
	MaximumPacketSize uint32 `yaml:"maximum_packet_size" json:"maximum_packet_size"`

	// ConnectTimeout is the time in seconds a new connection has to send its
	// CONNECT packet before it is closed.
	ConnectTimeout int64 `yaml:"connect_timeout" json:"connect_timeout"`
}

// ensureDefaults ensures that the server starts with sane default values, if none are provided.
func (o *Options) ensureDefaults() {
	if o.SysTopicResendInterval == 0 {
		o.SysTopicResendInterval = defaultSysTopicInterval
	}

	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}

	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
}

// handler processes one type of inbound packet for a client.
type handler func(cl *Client, pk packets.Packet) error

// Server is an MQTT broker server. It should be created with server.New()
// in order to ensure all the internal fields are correctly populated.
type Server struct {
	Options   *Options             // configurable server options
	Listeners *listeners.Listeners // listeners are network interfaces which listen for new connections
	Clients   *Clients             // clients known to the broker
	Topics    *topics.Index        // an index of topic filter subscriptions and retained messages
	Info      *system.Info         // values about the server commonly known as $SYS topics
	Log       *slog.Logger         // structured logger
	handlers  map[byte]handler     // inbound packet handlers keyed on packet type
	connMu    sync.Mutex           // serialises client registration and removal
	done      chan bool            // indicate that the server is ending
	serving   uint32               // indicates the server has started serving
}

// New returns a new instance of the broker. Optional parameters
// can be specified to override some default settings (see Options).
func New(opts *Options) *Server {
	if opts == nil {
		opts = new(Options)
	}

	opts.ensureDefaults()

	s := &Server{
		Options:   opts,
		Listeners: listeners.New(),
		Clients:   NewClients(),
		Topics:    topics.New(),
		Info: &system.Info{
			Version: Version,
			Started: time.Now().Unix(),
		},
		Log:  opts.Logger,
		done: make(chan bool),
	}

	s.handlers = map[byte]handler{
		packets.Connect:     s.processConnect,
		packets.Publish:     s.processPublish,
		packets.Puback:      s.processPuback,
		packets.Pubrec:      s.processPubrec,
		packets.Pubrel:      s.processPubrel,
		packets.Pubcomp:     s.processPubcomp,
		packets.Subscribe:   s.processSubscribe,
		packets.Unsubscribe: s.processUnsubscribe,
		packets.Pingreq:     s.processPingreq,
		packets.Disconnect:  s.processDisconnect,
	}

	return s
}

// AddListener adds a new network listener to the server, for receiving incoming client connections.
func (s *Server) AddListener(l listeners.Listener) error {
	if _, ok := s.Listeners.Get(l.ID()); ok {
		return ErrListenerIDExists
	}

	nl := s.Log.With(slog.String("listener", l.ID()))
	err := l.Init(nl)
	if err != nil {
		return err
	}

	s.Listeners.Add(l)
	if atomic.LoadUint32(&s.serving) == 1 {
		s.Listeners.Serve(l.ID(), s.EstablishConnection)
	}

	s.Log.Info("attached listener", "id", l.ID(), "protocol", l.Protocol(), "address", l.Address())
	return nil
}

// AddListenersFromConfig adds listeners to the server which were specified in the listeners config (usually from a config file).
func (s *Server) AddListenersFromConfig(configs []listeners.Config) error {
	for _, conf := range configs {
		var l listeners.Listener
		switch strings.ToLower(conf.Type) {
		case listeners.TypeTCP:
			l = listeners.NewTCP(conf)
		case listeners.TypeWS:
			l = listeners.NewWebsocket(conf)
		case listeners.TypeUnix:
			l = listeners.NewUnixSock(conf)
		case listeners.TypeHealthCheck:
			l = listeners.NewHTTPHealthCheck(conf)
		case listeners.TypeSysInfo:
			l = listeners.NewHTTPStats(conf, s.Info)
		case listeners.TypeMetrics:
			l = listeners.NewHTTPMetrics(conf, s.Info)
		case listeners.TypeMock:
			l = listeners.NewMockListener(conf.ID, conf.Address)
		default:
			s.Log.Error("listener type unavailable by config", "listener", conf.Type)
			continue
		}

		if err := s.AddListener(l); err != nil {
			return err
		}
	}
	return nil
}

// Serve starts the event loops responsible for establishing client connections
// on all attached listeners and publishing the system topics.
func (s *Server) Serve() error {
	if !atomic.CompareAndSwapUint32(&s.serving, 0, 1) {
		return ErrServerAlreadyListening
	}

	s.Log.Info("mochi mqtt starting", "version", Version)
	defer s.Log.Info("mochi mqtt server started")

	if len(s.Options.Listeners) > 0 {
		err := s.AddListenersFromConfig(s.Options.Listeners)
		if err != nil {
			return err
		}
	}

	go s.eventLoop()                            // spin up event loop for issuing $SYS values and closing server.
	s.Listeners.ServeAll(s.EstablishConnection) // start listening on all listeners.
	s.publishSysTopics()                        // begin publishing $SYS system values.

	return nil
}

// eventLoop loops forever, running various server housekeeping methods at different intervals.
func (s *Server) eventLoop() {
	s.Log.Debug("system event loop started")
	defer s.Log.Debug("system event loop halted")

	ticker := time.NewTicker(time.Second * time.Duration(s.Options.SysTopicResendInterval))
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.publishSysTopics()
		}
	}
}

// controller returns the auth controller for a connection, falling back to
// the server auth ledger, and then to allowing all clients.
func (s *Server) controller(ac auth.Controller) auth.Controller {
	if ac != nil {
		return ac
	}

	if s.Options.Auth != nil {
		return s.Options.Auth
	}

	return new(auth.Allow)
}

// EstablishConnection establishes a new client when a listener accepts a new
// connection, and blocks reading its packets until the connection ends.
func (s *Server) EstablishConnection(listener string, c net.Conn, ac auth.Controller) error {
	s.Listeners.ClientsWg.Add(1)
	defer s.Listeners.ClientsWg.Done()

	cl := newClient(c, listener, s.controller(ac), s.Info)
	cl.MaxPacketSize = s.Options.MaximumPacketSize
	defer cl.Net.Conn.Close()

	_ = c.SetReadDeadline(time.Now().Add(time.Duration(s.Options.ConnectTimeout) * time.Second))
	pk, err := cl.ReadPacket()
	if err != nil {
		return fmt.Errorf("read connection: %w", err)
	}
	_ = c.SetReadDeadline(time.Time{})

	if pk.FixedHeader.Type != packets.Connect {
		return ErrFirstPacketNotConnect
	}

	return s.attachClient(cl, pk)
}

// sendConnack writes a connack packet to a client which may not yet be connected.
func (s *Server) sendConnack(cl *Client, code byte, sessionPresent bool) error {
	return cl.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Connack,
		},
		SessionPresent: sessionPresent,
		ReturnCode:     code,
	})
}

// validateConnect checks a connect packet, returning the connack code to
// reject it with alongside any error.
func (s *Server) validateConnect(pk packets.Packet) (byte, error) {
	code, err := pk.ConnectValidate()
	if err != nil {
		return code, err
	}

	if s.Options.Compatibilities.RejectUsernameWithPassword && pk.UsernameFlag && pk.PasswordFlag {
		return packets.CodeConnectProtocolViolation, packets.ErrMalformedConnectFlags
	}

	return packets.Accepted, nil
}

// attachClient validates a connect packet and if viable, registers the client
// on the server, performs session housekeeping, and reads incoming packets.
func (s *Server) attachClient(cl *Client, pk packets.Packet) error {
	code, err := s.validateConnect(pk)
	if err != nil {
		// [MQTT-3.1.2-2] an unacceptable protocol name is closed without a connack.
		if code != packets.CodeConnectProtocolViolation {
			_ = s.sendConnack(cl, code, false)
		}
		return err
	}

	cl.Clean = pk.CleanSession
	cl.Keepalive = pk.Keepalive
	if pk.UsernameFlag {
		cl.User = &session.User{
			Username: pk.Username,
			Password: pk.Password,
		}
	}

	if pk.WillFlag {
		cl.SetWill(&session.Will{
			Topic:   pk.WillTopic,
			Message: pk.WillMessage,
			Qos:     pk.WillQos,
			Retain:  pk.WillRetain,
		})
	}

	s.connMu.Lock()
	cl.ID = pk.ClientIdentifier
	if cl.ID == "" {
		cl.ID = s.Clients.assignID()
	}

	if !cl.AC.Authenticate(cl.Identity(), pk.Password) { // [MQTT-3.1.4-2]
		s.connMu.Unlock()
		_ = s.sendConnack(cl, packets.CodeConnectBadAuthValues, false)
		return ErrConnectNotAuthorized
	}

	existing, ok := s.Clients.Get(cl.ID)
	if ok && existing.IsConnected() {
		s.connMu.Unlock()
		_ = s.sendConnack(cl, packets.CodeConnectBadClientID, false)
		return ErrClientIDIsUsedAlready
	}

	sessionPresent := s.inheritClientSession(cl, existing)

	s.Clients.Add(cl) // [MQTT-4.1.0-1]
	cl.SetState(session.Connected)
	s.connMu.Unlock()

	atomic.AddInt64(&s.Info.ClientsConnected, 1)
	s.noteClientsMaximum()
	if ok {
		atomic.AddInt64(&s.Info.ClientsDisconnected, -1)
	} else {
		atomic.AddInt64(&s.Info.ClientsTotal, 1)
	}

	log := s.Log.With("client", cl.ID, "conn", cl.Net.ConnID, "remote", cl.Net.Remote, "listener", cl.Net.Listener)
	log.Debug("client connected", "clean", cl.Clean, "session_present", sessionPresent)

	err = s.sendConnack(cl, packets.Accepted, sessionPresent) // [MQTT-3.2.0-1] [MQTT-3.2.0-2]
	if err != nil {
		s.disconnectProcessing(cl)
		return fmt.Errorf("ack connection packet: %w", err)
	}

	if err = cl.Redeliver(); err != nil {
		s.disconnectProcessing(cl)
		return fmt.Errorf("resend inflight: %w", err)
	}

	cl.keepalive = session.NewTimer(session.KeepaliveWindow(cl.Keepalive), func() {
		log.Warn("client keepalive expired", "error", ErrKeepaliveTimeout)
		s.disconnectProcessing(cl)
	})
	cl.keepalive.Reset()

	err = s.readClient(cl, log)
	s.disconnectProcessing(cl)
	log.Debug("client disconnected", "error", err)

	return err
}

// inheritClientSession adopts or discards the previous session of a client
// id, returning true if a session was resumed.
func (s *Server) inheritClientSession(cl *Client, existing *Client) bool {
	if existing == nil {
		return false
	}

	if !cl.Clean {
		will, user, keepalive := cl.TakeWill(), cl.User, cl.Keepalive
		if err := cl.Adopt(existing.Session); err != nil {
			s.Log.Warn("failed to copy inherited session", "client", cl.ID, "error", err)
		}
		cl.SetWill(will)
		cl.User = user
		cl.Keepalive = keepalive
		return true // [MQTT-3.2.2-3]
	}

	s.UnsubscribeClient(existing) // [MQTT-3.1.2-6]
	atomic.AddInt64(&s.Info.Inflight, -int64(existing.Inflight.Len()+existing.Received.Len()))
	existing.Clear()
	return false // [MQTT-3.2.2-1]
}

// noteClientsMaximum raises the maximum connected clients counter if needed.
func (s *Server) noteClientsMaximum() {
	for {
		current := atomic.LoadInt64(&s.Info.ClientsConnected)
		maximum := atomic.LoadInt64(&s.Info.ClientsMaximum)
		if current <= maximum || atomic.CompareAndSwapInt64(&s.Info.ClientsMaximum, maximum, current) {
			return
		}
	}
}

// readClient reads and processes packets from a client until the connection
// ends. Errors which concern a single packet id are logged and reading
// continues; any other error ends the connection.
func (s *Server) readClient(cl *Client, log *slog.Logger) error {
	for {
		pk, err := cl.ReadPacket()
		if err != nil {
			if !cl.IsConnected() {
				return nil
			}
			return err
		}

		cl.keepalive.Reset() // [MQTT-3.1.2-24]

		err = s.receivePacket(cl, pk)
		if err != nil {
			if session.IsRecoverable(err) {
				log.Warn("failed processing packet", "type", packets.Names[pk.FixedHeader.Type], "id", pk.FormatID(), "error", err)
				continue
			}
			return err
		}

		if !cl.IsConnected() {
			return nil
		}
	}
}

// receivePacket dispatches an inbound packet to its handler.
func (s *Server) receivePacket(cl *Client, pk packets.Packet) error {
	h, ok := s.handlers[pk.FixedHeader.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnexpectedPacketType, packets.Names[pk.FixedHeader.Type])
	}

	return h(cl, pk)
}

// processConnect processes a Connect packet. The packet cannot be used to
// establish a new connection on an existing connection. See EstablishConnection
// instead.
func (s *Server) processConnect(cl *Client, _ packets.Packet) error {
	return fmt.Errorf("%w: %w", packets.ErrProtocolViolation, ErrSecondConnect)
}

// processPingreq processes a Pingreq packet.
func (s *Server) processPingreq(cl *Client, _ packets.Packet) error {
	return cl.Send(packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Pingresp, // [MQTT-3.12.4-1]
		},
	})
}

// processDisconnect processes a Disconnect packet.
func (s *Server) processDisconnect(cl *Client, _ packets.Packet) error {
	cl.TakeWill() // [MQTT-3.14.4-3] [MQTT-3.1.2-10]
	s.disconnectProcessing(cl)
	return nil
}

// processPublish processes a Publish packet.
func (s *Server) processPublish(cl *Client, pk packets.Packet) error {
	if err := pk.PublishValidate(); err != nil {
		return err
	}

	// A resent qos 2 message which is still awaiting its pubrel has already
	// been delivered to subscribers.
	if pk.FixedHeader.Qos == 2 {
		if _, ok := cl.Received.Get(pk.PacketID); ok {
			return cl.WritePacket(packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Pubrec},
				PacketID:    pk.PacketID,
			})
		}
	}

	switch {
	case strings.HasPrefix(pk.TopicName, sysPrefix):
		s.Log.Debug("dropped publish to reserved topic", "client", cl.ID, "topic", pk.TopicName)
		atomic.AddInt64(&s.Info.MessagesDropped, 1)
	case !cl.AC.ACL(cl.Identity(), pk.TopicName, true):
		s.Log.Debug("publish not authorized", "client", cl.ID, "topic", pk.TopicName)
		atomic.AddInt64(&s.Info.MessagesDropped, 1)
	default:
		if pk.FixedHeader.Retain { // [MQTT-3.3.1-5]
			s.retainMessage(pk)
		}
		s.publishToSubscribers(pk)
	}

	switch pk.FixedHeader.Qos {
	case 1:
		return cl.Send(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Puback}, // [MQTT-4.3.2-2]
			PacketID:    pk.PacketID,
		})
	case 2:
		return cl.Send(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pubrec}, // [MQTT-4.3.3-2]
			PacketID:    pk.PacketID,
		})
	}

	return nil
}

// retainMessage adds or clears the retained message of a published topic.
func (s *Server) retainMessage(pk packets.Packet) {
	var q int64
	if s.Options.Compatibilities.ClearRetainedOnQosZero && pk.FixedHeader.Qos == 0 && len(pk.Payload) > 0 {
		q = s.Topics.ClearRetained(pk.TopicName)
	} else {
		q = s.Topics.RetainMessage(pk.TopicName, pk.FixedHeader.Qos, pk.Payload)
	}

	atomic.AddInt64(&s.Info.Retained, q)
}

// publishToSubscribers publishes a publish packet to all subscribers with
// matching topic filters, downgrading the qos to the granted qos of each.
// Persistent subscribers which are offline have qos messages queued.
func (s *Server) publishToSubscribers(pk packets.Packet) {
	for id, granted := range s.Topics.Subscribers(pk.TopicName) {
		cl, ok := s.Clients.Get(id)
		if !ok {
			continue
		}

		out := pk.PublishCopy()
		out.FixedHeader.Retain = false // [MQTT-3.3.1-9]
		out.FixedHeader.Qos = min(pk.FixedHeader.Qos, granted)

		_, err := cl.Publish(out)
		if errors.Is(err, session.ErrNotConnected) && !cl.Clean && out.FixedHeader.Qos > 0 {
			_, err = cl.Enqueue(out)
		}

		if err != nil {
			atomic.AddInt64(&s.Info.MessagesDropped, 1)
			s.Log.Debug("failed to deliver message", "client", id, "topic", pk.TopicName, "error", err)
		}
	}
}

// processPuback processes a Puback packet.
func (s *Server) processPuback(cl *Client, pk packets.Packet) error {
	return cl.Ack(pk.PacketID)
}

// processPubrec processes a Pubrec packet, releasing the message.
func (s *Server) processPubrec(cl *Client, pk packets.Packet) error {
	if err := cl.Ack(pk.PacketID); err != nil {
		return err
	}

	return cl.Send(packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Pubrel,
			Qos:  1, // [MQTT-3.6.1-1]
		},
		PacketID: pk.PacketID,
	})
}

// processPubrel processes a Pubrel packet. A pubcomp is always sent so that a
// repeated pubrel is completed.
func (s *Server) processPubrel(cl *Client, pk packets.Packet) error {
	released := cl.Release(pk.PacketID)

	err := cl.Send(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubcomp}, // [MQTT-4.3.3-2]
		PacketID:    pk.PacketID,
	})
	if err != nil {
		return err
	}

	return released
}

// processPubcomp processes a Pubcomp packet.
func (s *Server) processPubcomp(cl *Client, pk packets.Packet) error {
	return cl.Ack(pk.PacketID)
}

// processSubscribe processes a Subscribe packet.
func (s *Server) processSubscribe(cl *Client, pk packets.Packet) error {
	if err := pk.SubscribeValidate(); err != nil {
		return err
	}

	codes := make([]byte, len(pk.Topics))
	for i, filter := range pk.Topics {
		if !cl.AC.ACL(cl.Identity(), filter, false) {
			codes[i] = packets.ErrSubAckNetworkError
			continue
		}

		granted, err := s.Topics.Subscribe(cl.ID, filter, pk.Qoss[i])
		if err != nil {
			s.Log.Debug("subscribe rejected", "client", cl.ID, "filter", filter, "error", err)
			codes[i] = packets.ErrSubAckNetworkError
			continue
		}

		if cl.Subscriptions.Add(filter, granted) {
			atomic.AddInt64(&s.Info.Subscriptions, 1)
		}
		codes[i] = granted
	}

	err := cl.Send(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Suback},
		PacketID:    pk.PacketID, // [MQTT-3.8.4-2]
		ReturnCodes: codes,       // [MQTT-3.8.4-5]
	})
	if err != nil {
		return err
	}

	for i, filter := range pk.Topics {
		if codes[i] == packets.ErrSubAckNetworkError {
			continue
		}

		if err := s.publishRetainedToClient(cl, filter, codes[i]); err != nil {
			return err
		}
	}

	return nil
}

// publishRetainedToClient sends the retained messages matching a filter to a
// newly subscribed client, at the lower of the retained and granted qos.
func (s *Server) publishRetainedToClient(cl *Client, filter string, qos byte) error {
	msgs, err := s.Topics.Retained(filter)
	if err != nil {
		return err
	}

	for _, m := range msgs {
		_, err := cl.Publish(packets.Packet{
			FixedHeader: packets.FixedHeader{
				Type:   packets.Publish,
				Qos:    min(m.Qos, qos),
				Retain: true, // [MQTT-3.3.1-8]
			},
			TopicName: m.TopicName,
			Payload:   m.Payload,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// processUnsubscribe processes an unsubscribe packet.
func (s *Server) processUnsubscribe(cl *Client, pk packets.Packet) error {
	if err := pk.UnsubscribeValidate(); err != nil {
		return err
	}

	for _, filter := range pk.Topics {
		s.Topics.Unsubscribe(cl.ID, filter)
		if cl.Subscriptions.Delete(filter) {
			atomic.AddInt64(&s.Info.Subscriptions, -1)
		}
	}

	return cl.Send(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsuback},
		PacketID:    pk.PacketID, // [MQTT-3.11.2-1]
	})
}

// UnsubscribeClient unsubscribes a client from all of their subscriptions.
func (s *Server) UnsubscribeClient(cl *Client) {
	for filter := range cl.Subscriptions.GetAll() {
		s.Topics.Unsubscribe(cl.ID, filter)
		if cl.Subscriptions.Delete(filter) {
			atomic.AddInt64(&s.Info.Subscriptions, -1)
		}
	}
}

// disconnectProcessing ends a client connection once: the keepalive is
// stopped, any armed will is published, and the session is either dropped
// (clean session) or kept for a later reconnect.
func (s *Server) disconnectProcessing(cl *Client) {
	cl.done.Do(func() {
		cl.keepalive.Stop()
		cl.SetState(session.Disconnected)

		if will := cl.TakeWill(); will != nil {
			s.publishWill(cl, will)
		}

		s.connMu.Lock()
		if current, ok := s.Clients.Get(cl.ID); ok && current == cl {
			if cl.Clean {
				s.UnsubscribeClient(cl)
				atomic.AddInt64(&s.Info.Inflight, -int64(cl.Inflight.Len()+cl.Received.Len()))
				s.Clients.Delete(cl.ID) // [MQTT-4.1.0-2]
			} else {
				atomic.AddInt64(&s.Info.ClientsDisconnected, 1)
			}
			atomic.AddInt64(&s.Info.ClientsConnected, -1)
		}
		s.connMu.Unlock()

		_ = cl.Close()
	})
}

// publishWill publishes the will message of a client through the normal
// retain and fan-out path.
func (s *Server) publishWill(cl *Client, will *session.Will) {
	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    will.Qos,
			Retain: will.Retain,
		},
		TopicName: will.Topic,
		Payload:   will.Message,
	}

	if !cl.AC.ACL(cl.Identity(), pk.TopicName, true) {
		s.Log.Debug("will not authorized", "client", cl.ID, "topic", pk.TopicName)
		return
	}

	if pk.FixedHeader.Retain {
		s.retainMessage(pk)
	}

	s.publishToSubscribers(pk)
	s.Log.Debug("published will", "client", cl.ID, "topic", pk.TopicName)
}

// Publish publishes a message to subscribers on behalf of the embedding
// program, as if it had been received from a client.
func (s *Server) Publish(topic string, payload []byte, retain bool, qos byte) error {
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

	if qos > 0 {
		pk.PacketID = 1 // satisfies validation, never sent.
	}

	if err := pk.PublishValidate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInlinePublish, err)
	}

	if retain {
		s.retainMessage(pk)
	}

	s.publishToSubscribers(pk)
	return nil
}

// publishSysTopics publishes the current values to the server $SYS topics.
// Due to the int to string conversions this method is not as cheap as
// some of the others so the publishing interval should be set appropriately.
func (s *Server) publishSysTopics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	atomic.StoreInt64(&s.Info.MemoryAlloc, int64(m.HeapInuse))
	atomic.StoreInt64(&s.Info.Threads, int64(runtime.NumGoroutine()))
	atomic.StoreInt64(&s.Info.Time, time.Now().Unix())
	atomic.StoreInt64(&s.Info.Uptime, time.Now().Unix()-atomic.LoadInt64(&s.Info.Started))

	info := s.Info.Clone()
	topics := map[string]string{
		sysPrefix + "/broker/version":              info.Version,
		sysPrefix + "/broker/time":                 strconv.FormatInt(info.Time, 10),
		sysPrefix + "/broker/uptime":               strconv.FormatInt(info.Uptime, 10),
		sysPrefix + "/broker/started":              strconv.FormatInt(info.Started, 10),
		sysPrefix + "/broker/load/bytes/received":  strconv.FormatInt(info.BytesReceived, 10),
		sysPrefix + "/broker/load/bytes/sent":      strconv.FormatInt(info.BytesSent, 10),
		sysPrefix + "/broker/clients/connected":    strconv.FormatInt(info.ClientsConnected, 10),
		sysPrefix + "/broker/clients/disconnected": strconv.FormatInt(info.ClientsDisconnected, 10),
		sysPrefix + "/broker/clients/maximum":      strconv.FormatInt(info.ClientsMaximum, 10),
		sysPrefix + "/broker/clients/total":        strconv.FormatInt(info.ClientsTotal, 10),
		sysPrefix + "/broker/packets/received":     strconv.FormatInt(info.PacketsReceived, 10),
		sysPrefix + "/broker/packets/sent":         strconv.FormatInt(info.PacketsSent, 10),
		sysPrefix + "/broker/messages/received":    strconv.FormatInt(info.MessagesReceived, 10),
		sysPrefix + "/broker/messages/sent":        strconv.FormatInt(info.MessagesSent, 10),
		sysPrefix + "/broker/messages/dropped":     strconv.FormatInt(info.MessagesDropped, 10),
		sysPrefix + "/broker/messages/inflight":    strconv.FormatInt(info.Inflight, 10),
		sysPrefix + "/broker/retained":             strconv.FormatInt(info.Retained, 10),
		sysPrefix + "/broker/subscriptions":        strconv.FormatInt(info.Subscriptions, 10),
		sysPrefix + "/broker/system/memory":        strconv.FormatInt(info.MemoryAlloc, 10),
		sysPrefix + "/broker/system/threads":       strconv.FormatInt(info.Threads, 10),
	}

	for topic, payload := range topics {
		_ = s.Publish(topic, []byte(payload), true, 0)
	}

	s.Log.Debug("published $SYS topics")
}

// Close attempts to gracefully shut down the server, all listeners and clients.
// Clients closed by the server do not have their wills published.
func (s *Server) Close() error {
	close(s.done)
	s.Log.Info("gracefully stopping server")
	s.Listeners.CloseAll(s.closeListenerClients)
	s.Log.Info("mochi mqtt server stopped")
	return nil
}

// closeListenerClients closes all clients on the specified listener.
func (s *Server) closeListenerClients(listener string) {
	for _, cl := range s.Clients.GetByListener(listener) {
		cl.TakeWill()
		_ = cl.Net.Conn.Close()
	}
}
