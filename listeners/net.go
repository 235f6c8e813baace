// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: Jeroen Rinzema

package listeners

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/mochi-mqtt/lite/auth"
)

// acceptor holds the state shared by the stream listeners: the bound
// net.Listener, the auth controller handed to every client, and the close gate.
type acceptor struct {
	mu     sync.Mutex
	id     string          // the internal id of the listener
	ac     auth.Controller // the auth controller handed to established clients
	listen net.Listener    // a net.Listener which will listen for new clients
	log    *slog.Logger    // server logger
	end    uint32          // ensure the close methods are only called once
}

func (a *acceptor) closed() bool {
	return atomic.LoadUint32(&a.end) == 1
}

// accept hands each accepted connection to establish in its own goroutine
// until the listener is closed.
func (a *acceptor) accept(establish EstablishFn) {
	for !a.closed() {
		conn, err := a.listen.Accept()
		if err != nil {
			return
		}

		if !a.closed() {
			establishAsync(a.log, a.id, conn, a.ac, establish)
		}
	}
}

// shutdown closes the clients of the listener once, then calls stop to
// release the network resources.
func (a *acceptor) shutdown(closeClients CloseFn, stop func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if atomic.CompareAndSwapUint32(&a.end, 0, 1) {
		closeClients(a.id)
	}

	stop()
}

// closeListener is the stop function of listeners which only own a net.Listener.
func (a *acceptor) closeListener() {
	if a.listen != nil {
		_ = a.listen.Close()
	}
}

// Net is a listener for establishing client connections on an existing
// net.Listener provided by the embedding program.
type Net struct { // [MQTT-4.2.0-1]
	acceptor
}

// NewNet initialises and returns a listener serving incoming connections on the given net.Listener.
func NewNet(id string, listener net.Listener, ac auth.Controller) *Net {
	return &Net{
		acceptor: acceptor{
			id:     id,
			ac:     ac,
			listen: listener,
		},
	}
}

// ID returns the id of the listener.
func (l *Net) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *Net) Address() string {
	return l.listen.Addr().String()
}

// Protocol returns the network of the listener.
func (l *Net) Protocol() string {
	return l.listen.Addr().Network()
}

// Init initializes the listener.
func (l *Net) Init(log *slog.Logger) error {
	l.log = log
	return nil
}

// Serve starts waiting for new connections, and calls the establish
// connection callback for any received.
func (l *Net) Serve(establish EstablishFn) {
	l.accept(establish)
}

// Close closes the listener and any client connections.
func (l *Net) Close(closeClients CloseFn) {
	l.shutdown(closeClients, l.closeListener)
}
