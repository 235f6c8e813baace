// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: jason@zgwit.com

package listeners

import (
	"log/slog"
	"net"
	"os"
)

// UnixSock is a listener for establishing client connections on a unix domain socket.
type UnixSock struct {
	acceptor
	path string // the socket file to bind to.
}

// NewUnixSock initialises and returns a new UnixSock listener on a socket path.
func NewUnixSock(config Config) *UnixSock {
	return &UnixSock{
		acceptor: acceptor{
			id: config.ID,
			ac: config.Auth,
		},
		path: config.Address,
	}
}

// ID returns the id of the listener.
func (l *UnixSock) ID() string {
	return l.id
}

// Address returns the socket path of the listener.
func (l *UnixSock) Address() string {
	return l.path
}

// Protocol returns the protocol of the listener.
func (l *UnixSock) Protocol() string {
	return "unix"
}

// Init removes any stale socket file and binds the socket.
func (l *UnixSock) Init(log *slog.Logger) error {
	l.log = log

	var err error
	_ = os.Remove(l.path)
	l.listen, err = net.Listen("unix", l.path)
	return err
}

// Serve accepts socket connections until the listener is closed.
func (l *UnixSock) Serve(establish EstablishFn) {
	if l.listen == nil {
		return
	}
	l.accept(establish)
}

// Close closes the socket and any client connections.
func (l *UnixSock) Close(closeClients CloseFn) {
	l.shutdown(closeClients, l.closeListener)
}
