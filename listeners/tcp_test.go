// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/lite/auth"
)

func TestNewTCP(t *testing.T) {
	l := NewTCP(basicConfig)
	require.Equal(t, "t1", l.id)
	require.Equal(t, testAddr, l.address)
	require.Equal(t, "t1", l.ID())
	require.Equal(t, testAddr, l.Address())
	require.Equal(t, "tcp", l.Protocol())
}

func TestTCPInit(t *testing.T) {
	l := NewTCP(basicConfig)
	require.NoError(t, l.Init(logger))
	defer l.Close(MockCloser)
	require.NotNil(t, l.listen)
	require.NotEqual(t, testAddr, l.Address())
}

func TestTCPInitBadAddress(t *testing.T) {
	l := NewTCP(Config{ID: "t1", Address: "wrong"})
	require.Error(t, l.Init(logger))
}

func TestTCPServeAndClose(t *testing.T) {
	l := NewTCP(basicConfig)
	require.NoError(t, l.Init(logger))

	o := make(chan bool)
	go func() {
		l.Serve(MockEstablisher)
		o <- true
	}()

	var closed bool
	l.Close(func(id string) {
		closed = true
	})
	require.True(t, closed)
	<-o

	l.Close(MockCloser)      // coverage: close closed
	l.Serve(MockEstablisher) // coverage: serve closed
}

func TestTCPEstablishThenEnd(t *testing.T) {
	l := NewTCP(Config{ID: "t1", Address: testAddr, Auth: new(auth.Allow)})
	require.NoError(t, l.Init(logger))

	o := make(chan bool)
	established := make(chan auth.Controller)
	go func() {
		l.Serve(func(id string, c net.Conn, ac auth.Controller) error {
			established <- ac
			return errors.New("ending") // return an error to exit immediately
		})
		o <- true
	}()

	conn, err := net.Dial("tcp", l.Address())
	require.NoError(t, err)
	defer conn.Close()

	require.IsType(t, new(auth.Allow), <-established)
	l.Close(MockCloser)
	<-o
}

func TestNetEstablish(t *testing.T) {
	ln, err := net.Listen("tcp", testAddr)
	require.NoError(t, err)

	l := NewNet("t1", ln, nil)
	require.Equal(t, "t1", l.ID())
	require.Equal(t, ln.Addr().String(), l.Address())
	require.Equal(t, "tcp", l.Protocol())
	require.NoError(t, l.Init(logger))

	o := make(chan bool)
	established := make(chan string)
	go func() {
		l.Serve(func(id string, c net.Conn, ac auth.Controller) error {
			established <- id
			return c.Close()
		})
		o <- true
	}()

	conn, err := net.Dial("tcp", l.Address())
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, "t1", <-established)

	var closed bool
	l.Close(func(id string) {
		closed = true
	})
	require.True(t, closed)
	<-o
}
