// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/xid"

	"github.com/mochi-mqtt/lite/auth"
	"github.com/mochi-mqtt/lite/session"
	"github.com/mochi-mqtt/lite/system"
)

// assignedIDPrefix prefixes the client ids the broker assigns to clients
// connecting with an empty client id.
const assignedIDPrefix = "DummyClientID"

// Clients contains a map of the clients known by the broker.
type Clients struct {
	internal map[string]*Client // clients known by the broker, keyed on client id.
	sync.RWMutex
}

// NewClients returns an instance of Clients.
func NewClients() *Clients {
	return &Clients{
		internal: make(map[string]*Client),
	}
}

// Add adds a new client to the clients map, keyed on client id.
func (cl *Clients) Add(val *Client) {
	cl.Lock()
	defer cl.Unlock()
	cl.internal[val.ID] = val
}

// GetAll returns all the clients.
func (cl *Clients) GetAll() map[string]*Client {
	cl.RLock()
	defer cl.RUnlock()
	m := map[string]*Client{}
	for k, v := range cl.internal {
		m[k] = v
	}
	return m
}

// Get returns the value of a client if it exists.
func (cl *Clients) Get(id string) (*Client, bool) {
	cl.RLock()
	defer cl.RUnlock()
	val, ok := cl.internal[id]
	return val, ok
}

// Len returns the length of the clients map.
func (cl *Clients) Len() int {
	cl.RLock()
	defer cl.RUnlock()
	val := len(cl.internal)
	return val
}

// Delete removes a client from the internal map.
func (cl *Clients) Delete(id string) {
	cl.Lock()
	defer cl.Unlock()
	delete(cl.internal, id)
}

// GetByListener returns clients matching a listener id.
func (cl *Clients) GetByListener(id string) []*Client {
	cl.RLock()
	defer cl.RUnlock()
	clients := make([]*Client, 0, len(cl.internal))
	for _, client := range cl.internal {
		if client.Net.Listener == id && client.IsConnected() {
			clients = append(clients, client)
		}
	}
	return clients
}

// IDs returns the sorted ids of all known clients.
func (cl *Clients) IDs() []string {
	cl.RLock()
	defer cl.RUnlock()
	ids := make([]string, 0, len(cl.internal))
	for id := range cl.internal {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// assignID returns an unused broker-assigned client id, starting from the
// size of the registry.
func (cl *Clients) assignID() string {
	cl.RLock()
	defer cl.RUnlock()
	for n := len(cl.internal); ; n++ {
		id := assignedIDPrefix + strconv.Itoa(n)
		if _, ok := cl.internal[id]; !ok {
			return id
		}
	}
}

// ClientConnection contains the connection transport and metadata for the client.
type ClientConnection struct {
	Conn     net.Conn // the net.Conn used to establish the connection
	Remote   string   // the remote address of the client
	Listener string   // listener id of the client
	ConnID   string   // a unique id for the connection, for log correlation
}

// Client contains information about a client known by the broker.
type Client struct {
	*session.Session                  // the protocol session of the client
	Net              ClientConnection // network connection state of the client
	AC               auth.Controller  // an auth controller inherited from the listener
	keepalive        *session.Timer   // disconnects the client if it goes quiet
	done             sync.Once        // ensures disconnect processing runs once
}

// newClient returns a new client for an accepted connection.
func newClient(c net.Conn, listener string, ac auth.Controller, info *system.Info) *Client {
	cl := &Client{
		Session: session.New(""),
		Net: ClientConnection{
			Conn:     c,
			Listener: listener,
			ConnID:   xid.New().String(),
		},
		AC: ac,
	}

	if c != nil {
		cl.Net.Remote = c.RemoteAddr().String()
		cl.Attach(c)
	}

	cl.Info = info
	return cl
}

// Identity returns the details of the client used for authentication rules.
func (cl *Client) Identity() auth.Identity {
	id := auth.Identity{
		ClientID: cl.ID,
		Remote:   cl.Net.Remote,
	}

	if cl.User != nil {
		id.Username = cl.User.Username
	}

	return id
}
