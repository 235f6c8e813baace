// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package auth provides the controllers a listener uses to authenticate
// connecting clients and authorise their topic access.
package auth

// Identity describes a connected or connecting client for rule matching.
type Identity struct {
	ClientID string // the client id, after any broker assignment.
	Remote   string // the remote address of the client.
	Username []byte // the username the client connected with.
}

// Controller is an interface for authentication controllers.
type Controller interface {
	// Authenticate returns true if a client with the given password may connect.
	Authenticate(id Identity, password []byte) bool

	// ACL returns true if a client may read (subscribe) or write (publish)
	// on a topic or filter.
	ACL(id Identity, topic string, write bool) bool
}

// Allow is an auth controller which allows access to all connections and topics.
type Allow struct{}

// Authenticate returns true if a username and password are acceptable. Allow always
// returns true.
func (a *Allow) Authenticate(id Identity, password []byte) bool {
	return true
}

// ACL returns true if a user has access permissions to read or write on a topic.
// Allow always returns true.
func (a *Allow) ACL(id Identity, topic string, write bool) bool {
	return true
}

// Disallow is an auth controller which disallows access to all connections and topics.
type Disallow struct{}

// Authenticate returns true if a username and password are acceptable. Disallow always
// returns false.
func (d *Disallow) Authenticate(id Identity, password []byte) bool {
	return false
}

// ACL returns true if a user has access permissions to read or write on a topic.
// Disallow always returns false.
func (d *Disallow) ACL(id Identity, topic string, write bool) bool {
	return false
}
