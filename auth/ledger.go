// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"encoding/json"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

const (
	Deny      Access = iota // user cannot access the topic
	ReadOnly                // user can only subscribe to the topic
	WriteOnly               // user can only publish to the topic
	ReadWrite               // user can both publish and subscribe to the topic
)

// Access determines the read/write privileges for an ACL rule.
type Access byte

// Users contains a map of access rules for specific users, keyed on username.
type Users map[string]UserRule

// UserRule defines a set of access rules for a specific user. The password
// may be stored in plain text or as a bcrypt hash.
type UserRule struct {
	Password RString `json:"password,omitempty" yaml:"password,omitempty"` // the password or bcrypt hash of a user
	ACL      Filters `json:"acl,omitempty" yaml:"acl,omitempty"`           // filters to match, if desired
	Disallow bool    `json:"disallow,omitempty" yaml:"disallow,omitempty"` // allow or disallow the user
}

// AuthRules defines generic access rules applicable to all users.
type AuthRules []AuthRule

// AuthRule defines an authentication rule matched on client, user and remote.
type AuthRule struct {
	Client   RString `json:"client,omitempty" yaml:"client,omitempty"`     // the id of a connecting client
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Remote   RString `json:"remote,omitempty" yaml:"remote,omitempty"`     // remote address or
	Password RString `json:"password,omitempty" yaml:"password,omitempty"` // the password of a user
	Allow    bool    `json:"allow,omitempty" yaml:"allow,omitempty"`       // allow or disallow the users
}

// ACLRules defines generic topic or filter access rules applicable to all users.
type ACLRules []ACLRule

// ACLRule defines access rules for a specific topic or filter.
type ACLRule struct {
	Client   RString `json:"client,omitempty" yaml:"client,omitempty"`     // the id of a connecting client
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Remote   RString `json:"remote,omitempty" yaml:"remote,omitempty"`     // remote address or
	Filters  Filters `json:"filters,omitempty" yaml:"filters,omitempty"`   // filters to match
}

// Filters is a map of Access rules keyed on filter.
type Filters map[RString]Access

// RString is a rule value string.
type RString string

// Matches returns true if the rule matches a given string.
func (r RString) Matches(a string) bool {
	rr := string(r)
	if r == "" || r == "*" || a == rr {
		return true
	}

	i := strings.Index(rr, "*")
	if i > 0 && len(a) > i && rr[:i] == a[:i] {
		return true
	}

	return false
}

// FilterMatches returns true if a filter matches a topic rule.
func (r RString) FilterMatches(a string) bool {
	_, ok := MatchTopic(string(r), a)
	return ok
}

// isHash returns true if the value looks like a bcrypt hash.
func (r RString) isHash() bool {
	return strings.HasPrefix(string(r), "$2a$") ||
		strings.HasPrefix(string(r), "$2b$") ||
		strings.HasPrefix(string(r), "$2y$")
}

// PasswordMatches returns true if a password matches the stored plain text
// or bcrypt hashed password.
func (r RString) PasswordMatches(password []byte) bool {
	if r.isHash() {
		return bcrypt.CompareHashAndPassword([]byte(r), password) == nil
	}

	return string(r) == string(password)
}

// MatchTopic checks if a given topic matches a filter, accounting for filter
// wildcards. Eg. filter /a/b/+/c == topic a/b/d/c.
func MatchTopic(filter string, topic string) (elements []string, matched bool) {
	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topic, "/")

	elements = make([]string, 0)
	for i := 0; i < len(filterParts); i++ {
		if filterParts[i] == "#" {
			elements = append(elements, strings.Join(topicParts[min(i, len(topicParts)):], "/"))
			return elements, true
		}

		if i >= len(topicParts) {
			return elements, false
		}

		if filterParts[i] == "+" {
			elements = append(elements, topicParts[i])
			continue
		}

		if filterParts[i] != topicParts[i] {
			return elements, false
		}
	}

	return elements, len(filterParts) == len(topicParts)
}

// HashPassword returns a bcrypt hash of a password suitable for a UserRule.
func HashPassword(password string) (RString, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return RString(hash), nil
}

// Ledger is an auth controller containing access rules for users and topics.
type Ledger struct {
	sync.Mutex `json:"-" yaml:"-"`
	Users      Users     `json:"users" yaml:"users"`
	Auth       AuthRules `json:"auth" yaml:"auth"`
	ACL        ACLRules  `json:"acl" yaml:"acl"`
}

// Update updates the internal values of the ledger.
func (l *Ledger) Update(ln *Ledger) {
	l.Lock()
	defer l.Unlock()
	l.Users = ln.Users
	l.Auth = ln.Auth
	l.ACL = ln.ACL
}

// Authenticate returns true if the rules indicate the user is allowed to connect.
func (l *Ledger) Authenticate(id Identity, password []byte) bool {
	_, ok := l.AuthOk(id, password)
	return ok
}

// ACL returns true if the rules indicate the user may read or write the topic.
func (l *Ledger) ACL(id Identity, topic string, write bool) bool {
	_, ok := l.ACLOk(id, topic, write)
	return ok
}

// AuthOk returns true if the rules indicate the user is allowed to authenticate,
// and the index of the matching rule.
func (l *Ledger) AuthOk(id Identity, password []byte) (n int, ok bool) {
	l.Lock()
	defer l.Unlock()

	// If the users map is set, always check for a predefined user first instead
	// of iterating through global rules.
	if l.Users != nil {
		if u, ok := l.Users[string(id.Username)]; ok &&
			u.Password != "" &&
			u.Password.PasswordMatches(password) {
			return 0, !u.Disallow
		}
	}

	for n, rule := range l.Auth {
		if rule.Client.Matches(id.ClientID) &&
			rule.Username.Matches(string(id.Username)) &&
			rule.Password.Matches(string(password)) &&
			rule.Remote.Matches(id.Remote) {
			return n, rule.Allow
		}
	}

	return 0, false
}

// ACLOk returns true if the rules indicate the user is allowed to read or write to
// a specific filter or topic respectively, based on the `write` bool.
func (l *Ledger) ACLOk(id Identity, topic string, write bool) (n int, ok bool) {
	l.Lock()
	defer l.Unlock()

	if l.Users != nil {
		if u, ok := l.Users[string(id.Username)]; ok && len(u.ACL) > 0 {
			for filter, access := range u.ACL {
				if filter.FilterMatches(topic) {
					return n, access.permits(write)
				}
			}
		}
	}

	for n, rule := range l.ACL {
		if rule.Client.Matches(id.ClientID) &&
			rule.Username.Matches(string(id.Username)) &&
			rule.Remote.Matches(id.Remote) {
			if len(rule.Filters) == 0 {
				return n, true
			}

			for filter, access := range rule.Filters {
				if access.permits(write) && filter.FilterMatches(topic) {
					return n, true
				}
			}

			for filter := range rule.Filters {
				if filter.FilterMatches(topic) {
					return n, false
				}
			}
		}
	}

	return 0, true
}

func (a Access) permits(write bool) bool {
	if write {
		return a == WriteOnly || a == ReadWrite
	}
	return a == ReadOnly || a == ReadWrite
}

// ToJSON encodes the values into a JSON string.
func (l *Ledger) ToJSON() (data []byte, err error) {
	return json.Marshal(l)
}

// ToYAML encodes the values into a YAML string.
func (l *Ledger) ToYAML() (data []byte, err error) {
	return yaml.Marshal(l)
}

// Unmarshal decodes a JSON or YAML string (such as a rule config from a file) into a struct.
func (l *Ledger) Unmarshal(data []byte) error {
	l.Lock()
	defer l.Unlock()
	if len(data) == 0 {
		return nil
	}

	if data[0] == '{' {
		return json.Unmarshal(data, l)
	}

	return yaml.Unmarshal(data, l)
}
