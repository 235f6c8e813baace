// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package topics

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrMultiLevelWildcardMustBeOnTail  = errors.New("multi-level wildcard must be the last segment")
	ErrWildcardMustNotBeAdjacentToName = errors.New("wildcard must occupy an entire segment")
	ErrEmptyTopic                      = errors.New("topic must be at least one character long")
)

// Subscriptions is a map of granted qos keyed on client id.
type Subscriptions map[string]byte

// Message is a retained message held by a topic node.
type Message struct {
	TopicName string
	Payload   []byte
	Qos       byte
}

// Index is a segment trie containing topic subscribers and retained messages.
// Nodes are created on demand and are never removed.
type Index struct {
	mu   sync.RWMutex // a mutex for locking the whole index.
	Root *Node        // the unnamed root node.
}

// Node is a single segment of a topic or filter path.
type Node struct {
	Key         string           // the segment name used to create the node.
	Path        string           // the full path from the root to this node.
	Parent      *Node            // a pointer to the parent node.
	Children    map[string]*Node // child nodes keyed on segment name.
	Subscribers Subscriptions    // clients subscribed with a filter ending at this node.
	Retained    []byte           // the retained payload for the topic, if any.
	RetainedQos byte             // the qos the retained message was published with.
	HasRetained bool             // true if the node holds a retained message.
}

// New returns a pointer to a new instance of Index.
func New() *Index {
	return &Index{
		Root: newNode("", "", nil),
	}
}

func newNode(key, path string, parent *Node) *Node {
	return &Node{
		Key:         key,
		Path:        path,
		Parent:      parent,
		Children:    make(map[string]*Node),
		Subscribers: make(Subscriptions),
	}
}

// ValidateFilter returns an error if a topic filter places its wildcards
// incorrectly.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}

	segs := strings.Split(filter, "/")
	for i, seg := range segs {
		if strings.ContainsAny(seg, "+#") && len(seg) > 1 {
			return ErrWildcardMustNotBeAdjacentToName
		}

		if seg == "#" && i != len(segs)-1 {
			return ErrMultiLevelWildcardMustBeOnTail
		}
	}

	return nil
}

// isHidden returns true if a child must be skipped by wildcard fan-out, either
// because it is a reserved $ segment or a filter node.
func isHidden(key string) bool {
	return strings.HasPrefix(key, "$") || key == "+" || key == "#"
}

// Resolve returns the set of nodes matched by a topic or filter path. Literal
// segments are created if missing when create is true; wildcard segments only
// fan out over nodes which already exist.
func (x *Index) Resolve(path string, create bool) ([]*Node, error) {
	if err := ValidateFilter(path); err != nil {
		return nil, err
	}

	if create {
		x.mu.Lock()
		defer x.mu.Unlock()
	} else {
		x.mu.RLock()
		defer x.mu.RUnlock()
	}

	return x.resolve(path, create), nil
}

func (x *Index) resolve(path string, create bool) []*Node {
	found := make(map[*Node]struct{})
	nodes := make([]*Node, 0, 4)
	x.Root.resolve(strings.Split(path, "/"), create, found, &nodes)
	return nodes
}

func (n *Node) resolve(segs []string, create bool, found map[*Node]struct{}, nodes *[]*Node) {
	if len(segs) == 0 {
		n.collect(found, nodes)
		return
	}

	switch seg := segs[0]; seg {
	case "+":
		for _, child := range n.Children {
			if isHidden(child.Key) {
				continue
			}
			child.resolve(segs[1:], create, found, nodes)
		}
	case "#":
		if n.Parent != nil {
			n.collect(found, nodes)
		}
		n.descendants(found, nodes)
	default:
		child, ok := n.Children[seg]
		if !ok {
			if !create {
				return
			}
			child = n.addChild(seg)
		}
		child.resolve(segs[1:], create, found, nodes)
	}
}

// descendants collects every visible node below n.
func (n *Node) descendants(found map[*Node]struct{}, nodes *[]*Node) {
	for _, child := range n.Children {
		if isHidden(child.Key) {
			continue
		}
		child.collect(found, nodes)
		child.descendants(found, nodes)
	}
}

func (n *Node) collect(found map[*Node]struct{}, nodes *[]*Node) {
	if _, ok := found[n]; ok {
		return
	}
	found[n] = struct{}{}
	*nodes = append(*nodes, n)
}

func (n *Node) addChild(key string) *Node {
	path := key
	if n.Parent != nil {
		path = n.Path + "/" + key
	}

	child := newNode(key, path, n)
	n.Children[key] = child
	return child
}

// poperate iterates and populates through a topic/filter path, instantiating
// nodes as it goes and returning the final node in the branch. Wildcards are
// treated as literal segment names.
func (x *Index) poperate(path string) *Node {
	n := x.Root
	for _, seg := range strings.Split(path, "/") {
		child, ok := n.Children[seg]
		if !ok {
			child = n.addChild(seg)
		}
		n = child
	}

	return n
}

// seek returns the node at the end of a literal path, or nil if it does not exist.
func (x *Index) seek(path string) *Node {
	n := x.Root
	for _, seg := range strings.Split(path, "/") {
		child, ok := n.Children[seg]
		if !ok {
			return nil
		}
		n = child
	}

	return n
}

// Subscribe registers a client on the node of the filter and returns the
// granted qos.
func (x *Index) Subscribe(client, filter string, qos byte) (byte, error) {
	if err := ValidateFilter(filter); err != nil {
		return 0, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	n := x.poperate(filter)
	n.Subscribers[client] = qos

	return qos, nil
}

// Unsubscribe removes a client from the node of the filter. Returns true if
// the subscription existed.
func (x *Index) Unsubscribe(client, filter string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	n := x.seek(filter)
	if n == nil {
		return false
	}

	_, ok := n.Subscribers[client]
	delete(n.Subscribers, client)
	return ok
}

// Subscribers returns a map of clients who are subscribed to filters matching
// a topic name, and their highest granted qos.
func (x *Index) Subscribers(topic string) Subscriptions {
	x.mu.RLock()
	defer x.mu.RUnlock()

	subs := make(Subscriptions)
	x.Root.scanSubscribers(strings.Split(topic, "/"), 0, subs)
	return subs
}

// scanSubscribers recursively steps through the literal, + and # branches of
// the node for segment d of a topic.
func (n *Node) scanSubscribers(segs []string, d int, subs Subscriptions) {
	part := segs[d]
	last := d == len(segs)-1

	follow := func(child *Node) {
		if !last {
			child.scanSubscribers(segs, d+1, subs)
			return
		}

		subs.merge(child.Subscribers)
		if hash, ok := child.Children["#"]; ok {
			subs.merge(hash.Subscribers) // path/# also matches path.
		}
	}

	if child, ok := n.Children[part]; ok && part != "+" && part != "#" {
		follow(child)
	}

	// Topics beginning with the reserved $ character are never matched by wildcards.
	if strings.HasPrefix(part, "$") {
		return
	}

	if child, ok := n.Children["+"]; ok {
		follow(child)
	}

	if child, ok := n.Children["#"]; ok {
		subs.merge(child.Subscribers)
	}
}

// merge captures the highest qos for each client.
func (s Subscriptions) merge(in Subscriptions) {
	for client, qos := range in {
		if ex, ok := s[client]; !ok || ex < qos {
			s[client] = qos
		}
	}
}

// RetainMessage stores a retained payload on the node of a topic, creating it
// if needed. An empty payload clears the retained message. Returns 1 if a
// retained message was added, -1 if one was removed, and 0 otherwise.
func (x *Index) RetainMessage(topic string, qos byte, payload []byte) int64 {
	x.mu.Lock()
	defer x.mu.Unlock()

	n := x.poperate(topic)
	if len(payload) == 0 {
		return n.clearRetained()
	}

	var r int64
	if !n.HasRetained {
		r = 1
	}

	n.Retained = payload
	n.RetainedQos = qos
	n.HasRetained = true
	return r
}

// ClearRetained removes any retained message from a topic, returning -1 if
// one was removed.
func (x *Index) ClearRetained(topic string) int64 {
	x.mu.Lock()
	defer x.mu.Unlock()

	n := x.seek(topic)
	if n == nil {
		return 0
	}

	return n.clearRetained()
}

func (n *Node) clearRetained() int64 {
	if !n.HasRetained {
		return 0
	}

	n.Retained = nil
	n.RetainedQos = 0
	n.HasRetained = false
	return -1
}

// Retained returns the retained messages of every existing topic matching a filter.
func (x *Index) Retained(filter string) ([]Message, error) {
	nodes, err := x.Resolve(filter, false)
	if err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	msgs := make([]Message, 0, len(nodes))
	for _, n := range nodes {
		if n.HasRetained {
			msgs = append(msgs, Message{
				TopicName: n.Path,
				Payload:   n.Retained,
				Qos:       n.RetainedQos,
			})
		}
	}

	return msgs, nil
}

// Dump returns the sorted paths of every node in the tree.
func (x *Index) Dump() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	paths := make([]string, 0, 32)
	var walk func(n *Node)
	walk = func(n *Node) {
		for _, child := range n.Children {
			paths = append(paths, child.Path)
			walk(child)
		}
	}
	walk(x.Root)

	sort.Strings(paths)
	return paths
}
