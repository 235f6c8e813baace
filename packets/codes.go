// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import "errors"

// CONNACK return codes and the SUBACK failure marker.
const (
	Accepted                      byte = 0x00
	CodeConnectBadProtocolVersion byte = 0x01
	CodeConnectBadClientID        byte = 0x02
	CodeConnectServerUnavailable  byte = 0x03
	CodeConnectBadAuthValues      byte = 0x04
	CodeConnectNotAuthorised      byte = 0x05
	CodeConnectProtocolViolation  byte = 0xFF
	ErrSubAckNetworkError         byte = 0x80
)

// ConnackCodes contains readable reasons for each CONNACK return code.
var ConnackCodes = map[byte]string{
	Accepted:                      "connection accepted",
	CodeConnectBadProtocolVersion: "unacceptable protocol version",
	CodeConnectBadClientID:        "identifier rejected",
	CodeConnectServerUnavailable:  "server unavailable",
	CodeConnectBadAuthValues:      "bad user name or password",
	CodeConnectNotAuthorised:      "not authorized",
}

var (
	// FIXED HEADER
	ErrMalformedRemainingLength = errors.New("malformed packet: remaining length")
	ErrMalformedReservedBits    = errors.New("malformed packet: fixed header reserved bits")
	ErrInvalidMessageType       = errors.New("invalid message type")
	ErrOversizedLengthIndicator = errors.New("protocol violation: oversized length indicator")
	ErrPacketTooLarge           = errors.New("packet too large")

	// CONNECT
	ErrMalformedProtocolName    = errors.New("malformed packet: protocol name")
	ErrMalformedProtocolVersion = errors.New("malformed packet: protocol version")
	ErrMalformedFlags           = errors.New("malformed packet: flags")
	ErrMalformedKeepalive       = errors.New("malformed packet: keepalive")
	ErrMalformedClientID        = errors.New("malformed packet: client id")
	ErrMalformedWillTopic       = errors.New("malformed packet: will topic")
	ErrMalformedWillMessage     = errors.New("malformed packet: will message")
	ErrMalformedUsername        = errors.New("malformed packet: username")
	ErrMalformedPassword        = errors.New("malformed packet: password")
	ErrInvalidProtocolName      = errors.New("invalid protocol name or level")
	ErrMalformedConnectFlags    = errors.New("malformed packet: connect flags")
	ErrCleanSessionMustBeTrue   = errors.New("clean session must be true for an empty client id")

	// CONNACK
	ErrMalformedSessionPresent = errors.New("malformed packet: session present")
	ErrMalformedReturnCode     = errors.New("malformed packet: return code")

	// PUBLISH
	ErrMalformedTopic          = errors.New("malformed packet: topic name")
	ErrMalformedPacketID       = errors.New("malformed packet: packet id")
	ErrPacketIDShouldBeZero    = errors.New("packet id should be zero")
	ErrPacketIDShouldNotBeZero = errors.New("packet id should not be zero")
	ErrWildcardInTopicName     = errors.New("topic name must not contain wildcards")
	ErrInvalidQoS3             = errors.New("invalid qos 3")

	// SUBSCRIBE
	ErrMalformedQoS                   = errors.New("malformed packet: qos")
	ErrMalformedSubscribeReservedBits = errors.New("malformed packet: subscribe reserved bits")

	// PACKETS
	ErrProtocolViolation     = errors.New("protocol violation")
	ErrOffsetBytesOutOfRange = errors.New("offset bytes out of range")
	ErrOffsetByteOutOfRange  = errors.New("offset byte out of range")
	ErrOffsetBoolOutOfRange  = errors.New("offset bool out of range")
	ErrOffsetUintOutOfRange  = errors.New("offset uint out of range")
	ErrOffsetStrInvalidUTF8  = errors.New("offset string invalid utf8")
)
