// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// All of the valid packet types and their packet identifier.
const (
	Reserved    byte = iota
	Connect          // 1
	Connack          // 2
	Publish          // 3
	Puback           // 4
	Pubrec           // 5
	Pubrel           // 6
	Pubcomp          // 7
	Subscribe        // 8
	Suback           // 9
	Unsubscribe      // 10
	Unsuback         // 11
	Pingreq          // 12
	Pingresp         // 13
	Disconnect       // 14
	Reserved15       // 15
)

// ProtocolName is the only protocol name accepted in a CONNECT packet.
const ProtocolName = "MQTT"

// ProtocolLevel is the MQTT 3.1.1 protocol level.
const ProtocolLevel byte = 4

// Names is a map of packet types to readable names.
var Names = map[byte]string{
	Reserved:    "Reserved",
	Connect:     "Connect",
	Connack:     "Connack",
	Publish:     "Publish",
	Puback:      "Puback",
	Pubrec:      "Pubrec",
	Pubrel:      "Pubrel",
	Pubcomp:     "Pubcomp",
	Subscribe:   "Subscribe",
	Suback:      "Suback",
	Unsubscribe: "Unsubscribe",
	Unsuback:    "Unsuback",
	Pingreq:     "Pingreq",
	Pingresp:    "Pingresp",
	Disconnect:  "Disconnect",
}

// Packet is an MQTT packet. Instead of providing a packet interface and variant
// packet structs, this is a single concrete packet type to cover all packet
// types, which allows us to take advantage of various compiler optimizations.
type Packet struct {
	FixedHeader      FixedHeader
	Topics           []string
	ReturnCodes      []byte
	ProtocolName     []byte
	Qoss             []byte
	Payload          []byte
	Username         []byte
	Password         []byte
	WillMessage      []byte
	ClientIdentifier string
	TopicName        string
	WillTopic        string
	PacketID         uint16
	Keepalive        uint16
	ReturnCode       byte
	ProtocolVersion  byte
	WillQos          byte
	ReservedBit      byte
	CleanSession     bool
	WillFlag         bool
	WillRetain       bool
	UsernameFlag     bool
	PasswordFlag     bool
	SessionPresent   bool
}

// Encode encodes the packet into buf according to its fixed header type.
func (pk *Packet) Encode(buf *bytes.Buffer) error {
	switch pk.FixedHeader.Type {
	case Connect:
		return pk.ConnectEncode(buf)
	case Connack:
		return pk.ConnackEncode(buf)
	case Publish:
		return pk.PublishEncode(buf)
	case Puback, Pubrec, Pubrel, Pubcomp, Unsuback:
		return pk.PacketIDEncode(buf)
	case Subscribe:
		return pk.SubscribeEncode(buf)
	case Suback:
		return pk.SubackEncode(buf)
	case Unsubscribe:
		return pk.UnsubscribeEncode(buf)
	case Pingreq, Pingresp, Disconnect:
		return pk.EmptyEncode(buf)
	default:
		return fmt.Errorf("type %d: %w", pk.FixedHeader.Type, ErrInvalidMessageType)
	}
}

// Decode decodes the remaining bytes of a packet whose fixed header has
// already been read.
func (pk *Packet) Decode(buf []byte) error {
	switch pk.FixedHeader.Type {
	case Connect:
		return pk.ConnectDecode(buf)
	case Connack:
		return pk.ConnackDecode(buf)
	case Publish:
		return pk.PublishDecode(buf)
	case Puback, Pubrec, Pubrel, Pubcomp, Unsuback:
		return pk.PacketIDDecode(buf)
	case Subscribe:
		return pk.SubscribeDecode(buf)
	case Suback:
		return pk.SubackDecode(buf)
	case Unsubscribe:
		return pk.UnsubscribeDecode(buf)
	case Pingreq, Pingresp, Disconnect:
		if len(buf) > 0 {
			return ErrProtocolViolation
		}
		return nil
	default:
		return fmt.Errorf("type %d: %w", pk.FixedHeader.Type, ErrInvalidMessageType)
	}
}

// ConnectEncode encodes a connect packet.
func (pk *Packet) ConnectEncode(buf *bytes.Buffer) error {
	protoName := encodeBytes(pk.ProtocolName)
	protoVersion := pk.ProtocolVersion
	flag := encodeBool(pk.CleanSession)<<1 | encodeBool(pk.WillFlag)<<2 | pk.WillQos<<3 | encodeBool(pk.WillRetain)<<5 | encodeBool(pk.PasswordFlag)<<6 | encodeBool(pk.UsernameFlag)<<7
	keepalive := encodeUint16(pk.Keepalive)
	clientID := EncodeString(pk.ClientIdentifier)

	var willTopic, willFlag, usernameFlag, passwordFlag []byte

	// If will flag is set, add topic and message.
	if pk.WillFlag {
		willTopic = EncodeString(pk.WillTopic)
		willFlag = encodeBytes(pk.WillMessage)
	}

	// If username flag is set, add username.
	if pk.UsernameFlag {
		usernameFlag = encodeBytes(pk.Username)
	}

	// If password flag is set, add password.
	if pk.PasswordFlag {
		passwordFlag = encodeBytes(pk.Password)
	}

	pk.FixedHeader.Remaining =
		len(protoName) + 1 + 1 + len(keepalive) + len(clientID) +
			len(willTopic) + len(willFlag) +
			len(usernameFlag) + len(passwordFlag)

	pk.FixedHeader.Encode(buf)

	buf.Write(protoName)
	buf.WriteByte(protoVersion)
	buf.WriteByte(flag)
	buf.Write(keepalive)
	buf.Write(clientID)
	buf.Write(willTopic)
	buf.Write(willFlag)
	buf.Write(usernameFlag)
	buf.Write(passwordFlag)

	return nil
}

// ConnectDecode decodes a connect packet.
func (pk *Packet) ConnectDecode(buf []byte) error {
	var offset int
	var err error

	// Unpack protocol name and version.
	pk.ProtocolName, offset, err = decodeBytes(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedProtocolName)
	}

	pk.ProtocolVersion, offset, err = decodeByte(buf, offset)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedProtocolVersion)
	}

	// Unpack flags byte.
	flags, offset, err := decodeByte(buf, offset)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedFlags)
	}
	pk.ReservedBit = 1 & flags
	pk.CleanSession = 1&(flags>>1) > 0
	pk.WillFlag = 1&(flags>>2) > 0
	pk.WillQos = 3 & (flags >> 3) // this one is not a bool
	pk.WillRetain = 1&(flags>>5) > 0
	pk.PasswordFlag = 1&(flags>>6) > 0
	pk.UsernameFlag = 1&(flags>>7) > 0

	// Get keepalive interval.
	pk.Keepalive, offset, err = decodeUint16(buf, offset)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedKeepalive)
	}

	// Get client ID.
	pk.ClientIdentifier, offset, err = DecodeString(buf, offset)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedClientID)
	}

	// Get Last Will and Testament topic and message if applicable.
	if pk.WillFlag {
		pk.WillTopic, offset, err = DecodeString(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedWillTopic)
		}

		pk.WillMessage, offset, err = decodeBytes(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedWillMessage)
		}
	}

	// Get username and password if applicable.
	if pk.UsernameFlag {
		pk.Username, offset, err = decodeBytes(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedUsername)
		}
	}

	if pk.PasswordFlag {
		pk.Password, _, err = decodeBytes(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedPassword)
		}
	}

	return nil
}

// ConnectValidate ensures the connect packet is compliant, returning the
// CONNACK return code to reply with alongside any error. A protocol name
// mismatch returns CodeConnectProtocolViolation, which is never sent.
func (pk *Packet) ConnectValidate() (byte, error) {
	if string(pk.ProtocolName) != ProtocolName {
		return CodeConnectProtocolViolation, ErrInvalidProtocolName
	}

	if pk.ProtocolVersion != ProtocolLevel {
		return CodeConnectBadProtocolVersion, ErrInvalidProtocolName
	}

	// [MQTT-3.1.2-3] The Server MUST validate that the reserved flag in the CONNECT Control Packet is set to zero.
	if pk.ReservedBit != 0 {
		return CodeConnectProtocolViolation, ErrMalformedConnectFlags
	}

	// [MQTT-3.1.2-11] [MQTT-3.1.2-13] [MQTT-3.1.2-15] will qos and retain require the will flag.
	if !pk.WillFlag && (pk.WillQos > 0 || pk.WillRetain) {
		return CodeConnectProtocolViolation, ErrMalformedConnectFlags
	}

	// [MQTT-3.1.2-14] will qos must not be 3.
	if pk.WillQos > 2 {
		return CodeConnectProtocolViolation, ErrMalformedConnectFlags
	}

	// [MQTT-3.1.2-22] If the User Name Flag is set to 0, the Password Flag MUST be set to 0.
	if pk.PasswordFlag && !pk.UsernameFlag {
		return CodeConnectProtocolViolation, ErrMalformedConnectFlags
	}

	// [MQTT-3.1.3-7] an empty client id requires a clean session.
	if !pk.CleanSession && len(pk.ClientIdentifier) == 0 {
		return CodeConnectBadClientID, ErrCleanSessionMustBeTrue
	}

	return Accepted, nil
}

// ConnackEncode encodes a Connack packet.
func (pk *Packet) ConnackEncode(buf *bytes.Buffer) error {
	pk.FixedHeader.Remaining = 2
	pk.FixedHeader.Encode(buf)
	buf.WriteByte(encodeBool(pk.SessionPresent))
	buf.WriteByte(pk.ReturnCode)
	return nil
}

// ConnackDecode decodes a Connack packet.
func (pk *Packet) ConnackDecode(buf []byte) error {
	var offset int
	var err error

	pk.SessionPresent, offset, err = decodeByteBool(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedSessionPresent)
	}

	pk.ReturnCode, _, err = decodeByte(buf, offset)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedReturnCode)
	}

	return nil
}

// EmptyEncode encodes a packet which has no variable header or payload:
// Pingreq, Pingresp and Disconnect.
func (pk *Packet) EmptyEncode(buf *bytes.Buffer) error {
	pk.FixedHeader.Remaining = 0
	pk.FixedHeader.Encode(buf)
	return nil
}

// PacketIDEncode encodes a packet consisting only of a packet id:
// Puback, Pubrec, Pubrel, Pubcomp and Unsuback.
func (pk *Packet) PacketIDEncode(buf *bytes.Buffer) error {
	pk.FixedHeader.Remaining = 2
	pk.FixedHeader.Encode(buf)
	buf.Write(encodeUint16(pk.PacketID))
	return nil
}

// PacketIDDecode decodes a packet consisting only of a packet id.
func (pk *Packet) PacketIDDecode(buf []byte) error {
	var err error
	pk.PacketID, _, err = decodeUint16(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedPacketID)
	}
	return nil
}

// PublishEncode encodes a Publish packet.
func (pk *Packet) PublishEncode(buf *bytes.Buffer) error {
	topicName := EncodeString(pk.TopicName)
	var packetID []byte

	// [MQTT-2.3.1-5] A PUBLISH Packet MUST NOT contain a Packet Identifier if its QoS value is set to 0.
	if pk.FixedHeader.Qos > 0 {
		// [MQTT-2.3.1-1] SUBSCRIBE, UNSUBSCRIBE, and PUBLISH (in cases where QoS > 0) Control Packets MUST contain a non-zero 16-bit Packet Identifier.
		if pk.PacketID == 0 {
			return ErrPacketIDShouldNotBeZero
		}

		packetID = encodeUint16(pk.PacketID)
	}

	pk.FixedHeader.Remaining = len(topicName) + len(packetID) + len(pk.Payload)
	if pk.FixedHeader.Remaining > MaxRemaining {
		return ErrOversizedLengthIndicator
	}

	pk.FixedHeader.Encode(buf)
	buf.Write(topicName)
	buf.Write(packetID)
	buf.Write(pk.Payload)

	return nil
}

// PublishDecode extracts the data values from the packet.
func (pk *Packet) PublishDecode(buf []byte) error {
	var offset int
	var err error

	pk.TopicName, offset, err = DecodeString(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedTopic)
	}

	// If QOS decode Packet ID.
	if pk.FixedHeader.Qos > 0 {
		pk.PacketID, offset, err = decodeUint16(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedPacketID)
		}
	}

	pk.Payload = buf[offset:]

	return nil
}

// PublishCopy creates a new instance of Publish packet bearing the
// same payload and destination topic, but with an empty header for
// inheriting new QoS flags, etc.
func (pk *Packet) PublishCopy() Packet {
	return Packet{
		FixedHeader: FixedHeader{
			Type:   Publish,
			Retain: pk.FixedHeader.Retain,
		},
		TopicName: pk.TopicName,
		Payload:   pk.Payload,
	}
}

// PublishValidate validates a publish packet.
func (pk *Packet) PublishValidate() error {
	// [MQTT-2.3.1-1] SUBSCRIBE, UNSUBSCRIBE, and PUBLISH (in cases where QoS > 0) Control Packets MUST contain a non-zero 16-bit Packet Identifier.
	if pk.FixedHeader.Qos > 0 && pk.PacketID == 0 {
		return ErrPacketIDShouldNotBeZero
	}

	// [MQTT-2.3.1-5] A PUBLISH Packet MUST NOT contain a Packet Identifier if its QoS value is set to 0.
	if pk.FixedHeader.Qos == 0 && pk.PacketID > 0 {
		return ErrPacketIDShouldBeZero
	}

	// [MQTT-4.7.3-1] All Topic Names and Topic Filters MUST be at least one character long.
	if len(pk.TopicName) == 0 {
		return fmt.Errorf("empty topic name: %w", ErrProtocolViolation)
	}

	// [MQTT-3.3.2-2] The Topic Name in the PUBLISH Packet MUST NOT contain wildcard characters.
	if strings.ContainsAny(pk.TopicName, "+#") {
		return ErrWildcardInTopicName
	}

	return nil
}

// SubackEncode encodes a Suback packet.
func (pk *Packet) SubackEncode(buf *bytes.Buffer) error {
	packetID := encodeUint16(pk.PacketID)
	pk.FixedHeader.Remaining = len(packetID) + len(pk.ReturnCodes)
	pk.FixedHeader.Encode(buf)

	buf.Write(packetID)       // Encode Packet ID.
	buf.Write(pk.ReturnCodes) // Encode granted QOS flags.

	return nil
}

// SubackDecode decodes a Suback packet.
func (pk *Packet) SubackDecode(buf []byte) error {
	var offset int
	var err error

	pk.PacketID, offset, err = decodeUint16(buf, offset)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedPacketID)
	}

	pk.ReturnCodes = buf[offset:]

	return nil
}

// SubscribeEncode encodes a Subscribe packet.
func (pk *Packet) SubscribeEncode(buf *bytes.Buffer) error {
	if pk.PacketID == 0 {
		return ErrPacketIDShouldNotBeZero
	}

	if len(pk.Qoss) != len(pk.Topics) {
		return fmt.Errorf("%d filters with %d qos values: %w", len(pk.Topics), len(pk.Qoss), ErrMalformedQoS)
	}

	packetID := encodeUint16(pk.PacketID)

	// Count topics lengths and associated QOS flags.
	var topicsLen int
	for _, topic := range pk.Topics {
		topicsLen += 2 + len(topic) + 1
	}

	pk.FixedHeader.Remaining = len(packetID) + topicsLen
	if pk.FixedHeader.Remaining > MaxRemaining {
		return ErrOversizedLengthIndicator
	}

	pk.FixedHeader.Encode(buf)
	buf.Write(packetID)

	for i, topic := range pk.Topics {
		buf.Write(EncodeString(topic))
		buf.WriteByte(pk.Qoss[i])
	}

	return nil
}

// SubscribeDecode decodes a Subscribe packet.
func (pk *Packet) SubscribeDecode(buf []byte) error {
	var offset int
	var err error

	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedPacketID)
	}

	// Keep decoding until there's no space left.
	for offset < len(buf) {
		var topic string
		topic, offset, err = DecodeString(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedTopic)
		}
		pk.Topics = append(pk.Topics, topic)

		var qos byte
		qos, offset, err = decodeByte(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedQoS)
		}

		// [MQTT-3.8.3-4] reserved bits must be zero, and qos 3 is not a valid qos.
		switch {
		case qos == 3:
			return ErrInvalidQoS3
		case qos > 3:
			return ErrMalformedSubscribeReservedBits
		}

		pk.Qoss = append(pk.Qoss, qos)
	}

	return nil
}

// SubscribeValidate ensures the packet is compliant.
func (pk *Packet) SubscribeValidate() error {
	if pk.PacketID == 0 {
		return ErrPacketIDShouldNotBeZero
	}

	// [MQTT-3.8.3-3] The payload of a SUBSCRIBE packet MUST contain at least one Topic Filter / QoS pair.
	if len(pk.Topics) == 0 {
		return fmt.Errorf("no topic filters: %w", ErrProtocolViolation)
	}

	return nil
}

// UnsubscribeEncode encodes an Unsubscribe packet.
func (pk *Packet) UnsubscribeEncode(buf *bytes.Buffer) error {
	if pk.PacketID == 0 {
		return ErrPacketIDShouldNotBeZero
	}

	packetID := encodeUint16(pk.PacketID)

	var topicsLen int
	for _, topic := range pk.Topics {
		topicsLen += 2 + len(topic)
	}

	pk.FixedHeader.Remaining = len(packetID) + topicsLen
	if pk.FixedHeader.Remaining > MaxRemaining {
		return ErrOversizedLengthIndicator
	}

	pk.FixedHeader.Encode(buf)
	buf.Write(packetID)

	for _, topic := range pk.Topics {
		buf.Write(EncodeString(topic))
	}

	return nil
}

// UnsubscribeDecode decodes an Unsubscribe packet.
func (pk *Packet) UnsubscribeDecode(buf []byte) error {
	var offset int
	var err error

	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedPacketID)
	}

	for offset < len(buf) {
		var t string
		t, offset, err = DecodeString(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedTopic)
		}

		// [MQTT-4.7.3-1] Topic Filters must be at least one character long.
		if len(t) == 0 {
			return fmt.Errorf("empty topic filter: %w", ErrProtocolViolation)
		}

		pk.Topics = append(pk.Topics, t)
	}

	return nil
}

// UnsubscribeValidate validates an Unsubscribe packet.
func (pk *Packet) UnsubscribeValidate() error {
	if pk.PacketID == 0 {
		return ErrPacketIDShouldNotBeZero
	}

	// [MQTT-3.10.3-2] The Payload of an UNSUBSCRIBE packet MUST contain at least one Topic Filter.
	if len(pk.Topics) == 0 {
		return fmt.Errorf("no topic filters: %w", ErrProtocolViolation)
	}

	return nil
}

// FormatID returns the PacketID field as a decimal integer.
func (pk *Packet) FormatID() string {
	return strconv.FormatUint(uint64(pk.PacketID), 10)
}
