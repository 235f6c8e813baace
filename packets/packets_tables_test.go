// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

type packetTestData struct {
	rawBytes  []byte  // the bytes that make the packet
	packet    *Packet // the packet that is expected
	desc      string  // a description of the test
	failFirst error   // expected fail result to be run immediately after the method is called
}

var expectedPackets = map[byte][]packetTestData{
	Connect: {
		{
			desc: "clean session, no will or credentials",
			rawBytes: []byte{
				Connect << 4, 15, // Fixed header
				0, 4, // Protocol Name - MSB+LSB
				'M', 'Q', 'T', 'T', // Protocol Name
				4,     // Protocol Version
				2,     // Packet Flags
				0, 30, // Keepalive
				0, 3, // Client ID - MSB+LSB
				'z', 'e', 'n', // Client ID "zen"
			},
			packet: &Packet{
				FixedHeader:      FixedHeader{Type: Connect, Remaining: 15},
				ProtocolName:     []byte("MQTT"),
				ProtocolVersion:  4,
				CleanSession:     true,
				Keepalive:        30,
				ClientIdentifier: "zen",
			},
		},
		{
			desc: "will and credentials",
			rawBytes: []byte{
				Connect << 4, 43, // Fixed header
				0, 4, // Protocol Name - MSB+LSB
				'M', 'Q', 'T', 'T', // Protocol Name
				4,     // Protocol Version
				0xee,  // Packet Flags
				0, 30, // Keepalive
				0, 3, // Client ID - MSB+LSB
				'z', 'e', 'n', // Client ID "zen"
				0, 3, // Will Topic - MSB+LSB
				'l', 'w', 't',
				0, 9, // Will Message MSB+LSB
				'n', 'o', 't', ' ', 'a', 'g', 'a', 'i', 'n',
				0, 5, // Username MSB+LSB
				'm', 'o', 'c', 'h', 'i',
				0, 3, // Password MSB+LSB
				'a', 'b', 'c',
			},
			packet: &Packet{
				FixedHeader:      FixedHeader{Type: Connect, Remaining: 43},
				ProtocolName:     []byte("MQTT"),
				ProtocolVersion:  4,
				CleanSession:     true,
				WillFlag:         true,
				WillQos:          1,
				WillRetain:       true,
				UsernameFlag:     true,
				PasswordFlag:     true,
				Keepalive:        30,
				ClientIdentifier: "zen",
				WillTopic:        "lwt",
				WillMessage:      []byte("not again"),
				Username:         []byte("mochi"),
				Password:         []byte("abc"),
			},
		},
	},
	Connack: {
		{
			desc:     "session present, accepted",
			rawBytes: []byte{Connack << 4, 2, 1, Accepted},
			packet: &Packet{
				FixedHeader:    FixedHeader{Type: Connack, Remaining: 2},
				SessionPresent: true,
				ReturnCode:     Accepted,
			},
		},
		{
			desc:     "identifier rejected",
			rawBytes: []byte{Connack << 4, 2, 0, CodeConnectBadClientID},
			packet: &Packet{
				FixedHeader: FixedHeader{Type: Connack, Remaining: 2},
				ReturnCode:  CodeConnectBadClientID,
			},
		},
	},
	Publish: {
		{
			desc: "qos 1",
			rawBytes: []byte{
				Publish<<4 | 1<<1, 14, // Fixed header
				0, 5, // Topic Name - LSB+MSB
				'a', '/', 'b', '/', 'c', // Topic Name
				0, 7, // Packet ID - LSB+MSB
				'h', 'e', 'l', 'l', 'o', // Payload
			},
			packet: &Packet{
				FixedHeader: FixedHeader{Type: Publish, Qos: 1, Remaining: 14},
				TopicName:   "a/b/c",
				PacketID:    7,
				Payload:     []byte("hello"),
			},
		},
		{
			desc: "qos 0 retain",
			rawBytes: []byte{
				Publish<<4 | 1, 4, // Fixed header
				0, 1, // Topic Name - LSB+MSB
				't', // Topic Name
				'P', // Payload
			},
			packet: &Packet{
				FixedHeader: FixedHeader{Type: Publish, Retain: true, Remaining: 4},
				TopicName:   "t",
				Payload:     []byte("P"),
			},
		},
		{
			desc: "qos 2 dup, empty payload",
			rawBytes: []byte{
				Publish<<4 | 1<<3 | 2<<1, 5, // Fixed header
				0, 1, // Topic Name - LSB+MSB
				'x',        // Topic Name
				0xff, 0xff, // Packet ID
			},
			packet: &Packet{
				FixedHeader: FixedHeader{Type: Publish, Dup: true, Qos: 2, Remaining: 5},
				TopicName:   "x",
				PacketID:    65535,
				Payload:     []byte{},
			},
		},
	},
	Puback: {
		{
			desc:     "puback",
			rawBytes: []byte{Puback << 4, 2, 0, 7},
			packet:   &Packet{FixedHeader: FixedHeader{Type: Puback, Remaining: 2}, PacketID: 7},
		},
	},
	Pubrec: {
		{
			desc:     "pubrec",
			rawBytes: []byte{Pubrec << 4, 2, 0, 7},
			packet:   &Packet{FixedHeader: FixedHeader{Type: Pubrec, Remaining: 2}, PacketID: 7},
		},
	},
	Pubrel: {
		{
			desc:     "pubrel",
			rawBytes: []byte{Pubrel<<4 | 1<<1, 2, 0, 7},
			packet:   &Packet{FixedHeader: FixedHeader{Type: Pubrel, Qos: 1, Remaining: 2}, PacketID: 7},
		},
	},
	Pubcomp: {
		{
			desc:     "pubcomp",
			rawBytes: []byte{Pubcomp << 4, 2, 0, 7},
			packet:   &Packet{FixedHeader: FixedHeader{Type: Pubcomp, Remaining: 2}, PacketID: 7},
		},
	},
	Subscribe: {
		{
			desc: "three filters",
			rawBytes: []byte{
				Subscribe<<4 | 1<<1, 23, // Fixed header
				0, 15, // Packet ID - LSB+MSB
				0, 5, // Topic Name - LSB+MSB
				'a', '/', 'b', '/', 'c', // Topic Name
				0,    // QoS
				0, 6, // Topic Name - LSB+MSB
				'd', '/', 'e', '/', 'f', 'g', // Topic Name
				1,    // QoS
				0, 1, // Topic Name - LSB+MSB
				'x', // Topic Name
				2,   // QoS
			},
			packet: &Packet{
				FixedHeader: FixedHeader{Type: Subscribe, Qos: 1, Remaining: 23},
				PacketID:    15,
				Topics:      []string{"a/b/c", "d/e/fg", "x"},
				Qoss:        []byte{0, 1, 2},
			},
		},
	},
	Suback: {
		{
			desc:     "granted and failure",
			rawBytes: []byte{Suback << 4, 5, 0, 15, 0, 1, ErrSubAckNetworkError},
			packet: &Packet{
				FixedHeader: FixedHeader{Type: Suback, Remaining: 5},
				PacketID:    15,
				ReturnCodes: []byte{0, 1, ErrSubAckNetworkError},
			},
		},
	},
	Unsubscribe: {
		{
			desc: "two filters",
			rawBytes: []byte{
				Unsubscribe<<4 | 1<<1, 17, // Fixed header
				0, 15, // Packet ID - LSB+MSB
				0, 5, // Topic Name - LSB+MSB
				'a', '/', 'b', '/', 'c', // Topic Name
				0, 6, // Topic Name - LSB+MSB
				'd', '/', 'e', '/', 'f', 'g', // Topic Name
			},
			packet: &Packet{
				FixedHeader: FixedHeader{Type: Unsubscribe, Qos: 1, Remaining: 17},
				PacketID:    15,
				Topics:      []string{"a/b/c", "d/e/fg"},
			},
		},
	},
	Unsuback: {
		{
			desc:     "unsuback",
			rawBytes: []byte{Unsuback << 4, 2, 0, 15},
			packet:   &Packet{FixedHeader: FixedHeader{Type: Unsuback, Remaining: 2}, PacketID: 15},
		},
	},
	Pingreq: {
		{
			desc:     "pingreq",
			rawBytes: []byte{Pingreq << 4, 0},
			packet:   &Packet{FixedHeader: FixedHeader{Type: Pingreq}},
		},
	},
	Pingresp: {
		{
			desc:     "pingresp",
			rawBytes: []byte{Pingresp << 4, 0},
			packet:   &Packet{FixedHeader: FixedHeader{Type: Pingresp}},
		},
	},
	Disconnect: {
		{
			desc:     "disconnect",
			rawBytes: []byte{Disconnect << 4, 0},
			packet:   &Packet{FixedHeader: FixedHeader{Type: Disconnect}},
		},
	},
}

var malformedPackets = map[byte][]packetTestData{
	Connect: {
		{
			desc:      "truncated protocol name",
			rawBytes:  []byte{Connect << 4, 3, 0, 4, 'M'},
			failFirst: ErrMalformedProtocolName,
		},
		{
			desc:      "missing protocol version",
			rawBytes:  []byte{Connect << 4, 6, 0, 4, 'M', 'Q', 'T', 'T'},
			failFirst: ErrMalformedProtocolVersion,
		},
		{
			desc:      "missing flags",
			rawBytes:  []byte{Connect << 4, 7, 0, 4, 'M', 'Q', 'T', 'T', 4},
			failFirst: ErrMalformedFlags,
		},
		{
			desc:      "missing keepalive",
			rawBytes:  []byte{Connect << 4, 8, 0, 4, 'M', 'Q', 'T', 'T', 4, 2},
			failFirst: ErrMalformedKeepalive,
		},
		{
			desc:      "missing client id",
			rawBytes:  []byte{Connect << 4, 10, 0, 4, 'M', 'Q', 'T', 'T', 4, 2, 0, 30},
			failFirst: ErrMalformedClientID,
		},
		{
			desc:      "missing will topic",
			rawBytes:  []byte{Connect << 4, 13, 0, 4, 'M', 'Q', 'T', 'T', 4, 0x06, 0, 30, 0, 1, 'z'},
			failFirst: ErrMalformedWillTopic,
		},
		{
			desc:      "missing username",
			rawBytes:  []byte{Connect << 4, 13, 0, 4, 'M', 'Q', 'T', 'T', 4, 0x82, 0, 30, 0, 1, 'z'},
			failFirst: ErrMalformedUsername,
		},
	},
	Connack: {
		{
			desc:      "missing return code",
			rawBytes:  []byte{Connack << 4, 1, 0},
			failFirst: ErrMalformedReturnCode,
		},
	},
	Publish: {
		{
			desc:      "truncated topic",
			rawBytes:  []byte{Publish << 4, 3, 0, 5, 'a'},
			failFirst: ErrMalformedTopic,
		},
		{
			desc:      "missing packet id",
			rawBytes:  []byte{Publish<<4 | 1<<1, 3, 0, 1, 'a'},
			failFirst: ErrMalformedPacketID,
		},
	},
	Puback: {
		{
			desc:      "short packet id",
			rawBytes:  []byte{Puback << 4, 1, 0},
			failFirst: ErrMalformedPacketID,
		},
	},
	Subscribe: {
		{
			desc:      "qos 3",
			rawBytes:  []byte{Subscribe<<4 | 1<<1, 6, 0, 15, 0, 1, 'a', 3},
			failFirst: ErrInvalidQoS3,
		},
		{
			desc:      "reserved bits",
			rawBytes:  []byte{Subscribe<<4 | 1<<1, 6, 0, 15, 0, 1, 'a', 0x04},
			failFirst: ErrMalformedSubscribeReservedBits,
		},
		{
			desc:      "missing qos",
			rawBytes:  []byte{Subscribe<<4 | 1<<1, 5, 0, 15, 0, 1, 'a'},
			failFirst: ErrMalformedQoS,
		},
		{
			desc:      "invalid utf8 filter",
			rawBytes:  []byte{Subscribe<<4 | 1<<1, 7, 0, 15, 0, 2, 0xc3, 0x28, 0},
			failFirst: ErrMalformedTopic,
		},
	},
	Unsubscribe: {
		{
			desc:      "truncated filter",
			rawBytes:  []byte{Unsubscribe<<4 | 1<<1, 5, 0, 15, 0, 4, 'a'},
			failFirst: ErrMalformedTopic,
		},
		{
			desc:      "empty filter",
			rawBytes:  []byte{Unsubscribe<<4 | 1<<1, 7, 0, 15, 0, 1, 'a', 0, 0},
			failFirst: ErrProtocolViolation,
		},
	},
	Pingreq: {
		{
			desc:      "surplus bytes",
			rawBytes:  []byte{Pingreq << 4, 1, 0},
			failFirst: ErrProtocolViolation,
		},
	},
}
