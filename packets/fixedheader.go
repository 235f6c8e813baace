// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
)

// FixedHeader contains the values of the fixed header portion of the MQTT packet.
type FixedHeader struct {
	Remaining int  // the number of remaining bytes in the payload.
	Type      byte // the type of the packet (PUBLISH, SUBSCRIBE, etc) from bits 7 - 4 (byte 1).
	Qos       byte // indicates the quality of service expected.
	Dup       bool // indicates if the packet was already sent at an earlier time.
	Retain    bool // whether the message should be retained.
}

// Encode encodes the FixedHeader and returns a bytes buffer.
func (fh *FixedHeader) Encode(buf *bytes.Buffer) {
	buf.WriteByte(fh.Type<<4 | encodeBool(fh.Dup)<<3 | fh.Qos<<1 | encodeBool(fh.Retain))
	EncodeLength(buf, int64(fh.Remaining))
}

// Decode extracts the flag bits from the header byte, rejecting
// any reserved flag combination not permitted for the packet type.
func (fh *FixedHeader) Decode(headerByte byte) error {
	fh.Type = headerByte >> 4 // Get the message type from the first 4 bytes.
	fh.Dup = (headerByte>>3)&0x01 > 0
	fh.Qos = (headerByte >> 1) & 0x03
	fh.Retain = headerByte&0x01 > 0

	switch fh.Type {
	case Reserved, Reserved15:
		return ErrInvalidMessageType
	case Publish:
		if fh.Qos == 3 {
			return ErrMalformedReservedBits
		}
	case Pubrel, Subscribe, Unsubscribe:
		// [MQTT-3.6.1-1] [MQTT-3.8.1-1] [MQTT-3.10.1-1]
		if fh.Dup || fh.Retain || fh.Qos != 1 {
			return ErrMalformedReservedBits
		}
	default:
		if fh.Dup || fh.Retain || fh.Qos != 0 {
			return ErrMalformedReservedBits
		}
	}

	return nil
}
