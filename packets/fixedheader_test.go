// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type fixedHeaderTable struct {
	desc      string
	rawBytes  []byte
	header    FixedHeader
	flagError error
}

var fixedHeaderExpected = []fixedHeaderTable{
	{
		desc:     "connect",
		rawBytes: []byte{Connect << 4, 0x00},
		header:   FixedHeader{Type: Connect},
	},
	{
		desc:     "connack",
		rawBytes: []byte{Connack << 4, 0x00},
		header:   FixedHeader{Type: Connack},
	},
	{
		desc:     "publish qos 0",
		rawBytes: []byte{Publish << 4, 0x00},
		header:   FixedHeader{Type: Publish},
	},
	{
		desc:     "publish qos 1 retain",
		rawBytes: []byte{Publish<<4 | 1<<1 | 1, 0x00},
		header:   FixedHeader{Type: Publish, Qos: 1, Retain: true},
	},
	{
		desc:     "publish dup qos 2 retain",
		rawBytes: []byte{0x3d, 0x01},
		header:   FixedHeader{Type: Publish, Dup: true, Qos: 2, Retain: true, Remaining: 1},
	},
	{
		desc:     "puback",
		rawBytes: []byte{Puback << 4, 0x02},
		header:   FixedHeader{Type: Puback, Remaining: 2},
	},
	{
		desc:     "pubrel",
		rawBytes: []byte{Pubrel<<4 | 1<<1, 0x02},
		header:   FixedHeader{Type: Pubrel, Qos: 1, Remaining: 2},
	},
	{
		desc:     "subscribe",
		rawBytes: []byte{Subscribe<<4 | 1<<1, 0x7f},
		header:   FixedHeader{Type: Subscribe, Qos: 1, Remaining: 127},
	},
	{
		desc:     "unsubscribe",
		rawBytes: []byte{Unsubscribe<<4 | 1<<1, 0x80, 0x01},
		header:   FixedHeader{Type: Unsubscribe, Qos: 1, Remaining: 128},
	},
	{
		desc:     "pingreq",
		rawBytes: []byte{Pingreq << 4, 0x00},
		header:   FixedHeader{Type: Pingreq},
	},
	{
		desc:     "disconnect",
		rawBytes: []byte{Disconnect << 4, 0x00},
		header:   FixedHeader{Type: Disconnect},
	},
	{
		desc:      "publish qos 3",
		rawBytes:  []byte{Publish<<4 | 3<<1, 0x00},
		header:    FixedHeader{Type: Publish, Qos: 3},
		flagError: ErrMalformedReservedBits,
	},
	{
		desc:      "pubrel qos 0",
		rawBytes:  []byte{Pubrel << 4, 0x00},
		header:    FixedHeader{Type: Pubrel},
		flagError: ErrMalformedReservedBits,
	},
	{
		desc:      "subscribe dup",
		rawBytes:  []byte{Subscribe<<4 | 1<<3 | 1<<1, 0x00},
		header:    FixedHeader{Type: Subscribe, Dup: true, Qos: 1},
		flagError: ErrMalformedReservedBits,
	},
	{
		desc:      "unsubscribe retain",
		rawBytes:  []byte{Unsubscribe<<4 | 1<<1 | 1, 0x00},
		header:    FixedHeader{Type: Unsubscribe, Qos: 1, Retain: true},
		flagError: ErrMalformedReservedBits,
	},
	{
		desc:      "connack qos",
		rawBytes:  []byte{Connack<<4 | 1<<1, 0x00},
		header:    FixedHeader{Type: Connack, Qos: 1},
		flagError: ErrMalformedReservedBits,
	},
	{
		desc:      "pingresp retain",
		rawBytes:  []byte{Pingresp<<4 | 1, 0x00},
		header:    FixedHeader{Type: Pingresp, Retain: true},
		flagError: ErrMalformedReservedBits,
	},
	{
		desc:      "reserved type 0",
		rawBytes:  []byte{Reserved << 4, 0x00},
		header:    FixedHeader{Type: Reserved},
		flagError: ErrInvalidMessageType,
	},
	{
		desc:      "reserved type 15",
		rawBytes:  []byte{Reserved15 << 4, 0x00},
		header:    FixedHeader{Type: Reserved15},
		flagError: ErrInvalidMessageType,
	},
}

func TestFixedHeaderEncode(t *testing.T) {
	for _, wanted := range fixedHeaderExpected {
		if wanted.flagError != nil {
			continue
		}

		t.Run(wanted.desc, func(t *testing.T) {
			buf := new(bytes.Buffer)
			wanted.header.Encode(buf)
			require.Equal(t, wanted.rawBytes, buf.Bytes())
		})
	}
}

func TestFixedHeaderDecode(t *testing.T) {
	for _, wanted := range fixedHeaderExpected {
		t.Run(wanted.desc, func(t *testing.T) {
			fh := new(FixedHeader)
			err := fh.Decode(wanted.rawBytes[0])
			if wanted.flagError != nil {
				require.ErrorIs(t, err, wanted.flagError)
				return
			}

			require.NoError(t, err)
			n, _, err := DecodeLength(bytes.NewReader(wanted.rawBytes[1:]))
			require.NoError(t, err)
			fh.Remaining = n
			require.Equal(t, wanted.header, *fh)
		})
	}
}

func BenchmarkFixedHeaderEncode(b *testing.B) {
	buf := new(bytes.Buffer)
	for n := 0; n < b.N; n++ {
		fixedHeaderExpected[4].header.Encode(buf)
		buf.Reset()
	}
}
