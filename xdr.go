// SPDX-License-Identifier: GPL-3.0-or-later

package lxi

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// errXDRTruncated means the decoder ran out of bytes mid-field.
var errXDRTruncated = errors.New("lxi: xdr message truncated")

// xdrEncoder serializes values using the XDR rules relevant to ONC RPC
// and VXI-11: 32-bit big-endian integers, booleans as 0/1 words, and
// variable-length opaque/string data as a length word followed by the
// bytes, zero-padded to a 4-byte boundary. Structures encode as their
// fields in declaration order.
type xdrEncoder struct {
	buf bytes.Buffer
}

// Uint32 appends a 32-bit unsigned integer.
func (e *xdrEncoder) Uint32(v uint32) {
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], v)
	e.buf.Write(word[:])
}

// Int32 appends a 32-bit signed integer.
func (e *xdrEncoder) Int32(v int32) {
	e.Uint32(uint32(v))
}

// Bool appends a boolean as a 0/1 word.
func (e *xdrEncoder) Bool(v bool) {
	if v {
		e.Uint32(1)
		return
	}
	e.Uint32(0)
}

// Opaque appends variable-length opaque data.
func (e *xdrEncoder) Opaque(data []byte) {
	e.Uint32(uint32(len(data)))
	e.buf.Write(data)
	for i := len(data); i%4 != 0; i++ {
		e.buf.WriteByte(0)
	}
}

// String appends a string using the opaque encoding.
func (e *xdrEncoder) String(s string) {
	e.Opaque([]byte(s))
}

// Bytes returns the encoded message.
func (e *xdrEncoder) Bytes() []byte {
	return e.buf.Bytes()
}

// xdrDecoder deserializes values encoded by [xdrEncoder] (or a peer
// following the same rules). Each method consumes the next field and
// fails with [errXDRTruncated] when the input is too short.
type xdrDecoder struct {
	buf []byte
	off int
}

func newXDRDecoder(buf []byte) *xdrDecoder {
	return &xdrDecoder{buf: buf}
}

// Uint32 consumes a 32-bit unsigned integer.
func (d *xdrDecoder) Uint32() (uint32, error) {
	if d.off+4 > len(d.buf) {
		return 0, errXDRTruncated
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

// Int32 consumes a 32-bit signed integer.
func (d *xdrDecoder) Int32() (int32, error) {
	v, err := d.Uint32()
	return int32(v), err
}

// Opaque consumes variable-length opaque data, returning a view into
// the decoder's buffer.
func (d *xdrDecoder) Opaque() ([]byte, error) {
	length, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	padded := (int(length) + 3) &^ 3
	if d.off+padded > len(d.buf) {
		return nil, errXDRTruncated
	}
	data := d.buf[d.off : d.off+int(length)]
	d.off += padded
	return data, nil
}

// Skip discards n bytes plus padding to the next 4-byte boundary.
func (d *xdrDecoder) Skip(n int) error {
	padded := (n + 3) &^ 3
	if d.off+padded > len(d.buf) {
		return errXDRTruncated
	}
	d.off += padded
	return nil
}

// Rest returns the unconsumed remainder of the buffer.
func (d *xdrDecoder) Rest() []byte {
	return d.buf[d.off:]
}
