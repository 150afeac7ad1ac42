// Package oer implements the Octet Encoding Rules subset shared by the ILP
// packet codec and the BTP frame codec: length determinants, variable-length
// octet strings, and fixed-width big-endian integers.
package oer

import (
	"encoding/binary"
	"fmt"
)

// Length determinants use the short form (one byte, values 0-127) or the
// long form (0x80|n followed by n big-endian length bytes). Determinants
// longer than 8 bytes are rejected outright.
const maxLengthBytes = 8

// ReadLength reads a length determinant at off and returns the declared
// length and the offset of the first byte after the determinant.
func ReadLength(data []byte, off int) (int, int, error) {
	if off >= len(data) {
		return 0, 0, fmt.Errorf("oer: truncated length determinant at offset %d", off)
	}
	b := data[off]
	off++
	if b < 0x80 {
		if int(b) > len(data)-off {
			return 0, 0, fmt.Errorf("oer: declared length %d exceeds remaining buffer %d", b, len(data)-off)
		}
		return int(b), off, nil
	}
	n := int(b & 0x7f)
	if n == 0 {
		return 0, 0, fmt.Errorf("oer: indefinite length form is not allowed")
	}
	if n > maxLengthBytes {
		return 0, 0, fmt.Errorf("oer: length determinant of %d bytes exceeds maximum %d", n, maxLengthBytes)
	}
	if off+n > len(data) {
		return 0, 0, fmt.Errorf("oer: truncated long-form length (%d bytes declared, %d available)", n, len(data)-off)
	}
	var v uint64
	for i := 0; i < n; i++ {
		v = v<<8 | uint64(data[off+i])
	}
	off += n
	if v > uint64(len(data)-off) {
		return 0, 0, fmt.Errorf("oer: declared length %d exceeds remaining buffer %d", v, len(data)-off)
	}
	return int(v), off, nil
}

// AppendLength appends a length determinant for n.
func AppendLength(dst []byte, n int) []byte {
	if n < 0x80 {
		return append(dst, byte(n))
	}
	var tmp [maxLengthBytes]byte
	i := maxLengthBytes
	v := uint64(n)
	for v > 0 {
		i--
		tmp[i] = byte(v)
		v >>= 8
	}
	dst = append(dst, 0x80|byte(maxLengthBytes-i))
	return append(dst, tmp[i:]...)
}

// ReadVarOctets reads a length-prefixed octet string at off.
// The returned slice aliases data.
func ReadVarOctets(data []byte, off int) ([]byte, int, error) {
	n, off, err := ReadLength(data, off)
	if err != nil {
		return nil, 0, err
	}
	if off+n > len(data) {
		return nil, 0, fmt.Errorf("oer: declared octet string length %d exceeds remaining buffer %d", n, len(data)-off)
	}
	return data[off : off+n], off + n, nil
}

// AppendVarOctets appends a length determinant followed by b.
func AppendVarOctets(dst []byte, b []byte) []byte {
	dst = AppendLength(dst, len(b))
	return append(dst, b...)
}

// ReadUint8 reads one byte at off.
func ReadUint8(data []byte, off int) (uint8, int, error) {
	if off >= len(data) {
		return 0, 0, fmt.Errorf("oer: truncated uint8 at offset %d", off)
	}
	return data[off], off + 1, nil
}

// ReadUint32 reads a big-endian uint32 at off.
func ReadUint32(data []byte, off int) (uint32, int, error) {
	if off+4 > len(data) {
		return 0, 0, fmt.Errorf("oer: truncated uint32 at offset %d", off)
	}
	return binary.BigEndian.Uint32(data[off : off+4]), off + 4, nil
}

// ReadUint64 reads a big-endian uint64 at off.
func ReadUint64(data []byte, off int) (uint64, int, error) {
	if off+8 > len(data) {
		return 0, 0, fmt.Errorf("oer: truncated uint64 at offset %d", off)
	}
	return binary.BigEndian.Uint64(data[off : off+8]), off + 8, nil
}

// AppendUint32 appends v in big-endian order.
func AppendUint32(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}

// AppendUint64 appends v in big-endian order.
func AppendUint64(dst []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, v)
}

// ReadFixed reads exactly n bytes at off. The returned slice aliases data.
func ReadFixed(data []byte, off, n int) ([]byte, int, error) {
	if off+n > len(data) {
		return nil, 0, fmt.Errorf("oer: truncated fixed field of %d bytes at offset %d", n, off)
	}
	return data[off : off+n], off + n, nil
}
