package certify

import (
	"encoding/binary"
	"fmt"

	"StakeQuorum/internal/authority"
)

// certificateVersion is the first byte of an encoded certificate.
const certificateVersion = 0x01

// certificateHeader is the fixed part before the signer bitmap:
// [1B version] [32B digest] [96B signature] [8B stake] [2B bitmapLen]
const certificateHeader = 1 + 32 + authority.SignatureSize + 8 + 2

// EncodeCertificate encodes c.
// Format: [header] [bitmap] [4B messageLen] [message]
func EncodeCertificate(c *Certificate) []byte {
	buf := make([]byte, certificateHeader+len(c.Signers)+4+len(c.Message))

	buf[0] = certificateVersion
	off := 1
	off += copy(buf[off:], c.Digest[:])
	off += copy(buf[off:], c.Signature[:])

	binary.BigEndian.PutUint64(buf[off:], c.Stake)
	off += 8

	binary.BigEndian.PutUint16(buf[off:], uint16(len(c.Signers)))
	off += 2
	off += copy(buf[off:], c.Signers)

	binary.BigEndian.PutUint32(buf[off:], uint32(len(c.Message)))
	off += 4
	copy(buf[off:], c.Message)

	return buf
}

// DecodeCertificate decodes a certificate produced by EncodeCertificate.
func DecodeCertificate(data []byte) (*Certificate, error) {
	if len(data) < certificateHeader {
		return nil, fmt.Errorf("certificate too short: %d < %d", len(data), certificateHeader)
	}

	if data[0] != certificateVersion {
		return nil, fmt.Errorf("unsupported certificate version: 0x%02x", data[0])
	}

	c := &Certificate{}
	off := 1
	off += copy(c.Digest[:], data[off:])
	off += copy(c.Signature[:], data[off:])

	c.Stake = binary.BigEndian.Uint64(data[off:])
	off += 8

	bitmapLen := int(binary.BigEndian.Uint16(data[off:]))
	off += 2

	if len(data)-off < bitmapLen+4 {
		return nil, fmt.Errorf("truncated signer bitmap")
	}

	c.Signers = append([]byte(nil), data[off:off+bitmapLen]...)
	off += bitmapLen

	msgLen := binary.BigEndian.Uint32(data[off:])
	off += 4

	if uint64(len(data)-off) != uint64(msgLen) {
		return nil, fmt.Errorf("message length mismatch: header %d, got %d", msgLen, len(data)-off)
	}

	c.Message = append([]byte(nil), data[off:]...)

	return c, nil
}
