package authority

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// Message types of the signing protocol.
const (
	msgSignRequest = 0x01 // msgSignRequest asks an authority to sign a digest
	msgSigned      = 0x02 // msgSigned carries the authority's signature
	msgRejected    = 0x03 // msgRejected carries a rejection reason
)

// Rejection reasons.
const (
	reasonNotReady = 0x01 // reasonNotReady means the authority may sign later
	reasonRefused  = 0x02 // reasonRefused means the authority will not sign
)

const (
	signRequestHeader = 1 + 32 + 4
	signedSize        = 1 + 32 + SignatureSize
	rejectedSize      = 2
)

// digestDomain separates signing digests from any other BLAKE3 use.
const digestDomain = "stakequorum-sign"

var (
	// ErrNotReady is returned by an authority that cannot sign yet.
	// Callers may retry.
	ErrNotReady = errors.New("authority not ready to sign")

	// ErrRefused is returned by an authority that will not sign.
	ErrRefused = errors.New("authority refused to sign")
)

// Digest returns the value authorities sign for message.
func Digest(message []byte) [32]byte {
	h := blake3.New()
	h.Write([]byte(digestDomain))
	h.Write(message)

	var d [32]byte
	h.Sum(d[:0])

	return d
}

// SignRequest asks an authority to sign Digest(Payload).
type SignRequest struct {
	Digest  [32]byte // Digest must equal Digest(Payload)
	Payload []byte   // Payload is the message being certified
}

// SignedDigest is an authority's signature over a digest.
type SignedDigest struct {
	Digest    [32]byte            // Digest is the signed value
	Signature [SignatureSize]byte // Signature is the compressed BLS signature
}

// EncodeSignRequest encodes req.
// Format: [1B type] [32B digest] [4B payloadLen] [NB payload]
func EncodeSignRequest(req *SignRequest) []byte {
	buf := make([]byte, signRequestHeader+len(req.Payload))
	buf[0] = msgSignRequest
	copy(buf[1:33], req.Digest[:])
	binary.BigEndian.PutUint32(buf[33:37], uint32(len(req.Payload)))
	copy(buf[signRequestHeader:], req.Payload)

	return buf
}

// DecodeSignRequest decodes a request produced by EncodeSignRequest.
func DecodeSignRequest(data []byte) (*SignRequest, error) {
	if len(data) < signRequestHeader {
		return nil, fmt.Errorf("request too short: %d < %d", len(data), signRequestHeader)
	}

	if data[0] != msgSignRequest {
		return nil, fmt.Errorf("invalid message type: 0x%02x", data[0])
	}

	payloadLen := binary.BigEndian.Uint32(data[33:37])
	if uint64(len(data)-signRequestHeader) != uint64(payloadLen) {
		return nil, fmt.Errorf("payload length mismatch: header %d, got %d", payloadLen, len(data)-signRequestHeader)
	}

	req := &SignRequest{
		Payload: make([]byte, payloadLen),
	}
	copy(req.Digest[:], data[1:33])
	copy(req.Payload, data[signRequestHeader:])

	return req, nil
}

// EncodeSigned encodes a signature response.
// Format: [1B type] [32B digest] [96B signature]
func EncodeSigned(s *SignedDigest) []byte {
	buf := make([]byte, signedSize)
	buf[0] = msgSigned
	copy(buf[1:33], s.Digest[:])
	copy(buf[33:], s.Signature[:])

	return buf
}

// encodeRejected encodes a rejection.
// Format: [1B type] [1B reason]
func encodeRejected(reason byte) []byte {
	return []byte{msgRejected, reason}
}

// DecodeResponse decodes an authority reply. A rejection is returned as
// ErrNotReady or ErrRefused.
func DecodeResponse(data []byte) (*SignedDigest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty response")
	}

	switch data[0] {
	case msgSigned:
		if len(data) != signedSize {
			return nil, fmt.Errorf("invalid signed response size: %d != %d", len(data), signedSize)
		}

		s := &SignedDigest{}
		copy(s.Digest[:], data[1:33])
		copy(s.Signature[:], data[33:])

		return s, nil

	case msgRejected:
		if len(data) != rejectedSize {
			return nil, fmt.Errorf("invalid rejection size: %d != %d", len(data), rejectedSize)
		}

		switch data[1] {
		case reasonNotReady:
			return nil, ErrNotReady
		case reasonRefused:
			return nil, ErrRefused
		default:
			return nil, fmt.Errorf("unknown rejection reason: 0x%02x", data[1])
		}

	default:
		return nil, fmt.Errorf("invalid message type: 0x%02x", data[0])
	}
}
