package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrInvalidPayload is returned when a Hello/HelloAck payload is not
// valid UTF-8 or does not contain exactly one "|" separator.
var ErrInvalidPayload = errors.New("wire: invalid payload")

// InvalidOpcodeError is returned when Decode encounters a byte 0 that
// does not match any known opcode.
type InvalidOpcodeError struct {
	Actual byte
}

func (e *InvalidOpcodeError) Error() string {
	return fmt.Sprintf("wire: invalid opcode %d", e.Actual)
}

// FrameTooLargeError is returned when a frame's declared payload_size
// exceeds the configured maximum.
type FrameTooLargeError struct {
	Size, Max uint32
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("wire: frame too large: %d bytes exceeds max %d", e.Size, e.Max)
}

// Decode attempts to parse a single frame from the front of buf.
//
// It returns (nil, 0, nil) when buf holds fewer bytes than a complete
// frame requires — the caller should read more and retry; buf must be
// left untouched in that case. On success it returns the parsed frame
// and the number of bytes consumed from the front of buf. On a
// malformed frame it returns a non-nil error; the connection must be
// aborted at that point since the byte stream can no longer be framed.
func Decode(buf []byte, maxPayloadSize uint32) (*Frame, int, error) {
	if len(buf) < 1 {
		return nil, 0, nil
	}
	opcode := Opcode(buf[0])
	size, ok := headerSize[opcode]
	if !ok {
		return nil, 0, &InvalidOpcodeError{Actual: buf[0]}
	}
	if len(buf) < size {
		return nil, 0, nil
	}

	flags := buf[1]

	switch opcode {
	case OpPing, OpPong:
		f := &Frame{Opcode: opcode, Flags: flags, SequenceID: binary.BigEndian.Uint32(buf[2:6])}
		return f, size, nil
	}

	payloadSize := readPayloadSize(opcode, buf)
	if payloadSize > maxPayloadSize {
		return nil, 0, &FrameTooLargeError{Size: payloadSize, Max: maxPayloadSize}
	}
	total := size + int(payloadSize)
	if len(buf) < total {
		return nil, 0, nil
	}

	payload := buf[size:total]

	f := &Frame{Opcode: opcode, Flags: flags}
	switch opcode {
	case OpHello:
		f.HelloVersion = buf[2]
		encodings, compressions, err := splitHelloPayload(payload)
		if err != nil {
			return nil, 0, err
		}
		f.Encodings = encodings
		f.Compressions = compressions
	case OpHelloAck:
		f.PingIntervalMs = binary.BigEndian.Uint32(buf[2:6])
		encoding, compression, err := splitHelloAckPayload(payload)
		if err != nil {
			return nil, 0, err
		}
		f.Encoding = encoding
		f.Compression = compression
	case OpRequest, OpResponse:
		f.SequenceID = binary.BigEndian.Uint32(buf[2:6])
		f.Payload = cloneBytes(payload)
	case OpPush:
		f.Payload = cloneBytes(payload)
	case OpGoAway:
		f.Code = binary.BigEndian.Uint16(buf[2:4])
		f.Payload = cloneBytes(payload)
	case OpError:
		f.SequenceID = binary.BigEndian.Uint32(buf[2:6])
		f.Code = binary.BigEndian.Uint16(buf[6:8])
		f.Payload = cloneBytes(payload)
	}

	return f, total, nil
}

func readPayloadSize(opcode Opcode, buf []byte) uint32 {
	switch opcode {
	case OpHello:
		return binary.BigEndian.Uint32(buf[3:7])
	case OpHelloAck:
		return binary.BigEndian.Uint32(buf[6:10])
	case OpRequest, OpResponse:
		return binary.BigEndian.Uint32(buf[6:10])
	case OpPush:
		return binary.BigEndian.Uint32(buf[2:6])
	case OpGoAway:
		return binary.BigEndian.Uint32(buf[4:8])
	case OpError:
		return binary.BigEndian.Uint32(buf[8:12])
	default:
		return 0
	}
}

func splitHelloPayload(payload []byte) (encodings, compressions []string, err error) {
	if !isValidUTF8(payload) {
		return nil, nil, ErrInvalidPayload
	}
	parts := strings.Split(string(payload), "|")
	if len(parts) != 2 {
		return nil, nil, ErrInvalidPayload
	}
	return splitCSV(parts[0]), splitCSV(parts[1]), nil
}

func splitHelloAckPayload(payload []byte) (encoding, compression string, err error) {
	if !isValidUTF8(payload) {
		return "", "", ErrInvalidPayload
	}
	parts := strings.Split(string(payload), "|")
	if len(parts) != 2 {
		return "", "", ErrInvalidPayload
	}
	return parts[0], parts[1], nil
}

// splitCSV splits a comma-separated list, dropping trailing empty
// elements (spec.md §4.1 edge case).
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

func isValidUTF8(b []byte) bool {
	return utf8.Valid(b)
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
