// Package wire implements the framing codec: the nine-opcode binary
// protocol exchanged once a connection has left the upgrade phase.
//
// Frame is a single struct covering all nine variants, the way the
// teacher's internal/protocol package represents every maboo-wire frame
// with one Frame{Type, Flags, StreamID, Headers, Payload} struct rather
// than nine distinct Go types. Opcode selects which of the extra fields
// apply; Encode/Decode never inspect fields that don't belong to the
// opcode being written or read.
package wire

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Version is the protocol version asserted in every Hello frame.
const Version uint8 = 1

// Opcode identifies a frame variant on the wire.
type Opcode uint8

const (
	OpHello     Opcode = 1
	OpHelloAck  Opcode = 2
	OpPing      Opcode = 3
	OpPong      Opcode = 4
	OpRequest   Opcode = 5
	OpResponse  Opcode = 6
	OpPush      Opcode = 7
	OpGoAway    Opcode = 8
	OpError     Opcode = 9
)

func (o Opcode) String() string {
	switch o {
	case OpHello:
		return "HELLO"
	case OpHelloAck:
		return "HELLO_ACK"
	case OpPing:
		return "PING"
	case OpPong:
		return "PONG"
	case OpRequest:
		return "REQUEST"
	case OpResponse:
		return "RESPONSE"
	case OpPush:
		return "PUSH"
	case OpGoAway:
		return "GO_AWAY"
	case OpError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(o))
	}
}

// headerSize is the fixed header size in bytes for each opcode,
// including the trailing 4-byte payload_size field where one exists
// (Ping and Pong carry no payload and no payload_size field).
var headerSize = map[Opcode]int{
	OpHello:    7,
	OpHelloAck: 10,
	OpPing:     6,
	OpPong:     6,
	OpRequest:  10,
	OpResponse: 10,
	OpPush:     6,
	OpGoAway:   8,
	OpError:    12,
}

// encodingNamePattern constrains the valid encoding/compression-name
// alphabet so that Hello/HelloAck's "|"- and ","-delimited payload
// grammar is never ambiguous. Resolves the Open Question in spec.md §9.
var encodingNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Frame is the decoded form of any of the nine wire opcodes.
type Frame struct {
	Opcode Opcode
	Flags  uint8

	// Hello only.
	HelloVersion uint8
	Encodings    []string
	Compressions []string

	// HelloAck only.
	PingIntervalMs uint32
	Encoding       string
	Compression    string

	// Ping, Pong, Request, Response, Error.
	SequenceID uint32

	// GoAway, Error.
	Code uint16

	// Request, Response, Push, GoAway, Error.
	Payload []byte
}

// Ping builds a Ping frame with the given sequence id.
func Ping(sequenceID uint32) *Frame {
	return &Frame{Opcode: OpPing, SequenceID: sequenceID}
}

// Pong builds a Pong frame echoing the peer's flags and sequence id.
func Pong(flags uint8, sequenceID uint32) *Frame {
	return &Frame{Opcode: OpPong, Flags: flags, SequenceID: sequenceID}
}

// Request builds a Request frame.
func Request(sequenceID uint32, payload []byte) *Frame {
	return &Frame{Opcode: OpRequest, SequenceID: sequenceID, Payload: payload}
}

// Response builds a Response frame.
func Response(sequenceID uint32, payload []byte) *Frame {
	return &Frame{Opcode: OpResponse, SequenceID: sequenceID, Payload: payload}
}

// Push builds a Push frame.
func Push(payload []byte) *Frame {
	return &Frame{Opcode: OpPush, Payload: payload}
}

// GoAway builds a GoAway frame with a diagnostic code and payload.
func GoAway(code uint16, payload []byte) *Frame {
	return &Frame{Opcode: OpGoAway, Code: code, Payload: payload}
}

// ErrorFrame builds an Error frame correlated to sequenceID.
func ErrorFrame(sequenceID uint32, code uint16, payload []byte) *Frame {
	return &Frame{Opcode: OpError, SequenceID: sequenceID, Code: code, Payload: payload}
}

// Hello builds a Hello frame. Returns an error if any encoding or
// compression name uses characters outside [A-Za-z0-9_-]+.
func Hello(encodings, compressions []string) (*Frame, error) {
	for _, name := range encodings {
		if !encodingNamePattern.MatchString(name) {
			return nil, fmt.Errorf("wire: invalid encoding name %q", name)
		}
	}
	for _, name := range compressions {
		if !encodingNamePattern.MatchString(name) {
			return nil, fmt.Errorf("wire: invalid compression name %q", name)
		}
	}
	return &Frame{
		Opcode:       OpHello,
		HelloVersion: Version,
		Encodings:    encodings,
		Compressions: compressions,
	}, nil
}

// HelloAck builds a HelloAck frame.
func HelloAck(pingIntervalMs uint32, encoding, compression string) (*Frame, error) {
	if !encodingNamePattern.MatchString(encoding) {
		return nil, fmt.Errorf("wire: invalid encoding name %q", encoding)
	}
	if compression != "" && !encodingNamePattern.MatchString(compression) {
		return nil, fmt.Errorf("wire: invalid compression name %q", compression)
	}
	return &Frame{
		Opcode:         OpHelloAck,
		PingIntervalMs: pingIntervalMs,
		Encoding:       encoding,
		Compression:    compression,
	}, nil
}

// encodeBufPool pools scratch buffers for Encode to avoid a per-call
// allocation on the hot ping/pong/request/response path, the way the
// teacher's wire.go pools its WriteFrame scratch buffer.
var encodeBufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, 256)
		return &b
	},
}

// Encode appends the exact wire bytes for f to dst and returns the
// extended slice.
func Encode(dst []byte, f *Frame) ([]byte, error) {
	size, ok := headerSize[f.Opcode]
	if !ok {
		return nil, fmt.Errorf("wire: unknown opcode %d", f.Opcode)
	}

	bp := encodeBufPool.Get().(*[]byte)
	buf := (*bp)[:0]
	defer func() {
		*bp = buf
		encodeBufPool.Put(bp)
	}()

	buf = append(buf, byte(f.Opcode), f.Flags)

	switch f.Opcode {
	case OpHello:
		buf = append(buf, f.HelloVersion)
	case OpHelloAck:
		buf = appendUint32(buf, f.PingIntervalMs)
	case OpPing, OpPong:
		buf = appendUint32(buf, f.SequenceID)
	case OpRequest, OpResponse:
		buf = appendUint32(buf, f.SequenceID)
	case OpPush:
		// no extra header fields
	case OpGoAway:
		buf = appendUint16(buf, f.Code)
	case OpError:
		buf = appendUint32(buf, f.SequenceID)
		buf = appendUint16(buf, f.Code)
	}

	payload, err := payloadBytes(f)
	if err != nil {
		return nil, err
	}

	if f.Opcode != OpPing && f.Opcode != OpPong {
		buf = appendUint32(buf, uint32(len(payload)))
	}
	if len(buf) != size {
		return nil, fmt.Errorf("wire: internal header size mismatch for %s: got %d want %d", f.Opcode, len(buf), size)
	}

	dst = append(dst, buf...)
	dst = append(dst, payload...)
	return dst, nil
}

func payloadBytes(f *Frame) ([]byte, error) {
	switch f.Opcode {
	case OpHello:
		return []byte(strings.Join(f.Encodings, ",") + "|" + strings.Join(f.Compressions, ",")), nil
	case OpHelloAck:
		return []byte(f.Encoding + "|" + f.Compression), nil
	case OpPing, OpPong:
		return nil, nil
	default:
		return f.Payload, nil
	}
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}
