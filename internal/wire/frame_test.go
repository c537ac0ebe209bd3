package wire

import (
	"bytes"
	"errors"
	"testing"
)

const testMaxPayload = 1 << 20

func roundtrip(t *testing.T, f *Frame) *Frame {
	t.Helper()
	buf, err := Encode(nil, f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, n, err := Decode(buf, testMaxPayload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got == nil {
		t.Fatalf("Decode: need more data, want complete frame")
	}
	if n != len(buf) {
		t.Errorf("Decode consumed %d bytes, want %d", n, len(buf))
	}
	return got
}

func TestRoundtripAllOpcodes(t *testing.T) {
	hello, err := Hello([]string{"msgpack", "identity"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	helloAck, err := HelloAck(5000, "msgpack", "")
	if err != nil {
		t.Fatal(err)
	}

	frames := []*Frame{
		hello,
		helloAck,
		Ping(7),
		Pong(0, 7),
		Request(42, []byte("hello world")),
		Response(42, []byte("hello world")),
		Push([]byte("fire and forget")),
		GoAway(3, []byte("no common encoding")),
		ErrorFrame(42, 7, []byte("boom")),
	}

	for _, f := range frames {
		got := roundtrip(t, f)
		if got.Opcode != f.Opcode {
			t.Errorf("Opcode: got %v want %v", got.Opcode, f.Opcode)
		}
		if got.SequenceID != f.SequenceID {
			t.Errorf("%s SequenceID: got %d want %d", f.Opcode, got.SequenceID, f.SequenceID)
		}
		if !bytes.Equal(got.Payload, f.Payload) {
			t.Errorf("%s Payload: got %q want %q", f.Opcode, got.Payload, f.Payload)
		}
	}

	gotHello := roundtrip(t, hello)
	if len(gotHello.Encodings) != 2 || gotHello.Encodings[0] != "msgpack" || gotHello.Encodings[1] != "identity" {
		t.Errorf("Hello.Encodings: got %v", gotHello.Encodings)
	}
	if gotHello.HelloVersion != Version {
		t.Errorf("Hello.HelloVersion: got %d want %d", gotHello.HelloVersion, Version)
	}

	gotAck := roundtrip(t, helloAck)
	if gotAck.Encoding != "msgpack" || gotAck.Compression != "" {
		t.Errorf("HelloAck: got encoding=%q compression=%q", gotAck.Encoding, gotAck.Compression)
	}
	if gotAck.PingIntervalMs != 5000 {
		t.Errorf("HelloAck.PingIntervalMs: got %d want 5000", gotAck.PingIntervalMs)
	}
}

func TestDecodeLazinessOnEveryPrefix(t *testing.T) {
	f := Request(1, []byte("a request payload long enough to matter"))
	full, err := Encode(nil, f)
	if err != nil {
		t.Fatal(err)
	}

	for n := 0; n < len(full); n++ {
		prefix := append([]byte(nil), full[:n]...)
		got, consumed, err := Decode(prefix, testMaxPayload)
		if err != nil {
			t.Fatalf("Decode(prefix len=%d): unexpected error %v", n, err)
		}
		if got != nil || consumed != 0 {
			t.Fatalf("Decode(prefix len=%d): got a complete frame from a partial buffer", n)
		}
		if !bytes.Equal(prefix, full[:n]) {
			t.Fatalf("Decode(prefix len=%d): mutated its input buffer", n)
		}
	}

	got, consumed, err := Decode(full, testMaxPayload)
	if err != nil || got == nil || consumed != len(full) {
		t.Fatalf("Decode(full): got=%v consumed=%d err=%v", got, consumed, err)
	}
}

func TestDecodeTrailingBytesLeftForNextFrame(t *testing.T) {
	one, _ := Encode(nil, Ping(1))
	two, _ := Encode(nil, Ping(2))
	buf := append(append([]byte(nil), one...), two...)

	first, n, err := Decode(buf, testMaxPayload)
	if err != nil || first == nil {
		t.Fatalf("first Decode failed: %v", err)
	}
	if n != len(one) {
		t.Fatalf("first Decode consumed %d, want %d", n, len(one))
	}

	second, n, err := Decode(buf[n:], testMaxPayload)
	if err != nil || second == nil {
		t.Fatalf("second Decode failed: %v", err)
	}
	if second.SequenceID != 2 {
		t.Errorf("second.SequenceID = %d, want 2", second.SequenceID)
	}
}

func TestInvalidOpcode(t *testing.T) {
	buf := []byte{0xFF, 0, 0, 0, 0, 0, 0, 0}
	_, _, err := Decode(buf, testMaxPayload)
	var opErr *InvalidOpcodeError
	if err == nil {
		t.Fatal("expected error for invalid opcode")
	}
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *InvalidOpcodeError, got %T: %v", err, err)
	}
}

func TestFrameTooLarge(t *testing.T) {
	f := Request(1, make([]byte, 100))
	buf, err := Encode(nil, f)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = Decode(buf, 10)
	var tooLarge *FrameTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected *FrameTooLargeError, got %T: %v", err, err)
	}
}

func TestHelloTrailingEmptyElementsDropped(t *testing.T) {
	f, err := Hello([]string{"a", "b"}, []string{})
	if err != nil {
		t.Fatal(err)
	}
	f.Encodings = []string{"a", "b", ""}
	buf, err := Encode(nil, f)
	if err != nil {
		t.Fatal(err)
	}
	got, _, err := Decode(buf, testMaxPayload)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Encodings) != 2 {
		t.Fatalf("expected trailing empty element dropped, got %v", got.Encodings)
	}
}

func TestHelloRejectsInvalidEncodingName(t *testing.T) {
	if _, err := Hello([]string{"has|pipe"}, nil); err == nil {
		t.Fatal("expected error for invalid encoding name")
	}
	if _, err := Hello([]string{"has,comma"}, nil); err == nil {
		t.Fatal("expected error for invalid encoding name")
	}
}

func TestHelloAckInvalidPayloadMissingSeparator(t *testing.T) {
	buf, err := Encode(nil, &Frame{Opcode: OpHelloAck, PingIntervalMs: 1, Encoding: "nosep", Compression: ""})
	if err != nil {
		t.Fatal(err)
	}
	// Corrupt the payload by removing the separator byte.
	sepIdx := bytes.IndexByte(buf[10:], '|')
	if sepIdx < 0 {
		t.Fatal("expected separator in encoded payload")
	}
	buf = append(buf[:10+sepIdx], buf[10+sepIdx+1:]...)
	// payload_size now overcounts by one byte relative to what remains;
	// fix it up so Decode reaches the payload-parsing branch.
	newSize := len(buf) - 10
	buf[6], buf[7], buf[8], buf[9] = byte(newSize>>24), byte(newSize>>16), byte(newSize>>8), byte(newSize)

	_, _, err = Decode(buf, testMaxPayload)
	if err == nil {
		t.Fatal("expected InvalidPayload error for missing separator")
	}
}
