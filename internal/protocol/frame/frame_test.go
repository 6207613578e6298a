package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/pipelink/internal/protocol/tlv"
	"github.com/danmuck/pipelink/internal/testutil/testlog"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload := tlv.EncodeFields([]tlv.Field{tlv.Bytes(1, []byte("body"))})
	in := Frame{
		Header:  Header{MessageID: 42, MessageType: 2, Flags: WithPriority(0, 7)},
		Payload: payload,
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Magic != Magic || out.Header.MessageType != 2 || out.Header.MessageID != 42 {
		t.Fatalf("header mismatch: got=%+v", out.Header)
	}
	if out.Header.Priority() != 7 {
		t.Fatalf("priority mismatch: %d", out.Header.Priority())
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader(nil), DefaultLimits())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameRejectsBadMagicAndVersion(t *testing.T) {
	testlog.Start(t)
	h := EncodeHeader(Header{Magic: 0xDEADBEEF, Version: Version, HeaderLen: FixedHeaderLen})
	if _, err := ReadFrame(bytes.NewReader(h), DefaultLimits()); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
	h = EncodeHeader(Header{Magic: Magic, Version: 9, HeaderLen: FixedHeaderLen})
	if _, err := ReadFrame(bytes.NewReader(h), DefaultLimits()); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestReadFrameSkipsHeaderExtension(t *testing.T) {
	testlog.Start(t)
	h := EncodeHeader(Header{
		Magic:       Magic,
		Version:     Version,
		HeaderLen:   FixedHeaderLen + 4,
		MessageID:   5,
		MessageType: 1,
		PayloadLen:  3,
	})
	wire := append(h, 0xAA, 0xBB, 0xCC, 0xDD)
	wire = append(wire, 'a', 'b', 'c')
	out, err := ReadFrame(bytes.NewReader(wire), DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(out.Payload) != "abc" {
		t.Fatalf("payload mismatch: %q", out.Payload)
	}
}

func TestWriteFrameRejectsOversizePayloadWithoutWriting(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxExtensionBytes: 0, MaxPayloadBytes: 4}
	var buf bytes.Buffer
	err := WriteFrame(&buf, Frame{Payload: []byte("too long")}, limits)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("rejected frame wrote %d bytes", buf.Len())
	}
}

func TestReadFrameShortPayload(t *testing.T) {
	testlog.Start(t)
	h := EncodeHeader(Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, PayloadLen: 10})
	wire := append(h, []byte("abc")...)
	if _, err := ReadFrame(bytes.NewReader(wire), DefaultLimits()); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
}

func TestDecodeHeaderRejectsWrongLength(t *testing.T) {
	testlog.Start(t)
	if _, err := DecodeHeader(make([]byte, 4)); err == nil {
		t.Fatalf("expected length error")
	}
	raw := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(raw[16:20], 3)
	h, err := DecodeHeader(raw)
	if err != nil || h.MessageType != 3 {
		t.Fatalf("decode header: %+v %v", h, err)
	}
}
