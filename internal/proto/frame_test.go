package proto

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"packet","from":17,"id":1,"decoded":{"port":1}}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("encode frame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("read frame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q want %q", got, payload)
	}
}

func TestEncodeFrameRejectsEmpty(t *testing.T) {
	if _, err := EncodeFrame(nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestEncodeFrameRejectsOversize(t *testing.T) {
	if _, err := EncodeFrame(make([]byte, MaxFrameSize+1)); err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestReadFrameRejectsBadLength(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); err == nil {
		t.Fatal("expected error for oversized length prefix")
	}

	binary.BigEndian.PutUint32(hdr[:], 0)
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); err == nil {
		t.Fatal("expected error for zero length prefix")
	}
}

func TestReadFrameTruncated(t *testing.T) {
	frame, err := EncodeFrame([]byte("hello"))
	if err != nil {
		t.Fatalf("encode frame failed: %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader(frame[:6])); err == nil {
		t.Fatal("expected error for truncated frame")
	}
}

func TestWriteFrameMatchesEncode(t *testing.T) {
	payload := []byte("abc")
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write frame failed: %v", err)
	}
	want, _ := EncodeFrame(payload)
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("wire bytes mismatch: got %x want %x", buf.Bytes(), want)
	}
}
