package host

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	msgs := []Message{
		{Type: TypeClosed, TabID: 7},
		{Type: TypeNavigated, Tab: &Tab{ID: 3, WindowID: 1, URL: "https://example.com", Title: "Example"}},
	}
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
	}

	size := binary.LittleEndian.Uint32(buf.Bytes()[:4])
	if want := len(`{"type":"closed","tabId":7}`); int(size) != want {
		t.Errorf("frame length = %d; want %d", size, want)
	}

	dec := NewDecoder(&buf)
	for i, want := range msgs {
		var got Message
		if err := dec.Decode(&got); err != nil {
			t.Fatalf("Decode() #%d error = %v", i, err)
		}
		if got.Type != want.Type || got.TabID != want.TabID {
			t.Errorf("Decode() #%d = %+v; want %+v", i, got, want)
		}
	}
	var m Message
	if err := dec.Decode(&m); !errors.Is(err, io.EOF) {
		t.Errorf("Decode() at end error = %v; want io.EOF", err)
	}
}

func TestDecodeTruncatedFrame(t *testing.T) {
	frame := []byte{10, 0, 0, 0, '{', '"'}
	var m Message
	err := NewDecoder(bytes.NewReader(frame)).Decode(&m)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Decode() of partial body error = %v; want io.ErrUnexpectedEOF", err)
	}

	err = NewDecoder(bytes.NewReader([]byte{1, 0})).Decode(&m)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Decode() of partial length error = %v; want io.ErrUnexpectedEOF", err)
	}
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], maxFrameSize+1)
	var m Message
	err := NewDecoder(bytes.NewReader(hdr[:])).Decode(&m)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Decode() error = %v; want ErrFrameTooLarge", err)
	}
}

func TestDecodeMalformedFrameKeepsStreamAligned(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("not json")
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(body)))
	buf.Write(hdr[:])
	buf.Write(body)
	if err := NewEncoder(&buf).Encode(Message{Type: TypeSuspending}); err != nil {
		t.Fatal(err)
	}

	dec := NewDecoder(&buf)
	var m Message
	if err := dec.Decode(&m); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("Decode() error = %v; want ErrMalformedFrame", err)
	}
	if err := dec.Decode(&m); err != nil {
		t.Fatalf("Decode() after malformed frame error = %v", err)
	}
	if m.Type != TypeSuspending {
		t.Errorf("Type = %q; want %q", m.Type, TypeSuspending)
	}
}

func TestEncodeRejectsReplyAboveBrowserLimit(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	big := Response{Type: TypeGetSnapshot, Snapshot: map[string]int64{
		strings.Repeat("x", maxOutgoingFrameSize): 1,
	}}
	if err := enc.Encode(big); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Encode() error = %v; want ErrFrameTooLarge", err)
	}
	if buf.Len() != 0 {
		t.Errorf("Encode() wrote %d bytes for a rejected frame", buf.Len())
	}
}
