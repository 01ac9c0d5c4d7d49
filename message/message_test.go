package message

import (
	"errors"
	"testing"

	"github.com/oakmesh/iris/ierr"
)

func roundTrip(t *testing.T, m *Message) *Message {
	t.Helper()
	frames, err := m.PackFrames()
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	got, err := UnpackFrames(frames)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	return got
}

func TestRoundTrip(t *testing.T) {
	m := New(REQ, "echo.pong", "tcp://127.0.0.1:1234", map[string]interface{}{"v": int64(7)}, map[string]interface{}{
		"trace_id": "abc",
		"trace":    map[string]interface{}{"trace_id": "abc"},
	})

	got := roundTrip(t, m)

	if got.ID != m.ID || got.Type != m.Type || got.Subject != m.Subject || got.Source != m.Source {
		t.Fatalf("envelope mismatch: got %+v want %+v", got, m)
	}
	if got.Body["v"] != m.Body["v"] {
		t.Fatalf("body mismatch: got %v want %v", got.Body, m.Body)
	}
	if got.Headers["trace_id"] != "abc" {
		t.Fatalf("headers mismatch: %v", got.Headers)
	}
}

func TestRoundTripAllTypes(t *testing.T) {
	for _, ty := range []Type{REQ, REP, ACK, NACK, ERR} {
		m := New(ty, "s", "tcp://x:1", nil, nil)
		got := roundTrip(t, m)
		if got.Type != ty {
			t.Fatalf("type mismatch: got %s want %s", got.Type, ty)
		}
	}
}

func TestUnpackBadFrameCount(t *testing.T) {
	_, err := UnpackFrames([][]byte{[]byte("id"), []byte("REQ")})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ierr.ErrBadFrame) {
		t.Fatalf("expected ErrBadFrame, got %v", err)
	}
}

func TestUnpackBadHeaders(t *testing.T) {
	frames := [][]byte{
		[]byte("id"), []byte("REQ"), []byte("subj"), []byte("src"),
		[]byte{0xff, 0xff, 0xff}, // invalid msgpack
		[]byte{0xc0},             // nil
	}
	_, err := UnpackFrames(frames)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ierr.ErrBadFrame) {
		t.Fatalf("expected ErrBadFrame, got %v", err)
	}
}

func TestUnpackUnknownType(t *testing.T) {
	m := New(REQ, "s", "src", nil, nil)
	frames, _ := m.PackFrames()
	frames[1] = []byte("WAT")
	_, err := UnpackFrames(frames)
	if !errors.Is(err, ierr.ErrBadFrame) {
		t.Fatalf("expected ErrBadFrame, got %v", err)
	}
}

