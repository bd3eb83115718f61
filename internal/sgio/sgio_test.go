package sgio

import (
	"errors"
	"testing"
	"time"
)

func TestHeaderBytesSizeStable(t *testing.T) {
	var hdr sgIOHeader
	b := headerBytes(&hdr)
	if len(b) == 0 {
		t.Fatalf("headerBytes returned empty slice")
	}
	// The header must round-trip through the byte view without aliasing
	// issues: writing through the slice must be visible on the struct.
	b[0] = 0x53
	if hdr.InterfaceID&0xFF != 0x53 {
		t.Fatalf("write through headerBytes did not alias the struct")
	}
}

func TestDeadErrorWrapping(t *testing.T) {
	inner := errors.New("device removed")
	err := &DeadError{Op: "read", Err: inner}
	if !errors.Is(err, inner) {
		t.Fatalf("DeadError does not unwrap to the inner error")
	}
	if err.Error() == "" {
		t.Fatalf("DeadError.Error() must not be empty")
	}
}

func TestRequestDurationMs(t *testing.T) {
	req := &Request{
		Start: time.Unix(0, 0),
		End:   time.Unix(0, int64(2*time.Millisecond)),
	}
	if got := req.DurationMs(); got < 1.9 || got > 2.1 {
		t.Fatalf("DurationMs() = %v, want ~2.0", got)
	}
}

func TestCloseNilHandle(t *testing.T) {
	var h *Handle
	if err := h.Close(); err != nil {
		t.Fatalf("Close on nil handle should be a no-op, got %v", err)
	}
}

func TestSubmitRejectsEmptyCDB(t *testing.T) {
	h := &Handle{fd: -1}
	req := &Request{}
	if err := h.Submit(req, DefaultTimeout); err == nil {
		t.Fatalf("expected error submitting an empty CDB")
	}
}

func TestSubmitRejectsFromDeviceWithoutBuffer(t *testing.T) {
	h := &Handle{fd: -1}
	req := &Request{CDB: []byte{0x12, 0, 0, 0, 0, 0}, Direction: DirectionFromDevice}
	if err := h.Submit(req, DefaultTimeout); err == nil {
		t.Fatalf("expected error submitting FromDevice with no buffer")
	}
}
