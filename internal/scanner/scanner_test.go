package scanner

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/baruch/disksurvey/internal/diskinfo"
	"github.com/baruch/disksurvey/internal/sgio"
)

// fakeHandle answers each submitted CDB from a canned response keyed by
// opcode, simulating a device without touching any real hardware.
type fakeHandle struct {
	responses map[byte][]byte
	failOn    byte
}

func (f *fakeHandle) Submit(req *sgio.Request, timeout time.Duration) error {
	return nil
}

func (f *fakeHandle) AwaitResponse(ctx context.Context, req *sgio.Request) error {
	if responseKey(req) == f.failOn {
		return errors.New("simulated transport failure")
	}
	resp, ok := f.responses[responseKey(req)]
	if !ok {
		return errors.New("fakeHandle: no canned response")
	}
	copy(req.Buf, resp)
	return nil
}

// responseKey distinguishes a standard INQUIRY from a VPD page 0x80
// INQUIRY, since both share opcode 0x12.
func responseKey(req *sgio.Request) byte {
	if req.CDB[0] == 0x12 && req.CDB[1]&0x01 != 0 {
		return 0x80
	}
	return req.CDB[0]
}

func standardInquiry(vendor, model, fwRev string) []byte {
	buf := make([]byte, 252)
	copy(buf[8:16], vendor)
	copy(buf[16:32], model)
	copy(buf[32:36], fwRev)
	return buf
}

func vpdSerial(serial string) []byte {
	buf := make([]byte, 252)
	buf[1] = 0x80
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(serial)))
	copy(buf[4:], serial)
	return buf
}

func TestScanHandleSAS(t *testing.T) {
	fh := &fakeHandle{responses: map[byte][]byte{
		0x12: standardInquiry("SEAGATE ", "ST1000NM0001    ", "GS10"),
		0x80: vpdSerial("S1"),
	}}
	info, err := scanHandle(context.Background(), fh)
	if err != nil {
		t.Fatalf("scanHandle: %v", err)
	}
	if info.Kind != diskinfo.KindSAS {
		t.Fatalf("kind = %v, want SAS", info.Kind)
	}
	if info.Serial != "S1" {
		t.Fatalf("serial = %q, want S1", info.Serial)
	}
}

func TestScanHandleATAByVendorString(t *testing.T) {
	identify := make([]byte, 512)
	swabPut(identify, 10, "A1                  ")
	swabPut(identify, 23, "CC43    ")
	swabPut(identify, 27, "WDC WD10EZEX-00BN5A0                   ")
	identify[82*2] = 0x01

	fh := &fakeHandle{responses: map[byte][]byte{
		0x12: standardInquiry("ATA     ", "WDC WD10EZEX    ", "CC43"),
		0x80: vpdSerial(""),
		0xA1: identify,
	}}
	info, err := scanHandle(context.Background(), fh)
	if err != nil {
		t.Fatalf("scanHandle: %v", err)
	}
	if info.Kind != diskinfo.KindATA {
		t.Fatalf("kind = %v, want ATA", info.Kind)
	}
	if info.Vendor != "WDC" {
		t.Fatalf("vendor = %q, want WDC", info.Vendor)
	}
	if !info.ATA.SmartSupported {
		t.Fatalf("expected smart_supported = true")
	}
	if !info.ATA.SmartOK {
		t.Fatalf("expected default smart_ok = true before first measurement")
	}
}

func TestScanHandleATAByEmptySerial(t *testing.T) {
	identify := make([]byte, 512)
	swabPut(identify, 10, "B2                  ")
	swabPut(identify, 27, "USB  BridgedDisk                        ")

	fh := &fakeHandle{responses: map[byte][]byte{
		0x12: standardInquiry("USB     ", "BridgedDisk     ", "1.00"),
		0x80: vpdSerial(""), // empty serial triggers the ATA fallback heuristic
		0xA1: identify,
	}}
	info, err := scanHandle(context.Background(), fh)
	if err != nil {
		t.Fatalf("scanHandle: %v", err)
	}
	if info.Kind != diskinfo.KindATA {
		t.Fatalf("kind = %v, want ATA (empty-serial heuristic)", info.Kind)
	}
}

func TestScanHandleInquiryFailureIsFatal(t *testing.T) {
	fh := &fakeHandle{failOn: 0x12}
	if _, err := scanHandle(context.Background(), fh); err == nil {
		t.Fatalf("expected error when inquiry fails")
	}
}

func TestScanHandleSerialInquiryFailureIsTolerated(t *testing.T) {
	identify := make([]byte, 512)
	swabPut(identify, 10, "A1                  ")
	swabPut(identify, 27, "SEAGATE ST1000NM0001                   ")

	fh := &fakeHandle{
		responses: map[byte][]byte{
			0x12: standardInquiry("SEAGATE ", "ST1000NM0001    ", "GS10"),
			0xA1: identify,
		},
		failOn: 0x80,
	}
	info, err := scanHandle(context.Background(), fh)
	if err != nil {
		t.Fatalf("scanHandle: %v", err)
	}
	// A failed vpd inquiry leaves serial empty, which in turn routes this
	// device down the ATA identify fallback path (the empty-serial
	// heuristic), not a fatal scan error.
	if info.Kind != diskinfo.KindATA {
		t.Fatalf("kind = %v, want ATA (vpd failure falls back via empty serial)", info.Kind)
	}
}

func swabPut(buf []byte, wordOffset int, s string) {
	for i := 0; i < len(s); i += 2 {
		a := s[i]
		b := byte(' ')
		if i+1 < len(s) {
			b = s[i+1]
		}
		off := wordOffset*2 + i
		buf[off] = b
		buf[off+1] = a
	}
}
