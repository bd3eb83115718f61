// Package scanner probes a newly discovered SG device path with INQUIRY and,
// when the device looks ATA, a follow-up ATA IDENTIFY, producing a
// diskinfo.Info or an error. Scanning suspends on SG I/O like any other CDB
// exchange, but is otherwise synchronous to its caller.
package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/baruch/disksurvey/internal/cdb"
	"github.com/baruch/disksurvey/internal/diskinfo"
	"github.com/baruch/disksurvey/internal/sgio"
)

const inquiryAllocLen = 252

// handle is the narrow subset of *sgio.Handle the scanner needs; tests
// substitute a synthetic implementation to avoid touching real hardware.
type handle interface {
	Submit(req *sgio.Request, timeout time.Duration) error
	AwaitResponse(ctx context.Context, req *sgio.Request) error
}

func exchange(ctx context.Context, h handle, req *sgio.Request) error {
	if err := h.Submit(req, sgio.DefaultTimeout); err != nil {
		return err
	}
	return h.AwaitResponse(ctx, req)
}

// Scan opens path, probes it, and returns its classified diskinfo.Info.
func Scan(ctx context.Context, path string) (diskinfo.Info, error) {
	h, err := sgio.Open(path)
	if err != nil {
		return diskinfo.Info{}, fmt.Errorf("scanner: %w", err)
	}
	defer h.Close()
	return scanHandle(ctx, h)
}

func scanHandle(ctx context.Context, h handle) (diskinfo.Info, error) {
	inqReq := &sgio.Request{
		CDB:       cdb.Inquiry(false, 0, inquiryAllocLen),
		Direction: sgio.DirectionFromDevice,
		Buf:       make([]byte, inquiryAllocLen),
	}
	if err := exchange(ctx, h, inqReq); err != nil {
		return diskinfo.Info{}, fmt.Errorf("scanner: inquiry: %w", err)
	}
	inq, err := cdb.ParseInquiry(inqReq.Buf)
	if err != nil {
		return diskinfo.Info{}, fmt.Errorf("scanner: parse inquiry: %w", err)
	}

	info := diskinfo.Info{
		Vendor:     inq.Vendor,
		Model:      inq.Model,
		FwRev:      inq.FwRev,
		DeviceType: inq.DeviceType,
	}

	// Best-effort VPD unit serial number; many SAS targets answer this even
	// though it is not part of a standard INQUIRY. Failure here is not
	// fatal to the scan — serial simply stays empty, which itself feeds the
	// ATA heuristic below.
	serReq := &sgio.Request{
		CDB:       cdb.Inquiry(true, 0x80, inquiryAllocLen),
		Direction: sgio.DirectionFromDevice,
		Buf:       make([]byte, inquiryAllocLen),
	}
	if err := exchange(ctx, h, serReq); err == nil {
		if serial, err := cdb.ParseInquiryUnitSerial(serReq.Buf); err == nil {
			info.Serial = serial
		}
	}

	if diskinfo.IsATAVendorString(info.Vendor) || info.Serial == "" {
		return scanATA(ctx, h, info)
	}
	info.Kind = diskinfo.KindSAS
	return info.Normalize(), nil
}

func scanATA(ctx context.Context, h handle, info diskinfo.Info) (diskinfo.Info, error) {
	idReq := &sgio.Request{
		CDB:       cdb.ATAIdentify(),
		Direction: sgio.DirectionFromDevice,
		Buf:       make([]byte, 512),
	}
	if err := exchange(ctx, h, idReq); err != nil {
		return diskinfo.Info{}, fmt.Errorf("scanner: ata identify: %w", err)
	}
	id, err := cdb.ParseATAIdentify(idReq.Buf)
	if err != nil {
		return diskinfo.Info{}, fmt.Errorf("scanner: parse ata identify: %w", err)
	}

	vendor, model := cdb.SplitVendorModel(id.Model)
	info.Kind = diskinfo.KindATA
	info.Vendor = vendor
	info.Model = model
	info.FwRev = id.FwRev
	info.Serial = id.Serial
	info.ATA = diskinfo.ATAInfo{
		SmartSupported: id.SmartSupported,
		SmartOK:        true, // default until measured, per spec.md §4.3
	}
	return info.Normalize(), nil
}
