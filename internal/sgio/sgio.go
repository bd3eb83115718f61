// Package sgio implements the Linux SG_IO transport contract: open an SG
// character device, submit one CDB with a data direction, await its
// completion, and report transport death. Modeled on the classic SG v3
// read/write async interface (non-blocking write submits, read collects the
// matching completion header by usr_ptr).
package sgio

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	interfaceIDSCSIGeneric = 'S'
	senseBufLen            = 32

	sgDxferNone     int32 = -1
	sgDxferFromDev  int32 = -3

	// DefaultTimeout is the 30-second kernel-level CDB timeout required by
	// spec.md §5.
	DefaultTimeout = 30 * time.Second

	pollIntervalMsec = 1000
)

// sgIOHeader mirrors struct sg_io_hdr (<scsi/sg.h>) field-for-field.
type sgIOHeader struct {
	InterfaceID    int32
	DxferDirection int32
	CmdLen         uint8
	MxSBLen        uint8
	IovecCount     uint16
	DxferLen       uint32
	Dxferp         uintptr
	Cmdp           uintptr
	Sbp            uintptr
	Timeout        uint32
	Flags          uint32
	PackID         int32
	UsrPtr         uintptr
	Status         uint8
	MaskedStatus   uint8
	MsgStatus      uint8
	SBLenWr        uint8
	HostStatus     uint16
	DriverStatus   uint16
	Resid          int32
	Duration       uint32
	Info           uint32
}

// Direction selects the SG_IO data transfer direction for a Request.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionFromDevice
)

// DeadError wraps the underlying errno or short-read condition that killed
// this disk's transport. Per spec.md §4.1, the transport never retries;
// recovery is the manager marking the disk dead and awaiting rediscovery.
type DeadError struct {
	Op  string
	Err error
}

func (e *DeadError) Error() string { return fmt.Sprintf("sgio: %s: %v", e.Op, e.Err) }
func (e *DeadError) Unwrap() error { return e.Err }

// Request is one outstanding CDB submission/completion record.
type Request struct {
	CDB       []byte
	Direction Direction
	Buf       []byte // data buffer; required when Direction == DirectionFromDevice

	// Populated by AwaitResponse.
	Status       uint8
	SenseLen     uint8
	Sense        [senseBufLen]byte
	Resid        int32
	DurationMsec uint32
	Start        time.Time
	End          time.Time

	packID int32
}

// Handle is an opened SG character device.
type Handle struct {
	fd      int
	path    string
	nextSeq int32
}

// Open opens the SG device at path in non-blocking read/write mode.
func Open(path string) (*Handle, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("sgio: open %s: %w", path, err)
	}
	return &Handle{fd: fd, path: path}, nil
}

// NewNoopHandle returns a Handle bound to no real file descriptor: Close is
// a no-op. For tests that need a Disk worker to hold an opened handle
// without touching a real SG device.
func NewNoopHandle() *Handle {
	return &Handle{fd: -1}
}

// Close closes the underlying file descriptor. Safe to call on a nil or
// already-closed handle.
func (h *Handle) Close() error {
	if h == nil || h.fd < 0 {
		return nil
	}
	err := unix.Close(h.fd)
	h.fd = -1
	return err
}

func headerBytes(hdr *sgIOHeader) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(hdr)), unsafe.Sizeof(*hdr))
}

// Submit packs a SG_IO header for req and attempts a non-blocking write. A
// would-block result is reported as success: the response is collected
// later via AwaitResponse. Any other write failure is fatal for this disk.
func (h *Handle) Submit(req *Request, timeout time.Duration) error {
	if len(req.CDB) == 0 {
		return fmt.Errorf("sgio: empty cdb")
	}
	h.nextSeq++
	req.packID = h.nextSeq

	hdr := sgIOHeader{
		InterfaceID: interfaceIDSCSIGeneric,
		CmdLen:      uint8(len(req.CDB)),
		MxSBLen:     senseBufLen,
		Timeout:     uint32(timeout / time.Millisecond),
		PackID:      req.packID,
		UsrPtr:      uintptr(req.packID),
		Cmdp:        uintptr(unsafe.Pointer(&req.CDB[0])),
		Sbp:         uintptr(unsafe.Pointer(&req.Sense[0])),
	}

	switch req.Direction {
	case DirectionNone:
		hdr.DxferDirection = sgDxferNone
	case DirectionFromDevice:
		if len(req.Buf) == 0 {
			return fmt.Errorf("sgio: direction FromDevice requires a non-empty buffer")
		}
		hdr.DxferDirection = sgDxferFromDev
		hdr.DxferLen = uint32(len(req.Buf))
		hdr.Dxferp = uintptr(unsafe.Pointer(&req.Buf[0]))
	default:
		return fmt.Errorf("sgio: unknown direction %d", req.Direction)
	}

	req.Start = time.Now()
	_, err := unix.Write(h.fd, headerBytes(&hdr))
	if err == nil {
		return nil
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
		return nil
	}
	return &DeadError{Op: "write", Err: err}
}

// AwaitResponse waits for the device to become readable, reads one SG_IO
// completion header, and discards any whose usr_ptr does not match req
// (another request's stale completion). It returns once req's own
// completion has been recorded.
func (h *Handle) AwaitResponse(ctx context.Context, req *Request) error {
	pfd := []unix.PollFd{{Fd: int32(h.fd), Events: unix.POLLIN}}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := unix.Poll(pfd, pollIntervalMsec)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return &DeadError{Op: "poll", Err: err}
		}
		if n == 0 {
			continue // timeout tick: re-check ctx and poll again
		}

		var hdr sgIOHeader
		buf := headerBytes(&hdr)
		nr, err := unix.Read(h.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return &DeadError{Op: "read", Err: err}
		}
		if nr != len(buf) {
			return &DeadError{Op: "read", Err: fmt.Errorf("short read: got %d want %d bytes", nr, len(buf))}
		}
		if int32(hdr.UsrPtr) != req.packID {
			continue
		}

		req.End = time.Now()
		req.Status = hdr.Status
		req.SenseLen = hdr.SBLenWr
		req.Resid = hdr.Resid
		req.DurationMsec = hdr.Duration
		return nil
	}
}

// DurationMs returns the observed CDB round trip in milliseconds, preferring
// the userspace monotonic delta over the kernel-reported duration for
// consistent timekeeping across devices, per spec.md §5.
func (r *Request) DurationMs() float64 {
	return float64(r.End.Sub(r.Start)) / float64(time.Millisecond)
}
