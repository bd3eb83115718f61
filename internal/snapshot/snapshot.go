// Package snapshot implements disksurvey's versioned, length-framed state
// codec and its atomic save/load procedure. The original daemon forked to
// get a consistent copy-on-write view of its state before encoding; without
// fork semantics, this package is driven by a caller-supplied "frozen" view
// (the manager briefly pauses its mutating tasks, copies the disk list, and
// resumes — an in-process substitute per spec.md §9).
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/baruch/disksurvey/internal/diskinfo"
	"github.com/baruch/disksurvey/internal/latency"
)

// Version is the only on-disk header version this codec accepts. Per
// spec.md §9, the source's error message still mentioned an older version;
// this is the unified accept-set.
const Version uint32 = 2

// Record is one persisted disk: its identity/classification plus its
// rolling latency window. SGPath is intentionally absent — snapshots exist
// to support re-adoption by (vendor, model, serial), not by device node,
// since device nodes are not stable across reboots.
type Record struct {
	Info    diskinfo.Info
	Latency latency.Window
}

// Snapshot is the full persisted state: every known disk record, alive and
// dead, in save-time order, plus the host identity (spec.md §3
// system_identifier) that produced it. HostID is resolved once at startup
// by the hostid package and carried into every snapshot per spec.md §4.9,
// so a state file can be recognized as having come from a different host.
type Snapshot struct {
	HostID string
	Disks  []Record
}

// tag bytes for DiskInfo sub-records. A tag outside this set makes the whole
// DiskInfo record undecodable: decodeDiskInfo returns an error and Decode
// drops that disk while keeping the others.
const (
	tagVendor     = 1
	tagModel      = 2
	tagSerial     = 3
	tagFwRev      = 4
	tagDeviceType = 5
	tagATA        = 6
	tagSAS        = 7
)

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putTagString(buf *bytes.Buffer, tag uint8, s string) {
	buf.WriteByte(tag)
	putU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

// encodeDiskInfo serializes a diskinfo.Info into its tag/length-aware form.
func encodeDiskInfo(info diskinfo.Info) []byte {
	var buf bytes.Buffer
	putTagString(&buf, tagVendor, info.Vendor)
	putTagString(&buf, tagModel, info.Model)
	putTagString(&buf, tagSerial, info.Serial)
	putTagString(&buf, tagFwRev, info.FwRev)

	buf.WriteByte(tagDeviceType)
	putU32(&buf, uint32(info.DeviceType))

	switch info.Kind {
	case diskinfo.KindATA:
		buf.WriteByte(tagATA)
		putU32(&buf, 2) // record length in bytes: two booleans
		var flags uint8
		if info.ATA.SmartSupported {
			flags |= 1
		}
		if info.ATA.SmartOK {
			flags |= 2
		}
		buf.WriteByte(flags)
		buf.WriteByte(0) // pad to the declared length
	case diskinfo.KindSAS:
		buf.WriteByte(tagSAS)
		putU32(&buf, 8)
		putU32(&buf, uint32(info.SAS.SmartASC))
		putU32(&buf, uint32(info.SAS.SmartASCQ))
	}
	return buf.Bytes()
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// decodeDiskInfo parses the tag/length-aware DiskInfo record. A record
// carrying both an ata and a sas sub-record, or neither, is rejected with an
// error; Decode skips such a record without logging or reporting it.
func decodeDiskInfo(data []byte) (diskinfo.Info, error) {
	r := bytes.NewReader(data)
	var info diskinfo.Info
	sawATA, sawSAS := false, false

	for r.Len() > 0 {
		tagByte, err := r.ReadByte()
		if err != nil {
			return diskinfo.Info{}, fmt.Errorf("snapshot: truncated disk info tag: %w", err)
		}

		switch tagByte {
		case tagVendor, tagModel, tagSerial, tagFwRev:
			n, err := readU32(r)
			if err != nil {
				return diskinfo.Info{}, fmt.Errorf("snapshot: truncated string length: %w", err)
			}
			if int(n) > r.Len() {
				return diskinfo.Info{}, fmt.Errorf("snapshot: string field declares length %d beyond record", n)
			}
			s := make([]byte, n)
			if _, err := io.ReadFull(r, s); err != nil {
				return diskinfo.Info{}, fmt.Errorf("snapshot: short string read: %w", err)
			}
			switch tagByte {
			case tagVendor:
				info.Vendor = string(s)
			case tagModel:
				info.Model = string(s)
			case tagSerial:
				info.Serial = string(s)
			case tagFwRev:
				info.FwRev = string(s)
			}
		case tagDeviceType:
			n, err := readU32(r)
			if err != nil {
				return diskinfo.Info{}, fmt.Errorf("snapshot: truncated device_type: %w", err)
			}
			info.DeviceType = uint8(n)
		case tagATA:
			n, err := readU32(r)
			if err != nil {
				return diskinfo.Info{}, fmt.Errorf("snapshot: truncated ata record length: %w", err)
			}
			if int(n) > r.Len() {
				return diskinfo.Info{}, fmt.Errorf("snapshot: ata record declares length %d beyond record", n)
			}
			body := make([]byte, n)
			if _, err := io.ReadFull(r, body); err != nil {
				return diskinfo.Info{}, fmt.Errorf("snapshot: short ata record read: %w", err)
			}
			if len(body) >= 1 {
				info.ATA.SmartSupported = body[0]&1 != 0
				info.ATA.SmartOK = body[0]&2 != 0
			}
			sawATA = true
		case tagSAS:
			n, err := readU32(r)
			if err != nil {
				return diskinfo.Info{}, fmt.Errorf("snapshot: truncated sas record length: %w", err)
			}
			if int(n) > r.Len() {
				return diskinfo.Info{}, fmt.Errorf("snapshot: sas record declares length %d beyond record", n)
			}
			body := make([]byte, n)
			if _, err := io.ReadFull(r, body); err != nil {
				return diskinfo.Info{}, fmt.Errorf("snapshot: short sas record read: %w", err)
			}
			if len(body) >= 8 {
				br := bytes.NewReader(body)
				asc, _ := readU32(br)
				ascq, _ := readU32(br)
				info.SAS.SmartASC = uint8(asc)
				info.SAS.SmartASCQ = uint8(ascq)
			}
			sawSAS = true
		default:
			// Unknown tag: this schema gives an unrecognized tag byte no
			// declared length, so it cannot be stepped over; the record is
			// rejected and Decode drops this disk.
			return diskinfo.Info{}, fmt.Errorf("snapshot: unknown disk info tag %d", tagByte)
		}
	}

	switch {
	case sawATA && sawSAS:
		return diskinfo.Info{}, fmt.Errorf("snapshot: disk info carries both ata and sas sub-records")
	case sawATA:
		info.Kind = diskinfo.KindATA
	case sawSAS:
		info.Kind = diskinfo.KindSAS
	default:
		return diskinfo.Info{}, fmt.Errorf("snapshot: disk info carries neither ata nor sas sub-record")
	}
	return info.Normalize(), nil
}

// encodeLatency serializes a latency.Window.
func encodeLatency(w latency.Window) []byte {
	var buf bytes.Buffer
	putU32(&buf, uint32(w.CurEntry))
	putU32(&buf, uint32(len(w.Entries)))
	for _, e := range w.Entries {
		for _, top := range e.TopLatencies {
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], math.Float64bits(top))
			buf.Write(b[:])
		}
		for _, h := range e.Hist {
			putU32(&buf, h)
		}
	}
	return buf.Bytes()
}

func decodeLatency(data []byte) (latency.Window, error) {
	r := bytes.NewReader(data)
	var w latency.Window

	cur, err := readU32(r)
	if err != nil {
		return w, fmt.Errorf("snapshot: truncated cur_entry: %w", err)
	}

	count, err := readU32(r)
	if err != nil {
		return w, fmt.Errorf("snapshot: truncated entry count: %w", err)
	}
	// Decoder clamps over-long lists to the compiled-in N, per spec.md §4.6.
	n := int(count)
	if n > latency.WindowSize {
		n = latency.WindowSize
	}

	for i := 0; i < n; i++ {
		var entry latency.Summary
		for k := 0; k < latency.TopK; k++ {
			var b [8]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return w, fmt.Errorf("snapshot: truncated top_latencies: %w", err)
			}
			entry.TopLatencies[k] = math.Float64frombits(binary.BigEndian.Uint64(b[:]))
		}
		for k := 0; k < latency.Buckets; k++ {
			h, err := readU32(r)
			if err != nil {
				return w, fmt.Errorf("snapshot: truncated histogram: %w", err)
			}
			entry.Hist[k] = h
		}
		w.Entries[i] = entry
	}

	if int(cur) < latency.WindowSize {
		w.CurEntry = int(cur)
	}
	return w, nil
}

// Encode serializes the full snapshot per spec.md §4.6's on-disk layout.
func Encode(s Snapshot) []byte {
	var buf bytes.Buffer
	putU32(&buf, Version)
	putU32(&buf, uint32(len(s.HostID)))
	buf.WriteString(s.HostID)
	for _, rec := range s.Disks {
		infoBytes := encodeDiskInfo(rec.Info)
		putU32(&buf, uint32(len(infoBytes)))
		buf.Write(infoBytes)

		latBytes := encodeLatency(rec.Latency)
		putU32(&buf, uint32(len(latBytes)))
		buf.Write(latBytes)
	}
	return buf.Bytes()
}

// Decode parses a snapshot file's contents. Files shorter than 4 bytes
// yield an empty snapshot with no error, per spec.md §8's boundary rule. A
// sub-record whose declared length would overrun the buffer aborts the
// whole decode without a partial load.
func Decode(data []byte) (Snapshot, error) {
	if len(data) < 4 {
		return Snapshot{}, nil
	}
	r := bytes.NewReader(data)
	version, err := readU32(r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: read version: %w", err)
	}
	if version != Version {
		return Snapshot{}, fmt.Errorf("snapshot: unsupported version %d (accept-set: {%d})", version, Version)
	}

	hostIDLen, err := readU32(r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: read host id length: %w", err)
	}
	if int(hostIDLen) > r.Len() {
		return Snapshot{}, fmt.Errorf("snapshot: host id length %d overruns file", hostIDLen)
	}
	hostIDBytes := make([]byte, hostIDLen)
	if _, err := io.ReadFull(r, hostIDBytes); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: short host id read: %w", err)
	}

	out := Snapshot{HostID: string(hostIDBytes)}
	for r.Len() > 0 {
		infoLen, err := readU32(r)
		if err != nil {
			break // EOF between records: implicitly terminates, per spec.md §4.6
		}
		if int(infoLen) > r.Len() {
			return Snapshot{}, fmt.Errorf("snapshot: disk info length %d overruns file", infoLen)
		}
		infoBytes := make([]byte, infoLen)
		if _, err := io.ReadFull(r, infoBytes); err != nil {
			return Snapshot{}, fmt.Errorf("snapshot: short disk info read: %w", err)
		}

		latLen, err := readU32(r)
		if err != nil {
			return Snapshot{}, fmt.Errorf("snapshot: truncated file after disk info: %w", err)
		}
		if int(latLen) > r.Len() {
			return Snapshot{}, fmt.Errorf("snapshot: latency length %d overruns file", latLen)
		}
		latBytes := make([]byte, latLen)
		if _, err := io.ReadFull(r, latBytes); err != nil {
			return Snapshot{}, fmt.Errorf("snapshot: short latency read: %w", err)
		}

		info, err := decodeDiskInfo(infoBytes)
		if err != nil {
			// Skipped silently (no warning is logged or returned); continue
			// decoding the remaining disks rather than aborting the whole file.
			continue
		}
		lat, err := decodeLatency(latBytes)
		if err != nil {
			continue
		}
		out.Disks = append(out.Disks, Record{Info: info, Latency: lat})
	}
	return out, nil
}

// Save writes s to path atomically: encode to a temp file in the same
// directory, then rename over path. A write or rename failure deletes the
// temp file and returns a wrapped error; the next save attempt starts
// fresh, per spec.md §7's SnapshotIOError recovery.
func Save(path string, s Snapshot) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(Encode(s)); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: write temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: close temp file: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("snapshot: rename into place: %w", err)
	}
	return nil
}

// Load reads and decodes path. A missing file is not an error: it behaves
// like an empty snapshot (no disks loaded), since a daemon's first run has
// no prior state.
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	return Decode(data)
}
