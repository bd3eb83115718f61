// Package disk implements the per-disk cooperative worker: a goroutine that
// owns one SG file descriptor for its lifetime, issues a ping CDB on each
// TUR tick and a health CDB on the long monitor tick, and reports its own
// death to the manager. Requests arrive over a small buffered channel,
// replacing the source's request_tick/request_tur bit-field plus wait
// object with a single serialized channel, per spec.md §9's redesign note.
package disk

import (
	"context"
	"sync"
	"time"

	"github.com/baruch/disksurvey/internal/cdb"
	"github.com/baruch/disksurvey/internal/diskinfo"
	"github.com/baruch/disksurvey/internal/latency"
	"github.com/baruch/disksurvey/internal/sgio"
)

// MonitorInterval is the minimum spacing between SMART health checks,
// spec.md's MONITOR_INTERVAL_SEC.
const MonitorInterval = 3600 * time.Second

// requestKind distinguishes the two periodic ticks a worker accepts.
type requestKind int

const (
	requestTUR requestKind = iota
	requestTick
)

// Disk is one live disk's worker state, owned by its own goroutine once
// started. SGPath is set once before the goroutine starts and never
// mutated again, so it is safe to read without locking. Info and Window
// are mutated by the worker goroutine on every ping/tick and read
// concurrently by the manager's goroutine via Snapshot(); mu guards
// exactly those two fields.
type Disk struct {
	SGPath string

	mu     sync.Mutex
	Info   diskinfo.Info
	Window latency.Window

	LastPing    time.Time
	LastReply   time.Time
	LastMonitor time.Time

	requests chan requestKind
	death    chan error
	stopOnce chan struct{}
}

// New creates a worker state for an already-scanned disk. Start must be
// called to actually run it.
func New(sgPath string, info diskinfo.Info) *Disk {
	return &Disk{
		SGPath:   sgPath,
		Info:     info,
		requests: make(chan requestKind, 2),
		death:    make(chan error, 1),
		stopOnce: make(chan struct{}),
	}
}

// Snapshot returns a locked copy of the disk's identity and latency
// window. Safe to call from any goroutine at any time, including
// concurrently with the worker goroutine's own doPing/doTick mutations.
func (d *Disk) Snapshot() (diskinfo.Info, latency.Window) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Info, d.Window
}

// RequestTUR asks the worker to perform its next ping tick. Non-blocking:
// TUR and tick requests share one queue of capacity 2, and a request that
// finds the queue full is dropped. Requests are not coalesced per kind, so
// two TURs may be queued at once.
func (d *Disk) RequestTUR() {
	select {
	case d.requests <- requestTUR:
	default:
	}
}

// RequestTick asks the worker to advance its latency window by one bucket
// and, if due, run a health check.
func (d *Disk) RequestTick() {
	select {
	case d.requests <- requestTick:
	default:
	}
}

// Stop asks the worker to exit at its next opportunity. Idempotent and
// non-blocking, per spec.md §4.4.
func (d *Disk) Stop() {
	select {
	case <-d.stopOnce:
	default:
		close(d.stopOnce)
	}
}

// Death returns the channel the manager should select on to learn this
// worker has exited; the delivered error is nil for a clean stop() and
// non-nil for a transport failure.
func (d *Disk) Death() <-chan error {
	return d.death
}

// Run is the worker's main loop. It opens the SG device, then serves
// requests until stopped or the transport dies, finally closing the handle
// and posting its death. Run is meant to be launched with `go d.Run(...)`.
func (d *Disk) Run(ctx context.Context, open func(path string) (*sgio.Handle, error)) {
	h, err := open(d.SGPath)
	if err != nil {
		d.death <- err
		return
	}
	defer h.Close()

	for {
		select {
		case <-d.stopOnce:
			d.death <- nil
			return
		case <-ctx.Done():
			d.death <- nil
			return
		case kind := <-d.requests:
			if err := d.handle(ctx, h, kind); err != nil {
				d.death <- err
				return
			}
		}
	}
}

func (d *Disk) handle(ctx context.Context, h transportHandle, kind requestKind) error {
	switch kind {
	case requestTUR:
		return d.doPing(ctx, h)
	case requestTick:
		return d.doTick(ctx, h)
	}
	return nil
}

// transportHandle is the narrow *sgio.Handle surface doPing/doTick need.
type transportHandle interface {
	Submit(req *sgio.Request, timeout time.Duration) error
	AwaitResponse(ctx context.Context, req *sgio.Request) error
}

func (d *Disk) doPing(ctx context.Context, h transportHandle) error {
	d.mu.Lock()
	kind := d.Info.Kind
	d.mu.Unlock()

	var pingCDB []byte
	if kind == diskinfo.KindATA {
		pingCDB = cdb.ATACheckPowerMode()
	} else {
		pingCDB = cdb.TestUnitReady()
	}

	req := &sgio.Request{CDB: pingCDB, Direction: sgio.DirectionNone}
	d.LastPing = time.Now()
	if err := h.Submit(req, sgio.DefaultTimeout); err != nil {
		return err
	}
	if err := h.AwaitResponse(ctx, req); err != nil {
		return err
	}
	d.LastReply = time.Now()

	d.mu.Lock()
	d.Window.AddSample(req.DurationMs())
	d.mu.Unlock()
	return nil
}

func (d *Disk) doTick(ctx context.Context, h transportHandle) error {
	d.mu.Lock()
	d.Window.Tick()
	kind := d.Info.Kind
	d.mu.Unlock()

	if time.Since(d.LastMonitor) < MonitorInterval && !d.LastMonitor.IsZero() {
		return nil
	}
	d.LastMonitor = time.Now()

	if kind != diskinfo.KindATA {
		return nil // SAS informational-exceptions log-sense: reserved, per spec.md §4.4
	}

	req := &sgio.Request{CDB: cdb.ATASmartReturnStatus(), Direction: sgio.DirectionNone}
	if err := h.Submit(req, sgio.DefaultTimeout); err != nil {
		return err
	}
	if err := h.AwaitResponse(ctx, req); err != nil {
		return err
	}
	// Per spec.md §9, this command is expected to report non-zero SCSI
	// status with the health result carried in the sense buffer; a
	// transport-level failure above is the only case treated as fatal.
	smartOK, _ := cdb.ParseATAStatusSense(req.Sense[:req.SenseLen])
	d.mu.Lock()
	d.Info.ATA.SmartOK = smartOK
	d.mu.Unlock()
	return nil
}
