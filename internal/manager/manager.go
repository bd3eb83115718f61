// Package manager implements the disk lifecycle state machine: the
// alive/dead roster over a fixed slot slab, rescan/adopt-or-allocate,
// death reaping, and snapshot save/load. Per spec.md §5/§9, the manager's
// disk roster has exactly one mutator: the goroutine running Run. Every
// other exported method submits a closure onto an internal command
// channel and blocks until Run has executed it on that single goroutine,
// so m.disks and the alive/dead index lists are never touched from two
// goroutines at once, regardless of how many HTTP/MCP/CLI callers invoke
// Manager concurrently.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/baruch/disksurvey/internal/config"
	"github.com/baruch/disksurvey/internal/disk"
	"github.com/baruch/disksurvey/internal/diskinfo"
	"github.com/baruch/disksurvey/internal/hostid"
	"github.com/baruch/disksurvey/internal/latency"
	"github.com/baruch/disksurvey/internal/offthread"
	"github.com/baruch/disksurvey/internal/scanner"
	"github.com/baruch/disksurvey/internal/sgio"
	"github.com/baruch/disksurvey/internal/snapshot"
)

const sentinel = -1

// ErrBufferExhausted is returned by ListDisksJSON when the serialized
// result would exceed the caller's buffer, per spec.md §7 BufferExhausted.
var ErrBufferExhausted = errors.New("insufficient buffer space")

// errStopped is returned internally by do when Run has already exited;
// Stop treats it as "already done" rather than an error.
var errStopped = errors.New("manager: owning goroutine has stopped")

// slot is one entry of the fixed disks[MAX_DISKS] slab.
type slot struct {
	prev, next int
	used       bool
	died       bool

	sgPath string
	info   diskinfo.Info
	window latency.Window
	worker *disk.Disk
}

type deathEvent struct {
	slotIdx int
	err     error
}

// call is one closure submitted to Run over cmdCh; done is closed once fn
// has executed on the owning goroutine.
type call struct {
	fn   func()
	done chan struct{}
}

// Manager owns the alive/dead disk roster and free-list and orchestrates
// rescan, tick dispatch, death reaping, and snapshot save/load. Construct
// with New, then start its owning goroutine with `go mgr.Run(ctx)` before
// calling any other method.
type Manager struct {
	cfg    *config.Config
	hostID hostid.Identity
	pool   *offthread.Pool
	log    *logrus.Logger

	disks            [config.MaxDisks]slot
	aliveHead        int
	deadHead         int
	firstUnusedEntry int
	stopped          bool

	cmdCh    chan call
	deathCh  chan deathEvent
	finished chan struct{}

	globFunc func(pattern string) ([]string, error)
	scanFunc func(ctx context.Context, path string) (diskinfo.Info, error)
	openFunc func(path string) (*sgio.Handle, error)
}

// Option configures optional Manager seams; production callers pass none
// and get the real glob/scan/open implementations. Tests outside this
// package (e.g. httpapi) use these to drive Rescan without touching real
// hardware.
type Option func(*Manager)

// WithGlobFunc overrides the device-path enumeration function used by
// Rescan. For tests only.
func WithGlobFunc(fn func(pattern string) ([]string, error)) Option {
	return func(m *Manager) { m.globFunc = fn }
}

// WithScanFunc overrides the scanner used by Rescan. For tests only.
func WithScanFunc(fn func(ctx context.Context, path string) (diskinfo.Info, error)) Option {
	return func(m *Manager) { m.scanFunc = fn }
}

// WithOpenFunc overrides the SG transport opener used by adopted workers.
// For tests only.
func WithOpenFunc(fn func(path string) (*sgio.Handle, error)) Option {
	return func(m *Manager) { m.openFunc = fn }
}

// New constructs a Manager. log may be nil, in which case the standard
// logrus logger is used. Run must be started separately before any other
// method is called.
func New(cfg *config.Config, hostID hostid.Identity, pool *offthread.Pool, log *logrus.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Manager{
		cfg:       cfg,
		hostID:    hostID,
		pool:      pool,
		log:       log,
		aliveHead: sentinel,
		deadHead:  sentinel,
		cmdCh:     make(chan call),
		deathCh:   make(chan deathEvent, config.MaxDisks),
		finished:  make(chan struct{}),
		globFunc:  filepath.Glob,
		scanFunc:  scanner.Scan,
		openFunc:  sgio.Open,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run is the manager's owning goroutine: the single serialized point of
// mutation for the disk roster, per spec.md §5. It must be started with
// `go mgr.Run(ctx)` before any other Manager method is called. Run
// returns when ctx is canceled, or once Stop has been requested and every
// alive disk has died and a final snapshot has been written.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.finished)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-m.cmdCh:
			c.fn()
			close(c.done)
		case ev := <-m.deathCh:
			m.handleDeath(ev)
		}
		if m.stopped && m.aliveHead == sentinel {
			if err := m.saveStateLocked(); err != nil {
				m.log.WithError(err).Error("manager: final snapshot write failed")
				return err
			}
			return nil
		}
	}
}

// do submits fn to run on the owning goroutine and blocks until it has
// executed, ctx is done, or Run has already exited.
func (m *Manager) do(ctx context.Context, fn func()) error {
	c := call{fn: fn, done: make(chan struct{})}
	select {
	case m.cmdCh <- c:
	case <-m.finished:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- intrusive list primitives -------------------------------------------------
// Called only from the owning goroutine, inside a closure passed to do().

func (m *Manager) remove(idx int, head *int) {
	s := &m.disks[idx]
	if s.prev != sentinel {
		m.disks[s.prev].next = s.next
	} else {
		*head = s.next
	}
	if s.next != sentinel {
		m.disks[s.next].prev = s.prev
	}
	s.prev, s.next = sentinel, sentinel
}

// appendTail walks to the list's tail to preserve insertion order. O(n),
// acceptable since n <= config.MaxDisks, per spec.md §4.5.
func (m *Manager) appendTail(idx int, head *int) {
	s := &m.disks[idx]
	s.prev, s.next = sentinel, sentinel
	if *head == sentinel {
		*head = idx
		return
	}
	cur := *head
	for m.disks[cur].next != sentinel {
		cur = m.disks[cur].next
	}
	m.disks[cur].next = idx
	s.prev = cur
}

func (m *Manager) allocateSlot() (int, bool) {
	if m.firstUnusedEntry < config.MaxDisks {
		idx := m.firstUnusedEntry
		m.firstUnusedEntry++
		m.disks[idx] = slot{prev: sentinel, next: sentinel, used: true}
		return idx, true
	}
	if m.deadHead != sentinel {
		idx := m.deadHead
		m.remove(idx, &m.deadHead)
		m.disks[idx] = slot{prev: sentinel, next: sentinel, used: true}
		return idx, true
	}
	return 0, false
}

func (m *Manager) findDeadMatch(info diskinfo.Info) (int, bool) {
	for idx := m.deadHead; idx != sentinel; idx = m.disks[idx].next {
		if m.disks[idx].info.Matches(info) {
			return idx, true
		}
	}
	return 0, false
}

// --- init / rescan / adopt ------------------------------------------------------

// Init loads any persisted snapshot into the dead list, ready for
// re-adoption on the first rescan. Run must already be started.
func (m *Manager) Init(ctx context.Context) error {
	var initErr error
	if err := m.do(ctx, func() { initErr = m.initLocked() }); err != nil {
		return err
	}
	return initErr
}

func (m *Manager) initLocked() error {
	var snap snapshot.Snapshot
	err := offthread.Run(context.Background(), m.pool, func() error {
		var loadErr error
		snap, loadErr = snapshot.Load(m.cfg.StateFile)
		return loadErr
	})
	if err != nil {
		return fmt.Errorf("manager: init: %w", err)
	}
	if snap.HostID != "" && snap.HostID != m.hostID.ID {
		m.log.WithFields(logrus.Fields{
			"state_host_id": snap.HostID,
			"host_id":       m.hostID.ID,
		}).Warn("manager: state file was written by a different host identifier")
	}
	for _, rec := range snap.Disks {
		idx, ok := m.allocateSlot()
		if !ok {
			m.log.Warn("manager: state file has more disks than MaxDisks; remaining entries dropped")
			break
		}
		s := &m.disks[idx]
		s.info = rec.Info
		s.window = rec.Latency
		s.died = true
		m.appendTail(idx, &m.deadHead)
	}
	return nil
}

func (m *Manager) globSG(ctx context.Context) ([]string, error) {
	var paths []string
	err := offthread.Run(ctx, m.pool, func() error {
		matches, err := m.globFunc(m.cfg.SGGlob)
		if err != nil {
			return err
		}
		paths = matches
		return nil
	})
	return paths, err
}

func (m *Manager) aliveSGPaths() map[string]bool {
	out := make(map[string]bool)
	for idx := m.aliveHead; idx != sentinel; idx = m.disks[idx].next {
		out[m.disks[idx].sgPath] = true
	}
	return out
}

// Rescan enumerates SG device paths, scans any not already alive, and
// adopts or allocates each successfully-scanned device. Idempotent:
// running it repeatedly with unchanged glob results discovers nothing new.
// Run must already be started.
func (m *Manager) Rescan(ctx context.Context) error {
	var rescanErr error
	if err := m.do(ctx, func() { rescanErr = m.rescanLocked(ctx) }); err != nil {
		return err
	}
	return rescanErr
}

func (m *Manager) rescanLocked(ctx context.Context) error {
	paths, err := m.globSG(ctx)
	if err != nil {
		return fmt.Errorf("manager: rescan: glob: %w", err)
	}
	alive := m.aliveSGPaths()
	for _, path := range paths {
		if alive[path] {
			continue
		}
		info, err := m.scanFunc(ctx, path)
		if err != nil {
			m.log.WithError(err).WithField("sg_path", path).Debug("manager: scan failed, retrying next rescan")
			continue
		}
		if err := m.adoptOrAllocate(ctx, path, info); err != nil {
			m.log.WithError(err).WithField("sg_path", path).Warn("manager: adopt_or_allocate failed")
		}
	}
	return nil
}

// adoptOrAllocate implements spec.md §4.5's re-adoption rule: a dead slot
// matching (vendor, model, serial) is reused, preserving its Latency;
// otherwise a fresh slot is allocated (or the dead-list head recycled).
// Must be called from the owning goroutine (via rescanLocked, or by
// in-package tests through do).
func (m *Manager) adoptOrAllocate(ctx context.Context, path string, info diskinfo.Info) error {
	var idx int
	if match, ok := m.findDeadMatch(info); ok {
		idx = match
		m.remove(idx, &m.deadHead)
	} else {
		newIdx, ok := m.allocateSlot()
		if !ok {
			return fmt.Errorf("manager: no free disk slot for %s", path)
		}
		idx = newIdx
		m.disks[idx].window = latency.Window{}
	}

	s := &m.disks[idx]
	s.sgPath = path
	s.info = info
	s.died = false

	w := disk.New(path, s.info)
	w.Window = s.window
	s.worker = w
	m.appendTail(idx, &m.aliveHead)

	go w.Run(ctx, m.openFunc)
	go m.watchDeath(idx, w)
	return nil
}

func (m *Manager) watchDeath(idx int, w *disk.Disk) {
	err := <-w.Death()
	m.deathCh <- deathEvent{slotIdx: idx, err: err}
}

// --- death / reaping --------------------------------------------------------

// DispatchTUR requests a ping tick on every alive disk worker. Run must
// already be started.
func (m *Manager) DispatchTUR(ctx context.Context) error {
	return m.do(ctx, func() {
		for idx := m.aliveHead; idx != sentinel; idx = m.disks[idx].next {
			if w := m.disks[idx].worker; w != nil {
				w.RequestTUR()
			}
		}
	})
}

// DispatchTick requests a latency-window tick on every alive disk worker.
// Run must already be started.
func (m *Manager) DispatchTick(ctx context.Context) error {
	return m.do(ctx, func() {
		for idx := m.aliveHead; idx != sentinel; idx = m.disks[idx].next {
			if w := m.disks[idx].worker; w != nil {
				w.RequestTick()
			}
		}
	})
}

// handleDeath moves a disk from alive to dead, preserving its last-known
// identity/latency. Called only from the owning goroutine: by Run as it
// drains deathCh, or directly by in-package tests.
func (m *Manager) handleDeath(ev deathEvent) {
	s := &m.disks[ev.slotIdx]
	if !s.used || s.died {
		return
	}
	if s.worker != nil {
		info, window := s.worker.Snapshot()
		s.info = info
		s.window = window
	}
	s.worker = nil
	s.sgPath = ""
	s.died = true

	m.remove(ev.slotIdx, &m.aliveHead)
	m.appendTail(ev.slotIdx, &m.deadHead)

	if ev.err != nil {
		m.log.WithError(ev.err).WithField("slot", ev.slotIdx).Warn("manager: disk transport died")
	}
}

// --- read surface ------------------------------------------------------------

type diskJSON struct {
	Dev            string     `json:"dev"`
	Vendor         string     `json:"vendor"`
	Model          string     `json:"model"`
	Serial         string     `json:"serial"`
	FwRev          string     `json:"fw_rev"`
	SmartOK        string     `json:"smart_ok"`
	LastTopLatency [5]float64 `json:"last_top_latency"`
	LastHistogram  [7]uint32  `json:"last_histogram"`
}

func (m *Manager) snapshotSlot(idx int) (string, diskinfo.Info, latency.Window) {
	s := &m.disks[idx]
	if s.worker != nil {
		info, window := s.worker.Snapshot()
		return s.sgPath, info, window
	}
	return s.sgPath, s.info, s.window
}

// ListDisksJSON serializes the alive list to a JSON array (see spec.md §6
// for the exact per-disk key order). maxBytes bounds the result: an
// over-large result returns ErrBufferExhausted rather than truncating.
// Run must already be started.
func (m *Manager) ListDisksJSON(ctx context.Context, maxBytes int) ([]byte, error) {
	var data []byte
	var listErr error
	if err := m.do(ctx, func() { data, listErr = m.listDisksJSONLocked(maxBytes) }); err != nil {
		return nil, err
	}
	return data, listErr
}

func (m *Manager) listDisksJSONLocked(maxBytes int) ([]byte, error) {
	list := []diskJSON{}
	for idx := m.aliveHead; idx != sentinel; idx = m.disks[idx].next {
		path, info, window := m.snapshotSlot(idx)
		cur := window.Current()
		list = append(list, diskJSON{
			Dev:            path,
			Vendor:         info.Vendor,
			Model:          info.Model,
			Serial:         info.Serial,
			FwRev:          info.FwRev,
			SmartOK:        strconv.FormatBool(info.SmartOK()),
			LastTopLatency: cur.TopLatencies,
			LastHistogram:  cur.Hist,
		})
	}

	data, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("manager: marshal disk list: %w", err)
	}
	if len(data) > maxBytes {
		return nil, ErrBufferExhausted
	}
	return data, nil
}

// AliveCount reports the number of disks currently on the alive list.
// Run must already be started; on ctx cancellation or a stopped Manager
// it returns 0.
func (m *Manager) AliveCount(ctx context.Context) int {
	var n int
	_ = m.do(ctx, func() { n = m.count(m.aliveHead) })
	return n
}

// DeadCount reports the number of disks currently retained on the dead
// list for possible re-adoption. Same caveats as AliveCount.
func (m *Manager) DeadCount(ctx context.Context) int {
	var n int
	_ = m.do(ctx, func() { n = m.count(m.deadHead) })
	return n
}

func (m *Manager) count(head int) int {
	n := 0
	for idx := head; idx != sentinel; idx = m.disks[idx].next {
		n++
	}
	return n
}

// FirstUnusedEntry reports the high-water mark of never-used slots. Same
// caveats as AliveCount.
func (m *Manager) FirstUnusedEntry(ctx context.Context) int {
	var n int
	_ = m.do(ctx, func() { n = m.firstUnusedEntry })
	return n
}

// --- save / stop --------------------------------------------------------------

// SaveState snapshots the alive-then-dead disk order to the configured
// state file, per spec.md §4.6. Run must already be started.
func (m *Manager) SaveState(ctx context.Context) error {
	var saveErr error
	if err := m.do(ctx, func() { saveErr = m.saveStateLocked() }); err != nil {
		return err
	}
	return saveErr
}

func (m *Manager) saveStateLocked() error {
	snap := snapshot.Snapshot{HostID: m.hostID.ID}
	for idx := m.aliveHead; idx != sentinel; idx = m.disks[idx].next {
		_, info, window := m.snapshotSlot(idx)
		snap.Disks = append(snap.Disks, snapshot.Record{Info: info, Latency: window})
	}
	for idx := m.deadHead; idx != sentinel; idx = m.disks[idx].next {
		s := &m.disks[idx]
		snap.Disks = append(snap.Disks, snapshot.Record{Info: s.info, Latency: s.window})
	}
	return snapshot.Save(m.cfg.StateFile, snap)
}

// Stop asks every alive worker to exit, then waits for the owning
// goroutine (Run) to observe the alive list empty and write a final
// snapshot before returning. Idempotent: once Run has finished, every
// subsequent call returns immediately.
func (m *Manager) Stop(ctx context.Context) error {
	err := m.do(ctx, func() {
		if m.stopped {
			return
		}
		m.stopped = true
		for idx := m.aliveHead; idx != sentinel; idx = m.disks[idx].next {
			if w := m.disks[idx].worker; w != nil {
				w.Stop()
			}
		}
	})
	if err != nil && !errors.Is(err, errStopped) {
		return err
	}

	select {
	case <-m.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
