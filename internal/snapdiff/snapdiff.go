// Package snapdiff compares two disksurvey state-file snapshots, reporting
// disks added/removed and health/latency changes for disks present in both.
// Adapted from the teacher's internal/diff report-comparison shape (USE
// metric deltas, regression/improvement classification) applied to the
// disksurvey domain instead of a performance report.
package snapdiff

import (
	"fmt"
	"strings"

	"github.com/baruch/disksurvey/internal/diskinfo"
	"github.com/baruch/disksurvey/internal/snapshot"
)

// DiskKey identifies a disk across two snapshots by its stable identity
// (vendor, model, serial), not by its transient sg path or slot index.
type DiskKey struct {
	Vendor, Model, Serial string
}

func keyOf(info diskinfo.Info) DiskKey {
	return DiskKey{Vendor: info.Vendor, Model: info.Model, Serial: info.Serial}
}

// HealthChange records a disk whose smart_ok verdict flipped between the
// two snapshots.
type HealthChange struct {
	Key        DiskKey
	WasHealthy bool
	NowHealthy bool
}

// LatencyChange records a disk whose top latency sample changed beyond
// negligible noise between the two snapshots' most recent bucket.
type LatencyChange struct {
	Key          DiskKey
	OldTopLatMs  float64
	NewTopLatMs  float64
	DeltaMs      float64
	DeltaPct     float64
	Significance string // "high", "medium", "low"
}

// Diff is the result of comparing a baseline snapshot to a current one.
type Diff struct {
	Added           []DiskKey
	Removed         []DiskKey
	HealthChanges   []HealthChange
	LatencyChanges  []LatencyChange
}

// LoadSnapshot reads and decodes a disksurvey state file.
func LoadSnapshot(path string) (snapshot.Snapshot, error) {
	snap, err := snapshot.Load(path)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("snapdiff: load %s: %w", path, err)
	}
	return snap, nil
}

// Compare computes the set of disk additions/removals and per-disk
// health/latency changes between baseline and current.
func Compare(baseline, current snapshot.Snapshot) *Diff {
	baseByKey := make(map[DiskKey]snapshot.Record, len(baseline.Disks))
	for _, rec := range baseline.Disks {
		baseByKey[keyOf(rec.Info)] = rec
	}
	curByKey := make(map[DiskKey]snapshot.Record, len(current.Disks))
	for _, rec := range current.Disks {
		curByKey[keyOf(rec.Info)] = rec
	}

	d := &Diff{}

	for key, curRec := range curByKey {
		baseRec, ok := baseByKey[key]
		if !ok {
			d.Added = append(d.Added, key)
			continue
		}

		wasOK, nowOK := baseRec.Info.SmartOK(), curRec.Info.SmartOK()
		if wasOK != nowOK {
			d.HealthChanges = append(d.HealthChanges, HealthChange{Key: key, WasHealthy: wasOK, NowHealthy: nowOK})
		}

		// TopLatencies is ascending, so the largest sample is the last one.
		oldTops := baseRec.Latency.Current().TopLatencies
		newTops := curRec.Latency.Current().TopLatencies
		addLatencyChange(d, key, oldTops[len(oldTops)-1], newTops[len(newTops)-1])
	}

	for key := range baseByKey {
		if _, ok := curByKey[key]; !ok {
			d.Removed = append(d.Removed, key)
		}
	}

	return d
}

func addLatencyChange(d *Diff, key DiskKey, oldMs, newMs float64) {
	delta := newMs - oldMs
	deltaPct := 0.0
	if oldMs != 0 {
		deltaPct = (delta / oldMs) * 100
	}
	// Skip negligible changes, mirroring the teacher's noise floor.
	if abs(deltaPct) < 5 && abs(delta) < 0.5 {
		return
	}

	significance := "low"
	absPct := abs(deltaPct)
	switch {
	case absPct >= 100:
		significance = "high"
	case absPct >= 50:
		significance = "medium"
	}

	d.LatencyChanges = append(d.LatencyChanges, LatencyChange{
		Key: key, OldTopLatMs: oldMs, NewTopLatMs: newMs,
		DeltaMs: delta, DeltaPct: deltaPct, Significance: significance,
	})
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// FormatDiff returns a human-readable summary of d.
func FormatDiff(d *Diff) string {
	var sb strings.Builder

	sb.WriteString("=== Disk Roster Diff ===\n")
	if len(d.Added) > 0 {
		sb.WriteString(fmt.Sprintf("Added (%d):\n", len(d.Added)))
		for _, k := range d.Added {
			sb.WriteString(fmt.Sprintf("  + %s %s serial=%s\n", k.Vendor, k.Model, k.Serial))
		}
	}
	if len(d.Removed) > 0 {
		sb.WriteString(fmt.Sprintf("Removed (%d):\n", len(d.Removed)))
		for _, k := range d.Removed {
			sb.WriteString(fmt.Sprintf("  - %s %s serial=%s\n", k.Vendor, k.Model, k.Serial))
		}
	}
	if len(d.HealthChanges) > 0 {
		sb.WriteString("Health changes:\n")
		for _, c := range d.HealthChanges {
			arrow := "↓"
			if c.NowHealthy {
				arrow = "↑"
			}
			sb.WriteString(fmt.Sprintf("  %s serial=%s: healthy=%v %s healthy=%v\n",
				c.Key.Model, c.Key.Serial, c.WasHealthy, arrow, c.NowHealthy))
		}
	}
	if len(d.LatencyChanges) > 0 {
		sb.WriteString("Latency changes:\n")
		for _, c := range d.LatencyChanges {
			sb.WriteString(fmt.Sprintf("  [%s] %s serial=%s: %.2fms → %.2fms (%+.1f%%)\n",
				strings.ToUpper(c.Significance), c.Key.Model, c.Key.Serial,
				c.OldTopLatMs, c.NewTopLatMs, c.DeltaPct))
		}
	}
	if len(d.Added) == 0 && len(d.Removed) == 0 && len(d.HealthChanges) == 0 && len(d.LatencyChanges) == 0 {
		sb.WriteString("No changes.\n")
	}

	return sb.String()
}
