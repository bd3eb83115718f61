// Package hostid resolves the daemon's system_identifier once at startup,
// read-only thereafter — the same "resolve-once, read-only singleton"
// shape the teacher uses for self-PID tracking, applied here to host
// identity instead.
package hostid

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

const machineIDPath = "/etc/machine-id"

// Source names where an Identity's ID came from.
const (
	SourceMachineID = "machine-id"
	SourceGenerated = "generated"
)

// Identity is the resolved host identifier, carried into every snapshot.
type Identity struct {
	ID     string
	Source string
}

// Resolve returns the host's identifier: /etc/machine-id if readable,
// otherwise a UUID persisted alongside statePath (as "<statePath>.hostid")
// so restarts keep the same generated identity.
func Resolve(statePath string) (Identity, error) {
	if data, err := os.ReadFile(machineIDPath); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return Identity{ID: id, Source: SourceMachineID}, nil
		}
	}

	sidecarPath := statePath + ".hostid"
	if data, err := os.ReadFile(sidecarPath); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return Identity{ID: id, Source: SourceGenerated}, nil
		}
	}

	id := uuid.New().String()
	if err := os.WriteFile(sidecarPath, []byte(id+"\n"), 0o644); err != nil {
		return Identity{}, fmt.Errorf("hostid: persist generated id: %w", err)
	}
	return Identity{ID: id, Source: SourceGenerated}, nil
}
