// Package runmanifest assigns each pipeline invocation a collision-free
// run identity and persists a record of what was run, generalizing the
// teacher's per-instance metadata file to "any number of concurrent
// pipeline invocations" (§8) instead of one sequentially-numbered agent
// instance at a time.
package runmanifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Record is the persisted description of one pipeline invocation.
type Record struct {
	RunID      string     `json:"run_id"`
	StartedAt  int64      `json:"started_at"`
	EndedAt    int64      `json:"ended_at,omitempty"`
	ExitCode   int        `json:"exit_code"`
	AllowRead  []string   `json:"allow_read"`
	AllowWrite []string   `json:"allow_write"`
	Stages     [][]string `json:"stages"`
}

// New starts a record for a pipeline about to run, stamping a fresh
// run id and start time.
func New(allowRead, allowWrite []string, stages [][]string) *Record {
	return &Record{
		RunID:      uuid.NewString(),
		StartedAt:  time.Now().Unix(),
		AllowRead:  allowRead,
		AllowWrite: allowWrite,
		Stages:     stages,
	}
}

// Finish stamps the record with its outcome and persists it as
// <dir>/<run-id>.json, mirroring Instance.persistMeta's
// MarshalIndent-then-WriteFile pattern.
func (r *Record) Finish(dir string, exitCode int) error {
	r.EndedAt = time.Now().Unix()
	r.ExitCode = exitCode

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("runmanifest: create %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("runmanifest: marshal record: %w", err)
	}
	path := filepath.Join(dir, r.RunID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("runmanifest: write %s: %w", path, err)
	}
	return nil
}
